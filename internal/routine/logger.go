package routine

import (
	"fmt"
	"sync"
)

// Level is the severity of a routine log line as shown to the operator.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelDebug   Level = "debug"
)

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	switch l {
	case LevelInfo, LevelSuccess, LevelWarning, LevelError, LevelDebug:
		return true
	}
	return false
}

// Logger is the operator-facing log sink bound to a routine run.
type Logger interface {
	Log(level Level, msg string)
}

// LoggerFunc adapts a function to Logger.
type LoggerFunc func(level Level, msg string)

// Log calls f.
func (f LoggerFunc) Log(level Level, msg string) { f(level, msg) }

type noopLogger struct{}

func (noopLogger) Log(Level, string) {}

// Base holds the logger the engine binds before Start. Embed it to get
// SetLogger and the Logf helpers.
type Base struct {
	mu     sync.RWMutex
	logger Logger
}

// SetLogger binds the run's log sink.
func (b *Base) SetLogger(l Logger) {
	b.mu.Lock()
	b.logger = l
	b.mu.Unlock()
}

// Logger returns the bound sink, or a no-op sink before binding.
func (b *Base) Logger() Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.logger == nil {
		return noopLogger{}
	}
	return b.logger
}

// Logf formats and logs a line at level.
func (b *Base) Logf(level Level, format string, args ...any) {
	b.Logger().Log(level, fmt.Sprintf(format, args...))
}
