package engine

import "sync"

// logRing keeps the most recent log entries for late subscribers.
type logRing struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	full    bool
}

func newLogRing(size int) *logRing {
	return &logRing{entries: make([]LogEntry, size)}
}

func (r *logRing) add(e LogEntry) {
	if len(r.entries) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n entries, oldest first. n <= 0 returns everything held.
func (r *logRing) last(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.next
	if r.full {
		held = len(r.entries)
	}
	if n <= 0 || n > held {
		n = held
	}

	out := make([]LogEntry, 0, n)
	start := (r.next - n + len(r.entries)) % max(len(r.entries), 1)
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
