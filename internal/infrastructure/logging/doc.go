// Package logging provides structured logging for routine-core.
//
// It wraps log/slog with JSON output for production, text output for
// development, and service/version fields on every entry.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("engine").Info("routine started", "routine", id)
//
// Never log secrets, tokens or passwords.
package logging
