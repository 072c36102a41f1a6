// Package logging provides debug logging utilities for the BBS.
package logging

import "log"

// DebugEnabled controls whether Debug() produces output.
// Set via -debug flag or DEBUG=1 / MESHBBS_DEBUG=1 environment variable.
var DebugEnabled bool

// Debug logs a message only when DebugEnabled is true.
func Debug(format string, args ...any) {
	if DebugEnabled {
		log.Printf("DEBUG: "+format, args...)
	}
}

// Trace logs a message only when DebugEnabled is true, at a finer grain
// than Debug — used for high-frequency per-frame or per-byte logging.
func Trace(format string, args ...any) {
	if DebugEnabled {
		log.Printf("TRACE: "+format, args...)
	}
}

// Info always logs, prefixed for grep-ability.
func Info(format string, args ...any) {
	log.Printf("INFO: "+format, args...)
}

// Warn always logs, prefixed for grep-ability.
func Warn(format string, args ...any) {
	log.Printf("WARN: "+format, args...)
}

// Error always logs, prefixed for grep-ability.
func Error(format string, args ...any) {
	log.Printf("ERROR: "+format, args...)
}
