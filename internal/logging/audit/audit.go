// Package audit writes structured audit events for security-relevant actions.
package audit

import (
	"github.com/rs/zerolog"
)

// Result values.
const (
	Allowed = "allowed"
	Denied  = "denied"
)

// Logger provides structured audit logging for security-relevant events.
// All audit events are logged with structured fields for easy filtering and analysis.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop returns a logger that discards every event.
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// LogAuth logs an authentication event.
// identity: the identity attempting authentication (empty for failed attempts)
// method: authentication method (e.g., "bearer", "anonymous")
// result: Allowed or Denied
// details: additional context (e.g., error message)
// sourceIP: source IP address of the request
func (l *Logger) LogAuth(identity, method, result, details, sourceIP string) {
	level := zerolog.InfoLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "auth").
		Str("identity", identity).
		Str("method", method).
		Str("result", result).
		Str("source_ip", sourceIP)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Authentication event")
}

// LogAdmission logs an admission control decision for a mutating call.
// identity: the caller
// operation: e.g. "create_file", "append_chunk", "delete_file"
// fileID: the affected file, or -1 when none has been allocated
// result: Allowed or Denied
// reason: why the call was denied (empty for allowed)
func (l *Logger) LogAdmission(identity, operation string, fileID int64, result, reason string) {
	level := zerolog.InfoLevel
	if result == Denied {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "admission").
		Str("identity", identity).
		Str("operation", operation).
		Str("result", result)

	if fileID >= 0 {
		event = event.Int64("file_id", fileID)
	}
	if reason != "" {
		event = event.Str("reason", reason)
	}

	event.Msg("Admission event")
}

// LogModeration logs a moderation or other administrative action.
// adminID: the superuser performing the action, or "system" for automatic blocks
// action: action performed (e.g., "block", "unblock", "block_and_delete", "force_create")
// target: the identity acted on
// details: additional context
func (l *Logger) LogModeration(adminID, action, target, details string) {
	event := l.logger.Info().
		Str("event_type", "moderation").
		Str("admin_id", adminID).
		Str("action", action).
		Str("target", target)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Moderation event")
}
