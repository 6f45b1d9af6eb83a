package anticheat

import (
	"github.com/SuperSonnix71/Xnake/internal/detect"
)

// ErrorKind buckets pipeline failures for the transport layer. The HTTP
// handlers map kinds to status codes; nothing below the orchestrator ever
// sees them.
type ErrorKind string

const (
	ErrValidation    ErrorKind = "validation"     // malformed or out-of-range field
	ErrAuthFailure   ErrorKind = "auth_failure"   // bad fingerprint or missing identity
	ErrRateLimited   ErrorKind = "rate_limited"   // sliding-window backpressure
	ErrCheatDetected ErrorKind = "cheat_detected" // a rule fired or replay diverged
	ErrInternal      ErrorKind = "internal"       // persistence or other server fault
)

// Error is the orchestrator's rejection. Message is the short
// machine-readable string shipped to the client; detailed diagnostics stay
// in the server log.
type Error struct {
	Kind      ErrorKind
	Message   string
	CheatKind detect.CheatKind // set only for ErrCheatDetected
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

func reject(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func rejectCheat(verdict detect.Verdict) *Error {
	return &Error{Kind: ErrCheatDetected, Message: verdict.Reason, CheatKind: verdict.Kind}
}
