package simulator

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by the device or a GC policy wraps one of
// these, so callers can classify a fault with errors.Is.
var (
	ErrConfiguration      = errors.New("configuration error")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrNoVictimFound      = errors.New("no victim found")
)

// SimError is a custom error type for simulation errors
type SimError struct {
	Kind        error    // One of ErrConfiguration, ErrInvariantViolation, ErrNoVictimFound
	Op          string   // Operation that failed (e.g. "EraseBlock")
	Message     string   // Human readable detail
	Diagnostics []string // Device state dump captured at the time of the fault
}

func (e *SimError) Error() string {
	var b strings.Builder
	b.WriteString("simulation error: ")
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

func (e *SimError) Unwrap() error {
	return e.Kind
}

// Dump returns the error message followed by the diagnostic lines.
func (e *SimError) Dump() string {
	if len(e.Diagnostics) == 0 {
		return e.Error()
	}
	return e.Error() + "\n" + strings.Join(e.Diagnostics, "\n")
}

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(msg string) error {
	return &SimError{Kind: ErrConfiguration, Message: fmt.Sprintf("invalid config: %s", msg)}
}

func invariantf(op string, format string, args ...any) *SimError {
	return &SimError{Kind: ErrInvariantViolation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func noVictimf(op string, format string, args ...any) *SimError {
	return &SimError{Kind: ErrNoVictimFound, Op: op, Message: fmt.Sprintf(format, args...)}
}

// withDiagnostics attaches a device dump to err if it is a *SimError without one.
func withDiagnostics(err error, lines []string) error {
	var se *SimError
	if errors.As(err, &se) && len(se.Diagnostics) == 0 {
		se.Diagnostics = lines
	}
	return err
}
