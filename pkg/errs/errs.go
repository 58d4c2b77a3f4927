// Package errs defines the error taxonomy shared by every gotn component.
//
// Errors carry a Kind so that callers (and the tool façade, which must
// report a stable kind string to external agents) can classify failures
// without matching on message text. Errors wrap an optional cause and
// participate in errors.Is / errors.As chains.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error into one of the stable categories exposed on the
// wire. The string value is what external callers see.
type Kind string

const (
	KindValidation               Kind = "Validation"
	KindNotFound                 Kind = "NotFound"
	KindConflict                 Kind = "Conflict"
	KindImmutableField           Kind = "ImmutableField"
	KindCycle                    Kind = "Cycle"
	KindNoSelection              Kind = "NoSelection"
	KindCorruptJournal           Kind = "CorruptJournal"
	KindCorruptSnapshot          Kind = "CorruptSnapshot"
	KindTimeout                  Kind = "Timeout"
	KindCancelled                Kind = "Cancelled"
	KindInvalidEmbedding         Kind = "InvalidEmbedding"
	KindVectorBackendUnavailable Kind = "VectorBackendUnavailable"
	KindIOError                  Kind = "IOError"
)

// Error is the concrete error type carrying a Kind, a human-readable
// message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a kind and message. Returns nil when err is nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf walks the error chain and returns the first Kind found.
// Context cancellation and deadline errors map to Cancelled and Timeout even
// when they were never wrapped. Everything else classifies as IOError, the
// catch-all for unexpected environmental failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindIOError
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			break
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}

// FromContext maps a context error to the matching taxonomy error.
// Returns nil when ctx.Err() is nil.
func FromContext(ctx context.Context) *Error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return New(KindTimeout, "operation deadline exceeded")
	case context.Canceled:
		return New(KindCancelled, "operation cancelled")
	default:
		return nil
	}
}

// UserMessage renders err for external callers: the kind plus the
// outermost message, without the cause chain that may name file paths or
// other internals.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v", KindOf(err), err)
}

// IsNotFound reports whether err classifies as NotFound.
func IsNotFound(err error) bool { return Is(err, KindNotFound) }

// IsConflict reports whether err classifies as Conflict.
func IsConflict(err error) bool { return Is(err, KindConflict) }

// IsValidation reports whether err classifies as Validation.
func IsValidation(err error) bool { return Is(err, KindValidation) }

// IsCycle reports whether err classifies as Cycle.
func IsCycle(err error) bool { return Is(err, KindCycle) }
