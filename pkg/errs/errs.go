// Package errs classifies failures along the taxonomy of spec.md §7 so
// callers can decide whether a failure reaches the terminal error
// surface (C6 show_error) or is merely advisory (update_progress).
package errs

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind is the origin of a failure, per spec.md §7.
type Kind int

const (
	// KindTransport covers channel setup, non-zero subordinate exit, file copy failure.
	KindTransport Kind = iota
	// KindProvisioning covers clone-script or directory-creation failure.
	KindProvisioning
	// KindStartup covers startup timeout or a missing editor binary.
	KindStartup
	// KindProbe covers an HTTP probe that failed after retries.
	KindProbe
	// KindBus covers socket bind failure; orderly shutdown is not an error.
	KindBus
	// KindPersistence covers roster/settings read or write failure.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindProvisioning:
		return "provisioning"
	case KindStartup:
		return "startup"
	case KindProbe:
		return "probe"
	case KindBus:
		return "bus"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and, optionally, captured
// diagnostic detail (e.g. subordinate stderr) suitable for C6's
// show_error "details" field.
type Error struct {
	Kind    Kind
	Message string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs a stack-carrying Error of the given Kind. Use for
// failures that may reach the terminal error surface, where a captured
// stack trace is worth logging.
func New(kind Kind, message string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = goerrors.Wrap(cause, 1)
	}
	return &Error{Kind: kind, Message: message, Cause: wrapped}
}

// WithDetails attaches subordinate stderr or other multi-line diagnostic
// text, as surfaced by C6 show_error's optional "details" parameter.
func (e *Error) WithDetails(details string) *Error {
	e.Details = details
	return e
}

// Wrapf wraps an error with additional context using golang.org/x/xerrors,
// for failures deeper in the call stack that are not expected to reach
// the terminal error surface directly (they get re-classified by a
// caller closer to the state machine).
func Wrapf(cause error, format string, args ...any) error {
	return xerrors.Errorf(format+": %w", append(args, cause)...)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if xerrors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
