// Package errs holds the failure taxonomy shared by the ledger packages.
// Every operation reports one of these kinds instead of aborting; only an
// IntegrityBreach signals that the chain itself can no longer be trusted.
package errs

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	// ValidationFailure covers bad signatures, insufficient funds and malformed input.
	ValidationFailure Kind = iota + 1
	// StateConflict covers lost replace-by-fee races, closed channels and stale indexes.
	StateConflict
	// NotFound covers unknown channels, contracts and methods.
	NotFound
	// TimingViolation is returned when a dispute window has not yet elapsed.
	TimingViolation
	// ExhaustionFailure is returned when validator selection has no stake to draw from.
	ExhaustionFailure
	// IntegrityBreach reports a hash or link mismatch inside the chain.
	IntegrityBreach
)

func (k Kind) String() string {
	switch k {
	case ValidationFailure:
		return "validation failure"
	case StateConflict:
		return "state conflict"
	case NotFound:
		return "not found"
	case TimingViolation:
		return "timing violation"
	case ExhaustionFailure:
		return "exhaustion failure"
	case IntegrityBreach:
		return "integrity breach"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// Is matches any *Error of the same kind, so errors.Is(err, errs.New(k, ""))
// and errs.Is(err, k) agree.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Is reports whether any error in err's chain has the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
