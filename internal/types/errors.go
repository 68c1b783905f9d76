package types

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions: validation failures are
// never retried, provider failures increment circuit breakers, breaker-open
// fails fast, database faults are terminal.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindEmbedding
	KindTag
	KindProposition
	KindBreakerOpen
	KindDatabase
	KindConfig
)

// String returns the wire-level name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindEmbedding:
		return "embedding"
	case KindTag:
		return "tag"
	case KindProposition:
		return "proposition"
	case KindBreakerOpen:
		return "circuit_breaker_open"
	case KindDatabase:
		return "database"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a kinded error. It wraps an optional cause and plays well with
// errors.Is / errors.As.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two kinded errors by kind, so sentinel comparisons like
// errors.Is(err, &Error{Kind: KindNotFound}) work across wrap layers.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E builds a kinded error from a plain message.
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf builds a kinded error with fmt-style formatting.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and context message to an underlying cause.
// Returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Validation is shorthand for E(KindValidation, msg).
func Validation(msg string) error { return E(KindValidation, msg) }

// Validationf is shorthand for Errorf(KindValidation, ...).
func Validationf(format string, args ...any) error {
	return Errorf(KindValidation, format, args...)
}

// NotFound builds the standard missing-entity error.
func NotFound(entity string, id any) error {
	return Errorf(KindNotFound, "%s %v not found", entity, id)
}

// KindOf extracts the kind from anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
