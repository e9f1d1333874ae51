package core

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure so callers can map it to the right
// user-visible outcome without string matching.
type Kind int

const (
	// KindInternal is the zero value: an unexpected backend or index failure.
	KindInternal Kind = iota
	// KindNotFound: missing storage config or missing path.
	KindNotFound
	// KindInvalidArgument: empty name, malformed cursor, path traversal
	// attempt, self/descendant copy-move, unsupported storage kind,
	// oversized path or name.
	KindInvalidArgument
	// KindConflict: destination already exists, duplicate name.
	KindConflict
	// KindDependencyUnavailable: a runtime capability (image codec,
	// remote endpoint) is not present.
	KindDependencyUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindDependencyUnavailable:
		return "dependency_unavailable"
	default:
		return "internal"
	}
}

// Error is a classified operation error. Message is safe to show to the
// caller; Err (optional) keeps the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// E creates a classified error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or KindInternal if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
