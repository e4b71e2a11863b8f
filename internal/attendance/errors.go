package attendance

import (
	"context"
	"errors"
	"net"
)

// Kind groups failures by how the capture surface should react to them.
type Kind int

const (
	KindUnknown Kind = iota
	KindConflict
	KindAlreadyMarked
	KindTransient
	KindValidation
	KindLifecycle
	KindSessionClosed
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindAlreadyMarked:
		return "already_marked"
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	case KindLifecycle:
		return "lifecycle"
	case KindSessionClosed:
		return "session_closed"
	}
	return "unknown"
}

// Sentinels for errors.Is checks against *Error values.
var (
	ErrConflict      = &Error{Kind: KindConflict, Message: "an attendance session is already active"}
	ErrAlreadyMarked = &Error{Kind: KindAlreadyMarked, Message: "attendance already marked"}
	ErrTransient     = &Error{Kind: KindTransient, Message: "temporary failure, try again"}
	ErrValidation    = &Error{Kind: KindValidation, Message: "invalid request"}
	ErrLifecycle     = &Error{Kind: KindLifecycle, Message: "operation not allowed in current session state"}
	ErrSessionClosed = &Error{Kind: KindSessionClosed, Message: "session already ended"}
)

// Error is a classified failure. Session is set for conflicts and carries
// the session that is already active for the classroom.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Session *Session
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrTransient)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the operator should be offered a retry.
func (e *Error) Retryable() bool { return e.Kind == KindTransient }

// NewError builds a classified error.
func NewError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// KindOf classifies any error. Deadlines and network failures are transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindUnknown
}

// classify wraps err into an *Error, treating unknown failures as transient
// so optimistic state is always compensated.
func classify(op string, err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	kind := KindOf(err)
	if kind == KindUnknown {
		kind = KindTransient
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
