// Package ctlerr is the closed error taxonomy the coordinator and its
// callers switch on: NOT_FOUND, NO_CAPACITY, NODE_REJECTED, PROTOCOL_ERROR
// and TRANSPORT. It is deliberately narrower than a general wrapping
// library — every error in this system is one of five kinds, nothing more.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind is one of the five outcomes a control-plane operation can fail
// with.
type Kind int

const (
	NotFound Kind = iota
	NoCapacity
	NodeRejected
	ProtocolError
	Transport
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "NOT_FOUND"
	case NoCapacity:
		return "NO_CAPACITY"
	case NodeRejected:
		return "NODE_REJECTED"
	case ProtocolError:
		return "PROTOCOL_ERROR"
	case Transport:
		return "TRANSPORT"
	default:
		return "UNKNOWN"
	}
}

// Error is a control-plane failure tagged with its Kind. Err, when set,
// is the underlying cause (a network error, a parse error, the node's own
// rejection text).
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err is a *ctlerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
