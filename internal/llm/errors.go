package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a model call failure.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindPermission
	KindBadRequest
	KindRateLimited
	KindTimeout
	KindConnection
	KindServer
	KindParse
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindServer:
		return "server"
	case KindParse:
		return "parse"
	case KindExhausted:
		return "exhausted"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a call failing with this kind may be resent.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindTimeout, KindConnection, KindServer, KindParse:
		return true
	case KindAuth, KindPermission, KindBadRequest, KindExhausted:
		return false
	}
	return false
}

// Fatal reports whether the kind indicates a broken deployment rather than load.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuth, KindPermission, KindBadRequest:
		return true
	}
	return false
}

// Error is the only error type returned by Gateway, apart from context errors.
type Error struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("llm %s after %d attempt(s): %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error of the given kind. Backends use it to classify failures.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err is a configuration fault that must not be absorbed.
func IsFatal(err error) bool {
	return KindOf(err).Fatal()
}
