package cloud

import (
	"errors"
	"fmt"
)

// Kind classifies cloud failures for callers and diagnostics.
type Kind string

const (
	KindBootstrap      Kind = "bootstrap"      // client id/secret/region/pool unavailable
	KindAuthentication Kind = "authentication" // SRP or credential rejection
	KindRefresh        Kind = "refresh"        // token or delegated-credential refresh
	KindProtocol       Kind = "protocol"       // malformed or non-success response
	KindTransport      Kind = "transport"      // HTTP call failed outright
	KindNotFound       Kind = "not_found"      // unknown station/house/action
)

// Sentinels for errors.Is. Matching is by kind only.
var (
	ErrBootstrap      = &Error{Kind: KindBootstrap}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrRefresh        = &Error{Kind: KindRefresh}
	ErrProtocol       = &Error{Kind: KindProtocol}
	ErrTransport      = &Error{Kind: KindTransport}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// Error is a classified cloud error.
type Error struct {
	Kind    Kind
	Op      string // operation, e.g. "login", "fetch shadow"
	Message string // provider or local message
	Err     error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the innermost provider or local message in err's chain,
// falling back to err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	msg := ""
	for e := err; e != nil; e = errors.Unwrap(e) {
		if ce, ok := e.(*Error); ok && ce.Message != "" {
			msg = ce.Message
		}
	}
	if msg == "" {
		return err.Error()
	}
	return msg
}

func newError(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// wrap classifies err as kind for op. The original error stays in the chain,
// so a transport failure still matches ErrTransport.
func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
