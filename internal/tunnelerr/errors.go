// Package tunnelerr classifies tunnel failures into a small set of kinds.
//
// Every error carries a user-safe message (what the status line shows) and,
// through Unwrap, the underlying cause for logs.
package tunnelerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a class of tunnel failure.
type Kind int

const (
	InvalidConfiguration Kind = iota + 1
	KeyNotFound
	InvalidKeyFormat
	AuthenticationFailed
	ConnectionFailed
	TunnelFailed
	ListenerFailed
)

func (k Kind) String() string {
	switch k {
	case InvalidConfiguration:
		return "invalid configuration"
	case KeyNotFound:
		return "key not found"
	case InvalidKeyFormat:
		return "invalid key format"
	case AuthenticationFailed:
		return "authentication failed"
	case ConnectionFailed:
		return "connection failed"
	case TunnelFailed:
		return "tunnel failed"
	case ListenerFailed:
		return "listener failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrInvalidConfiguration = &Error{Kind: InvalidConfiguration}
	ErrKeyNotFound          = &Error{Kind: KeyNotFound}
	ErrInvalidKeyFormat     = &Error{Kind: InvalidKeyFormat}
	ErrAuthenticationFailed = &Error{Kind: AuthenticationFailed}
	ErrConnectionFailed     = &Error{Kind: ConnectionFailed}
	ErrTunnelFailed         = &Error{Kind: TunnelFailed}
	ErrListenerFailed       = &Error{Kind: ListenerFailed}
)

// Error is a classified tunnel error.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

// New returns an error of the given kind. reason is shown to the user; err
// is kept for logs.
func New(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case AuthenticationFailed:
		return "authentication failed: check that the public key is in the server's authorized_keys"
	case KeyNotFound:
		return "ssh key not found: generate a key pair first"
	}
	if strings.TrimSpace(e.Reason) == "" {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// UserMessage returns a message safe to show in a status line.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Error()
	}
	return err.Error()
}

// DebugMessage returns the full error text including wrapped causes.
func DebugMessage(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) && te.Err != nil {
		return te.Error() + ": " + te.Err.Error()
	}
	return err.Error()
}
