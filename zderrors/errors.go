// Package zderrors defines the typed error kinds surfaced across zendriver.
//
// Every error carries the structured context named in the spec: the CDP
// method that was in flight, the session and target it was scoped to, and
// (for protocol errors) the raw CDP error code and message. Callers compare
// against the exported Kind sentinels with errors.Is, and unwrap to the
// underlying cause with errors.Unwrap / errors.As.
package zderrors

import (
	"errors"
	"fmt"
)

// Kind identifies an error category. Kind values are comparable, so
// errors.Is(err, zderrors.StaleElement) works without allocating.
type Kind int

const (
	// KindConnect reports a failed WebSocket handshake to the browser.
	KindConnect Kind = iota
	// KindConnectionClosed reports use of a Connection after it closed.
	KindConnectionClosed
	// KindProtocol reports a CDP-level error reply, or a frame the codec
	// could not decode.
	KindProtocol
	// KindTimeout reports a caller-supplied deadline elapsing.
	KindTimeout
	// KindCancelled reports a context cancellation.
	KindCancelled
	// KindTargetGone reports use of a Tab whose target was destroyed.
	KindTargetGone
	// KindStaleElement reports an Element whose remote handle no longer
	// resolves, after the single automatic re-resolve attempt failed.
	KindStaleElement
	// KindElementNotInteractable reports an element with no box model.
	KindElementNotInteractable
	// KindNavigationSuperseded reports a navigation preempted by a newer one.
	KindNavigationSuperseded
	// KindConfigError reports an invalid or unknown configuration option.
	KindConfigError
	// KindAlreadyResolved reports a second attempt to resolve a
	// RequestPausedRecord that a handler (or the auto-continue deadline)
	// already resolved. It is a protocol error raised locally: errors.Is
	// matches it against both AlreadyResolved and ProtocolError.
	KindAlreadyResolved
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "ConnectError"
	case KindConnectionClosed:
		return "ConnectionClosed"
	case KindProtocol:
		return "ProtocolError"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	case KindTargetGone:
		return "TargetGone"
	case KindStaleElement:
		return "StaleElement"
	case KindElementNotInteractable:
		return "ElementNotInteractable"
	case KindNavigationSuperseded:
		return "NavigationSuperseded"
	case KindConfigError:
		return "ConfigError"
	case KindAlreadyResolved:
		return "AlreadyResolved"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by every zendriver package.
type Error struct {
	Kind      Kind
	Method    string
	SessionID string
	TargetID  string
	Code      int64
	Message   string
	Err       error
}

func (e *Error) Error() string {
	s := e.Kind.String()
	if e.Method != "" {
		s += " (" + e.Method + ")"
	}
	if e.SessionID != "" {
		s += " session=" + e.SessionID
	}
	if e.TargetID != "" {
		s += " target=" + e.TargetID
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind. This lets
// callers write errors.Is(err, zderrors.StaleElement) against the exported
// sentinels below, regardless of the context each error carries. An
// AlreadyResolved error also matches ProtocolError.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind || (e.Kind == KindAlreadyResolved && t.Kind == KindProtocol)
}

// Option customizes a constructed Error.
type Option func(*Error)

// WithMethod records the CDP method that was in flight.
func WithMethod(method string) Option { return func(e *Error) { e.Method = method } }

// WithSession records the CDP sessionId the call was scoped to.
func WithSession(id string) Option { return func(e *Error) { e.SessionID = id } }

// WithTarget records the CDP targetId involved.
func WithTarget(id string) Option { return func(e *Error) { e.TargetID = id } }

// WithCode records a CDP error code (spec §6 "error: {code, message}").
func WithCode(code int64) Option { return func(e *Error) { e.Code = code } }

// WithMessage records a human-readable detail.
func WithMessage(msg string) Option { return func(e *Error) { e.Message = msg } }

// WithErr wraps an underlying cause, preserved for errors.Unwrap.
func WithErr(err error) Option { return func(e *Error) { e.Err = err } }

// New constructs an Error of the given kind with the supplied context.
func New(kind Kind, opts ...Option) *Error {
	e := &Error{Kind: kind}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Wrapf is a convenience for wrapping err with additional printf-style
// context while preserving its Kind when err is already a *Error.
func Wrapf(err error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		if cp.Message == "" {
			cp.Message = msg
		} else {
			cp.Message = msg + ": " + cp.Message
		}
		return &cp
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Sentinel values for errors.Is comparisons against bare kinds, with no
// extra context attached.
var (
	ConnectError            = &Error{Kind: KindConnect}
	ConnectionClosed         = &Error{Kind: KindConnectionClosed}
	ProtocolError            = &Error{Kind: KindProtocol}
	Timeout                  = &Error{Kind: KindTimeout}
	Cancelled                = &Error{Kind: KindCancelled}
	TargetGone               = &Error{Kind: KindTargetGone}
	StaleElement             = &Error{Kind: KindStaleElement}
	ElementNotInteractable   = &Error{Kind: KindElementNotInteractable}
	NavigationSuperseded     = &Error{Kind: KindNavigationSuperseded}
	ConfigError              = &Error{Kind: KindConfigError}
	AlreadyResolved          = &Error{Kind: KindAlreadyResolved}
)
