// Package beeperr defines the error categories raised by the BEEP engine.
//
// Errors are built with github.com/pkg/errors so that a stack trace is
// captured at the point the failure was first observed, matching the
// wrapping style used throughout the netconf rfc6242 and snmp packages
// this engine is derived from.
package beeperr

import "github.com/pkg/errors"

// Category identifies one of the error categories defined by the BEEP
// engine's propagation policy.
type Category int

const (
	// Transport covers socket-not-reachable, connect timeout, abrupt
	// close, and write-timeout failures.
	Transport Category = iota
	// Protocol covers malformed frames, seqno mismatches, malformed
	// channel-0 XML, role-incorrect channel numbers, and frames on a
	// closed channel.
	Protocol
	// Greeting covers a peer greeting that is itself an <error/>, or is
	// syntactically invalid.
	Greeting
	// Channel covers start/close refusal, outstanding-message limits,
	// and window-stall cancellation. Local to the requesting channel.
	Channel
	// Resource covers allocation failure and exceeding configured
	// connection limits.
	Resource
	// UserHandler covers a profile hook returning an unexpected value.
	// Logged, not fatal, unless the hook itself reports a fatal error.
	UserHandler
)

func (c Category) String() string {
	switch c {
	case Transport:
		return "transport"
	case Protocol:
		return "protocol"
	case Greeting:
		return "greeting"
	case Channel:
		return "channel"
	case Resource:
		return "resource"
	case UserHandler:
		return "user-handler"
	default:
		return "unknown"
	}
}

// Error is a categorized BEEP error, optionally carrying the RFC 3080 §8
// numeric reply code reported in a channel-0 <error code='…'> element.
type Error struct {
	Category Category
	Code     int // RFC 3080 reply code, 0 if not applicable
	cause    error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return e.Category.String() + ": " + e.cause.Error()
	}
	return e.Category.String() + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Fatal reports whether this category always shuts down the owning
// Connection, per the propagation policy in spec.md §7.
func (e *Error) Fatal() bool {
	switch e.Category {
	case Protocol, Transport, Greeting:
		return true
	default:
		return false
	}
}

// New wraps msg as a categorized error with a captured stack trace.
func New(cat Category, msg string) error {
	return &Error{Category: cat, cause: errors.New(msg)}
}

// Wrap annotates err with msg and categorizes it, capturing a new stack
// trace at this call whether or not err already carries one.
func Wrap(cat Category, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, cause: errors.Wrap(err, msg)}
}

// WithCode is like New but also records the RFC 3080 §8 reply code that
// should be reported to the peer on channel 0.
func WithCode(cat Category, code int, msg string) error {
	return &Error{Category: cat, Code: code, cause: errors.New(msg)}
}

// As reports whether err is (or wraps) a *Error, returning it if so.
func As(err error) (*Error, bool) {
	var be *Error
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Common RFC 3080 §8 reply codes used by the channel-0 dialogue.
const (
	CodeSuccess            = 200
	CodeServiceUnavailable = 421
	CodeParameterError     = 501
	CodeParameterInvalid   = 504
	CodeTransactionFailed  = 550
	CodeAlreadyInProgress  = 551
)
