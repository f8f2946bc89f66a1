// Package trace defines engine-wide tracing hooks for the BEEP core.
//
// The pattern mirrors github.com/damianoneill/net/v2/netconf/client's
// ClientTrace: a struct of optional function fields, attached to a
// context.Context, merged against a set of no-op defaults with
// github.com/imdario/mergo so callers only need to set the hooks they
// care about.
package trace

import (
	"context"
	"time"

	"github.com/imdario/mergo"
)

type eventContextKey struct{}

// Trace defines the set of hookable engine events. Every field is
// optional; unset fields fall back to no-op defaults via From.
type Trace struct {
	// ConnectStart/ConnectDone bracket establishment of a Connection's
	// underlying transport.
	ConnectStart func(target string)
	ConnectDone  func(target string, err error, d time.Duration)

	// Listening fires once a listener has bound address (err non-nil on
	// failure). Accepted fires for every inbound connection a listener
	// hands off, before the greeting exchange begins.
	Listening func(address string, err error)
	Accepted  func(remoteAddr string, err error)

	// GreetingSent/GreetingReceived bracket the channel-0 greeting
	// handshake described in spec.md §4.3.
	GreetingSent     func(connID uint64, profiles []string)
	GreetingReceived func(connID uint64, profiles []string, err error)

	// ChannelOpened/ChannelClosed fire on a Channel's Opening→Open and
	// any→Closed transitions.
	ChannelOpened func(connID uint64, channel uint32, profile string)
	ChannelClosed func(connID uint64, channel uint32, err error)

	// FrameSent/FrameReceived fire for every wire frame, after the
	// frame codec has encoded/decoded it.
	FrameSent     func(connID uint64, channel uint32, frameType string, size int)
	FrameReceived func(connID uint64, channel uint32, frameType string, size int)

	// WindowStalled/WindowResumed are slots for a channel suspended or
	// resumed for lack of remote window (spec.md §4.2); the engine's
	// sequencer does not call them.
	WindowStalled func(connID uint64, channel uint32)
	WindowResumed func(connID uint64, channel uint32)

	// WorkerPanic fires if a worker-pool task panics.
	WorkerPanic func(recovered interface{})

	// Error is called for any error that does not have a more specific
	// hook, including UserHandlerError (which is logged, not fatal).
	Error func(context string, err error)
}

// noop is returned by From when no Trace has been attached; every field
// is set to a no-op function so callers never need a nil check.
var noop = &Trace{
	ConnectStart:     func(string) {},
	ConnectDone:      func(string, error, time.Duration) {},
	Listening:        func(string, error) {},
	Accepted:         func(string, error) {},
	GreetingSent:     func(uint64, []string) {},
	GreetingReceived: func(uint64, []string, error) {},
	ChannelOpened:    func(uint64, uint32, string) {},
	ChannelClosed:    func(uint64, uint32, error) {},
	FrameSent:        func(uint64, uint32, string, int) {},
	FrameReceived:    func(uint64, uint32, string, int) {},
	WindowStalled:    func(uint64, uint32) {},
	WindowResumed:    func(uint64, uint32) {},
	WorkerPanic:      func(interface{}) {},
	Error:            func(string, error) {},
}

// With returns a new context carrying t; engine calls made with the
// returned context will invoke t's hooks.
func With(ctx context.Context, t *Trace) context.Context {
	return context.WithValue(ctx, eventContextKey{}, t)
}

// From returns the Trace attached to ctx, merged over the no-op
// defaults so every field is callable. If ctx carries no Trace, the
// no-op set is returned directly.
func From(ctx context.Context) *Trace {
	t, _ := ctx.Value(eventContextKey{}).(*Trace)
	if t == nil {
		return noop
	}
	merged := *t
	_ = mergo.Merge(&merged, noop)
	return &merged
}
