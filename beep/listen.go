package beep

import (
	"context"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/transport"
)

// AcceptHook is invoked once for every connection a Serve loop accepts,
// after the greeting handshake has run (or failed). err is non-nil and
// conn is nil when the handshake itself failed, or when the connection
// was refused outright for exceeding HardConnectionLimit.
type AcceptHook func(conn *Connection, err error)

// Listen binds a listener at address ("host:port"), using the
// Context's configured ListenerBacklog (spec.md §6 "listener: create
// on (host, port)").
func (ctx *Context) Listen(parent context.Context, address string) (*transport.Listener, error) {
	return transport.Listen(parent, address, ctx.cfg.ListenerBacklog)
}

// Serve runs ln's accept loop, handing each accepted socket to Accept
// and then to hook, until ln is closed (spec.md §6 "attach accept
// hook"). It returns the error that ended the loop — typically
// "use of closed network connection" after a deliberate ln.Close().
//
// HardConnectionLimit is an absolute cap on live connections: once
// reached, a newly accepted socket is closed immediately, without
// running the greeting handshake, and hook is invoked with a
// Resource error (spec.md §7 "ResourceError during accept closes just
// the new socket" — the listener itself is left running).
// SoftConnectionLimit is an advisory threshold: it is traced but does
// not refuse the connection.
func (ctx *Context) Serve(parent context.Context, ln *transport.Listener, hook AcceptHook) error {
	for {
		t, err := ln.Accept(parent)
		if err != nil {
			return err
		}

		if limit := ctx.cfg.HardConnectionLimit; limit > 0 && ctx.liveConnCount() >= limit {
			_ = t.Close()
			if hook != nil {
				hook(nil, beeperr.WithCode(beeperr.Resource, beeperr.CodeServiceUnavailable, "hard connection limit reached"))
			}
			continue
		}
		if limit := ctx.cfg.SoftConnectionLimit; limit > 0 && ctx.liveConnCount() >= limit {
			ctx.trace.Error("accept", beeperr.WithCode(beeperr.Resource, beeperr.CodeServiceUnavailable, "soft connection limit reached"))
		}

		go func(t transport.Transport) {
			conn, err := ctx.Accept(parent, t)
			if err != nil {
				_ = t.Close()
			}
			if hook != nil {
				hook(conn, err)
			}
		}(t)
	}
}
