package beep

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/internal/conc"
	"github.com/damianoneill/beep/profile"
	"github.com/damianoneill/beep/trace"
	"github.com/damianoneill/beep/transport"
	"github.com/damianoneill/beep/workerpool"
)

// Context is the process-wide BEEP root: it owns the profile registry,
// the shared worker pool, and the set of live Connections (spec.md
// §3's "Context" record). Multiple independent Contexts may coexist in
// one process, each with its own registry and pool — mirroring the
// teacher's per-factory-call Config/trace resolution rather than a
// single process-global.
type Context struct {
	cfg       *Config
	trace     *trace.Trace
	Profiles  *profile.Registry
	pool      *workerpool.Pool
	ref       conc.RefCount

	mu       sync.Mutex
	conns    map[uint64]*Connection
	nextConn atomic.Uint64
	closed   chan struct{}
	once     sync.Once
}

// NewContext creates and starts a Context: its worker pool is running
// and ready to accept Dial/Accept calls immediately.
func NewContext(ctx context.Context, cfg *Config) *Context {
	resolved := resolveConfig(cfg)
	c := &Context{
		cfg:    resolved,
		trace:  trace.From(ctx),
		Profiles: &profile.Registry{},
		conns:  make(map[uint64]*Connection),
		closed: make(chan struct{}),
	}
	c.pool = workerpool.New(ctx, workerpool.Config{
		Workers:          resolved.Workers,
		Backlog:          resolved.Backlog,
		SkipDrainOnClose: resolved.SkipWorkerDrainOnClose,
		Trace:            c.trace,
	})
	c.ref.Add(1)
	return c
}

// Retain/Release implement the Context's shared-ownership discipline
// (spec.md §3 "reference-counted; callers may share it").
func (ctx *Context) Retain() { ctx.ref.Add(1) }
func (ctx *Context) Release() int64 {
	n := ctx.ref.Add(-1)
	if n == 0 {
		ctx.Close()
	}
	return n
}

// Dial opens a new initiator Connection to target, performing the
// greeting handshake before returning.
func (ctx *Context) Dial(parent context.Context, target string, opts ...ConnOption) (*Connection, error) {
	dialCtx, cancel := context.WithTimeout(parent, ctx.cfg.ConnectTimeout)
	defer cancel()

	t, err := transport.Dial(dialCtx, target)
	if err != nil {
		return nil, err
	}
	return ctx.newConnection(parent, t, RoleInitiator, opts...)
}

// Accept wraps an already-accepted transport (e.g. from a TCP listener)
// into a listener-accepted Connection and performs the greeting
// handshake.
func (ctx *Context) Accept(parent context.Context, t transport.Transport, opts ...ConnOption) (*Connection, error) {
	return ctx.newConnection(parent, t, RoleListenerAccepted, opts...)
}

// Connect is Dial's counterpart for a transport the caller already
// established itself (a TLS session layered over a Dial'd TCP socket,
// a WebSocket, or a test net.Pipe): it performs the same greeting
// handshake as Dial, as the session initiator, without opening the
// transport itself.
func (ctx *Context) Connect(parent context.Context, t transport.Transport, opts ...ConnOption) (*Connection, error) {
	return ctx.newConnection(parent, t, RoleInitiator, opts...)
}

func (ctx *Context) newConnection(parent context.Context, t transport.Transport, role Role, opts ...ConnOption) (*Connection, error) {
	id := ctx.nextConn.Add(1)
	conn := newConnection(ctx, id, t, role)
	for _, opt := range opts {
		opt(conn)
	}

	if conn.preRead != nil {
		// Runs once, before the reader goroutine starts, so a hook that
		// consumes handshake bytes off the raw transport (TLS, WebSocket
		// framing) never races conn.start's inline reads (spec.md §4.3).
		if err := conn.preRead(t); err != nil {
			_ = t.Close()
			return nil, beeperr.Wrap(beeperr.Transport, err, "pre-read hook")
		}
	}

	conn.start()

	if err := conn.greet(parent); err != nil {
		conn.Shutdown()
		return nil, err
	}

	ctx.mu.Lock()
	ctx.conns[id] = conn
	ctx.mu.Unlock()

	return conn, nil
}

func (ctx *Context) forget(id uint64) {
	ctx.mu.Lock()
	delete(ctx.conns, id)
	ctx.mu.Unlock()
}

func (ctx *Context) liveConnCount() int {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return len(ctx.conns)
}

// Close shuts down every live Connection and stops the worker pool.
// Idempotent.
func (ctx *Context) Close() {
	ctx.once.Do(func() {
		close(ctx.closed)
		ctx.mu.Lock()
		conns := make([]*Connection, 0, len(ctx.conns))
		for _, c := range ctx.conns {
			conns = append(conns, c)
		}
		ctx.mu.Unlock()
		for _, c := range conns {
			c.Shutdown()
		}
		ctx.pool.Close()
	})
}
