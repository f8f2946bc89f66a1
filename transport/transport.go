// Package transport abstracts the byte stream a Connection runs its
// frame codec over, following the same "thin interface plus a
// trace-wrapped default implementation" shape as
// github.com/damianoneill/net/v2/netconf/client's Transport/tImpl, but
// generalized from NETCONF's fixed SSH-subsystem transport to BEEP's
// pluggable-transport model (spec.md §2, §6): TCP by default, or any
// caller-supplied io.ReadWriteCloser (TLS, a pipe, a test double).
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/trace"
)

// Transport is the byte-stream abstraction a Connection's reader and
// sequencer goroutines read from and write to. Implementations need not
// be safe for concurrent Read and Write, but must tolerate one
// goroutine reading while another writes (the reader and sequencer
// goroutines never call the same method concurrently).
type Transport interface {
	io.Reader
	io.Writer
	io.Closer

	// LocalAddr and RemoteAddr identify the two ends of the transport
	// for logging.
	LocalAddr() string
	RemoteAddr() string

	// SetWriteDeadline bounds the next Write call, letting a Connection
	// enforce its configurable write-timeout (spec.md §5) against a
	// peer that stops reading.
	SetWriteDeadline(t time.Time) error
}

// Dial establishes a TCP transport to target ("host:port"), honoring
// ctx's deadline for the connect itself.
func Dial(ctx context.Context, target string) (Transport, error) {
	tr := trace.From(ctx)
	tr.ConnectStart(target)

	var d net.Dialer
	begin := time.Now()
	conn, err := d.DialContext(ctx, "tcp", target)
	tr.ConnectDone(target, err, time.Since(begin))
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Transport, err, "dial "+target)
	}

	return wrap(conn, target), nil
}

// External adapts a caller-supplied net.Conn (e.g. one wrapped in TLS,
// or obtained from a listener) into a Transport. Unlike Dial, it fires
// no trace hooks.
func External(ctx context.Context, conn net.Conn) Transport {
	return wrap(conn, conn.RemoteAddr().String())
}

func wrap(conn net.Conn, target string) Transport {
	return &connTransport{conn: conn, target: target}
}

type connTransport struct {
	conn   net.Conn
	target string
}

func (c *connTransport) Read(p []byte) (int, error)  { return c.conn.Read(p) }
func (c *connTransport) Write(p []byte) (int, error) { return c.conn.Write(p) }

func (c *connTransport) Close() error {
	if err := c.conn.Close(); err != nil {
		return beeperr.Wrap(beeperr.Transport, err, "closing transport to "+c.target)
	}
	return nil
}

func (c *connTransport) LocalAddr() string  { return c.conn.LocalAddr().String() }
func (c *connTransport) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *connTransport) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }

// Listener binds a host/port and hands off accepted connections as
// Transports (spec.md §6 "listener: create on (host, port)"), grounded
// on netconf/server/ssh.Server's listener field plus its
// net.Listen-then-accept-loop shape, adapted from that package's SSH
// subsystem handoff to BEEP's Transport handoff.
type Listener struct {
	ln net.Listener
}

// Listen binds a TCP listener at address ("host:port"). backlog is not
// used: Go's net package does not expose the listen(2) backlog parameter
// portably, and Listen neither passes it to the kernel nor records it.
func Listen(ctx context.Context, address string, backlog int) (*Listener, error) {
	tr := trace.From(ctx)
	ln, err := net.Listen("tcp", address)
	tr.Listening(address, err)
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Transport, err, "listen "+address)
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept blocks for the next inbound connection and wraps it as a
// Transport. Returns a non-nil error once the listener is closed.
func (l *Listener) Accept(ctx context.Context) (Transport, error) {
	conn, err := l.ln.Accept()
	tr := trace.From(ctx)
	if err != nil {
		tr.Accepted("", err)
		return nil, beeperr.Wrap(beeperr.Transport, err, "accept")
	}
	tr.Accepted(conn.RemoteAddr().String(), nil)
	return wrap(conn, conn.RemoteAddr().String()), nil
}

// Close stops the listener; a blocked Accept call returns an error.
func (l *Listener) Close() error {
	return l.ln.Close()
}
