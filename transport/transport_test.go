package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
	local, remote string
}

func (p *pipeConn) LocalAddr() net.Addr  { return fakeAddr(p.local) }
func (p *pipeConn) RemoteAddr() net.Addr { return fakeAddr(p.remote) }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func TestExternalWrapsConnAddrs(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	conn := &pipeConn{Conn: c1, local: "127.0.0.1:1", remote: "127.0.0.1:2"}
	tr := External(context.Background(), conn)

	assert.Equal(t, "127.0.0.1:1", tr.LocalAddr())
	assert.Equal(t, "127.0.0.1:2", tr.RemoteAddr())
}

func TestExternalReadWrite(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	a := External(context.Background(), &pipeConn{Conn: c1, local: "a", remote: "b"})
	b := External(context.Background(), &pipeConn{Conn: c2, local: "b", remote: "a"})

	done := make(chan struct{})
	go func() {
		buf := make([]byte, 5)
		n, err := b.Read(buf)
		assert.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
		close(done)
	}()

	_, err := a.Write([]byte("hello"))
	assert.NoError(t, err)
	<-done
}

func TestSerializingTransportSerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	inner := &bufTransport{buf: &buf}
	s := Serializing(inner)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Write([]byte("XXXX\n"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, n*5, buf.Len(), "every write must land whole, never interleaved")
}

// bufTransport has no internal locking: it is the Serializing wrapper's
// job alone to make concurrent Write calls safe and non-interleaved.
type bufTransport struct {
	buf *bytes.Buffer
}

func (b *bufTransport) Read(p []byte) (int, error)  { return 0, nil }
func (b *bufTransport) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *bufTransport) Close() error                { return nil }
func (b *bufTransport) LocalAddr() string           { return "local" }
func (b *bufTransport) RemoteAddr() string          { return "remote" }
func (b *bufTransport) SetWriteDeadline(time.Time) error { return nil }
