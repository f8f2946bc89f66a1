package beep

import (
	"context"
	"net"
	"testing"
	"time"

	assert "github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/channel"
	"github.com/damianoneill/beep/frame"
	"github.com/damianoneill/beep/profile"
	"github.com/damianoneill/beep/transport"
)

// testConfig returns a Config with short timeouts suitable for an
// in-process net.Pipe transport, where nothing ever legitimately takes
// more than a few milliseconds.
func testConfig() *Config {
	return &Config{
		GreetingTimeout:     2 * time.Second,
		ChannelOpenTimeout:  2 * time.Second,
		ChannelCloseTimeout: 2 * time.Second,
		Workers:             2,
		Backlog:             8,
	}
}

type connectResult struct {
	conn *Connection
	err  error
}

// pipedContexts builds two Contexts joined by a net.Pipe, performs the
// greeting handshake on both sides concurrently, and returns the
// initiator and listener-accepted Connections. Grounded on
// transport_test.go's net.Pipe harness, generalized from exercising
// Transport alone to driving a full Connection through its handshake.
func pipedContexts(t *testing.T, initCtx, listenerCtx *Context) (*Connection, *Connection) {
	t.Helper()

	a, b := net.Pipe()

	initCh := make(chan connectResult, 1)
	acceptCh := make(chan connectResult, 1)

	go func() {
		conn, err := initCtx.Connect(context.Background(), transport.External(context.Background(), a))
		initCh <- connectResult{conn, err}
	}()
	go func() {
		conn, err := listenerCtx.Accept(context.Background(), transport.External(context.Background(), b))
		acceptCh <- connectResult{conn, err}
	}()

	initRes := <-initCh
	acceptRes := <-acceptCh

	assert.NoError(t, initRes.err)
	assert.NoError(t, acceptRes.err)

	return initRes.conn, acceptRes.conn
}

func TestGreetingHandshakeExchangesProfiles(t *testing.T) {
	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	initConn, acceptConn := pipedContexts(t, initCtx, listenerCtx)

	assert.True(t, initConn.IsOK())
	assert.True(t, acceptConn.IsOK())
	assert.Equal(t, RoleInitiator, initConn.Role())
	assert.Equal(t, RoleListenerAccepted, acceptConn.Role())

	// Neither side registered any profiles, so both greetings advertise
	// an empty list; the exchange itself having completed is what this
	// test checks.
	assert.Empty(t, initConn.PeerProfiles())
	assert.Empty(t, acceptConn.PeerProfiles())
}

func TestGreetingAdvertisesRegisteredProfiles(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"

	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	listenerCtx.Profiles.Register(echoURI, newEchoCallback)

	initConn, acceptConn := pipedContexts(t, initCtx, listenerCtx)

	assert.Equal(t, []string{echoURI}, initConn.PeerProfiles())
	assert.Empty(t, acceptConn.PeerProfiles())
}

// echoCallback is a minimal profile.Callback: it accepts any start
// request and replies to every MSG it receives with the payload plus a
// fixed suffix, using the msgNo FrameReceived now carries to target
// Channel.SendRPY at the exchange that prompted it.
type echoCallback struct {
	ch       *channel.Channel
	started  bool
	received [][]byte
}

func newEchoCallback(ch *channel.Channel) profile.Callback {
	return &echoCallback{ch: ch}
}

func (e *echoCallback) Start(channel uint32, profileData []byte) ([]byte, error) {
	e.started = true
	return []byte("ready"), nil
}

func (e *echoCallback) FrameReceived(channel uint32, frameType frame.Type, msgNo, ansNo uint32, payload []byte) {
	e.received = append(e.received, payload)
	if frameType != frame.MSG {
		return
	}
	e.ch.SendRPY(msgNo, append(append([]byte{}, payload...), []byte("-reply")...))
}

func (e *echoCallback) Close(channel uint32) {}

func TestOpenChannelNegotiatesProfileAndRoundTripsMessage(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"

	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	var accepted *echoCallback
	listenerCtx.Profiles.Register(echoURI, func(ch *channel.Channel) profile.Callback {
		cb := &echoCallback{ch: ch}
		accepted = cb
		return cb
	})
	initCtx.Profiles.Register(echoURI, newEchoCallback)

	initConn, _ := pipedContexts(t, initCtx, listenerCtx)

	ch, err := initConn.OpenChannel(context.Background(), []string{echoURI}, "")
	assert.NoError(t, err)
	assert.Equal(t, echoURI, ch.ProfileURI)
	assert.Equal(t, uint32(1), ch.Number)

	f, err := ch.SendAndWait(context.Background(), []byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, frame.RPY, f.Type)
	assert.Equal(t, "hello-reply", string(f.Payload))

	assert.NotNil(t, accepted)
	assert.True(t, accepted.started)
	assert.Len(t, accepted.received, 1)
	assert.Equal(t, "hello", string(accepted.received[0]))
}

func TestOpenChannelPoolOpensOnDemandAndRoundTrips(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"

	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	listenerCtx.Profiles.Register(echoURI, newEchoCallback)
	initCtx.Profiles.Register(echoURI, newEchoCallback)

	initConn, _ := pipedContexts(t, initCtx, listenerCtx)

	pool, err := initConn.OpenChannelPool(context.Background(), []string{echoURI}, 1, nil)
	assert.NoError(t, err)
	assert.Equal(t, 1, pool.Len())

	ch, err := pool.NextReady()
	assert.NoError(t, err)

	f, err := ch.SendAndWait(context.Background(), []byte("pooled"))
	assert.NoError(t, err)
	assert.Equal(t, "pooled-reply", string(f.Payload))
}

func TestCloseChannelNegotiation(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"

	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	listenerCtx.Profiles.Register(echoURI, newEchoCallback)
	initCtx.Profiles.Register(echoURI, newEchoCallback)

	initConn, _ := pipedContexts(t, initCtx, listenerCtx)

	ch, err := initConn.OpenChannel(context.Background(), []string{echoURI}, "")
	assert.NoError(t, err)

	err = initConn.CloseChannel(context.Background(), ch.Number)
	assert.NoError(t, err)

	initConn.chMu.Lock()
	_, present := initConn.channels[ch.Number]
	initConn.chMu.Unlock()
	assert.False(t, present)
}

func TestServerNameAcceptedOnceThenFrozen(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"

	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	listenerCtx.Profiles.Register(echoURI, newEchoCallback)
	initCtx.Profiles.Register(echoURI, newEchoCallback)

	initConn, acceptConn := pipedContexts(t, initCtx, listenerCtx)

	_, err := initConn.OpenChannel(context.Background(), []string{echoURI}, "first.example.org")
	assert.NoError(t, err)
	assert.Equal(t, "first.example.org", initConn.ServerName())
	assert.Eventually(t, func() bool { return acceptConn.ServerName() == "first.example.org" }, time.Second, time.Millisecond)

	_, err = initConn.OpenChannel(context.Background(), []string{echoURI}, "second.example.org")
	assert.NoError(t, err)
	assert.Equal(t, "first.example.org", initConn.ServerName())
	assert.Eventually(t, func() bool { return acceptConn.ServerName() == "first.example.org" }, time.Second, time.Millisecond)
}

func TestSendRateLimitsOutboundFramePace(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"

	initCfg := testConfig()
	initCfg.SendRate = rate.Limit(200) // one frame every 5ms, after the burst
	initCfg.SendBurst = 1

	initCtx := NewContext(context.Background(), initCfg)
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	listenerCtx.Profiles.Register(echoURI, newEchoCallback)
	initCtx.Profiles.Register(echoURI, newEchoCallback)

	initConn, _ := pipedContexts(t, initCtx, listenerCtx)

	ch, err := initConn.OpenChannel(context.Background(), []string{echoURI}, "")
	assert.NoError(t, err)

	start := time.Now()
	const frames = 5
	for i := 0; i < frames; i++ {
		_, err := ch.SendAndWait(context.Background(), []byte("x"))
		assert.NoError(t, err)
	}
	// burst=1 means the first frame is free; the rest are paced at
	// 5ms apart, so frames-1 of them must have waited on the limiter.
	assert.GreaterOrEqual(t, time.Since(start), (frames-1)*time.Millisecond*5/2)
}

func TestProfileMaskFiltersAdvertisedProfiles(t *testing.T) {
	const echoURI = "http://example.org/beep/ECHO"
	const hiddenURI = "http://example.org/beep/HIDDEN"

	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	listenerCtx.Profiles.Register(echoURI, newEchoCallback)
	listenerCtx.Profiles.Register(hiddenURI, newEchoCallback)

	a, b := net.Pipe()
	initCh := make(chan connectResult, 1)
	acceptCh := make(chan connectResult, 1)

	go func() {
		conn, err := initCtx.Connect(context.Background(), transport.External(context.Background(), a))
		initCh <- connectResult{conn, err}
	}()
	go func() {
		conn, err := listenerCtx.Accept(context.Background(), transport.External(context.Background(), b),
			WithProfileMask(func(uri string) bool { return uri != hiddenURI }))
		acceptCh <- connectResult{conn, err}
	}()

	initRes := <-initCh
	acceptRes := <-acceptCh
	assert.NoError(t, initRes.err)
	assert.NoError(t, acceptRes.err)

	assert.Equal(t, []string{echoURI}, initRes.conn.PeerProfiles())
}

func TestPreReadHookRunsBeforeGreeting(t *testing.T) {
	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	a, b := net.Pipe()
	var ran bool

	initCh := make(chan connectResult, 1)
	acceptCh := make(chan connectResult, 1)

	go func() {
		conn, err := initCtx.Connect(context.Background(), transport.External(context.Background(), a))
		initCh <- connectResult{conn, err}
	}()
	go func() {
		conn, err := listenerCtx.Accept(context.Background(), transport.External(context.Background(), b),
			WithPreRead(func(transport.Transport) error {
				ran = true
				return nil
			}))
		acceptCh <- connectResult{conn, err}
	}()

	initRes := <-initCh
	acceptRes := <-acceptCh
	assert.NoError(t, initRes.err)
	assert.NoError(t, acceptRes.err)
	assert.True(t, ran)
}

func TestPreReadHookFailureAbortsConnection(t *testing.T) {
	listenerCtx := NewContext(context.Background(), testConfig())
	defer listenerCtx.Close()

	_, b := net.Pipe()
	boom := beeperr.New(beeperr.Transport, "handshake failed")

	_, err := listenerCtx.Accept(context.Background(), transport.External(context.Background(), b),
		WithPreRead(func(transport.Transport) error { return boom }))
	assert.Error(t, err)
}

func TestGreetingTimesOutWithoutPeer(t *testing.T) {
	cfg := testConfig()
	cfg.GreetingTimeout = 30 * time.Millisecond

	a, _ := net.Pipe()
	ctx := NewContext(context.Background(), cfg)
	defer ctx.Close()

	_, err := ctx.Connect(context.Background(), transport.External(context.Background(), a))
	assert.Error(t, err)
}

func TestShutdownIsIdempotentAndClosesChannels(t *testing.T) {
	initCtx := NewContext(context.Background(), testConfig())
	listenerCtx := NewContext(context.Background(), testConfig())
	defer initCtx.Close()
	defer listenerCtx.Close()

	initConn, acceptConn := pipedContexts(t, initCtx, listenerCtx)

	fired := 0
	initConn.OnClose(func(error) { fired++ })

	initConn.Shutdown()
	initConn.Shutdown() // must not panic or double-fire OnClose

	assert.False(t, initConn.IsOK())
	assert.Equal(t, 1, fired)
	initConn.chMu.Lock()
	zero := initConn.channels[0]
	initConn.chMu.Unlock()
	assert.Equal(t, channel.Closed, zero.State())
	assert.Eventually(t, func() bool { return !acceptConn.IsOK() }, time.Second, time.Millisecond)
}
