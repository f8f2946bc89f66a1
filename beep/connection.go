package beep

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/channel"
	"github.com/damianoneill/beep/frame"
	"github.com/damianoneill/beep/profile"
	"github.com/damianoneill/beep/transport"
	"golang.org/x/time/rate"
)

// Role identifies which side of a Connection this process is, which in
// turn decides channel-number parity (spec.md §3 invariant (b)).
type Role int

const (
	RoleInitiator Role = iota
	RoleListenerAccepted
)

func (r Role) String() string {
	if r == RoleInitiator {
		return "initiator"
	}
	return "listener-accepted"
}

const (
	statusOK int32 = iota
	statusError
)

// ConnOption configures a one-shot per-connection hook applied before a
// Connection's greeting exchange begins (spec.md §4.3's pre-read and
// profile-mask hooks). Unlike OnClose/OnChannelAdded/OnChannelRemoved,
// these never need runtime removal: both only ever run during
// connection setup, before the Connection value is handed back to a
// caller who could register a handle.
type ConnOption func(*Connection)

// WithPreRead installs a hook that runs once, given the raw transport,
// before any BEEP frame is read or written — for a caller that needs to
// interpose its own handshake (TLS, WebSocket framing) ahead of the
// BEEP greeting.
func WithPreRead(fn func(transport.Transport) error) ConnOption {
	return func(c *Connection) { c.preRead = fn }
}

// WithProfileMask installs a per-connection filter over the profiles
// this side advertises in its greeting: a profile is offered only if
// the Context has it registered and mask returns true for its URI
// (spec.md §4.3).
func WithProfileMask(mask func(uri string) bool) ConnOption {
	return func(c *Connection) { c.profileMask = mask }
}

// Connection is one BEEP transport endpoint: its channel table, the
// channel-0 management dialogue, and the reader/sequencer goroutines
// that drive it. Grounded on netconf/client's tImpl (transport
// ownership, ordered close) and sesImpl's handleIncomingMessages
// (per-connection reader goroutine), generalized from NETCONF's single
// fixed RPC channel to BEEP's full channel table plus channel-0
// management protocol.
type Connection struct {
	id   uint64
	role Role
	ctx  *Context

	t   transport.Transport
	dec *frame.Decoder
	enc *frame.Encoder

	sendMu sync.Mutex // serializes writes: sequencer, inline SEQ, mgmt replies

	chMu             sync.Mutex
	channels         map[uint32]*channel.Channel
	profileCallbacks map[uint32]profile.Callback
	nextOddCh        uint32
	nextEvnCh        uint32

	serverName   string
	serverNameMu sync.Mutex
	frozen       bool

	status  atomic.Int32
	lastErr error
	errMu   sync.Mutex

	peerProfiles   []string
	peerFeatures   string
	greetingDone   chan struct{}
	greetingErr    error

	mgmt *mgmtState

	wake     chan struct{}
	doneCh   chan struct{}
	closeOnce sync.Once

	onClose        hookList[func(error)]
	channelAdded   hookList[func(number uint32, profileURI string)]
	channelRemoved hookList[func(number uint32, err error)]

	// preRead and profileMask are one-shot options supplied to
	// Dial/Accept/Connect (spec.md §4.3's pre-read and profile-mask
	// hooks), fixed for the life of the connection rather than
	// removable: unlike on-close/channel-added/channel-removed, both
	// only ever run during connection setup, before the Connection
	// value is handed back to a caller who could register a handle.
	preRead     func(transport.Transport) error
	profileMask func(uri string) bool

	limiter *rate.Limiter

	lastActivity  atomic.Int64 // unix nanos
	stopIdleTimer func()
}

func newConnection(ctx *Context, id uint64, t transport.Transport, role Role) *Connection {
	c := &Connection{
		id:           id,
		role:         role,
		ctx:          ctx,
		t:            t,
		dec:          frame.NewDecoder(t),
		enc:          frame.NewEncoder(t),
		channels:         make(map[uint32]*channel.Channel),
		profileCallbacks: make(map[uint32]profile.Callback),
		nextOddCh:    1,
		nextEvnCh:    2,
		greetingDone: make(chan struct{}),
		wake:         make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
	}
	c.mgmt = newMgmtState(c)
	c.channels[0] = c.newChannelZero()
	if ctx.cfg.SendRate > 0 {
		c.limiter = rate.NewLimiter(ctx.cfg.SendRate, ctx.cfg.SendBurst)
	}
	c.touch()
	return c
}

func (c *Connection) newChannelZero() *channel.Channel {
	cfg := channel.DefaultConfig()
	cfg.WindowSize = c.ctx.cfg.DefaultWindowSize
	cfg.Serialize = true // management messages are handled inline, in order
	cfg.Hooks.Ready = func() { c.signalWork() }
	cfg.Hooks.FrameReceived = func(payload []byte, ft frame.Type, msgNo, ansNo uint32) {
		c.mgmt.onFrame(payload, ft, msgNo)
	}
	return channel.New(0, "", false, cfg, c.ctx.pool)
}

// ID returns the Connection's Context-assigned identifier.
func (c *Connection) ID() uint64 { return c.id }

// Role reports which side of the connection this process is.
func (c *Connection) Role() Role { return c.role }

// PeerProfiles returns the profile URIs the peer advertised in its
// greeting.
func (c *Connection) PeerProfiles() []string { return c.peerProfiles }

// IsOK reports whether the connection is still usable.
func (c *Connection) IsOK() bool { return c.status.Load() == statusOK && !isClosed(c.doneCh) }

// LastError returns the most recent error that transitioned this
// connection to error status, if any.
func (c *Connection) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// OnClose registers a hook fired exactly once, when the connection
// transitions to error or is cleanly shut down, and returns a Handle
// that can later be passed to RemoveOnClose.
func (c *Connection) OnClose(f func(error)) Handle {
	return c.onClose.add(f)
}

// RemoveOnClose unregisters a hook previously added with OnClose. A
// no-op if h has already fired or was never registered.
func (c *Connection) RemoveOnClose(h Handle) { c.onClose.remove(h) }

// OnChannelAdded registers a hook fired once a channel successfully
// opens, either side (spec.md §4.3's channel-added hook), and returns a
// Handle that can later be passed to RemoveChannelAdded.
func (c *Connection) OnChannelAdded(f func(number uint32, profileURI string)) Handle {
	return c.channelAdded.add(f)
}

// RemoveChannelAdded unregisters a hook previously added with
// OnChannelAdded.
func (c *Connection) RemoveChannelAdded(h Handle) { c.channelAdded.remove(h) }

// OnChannelRemoved registers a hook fired once a channel closes, either
// negotiated or as part of connection teardown (spec.md §4.3's
// channel-removed hook), and returns a Handle that can later be passed
// to RemoveChannelRemoved.
func (c *Connection) OnChannelRemoved(f func(number uint32, err error)) Handle {
	return c.channelRemoved.add(f)
}

// RemoveChannelRemoved unregisters a hook previously added with
// OnChannelRemoved.
func (c *Connection) RemoveChannelRemoved(h Handle) { c.channelRemoved.remove(h) }

// ServerName returns the serverName bound to this connection at its
// first successful non-zero channel start, or "" if none was ever
// offered (spec.md §3 invariant (c)).
func (c *Connection) ServerName() string {
	c.serverNameMu.Lock()
	defer c.serverNameMu.Unlock()
	return c.serverName
}

// acceptServerName records name as this connection's serverName the
// first time a non-zero channel successfully starts, and freezes it:
// every later call, whatever name it carries, is a no-op (spec.md §4.3
// "serverName is accepted only on the first successful non-zero
// channel of the connection and is then frozen").
func (c *Connection) acceptServerName(name string) {
	c.serverNameMu.Lock()
	defer c.serverNameMu.Unlock()
	if c.frozen {
		return
	}
	c.serverName = name
	c.frozen = true
}

func (c *Connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// idleSince reports how long this connection has gone without reading or
// writing a frame.
func (c *Connection) idleSince() time.Duration {
	last := c.lastActivity.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// newProfileChannel builds a channel for a profile and invokes factory
// to build its Callback, passing factory the Channel itself (grounded
// on SessionFactory func(*SessionHandler) SessionCallback) so the
// Callback can call back into it — Channel.SendRPY/SendERR/SendANS from
// within FrameReceived — once it starts receiving frames. The channel
// is returned in the Opening state, not yet registered in c.channels:
// the caller registers it (and the returned Callback, in
// c.profileCallbacks) only once negotiation actually succeeds.
func (c *Connection) newProfileChannel(number uint32, profileURI string, initiator bool, factory profile.Factory) (*channel.Channel, profile.Callback) {
	cfg := channel.DefaultConfig()
	cfg.WindowSize = c.ctx.cfg.DefaultWindowSize
	cfg.Hooks.Ready = func() { c.signalWork() }

	var cb profile.Callback
	cfg.Hooks.FrameReceived = func(payload []byte, ft frame.Type, msgNo, ansNo uint32) {
		if global := c.ctx.cfg.GlobalFrameReceived; global != nil {
			global(c.id, number, ft, msgNo, ansNo, payload)
		}
		cb.FrameReceived(number, ft, msgNo, ansNo, payload)
	}
	cfg.Hooks.Closed = func(error) { cb.Close(number) }

	ch := channel.New(number, profileURI, initiator, cfg, c.ctx.pool)
	cb = factory(ch)
	return ch, cb
}

// peerChannelNumberOK reports whether number has the parity BEEP reserves
// for the peer's self-started channels: even if we are the session
// initiator (so the peer is the listener), odd if we are the
// listener-accepted side (so the peer is the initiator).
func (c *Connection) peerChannelNumberOK(number uint32) bool {
	if c.role == RoleInitiator {
		return number%2 == 0
	}
	return number%2 == 1
}

// nextLocalChannelNumber allocates the next channel number this side may
// start, per its own role parity.
func (c *Connection) nextLocalChannelNumber() uint32 {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	if c.role == RoleInitiator {
		n := c.nextOddCh
		c.nextOddCh += 2
		return n
	}
	n := c.nextEvnCh
	c.nextEvnCh += 2
	return n
}

// OpenChannel negotiates a new channel over channel 0, offering
// candidateURIs in preference order, and returns the Channel once the peer
// has accepted one of them (spec.md §4.4). serverName is carried on the
// `<start>` request's serverName attribute (spec.md §6 "open(profile,
// serverName?)"); pass "" when this connection has none to offer, or
// once one is already frozen on it.
func (c *Connection) OpenChannel(parent context.Context, candidateURIs []string, serverName string) (*channel.Channel, error) {
	if c.ctx.cfg.EnforceRegisteredProfiles {
		var anyRegistered bool
		for _, uri := range candidateURIs {
			if _, ok := c.ctx.Profiles.Lookup(uri); ok {
				anyRegistered = true
				break
			}
		}
		if !anyRegistered {
			return nil, beeperr.WithCode(beeperr.Channel, beeperr.CodeParameterInvalid, "no candidate profile is locally registered")
		}
	}

	number := c.nextLocalChannelNumber()
	profiles := make([]StartProfile, len(candidateURIs))
	for i, uri := range candidateURIs {
		profiles[i] = StartProfile{URI: uri}
	}
	payload, err := encodeXML(&Start{Number: number, ServerName: serverName, Profiles: profiles})
	if err != nil {
		return nil, beeperr.Wrap(beeperr.Channel, err, "encoding start request")
	}

	ctx, cancel := context.WithTimeout(parent, c.ctx.cfg.ChannelOpenTimeout)
	defer cancel()

	zero := c.channels[0]
	f, err := zero.SendAndWait(ctx, payload)
	if err != nil {
		return nil, err
	}
	if f.Type == frame.ERR {
		var me MgmtError
		if decErr := decodeXML(f.Payload, &me); decErr != nil {
			return nil, beeperr.Wrap(beeperr.Channel, decErr, "decoding start refusal")
		}
		return nil, &me
	}

	var pr ProfileReply
	if err := decodeXML(f.Payload, &pr); err != nil {
		return nil, beeperr.Wrap(beeperr.Channel, err, "decoding profile reply")
	}

	_, factory, acqErr := c.ctx.Profiles.Resolve([]string{pr.URI})
	if acqErr != nil {
		return nil, beeperr.Wrap(beeperr.Channel, acqErr, "no local factory for accepted profile")
	}

	ch, cb := c.newProfileChannel(number, pr.URI, true, factory)
	c.chMu.Lock()
	c.channels[number] = ch
	c.profileCallbacks[number] = cb
	c.chMu.Unlock()
	ch.MarkOpen()
	c.acceptServerName(serverName)
	c.traceChannelOpened(number, pr.URI)
	return ch, nil
}

// OpenChannelPool builds a channel.Pool that multiplexes sends over
// `initial` channels of the first candidate profile the peer accepts,
// opening more on demand the way channel.Pool.NextReady does whenever
// every existing one is busy. Grounded on spec.md §3's "Channel pool"
// data-model entry, realized with OpenChannel as the Pool's Opener.
func (c *Connection) OpenChannelPool(parent context.Context, candidateURIs []string, initial int, strategy channel.PickStrategy) (*channel.Pool, error) {
	return channel.NewPool(func() (*channel.Channel, error) {
		return c.OpenChannel(parent, candidateURIs, "")
	}, initial, strategy)
}

// CloseChannel negotiates the close of an open channel over channel 0
// (spec.md §4.4 close negotiation).
func (c *Connection) CloseChannel(parent context.Context, number uint32) error {
	if number == 0 {
		return beeperr.WithCode(beeperr.Channel, beeperr.CodeParameterError, "channel 0 closes only via Shutdown")
	}
	c.chMu.Lock()
	ch, ok := c.channels[number]
	c.chMu.Unlock()
	if !ok {
		return beeperr.WithCode(beeperr.Channel, beeperr.CodeParameterError, "unknown channel")
	}

	payload, err := encodeXML(&Close{Number: number, Code: beeperr.CodeSuccess})
	if err != nil {
		return beeperr.Wrap(beeperr.Channel, err, "encoding close request")
	}

	ctx, cancel := context.WithTimeout(parent, c.ctx.cfg.ChannelCloseTimeout)
	defer cancel()

	zero := c.channels[0]
	f, err := zero.SendAndWait(ctx, payload)
	if err != nil {
		return err
	}
	if f.Type == frame.ERR {
		var me MgmtError
		if decErr := decodeXML(f.Payload, &me); decErr != nil {
			return beeperr.Wrap(beeperr.Channel, decErr, "decoding close refusal")
		}
		return &me
	}

	ch.MarkClosing()
	ch.MarkClosed(nil)
	c.traceChannelClosed(number, nil)
	c.chMu.Lock()
	delete(c.channels, number)
	delete(c.profileCallbacks, number)
	c.chMu.Unlock()
	return nil
}

func (c *Connection) signalWork() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// start launches the reader and sequencer goroutines, and the idle-timer
// if the Context configured one. Called before the greeting exchange: the
// peer's greeting arrives as an ordinary channel-0 MSG, and our own
// greeting is written out through the same sequencer every other frame
// uses, so both goroutines must already be running while greet blocks on
// greetingDone.
func (c *Connection) start() {
	go c.readLoop()
	go c.sequenceLoop()
	if c.ctx.cfg.IdleTimeout > 0 && c.ctx.cfg.IdleHandler != nil {
		c.stopIdleTimer = c.ctx.pool.RunEvery(c.ctx.cfg.IdleTimeout/4, func() {
			if c.idleSince() >= c.ctx.cfg.IdleTimeout {
				c.ctx.cfg.IdleHandler(c)
			}
		})
	}
}

// fail transitions the connection to error status and tears it down, per
// spec.md §7's propagation policy. Safe to call concurrently with Shutdown
// or with itself; only the first call has any effect.
func (c *Connection) fail(err error) {
	c.teardown(err)
}

// Shutdown closes the connection cleanly: every channel transitions to
// Closed (channel 0 last, per spec.md §4.3), the transport is closed, and
// OnClose hooks fire with a nil reason. Safe to call more than once or
// concurrently with a reader/sequencer failure; only the first teardown
// takes effect.
func (c *Connection) Shutdown() {
	c.teardown(nil)
}

// teardown is the single close path for both a clean Shutdown and a
// reader/sequencer-observed failure, guarded by closeOnce so whichever of
// the two fires first determines the reason every channel and OnClose
// hook observes (spec.md §4.3's ordered channel-0-last close, applied
// uniformly to both the clean and failure paths).
func (c *Connection) teardown(reason error) {
	c.closeOnce.Do(func() {
		if c.stopIdleTimer != nil {
			c.stopIdleTimer()
		}
		if reason != nil {
			c.errMu.Lock()
			c.lastErr = reason
			c.errMu.Unlock()
			c.status.Store(statusError)
		}

		c.chMu.Lock()
		var nonZero []*channel.Channel
		for n, ch := range c.channels {
			if n != 0 {
				nonZero = append(nonZero, ch)
			}
		}
		zero := c.channels[0]
		c.chMu.Unlock()

		for _, ch := range nonZero {
			ch.MarkClosing()
			ch.MarkClosed(reason)
			c.traceChannelClosed(ch.Number, reason)
		}
		if zero != nil {
			zero.MarkClosed(reason)
			c.traceChannelClosed(0, reason)
		}

		close(c.doneCh)
		_ = c.t.Close()

		if global := c.ctx.cfg.GlobalCloseNotify; global != nil {
			global(c.id, reason)
		}
		for _, h := range c.onClose.snapshot() {
			h(reason)
		}
		c.ctx.forget(c.id)
	})
}

func (c *Connection) sendFrame(f *frame.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	// A stalled peer must not block the sequencer (or the reader's
	// inline SEQ write) forever: bound the write the same way the
	// Context's other timeouts bound connect/greeting/channel-open
	// (spec.md §5's configurable connection write-timeout).
	if wt := c.ctx.cfg.WriteTimeout; wt > 0 {
		_ = c.t.SetWriteDeadline(time.Now().Add(wt))
		defer c.t.SetWriteDeadline(time.Time{})
	}

	if err := c.enc.Encode(f); err != nil {
		return beeperr.Wrap(beeperr.Transport, err, "writing frame")
	}
	c.touch()
	c.ctx.trace.FrameSent(c.id, f.Channel, f.Type.String(), len(f.Payload))
	return nil
}

// traceChannelOpened traces a channel's Opening→Open transition and
// fires this Connection's channel-added hooks plus the Context's
// global channel-added override, if any (spec.md §4.3/§4.4). Called
// with c.chMu already released, the way spec.md §4.3 requires.
func (c *Connection) traceChannelOpened(number uint32, profileURI string) {
	c.ctx.trace.ChannelOpened(c.id, number, profileURI)
	if global := c.ctx.cfg.GlobalChannelAdded; global != nil {
		global(c.id, number, profileURI)
	}
	for _, h := range c.channelAdded.snapshot() {
		h(number, profileURI)
	}
}

// traceChannelClosed is traceChannelOpened's counterpart for a
// channel's transition to Closed.
func (c *Connection) traceChannelClosed(number uint32, err error) {
	c.ctx.trace.ChannelClosed(c.id, number, err)
	if global := c.ctx.cfg.GlobalChannelRemoved; global != nil {
		global(c.id, number, err)
	}
	for _, h := range c.channelRemoved.snapshot() {
		h(number, err)
	}
}

// greet performs the channel-0 greeting exchange: send our Greeting,
// then block for the peer's (spec.md §4.3 step 2), honoring the
// Context's GreetingTimeout.
func (c *Connection) greet(parent context.Context) error {
	uris := c.ctx.Profiles.URIs()
	if c.profileMask != nil {
		masked := make([]string, 0, len(uris))
		for _, uri := range uris {
			if c.profileMask(uri) {
				masked = append(masked, uri)
			}
		}
		uris = masked
	}

	g := NewGreeting(uris)
	g.Features = c.ctx.cfg.Features
	g.Localize = c.ctx.cfg.Localize

	payload, err := encodeXML(g)
	if err != nil {
		return beeperr.Wrap(beeperr.Greeting, err, "encoding greeting")
	}

	zero := c.channels[0]
	zero.MarkOpen()
	c.traceChannelOpened(0, "")
	if _, sendErr := zero.SendMsg(payload, false); sendErr != nil {
		return beeperr.Wrap(beeperr.Greeting, sendErr, "queuing greeting")
	}
	c.ctx.trace.GreetingSent(c.id, g.URIs())

	ctx, cancel := context.WithTimeout(parent, c.ctx.cfg.GreetingTimeout)
	defer cancel()

	select {
	case <-c.greetingDone:
		return c.greetingErr
	case <-ctx.Done():
		return beeperr.New(beeperr.Greeting, "timed out waiting for peer greeting")
	}
}
