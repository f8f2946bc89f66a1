package beep

import (
	"encoding/xml"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/frame"
)

// mgmtState drives the channel-0 management dialogue for one Connection:
// the greeting exchange and the peer-initiated side of channel start/close
// negotiation. Requests this side initiates (OpenChannel, CloseChannel) go
// out through the channel's own SendAndWait ticket instead of through
// mgmtState, so a reply we're waiting on is resolved by Channel.Deliver
// before it ever reaches onFrame; only inbound requests and truly
// unsolicited replies land here. Grounded on sesImpl.handleToken's
// switch-on-root-element dispatch, adapted from NETCONF's single
// hello/rpc-reply vocabulary to BEEP's four channel-0 element kinds.
type mgmtState struct {
	c *Connection
}

func newMgmtState(c *Connection) *mgmtState {
	return &mgmtState{c: c}
}

// onFrame is the channel-0 Hooks.FrameReceived callback.
func (m *mgmtState) onFrame(payload []byte, ft frame.Type, msgNo uint32) {
	switch ft {
	case frame.MSG:
		m.handleRequest(payload, msgNo)
	default:
		// Any RPY/ERR reaching here belongs to no outstanding ticket: every
		// request this side sends on channel 0 waits on one.
		m.c.fail(beeperr.New(beeperr.Protocol, "unsolicited channel-0 reply"))
	}
}

func (m *mgmtState) handleRequest(payload []byte, msgNo uint32) {
	var probe struct {
		XMLName xml.Name
	}
	if err := decodeXML(payload, &probe); err != nil {
		m.c.fail(beeperr.Wrap(beeperr.Protocol, err, "decoding channel-0 request"))
		return
	}

	switch probe.XMLName.Local {
	case "greeting":
		m.handleGreeting(payload)
	case "error":
		m.handleGreetingRefusal(payload)
	case "start":
		m.handleStart(payload, msgNo)
	case "close":
		m.handleClose(payload, msgNo)
	default:
		m.c.fail(beeperr.New(beeperr.Protocol, "unknown channel-0 element "+probe.XMLName.Local))
	}
}

func (m *mgmtState) handleGreeting(payload []byte) {
	if isClosed(m.c.greetingDone) {
		m.c.fail(beeperr.New(beeperr.Protocol, "duplicate greeting"))
		return
	}
	var g Greeting
	if err := decodeXML(payload, &g); err != nil {
		m.finishGreeting(beeperr.Wrap(beeperr.Greeting, err, "decoding peer greeting"))
		return
	}
	m.c.peerProfiles = g.URIs()
	m.c.peerFeatures = g.Features
	m.finishGreeting(nil)
}

func (m *mgmtState) handleGreetingRefusal(payload []byte) {
	if isClosed(m.c.greetingDone) {
		m.c.fail(beeperr.New(beeperr.Protocol, "greeting refusal after greeting already completed"))
		return
	}
	var me MgmtError
	if err := decodeXML(payload, &me); err != nil {
		m.finishGreeting(beeperr.Wrap(beeperr.Greeting, err, "decoding greeting refusal"))
		return
	}
	m.finishGreeting(&me)
}

func (m *mgmtState) finishGreeting(err error) {
	m.c.greetingErr = err
	m.c.ctx.trace.GreetingReceived(m.c.id, m.c.peerProfiles, err)
	close(m.c.greetingDone)
}

// handleStart services a peer-initiated channel start (RFC 3080 §2.3.1.1):
// resolve the first candidate profile this side has registered, invoke its
// Callback.Start, and reply with the accepted profile or a refusal.
func (m *mgmtState) handleStart(payload []byte, msgNo uint32) {
	var s Start
	if err := decodeXML(payload, &s); err != nil {
		m.replyErr(msgNo, beeperr.CodeParameterError, "malformed start request")
		return
	}

	if !m.c.peerChannelNumberOK(s.Number) {
		m.replyErr(msgNo, beeperr.CodeParameterError, "channel number has wrong parity for peer")
		return
	}

	m.c.chMu.Lock()
	_, exists := m.c.channels[s.Number]
	m.c.chMu.Unlock()
	if exists {
		m.replyErr(msgNo, beeperr.CodeParameterError, "channel number already in use")
		return
	}

	candidates := make([]string, 0, len(s.Profiles))
	for _, p := range s.Profiles {
		if m.c.profileMask != nil && !m.c.profileMask(p.URI) {
			continue
		}
		candidates = append(candidates, p.URI)
	}
	uri, factory, err := m.c.ctx.Profiles.Resolve(candidates)
	if err != nil {
		m.replyErr(msgNo, beeperr.CodeTransactionFailed, err.Error())
		return
	}

	var piggyback []byte
	for _, p := range s.Profiles {
		if p.URI == uri && p.Content != "" {
			piggyback = []byte(p.Content)
		}
	}

	ch, cb := m.c.newProfileChannel(s.Number, uri, false, factory)

	var replyData []byte
	var startErr error
	if global := m.c.ctx.cfg.GlobalChannelStart; global != nil {
		// spec.md §4.4: a Context-wide start override services every
		// channel start in place of the target profile's own hook.
		replyData, startErr = global(m.c.id, s.Number, uri, piggyback)
	} else {
		replyData, startErr = cb.Start(s.Number, piggyback)
	}
	if startErr != nil {
		code := beeperr.CodeTransactionFailed
		if be, ok := beeperr.As(startErr); ok && be.Code != 0 {
			code = be.Code
		}
		m.replyErr(msgNo, code, startErr.Error())
		return
	}

	m.c.chMu.Lock()
	m.c.channels[s.Number] = ch
	m.c.profileCallbacks[s.Number] = cb
	m.c.chMu.Unlock()
	ch.MarkOpen()
	m.c.acceptServerName(s.ServerName)
	m.c.traceChannelOpened(s.Number, uri)

	out, err := encodeXML(&ProfileReply{URI: uri, Content: string(replyData)})
	if err != nil {
		m.replyErr(msgNo, beeperr.CodeTransactionFailed, "encoding profile reply")
		return
	}
	m.c.channels[0].SendRPY(msgNo, out)
}

// handleClose services a peer-initiated channel close (RFC 3080 §2.3.1.2).
func (m *mgmtState) handleClose(payload []byte, msgNo uint32) {
	var cl Close
	if err := decodeXML(payload, &cl); err != nil {
		m.replyErr(msgNo, beeperr.CodeParameterError, "malformed close request")
		return
	}
	if cl.Number == 0 {
		m.replyErr(msgNo, beeperr.CodeParameterError, "channel 0 closes only via connection shutdown")
		return
	}

	m.c.chMu.Lock()
	ch, ok := m.c.channels[cl.Number]
	if ok {
		delete(m.c.channels, cl.Number)
	}
	m.c.chMu.Unlock()
	if !ok {
		m.replyErr(msgNo, beeperr.CodeParameterError, "unknown channel")
		return
	}

	ch.MarkClosing()
	ch.MarkClosed(nil)
	m.c.traceChannelClosed(cl.Number, nil)
	m.c.chMu.Lock()
	delete(m.c.profileCallbacks, cl.Number)
	m.c.chMu.Unlock()

	out, err := encodeXML(&OK{})
	if err != nil {
		m.replyErr(msgNo, beeperr.CodeTransactionFailed, "encoding close reply")
		return
	}
	m.c.channels[0].SendRPY(msgNo, out)
}

func (m *mgmtState) replyErr(msgNo uint32, code int, msg string) {
	out, err := encodeXML(&MgmtError{Code: code, Message: msg})
	if err != nil {
		return
	}
	m.c.channels[0].SendERR(msgNo, out)
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
