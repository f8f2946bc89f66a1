package channel

import (
	"context"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/frame"
)

// pendingSend is one outbound unit awaiting segmentation: either a
// caller's MSG, or a reply (RPY/ERR/ANS/NUL) tied to a previously
// received MSG number.
type pendingSend struct {
	typ    frame.Type
	msgNo  uint32
	ansNo  uint32
	src    chunkSource
	more   bool // carries the caller's explicit more=true ("MSG left open")
	started bool

	paused          bool
	cancelEmitFinal bool
}

// terminal reports whether finishing this unit ends the reply series
// for its msgNo (true for RPY, ERR, and NUL; false for ANS, which may
// be followed by further ANS frames or a NUL).
func (p *pendingSend) terminal() bool { return p.typ != frame.ANS }

// SendMsg enqueues a new outbound MSG with payload, returning its
// assigned msg-no. more=true leaves the logical message open for
// continuation MSGs under the same msg-no (spec.md §4.2).
func (c *Channel) SendMsg(payload []byte, more bool) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.OutstandingLimit > 0 && len(c.outstandingOut) >= c.cfg.OutstandingLimit {
		return 0, beeperrChannelError(0, "outstanding-message limit reached")
	}

	msgNo := c.nextMsgNo
	c.nextMsgNo++
	c.outstandingOut[msgNo] = struct{}{}

	ps := &pendingSend{typ: frame.MSG, msgNo: msgNo, more: more, src: &bytesSource{payload: payload}}
	c.pendingOut = append(c.pendingOut, ps)
	c.signalReady()
	return msgNo, nil
}

// ContinueMsg appends payload to an outstanding MSG previously sent
// with more=true, as a further fragment under the same msg-no.
// more=false closes the logical message, allowing its final on-wire
// frame to carry more=. (spec.md §4.2's "more=true leaves the message
// open for continuation MSGs under the same msg-no").
func (c *Channel) ContinueMsg(msgNo uint32, payload []byte, more bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps, ok := c.openMsgs[msgNo]
	if !ok {
		return beeperrChannelError(0, "no open MSG for continuation")
	}
	delete(c.openMsgs, msgNo)
	ps.more = more

	bs := ps.src.(*bytesSource)
	bs.payload = append(bs.payload[bs.offset:], payload...)
	bs.offset = 0

	c.pendingOut = append(c.pendingOut, ps)
	c.signalReady()
	return nil
}

// SendAndWait sends payload as a new MSG and blocks until its reply
// series yields one frame, per spec.md §3's wait-reply ticket. For an
// ANS series, call WaitNext with the returned *frame.Frame's MsgNo to
// retrieve the next ANS frame or the terminating NUL.
func (c *Channel) SendAndWait(ctx context.Context, payload []byte) (*frame.Frame, error) {
	c.mu.Lock()
	if c.cfg.OutstandingLimit > 0 && len(c.outstandingOut) >= c.cfg.OutstandingLimit {
		c.mu.Unlock()
		return nil, beeperrChannelError(0, "outstanding-message limit reached")
	}
	msgNo := c.nextMsgNo
	c.nextMsgNo++
	c.outstandingOut[msgNo] = struct{}{}
	t := c.tickets.register(msgNo)
	c.pendingOut = append(c.pendingOut, &pendingSend{
		typ: frame.MSG, msgNo: msgNo, src: &bytesSource{payload: payload},
	})
	c.signalReady()
	c.mu.Unlock()

	defer t.release()
	return t.wait(ctx)
}

// WaitNext retrieves the next frame of an in-progress ANS series for
// msgNo, re-registering a ticket for it if the series hasn't already
// been fully delivered. Call it repeatedly after SendAndWait returns an
// ANS frame, until it returns a NUL.
func (c *Channel) WaitNext(ctx context.Context, msgNo uint32) (*frame.Frame, error) {
	t := c.tickets.register(msgNo)
	defer t.release()
	return t.wait(ctx)
}

// SendFromFeeder enqueues a new outbound MSG streamed from f.
func (c *Channel) SendFromFeeder(f Feeder) (uint32, *FeederHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.OutstandingLimit > 0 && len(c.outstandingOut) >= c.cfg.OutstandingLimit {
		return 0, nil, beeperrChannelError(0, "outstanding-message limit reached")
	}

	msgNo := c.nextMsgNo
	c.nextMsgNo++
	c.outstandingOut[msgNo] = struct{}{}

	ps := &pendingSend{typ: frame.MSG, msgNo: msgNo, src: &feederSource{f: f}}
	c.pendingOut = append(c.pendingOut, ps)
	c.signalReady()
	return msgNo, &FeederHandle{send: ps}, nil
}

// reply enqueues a reply frame for msgNo, gating it behind the
// reply-ordering FIFO: it only becomes sendable once msgNo reaches the
// head of c.replyOrder (spec.md §4.2 "Reply ordering").
func (c *Channel) reply(typ frame.Type, msgNo uint32, ansNo uint32, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ps := &pendingSend{typ: typ, msgNo: msgNo, ansNo: ansNo, src: &bytesSource{payload: payload}}
	c.staged[msgNo] = ps
	c.admitReadyReplies()
}

// SendRPY enqueues a single successful reply for msgNo.
func (c *Channel) SendRPY(msgNo uint32, payload []byte) { c.reply(frame.RPY, msgNo, 0, payload) }

// SendERR enqueues a single error reply for msgNo.
func (c *Channel) SendERR(msgNo uint32, payload []byte) { c.reply(frame.ERR, msgNo, 0, payload) }

// SendANS enqueues one frame of an ANS/NUL reply series for msgNo,
// auto-assigning the next ans-no in that series.
func (c *Channel) SendANS(msgNo uint32, payload []byte) uint32 {
	c.mu.Lock()
	ansNo := c.nextAnsNoLocked(msgNo)
	c.mu.Unlock()

	c.reply(frame.ANS, msgNo, ansNo, payload)
	return ansNo
}

// FinalizeANS enqueues the terminating NUL for msgNo's ANS series.
func (c *Channel) FinalizeANS(msgNo uint32) { c.reply(frame.NUL, msgNo, 0, nil) }

func (c *Channel) nextAnsNoLocked(msgNo uint32) uint32 {
	n := c.ansCounters[msgNo]
	c.ansCounters[msgNo] = n + 1
	return n
}

// admitReadyReplies moves staged replies into pendingOut for as long
// as the head of replyOrder has a staged reply ready to send. Must be
// called with c.mu held.
func (c *Channel) admitReadyReplies() {
	// Take the whole queue and push back whatever is still waiting, in
	// its original order, so an un-admitted head stays at the head.
	order := c.replyOrder.Drain()
	defer func() {
		for _, n := range order {
			c.replyOrder.Push(n)
		}
	}()
	for len(order) > 0 {
		head := order[0]
		ps, staged := c.staged[head]
		if !staged {
			// Not yet submitted by the caller: leave the msgNo at the
			// head and stop; it becomes eligible again once a reply arrives.
			return
		}
		delete(c.staged, head)
		c.pendingOut = append(c.pendingOut, ps)
		c.signalReady()
		if !ps.terminal() {
			// More ANS frames (or the terminating NUL) may still come
			// for this msgNo before the next one may proceed: keep it
			// at the head until a terminal reply for it is admitted.
			return
		}
		order = order[1:]
	}
}

// HasPending reports whether this channel has at least one unit ready
// to be segmented into a frame right now (window permitting).
func (c *Channel) HasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPendingLocked()
}

func (c *Channel) hasPendingLocked() bool {
	if len(c.pendingOut) == 0 {
		return false
	}
	head := c.pendingOut[0]
	if head.paused {
		return false
	}
	return c.windowRemainingLocked() > 0 || head.src.remaining() == 0
}

func (c *Channel) windowRemainingLocked() int {
	remaining := int(c.maxSeqNoRemoteAccepted - c.nextSeqNo)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NextFrame computes the next outbound frame for this channel, up to
// maxSize bytes of payload, per the sequencer algorithm in spec.md
// §4.6. It returns (nil, false) if there is nothing ready to send.
func (c *Channel) NextFrame(maxSize int) (*frame.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.hasPendingLocked() {
		return nil, false
	}

	ps := c.pendingOut[0]

	size := maxSize
	if w := c.windowRemainingLocked(); w < size {
		size = w
	}
	if c.cfg.Hooks.FrameSizeOverride != nil {
		if override := c.cfg.Hooks.FrameSizeOverride(c.nextSeqNo, uint32(ps.src.remaining()), c.maxSeqNoRemoteAccepted); override < size {
			size = override
		}
	}
	if size < 0 {
		size = 0
	}

	if ps.src.remaining() == 0 && size == 0 {
		// Zero-length payload reply/message (e.g. NUL, or an explicit
		// empty MSG): emit it with size 0 regardless of window.
	} else if size == 0 {
		c.stalled = true
		return nil, false
	}

	chunk, drained := ps.src.drain(size)
	cancelled := false
	if fs, ok := ps.src.(*feederSource); ok && fs.cancelled {
		cancelled = true
		drained = true
	}

	// open is true when the buffered chunk is exhausted but the caller
	// explicitly left the message open (more=true) for a ContinueMsg
	// call still to come: the frame on the wire still carries more=1,
	// but the unit is parked in openMsgs rather than finalized.
	open := drained && ps.more && ps.typ == frame.MSG && !cancelled
	finished := drained && !open

	f := &frame.Frame{
		Type: ps.typ, Channel: c.Number, MsgNo: ps.msgNo,
		More: !finished, Seqno: c.nextSeqNo, AnsNo: ps.ansNo, Payload: chunk,
	}
	if cancelled && !ps.cancelEmitFinal {
		f.More = false
		f.Payload = nil
	}
	ps.started = true
	c.nextSeqNo += uint32(len(f.Payload))

	if drained {
		c.pendingOut = c.pendingOut[1:]
		if open {
			c.openMsgs[ps.msgNo] = ps
		}
		// outstandingOut for a sent MSG is cleared in Deliver, when its
		// terminal reply actually arrives — not here, when it's merely
		// finished going out on the wire (spec.md §3's "pending reply
		// received", not "pending send complete").
	}

	// Data still queued with no remote window left waits for a SEQ.
	if len(c.pendingOut) > 0 {
		next := c.pendingOut[0]
		c.stalled = c.windowRemainingLocked() == 0 && next.src.remaining() != 0
	}

	return f, true
}

// Stalled reports whether the channel is currently blocked on remote
// window (spec.md §4.2's "On sending" rule).
func (c *Channel) Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stalled
}

// OnSEQ applies a received SEQ frame's ackno/window to this channel's
// send-side state, waking it if it was stalled (spec.md §4.2 "On
// receiving a SEQ frame").
func (c *Channel) OnSEQ(ackno, window uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ackno > c.nextSeqNo {
		return beeperr.New(beeperr.Protocol, "SEQ ackno beyond sent data")
	}

	c.maxSeqNoRemoteAccepted = ackno + window
	wasStalled := c.stalled
	c.stalled = c.windowRemainingLocked() <= 0
	if wasStalled && !c.stalled {
		c.signalReady()
	}
	return nil
}
