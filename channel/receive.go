package channel

import (
	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/frame"
	"github.com/damianoneill/beep/workerpool"
)

// seqAckThreshold is the fraction (expressed as a divisor) of the
// advertised window that must be consumed before Deliver emits a SEQ
// update to the peer, avoiding a SEQ per frame (spec.md §4.2 "On
// receiving a data frame").
const seqAckThreshold = 2

// Deliver feeds one raw frame received on this channel through
// reassembly and flow control, and — once a complete message is
// available — schedules the FrameReceived hook on the channel's
// dispatcher. It returns a non-nil SEQ update the caller must send to
// the peer when one is due, alongside any protocol error.
type SeqUpdate struct {
	Ackno  uint32
	Window uint32
}

func (c *Channel) Deliver(f *frame.Frame) (*SeqUpdate, error) {
	c.mu.Lock()

	if f.Seqno != c.nextExpectedSeqNo {
		c.mu.Unlock()
		return nil, beeperr.New(beeperr.Protocol, "frame seqno out of order")
	}
	consumed := uint32(len(f.Payload))
	c.nextExpectedSeqNo += consumed

	joined, err := c.reassembler.Feed(f)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}

	resolvedTicket := false
	if joined != nil {
		if joined.Type == frame.MSG {
			c.replyOrder.Push(joined.MsgNo)
		} else {
			resolvedTicket = c.tickets.resolve(joined)
			if joined.Type != frame.ANS {
				// RPY, ERR, or the NUL terminating an ANS series: the
				// outstanding MSG this replies to is now accounted for.
				delete(c.outstandingOut, joined.MsgNo)
			}
		}
	}

	var update *SeqUpdate
	windowUsed := c.nextExpectedSeqNo - (c.maxSeqNoAccepted - uint32(c.cfg.WindowSize))
	if windowUsed*seqAckThreshold >= uint32(c.cfg.WindowSize) {
		c.maxSeqNoAccepted = c.nextExpectedSeqNo + uint32(c.cfg.WindowSize)
		update = &SeqUpdate{Ackno: c.nextExpectedSeqNo, Window: uint32(c.cfg.WindowSize)}
	}

	c.mu.Unlock()

	// A reply claimed by a waiting ticket (SendAndWait) is delivered to
	// that waiter only; frames not claimed by a ticket — every MSG, and
	// any reply nobody is synchronously waiting on — go to the
	// FrameReceived hook instead.
	if joined != nil && !resolvedTicket {
		c.dispatchReceived(joined)
	}

	return update, nil
}

// dispatchReceived runs the FrameReceived hook. When Serialize is set,
// it runs inline on the caller (the reader goroutine, which already
// processes this channel's frames strictly in MSG-number order) so
// that order is never disturbed by the worker pool's concurrent
// workers; otherwise it is handed to the channel's dispatcher so a slow
// profile callback cannot stall the reader loop.
func (c *Channel) dispatchReceived(f *frame.Frame) {
	if c.cfg.Hooks.FrameReceived == nil {
		return
	}
	run := func() {
		c.cfg.Hooks.FrameReceived(f.Payload, f.Type, f.MsgNo, f.AnsNo)
	}
	if c.cfg.Serialize || c.dispatcher == nil {
		run()
		return
	}
	c.Retain()
	_ = c.dispatcher.Schedule(workerpool.Task(func() {
		defer c.Release()
		run()
	}))
}
