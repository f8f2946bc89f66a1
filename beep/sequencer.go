package beep

import (
	"context"

	"github.com/damianoneill/beep/channel"
)

// sequenceLoop is the Connection's single writer goroutine: it wakes
// whenever any channel signals new sendable work (channel.Hooks.Ready,
// wired to Connection.signalWork in newProfileChannel/newChannelZero) and
// drains every channel's pending frames, one channel at a time in
// channel-table order, until each is either empty or window-stalled. This generalizes spec.md §4.6's single priority queue
// of channels into one wake channel plus a full-table sweep, the same
// trade the reader/sequencer-as-goroutines design already makes elsewhere
// in this package: Go's scheduler, not a hand-rolled queue, decides
// interleaving among channels that all became ready at once.
func (c *Connection) sequenceLoop() {
	for {
		select {
		case <-c.doneCh:
			return
		case <-c.wake:
		}
		if !c.drainReady() {
			return
		}
	}
}

// drainReady writes every currently-sendable frame across the channel
// table. It returns false if a write failure has failed the connection.
func (c *Connection) drainReady() bool {
	c.chMu.Lock()
	chans := make([]*channel.Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		chans = append(chans, ch)
	}
	c.chMu.Unlock()

	for _, ch := range chans {
		for ch.HasPending() {
			f, ok := ch.NextFrame(channel.DefaultMSS)
			if !ok {
				break
			}
			if c.limiter != nil {
				_ = c.limiter.Wait(context.Background())
			}
			if err := c.sendFrame(f); err != nil {
				c.fail(err)
				return false
			}
		}
	}
	return true
}
