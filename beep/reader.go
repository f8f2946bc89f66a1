package beep

import (
	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/channel"
	"github.com/damianoneill/beep/frame"
)

// readLoop is the Connection's single reader goroutine: it owns the
// Decoder exclusively, dispatching each parsed frame to its channel and
// writing any SEQ update the channel's flow control produces. Grounded on
// sesImpl.handleIncomingMessages's one-reader-per-session loop, generalized
// from NETCONF's single RPC stream to BEEP's full channel table plus SEQ
// frames.
func (c *Connection) readLoop() {
	for {
		f, err := c.dec.Next()
		if err != nil {
			c.fail(err)
			return
		}
		c.touch()
		c.ctx.trace.FrameReceived(c.id, f.Channel, f.Type.String(), len(f.Payload))

		if f.Type == frame.SEQ {
			if err := c.applySEQ(f); err != nil {
				c.fail(err)
				return
			}
			continue
		}

		if err := c.deliverToChannel(f); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Connection) lookupChannel(number uint32) (*channel.Channel, bool) {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	ch, ok := c.channels[number]
	return ch, ok
}

func (c *Connection) applySEQ(f *frame.Frame) error {
	ch, ok := c.lookupChannel(f.Channel)
	if !ok {
		return beeperr.New(beeperr.Protocol, "SEQ for unknown channel")
	}
	return ch.OnSEQ(f.Ackno, f.Window)
}

func (c *Connection) deliverToChannel(f *frame.Frame) error {
	ch, ok := c.lookupChannel(f.Channel)
	if !ok {
		return beeperr.New(beeperr.Protocol, "frame for unknown channel")
	}

	update, err := ch.Deliver(f)
	if err != nil {
		return err
	}
	if update == nil {
		return nil
	}
	return c.sendFrame(&frame.Frame{
		Type: frame.SEQ, Channel: f.Channel,
		Ackno: update.Ackno, Window: update.Window,
	})
}
