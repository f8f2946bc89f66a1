package channel

import (
	"context"
	"sync"

	"github.com/damianoneill/beep/beeperr"
	"github.com/damianoneill/beep/frame"
	"github.com/damianoneill/beep/internal/conc"
)

// ticket is the wait-reply mechanism for a synchronous send: SendAndWait
// allocates one, registers it under the sent msg-no, and blocks on its
// single-element delivery channel until the reader goroutine resolves
// it via tickets.resolve (spec.md §3 "Wait-reply ticket"). It is
// reference-counted the same way sesImpl's per-request response channel
// is. Each ticket allocates its own buffered delivery channel, which
// release closes once nothing holds the ticket; tickets are not pooled.
type ticket struct {
	msgNo   uint32
	deliver chan *frame.Frame
	ref     conc.RefCount
}

func newTicket(msgNo uint32) *ticket {
	t := &ticket{msgNo: msgNo, deliver: make(chan *frame.Frame, 1)}
	t.ref.Add(1)
	return t
}

// resolve hands the next reply frame to the waiter. For an ANS series,
// call it once per ANS frame and once more with the terminating NUL;
// the waiter retrieves each in turn via repeated Wait calls.
func (t *ticket) resolve(f *frame.Frame) {
	t.deliver <- f
}

// wait blocks until a reply frame is delivered, the context is done, or
// the ticket is released out from under the caller (connection torn
// down with tickets outstanding).
func (t *ticket) wait(ctx context.Context) (*frame.Frame, error) {
	select {
	case f, ok := <-t.deliver:
		if !ok {
			return nil, beeperr.New(beeperr.Channel, "wait-reply ticket released before a reply arrived")
		}
		return f, nil
	case <-ctx.Done():
		return nil, beeperr.Wrap(beeperr.Channel, ctx.Err(), "wait for reply")
	}
}

// release decrements the ticket's refcount, closing its delivery
// channel (unblocking any waiter with a released-ticket error) once
// nothing else is holding it.
func (t *ticket) release() {
	if t.ref.Add(-1) == 0 {
		close(t.deliver)
	}
}

// tickets is the per-channel registry of outstanding wait-reply
// tickets, keyed by msg-no, guarded by its own mutex since it is
// consulted by the reader goroutine (to resolve) independently of
// c.mu's send/receive state.
type tickets struct {
	mu      sync.Mutex
	byMsgNo map[uint32]*ticket
}

func newTickets() *tickets { return &tickets{byMsgNo: make(map[uint32]*ticket)} }

func (ts *tickets) register(msgNo uint32) *ticket {
	t := newTicket(msgNo)
	ts.mu.Lock()
	ts.byMsgNo[msgNo] = t
	ts.mu.Unlock()
	return t
}

func (ts *tickets) resolve(f *frame.Frame) bool {
	ts.mu.Lock()
	t, ok := ts.byMsgNo[f.MsgNo]
	if ok && (f.Type == frame.RPY || f.Type == frame.ERR || f.Type == frame.NUL) {
		delete(ts.byMsgNo, f.MsgNo)
	}
	ts.mu.Unlock()
	if !ok {
		return false
	}
	t.resolve(f)
	return true
}

// releaseAll resolves every outstanding ticket with a release so waiters
// unblock with a diagnostic instead of hanging, as spec.md §4.2's
// "remote half-close while frames are outstanding" requires.
func (ts *tickets) releaseAll() {
	ts.mu.Lock()
	pending := ts.byMsgNo
	ts.byMsgNo = make(map[uint32]*ticket)
	ts.mu.Unlock()
	for _, t := range pending {
		t.release()
	}
}
