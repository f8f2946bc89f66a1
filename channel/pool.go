package channel

import (
	"sync"
	"sync/atomic"
)

// Opener creates a fresh Channel of the Pool's profile over whatever
// Connection the Pool belongs to, assigning it the next channel number
// in the caller's numbering sequence. Supplied by the beep package,
// which owns channel-number allocation and the start-negotiation
// dialogue.
type Opener func() (*Channel, error)

// PickStrategy chooses which of a Pool's currently-ready channels
// (Open and not window-stalled) should take the next send. Grounded on
// BX-D-mini-RPC/loadbalance's Balancer.Pick interface, adapted from
// picking a service instance out of a registry to picking a channel
// out of a Pool.
type PickStrategy interface {
	Pick(ready []*Channel) *Channel
}

// RoundRobinStrategy is the default PickStrategy: an atomic counter
// spreads sends evenly across the ready set, grounded on
// BX-D-mini-RPC/loadbalance/roundrobin.go's RoundRobinBalancer.
type RoundRobinStrategy struct {
	counter atomic.Int64
}

// Pick returns the next channel in round-robin order, or nil if ready
// is empty.
func (s *RoundRobinStrategy) Pick(ready []*Channel) *Channel {
	if len(ready) == 0 {
		return nil
	}
	idx := int(s.counter.Add(1)-1) % len(ready)
	return ready[idx]
}

// Pool amortises channel creation over one profile on one Connection:
// NextReady picks a channel already open and ready via its
// PickStrategy, opening a new one only when every existing channel is
// currently busy (spec.md §3 "Channel pool").
type Pool struct {
	open     Opener
	strategy PickStrategy

	mu    sync.RWMutex
	chans []*Channel
}

// NewPool creates a Pool that picks among its channels with
// strategy (RoundRobinStrategy{} if nil), and opens initial channels
// immediately via open, matching spec.md's "new(connection, profile,
// initial_count)" constructor.
func NewPool(open Opener, initial int, strategy PickStrategy) (*Pool, error) {
	if strategy == nil {
		strategy = &RoundRobinStrategy{}
	}
	p := &Pool{open: open, strategy: strategy}
	for i := 0; i < initial; i++ {
		c, err := open()
		if err != nil {
			return nil, err
		}
		p.chans = append(p.chans, c)
	}
	return p, nil
}

// NextReady returns a channel ready to accept a new send, per the
// Pool's PickStrategy, or a newly opened one if every channel the Pool
// currently holds is busy.
func (p *Pool) NextReady() (*Channel, error) {
	p.mu.RLock()
	ready := make([]*Channel, 0, len(p.chans))
	for _, c := range p.chans {
		if c.State() == Open && !c.Stalled() {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()

	if c := p.strategy.Pick(ready); c != nil {
		return c, nil
	}

	c, err := p.open()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.chans = append(p.chans, c)
	p.mu.Unlock()
	return c, nil
}

// Release removes a channel (closed, or no longer wanted) from the
// pool's rotation.
func (p *Pool) Release(c *Channel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ch := range p.chans {
		if ch == c {
			p.chans = append(p.chans[:i], p.chans[i+1:]...)
			return
		}
	}
}

// Len reports how many channels the pool currently holds.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.chans)
}
