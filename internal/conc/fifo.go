// Package conc collects the small mutex-protected concurrency
// primitives shared by the channel and connection state machines: a
// generic FIFO queue and a generic pooled-value allocator.
//
// Both are generalized from netconf/v2/netconf/client's sesImpl, which
// keeps a mutex-guarded slice as a response-channel FIFO
// (pushRespChan/popRespChan) and a second mutex-guarded slice as a
// free-list pool of reusable channels (allocChan/relChan). The channel
// package uses FIFO as its outstanding-MSG reply-ordering queue
// (spec.md §4.2/§8); no package in this module uses Pool, since each
// wait-reply ticket allocates its own delivery channel.
package conc

import "sync"

// FIFO is a mutex-protected, growable first-in-first-out queue. The
// zero value is ready to use.
type FIFO[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends v to the back of the queue.
func (f *FIFO[T]) Push(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, v)
}

// Pop removes and returns the item at the front of the queue. ok is
// false if the queue was empty.
func (f *FIFO[T]) Pop() (v T, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return v, false
	}
	v, f.items = f.items[0], f.items[1:]
	return v, true
}

// Len reports the current queue length.
func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Drain removes and returns every queued item, in order, emptying the
// queue, after sesImpl.closeAllResponseChannels. The channel package
// uses it to examine the reply-ordering queue from its head.
func (f *FIFO[T]) Drain() []T {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.items
	f.items = nil
	return items
}
