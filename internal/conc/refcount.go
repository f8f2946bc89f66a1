package conc

import "sync/atomic"

// RefCount is an atomic reference counter used to track how many
// holders a Context, a Channel or a wait-reply ticket still has, so the
// owner can be torn down only once nothing references it anymore. Grounded on the atomic counters BX-D-mini-RPC
// uses for its own lifecycle flags and sequence numbers
// (server.Server.shutdown atomic.Bool, RoundRobinBalancer.counter
// atomic.Int64) rather than a mutex, since the only operations needed
// are increment, decrement, and a zero-test.
type RefCount struct {
	n atomic.Int64
}

// Add increments the count by delta (delta may be negative) and
// returns the resulting value.
func (r *RefCount) Add(delta int64) int64 { return r.n.Add(delta) }

// Load returns the current count.
func (r *RefCount) Load() int64 { return r.n.Load() }

// IsZero reports whether the count has reached zero.
func (r *RefCount) IsZero() bool { return r.n.Load() == 0 }
