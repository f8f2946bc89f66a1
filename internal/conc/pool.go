package conc

import "sync"

// Pool is a mutex-protected free-list of reusable values, generalizing
// sesImpl's allocChan/relChan channel pool to any type. New produces a
// fresh value when the free-list is empty.
type Pool[T any] struct {
	mu   sync.Mutex
	free []T
	New  func() T
}

// Get returns a pooled value, creating one via New if the free-list is
// empty.
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	l := len(p.free)
	if l == 0 {
		p.mu.Unlock()
		return p.New()
	}
	var v T
	p.free, v = p.free[:l-1], p.free[l-1]
	p.mu.Unlock()
	return v
}

// Put returns v to the free-list for reuse.
func (p *Pool[T]) Put(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, v)
}
