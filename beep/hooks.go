package beep

import "sync"

// Handle identifies one hook registered with a Connection's on-close,
// channel-added, or channel-removed chain, so it can later be removed
// (spec.md §4.3 "Each hook is identified by a handle so it can be
// removed").
type Handle uint64

// hookList is an ordered, removable collection of hooks keyed by a
// monotonically increasing Handle rather than by function-pointer
// identity — Go func values aren't even comparable, and spec.md §9's
// Design Notes call for a handle-keyed collection regardless (grounded
// on that note, with no direct teacher analogue: the teacher's
// SessionCallback/SessionFactory pair is fixed at session creation and
// never needs runtime removal).
type hookList[T any] struct {
	mu   sync.Mutex
	next Handle
	ids  []Handle
	fns  []T
}

func (h *hookList[T]) add(fn T) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.ids = append(h.ids, id)
	h.fns = append(h.fns, fn)
	return id
}

func (h *hookList[T]) remove(id Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.ids {
		if existing == id {
			h.ids = append(h.ids[:i], h.ids[i+1:]...)
			h.fns = append(h.fns[:i], h.fns[i+1:]...)
			return
		}
	}
}

// snapshot returns the currently registered hooks, in registration
// order, safe to range over without holding h's lock (fired hooks may
// themselves register or remove others).
func (h *hookList[T]) snapshot() []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]T, len(h.fns))
	copy(out, h.fns)
	return out
}
