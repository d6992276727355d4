package balancer

import (
	"runtime"
	"sync"
)

// Handle is the token a balancing algorithm hands out with each peer
// selection. The caller passes it back on retries of the same request (so
// the algorithm can advance past the previously chosen address) and
// releases it when the request completes.
type Handle struct {
	// Address is the selection this handle currently points at.
	Address *Address

	// RetryCount is how many times the same request has re-entered the
	// algorithm with this handle.
	RetryCount int

	// HashValue pins the selection for consistent hashing. Only meaningful
	// when HasHash is set.
	HashValue uint32
	HasHash   bool

	gcHook   func(*Handle)
	released bool
}

// HandlePool recycles Handles through a bounded LIFO free list. A handle
// that is garbage collected without having been released fires its gcHook
// exactly once, so callers can account for leaked selections.
type HandlePool struct {
	mu   sync.Mutex
	free []*Handle
	max  int
}

// DefaultHandleCacheSize bounds a new HandlePool's free list.
const DefaultHandleCacheSize = 1024

// NewHandlePool returns a pool bounded at DefaultHandleCacheSize.
func NewHandlePool() *HandlePool {
	return &HandlePool{max: DefaultHandleCacheSize}
}

// SetCacheSize re-bounds the free list. Shrinking drops the excess
// handles immediately; their gcHooks do not fire.
func (p *HandlePool) SetCacheSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.max = n
	if len(p.free) > n {
		for i := n; i < len(p.free); i++ {
			p.free[i] = nil
		}
		p.free = p.free[:n]
	}
}

// Get returns a pooled or freshly allocated handle with gcHook attached.
// gcHook, if non-nil, fires if the handle is collected without Release.
func (p *HandlePool) Get(gcHook func(*Handle)) *Handle {
	p.mu.Lock()
	var h *Handle
	if n := len(p.free); n > 0 {
		h = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if h == nil {
		h = &Handle{}
	}

	h.gcHook = gcHook
	h.released = false
	if gcHook != nil {
		runtime.SetFinalizer(h, func(h *Handle) {
			if !h.released {
				h.gcHook(h)
			}
		})
	}
	return h
}

// Release clears h's user fields and returns it to the pool. If the pool
// is full the handle is dropped; its gcHook does not fire either way.
func (p *HandlePool) Release(h *Handle) {
	runtime.SetFinalizer(h, nil)

	h.Address = nil
	h.RetryCount = 0
	h.HashValue = 0
	h.HasHash = false
	h.gcHook = nil
	h.released = true

	p.mu.Lock()
	if len(p.free) < p.max {
		p.free = append(p.free, h)
	}
	p.mu.Unlock()
}
