package balancer

import (
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePoolReusesReleasedHandles(t *testing.T) {
	p := NewHandlePool()

	h1 := p.Get(nil)
	h1.RetryCount = 3
	h1.HashValue = 42
	h1.HasHash = true
	p.Release(h1)

	h2 := p.Get(nil)
	assert.Same(t, h1, h2, "the pool is LIFO; identity survives release+reuse")
	assert.Equal(t, 0, h2.RetryCount, "user fields are cleared on release")
	assert.Equal(t, uint32(0), h2.HashValue)
	assert.False(t, h2.HasHash)
}

func TestHandlePoolDropsOverflowWithoutFiringHook(t *testing.T) {
	var fired atomic.Int32

	p := NewHandlePool()
	p.SetCacheSize(1)

	hook := func(*Handle) { fired.Add(1) }
	h1 := p.Get(hook)
	h2 := p.Get(hook)

	p.Release(h1)
	p.Release(h2) // pool full; dropped

	for i := 0; i < 3; i++ {
		runtime.GC()
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load(), "released handles never fire the hook, pooled or dropped")
}

func TestHandleGCHookFiresOnLeak(t *testing.T) {
	var fired atomic.Int32

	p := NewHandlePool()
	func() {
		h := p.Get(func(*Handle) { fired.Add(1) })
		h.RetryCount = 1 // keep the compiler from optimizing h away
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return fired.Load() == 1
	}, 2*time.Second, 20*time.Millisecond, "a handle dropped without Release fires its hook once")

	for i := 0; i < 3; i++ {
		runtime.GC()
	}
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}
