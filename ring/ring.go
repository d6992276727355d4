// Package ring implements a wheel-based balancing algorithm on top of
// package balancer: a fixed number of slots is divided over the resolved
// addresses proportional to their weights, giving both weighted round
// robin and consistent hashing with minimal slot movement when addresses
// come and go.
package ring

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/kong/go-dns-balancer/balancer"
	"github.com/kong/go-dns-balancer/internal/metrics"
)

// DefaultWheelSize is the slot count used when Options.WheelSize is zero.
const DefaultWheelSize = 1000

// wheelSeed fixes the PRNG used to shuffle the initial slot order, so two
// instances built with the same WheelSize hand out slots in the same
// sequence. Callers that need a different sequence pass Options.Order.
const wheelSeed = 9377

// ErrNoPeers is returned by GetPeer when every slot was visited without
// finding an address that would accept the request.
var ErrNoPeers = errors.New("No peers are available")

// ErrIndexReassigned is returned when repeated DNS refreshes keep moving
// the wheel underneath a single GetPeer call; the caller should retry.
var ErrIndexReassigned = errors.New("Cannot get peer, current index got reassigned to another address")

// Options configures a ring balancer. The embedded balancer.Options are
// passed through to the underlying host/address tree.
type Options struct {
	balancer.Options

	// WheelSize is the number of slots. Defaults to DefaultWheelSize.
	WheelSize int

	// Order, if set, is the permutation of [0, WheelSize) in which slots
	// are handed out. Its length must equal WheelSize and it must contain
	// no duplicates. When omitted, a deterministic shuffled order is
	// generated from WheelSize alone.
	Order []int

	// HandleGCHook, if set, fires for every handle that is garbage
	// collected without having been passed to Release.
	HandleGCHook func(*balancer.Handle)
}

// Balancer assigns every address a share of a fixed wheel of slots and
// selects peers by walking that wheel, either from a rotating pointer
// (weighted round robin) or from a hash-derived slot (consistent
// hashing).
type Balancer struct {
	*balancer.Balancer

	handles *balancer.HandlePool
	gcHook  func(*balancer.Handle)

	mu         sync.Mutex
	wheelSize  int
	wheel      []*balancer.Address
	unassigned []int // stack; the top is the next slot handed out
	pointer    int
	order      []*balancer.Address // insertion order, drives redistribution
	indices    map[*balancer.Address][]int
}

// New constructs a ring balancer and resolves any Options.Hosts.
func New(opts Options) (*Balancer, error) {
	if opts.WheelSize == 0 {
		opts.WheelSize = DefaultWheelSize
	}

	slots, err := slotOrder(opts.WheelSize, opts.Order)
	if err != nil {
		return nil, err
	}

	r := &Balancer{
		handles:   balancer.NewHandlePool(),
		gcHook:    opts.HandleGCHook,
		wheelSize: opts.WheelSize,
		wheel:     make([]*balancer.Address, opts.WheelSize),
		indices:   map[*balancer.Address][]int{},
	}

	// Reverse so that popping from the top of the stack yields slots in
	// the configured order.
	r.unassigned = make([]int, len(slots))
	for i, s := range slots {
		r.unassigned[len(slots)-1-i] = s
	}

	// The base balancer resolves Options.Hosts during construction, which
	// re-enters this Balancer through the algorithm hooks; every wheel
	// field must be ready before this call.
	base, err := balancer.New(opts.Options, r)
	if err != nil {
		return nil, err
	}
	r.Balancer = base

	return r, nil
}

func slotOrder(wheelSize int, order []int) ([]int, error) {
	if order == nil {
		return rand.New(rand.NewSource(wheelSeed)).Perm(wheelSize), nil
	}

	if len(order) != wheelSize {
		return nil, fmt.Errorf("ring: order has %d entries, wheel size is %d", len(order), wheelSize)
	}
	seen := make([]bool, wheelSize)
	for _, s := range order {
		if s < 0 || s >= wheelSize {
			return nil, fmt.Errorf("ring: order entry %d out of range [0,%d)", s, wheelSize)
		}
		if seen[s] {
			return nil, fmt.Errorf("ring: order contains duplicate entry %d", s)
		}
		seen[s] = true
	}
	return order, nil
}

// GetPeer selects an address and resolves it to (ip, port, hostname).
//
// handle is nil on the first attempt of a request; on retries the caller
// passes the handle from the previous attempt back in, which advances the
// selection past already-tried slots. hashValue, if non-nil, switches the
// call (and any retries reusing its handle) to consistent hashing.
//
// The returned handle must eventually be passed to Release.
func (r *Balancer) GetPeer(ctx context.Context, cacheOnly bool, handle *balancer.Handle, hashValue *uint32) (net.IP, int, string, *balancer.Handle, error) {
	if handle == nil {
		handle = r.handles.Get(r.gcHook)
	} else {
		handle.RetryCount++
	}
	if hashValue != nil {
		handle.HashValue = *hashValue
		handle.HasHash = true
	}

	if r.Weight() == 0 {
		return nil, 0, "", handle, balancer.ErrUnhealthy
	}

	r.mu.Lock()
	var start int
	if handle.HasHash {
		start = int((handle.HashValue + uint32(handle.RetryCount)) % uint32(r.wheelSize))
	} else {
		start = r.pointer
		r.pointer = (r.pointer + 1) % r.wheelSize
	}
	r.mu.Unlock()

	idx := start
	updates := 0
	for {
		r.mu.Lock()
		addr := r.wheel[idx]
		r.mu.Unlock()

		if addr != nil && !addr.Disabled {
			ip, port, hostname, err := addr.GetPeer(ctx, cacheOnly)
			switch {
			case err == nil:
				handle.Address = addr
				return ip, port, hostname, handle, nil

			case errors.Is(err, balancer.ErrDNSUpdated):
				// The refresh may have drained the balancer entirely, or
				// merely reassigned this slot; re-check both before
				// consulting the same slot again.
				if r.Weight() == 0 {
					return nil, 0, "", handle, balancer.ErrUnhealthy
				}
				updates++
				if updates > r.wheelSize {
					return nil, 0, "", handle, ErrIndexReassigned
				}
				continue

			case errors.Is(err, balancer.ErrAddressUnavailable):
				// fall through to the next slot

			default:
				return nil, 0, "", handle, err
			}
		}

		idx = (idx + 1) % r.wheelSize
		if idx == start {
			return nil, 0, "", handle, ErrNoPeers
		}
	}
}

// Release returns a handle obtained from GetPeer to the pool. The handle
// must not be used afterwards.
func (r *Balancer) Release(h *balancer.Handle) {
	r.handles.Release(h)
}

// SetHandleCacheSize re-bounds the handle free list.
func (r *Balancer) SetHandleCacheSize(n int) {
	r.handles.SetCacheSize(n)
}

// WheelSize returns the number of slots in the wheel.
func (r *Balancer) WheelSize() int {
	return r.wheelSize
}

// AddressIndices returns how many slots each address currently owns,
// keyed by "ip:port". Intended for tests and diagnostics.
func (r *Balancer) AddressIndices() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]int{}
	for a, ind := range r.indices {
		out[fmt.Sprintf("%s:%d", a.IP, a.Port)] = len(ind)
	}
	return out
}

// OnAddAddress places addr at the end of the redistribution order and
// rebalances the wheel. Part of the balancer.AlgorithmHooks contract, not
// meant to be called directly.
func (r *Balancer) OnAddAddress(addr *balancer.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.order = append(r.order, addr)
	r.indices[addr] = nil
	r.redistribute()
}

// OnRemoveAddress returns addr's slots to the unassigned stack, newest
// first, and rebalances. Part of the balancer.AlgorithmHooks contract.
func (r *Balancer) OnRemoveAddress(addr *balancer.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ind := r.indices[addr]
	for i := len(ind) - 1; i >= 0; i-- {
		r.wheel[ind[i]] = nil
		r.unassigned = append(r.unassigned, ind[i])
	}
	delete(r.indices, addr)

	for i, a := range r.order {
		if a == addr {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.redistribute()
}

// AfterHostUpdate rebalances the wheel after a host's DNS refresh, which
// may have changed address weights in place. Part of the
// balancer.AlgorithmHooks contract.
func (r *Balancer) AfterHostUpdate(*balancer.Host) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redistribute()
}

// BeforeHostDelete is part of the balancer.AlgorithmHooks contract. The
// per-address removals that follow do all the work.
func (r *Balancer) BeforeHostDelete(*balancer.Host) {}

// redistribute moves slots between addresses until each owns a share of
// the wheel proportional to its weight. Callers must hold r.mu.
//
// The target for each address, walking in insertion order, is
//
//	floor(remainingSlots * weight / remainingWeight + 0.0001)
//
// with both remainders updated after every address; this guarantees the
// targets sum to exactly the wheel size. Addresses whose target did not
// change keep every slot they had: the first pass only sheds the excess
// (newest slots first) and the second pass only fills deficits from the
// unassigned stack.
func (r *Balancer) redistribute() {
	total := 0
	for _, a := range r.order {
		if a.Disabled {
			continue
		}
		total += a.Weight
	}

	targets := make([]int, len(r.order))
	remainingSlots := r.wheelSize
	remainingWeight := total
	for i, a := range r.order {
		if a.Disabled || remainingWeight == 0 {
			continue
		}
		c := int(float64(remainingSlots)*float64(a.Weight)/float64(remainingWeight) + 0.0001)
		targets[i] = c
		remainingSlots -= c
		remainingWeight -= a.Weight
	}

	for i, a := range r.order {
		ind := r.indices[a]
		for len(ind) > targets[i] {
			slot := ind[len(ind)-1]
			ind = ind[:len(ind)-1]
			r.wheel[slot] = nil
			r.unassigned = append(r.unassigned, slot)
		}
		r.indices[a] = ind
	}

	for i, a := range r.order {
		ind := r.indices[a]
		for len(ind) < targets[i] {
			slot := r.unassigned[len(r.unassigned)-1]
			r.unassigned = r.unassigned[:len(r.unassigned)-1]
			r.wheel[slot] = a
			ind = append(ind, slot)
		}
		r.indices[a] = ind
	}

	metrics.WheelRedistributions.Inc()
}
