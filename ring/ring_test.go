package ring

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kong/go-dns-balancer/balancer"
	"github.com/kong/go-dns-balancer/internal/dnstest"
	"github.com/kong/go-dns-balancer/resolver"
)

func newTestRing(t *testing.T, addr, zone string, opts Options) (*Balancer, *dnstest.Server) {
	t.Helper()

	srv := dnstest.New(t, addr, zone)
	return newTestRingOn(t, addr, opts), srv
}

// newTestRingOn builds a ring against an already-running server, for
// determinism tests that need two instances sharing one zone.
func newTestRingOn(t *testing.T, addr string, opts Options) *Balancer {
	t.Helper()

	r, err := resolver.New(resolver.Options{
		Nameservers: []string{addr + ":" + dnstest.Port},
		HostsLines:  []string{},
		Search:      []string{},
		Timeout:     500 * time.Millisecond,
		Retrans:     2,
	})
	require.NoError(t, err)

	opts.DNS = r
	rb, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(rb.Close)

	return rb
}

// checkWheel asserts the structural invariants: every slot is either on
// the unassigned stack or owned by exactly one address, and the per
// address index lists agree with the wheel.
func checkWheel(t *testing.T, r *Balancer) {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	require.Len(t, r.wheel, r.wheelSize)

	owned := map[int]*balancer.Address{}
	for a, ind := range r.indices {
		for _, slot := range ind {
			_, dup := owned[slot]
			require.False(t, dup, "slot %d owned twice", slot)
			owned[slot] = a
			require.Same(t, a, r.wheel[slot], "slot %d wheel/index mismatch", slot)
		}
	}

	seen := map[int]bool{}
	for _, slot := range r.unassigned {
		require.False(t, seen[slot], "slot %d unassigned twice", slot)
		seen[slot] = true
		require.Nil(t, r.wheel[slot], "unassigned slot %d still owned", slot)
	}

	assert.Equal(t, r.wheelSize, len(owned)+len(r.unassigned))
}

// slotsByEndpoint maps "ip:port" to the set of slots that endpoint owns.
func slotsByEndpoint(r *Balancer) map[string]map[int]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := map[string]map[int]bool{}
	for a, ind := range r.indices {
		key := a.IP.String() + ":" + itoa(a.Port)
		out[key] = map[int]bool{}
		for _, slot := range ind {
			out[key][slot] = true
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	s := ""
	for n > 0 {
		s = string(rune('0'+n%10)) + s
		n /= 10
	}
	return s
}

func TestWeightedDistributionOverWheel(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.231", `
mashape.test.  60  IN  A     1.2.3.4
mashape.test.  60  IN  A     1.2.3.5
getkong.test.  60  IN  AAAA  ::1
	`, Options{WheelSize: 60})

	r.AddHost("mashape.test.", 80, 10)
	r.AddHost("getkong.test.", 80, 10)

	checkWheel(t, r)

	ind := r.AddressIndices()
	assert.Equal(t, 20, ind["1.2.3.4:80"])
	assert.Equal(t, 20, ind["1.2.3.5:80"])
	assert.Equal(t, 20, ind["::1:80"])
}

func TestProportionalityUnderUnevenWeights(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.232", `
heavy.test.  60  IN  A  10.1.0.1
light.test.  60  IN  A  10.1.0.2
	`, Options{WheelSize: 1000})

	r.AddHost("heavy.test.", 80, 75)
	r.AddHost("light.test.", 80, 25)

	checkWheel(t, r)

	ind := r.AddressIndices()
	assert.Equal(t, 750, ind["10.1.0.1:80"])
	assert.Equal(t, 250, ind["10.1.0.2:80"])
}

func TestDeterministicConstruction(t *testing.T) {
	_ = dnstest.New(t, "127.0.0.233", `
det1.test.  60  IN  A  10.2.0.1
det1.test.  60  IN  A  10.2.0.2
det2.test.  60  IN  A  10.2.0.3
	`)

	build := func() []string {
		r := newTestRingOn(t, "127.0.0.233", Options{WheelSize: 100})
		r.AddHost("det1.test.", 80, 10)
		r.AddHost("det2.test.", 80, 10)

		r.mu.Lock()
		defer r.mu.Unlock()
		out := make([]string, r.wheelSize)
		for i, a := range r.wheel {
			if a != nil {
				out[i] = a.IP.String() + ":" + itoa(a.Port)
			}
		}
		return out
	}

	assert.Equal(t, build(), build(), "identical inputs must build identical wheels")
}

func TestMembershipChangeMovesOnlyRequiredSlots(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.234", `
stay.test.   60  IN  A  10.3.0.1
later.test.  60  IN  A  10.3.0.2
	`, Options{WheelSize: 100})

	r.AddHost("stay.test.", 80, 10)
	before := slotsByEndpoint(r)["10.3.0.1:80"]
	require.Len(t, before, 100)

	r.AddHost("later.test.", 80, 10)
	checkWheel(t, r)

	after := slotsByEndpoint(r)["10.3.0.1:80"]
	require.Len(t, after, 50)
	for slot := range after {
		assert.True(t, before[slot], "retained endpoint must only shed slots, never move them")
	}
}

func TestReplacePreservesPositions(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.235", `
keep.test.  60  IN  A  10.4.0.1
old.test.   60  IN  A  10.4.0.2
new.test.   60  IN  A  10.4.0.3
	`, Options{WheelSize: 100})

	r.AddHost("keep.test.", 80, 10)
	r.AddHost("old.test.", 80, 10)

	oldSlots := slotsByEndpoint(r)["10.4.0.2:80"]
	require.Len(t, oldSlots, 50)

	r.RemoveHost("old.test.", 80)
	r.AddHost("new.test.", 80, 10)
	checkWheel(t, r)

	newSlots := slotsByEndpoint(r)["10.4.0.3:80"]
	assert.Equal(t, oldSlots, newSlots, "an equal-weight replacement occupies the same slots")
}

func TestRoundRobinIsProportional(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.236", `
rr1.test.  60  IN  A  10.5.0.1
rr2.test.  60  IN  A  10.5.0.2
	`, Options{WheelSize: 60})

	r.AddHost("rr1.test.", 80, 10)
	r.AddHost("rr2.test.", 80, 10)

	counts := map[string]int{}
	for i := 0; i < 60; i++ {
		ip, port, _, h, err := r.GetPeer(context.Background(), false, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 80, port)
		counts[ip.String()]++
		r.Release(h)
	}

	assert.Equal(t, 30, counts["10.5.0.1"], "one full wheel revolution is exactly proportional")
	assert.Equal(t, 30, counts["10.5.0.2"])
}

func TestConsistentHashingIsStable(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.237", `
ch1.test.  60  IN  A  10.6.0.1
ch2.test.  60  IN  A  10.6.0.2
ch3.test.  60  IN  A  10.6.0.3
	`, Options{WheelSize: 99})

	r.AddHost("ch1.test.", 80, 10)
	r.AddHost("ch2.test.", 80, 10)
	r.AddHost("ch3.test.", 80, 10)

	hash := HashCRC32("some-consumer-id")

	pick := func(h uint32) string {
		ip, _, _, handle, err := r.GetPeer(context.Background(), false, nil, &h)
		require.NoError(t, err)
		r.Release(handle)
		return ip.String()
	}

	first := pick(hash)
	assert.Equal(t, first, pick(hash), "same hash, same peer")
	assert.Equal(t, first, pick(hash+uint32(r.WheelSize())), "hash wraps modulo the wheel size")
}

func TestHashedRetryAdvances(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.238", `
ra.test.  60  IN  A  10.7.0.1
rb.test.  60  IN  A  10.7.0.2
	`, Options{WheelSize: 10})

	r.AddHost("ra.test.", 80, 10)
	r.AddHost("rb.test.", 80, 10)

	hash := uint32(3)
	ip1, _, _, h, err := r.GetPeer(context.Background(), false, nil, &hash)
	require.NoError(t, err)

	// Take the first pick out of rotation; the retry must land elsewhere.
	require.NoError(t, r.SetPeerStatus(false, ip1, 80, ""))

	ip2, _, _, h, err := r.GetPeer(context.Background(), false, h, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, h.RetryCount)
	assert.NotEqual(t, ip1.String(), ip2.String())

	r.Release(h)
}

func TestGetPeerOnEmptyBalancer(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.239", ``, Options{WheelSize: 10})

	_, _, _, h, err := r.GetPeer(context.Background(), false, nil, nil)
	assert.ErrorIs(t, err, balancer.ErrUnhealthy)
	r.Release(h)
}

func TestGetPeerAllUnavailable(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.240", `
down.test.  60  IN  A  10.8.0.1
	`, Options{WheelSize: 10})

	r.AddHost("down.test.", 80, 10)
	require.NoError(t, r.SetPeerStatus(false, net.ParseIP("10.8.0.1"), 80, ""))

	_, _, _, h, err := r.GetPeer(context.Background(), false, nil, nil)
	assert.ErrorIs(t, err, ErrNoPeers)
	r.Release(h)
}

func TestHealthThresholdFlips(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.241", `
h1.test.  60  IN  A  10.9.0.1
h2.test.  60  IN  A  10.9.0.2
h3.test.  60  IN  A  10.9.0.3
	`, Options{Options: balancer.Options{HealthThreshold: 50}, WheelSize: 30})

	r.AddHost("h1.test.", 80, 100)
	r.AddHost("h2.test.", 80, 100)
	r.AddHost("h3.test.", 80, 100)
	require.True(t, r.IsHealthy())

	require.NoError(t, r.SetPeerStatus(false, net.ParseIP("10.9.0.1"), 80, ""))
	require.NoError(t, r.SetPeerStatus(false, net.ParseIP("10.9.0.2"), 80, ""))
	assert.False(t, r.IsHealthy(), "100/300 available is below the 50% threshold")

	require.NoError(t, r.SetPeerStatus(true, net.ParseIP("10.9.0.1"), 80, ""))
	assert.True(t, r.IsHealthy())
}

func TestRemoveHostReturnsSlotsToStack(t *testing.T) {
	r, _ := newTestRing(t, "127.0.0.242", `
solo.test.  60  IN  A  10.10.0.1
	`, Options{WheelSize: 40})

	r.AddHost("solo.test.", 80, 10)
	require.Len(t, slotsByEndpoint(r)["10.10.0.1:80"], 40)

	r.RemoveHost("solo.test.", 80)
	checkWheel(t, r)

	r.mu.Lock()
	unassigned := len(r.unassigned)
	r.mu.Unlock()
	assert.Equal(t, 40, unassigned)
	assert.Equal(t, 0, r.Weight())
}

func TestOrderOptionIsValidated(t *testing.T) {
	res, err := resolver.New(resolver.Options{
		Nameservers: []string{"127.0.0.1:" + dnstest.Port},
		HostsLines:  []string{},
	})
	require.NoError(t, err)

	_, err = New(Options{
		Options:   balancer.Options{DNS: res},
		WheelSize: 4,
		Order:     []int{0, 1, 2},
	})
	assert.Error(t, err, "length mismatch")

	_, err = New(Options{
		Options:   balancer.Options{DNS: res},
		WheelSize: 4,
		Order:     []int{0, 1, 2, 2},
	})
	assert.Error(t, err, "duplicate slot")

	rb, err := New(Options{
		Options:   balancer.Options{DNS: res},
		WheelSize: 4,
		Order:     []int{3, 1, 0, 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, rb.WheelSize())
}
