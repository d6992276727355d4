// Package balancer implements the host/address tree shared by the load
// balancing algorithms: a Balancer owns a set of Hosts, each of which
// resolves to one or more Addresses via the resolver, with DNS
// refresh-on-access, a requery timer for hosts whose last query failed,
// and health derived from available weight.
package balancer

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kong/go-dns-balancer/cache"
	"github.com/kong/go-dns-balancer/internal/metrics"
	"github.com/kong/go-dns-balancer/internal/xlog"
	"github.com/kong/go-dns-balancer/resolver"
)

// IPType distinguishes an Address backed by a literal IP from one that is
// itself a name requiring per-request resolution (the synthetic record a
// ttl=0 host is replaced with).
type IPType int

const (
	IPTypeV4 IPType = iota
	IPTypeV6
	IPTypeName
)

// EventFunc receives balancer lifecycle events: "added"/"removed" with
// (ip, port, hostname), and "health" with a single bool argument.
type EventFunc func(event string, args ...interface{})

// AlgorithmHooks lets an embedding balancer (e.g. the ring balancer)
// observe structural changes without this package knowing about wheels.
type AlgorithmHooks interface {
	OnAddAddress(addr *Address)
	OnRemoveAddress(addr *Address)
	AfterHostUpdate(host *Host)
	BeforeHostDelete(host *Host)
}

type noopHooks struct{}

func (noopHooks) OnAddAddress(*Address)    {}
func (noopHooks) OnRemoveAddress(*Address) {}
func (noopHooks) AfterHostUpdate(*Host)    {}
func (noopHooks) BeforeHostDelete(*Host)   {}

// Address is an (ip, port) endpoint belonging to a Host.
type Address struct {
	IP       net.IP
	Port     int
	Weight   int
	IPType   IPType
	Name     string // set when IPType == IPTypeName; resolved per request
	Disabled bool

	key      string // type-specific sort key used by the DNS refresh diff
	hostname string // owning host's name, kept for events after delete

	mu        sync.Mutex
	available bool

	host *Host // cleared on delete; nil means "no longer owned"
}

// Hostname returns the name of the host this address was resolved from.
// It stays valid after the address has been deleted.
func (a *Address) Hostname() string {
	return a.hostname
}

// Available reports whether this address currently accepts traffic.
func (a *Address) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available && !a.Disabled
}

func (a *Address) setAvailable(v bool) {
	a.mu.Lock()
	a.available = v
	a.mu.Unlock()
}

// Host is a logical upstream identified by (hostname, port); it resolves to
// one or more Addresses.
type Host struct {
	Hostname   string
	Port       int
	NodeWeight int

	balancer *Balancer

	mu         sync.Mutex
	weight     int
	addresses  []*Address
	lastQuery  *cache.AnswerSet
	lastRRType string // "A", "AAAA", "SRV" or "NAME" (synthetic ttl0 record)
	errorQuery bool

	ttl0Strikes int // consecutive ttl=0 responses; promotion needs 2
}

// Weight returns the sum of this host's address weights.
func (h *Host) Weight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.weight
}

// Options configures a Balancer.
type Options struct {
	// DNS is the resolver used to look up hosts. Required.
	DNS *resolver.Resolver

	// Requery is the interval between requery-timer ticks for hosts whose
	// last DNS query failed. Defaults to 30s.
	Requery time.Duration

	// TTL0 is the pseudo-TTL applied to the synthetic SRV record used for
	// ttl=0 hosts. Defaults to 60s.
	TTL0 time.Duration

	// HealthThreshold is the minimum available/total weight ratio (0-100)
	// for IsHealthy to report true. 0 disables the check.
	HealthThreshold float64

	// Hosts is an initial set to add during New, as if by AddHost.
	Hosts []HostSpec

	Callback  EventFunc
	LogPrefix string
}

// HostSpec names one initial upstream for Options.Hosts. Zero Port and
// NodeWeight take the AddHost defaults (80 and 10).
type HostSpec struct {
	Hostname   string
	Port       int
	NodeWeight int
}

func (o *Options) setDefaults() {
	if o.Requery == 0 {
		o.Requery = 30 * time.Second
	}
	if o.TTL0 == 0 {
		o.TTL0 = 60 * time.Second
	}
}

// Balancer is the tree of hosts and their resolved addresses. Algorithm
// hooks let an embedding balancer (the ring balancer) react to
// structural changes.
type Balancer struct {
	opts  Options
	hooks AlgorithmHooks
	log   zerolog.Logger

	mu      sync.Mutex
	hosts   []*Host
	weight  int
	healthy bool

	requeryTimer *time.Timer
	requeryDone  chan struct{}
}

// New constructs a Balancer. hooks may be nil, in which case structural
// events are simply not observed by any algorithm (plain base balancer
// usage, as opposed to the ring balancer which passes itself).
func New(opts Options, hooks AlgorithmHooks) (*Balancer, error) {
	if opts.DNS == nil {
		return nil, fmt.Errorf("balancer: Options.DNS is required")
	}
	opts.setDefaults()

	if hooks == nil {
		hooks = noopHooks{}
	}

	logger := xlog.WithPrefix(xlog.Base, opts.LogPrefix)

	b := &Balancer{
		opts:  opts,
		hooks: hooks,
		log:   logger,
	}

	for _, h := range opts.Hosts {
		b.AddHost(h.Hostname, h.Port, h.NodeWeight)
	}

	return b, nil
}

// Weight returns the sum of all host weights.
func (b *Balancer) Weight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.weight
}

// Close cancels the requery timer, if one is running. The balancer itself
// remains usable; a later DNS failure will start a fresh timer.
func (b *Balancer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.requeryTimer != nil {
		b.requeryTimer.Stop()
		close(b.requeryDone)
		b.requeryTimer = nil
	}
}

// AddHost adds hostname:port to the balancer, or updates its node weight
// if the pair is already present. An empty hostname or a negative weight
// is a programmer error and panics.
func (b *Balancer) AddHost(hostname string, port, nodeWeight int) *Balancer {
	if hostname == "" {
		panic("go-dns-balancer: hostname must not be empty")
	}
	if nodeWeight < 0 {
		panic("go-dns-balancer: node weight must be >= 0")
	}
	if port == 0 {
		port = 80
	}
	if nodeWeight == 0 {
		nodeWeight = 10
	}

	b.mu.Lock()
	for _, h := range b.hosts {
		if h.Hostname == hostname && h.Port == port {
			h.mu.Lock()
			h.NodeWeight = nodeWeight
			h.mu.Unlock()
			b.mu.Unlock()
			b.queryHost(h)
			return b
		}
	}

	h := &Host{Hostname: hostname, Port: port, NodeWeight: nodeWeight, balancer: b}
	b.hosts = append(b.hosts, h)
	b.mu.Unlock()

	b.queryHost(h)
	return b
}

// RemoveHost disables and deletes all of hostname:port's addresses,
// notifying the algorithm hooks first.
func (b *Balancer) RemoveHost(hostname string, port int) {
	if port == 0 {
		port = 80
	}

	b.mu.Lock()
	var target *Host
	idx := -1
	for i, h := range b.hosts {
		if h.Hostname == hostname && h.Port == port {
			target = h
			idx = i
			break
		}
	}
	if target == nil {
		b.mu.Unlock()
		return
	}
	b.hosts = append(b.hosts[:idx], b.hosts[idx+1:]...)
	b.mu.Unlock()

	b.hooks.BeforeHostDelete(target)

	target.mu.Lock()
	addrs := target.addresses
	target.addresses = nil
	target.mu.Unlock()

	for _, a := range addrs {
		b.disableAndRemove(a)
	}

	b.recomputeWeight()
}

// SetCallback installs (or replaces) the balancer's event callback.
func (b *Balancer) SetCallback(fn EventFunc) {
	b.mu.Lock()
	b.opts.Callback = fn
	b.mu.Unlock()
}

func (b *Balancer) fire(event string, args ...interface{}) {
	b.mu.Lock()
	cb := b.opts.Callback
	b.mu.Unlock()
	if cb != nil {
		cb(event, args...)
	}
}

// SetPeerStatus toggles an address's availability, found by
// (ip, port, hostname). Addresses backed by nested DNS names cannot be
// matched by IP; if those were the only candidates the returned error
// lists them.
func (b *Balancer) SetPeerStatus(available bool, ip net.IP, port int, hostname string) error {
	if ip == nil {
		panic("go-dns-balancer: ip must not be nil")
	}

	b.mu.Lock()
	hosts := append([]*Host(nil), b.hosts...)
	b.mu.Unlock()

	var nested []string
	for _, h := range hosts {
		if hostname != "" && h.Hostname != hostname {
			continue
		}
		h.mu.Lock()
		addrs := append([]*Address(nil), h.addresses...)
		h.mu.Unlock()

		for _, a := range addrs {
			if a.IPType == IPTypeName {
				nested = append(nested, a.Name)
				continue
			}
			if a.IP.Equal(ip) && (port == 0 || a.Port == port) {
				a.setAvailable(available)
				b.recomputeWeight()
				return nil
			}
		}
	}

	return &ErrNoPeerByName{Host: hostname, IP: ip.String(), Port: port, NestedNames: nested}
}

// SetPeerStatusByHandle toggles the availability of the address a GetPeer
// handle points at, without searching the tree.
func (b *Balancer) SetPeerStatusByHandle(available bool, h *Handle) error {
	if h == nil || h.Address == nil {
		return fmt.Errorf("handle does not reference an address")
	}
	h.Address.setAvailable(available)
	b.recomputeWeight()
	return nil
}

// IsHealthy reports whether the balancer has positive total weight and,
// if HealthThreshold is set, whether available weight meets it.
func (b *Balancer) IsHealthy() bool {
	total, available := b.weights()
	if total == 0 {
		return false
	}
	if b.opts.HealthThreshold == 0 {
		return true
	}
	return (float64(available) / float64(total) * 100) >= b.opts.HealthThreshold
}

// Status is a point-in-time diagnostic dump: weight totals and a
// per-host breakdown.
type Status struct {
	Healthy bool
	Weight  struct {
		Total, Available, Unavailable int
	}
	Hosts []HostStatus
}

// HostStatus is one Host's entry in Status.Hosts.
type HostStatus struct {
	Hostname  string
	Port      int
	Weight    int
	Addresses []AddressStatus
}

// AddressStatus is one Address's entry in HostStatus.Addresses.
type AddressStatus struct {
	IP        string
	Port      int
	Weight    int
	Available bool
}

// Status returns a full diagnostic dump of the balancer tree.
func (b *Balancer) Status() Status {
	b.mu.Lock()
	hosts := append([]*Host(nil), b.hosts...)
	b.mu.Unlock()

	var s Status
	total, available := b.weights()
	s.Healthy = b.IsHealthy()
	s.Weight.Total = total
	s.Weight.Available = available
	s.Weight.Unavailable = total - available

	for _, h := range hosts {
		h.mu.Lock()
		hs := HostStatus{Hostname: h.Hostname, Port: h.Port, Weight: h.weight}
		for _, a := range h.addresses {
			hs.Addresses = append(hs.Addresses, AddressStatus{
				IP:        a.IP.String(),
				Port:      a.Port,
				Weight:    a.Weight,
				Available: a.Available(),
			})
		}
		h.mu.Unlock()
		s.Hosts = append(s.Hosts, hs)
	}

	return s
}

func (b *Balancer) weights() (total, available int) {
	b.mu.Lock()
	hosts := append([]*Host(nil), b.hosts...)
	b.mu.Unlock()

	for _, h := range hosts {
		h.mu.Lock()
		for _, a := range h.addresses {
			if a.Disabled {
				continue
			}
			total += a.Weight
			if a.Available() {
				available += a.Weight
			}
		}
		h.mu.Unlock()
	}
	return total, available
}

func (b *Balancer) recomputeWeight() {
	total, available := b.weights()

	b.mu.Lock()
	b.weight = total
	wasHealthy := b.healthy
	b.mu.Unlock()

	metrics.BalancerWeightTotal.Set(float64(total))
	metrics.BalancerWeightAvailable.Set(float64(available))

	isHealthy := b.IsHealthy()
	if isHealthy != wasHealthy {
		b.mu.Lock()
		b.healthy = isHealthy
		b.mu.Unlock()
		metrics.BalancerHealth.Set(boolToFloat(isHealthy))
		b.fire("health", isHealthy)
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func (b *Balancer) disableAndRemove(a *Address) {
	a.mu.Lock()
	a.Disabled = true
	a.host = nil
	a.mu.Unlock()

	b.hooks.OnRemoveAddress(a)
	b.fire("removed", a.IP, a.Port, addrHostname(a))
}

func addrHostname(a *Address) string {
	return a.hostname
}
