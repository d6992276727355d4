package balancer

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/kong/go-dns-balancer/cache"
	"github.com/kong/go-dns-balancer/internal/metrics"
)

// addrEntry is one row of a freshly queried answer after type-specific
// key computation, before it has been reconciled against a Host's
// existing addresses.
type addrEntry struct {
	key    string
	ip     net.IP
	name   string
	port   int
	weight int
	ipType IPType
}

// queryHost is the only place in this package where a host's record set is
// re-queried (name-typed addresses additionally resolve their target in
// Address.GetPeer). After it returns, callers must not assume an address they held a
// reference to still belongs to host: the refresh may have removed it.
func (b *Balancer) queryHost(h *Host) {
	set, _, err := b.opts.DNS.Resolve(context.Background(), h.Hostname, false)

	h.mu.Lock()
	if err != nil || set == nil || len(set.Records) == 0 {
		h.errorQuery = true
		h.lastQuery = set
		h.mu.Unlock()

		b.log.Warn().Str("host", h.Hostname).Int("port", h.Port).Err(err).
			Msg("dns resolution failed, host carries no weight until requeried")
		b.startRequeryTimer()
		return
	}
	h.lastQuery = set
	h.errorQuery = false
	h.mu.Unlock()

	entries, rrType := classifyAnswer(set, h)

	h.mu.Lock()
	if set.TTL0 {
		// A single ttl=0 response may be a transient; only the second in a
		// row switches the host to per-request resolution.
		h.ttl0Strikes++
		if h.ttl0Strikes >= 2 {
			entries = []addrEntry{{
				key:    fmt.Sprintf("ttl0:%s:%d", h.Hostname, h.Port),
				name:   h.Hostname,
				port:   h.Port,
				weight: h.NodeWeight,
				ipType: IPTypeName,
			}}
			rrType = "NAME"
			// The real record is re-checked only after the pseudo-TTL;
			// in between, each request resolves the name itself.
			h.lastQuery.Expire = time.Now().Add(b.opts.TTL0)
		}
	} else {
		h.ttl0Strikes = 0
	}
	h.mu.Unlock()

	b.reconcile(h, entries, rrType)
}

// classifyAnswer builds the sorted addrEntry list for set, restricted to
// the lowest-priority band for SRV answers.
func classifyAnswer(set *cache.AnswerSet, h *Host) ([]addrEntry, string) {
	if len(set.Records) == 0 {
		return nil, ""
	}

	switch set.Records[0].(type) {
	case *dns.A, *dns.AAAA:
		var out []addrEntry
		for _, rr := range set.Records {
			ip := recordIP(rr)
			if ip == nil {
				continue
			}
			ipType := IPTypeV4
			if ip.To4() == nil {
				ipType = IPTypeV6
			}
			out = append(out, addrEntry{
				key:    ip.String(),
				ip:     ip,
				port:   h.Port,
				weight: h.NodeWeight,
				ipType: ipType,
			})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
		tag := "A"
		if out != nil && out[0].ipType == IPTypeV6 {
			tag = "AAAA"
		}
		return out, tag

	case *dns.SRV:
		lowest := uint16(0xFFFF)
		for _, rr := range set.Records {
			if srv, ok := rr.(*dns.SRV); ok && srv.Priority < lowest {
				lowest = srv.Priority
			}
		}

		var out []addrEntry
		for _, rr := range set.Records {
			srv, ok := rr.(*dns.SRV)
			if !ok || srv.Priority != lowest {
				continue
			}
			weight := int(srv.Weight)
			if weight == 0 {
				weight = 1
			}
			port := int(srv.Port)
			if port == 0 {
				port = h.Port
			}

			e := addrEntry{
				key:    fmt.Sprintf("%06d:%s:%d", srv.Priority, dns.CanonicalName(srv.Target), port),
				port:   port,
				weight: weight,
			}
			// SRV targets that are IP literals arrive in name form, with a
			// trailing dot.
			if ip := net.ParseIP(strings.TrimSuffix(srv.Target, ".")); ip != nil {
				e.ip = ip
				e.ipType = IPTypeV4
				if ip.To4() == nil {
					e.ipType = IPTypeV6
				}
			} else {
				e.ipType = IPTypeName
				e.name = srv.Target
			}
			out = append(out, e)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
		return out, "SRV"
	}

	return nil, ""
}

func recordIP(rr dns.RR) net.IP {
	switch rr := rr.(type) {
	case *dns.A:
		return rr.A
	case *dns.AAAA:
		return rr.AAAA
	}
	return nil
}

// reconcile diffs entries (the freshly queried, possibly-synthetic answer)
// against host's current addresses, adding/removing/reweighting as needed.
func (b *Balancer) reconcile(h *Host, entries []addrEntry, rrType string) {
	h.mu.Lock()
	typeChanged := h.lastRRType != "" && h.lastRRType != rrType
	existing := append([]*Address(nil), h.addresses...)
	h.lastRRType = rrType
	h.mu.Unlock()

	var toRemove []*Address

	if typeChanged {
		toRemove = existing
		existing = nil
	}

	byKey := map[string]*Address{}
	for _, a := range existing {
		byKey[a.key] = a
	}

	seen := map[string]bool{}
	var toAdd []addrEntry

	for _, e := range entries {
		seen[e.key] = true
		if a, ok := byKey[e.key]; ok {
			if a.Weight != e.weight {
				a.mu.Lock()
				a.Weight = e.weight
				a.mu.Unlock()
			}
			continue
		}
		toAdd = append(toAdd, e)
	}

	for _, a := range existing {
		if !seen[a.key] {
			toRemove = append(toRemove, a)
		}
	}

	var added []*Address
	for _, e := range toAdd {
		a := &Address{
			IP: e.ip, Port: e.port, Weight: e.weight, IPType: e.ipType,
			Name: e.name, key: e.key, hostname: h.Hostname, host: h,
		}
		a.setAvailable(true)
		added = append(added, a)
	}

	h.mu.Lock()
	h.addresses = append(existing, added...)
	for _, a := range toRemove {
		a.Disabled = true
	}
	h.mu.Unlock()

	for _, a := range added {
		b.hooks.OnAddAddress(a)
		b.fire("added", a.IP, a.Port, addrHostname(a))
	}

	b.hooks.AfterHostUpdate(h)

	for _, a := range toRemove {
		b.disableAndRemove(a)
	}

	h.mu.Lock()
	live := h.addresses[:0]
	for _, a := range h.addresses {
		if !a.Disabled {
			live = append(live, a)
		}
	}
	h.addresses = live

	total := 0
	for _, a := range h.addresses {
		total += a.Weight
	}
	h.weight = total
	h.mu.Unlock()

	b.recomputeWeight()
}

// startRequeryTimer starts the requery timer if it is not already running.
func (b *Balancer) startRequeryTimer() {
	b.mu.Lock()
	if b.requeryTimer != nil {
		b.mu.Unlock()
		return
	}
	b.requeryDone = make(chan struct{})
	done := b.requeryDone
	b.requeryTimer = time.AfterFunc(b.opts.Requery, func() { b.requeryTick(done) })
	b.mu.Unlock()
}

// requeryTick re-queries every host whose last query failed. If none need
// it, the timer is cancelled for good.
func (b *Balancer) requeryTick(done chan struct{}) {
	select {
	case <-done:
		return
	default:
	}

	b.mu.Lock()
	hosts := append([]*Host(nil), b.hosts...)
	b.mu.Unlock()

	issued := 0
	for _, h := range hosts {
		h.mu.Lock()
		needsRequery := h.errorQuery
		h.mu.Unlock()

		if !needsRequery {
			continue
		}
		issued++
		b.queryHost(h)
	}

	if issued == 0 {
		b.mu.Lock()
		close(b.requeryDone)
		b.requeryTimer = nil
		b.mu.Unlock()
		return
	}
	metrics.RequeryTicks.Inc()

	b.mu.Lock()
	b.requeryTimer = time.AfterFunc(b.opts.Requery, func() { b.requeryTick(done) })
	b.mu.Unlock()
}
