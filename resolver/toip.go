package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
)

// ToIP resolves qname to a single (ip, port) pair, load balancing across
// the answer set: round robin for A/AAAA, weighted round robin over the
// lowest-priority band for SRV, recursing through SRV targets that are
// themselves names.
func (r *Resolver) ToIP(ctx context.Context, qname string, portHint int, cacheOnly bool) (net.IP, int, TryList, error) {
	set, tryList, err := r.Resolve(ctx, qname, cacheOnly)
	if err != nil {
		return nil, 0, tryList, err
	}
	if len(set.Records) == 0 {
		return nil, 0, tryList, fmt.Errorf("dns server error: 3 name error: empty answer for %s", qname)
	}

	switch rr := set.Records[0].(type) {
	case *dns.A:
		ip := r.roundRobinPick(rrCursorKey(dns.TypeA, qname), set.Records)
		return ip, portHint, tryList, nil
	case *dns.AAAA:
		ip := r.roundRobinPick(rrCursorKey(dns.TypeAAAA, qname), set.Records)
		return ip, portHint, tryList, nil
	case *dns.SRV:
		_ = rr
		ip, port, srvTryList, err := r.srvToIP(ctx, qname, set.Records, portHint, cacheOnly)
		tryList = append(tryList, srvTryList...)
		return ip, port, tryList, err
	default:
		return nil, 0, tryList, fmt.Errorf("ToIP: unsupported record type %T for %s", rr, qname)
	}
}

func rrCursorKey(qtype uint16, qname string) string {
	return dns.TypeToString[qtype] + ":" + dns.CanonicalName(qname)
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

// roundRobinPick implements a deterministic per-answer-set cursor: the
// first call serves index 0 (trusting DNS's own ordering),
// and the cursor advances (wrapping) on every subsequent call.
func (r *Resolver) roundRobinPick(key string, rrs []dns.RR) net.IP {
	r.rrMu.Lock()
	idx := r.rrPointer[key]
	r.rrPointer[key] = idx + 1
	r.rrMu.Unlock()

	return recordIP(rrs[int(idx)%len(rrs)])
}

// srvToIP applies the weighted rotation to the lowest priority band of
// rrs, then follows the winning target: if it is itself
// a name, ToIP recurses on it carrying the SRV-provided port (SRV port 0
// means "use the caller's port hint").
func (r *Resolver) srvToIP(ctx context.Context, qname string, rrs []dns.RR, portHint int, cacheOnly bool) (net.IP, int, TryList, error) {
	var tryList TryList

	lowest := uint16(0xFFFF)
	for _, rr := range rrs {
		if srv, ok := rr.(*dns.SRV); ok && srv.Priority < lowest {
			lowest = srv.Priority
		}
	}

	var band []*dns.SRV
	for _, rr := range rrs {
		if srv, ok := rr.(*dns.SRV); ok && srv.Priority == lowest {
			band = append(band, srv)
		}
	}
	if len(band) == 0 {
		return nil, 0, tryList, fmt.Errorf("dns server error: 3 name error: no SRV records for %s", qname)
	}

	weights := make([]int, len(band))
	for i, srv := range band {
		w := int(srv.Weight)
		if w == 0 {
			w = 1
		}
		weights[i] = w
	}

	rot := r.srvRotationFor("srv:" + dns.CanonicalName(qname))
	idx := rot.next(weights)
	chosen := band[idx]

	target := chosen.Target
	port := int(chosen.Port)
	if port == 0 {
		port = portHint
	}

	// An SRV target that is an IP literal arrives in name form, with a
	// trailing dot.
	if ip := net.ParseIP(strings.TrimSuffix(target, ".")); ip != nil {
		return ip, port, tryList, nil
	}

	ip, resolvedPort, nested, err := r.ToIP(ctx, target, port, cacheOnly)
	tryList = append(tryList, nested...)
	return ip, resolvedPort, tryList, err
}
