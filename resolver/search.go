package resolver

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// buildOrder substitutes TypeLAST with qname's last-successful record
// type (if any), skips it if that type is tried explicitly later in the
// list, and drops it entirely when no success is on record.
func (r *Resolver) buildOrder(qname string) []uint16 {
	explicit := map[int]bool{}
	for _, t := range r.opts.Order {
		if t != TypeLAST {
			explicit[t] = true
		}
	}

	var out []uint16
	seen := map[uint16]bool{}
	for _, t := range r.opts.Order {
		var qtype uint16
		if t == TypeLAST {
			last, ok := r.Cache.GetSuccess(qname)
			if !ok {
				continue
			}
			if explicit[int(last)] {
				continue
			}
			qtype = last
		} else {
			qtype = uint16(t)
		}

		if seen[qtype] {
			continue
		}
		seen[qtype] = true
		out = append(out, qtype)
	}

	return out
}

func dotCount(name string) int {
	name = strings.TrimSuffix(name, ".")
	if name == "" {
		return 0
	}
	return strings.Count(name, ".")
}

// candidateNames builds the list of fully qualified names to try for
// (qname, qtype): short names (fewer dots than ndots, and not defined in
// the hosts file) try the search-list expansions before the bare name,
// everything else the other way around.
func (r *Resolver) candidateNames(qname string, qtype uint16) []string {
	if dotCount(qname) < r.opts.Ndots && !r.hostsHasName(qname) {
		var out []string
		for _, domain := range r.opts.Search {
			out = append(out, joinDomain(qname, domain))
		}
		out = append(out, dns.Fqdn(qname))
		return out
	}

	out := []string{dns.Fqdn(qname)}
	for _, domain := range r.opts.Search {
		out = append(out, joinDomain(qname, domain))
	}
	return out
}

func joinDomain(qname, domain string) string {
	domain = strings.TrimSuffix(domain, ".")
	return dns.Fqdn(strings.TrimSuffix(qname, ".") + "." + domain)
}

// literalAnswer reports whether qname is itself an IP literal and, if so,
// returns the record type (A or AAAA) and the parsed IP for the caller to
// synthesize a record from.
func literalAnswer(qname string, qtype uint16) (uint16, net.IP, bool) {
	ip := net.ParseIP(strings.TrimSuffix(qname, "."))
	if ip == nil {
		return 0, nil, false
	}

	literalType := uint16(dns.TypeA)
	if ip.To4() == nil {
		literalType = dns.TypeAAAA
	}

	return literalType, ip, true
}
