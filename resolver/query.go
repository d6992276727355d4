package resolver

import (
	"context"

	"github.com/miekg/dns"

	"github.com/kong/go-dns-balancer/cache"
)

// queryOne performs one uncoalesced DNS round trip for (name, qtype) and
// classifies the response into an AnswerSet. Transport failures become
// SERVFAIL-coded error sets rather than Go errors so the cache can hold
// them for BadTTL.
func (r *Resolver) queryOne(ctx context.Context, name string, qtype uint16) (*cache.AnswerSet, error) {
	resp, err := r.exchange(ctx, name, qtype)
	if err != nil {
		return &cache.AnswerSet{ErrCode: dns.RcodeServerFailure, ErrStr: err.Error()}, nil
	}

	set := &cache.AnswerSet{ErrCode: resp.Rcode}

	if resp.Rcode != dns.RcodeSuccess {
		set.ErrStr = dns.RcodeToString[resp.Rcode]
		return set, nil
	}

	for _, rr := range resp.Answer {
		if rr.Header().Rrtype != qtype {
			continue
		}
		set.Records = append(set.Records, rr)
	}

	if len(set.Records) == 0 && qtype != dns.TypeCNAME {
		// Some servers return a CNAME chain even when a different qtype was
		// requested without re-querying; surface the CNAME if that's all we
		// got so the caller can chase it.
		for _, rr := range resp.Answer {
			if rr.Header().Rrtype == dns.TypeCNAME {
				set.Records = append(set.Records, rr)
			}
		}
	}

	cacheAdditional(r, resp)

	return set, nil
}

// cacheAdditional opportunistically caches additional-section records as
// a byproduct, without ever overwriting an existing last-successful type
// for that name. Only record types the resolver is configured to look up
// (Options.Order) are kept.
func cacheAdditional(r *Resolver, resp *dns.Msg) {
	inOrder := map[uint16]bool{}
	for _, t := range r.opts.Order {
		if t != TypeLAST {
			inOrder[uint16(t)] = true
		}
	}

	byName := map[string][]dns.RR{}
	for _, rr := range resp.Extra {
		h := rr.Header()
		switch h.Rrtype {
		case dns.TypeA, dns.TypeAAAA:
			if !inOrder[h.Rrtype] {
				continue
			}
			byName[h.Name] = append(byName[h.Name], rr)
		}
	}

	for name, rrs := range byName {
		set := &cache.AnswerSet{Records: rrs}
		r.Cache.Insert(set, name, rrs[0].Header().Rrtype, false, false)
	}
}
