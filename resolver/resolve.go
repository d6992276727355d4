package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"

	"github.com/kong/go-dns-balancer/cache"
)

// Resolve looks up qname, trying record types in Options.Order (with the
// LAST sentinel resolved) until one succeeds.
func (r *Resolver) Resolve(ctx context.Context, qname string, cacheOnly bool) (*cache.AnswerSet, TryList, error) {
	return r.resolve(ctx, qname, r.buildOrder(qname), cacheOnly)
}

// ResolveType is Resolve restricted to a single record type.
func (r *Resolver) ResolveType(ctx context.Context, qname string, qtype uint16, cacheOnly bool) (*cache.AnswerSet, TryList, error) {
	return r.resolve(ctx, qname, []uint16{qtype}, cacheOnly)
}

func (r *Resolver) resolve(ctx context.Context, qname string, order []uint16, cacheOnly bool) (*cache.AnswerSet, TryList, error) {
	var tryList TryList

	if litType, ip, ok := literalAnswer(qname, 0); ok {
		if len(order) == 1 && order[0] != litType {
			return nil, tryList, fmt.Errorf("dns server error: 3 name error: %s does not match requested type", qname)
		}

		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s",
			dns.Fqdn(qname), int(tenYears/time.Second), dns.TypeToString[litType], ip.String()))
		if err != nil {
			return nil, tryList, err
		}

		set := &cache.AnswerSet{Records: []dns.RR{rr}}
		r.Cache.Insert(set, qname, litType, false, true)
		tryList.add(qname, litType, "literal")

		return set, tryList, nil
	}

	var lastSet *cache.AnswerSet
	var lastErr error

	for _, qtype := range order {
		set, err := r.resolveOneType(ctx, qname, qtype, cacheOnly, &tryList)
		if err == nil {
			r.Cache.SetSuccess(qname, qtype)
			r.Cache.SetSuccess(dns.Fqdn(qname), qtype)
			return set, tryList, nil
		}
		lastSet, lastErr = set, err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("dns server error: 3 name error: no record types succeeded for %s", qname)
	}
	if errors.Is(lastErr, errRecursionDetected) {
		// The last candidate type ended in a loop; report it as hitting the
		// recursion limit rather than as a per-type failover.
		lastErr = ErrMaxRecursion
	}
	return lastSet, tryList, lastErr
}

// resolveOneType resolves (qname, qtype), first checking the short-name
// (pre-search-expansion) cache entry, then expanding the search list.
func (r *Resolver) resolveOneType(ctx context.Context, qname string, qtype uint16, cacheOnly bool, tryList *TryList) (*cache.AnswerSet, error) {
	shortKey := cache.ShortKey(qtype, qname)
	if set, _ := r.Cache.Get(shortKey, false); set != nil {
		tryList.add(qname, qtype, statusFor(set))
		if set.IsError() {
			return set, classifyErr(set)
		}
		return set, nil
	}

	candidates := r.candidateNames(qname, qtype)

	var lastSet *cache.AnswerSet
	var lastErr error

	for _, name := range candidates {
		set, err := r.resolveOneName(ctx, name, qtype, cacheOnly, tryList)
		if err != nil {
			lastSet, lastErr = set, err
			continue
		}

		shortSet := *set
		r.Cache.Insert(&shortSet, qname, qtype, true, set.IsNameError())

		return set, nil
	}

	return lastSet, lastErr
}

func (r *Resolver) resolveOneName(ctx context.Context, name string, qtype uint16, cacheOnly bool, tryList *TryList) (*cache.AnswerSet, error) {
	if tryList.Seen(name, qtype) {
		tryList.add(name, qtype, "recursion")
		return nil, errRecursionDetected
	}

	key := cache.Key(qtype, name)
	set, expectTTL0 := r.Cache.Get(key, cacheOnly)

	if set != nil {
		tryList.add(name, qtype, statusFor(set))
		if set.Expired && !cacheOnly {
			go r.refresh(name, qtype)
		}
		return r.afterAnswer(ctx, name, qtype, set, cacheOnly, tryList)
	}

	if cacheOnly {
		tryList.add(name, qtype, "miss(cacheonly)")
		return nil, fmt.Errorf("dns server error: 2 no cached answer for %s %s", dns.TypeToString[qtype], name)
	}

	newSet, err := r.coalescer.synchronizedQuery(key, expectTTL0, func() (*cache.AnswerSet, error) {
		return r.queryOne(ctx, name, qtype)
	})
	if err != nil {
		tryList.add(name, qtype, "error:"+err.Error())
		return nil, err
	}

	allowOverwrite := newSet.IsNameError()
	r.Cache.Insert(newSet, name, qtype, false, allowOverwrite)
	tryList.add(name, qtype, statusFor(newSet))

	return r.afterAnswer(ctx, name, qtype, newSet, cacheOnly, tryList)
}

// refresh re-queries (name, qtype) in the background after a stale entry
// was served. Name errors may replace whatever positive entry is still
// retained; other failures may not, so the next caller can fall back to
// it again.
func (r *Resolver) refresh(name string, qtype uint16) {
	key := cache.Key(qtype, name)
	newSet, err := r.coalescer.synchronizedQuery(key, false, func() (*cache.AnswerSet, error) {
		return r.queryOne(context.Background(), name, qtype)
	})
	if err != nil {
		r.log.Debug().Str("name", name).Err(err).Msg("background refresh failed")
		return
	}
	r.Cache.Insert(newSet, name, qtype, false, newSet.IsNameError())
}

// afterAnswer applies CNAME chasing and SRV self-reference detection to a
// freshly obtained (possibly cached) AnswerSet.
func (r *Resolver) afterAnswer(ctx context.Context, name string, qtype uint16, set *cache.AnswerSet, cacheOnly bool, tryList *TryList) (*cache.AnswerSet, error) {
	if set.IsError() {
		return set, classifyErr(set)
	}

	if qtype != dns.TypeCNAME && allCNAME(set.Records) {
		target := set.Records[0].(*dns.CNAME).Target
		return r.resolveOneName(ctx, target, qtype, cacheOnly, tryList)
	}

	if qtype == dns.TypeSRV && srvAllSelfTarget(set.Records, name) {
		tryList.add(name, qtype, "recursion(srv-self)")
		return nil, errRecursionDetected
	}

	return set, nil
}

func allCNAME(rrs []dns.RR) bool {
	if len(rrs) == 0 {
		return false
	}
	for _, rr := range rrs {
		if _, ok := rr.(*dns.CNAME); !ok {
			return false
		}
	}
	return true
}

func srvAllSelfTarget(rrs []dns.RR, queriedName string) bool {
	if len(rrs) == 0 {
		return false
	}
	queried := dns.CanonicalName(queriedName)
	for _, rr := range rrs {
		srv, ok := rr.(*dns.SRV)
		if !ok {
			return false
		}
		if dns.CanonicalName(srv.Target) != queried {
			return false
		}
	}
	return true
}

func statusFor(set *cache.AnswerSet) string {
	if set.Expired {
		return "stale"
	}
	if set.IsError() {
		return fmt.Sprintf("error:%d", set.ErrCode)
	}
	return "ok"
}

func classifyErr(set *cache.AnswerSet) error {
	if set.IsNameError() {
		return errServerError(dns.RcodeNameError, "name error")
	}
	return errServerError(set.ErrCode, dns.RcodeToString[set.ErrCode])
}
