// Package cache implements the keyed DNS answer-set store shared by the
// resolver: TTL and stale bookkeeping, last-successful-type tracking, and
// LRU eviction. It has no knowledge of search lists, CNAME chasing or any
// other resolution policy — that lives in package resolver.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/kong/go-dns-balancer/internal/metrics"
)

// AnswerSet is an ordered set of DNS records sharing a (name, type), plus
// the cache bookkeeping the resolver needs to serve, refresh and expire it.
type AnswerSet struct {
	Records []dns.RR

	Touch  time.Time
	Expire time.Time

	// ErrCode is the DNS response code (dns.RcodeSuccess when there is no
	// error). ErrStr carries a human-readable cause for non-success codes
	// that did not originate from the wire (e.g. transport failures).
	ErrCode int
	ErrStr  string

	// Expired is set on an AnswerSet handed back by Get when that entry had
	// just passed its expiry, handed out once more so the caller can serve
	// it while a refresh runs.
	Expired bool

	// TTL0 marks a set whose records all advertise ttl=0, i.e. "do not
	// cache me".
	TTL0 bool

	// ErrorQuery marks a host's last-query record as having failed. Nothing
	// in this module sets or reads it; the balancer's requery timer tracks
	// failed hosts on the Host itself.
	ErrorQuery bool
}

// IsError reports whether this set represents a failed lookup: either an
// explicit error code, or a successful response with no records.
func (a *AnswerSet) IsError() bool {
	return a.ErrCode != dns.RcodeSuccess || len(a.Records) == 0
}

// IsNameError reports whether this is an NXDOMAIN-class failure, which may
// overwrite a stale positive entry on refresh.
func (a *AnswerSet) IsNameError() bool {
	return a.ErrCode == dns.RcodeNameError || (a.ErrCode == dns.RcodeSuccess && len(a.Records) == 0)
}

func (a *AnswerSet) minTTL() time.Duration {
	var min time.Duration = -1
	for _, rr := range a.Records {
		ttl := time.Duration(rr.Header().Ttl) * time.Second
		if min < 0 || ttl < min {
			min = ttl
		}
	}
	if min < 0 {
		return 0
	}
	return min
}

// Options configures a Cache's TTL policy.
type Options struct {
	// BadTTL is the cache lifetime for non-NXDOMAIN error responses.
	BadTTL time.Duration
	// EmptyTTL is the cache lifetime for NXDOMAIN or empty answers.
	EmptyTTL time.Duration
	// StaleTTL is how much longer an expired entry is retained for
	// GetStale to serve, before it is dropped for good.
	StaleTTL time.Duration
	// MaxSize bounds the number of entries kept; least-recently-touched
	// entries are evicted first.
	MaxSize int
}

// DefaultOptions returns the default TTL policy and cache bound.
func DefaultOptions() Options {
	return Options{
		BadTTL:   1 * time.Second,
		EmptyTTL: 30 * time.Second,
		StaleTTL: 4 * time.Second,
		MaxSize:  10_000,
	}
}

type entry struct {
	set  *AnswerSet
	elem *list.Element
}

// Cache is a keyed store of AnswerSets with TTL/stale handling and a
// per-name "last successful record type" table.
//
// A Cache is safe for concurrent use.
type Cache struct {
	opts Options

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // of string keys, front = least recently touched

	success map[string]uint16
}

// New returns a Cache configured by opts. A zero Options{} is replaced
// field-by-field with DefaultOptions() values where the field is zero.
func New(opts Options) *Cache {
	def := DefaultOptions()
	if opts.BadTTL == 0 {
		opts.BadTTL = def.BadTTL
	}
	if opts.EmptyTTL == 0 {
		opts.EmptyTTL = def.EmptyTTL
	}
	if opts.StaleTTL == 0 {
		opts.StaleTTL = def.StaleTTL
	}
	if opts.MaxSize == 0 {
		opts.MaxSize = def.MaxSize
	}

	return &Cache{
		opts:    opts,
		entries: map[string]*entry{},
		lru:     list.New(),
		success: map[string]uint16{},
	}
}

// Key builds the "<type>:<name>" cache key for a full (non-short) lookup.
func Key(qtype uint16, name string) string {
	return dns.TypeToString[qtype] + ":" + dns.CanonicalName(name)
}

// ShortKey builds the pre-search-expansion short-name key: "none:short:<name>"
// when qtype is 0 (the LAST/any sentinel), otherwise "<type>:short:<name>".
func ShortKey(qtype uint16, name string) string {
	t := "none"
	if qtype != 0 {
		t = dns.TypeToString[qtype]
	}
	return t + ":short:" + dns.CanonicalName(name)
}

// Get looks up key. On a hit it updates Touch. If the entry's records all
// carry ttl=0, Get returns (nil, true) without ever returning the stale
// data implicitly: the caller must explicitly ask for it (peekOnly) or
// expect to issue a fresh, uncoalesced query.
//
// If the entry has expired, it is evicted. While still within StaleTTL of
// its expiry it is returned exactly once more with Expired set, so the
// caller can serve it while triggering a background refresh; past that
// window Get reports a miss.
func (c *Cache) Get(key string, peekOnly bool) (set *AnswerSet, expectTTL0 bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}

	e.set.Touch = now
	c.lru.MoveToBack(e.elem)

	if peekOnly {
		metrics.CacheHits.Inc()
		return e.set, false
	}

	if !e.set.TTL0 && e.set.minTTL() == 0 && e.set.ErrCode == dns.RcodeSuccess && len(e.set.Records) > 0 {
		// Defensive: minTTL()==0 without the TTL0 flag set happens only for
		// freshly-synthesized sets that insert() hasn't tagged yet.
		e.set.TTL0 = true
	}
	if e.set.TTL0 {
		metrics.CacheMisses.Inc()
		return nil, true
	}

	if e.set.Expire.Before(now) {
		delete(c.entries, key)
		c.lru.Remove(e.elem)
		metrics.CacheEvictions.Inc()

		if now.Before(e.set.Expire.Add(c.opts.StaleTTL)) {
			stale := *e.set
			stale.Expired = true
			metrics.CacheStaleServes.Inc()
			return &stale, false
		}

		metrics.CacheMisses.Inc()
		return nil, false
	}

	metrics.CacheHits.Inc()
	return e.set, false
}

// GetStale returns the entry for key whether or not it has expired, or nil
// if no entry exists or it is more than StaleTTL past its expiry. Used to serve stale-while-refreshing
// from call sites that already decided to trigger a refresh.
func (c *Cache) GetStale(key string) *AnswerSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}

	now := time.Now()
	if now.After(e.set.Expire.Add(c.opts.StaleTTL)) {
		return nil
	}

	return e.set
}

// Insert stores set under the key derived from set.Records[0] when set has
// records, or from (qtypeHint, nameHint) otherwise. With short set, the key
// is always ShortKey(qtypeHint, nameHint): the name as the caller asked for
// it, before search-list expansion or CNAME chasing. It computes
// Expire from the minimum record TTL, or from BadTTL/EmptyTTL for error or
// empty sets.
//
// allowOverwrite governs whether this insert may replace an existing
// *stale* positive entry: name errors may, other errors must not.
// allowOverwrite is ignored for fresh (non-stale) existing entries, which
// are always replaced.
func (c *Cache) Insert(set *AnswerSet, nameHint string, qtypeHint uint16, short bool, allowOverwrite bool) {
	now := time.Now()
	if set.Touch.IsZero() {
		set.Touch = now
	}

	var qtype uint16
	var name string
	if len(set.Records) > 0 {
		h := set.Records[0].Header()
		qtype = h.Rrtype
		name = h.Name
	} else {
		qtype = qtypeHint
		name = nameHint
	}

	var key string
	if short {
		key = ShortKey(qtypeHint, nameHint)
	} else {
		key = Key(qtype, name)
	}

	switch {
	case set.IsError():
		if set.IsNameError() {
			set.Expire = now.Add(c.opts.EmptyTTL)
		} else {
			set.Expire = now.Add(c.opts.BadTTL)
		}
	default:
		ttl := set.minTTL()
		set.Expire = now.Add(ttl)
		set.TTL0 = ttl == 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[key]; ok {
		stale := existing.set.Expire.Before(now)
		if stale && !allowOverwrite && !set.IsNameError() {
			// A non-name-error refresh must not clobber a stale positive
			// entry that some other waiter might still serve.
			if len(existing.set.Records) > 0 && set.IsError() {
				c.lru.MoveToBack(existing.elem)
				return
			}
		}
		existing.set = set
		c.lru.MoveToBack(existing.elem)
		c.prune()
		return
	}

	e := &entry{set: set}
	e.elem = c.lru.PushBack(key)
	c.entries[key] = e
	c.prune()
}

// GetSuccess returns the last DNS record type that successfully resolved
// for name, if any.
func (c *Cache) GetSuccess(name string) (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.success[dns.CanonicalName(name)]
	return t, ok
}

// SetSuccess records qtype as the last-successful record type for name.
// It never overwrites an existing entry with a type learned only as an
// additional-section byproduct; callers distinguish that by simply not
// calling SetSuccess for byproduct records.
func (c *Cache) SetSuccess(name string, qtype uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.success[dns.CanonicalName(name)] = qtype
}

// Purge removes expired entries (past Expire+StaleTTL) and, if
// maxUntouched is non-nil, any entry whose Touch is older than that
// duration regardless of expiry. It returns the number of entries removed.
func (c *Cache) Purge(maxUntouched *time.Duration) int {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, e := range c.entries {
		expiredForGood := now.After(e.set.Expire.Add(c.opts.StaleTTL))
		untouchedTooLong := maxUntouched != nil && now.Sub(e.set.Touch) > *maxUntouched

		if expiredForGood || untouchedTooLong {
			delete(c.entries, key)
			c.lru.Remove(e.elem)
			removed++
		}
	}

	metrics.CacheEvictions.Add(float64(removed))
	return removed
}

func (c *Cache) prune() {
	for len(c.entries) > c.opts.MaxSize {
		front := c.lru.Front()
		if front == nil {
			return
		}
		key := front.Value.(string)
		delete(c.entries, key)
		c.lru.Remove(front)
		metrics.CacheEvictions.Inc()
	}
}
