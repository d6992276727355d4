// Package resolver implements a caching, search-list-aware DNS resolver:
// cache lookup, coalesced queries, CNAME chasing, type-order fallback and
// recursion detection, on top of package cache.
package resolver

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"github.com/kong/go-dns-balancer/cache"
	"github.com/kong/go-dns-balancer/internal/hostsfile"
	"github.com/kong/go-dns-balancer/internal/xlog"
)

// TypeLAST is the sentinel used in Options.Order meaning "the record type
// that last succeeded for this name".
const TypeLAST = -1

// DefaultOrder is the default lookup order: the last type that succeeded
// for the name first, then SRV, A, AAAA and CNAME.
func DefaultOrder() []int {
	return []int{TypeLAST, int(dns.TypeSRV), int(dns.TypeA), int(dns.TypeAAAA), int(dns.TypeCNAME)}
}

// Options configures a Resolver. Any zero-valued field takes its
// documented default.
type Options struct {
	// Nameservers are "ip:port" pairs. If empty, they are discovered from
	// ResolvConfPath.
	Nameservers []string

	// HostsPath is a hosts(5)-syntax file seeded into the cache with a
	// 10-year TTL at New. Defaults to the platform's system hosts file.
	HostsPath string
	// HostsLines, if non-nil, is used instead of reading HostsPath.
	HostsLines []string

	// ResolvConfPath is consulted for nameservers, search and ndots when
	// Nameservers is empty. Defaults to the platform's system resolv.conf.
	ResolvConfPath string

	Order  []int
	Ndots  int
	Search []string

	BadTTL     time.Duration
	EmptyTTL   time.Duration
	StaleTTL   time.Duration
	EnableIPv6 bool

	Timeout time.Duration
	Retrans int

	// PoolMaxRetry bounds how many times a coalescer waiter may become the
	// new leader before giving up. Defaults to 1.
	PoolMaxRetry int

	// CacheMaxSize bounds the record cache. Defaults to 10,000.
	CacheMaxSize int

	LogPrefix string
	Log       *zerolog.Logger
}

func (o *Options) setDefaults() {
	if len(o.Order) == 0 {
		o.Order = DefaultOrder()
	}
	if o.Ndots == 0 {
		o.Ndots = 1
	}
	if o.BadTTL == 0 {
		o.BadTTL = 1 * time.Second
	}
	if o.EmptyTTL == 0 {
		o.EmptyTTL = 30 * time.Second
	}
	if o.StaleTTL == 0 {
		o.StaleTTL = 4 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 2000 * time.Millisecond
	}
	if o.Retrans == 0 {
		o.Retrans = 5
	}
	if o.PoolMaxRetry == 0 {
		o.PoolMaxRetry = 1
	}
	if o.CacheMaxSize == 0 {
		o.CacheMaxSize = 10_000
	}
}

// Resolver resolves DNS queries against a fixed set of nameservers,
// applying search-list expansion, type-order fallback, CNAME chasing and
// recursion detection, and caching every answer it receives.
//
// A Resolver is safe for concurrent use.
type Resolver struct {
	opts Options

	Cache     *cache.Cache
	coalescer *coalescer
	client    *dns.Client

	mu    sync.RWMutex
	ns    []string
	hosts map[string]bool // fqdn -> defined in hosts file, any type

	log zerolog.Logger

	srvMu    sync.Mutex
	srvState map[string]*srvRotation

	rrMu      sync.Mutex
	rrPointer map[string]uint64
}

// New constructs a Resolver per opts: it resolves
// nameservers/search/ndots from ResolvConfPath if Nameservers is empty,
// and seeds the cache with the hosts file.
func New(opts Options) (*Resolver, error) {
	opts.setDefaults()

	logger := xlog.Base
	if opts.Log != nil {
		logger = *opts.Log
	}
	logger = xlog.WithPrefix(logger, opts.LogPrefix)

	r := &Resolver{
		opts: opts,
		Cache: cache.New(cache.Options{
			BadTTL:   opts.BadTTL,
			EmptyTTL: opts.EmptyTTL,
			StaleTTL: opts.StaleTTL,
			MaxSize:  opts.CacheMaxSize,
		}),
		coalescer: newCoalescer(opts.Timeout, opts.Retrans, opts.PoolMaxRetry),
		client:    &dns.Client{Timeout: opts.Timeout},
		hosts:     map[string]bool{},
		log:       logger,
		srvState:  map[string]*srvRotation{},
		rrPointer: map[string]uint64{},
	}

	if len(opts.Nameservers) > 0 {
		r.ns = opts.Nameservers
	} else {
		path := opts.ResolvConfPath
		if path == "" {
			path = systemResolvConf
		}
		servers, search, ndots, err := discoverSystemConfig(path)
		if err != nil {
			return nil, fmt.Errorf("discover system resolver config: %w", err)
		}
		r.ns = servers
		if len(opts.Search) == 0 {
			r.opts.Search = search
		}
		if opts.Ndots == 0 || (opts.Ndots == 1 && ndots != 0) {
			r.opts.Ndots = ndots
			if r.opts.Ndots == 0 {
				r.opts.Ndots = 1
			}
		}
	}

	if err := r.seedHosts(); err != nil {
		return nil, fmt.Errorf("seed hosts file: %w", err)
	}

	return r, nil
}

func (r *Resolver) servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ns
}

// SetNameservers replaces the nameserver list, e.g. for testing against an
// in-process fake server.
func (r *Resolver) SetNameservers(servers []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = servers
}

func (r *Resolver) seedHosts() error {
	var lines []string
	if r.opts.HostsLines != nil {
		lines = r.opts.HostsLines
	} else {
		path := r.opts.HostsPath
		if path == "" {
			path = systemHostsFile
		}
		return r.seedHostsFromPath(path)
	}
	return r.seedHostsFromLines(lines)
}

func (r *Resolver) seedHostsFromLines(lines []string) error {
	entries, err := hostsfile.Parse(strings.NewReader(strings.Join(lines, "\n")))
	if err != nil {
		return err
	}
	r.applyHosts(entries)
	return nil
}

const tenYears = 10 * 365 * 24 * time.Hour

func (r *Resolver) applyHosts(entries []hostsfile.Entry) {
	for _, e := range entries {
		qtype := dns.TypeA
		if e.IP.To4() == nil {
			qtype = dns.TypeAAAA
		}

		rr, err := dns.NewRR(fmt.Sprintf("%s %d IN %s %s",
			dns.Fqdn(e.Name), int(tenYears/time.Second), dns.TypeToString[qtype], e.IP.String()))
		if err != nil {
			continue
		}

		set := &cache.AnswerSet{Records: []dns.RR{rr}}
		r.Cache.Insert(set, e.Name, qtype, false, true)
		r.Cache.SetSuccess(e.Name, qtype)

		r.mu.Lock()
		r.hosts[dns.CanonicalName(e.Name)] = true
		r.mu.Unlock()
	}
}

func (r *Resolver) hostsHasName(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hosts[dns.CanonicalName(name)]
}

// PurgeCache removes expired (and, if maxUntouched is non-nil,
// long-untouched) cache entries, returning the count removed.
func (r *Resolver) PurgeCache(maxUntouched *time.Duration) int {
	return r.Cache.Purge(maxUntouched)
}
