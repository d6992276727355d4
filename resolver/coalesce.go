package resolver

import (
	"sync"
	"time"

	"github.com/kong/go-dns-balancer/cache"
	"github.com/kong/go-dns-balancer/internal/metrics"
)

// queryFunc performs the actual, uncoalesced DNS round trip for one
// (name, qtype) pair.
type queryFunc func() (*cache.AnswerSet, error)

// coalescer ensures at most one in-flight query per (name, type): callers
// that arrive while a query is already running wait on it instead of
// issuing their own. Waiters that outlive poolMaxWait, or whose leader
// failed, retry a bounded number of times: each retry becomes the new
// leader if no query for the key is in flight any more, and otherwise
// waits on the one that is.
type coalescer struct {
	poolMaxWait  time.Duration
	poolMaxRetry int

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done   chan struct{}
	result *cache.AnswerSet
	err    error
}

func newCoalescer(timeout time.Duration, retrans, poolMaxRetry int) *coalescer {
	return &coalescer{
		poolMaxWait:  timeout * time.Duration(retrans),
		poolMaxRetry: poolMaxRetry,
		inflight:     map[string]*call{},
	}
}

// synchronizedQuery runs fn as the sole query for key, or waits on another
// caller's in-flight run of it. If expectTTL0 is true, coalescing is
// bypassed entirely and fn runs uncoalesced: a ttl=0 record from the
// previous response means "do not cache me", which extends to "do not
// coalesce me" either.
func (c *coalescer) synchronizedQuery(key string, expectTTL0 bool, fn queryFunc) (*cache.AnswerSet, error) {
	if expectTTL0 {
		metrics.QueriesIssued.Inc()
		return fn()
	}

	for attempt := 0; ; attempt++ {
		c.mu.Lock()
		if existing, ok := c.inflight[key]; ok {
			c.mu.Unlock()

			select {
			case <-existing.done:
				if existing.err == nil {
					metrics.QueriesCoalesced.Inc()
					return existing.result, nil
				}
				if attempt >= c.poolMaxRetry {
					return nil, errPoolExceeded(attempt, existing.err)
				}
				continue // become the new leader
			case <-time.After(c.poolMaxWait):
				if attempt >= c.poolMaxRetry {
					return nil, errPoolExceeded(attempt, errTimeout)
				}
				continue // lead if the query has finished meanwhile, else wait again
			}
		}

		leader := &call{done: make(chan struct{})}
		c.inflight[key] = leader
		c.mu.Unlock()

		metrics.QueriesIssued.Inc()
		leader.result, leader.err = fn()

		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(leader.done)

		return leader.result, leader.err
	}
}
