// Package metrics holds the prometheus collectors shared across the
// resolver, cache and balancer packages. The embedding host is responsible
// for registering them with its own prometheus.Registerer; this package
// never starts an HTTP server of its own.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CacheHits counts record-cache lookups served from a fresh entry.
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_cache_hits_total",
		Help: "Record cache lookups served from a non-expired entry.",
	})
	// CacheMisses counts record-cache lookups that fell through to a query.
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_cache_misses_total",
		Help: "Record cache lookups that found no usable entry.",
	})
	// CacheStaleServes counts lookups served from an expired entry while a
	// refresh was triggered in the background.
	CacheStaleServes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_cache_stale_serves_total",
		Help: "Record cache lookups served from a stale entry pending refresh.",
	})
	// CacheEvictions counts entries removed by Purge or by expiry on lookup.
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_cache_evictions_total",
		Help: "Record cache entries evicted.",
	})

	// QueriesCoalesced counts DNS queries that joined an in-flight leader
	// instead of issuing their own.
	QueriesCoalesced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_queries_coalesced_total",
		Help: "DNS queries served by joining an in-flight request.",
	})
	// QueriesIssued counts DNS queries actually sent on the wire.
	QueriesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_queries_issued_total",
		Help: "DNS queries sent to a name server.",
	})

	// BalancerWeightTotal is the sum of all host weights in a balancer.
	BalancerWeightTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dnsbalancer_balancer_weight_total",
		Help: "Sum of host weights across all hosts in the balancer.",
	})
	// BalancerWeightAvailable is the sum of weights of available addresses.
	BalancerWeightAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dnsbalancer_balancer_weight_available",
		Help: "Sum of weights of addresses currently marked available.",
	})
	// BalancerHealth is 1 when the balancer is healthy, 0 otherwise.
	BalancerHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dnsbalancer_balancer_healthy",
		Help: "1 if the balancer is healthy, 0 otherwise.",
	})
	// RequeryTicks counts requery-timer ticks that issued at least one query.
	RequeryTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_requery_ticks_total",
		Help: "Requery timer ticks that re-resolved at least one failed host.",
	})

	// WheelRedistributions counts ring-balancer index reassignment passes.
	WheelRedistributions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dnsbalancer_wheel_redistributions_total",
		Help: "Ring balancer wheel redistribution passes.",
	})
)

// Collectors returns every collector defined by this package, for callers
// that want to register them all in one call:
//
//	for _, c := range metrics.Collectors() {
//		registerer.MustRegister(c)
//	}
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		CacheHits, CacheMisses, CacheStaleServes, CacheEvictions,
		QueriesCoalesced, QueriesIssued,
		BalancerWeightTotal, BalancerWeightAvailable, BalancerHealth, RequeryTicks,
		WheelRedistributions,
	}
}
