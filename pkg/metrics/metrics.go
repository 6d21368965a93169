package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchAttemptTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotefeed",
		Name:      "fetch_attempt_total",
		Help:      "Total fetch attempts per source and outcome.",
	}, []string{"category", "source", "outcome"})

	FetchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "quotefeed",
		Name:      "fetch_latency_seconds",
		Help:      "Outbound fetch latency.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms ~ 40s
	}, []string{"category", "source"})

	CacheOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotefeed",
		Name:      "cache_ops_total",
		Help:      "Cache reads by result (hit/miss/stale).",
	}, []string{"category", "result"})

	SourceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quotefeed",
		Name:      "source_state",
		Help:      "Source health state (0/1).",
	}, []string{"source", "state"}) // state: available/cooldown/rate_limited/disabled

	AggregateAnomalyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotefeed",
		Name:      "aggregate_anomaly_total",
		Help:      "Cross-source validations that exceeded the variance threshold.",
	}, []string{"category"})

	BreakerRejectTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quotefeed",
		Name:      "breaker_reject_total",
		Help:      "Infra circuit breaker rejections.",
	}, []string{"resource"})
)
