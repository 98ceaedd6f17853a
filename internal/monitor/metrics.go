package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "medreminders"

var (
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "outcomes_total",
			Help:      "Terminal delivery outcomes by result and error category",
		},
		[]string{"result", "category"},
	)

	deliveryRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Total delivery retries scheduled by the executor",
		},
	)

	deliveryRateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "rate_limit_hits_total",
			Help:      "Total provider rate limit responses",
		},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Latency of successful send attempts",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	deadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dead_letter",
			Name:      "size",
			Help:      "Number of unresolved (pending or retrying) dead letter entries",
		},
	)
)
