package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/layercache/layercache/pkg/cacheevent"
)

var GetTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "layercache",
		Name:      "get_total",
		Help:      "Total number of Get calls by result.",
	},
	[]string{"result"},
)

var SetTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "layercache",
		Name:      "set_total",
		Help:      "Total number of Set calls.",
	},
)

var DeleteTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "layercache",
		Name:      "delete_total",
		Help:      "Total number of Delete calls.",
	},
)

var EvictionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "layercache",
		Name:      "evictions_total",
		Help:      "Total number of entries evicted, by reason.",
	},
	[]string{"reason"},
)

var ComputeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "layercache",
		Name:      "compute_duration_seconds",
		Help:      "Fetcher compute duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	},
	[]string{"outcome"},
)

var InflightComputes = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "layercache",
		Name:      "inflight_computes",
		Help:      "Number of compute calls currently in flight.",
	},
)

var ProviderErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "layercache",
		Name:      "provider_errors_total",
		Help:      "Total number of provider-level errors, by provider.",
	},
	[]string{"provider"},
)

var StaleReadsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "layercache",
		Name:      "stale_reads_total",
		Help:      "Total number of reads that returned a stale value.",
	},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "layercache",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// All returns every layercache metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		GetTotal,
		SetTotal,
		DeleteTotal,
		EvictionsTotal,
		ComputeDuration,
		InflightComputes,
		ProviderErrorsTotal,
		StaleReadsTotal,
		HTTPRequestDuration,
	}
}

// Subscribe wires every layercache metric to bus, translating cache events
// into Prometheus observations. The event spine (C1) stays the single
// source of truth; metrics are a passive subscriber, never a write path.
func Subscribe(bus *cacheevent.Bus) {
	bus.Subscribe(cacheevent.KindGetHit, func(cacheevent.Event) { GetTotal.WithLabelValues("hit").Inc() })
	bus.Subscribe(cacheevent.KindGetMiss, func(cacheevent.Event) { GetTotal.WithLabelValues("miss").Inc() })
	bus.Subscribe(cacheevent.KindGetStale, func(cacheevent.Event) {
		GetTotal.WithLabelValues("stale").Inc()
		StaleReadsTotal.Inc()
	})
	bus.Subscribe(cacheevent.KindSet, func(cacheevent.Event) { SetTotal.Inc() })
	bus.Subscribe(cacheevent.KindDelete, func(cacheevent.Event) { DeleteTotal.Inc() })
	bus.Subscribe(cacheevent.KindExpire, func(ev cacheevent.Event) { EvictionsTotal.WithLabelValues(ev.Reason).Inc() })
	bus.Subscribe(cacheevent.KindComputeStart, func(cacheevent.Event) { InflightComputes.Inc() })
	bus.Subscribe(cacheevent.KindComputeSuccess, func(ev cacheevent.Event) {
		InflightComputes.Dec()
		ComputeDuration.WithLabelValues("success").Observe(ev.Duration.Seconds())
	})
	bus.Subscribe(cacheevent.KindComputeError, func(ev cacheevent.Event) {
		InflightComputes.Dec()
		ComputeDuration.WithLabelValues("error").Observe(ev.Duration.Seconds())
	})
	bus.Subscribe(cacheevent.KindProviderError, func(ev cacheevent.Event) {
		ProviderErrorsTotal.WithLabelValues(ev.Provider).Inc()
	})
}
