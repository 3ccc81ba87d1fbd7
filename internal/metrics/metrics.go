// Package metrics exposes the Prometheus instruments shared by the proxy,
// health worker, catalog sync, and transcoder.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProbeResults counts terminal probe classifications by status.
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvgate",
		Subsystem: "health",
		Name:      "probe_results_total",
		Help:      "Stream liveness probe results by resulting status.",
	}, []string{"status"})

	// ProbeDuration observes per-probe wall time.
	ProbeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tvgate",
		Subsystem: "health",
		Name:      "probe_duration_seconds",
		Help:      "Stream liveness probe duration.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 9),
	})

	// UpstreamHostWait observes time spent waiting on the per-host
	// concurrency gate before an upstream request is sent.
	UpstreamHostWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tvgate",
		Subsystem: "upstream",
		Name:      "host_gate_wait_seconds",
		Help:      "Wait time on the per-host concurrency gate.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	// ProxyUpstreamRequests counts origin fetches by outcome class.
	ProxyUpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvgate",
		Subsystem: "proxy",
		Name:      "upstream_requests_total",
		Help:      "Origin fetches made by the stream proxy by outcome.",
	}, []string{"kind", "outcome"})

	// GeoBypassAttempts counts bypass attempts by result.
	GeoBypassAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tvgate",
		Subsystem: "proxy",
		Name:      "geo_bypass_attempts_total",
		Help:      "Geo-bypass attempts by result.",
	}, []string{"result"})

	// SyncedEntities records the row count of the last catalog sync per entity.
	SyncedEntities = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tvgate",
		Subsystem: "sync",
		Name:      "entities",
		Help:      "Entity counts from the most recent catalog sync.",
	}, []string{"entity"})

	// ActiveTranscoders tracks live remuxer subprocesses.
	ActiveTranscoders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tvgate",
		Subsystem: "transcode",
		Name:      "active",
		Help:      "Number of running remuxer subprocesses.",
	})
)
