// Package metrics exposes the Prometheus instrumentation shared across the
// control plane: an active-sandbox gauge maintained by the Orchestrator
// (GC reaps reach it through Orchestrator.Destroy), a GC reap counter, a
// proxy request counter labeled by outcome, and a proxy request-size
// histogram. Every metric is registered once at process startup
// and handed down as a typed struct, matching this module's no-package-level
// globals convention for everything except the metric objects themselves
// (which mirror prometheus/client_golang's own idiom of package-level
// collectors registered through a single registry).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every collector this module produces so cmd/serve.go
// can register them against a single prometheus.Registerer and expose one
// /metrics endpoint.
type Registry struct {
	ActiveSandboxes   prometheus.Gauge
	WarmPoolSize      prometheus.Gauge
	SandboxesCreated  *prometheus.CounterVec
	GCReapsTotal      *prometheus.CounterVec
	ProxyRequests     *prometheus.CounterVec
	ProxyRequestBytes prometheus.Histogram
	TurnDuration      prometheus.Histogram
	FileSyncBytes     *prometheus.CounterVec
}

// New builds and registers every collector against reg.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workspacecore",
			Name:      "active_sandboxes",
			Help:      "Sandboxes currently bound to a conversation.",
		}),
		WarmPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "workspacecore",
			Name:      "warm_pool_size",
			Help:      "Sandboxes currently sitting unbound in the warm pool.",
		}),
		SandboxesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspacecore",
			Name:      "sandboxes_created_total",
			Help:      "Sandboxes created, labeled by origin (warm_hit, cold_start, preheat, replenish).",
		}, []string{"origin"}),
		GCReapsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspacecore",
			Name:      "gc_reaps_total",
			Help:      "Sandboxes reaped by the garbage collector, labeled by reason.",
		}, []string{"reason"}),
		ProxyRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspacecore",
			Name:      "proxy_requests_total",
			Help:      "Credential proxy requests, labeled by outcome (allowed, denied, error).",
		}, []string{"outcome"}),
		ProxyRequestBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workspacecore",
			Name:      "proxy_request_bytes",
			Help:      "Size in bytes of forwarded proxy request bodies.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		}),
		TurnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "workspacecore",
			Name:      "turn_duration_seconds",
			Help:      "Wall-clock duration of one Orchestrator.Execute turn.",
			Buckets:   prometheus.DefBuckets,
		}),
		FileSyncBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "workspacecore",
			Name:      "filesync_bytes_total",
			Help:      "Bytes transferred during sync-in/sync-out, labeled by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		r.ActiveSandboxes,
		r.WarmPoolSize,
		r.SandboxesCreated,
		r.GCReapsTotal,
		r.ProxyRequests,
		r.ProxyRequestBytes,
		r.TurnDuration,
		r.FileSyncBytes,
	)
	return r
}
