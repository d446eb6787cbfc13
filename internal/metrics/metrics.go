// Package metrics holds the process-wide Prometheus collectors. They are
// registered on Registry, which the app serves on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry is the registry every bootstrapgo collector is registered on.
var Registry = prometheus.NewRegistry()

var (
	ResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapgo_resolutions_total",
			Help: "Number of provider-backed version resolutions by outcome.",
		},
		[]string{"outcome"},
	)
	ResolutionCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bootstrapgo_resolution_cache_hits_total",
			Help: "Number of resolutions answered from the in-run cache.",
		},
	)

	ArtifactCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapgo_artifact_cache_lookups_total",
			Help: "Number of artifact cache lookups by tier and result.",
		},
		[]string{"tier", "result"},
	)

	BuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapgo_builds_total",
			Help: "Number of package builds by outcome.",
		},
		[]string{"outcome"},
	)
	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bootstrapgo_build_duration_seconds",
			Help:    "Time taken to build one package from prepared source to artifact.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	SchedulerNodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapgo_scheduler_nodes_total",
			Help: "Number of scheduled nodes by final state.",
		},
		[]string{"state"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapgo_cycles_total",
			Help: "Number of dependency cycles observed by kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ResolutionsTotal,
		ResolutionCacheHitsTotal,
		ArtifactCacheLookupsTotal,
		BuildsTotal,
		BuildDuration,
		SchedulerNodesTotal,
		CyclesTotal,
	)
}
