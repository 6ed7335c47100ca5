// Package metrics exposes the service's Prometheus collectors. Collectors
// register on the default registry so /metrics serves them via promhttp.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_parser_cache_hits_total",
		Help: "Read-path hits by tier (hot, ref, negative, graph, view, blob, page, search).",
	}, []string{"tier"})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_cache_misses_total",
		Help: "Read-path requests that fell through to the upstream.",
	})

	UpstreamRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_parser_upstream_requests_total",
		Help: "Upstream API requests by operation and outcome code.",
	}, []string{"operation", "code"})

	UpstreamRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_upstream_retries_total",
		Help: "Upstream requests that were retried.",
	})

	FlightWaits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_parser_singleflight_waits_total",
		Help: "Requests that waited on another flight, by outcome (hit, timeout).",
	}, []string{"outcome"})

	StaleServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_stale_served_total",
		Help: "Responses served from a stale graph copy after an upstream failure.",
	})

	AliasConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_alias_conflicts_total",
		Help: "Alias writes rejected because the alias points at a different paper.",
	})

	IngestPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_ingest_pages_total",
		Help: "Relation pages fetched by the ingestor.",
	})

	IngestRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_parser_ingest_runs_total",
		Help: "Relation ingestion runs by final state.",
	}, []string{"state"})

	TasksSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_tasks_submitted_total",
		Help: "Background tasks submitted to the pool.",
	})

	TaskPanics = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_task_panics_total",
		Help: "Background tasks that panicked and were recovered.",
	})

	TasksDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paper_parser_tasks_dropped_total",
		Help: "Background tasks dropped because the pool was saturated.",
	})
)

func init() {
	prometheus.MustRegister(
		CacheHits,
		CacheMisses,
		UpstreamRequests,
		UpstreamRetries,
		FlightWaits,
		StaleServed,
		AliasConflicts,
		IngestPages,
		IngestRuns,
		TasksSubmitted,
		TaskPanics,
		TasksDropped,
	)
}
