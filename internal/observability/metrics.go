package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the platform's Prometheus metrics.
//
// Tracked surfaces:
//   - Event ingestion volume by provider and source
//   - Dedup suppressions and supersessions
//   - Aggregator graph commits by node kind
//   - Indexer batch flushes, retries, and dead letters
//   - Search latency per stage and degraded responses
//   - Fan-out hub subscribers and dropped/coalesced updates
type Metrics struct {
	// EventsIngested counts envelopes accepted at the API boundary.
	// Labels: provider, source
	EventsIngested *prometheus.CounterVec

	// EventsDeduped counts envelopes suppressed by the dedup engine.
	// Labels: source, reason (duplicate|superseded)
	EventsDeduped *prometheus.CounterVec

	// GraphCommits counts node rows committed by the aggregator.
	// Labels: kind (Session|Turn|Reasoning|ToolCall|Observation|Memory)
	GraphCommits *prometheus.CounterVec

	// GraphCommitDuration measures graph write latency in seconds.
	GraphCommitDuration prometheus.Histogram

	// IndexBatches counts indexer batch flushes.
	// Labels: status (ok|retry|dead_letter)
	IndexBatches *prometheus.CounterVec

	// IndexQueueDepth gauges in-flight documents in the batch queue.
	IndexQueueDepth prometheus.Gauge

	// SearchDuration measures search latency per stage in seconds.
	// Labels: stage (embed|dense|sparse|fusion|rerank|total)
	SearchDuration *prometheus.HistogramVec

	// SearchDegraded counts searches served from a fallback path.
	// Labels: fallback (sparse_only|dense_only|graph_keyword|rerank_skipped|abstained)
	SearchDegraded *prometheus.CounterVec

	// HubSubscribers gauges connected WebSocket subscribers.
	// Labels: topic (logs|metrics|session)
	HubSubscribers *prometheus.GaugeVec

	// HubCoalesced counts updates coalesced under backpressure.
	HubCoalesced prometheus.Counter

	// BusPublishErrors counts best-effort publish failures.
	// Labels: topic
	BusPublishErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics with the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_events_ingested_total",
				Help: "Envelopes accepted at the ingestion API.",
			},
			[]string{"provider", "source"},
		),
		EventsDeduped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_events_deduped_total",
				Help: "Envelopes suppressed by the dedup engine.",
			},
			[]string{"source", "reason"},
		),
		GraphCommits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_graph_commits_total",
				Help: "Node rows committed to the lineage graph.",
			},
			[]string{"kind"},
		),
		GraphCommitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "engram_graph_commit_duration_seconds",
				Help:    "Graph write latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		IndexBatches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_index_batches_total",
				Help: "Indexer batch flushes by outcome.",
			},
			[]string{"status"},
		),
		IndexQueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "engram_index_queue_depth",
				Help: "Documents waiting in the indexer batch queue.",
			},
		),
		SearchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "engram_search_duration_seconds",
				Help:    "Search latency per pipeline stage.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30},
			},
			[]string{"stage"},
		),
		SearchDegraded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_search_degraded_total",
				Help: "Searches served from a fallback path.",
			},
			[]string{"fallback"},
		),
		HubSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engram_hub_subscribers",
				Help: "Connected WebSocket subscribers.",
			},
			[]string{"topic"},
		),
		HubCoalesced: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "engram_hub_coalesced_total",
				Help: "Updates coalesced under subscriber backpressure.",
			},
		),
		BusPublishErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engram_bus_publish_errors_total",
				Help: "Best-effort bus publish failures.",
			},
			[]string{"topic"},
		),
	}
}
