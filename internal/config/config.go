// Package config defines the immutable runtime configuration for Engram.
//
// Configuration is assembled once at startup from an optional YAML file plus
// flat environment overrides, and handed to components at construction. There
// is no mutable global configuration after startup.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration handed to every component.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Graph      GraphConfig      `yaml:"graph"`
	Vector     VectorConfig     `yaml:"vector"`
	Bus        BusConfig        `yaml:"bus"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Indexer    IndexerConfig    `yaml:"indexer"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Hub        HubConfig        `yaml:"hub"`
	Pruner     PrunerConfig     `yaml:"pruner"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Addr is the listen address for the API server.
	Addr string `yaml:"addr"`

	// IngestionURL and SearchURL are advertised to clients (CLI, watcher).
	IngestionURL string `yaml:"ingestion_url"`
	SearchURL    string `yaml:"search_url"`

	// AuthToken, when set, is required as a bearer token on every request.
	AuthToken string `yaml:"auth_token"`

	// OAuth introspection settings for token validation by an external IdP.
	// Auth enforcement beyond the static token lives outside this repo.
	OAuthIntrospectionURL string `yaml:"oauth_introspection_url"`
	OAuthClientID         string `yaml:"oauth_client_id"`
	OAuthClientSecret     string `yaml:"oauth_client_secret"`
	ResourceServerURL     string `yaml:"resource_server_url"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// GraphConfig configures the bitemporal graph store.
type GraphConfig struct {
	// Driver selects the SQL backend: "postgres" or "sqlite".
	Driver string `yaml:"driver"`

	// URL is the connection string (GRAPH_URL).
	URL string `yaml:"url"`

	// MaxConns bounds the connection pool. 0 = num_cpu * 4.
	MaxConns int `yaml:"max_conns"`

	// Timeout is the per-operation deadline for graph calls.
	Timeout time.Duration `yaml:"timeout"`

	// Retention is how long closed rows are kept before pruning.
	Retention time.Duration `yaml:"retention"`
}

// VectorConfig configures the vector store client.
type VectorConfig struct {
	// URL is the Qdrant endpoint (VECTOR_STORE_URL), host:port for gRPC.
	URL string `yaml:"url"`

	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`

	// DenseDim must match the dense embedding model output.
	DenseDim int `yaml:"dense_dim"`

	// EnableColbert turns on the late-interaction vector space.
	EnableColbert bool `yaml:"enable_colbert"`

	Timeout time.Duration `yaml:"timeout"`
}

// BusConfig configures the Redis Streams message bus.
type BusConfig struct {
	// URL is the Redis endpoint (BUS_URL), e.g. redis://localhost:6379/0.
	URL string `yaml:"url"`

	// StreamMaxLen caps stream length (approximate trimming). 0 = unbounded.
	StreamMaxLen int64 `yaml:"stream_max_len"`
}

// DedupConfig configures the ingest dedup engine.
type DedupConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	MaxEntries      int           `yaml:"max_entries"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// IndexerConfig configures the hybrid indexer batch queue.
type IndexerConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
	MaxRetries    int           `yaml:"max_retries"`
	Workers       int           `yaml:"workers"`
	Group         string        `yaml:"group"`
}

// SearchConfig configures the retrieval engine.
type SearchConfig struct {
	RerankTier    string `yaml:"rerank_tier"`
	RerankDepth   int    `yaml:"rerank_depth"`
	MergeStrategy string `yaml:"merge_strategy"`

	// Per-tier cross-encoder inference endpoints. Empty disables the tier.
	RerankFastURL     string `yaml:"rerank_fast_url"`
	RerankAccurateURL string `yaml:"rerank_accurate_url"`
	RerankCodeURL     string `yaml:"rerank_code_url"`

	// LLMRerankModel overrides the default model for the llm tier.
	LLMRerankModel string `yaml:"llm_rerank_model"`

	// RerankWeight is the reranker's share under the weighted merge strategy.
	RerankWeight float64 `yaml:"rerank_weight"`

	RerankMaxConcurrency int     `yaml:"rerank_max_concurrency"`
	AbstentionThreshold  float64 `yaml:"abstention_threshold"`
	NLIThreshold         float64 `yaml:"nli_threshold"`

	// TemporalConfidenceThreshold gates how sure the natural-language time
	// parse must be before it narrows the valid-time window.
	TemporalConfidenceThreshold float64 `yaml:"temporal_confidence_threshold"`

	EmbedTimeout     time.Duration `yaml:"embed_timeout"`
	VectorTimeout    time.Duration `yaml:"vector_timeout"`
	LLMRerankTimeout time.Duration `yaml:"llm_rerank_timeout"`
}

// EmbeddingsConfig configures embedding inference.
type EmbeddingsConfig struct {
	// Provider is the dense provider: "openai" (any OpenAI-compatible server).
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Model selects the dense model (e5-small/base/large, gte, bge, ...).
	Model string `yaml:"model"`

	// SparseURL and ColbertURL point at SPLADE / ColBERT inference servers.
	SparseURL  string `yaml:"sparse_url"`
	ColbertURL string `yaml:"colbert_url"`
}

// HubConfig configures the WebSocket fan-out hub.
type HubConfig struct {
	// MaxBuffered is the per-subscriber outbound buffer before coalescing.
	MaxBuffered int `yaml:"max_buffered"`

	// HeartbeatInterval is the ping cadence; three misses force-close.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SnapshotSize is the last-N window replayed on log/metric subscribe.
	SnapshotSize int `yaml:"snapshot_size"`
}

// PrunerConfig configures the graph pruner.
type PrunerConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Schedule   string `yaml:"schedule"`
	BatchSize  int    `yaml:"batch_size"`
	MaxBatches int    `yaml:"max_batches"`

	// ArchiveBucket, when set, receives pruned nodes as JSONL in S3.
	ArchiveBucket string `yaml:"archive_bucket"`
	ArchivePrefix string `yaml:"archive_prefix"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TelemetryConfig configures metrics and tracing exports.
type TelemetryConfig struct {
	MetricsAddr  string `yaml:"metrics_addr"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Graph: GraphConfig{
			Driver:    "postgres",
			Timeout:   5 * time.Second,
			Retention: 90 * 24 * time.Hour,
		},
		Vector: VectorConfig{
			URL:        "localhost:6334",
			Collection: "engram",
			DenseDim:   384,
			Timeout:    2 * time.Second,
		},
		Bus: BusConfig{
			URL:          "redis://localhost:6379/0",
			StreamMaxLen: 100000,
		},
		Dedup: DedupConfig{
			TTL:             5 * time.Minute,
			MaxEntries:      50000,
			CleanupInterval: time.Minute,
		},
		Indexer: IndexerConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
			MaxQueueSize:  1000,
			MaxRetries:    3,
			Workers:       2,
			Group:         "engram-indexer",
		},
		Search: SearchConfig{
			RerankTier:           "fast",
			RerankDepth:          30,
			RerankWeight:         0.6,
			RerankMaxConcurrency: 2,
			AbstentionThreshold:  0.3,
			NLIThreshold:         0.7,
			EmbedTimeout:         3 * time.Second,
			VectorTimeout:        2 * time.Second,
			LLMRerankTimeout:     30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "openai",
			Model:    "e5-small",
		},
		Hub: HubConfig{
			MaxBuffered:       256,
			HeartbeatInterval: 30 * time.Second,
			SnapshotSize:      100,
		},
		Pruner: PrunerConfig{
			Schedule:   "0 3 * * *",
			BatchSize:  500,
			MaxBatches: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "engram",
		},
	}
}

// Validate checks cross-field constraints that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	switch c.Graph.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown graph driver %q", c.Graph.Driver)
	}
	if c.Indexer.BatchSize <= 0 {
		return fmt.Errorf("config: indexer batch_size must be positive")
	}
	if c.Indexer.MaxQueueSize < c.Indexer.BatchSize {
		return fmt.Errorf("config: indexer max_queue_size must be >= batch_size")
	}
	if c.Search.RerankDepth <= 0 {
		return fmt.Errorf("config: search rerank_depth must be positive")
	}
	if c.Search.AbstentionThreshold < 0 || c.Search.AbstentionThreshold > 1 {
		return fmt.Errorf("config: abstention_threshold must be in [0,1]")
	}
	return nil
}
