package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the runtime configuration: defaults, then the YAML file at path
// (if non-empty), then flat environment overrides. Environment variables in
// the file body are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers the flat environment variable set over the config.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.IngestionURL, "INGESTION_URL")
	setString(&cfg.Server.SearchURL, "SEARCH_URL")
	setString(&cfg.Graph.URL, "GRAPH_URL")
	setString(&cfg.Vector.URL, "VECTOR_STORE_URL")
	setString(&cfg.Bus.URL, "BUS_URL")

	setString(&cfg.Server.AuthToken, "AUTH_TOKEN")
	setString(&cfg.Server.OAuthIntrospectionURL, "OAUTH_INTROSPECTION_URL")
	setString(&cfg.Server.OAuthClientID, "OAUTH_CLIENT_ID")
	setString(&cfg.Server.OAuthClientSecret, "OAUTH_CLIENT_SECRET")
	setString(&cfg.Server.ResourceServerURL, "RESOURCE_SERVER_URL")

	setMillis(&cfg.Dedup.TTL, "DEDUP_TTL_MS")
	setInt(&cfg.Dedup.MaxEntries, "DEDUP_MAX_ENTRIES")
	setMillis(&cfg.Dedup.CleanupInterval, "DEDUP_CLEANUP_MS")

	setInt(&cfg.Indexer.BatchSize, "BATCH_SIZE")
	setMillis(&cfg.Indexer.FlushInterval, "FLUSH_INTERVAL_MS")
	setInt(&cfg.Indexer.MaxQueueSize, "MAX_QUEUE_SIZE")

	setString(&cfg.Search.RerankTier, "RERANK_TIER")
	setString(&cfg.Search.RerankFastURL, "RERANK_FAST_URL")
	setString(&cfg.Search.RerankAccurateURL, "RERANK_ACCURATE_URL")
	setString(&cfg.Search.RerankCodeURL, "RERANK_CODE_URL")
	setString(&cfg.Search.LLMRerankModel, "LLM_RERANK_MODEL")
	setInt(&cfg.Search.RerankDepth, "RERANK_DEPTH")
	setInt(&cfg.Search.RerankMaxConcurrency, "RERANK_MAX_CONCURRENCY")
	setFloat(&cfg.Search.RerankWeight, "RERANK_WEIGHT")
	setFloat(&cfg.Search.AbstentionThreshold, "ABSTENTION_THRESHOLD")
	setFloat(&cfg.Search.NLIThreshold, "NLI_THRESHOLD")
	setFloat(&cfg.Search.TemporalConfidenceThreshold, "TEMPORAL_CONFIDENCE_THRESHOLD")

	setString(&cfg.Embeddings.APIKey, "EMBEDDINGS_API_KEY")
	setString(&cfg.Embeddings.BaseURL, "EMBEDDINGS_BASE_URL")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
