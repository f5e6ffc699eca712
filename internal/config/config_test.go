package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dedup.TTL != 5*time.Minute {
		t.Errorf("default dedup TTL = %v, want 5m", cfg.Dedup.TTL)
	}
	if cfg.Indexer.BatchSize != 100 {
		t.Errorf("default batch size = %d, want 100", cfg.Indexer.BatchSize)
	}
	if cfg.Search.AbstentionThreshold != 0.3 {
		t.Errorf("default abstention threshold = %v, want 0.3", cfg.Search.AbstentionThreshold)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engram.yaml")
	body := `
graph:
  driver: sqlite
  url: file:test.db
indexer:
  batch_size: 25
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("BATCH_SIZE", "50")
	t.Setenv("DEDUP_TTL_MS", "60000")
	t.Setenv("GRAPH_URL", "file:env.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Graph.Driver != "sqlite" {
		t.Errorf("driver = %q, want sqlite", cfg.Graph.Driver)
	}
	// Env wins over file.
	if cfg.Indexer.BatchSize != 50 {
		t.Errorf("batch size = %d, want 50", cfg.Indexer.BatchSize)
	}
	if cfg.Graph.URL != "file:env.db" {
		t.Errorf("graph url = %q, want file:env.db", cfg.Graph.URL)
	}
	if cfg.Dedup.TTL != time.Minute {
		t.Errorf("dedup TTL = %v, want 1m", cfg.Dedup.TTL)
	}
}

func TestValidateRejectsBadDriver(t *testing.T) {
	cfg := Default()
	cfg.Graph.Driver = "dgraph"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown graph driver")
	}
}

func TestValidateQueueBound(t *testing.T) {
	cfg := Default()
	cfg.Indexer.MaxQueueSize = 10
	cfg.Indexer.BatchSize = 100
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for queue smaller than batch")
	}
}
