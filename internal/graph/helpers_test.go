package graph

import (
	"io"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.LogConfig{Output: io.Discard})
}

func testPrunerConfig(batchSize, maxBatches int) config.PrunerConfig {
	return config.PrunerConfig{
		Enabled:    true,
		BatchSize:  batchSize,
		MaxBatches: maxBatches,
	}
}
