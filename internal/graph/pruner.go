package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/pkg/models"
)

// Archiver receives pruned node rows before they are dropped.
type Archiver interface {
	Archive(ctx context.Context, nodes []*models.Node) error
}

// Pruner removes rows closed on the transaction axis longer ago than the
// retention window, in fixed-size batches, optionally archiving each batch
// first. A run stops when a batch comes back empty or MaxBatches is reached.
type Pruner struct {
	store     Store
	archiver  Archiver
	retention time.Duration
	cfg       config.PrunerConfig
	log       *observability.Logger

	cron *cron.Cron
}

// NewPruner creates a pruner. archiver may be nil.
func NewPruner(store Store, archiver Archiver, retention time.Duration, cfg config.PrunerConfig, log *observability.Logger) *Pruner {
	return &Pruner{
		store:     store,
		archiver:  archiver,
		retention: retention,
		cfg:       cfg,
		log:       log,
	}
}

// Start schedules periodic runs. No-op when the schedule is empty.
func (p *Pruner) Start() error {
	if p.cfg.Schedule == "" {
		return nil
	}
	p.cron = cron.New()
	_, err := p.cron.AddFunc(p.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := p.Run(ctx); err != nil {
			p.log.Error("scheduled prune failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	p.cron.Start()
	return nil
}

// Stop halts the schedule and waits for an in-flight run.
func (p *Pruner) Stop() {
	if p.cron != nil {
		<-p.cron.Stop().Done()
	}
}

// Run performs one prune pass and returns how many rows were removed. With
// an archiver configured each batch is written to the archive before its
// rows are deleted; an archive failure aborts the run with nothing lost.
func (p *Pruner) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.retention)
	total := 0
	for batch := 0; p.cfg.MaxBatches <= 0 || batch < p.cfg.MaxBatches; batch++ {
		if p.archiver != nil {
			pending, err := p.store.ListExpired(ctx, cutoff, p.cfg.BatchSize)
			if err != nil {
				return total, err
			}
			if len(pending) == 0 {
				break
			}
			if err := p.archiver.Archive(ctx, pending); err != nil {
				return total, fmt.Errorf("archive batch before prune: %w", err)
			}
		}
		nodes, err := p.store.PruneExpired(ctx, cutoff, p.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(nodes) == 0 {
			break
		}
		total += len(nodes)
	}
	if total > 0 {
		p.log.Info("pruned expired graph rows", "removed", total, "cutoff", cutoff)
	}
	return total, nil
}
