// Package indexer consumes node-created events from the bus, derives
// documents from accepted node labels, and writes dense, sparse, and
// optional colbert vectors to the vector store in batches.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/engramdev/engram/internal/backoff"
	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/infra"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/vector"
	"github.com/engramdev/engram/pkg/models"
)

// acceptedLabels are the node kinds worth indexing for retrieval.
var acceptedLabels = map[string]bool{
	"Thought":      true,
	"CodeArtifact": true,
	"Turn":         true,
	"Memory":       true,
	"Reasoning":    true,
}

const consumerName = "indexer"

// Indexer is the hybrid indexing pipeline.
type Indexer struct {
	bus     bus.Bus
	store   vector.Store
	dense   embeddings.DenseEmbedder
	sparse  embeddings.SparseEmbedder
	colbert embeddings.ColbertEmbedder
	cfg     config.IndexerConfig
	log     *observability.Logger
	metrics *observability.Metrics

	queue  *infra.BatchQueue[models.Document]
	status *bus.StatusPublisher

	wg sync.WaitGroup
}

// New creates an indexer. colbert and metrics may be nil.
func New(b bus.Bus, store vector.Store, dense embeddings.DenseEmbedder, sparse embeddings.SparseEmbedder, colbert embeddings.ColbertEmbedder, cfg config.IndexerConfig, log *observability.Logger, metrics *observability.Metrics) *Indexer {
	idx := &Indexer{
		bus:     b,
		store:   store,
		dense:   dense,
		sparse:  sparse,
		colbert: colbert,
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
	idx.queue = infra.NewBatchQueue(infra.BatchQueueConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxQueueSize:  cfg.MaxQueueSize,
	}, idx.flush)
	idx.status = bus.NewStatusPublisher(b, cfg.Group, consumerName, bus.DefaultHeartbeatInterval, log)
	return idx
}

// Start ensures the collection exists, announces readiness, and begins
// consuming until ctx is done.
func (idx *Indexer) Start(ctx context.Context) error {
	if err := idx.store.EnsureCollection(ctx); err != nil {
		return err
	}
	idx.status.Start(ctx)

	idx.wg.Add(1)
	go func() {
		defer idx.wg.Done()
		err := idx.bus.Subscribe(ctx, models.TopicNodesCreated, idx.cfg.Group, consumerName, idx.handle)
		if err != nil && ctx.Err() == nil {
			idx.log.Error("indexer subscription ended", "error", err)
		}
	}()
	return nil
}

// Stop drains the queue and announces disconnection.
func (idx *Indexer) Stop(ctx context.Context) {
	idx.wg.Wait()
	idx.queue.Stop()
	idx.status.Stop(ctx)
}

// handle converts one node-created event into a queued document. Errors on
// malformed events are returned for the consumer to log; the offset
// advances regardless.
func (idx *Indexer) handle(ctx context.Context, msg *bus.Message) error {
	var ev models.NodeCreatedEvent
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return fmt.Errorf("indexer: malformed node event %s: %w", msg.ID, err)
	}

	kind := ""
	for _, label := range ev.Labels {
		if acceptedLabels[label] {
			kind = label
			break
		}
	}
	if kind == "" {
		return nil
	}

	content := documentContent(&ev)
	if content == "" {
		return nil
	}

	doc := models.Document{
		ID:      ev.ID,
		Content: content,
		Metadata: map[string]any{
			"session_id": ev.SessionID,
			"labels":     ev.Labels,
			"type":       strings.ToLower(kind),
			"vt_start":   ev.CreatedAt.Unix(),
		},
	}
	if err := idx.queue.Enqueue(ctx, doc); err != nil {
		return fmt.Errorf("indexer: enqueue %s: %w", ev.ID, err)
	}
	if idx.metrics != nil {
		idx.metrics.IndexQueueDepth.Set(float64(idx.queue.Len()))
	}
	return nil
}

// documentContent extracts the indexable text from a node's properties.
func documentContent(ev *models.NodeCreatedEvent) string {
	for _, key := range []string{"content", "preview", "assistant_preview", "user_content", "content_preview"} {
		if v, ok := ev.Properties[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// flush embeds a batch in all enabled spaces and upserts it in one call.
// Transient failures back off and retry; an exhausted batch is dead-lettered
// so the consumer can advance.
func (idx *Indexer) flush(ctx context.Context, docs []models.Document) {
	if len(docs) == 0 {
		return
	}

	maxRetries := idx.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	// Attempts are numbered from 1; only re-attempts count as retries.
	_, err := backoff.Retry(ctx, backoff.DefaultPolicy(), maxRetries, func(attempt int) (struct{}, error) {
		if attempt > 1 && idx.metrics != nil {
			idx.metrics.IndexBatches.WithLabelValues("retry").Inc()
		}
		return struct{}{}, idx.indexBatch(ctx, docs)
	})
	if err != nil {
		if idx.metrics != nil {
			idx.metrics.IndexBatches.WithLabelValues("dead_letter").Inc()
		}
		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		idx.log.Error("batch dead-lettered", "count", len(docs), "ids", strings.Join(ids, ","), "error", err)
		return
	}
	if idx.metrics != nil {
		idx.metrics.IndexBatches.WithLabelValues("ok").Inc()
		idx.metrics.IndexQueueDepth.Set(float64(idx.queue.Len()))
	}
}

func (idx *Indexer) indexBatch(ctx context.Context, docs []models.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	dense, err := idx.dense.EmbedDense(ctx, texts)
	if err != nil {
		return backoff.MarkTransient(err)
	}
	sparse, err := idx.sparse.EmbedSparse(ctx, texts)
	if err != nil {
		return backoff.MarkTransient(err)
	}
	var colbert [][][]float32
	if idx.colbert != nil {
		colbert, err = idx.colbert.EmbedColbert(ctx, texts)
		if err != nil {
			return backoff.MarkTransient(err)
		}
	}

	points := make([]vector.Point, len(docs))
	for i, d := range docs {
		payload := map[string]any{"content": d.Content}
		for k, v := range d.Metadata {
			payload[k] = v
		}
		points[i] = vector.Point{
			ID:            d.ID,
			Dense:         dense[i],
			SparseIndices: sparse[i].Indices,
			SparseValues:  sparse[i].Values,
			Payload:       payload,
		}
		if colbert != nil {
			points[i].Colbert = colbert[i]
		}
	}

	if err := idx.store.Upsert(ctx, points); err != nil {
		return backoff.MarkTransient(err)
	}
	return nil
}
