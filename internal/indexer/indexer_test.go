package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/vector"
	"github.com/engramdev/engram/pkg/models"
)

// flushMetrics builds unregistered collectors for the flush path so tests can
// read them without touching the default registry.
func flushMetrics() *observability.Metrics {
	return &observability.Metrics{
		IndexBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "test_index_batches_total"},
			[]string{"status"},
		),
		IndexQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "test_index_queue_depth"},
		),
	}
}

func testIndexer(t *testing.T, store vector.Store) (*Indexer, *bus.MemoryBus) {
	t.Helper()
	b := bus.NewMemoryBus()
	b.RegisterGroup(models.TopicNodesCreated, "engram-indexer")
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	idx := New(b, store,
		embeddings.NewHashingDense(32), embeddings.HashingSparse{}, nil,
		config.IndexerConfig{
			BatchSize:     4,
			FlushInterval: 20 * time.Millisecond,
			MaxQueueSize:  64,
			MaxRetries:    2,
			Group:         "engram-indexer",
		}, log, nil)
	return idx, b
}

func publishNode(t *testing.T, b *bus.MemoryBus, ev models.NodeCreatedEvent) {
	t.Helper()
	if err := b.Publish(context.Background(), models.TopicNodesCreated, ev); err != nil {
		t.Fatal(err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestIndexesAcceptedLabels(t *testing.T) {
	store := vector.NewMemoryStore()
	idx, b := testIndexer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := idx.Start(ctx); err != nil {
		t.Fatal(err)
	}

	publishNode(t, b, models.NodeCreatedEvent{
		ID:         "r1",
		Labels:     []string{"Reasoning"},
		Properties: map[string]any{"preview": "plan the migration in two phases"},
		SessionID:  "sess-1",
		CreatedAt:  time.Now(),
	})
	publishNode(t, b, models.NodeCreatedEvent{
		ID:         "tc1",
		Labels:     []string{"ToolCall"},
		Properties: map[string]any{"tool_name": "read"},
		SessionID:  "sess-1",
		CreatedAt:  time.Now(),
	})
	publishNode(t, b, models.NodeCreatedEvent{
		ID:         "m1",
		Labels:     []string{"Memory"},
		Properties: map[string]any{"content": "the API gateway lives in gateway/"},
		SessionID:  "sess-1",
		CreatedAt:  time.Now(),
	})

	waitFor(t, func() bool { return store.Len() == 2 })
	cancel()
	idx.Stop(context.Background())

	if store.Len() != 2 {
		t.Fatalf("indexed %d points, want 2 (ToolCall skipped)", store.Len())
	}
	p, ok := store.Point("r1")
	if !ok {
		t.Fatal("reasoning node not indexed")
	}
	if p.Payload["session_id"] != "sess-1" || p.Payload["type"] != "reasoning" {
		t.Fatalf("wrong payload: %+v", p.Payload)
	}
	if p.Payload["content"] != "plan the migration in two phases" {
		t.Fatalf("content not carried into payload: %v", p.Payload["content"])
	}
	if len(p.Dense) != 32 || len(p.SparseIndices) == 0 {
		t.Fatalf("missing vectors: dense=%d sparse=%d", len(p.Dense), len(p.SparseIndices))
	}
}

func TestSkipsNodesWithoutContent(t *testing.T) {
	store := vector.NewMemoryStore()
	idx, b := testIndexer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := idx.Start(ctx); err != nil {
		t.Fatal(err)
	}

	publishNode(t, b, models.NodeCreatedEvent{
		ID:        "t0",
		Labels:    []string{"Turn"},
		SessionID: "sess-1",
		CreatedAt: time.Now(),
	})
	publishNode(t, b, models.NodeCreatedEvent{
		ID:         "t1",
		Labels:     []string{"Turn"},
		Properties: map[string]any{"preview": "fixed the flaky test"},
		SessionID:  "sess-1",
		CreatedAt:  time.Now(),
	})

	waitFor(t, func() bool { return store.Len() == 1 })
	cancel()
	idx.Stop(context.Background())

	if _, ok := store.Point("t0"); ok {
		t.Fatal("content-less node should not be indexed")
	}
}

func TestBatchFlushOnSize(t *testing.T) {
	store := vector.NewMemoryStore()
	idx, b := testIndexer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := idx.Start(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 8; i++ {
		publishNode(t, b, models.NodeCreatedEvent{
			ID:         string(rune('a' + i)),
			Labels:     []string{"Thought"},
			Properties: map[string]any{"content": "thought number"},
			SessionID:  "sess-2",
			CreatedAt:  time.Now(),
		})
	}

	waitFor(t, func() bool { return store.Len() == 8 })
	cancel()
	idx.Stop(context.Background())

	if got := store.UpsertCalls(); got > 4 {
		t.Fatalf("expected batched upserts, got %d calls for 8 docs", got)
	}
}

func TestDeadLetterAfterRetriesExhausted(t *testing.T) {
	store := vector.NewMemoryStore()
	store.FailWith(errors.New("qdrant unavailable"))
	idx, b := testIndexer(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := idx.Start(ctx); err == nil {
		// EnsureCollection fails too when the store is down; if it passed,
		// the batch path must still dead-letter below.
		publishNode(t, b, models.NodeCreatedEvent{
			ID:         "d1",
			Labels:     []string{"Memory"},
			Properties: map[string]any{"content": "doomed"},
			SessionID:  "sess-3",
			CreatedAt:  time.Now(),
		})
		time.Sleep(100 * time.Millisecond)
		cancel()
		idx.Stop(context.Background())
	}

	if store.Len() != 0 {
		t.Fatalf("failed batch must not land, got %d points", store.Len())
	}
}

func TestStatusLifecycle(t *testing.T) {
	store := vector.NewMemoryStore()
	idx, b := testIndexer(t, store)
	b.RegisterGroup(models.TopicConsumerStatus, "watchers")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan string, 16)
	subCtx, subCancel := context.WithCancel(context.Background())
	defer subCancel()
	go b.Subscribe(subCtx, models.TopicConsumerStatus, "watchers", "w1", func(_ context.Context, msg *bus.Message) error {
		var ev models.ConsumerStatusEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		events <- ev.Event
		return nil
	})

	if err := idx.Start(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev != models.ConsumerReady {
			t.Fatalf("first status = %q, want %q", ev, models.ConsumerReady)
		}
	case <-time.After(time.Second):
		t.Fatal("no ready event")
	}

	cancel()
	idx.Stop(context.Background())

	var last string
	deadline := time.After(time.Second)
	for last != models.ConsumerDisconnected {
		select {
		case ev := <-events:
			last = ev
		case <-deadline:
			t.Fatalf("last status = %q, want %q", last, models.ConsumerDisconnected)
		}
	}
}

func TestRetryMetricCountsOnlyReAttempts(t *testing.T) {
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	cfg := config.IndexerConfig{
		BatchSize:     4,
		FlushInterval: time.Hour,
		MaxQueueSize:  64,
		MaxRetries:    2,
		Group:         "engram-indexer",
	}
	docs := []models.Document{{ID: "m1", Content: "flushed once"}}

	// A first-attempt success is not a retry.
	store := vector.NewMemoryStore()
	m := flushMetrics()
	idx := New(bus.NewMemoryBus(), store,
		embeddings.NewHashingDense(32), embeddings.HashingSparse{}, nil, cfg, log, m)
	idx.flush(context.Background(), docs)

	if got := testutil.ToFloat64(m.IndexBatches.WithLabelValues("retry")); got != 0 {
		t.Fatalf("retry count after clean flush = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.IndexBatches.WithLabelValues("ok")); got != 1 {
		t.Fatalf("ok count = %v, want 1", got)
	}

	// Two failing attempts produce one retry, then the dead letter.
	failing := vector.NewMemoryStore()
	failing.FailWith(errors.New("qdrant unavailable"))
	m = flushMetrics()
	idx = New(bus.NewMemoryBus(), failing,
		embeddings.NewHashingDense(32), embeddings.HashingSparse{}, nil, cfg, log, m)
	idx.flush(context.Background(), docs)

	if got := testutil.ToFloat64(m.IndexBatches.WithLabelValues("retry")); got != 1 {
		t.Fatalf("retry count after 2 failed attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.IndexBatches.WithLabelValues("dead_letter")); got != 1 {
		t.Fatalf("dead letter count = %v, want 1", got)
	}
}

func TestDocumentContentPreference(t *testing.T) {
	ev := &models.NodeCreatedEvent{Properties: map[string]any{
		"preview": "fallback",
		"content": "primary",
	}}
	if got := documentContent(ev); got != "primary" {
		t.Fatalf("documentContent = %q, want content field first", got)
	}
	ev = &models.NodeCreatedEvent{Properties: map[string]any{"user_content": "asked a question"}}
	if got := documentContent(ev); got != "asked a question" {
		t.Fatalf("documentContent = %q", got)
	}
	if got := documentContent(&models.NodeCreatedEvent{}); got != "" {
		t.Fatalf("documentContent on empty props = %q", got)
	}
}
