package memory

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/internal/embeddings"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/search"
	"github.com/engramdev/engram/internal/vector"
	"github.com/engramdev/engram/pkg/models"
)

func testService(t *testing.T) (*Service, graph.Store, *bus.MemoryBus) {
	t.Helper()
	log := observability.NewLogger(observability.LogConfig{Output: io.Discard})
	store := graph.NewMemoryStore()
	vstore := vector.NewMemoryStore()
	engine := search.NewEngine(vstore, store,
		embeddings.NewHashingDense(64), embeddings.HashingSparse{},
		config.SearchConfig{}, log, nil)
	b := bus.NewMemoryBus()
	b.RegisterGroup(models.TopicNodesCreated, "test")
	return NewService(store, engine, b, log, nil), store, b
}

func TestRememberStoresMemoryNode(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	res, err := svc.Remember(ctx, &RememberRequest{
		Content:   "the deploy pipeline uses blue-green rollouts",
		SessionID: "sess-1",
		Type:      models.MemoryTypeDecision,
		Tags:      []string{"deploy", "infra"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stored || res.Duplicate || res.ID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	node, err := store.CurrentNode(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if node.Kind != models.KindMemory {
		t.Fatalf("kind = %s", node.Kind)
	}
	if graph.PropString(node.Props, "type") != "decision" {
		t.Fatalf("type prop = %q", graph.PropString(node.Props, "type"))
	}
	if graph.PropString(node.Props, "content_hash") == "" {
		t.Fatal("content hash missing")
	}
}

func TestRememberDuplicateReturnsExistingID(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	first, err := svc.Remember(ctx, &RememberRequest{
		Content:   "prefer table-driven tests",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.Remember(ctx, &RememberRequest{
		Content:   "prefer table-driven tests",
		SessionID: "sess-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Stored || !second.Duplicate {
		t.Fatalf("duplicate not detected: %+v", second)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate id = %s, want %s", second.ID, first.ID)
	}
}

func TestRememberSameContentDifferentSessions(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	a, err := svc.Remember(ctx, &RememberRequest{Content: "shared fact", SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Remember(ctx, &RememberRequest{Content: "shared fact", SessionID: "sess-2"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.Stored || !b.Stored {
		t.Fatal("dedup must be session-scoped")
	}
	if a.ID == b.ID {
		t.Fatal("distinct sessions must get distinct memories")
	}
}

func TestRememberEmptyContentRejected(t *testing.T) {
	svc, _, _ := testService(t)
	if _, err := svc.Remember(context.Background(), &RememberRequest{Content: "   "}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRememberPublishesNodeEvent(t *testing.T) {
	svc, _, b := testService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan models.NodeCreatedEvent, 1)
	go b.Subscribe(ctx, models.TopicNodesCreated, "test", "c1", func(_ context.Context, msg *bus.Message) error {
		var ev models.NodeCreatedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		got <- ev
		return nil
	})

	res, err := svc.Remember(ctx, &RememberRequest{Content: "observable fact", SessionID: "sess-1"})
	if err != nil {
		t.Fatal(err)
	}

	ev := <-got
	if ev.ID != res.ID {
		t.Fatalf("event id = %s, want %s", ev.ID, res.ID)
	}
	if len(ev.Labels) != 1 || ev.Labels[0] != "Memory" {
		t.Fatalf("labels = %v", ev.Labels)
	}
}

func TestGetContextDepthControlsTurnCount(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	if err := store.CreateNode(ctx, &models.Node{
		LogicalID: "sess-1", Kind: models.KindSession, SessionID: "sess-1",
		Props: map[string]any{"started_at": "2026-08-01T00:00:00Z"},
	}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 8; i++ {
		if err := store.CreateNode(ctx, &models.Node{
			LogicalID: "turn-" + string(rune('a'+i)), Kind: models.KindTurn, SessionID: "sess-1",
			Props: map[string]any{"sequence_index": i},
		}); err != nil {
			t.Fatal(err)
		}
	}

	bundle, err := svc.GetContext(ctx, "sess-1", "", DepthShallow)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Session == nil {
		t.Fatal("session missing from bundle")
	}
	if len(bundle.Turns) != 5 {
		t.Fatalf("shallow depth returned %d turns, want 5", len(bundle.Turns))
	}
	last := graph.PropInt(bundle.Turns[len(bundle.Turns)-1].Props, "sequence_index")
	if last != 7 {
		t.Fatalf("most recent turn sequence = %d, want 7", last)
	}
}

func TestGetContextUnknownSession(t *testing.T) {
	svc, _, _ := testService(t)
	bundle, err := svc.GetContext(context.Background(), "nope", "", DepthNormal)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Session != nil || len(bundle.Turns) != 0 {
		t.Fatalf("unknown session must return empty bundle: %+v", bundle)
	}
}

func TestQueryPassthroughGuarded(t *testing.T) {
	svc, store, _ := testService(t)
	ctx := context.Background()

	if err := store.CreateNode(ctx, &models.Node{
		LogicalID: "m1", Kind: models.KindMemory, SessionID: "sess-1",
		Props: map[string]any{"content": "a fact"},
	}); err != nil {
		t.Fatal(err)
	}

	nodes, err := svc.Query(ctx, "MATCH (n:Memory) RETURN n", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 {
		t.Fatalf("got %d nodes", len(nodes))
	}

	if _, err := svc.Query(ctx, "MATCH (n) DELETE n RETURN n", nil); err == nil {
		t.Fatal("write query must be rejected")
	}
}
