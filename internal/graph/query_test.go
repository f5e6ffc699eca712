package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/engramdev/engram/pkg/models"
)

func seedQueryStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()
	nodes := []*models.Node{
		{LogicalID: "sess-1", Kind: models.KindSession, SessionID: "sess-1", Props: map[string]any{}},
		{LogicalID: "turn-1", Kind: models.KindTurn, SessionID: "sess-1", Props: map[string]any{"sequence_index": 0}},
		{LogicalID: "turn-2", Kind: models.KindTurn, SessionID: "sess-2", Props: map[string]any{"sequence_index": 0}},
	}
	for _, n := range nodes {
		if err := s.CreateNode(ctx, n); err != nil {
			t.Fatalf("CreateNode: %v", err)
		}
	}
	return s
}

func TestQuerierMatchAll(t *testing.T) {
	q := NewQuerier(seedQueryStore(t))
	out, err := q.Query(context.Background(), "MATCH (n) RETURN n LIMIT 10", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("got %d nodes, want 3", len(out))
	}
}

func TestQuerierLabelAndSessionFilter(t *testing.T) {
	q := NewQuerier(seedQueryStore(t))
	out, err := q.Query(context.Background(),
		"MATCH (n:Turn) WHERE n.session_id = $sid RETURN n",
		map[string]any{"sid": "sess-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 || out[0].LogicalID != "turn-1" {
		t.Errorf("results = %+v, want only turn-1", out)
	}
}

func TestQuerierRejectsWrites(t *testing.T) {
	q := NewQuerier(seedQueryStore(t))

	_, err := q.Query(context.Background(), "CREATE (n:X)", nil)
	if err == nil || !strings.Contains(err.Error(), "Query must start with one of") {
		t.Errorf("CREATE error = %v, want prefix rejection", err)
	}

	_, err = q.Query(context.Background(), "MATCH (n) SET n.p=1", nil)
	if err == nil || !strings.Contains(err.Error(), "Write operations are not allowed") {
		t.Errorf("SET error = %v, want write rejection", err)
	}
}

func TestQuerierRejectsUnsupportedShape(t *testing.T) {
	q := NewQuerier(seedQueryStore(t))
	cases := []string{
		"MATCH (a)-[:HAS_TURN]->(b) RETURN b",
		"MATCH (n) RETURN n.id",
		"MATCH (n) RETURN m",
	}
	for _, c := range cases {
		if _, err := q.Query(context.Background(), c, nil); err == nil {
			t.Errorf("Query(%q) = nil error, want rejection", c)
		}
	}
}

func TestQuerierMissingParam(t *testing.T) {
	q := NewQuerier(seedQueryStore(t))
	_, err := q.Query(context.Background(),
		"MATCH (n:Turn) WHERE n.session_id = $sid RETURN n", nil)
	if err == nil || !strings.Contains(err.Error(), "$sid") {
		t.Errorf("error = %v, want missing parameter", err)
	}
}

func TestQuerierLimit(t *testing.T) {
	q := NewQuerier(seedQueryStore(t))
	out, err := q.Query(context.Background(), "MATCH (n:Turn) RETURN n LIMIT 1", nil)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("got %d nodes, want 1", len(out))
	}
}
