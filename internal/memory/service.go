// Package memory exposes the user-facing memory operations: remember, recall,
// context assembly, and guarded graph queries.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/bus"
	"github.com/engramdev/engram/internal/dedup"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/internal/observability"
	"github.com/engramdev/engram/internal/search"
	"github.com/engramdev/engram/pkg/models"
)

// Depth controls how much context getContext assembles.
type Depth string

const (
	DepthShallow Depth = "shallow"
	DepthNormal  Depth = "normal"
	DepthDeep    Depth = "deep"
)

// depthK maps depth to the retrieval k per stage.
var depthK = map[Depth]int{
	DepthShallow: 5,
	DepthNormal:  10,
	DepthDeep:    25,
}

// RememberRequest stores one memory unit.
type RememberRequest struct {
	Content   string            `json:"content"`
	SessionID string            `json:"session_id,omitempty"`
	Project   string            `json:"project,omitempty"`
	Type      models.MemoryType `json:"type,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

// ContextBundle is the assembled context for a session.
type ContextBundle struct {
	Session  *models.Node          `json:"session,omitempty"`
	Turns    []*models.Node        `json:"turns,omitempty"`
	Memories []models.SearchResult `json:"memories"`
	Degraded bool                  `json:"degraded,omitempty"`
}

// Service implements the memory operations on top of the graph store and the
// retrieval engine.
type Service struct {
	store   graph.Store
	engine  *search.Engine
	querier *graph.Querier
	bus     bus.Bus
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewService creates the memory service. bus may be nil; remembered memories
// then skip indexing until the next rebuild.
func NewService(store graph.Store, engine *search.Engine, b bus.Bus, log *observability.Logger, metrics *observability.Metrics) *Service {
	return &Service{
		store:   store,
		engine:  engine,
		querier: graph.NewQuerier(store),
		bus:     b,
		log:     log,
		metrics: metrics,
	}
}

// Remember stores a memory unit. Identical content within the same session is
// rejected as a duplicate and the existing id is returned.
func (s *Service) Remember(ctx context.Context, req *RememberRequest) (*models.RememberResult, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, fmt.Errorf("memory: empty content")
	}

	hash := dedup.ContentHash("memory", content, "", req.SessionID)
	existing, err := s.store.MemoryByHash(ctx, req.SessionID, hash)
	if err != nil && err != graph.ErrNotFound {
		return nil, fmt.Errorf("memory: duplicate lookup: %w", err)
	}
	if existing != nil {
		return &models.RememberResult{ID: existing.LogicalID, Stored: false, Duplicate: true}, nil
	}

	memType := req.Type
	if memType == "" {
		memType = models.MemoryTypeFact
	}

	node := &models.Node{
		LogicalID: uuid.NewString(),
		Kind:      models.KindMemory,
		SessionID: req.SessionID,
		Props: map[string]any{
			"content":      content,
			"content_hash": hash,
			"type":         string(memType),
		},
	}
	if req.Project != "" {
		node.Props["project"] = req.Project
	}
	if len(req.Tags) > 0 {
		node.Props["tags"] = strings.Join(req.Tags, ",")
	}

	if err := s.store.CreateNode(ctx, node); err != nil {
		return nil, fmt.Errorf("memory: store: %w", err)
	}
	if s.metrics != nil {
		s.metrics.GraphCommits.WithLabelValues(string(models.KindMemory)).Inc()
	}
	s.publish(ctx, node)

	return &models.RememberResult{ID: node.LogicalID, Stored: true}, nil
}

// Recall runs a search request through the retrieval engine.
func (s *Service) Recall(ctx context.Context, req *models.SearchRequest) (*models.SearchResponse, error) {
	return s.engine.Search(ctx, req)
}

// GetContext assembles session context: the session node, its most recent
// turns, and session-aware memory retrieval for the query. Depth scales how
// much of each is returned.
func (s *Service) GetContext(ctx context.Context, sessionID, query string, depth Depth) (*ContextBundle, error) {
	k, ok := depthK[depth]
	if !ok {
		k = depthK[DepthNormal]
	}

	bundle := &ContextBundle{}

	session, err := s.store.CurrentNode(ctx, sessionID)
	if err != nil && err != graph.ErrNotFound {
		return nil, fmt.Errorf("memory: session lookup: %w", err)
	}
	bundle.Session = session

	// Sequence order is authoritative for recency; creation timestamps can
	// collide under replay.
	turns, err := s.store.NodesByKind(ctx, models.KindTurn, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("memory: turns lookup: %w", err)
	}
	sortTurns(turns)
	if len(turns) > k {
		turns = turns[len(turns)-k:]
	}
	bundle.Turns = turns

	if strings.TrimSpace(query) != "" {
		resp, err := s.engine.SearchSession(ctx, sessionID, &models.SearchRequest{
			Text:  query,
			Limit: k,
		})
		if err != nil {
			s.log.Warn("context retrieval failed, returning lineage only", "session_id", sessionID, "error", err)
			bundle.Degraded = true
		} else {
			bundle.Memories = resp.Results
			bundle.Degraded = bundle.Degraded || resp.Degraded
		}
	}
	return bundle, nil
}

// Query executes a guarded read-only graph query.
func (s *Service) Query(ctx context.Context, query string, params map[string]any) ([]*models.Node, error) {
	return s.querier.Query(ctx, query, params)
}

func (s *Service) publish(ctx context.Context, node *models.Node) {
	if s.bus == nil {
		return
	}
	err := s.bus.Publish(ctx, models.TopicNodesCreated, models.NodeCreatedEvent{
		ID:         node.LogicalID,
		Labels:     []string{string(node.Kind)},
		Properties: node.Props,
		SessionID:  node.SessionID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		s.log.Warn("memory event publish failed", "node_id", node.LogicalID, "error", err)
	}
}

// sortTurns orders turns by sequence_index ascending.
func sortTurns(turns []*models.Node) {
	sort.Slice(turns, func(i, j int) bool {
		return graph.PropInt(turns[i].Props, "sequence_index") < graph.PropInt(turns[j].Props, "sequence_index")
	})
}
