package graph

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and by `engram watch`
// sessions that run without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	rows   map[string][]*models.Node // logical id -> rows, append order = tt order
	edges  []*models.Edge
	hashes map[string]map[string]struct{}

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:   make(map[string][]*models.Node),
		hashes: make(map[string]map[string]struct{}),
		now:    time.Now,
	}
}

func cloneNode(n *models.Node) *models.Node {
	out := *n
	out.Props = make(map[string]any, len(n.Props))
	for k, v := range n.Props {
		out.Props[k] = v
	}
	return &out
}

// CreateNode inserts a new row. Zero bitemporal fields are initialized to
// open intervals anchored at now.
func (s *MemoryStore) CreateNode(_ context.Context, node *models.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := cloneNode(node)
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TTStart.IsZero() {
		row.Bitemporal = models.NewBitemporal(s.now())
	}
	s.rows[row.LogicalID] = append(s.rows[row.LogicalID], row)
	return nil
}

// CurrentNode returns the row representing current knowledge.
func (s *MemoryStore) CurrentNode(_ context.Context, logicalID string) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLocked(logicalID)
}

func (s *MemoryStore) currentLocked(logicalID string) (*models.Node, error) {
	for _, row := range s.rows[logicalID] {
		if row.Current() {
			return cloneNode(row), nil
		}
	}
	return nil, ErrNotFound
}

// NodeAt returns the row whose valid and transaction intervals both contain
// the given instants.
func (s *MemoryStore) NodeAt(_ context.Context, logicalID string, vt, tt time.Time) (*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.rows[logicalID] {
		if row.Contains(vt, tt) {
			return cloneNode(row), nil
		}
	}
	return nil, ErrNotFound
}

// AmendNode closes the current row on the transaction axis and inserts the
// mutated successor. The valid interval carries over unless mutate overrides
// it.
func (s *MemoryStore) AmendNode(_ context.Context, logicalID string, mutate func(*models.Node)) (*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current *models.Node
	for _, row := range s.rows[logicalID] {
		if row.Current() {
			current = row
			break
		}
	}
	if current == nil {
		return nil, ErrNotFound
	}

	now := s.now()
	next := cloneNode(current)
	next.ID = uuid.NewString()
	next.TTStart = now
	next.TTEnd = models.MaxTimestamp
	mutate(next)

	current.TTEnd = now
	s.rows[logicalID] = append(s.rows[logicalID], next)
	return cloneNode(next), nil
}

func (s *MemoryStore) CreateEdge(_ context.Context, edge *models.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *edge
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TTStart.IsZero() {
		e.Bitemporal = models.NewBitemporal(s.now())
	}
	s.edges = append(s.edges, &e)
	return nil
}

func (s *MemoryStore) EdgesFrom(_ context.Context, from string, label models.EdgeLabel) ([]*models.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Edge
	for _, e := range s.edges {
		if e.From == from && e.Label == label {
			copied := *e
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *MemoryStore) EdgeExists(_ context.Context, from, to string, label models.EdgeLabel) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.edges {
		if e.From == from && e.To == to && e.Label == label {
			return true, nil
		}
	}
	return false, nil
}

// NodesByKind returns current rows of a kind, newest valid-time first.
// sessionID filters when non-empty.
func (s *MemoryStore) NodesByKind(_ context.Context, kind models.NodeKind, sessionID string, limit int) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Node
	for _, rows := range s.rows {
		for _, row := range rows {
			if !row.Current() || row.Kind != kind {
				continue
			}
			if sessionID != "" && row.SessionID != sessionID {
				continue
			}
			out = append(out, cloneNode(row))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VTStart.Equal(out[j].VTStart) {
			return out[i].LogicalID < out[j].LogicalID
		}
		return out[i].VTStart.After(out[j].VTStart)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MaxTurnSequence returns the highest turn sequence index in a session, or
// -1 when the session has no turns.
func (s *MemoryStore) MaxTurnSequence(ctx context.Context, sessionID string) (int, error) {
	turns, err := s.NodesByKind(ctx, models.KindTurn, sessionID, 0)
	if err != nil {
		return -1, err
	}
	max := -1
	for _, t := range turns {
		if seq := PropInt(t.Props, "sequence_index"); seq > max {
			max = seq
		}
	}
	return max, nil
}

func (s *MemoryStore) ToolCallByCallID(ctx context.Context, sessionID, callID string) (*models.Node, error) {
	calls, err := s.NodesByKind(ctx, models.KindToolCall, sessionID, 0)
	if err != nil {
		return nil, err
	}
	for _, c := range calls {
		if PropString(c.Props, "call_id") == callID {
			return c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) MemoryByHash(ctx context.Context, sessionID, contentHash string) (*models.Node, error) {
	memories, err := s.NodesByKind(ctx, models.KindMemory, sessionID, 0)
	if err != nil {
		return nil, err
	}
	for _, m := range memories {
		if PropString(m.Props, "content_hash") == contentHash {
			return m, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SeenHash(_ context.Context, sessionID, contentHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.hashes[sessionID][contentHash]
	return ok, nil
}

func (s *MemoryStore) RecordHash(_ context.Context, sessionID, contentHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.hashes[sessionID]
	if !ok {
		set = make(map[string]struct{})
		s.hashes[sessionID] = set
	}
	set[contentHash] = struct{}{}
	return nil
}

// KeywordSearch matches terms against string property values of current
// rows, ranked by how many terms hit.
func (s *MemoryStore) KeywordSearch(_ context.Context, terms []string, limit int) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		node *models.Node
		hits int
	}
	var matches []scored
	for _, rows := range s.rows {
		for _, row := range rows {
			if !row.Current() {
				continue
			}
			hits := 0
			for _, term := range terms {
				lower := strings.ToLower(term)
				for _, v := range row.Props {
					if sv, ok := v.(string); ok && strings.Contains(strings.ToLower(sv), lower) {
						hits++
						break
					}
				}
			}
			if hits > 0 {
				matches = append(matches, scored{node: cloneNode(row), hits: hits})
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].hits == matches[j].hits {
			return matches[i].node.LogicalID < matches[j].node.LogicalID
		}
		return matches[i].hits > matches[j].hits
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*models.Node, len(matches))
	for i, m := range matches {
		out[i] = m.node
	}
	return out, nil
}

// expiredLocked returns the rows closed before cutoff, oldest transaction
// close first with row id tie-break, trimmed to batchSize. Deterministic so
// ListExpired previews exactly what PruneExpired removes.
func (s *MemoryStore) expiredLocked(cutoff time.Time, batchSize int) []*models.Node {
	var out []*models.Node
	for _, rows := range s.rows {
		for _, row := range rows {
			if !row.Current() && row.TTEnd.Before(cutoff) {
				out = append(out, row)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TTEnd.Equal(out[j].TTEnd) {
			return out[i].ID < out[j].ID
		}
		return out[i].TTEnd.Before(out[j].TTEnd)
	})
	if batchSize > 0 && len(out) > batchSize {
		out = out[:batchSize]
	}
	return out
}

// ListExpired previews the next prune batch without removing anything.
func (s *MemoryStore) ListExpired(_ context.Context, cutoff time.Time, batchSize int) ([]*models.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch := s.expiredLocked(cutoff, batchSize)
	out := make([]*models.Node, len(batch))
	for i, row := range batch {
		out[i] = cloneNode(row)
	}
	return out, nil
}

// PruneExpired removes rows closed on the transaction axis before cutoff, up
// to batchSize, and returns them for archiving.
func (s *MemoryStore) PruneExpired(_ context.Context, cutoff time.Time, batchSize int) ([]*models.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.expiredLocked(cutoff, batchSize)
	if len(batch) == 0 {
		return nil, nil
	}
	drop := make(map[*models.Node]bool, len(batch))
	removed := make([]*models.Node, 0, len(batch))
	for _, row := range batch {
		drop[row] = true
		removed = append(removed, cloneNode(row))
	}
	for logical, rows := range s.rows {
		var kept []*models.Node
		for _, row := range rows {
			if !drop[row] {
				kept = append(kept, row)
			}
		}
		if len(kept) == 0 {
			delete(s.rows, logical)
		} else {
			s.rows[logical] = kept
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
