// Package graph persists the bitemporal lineage graph: sessions, turns,
// reasoning blocks, tool calls, observations, memories, and the labeled edges
// between them. Rows are never mutated in place; an amendment closes the
// current row on the transaction-time axis and inserts a successor.
package graph

import (
	"context"
	"errors"
	"time"

	"github.com/engramdev/engram/pkg/models"
)

// ErrNotFound is returned when no row satisfies the lookup.
var ErrNotFound = errors.New("graph: not found")

// Store is the interface for lineage persistence.
type Store interface {
	// Node lifecycle
	CreateNode(ctx context.Context, node *models.Node) error
	CurrentNode(ctx context.Context, logicalID string) (*models.Node, error)
	NodeAt(ctx context.Context, logicalID string, vt, tt time.Time) (*models.Node, error)
	AmendNode(ctx context.Context, logicalID string, mutate func(*models.Node)) (*models.Node, error)

	// Edges
	CreateEdge(ctx context.Context, edge *models.Edge) error
	EdgesFrom(ctx context.Context, from string, label models.EdgeLabel) ([]*models.Edge, error)
	EdgeExists(ctx context.Context, from, to string, label models.EdgeLabel) (bool, error)

	// Lookups
	NodesByKind(ctx context.Context, kind models.NodeKind, sessionID string, limit int) ([]*models.Node, error)
	MaxTurnSequence(ctx context.Context, sessionID string) (int, error)
	ToolCallByCallID(ctx context.Context, sessionID, callID string) (*models.Node, error)
	MemoryByHash(ctx context.Context, sessionID, contentHash string) (*models.Node, error)

	// Durable per-session dedup
	SeenHash(ctx context.Context, sessionID, contentHash string) (bool, error)
	RecordHash(ctx context.Context, sessionID, contentHash string) error

	// Degraded-path retrieval
	KeywordSearch(ctx context.Context, terms []string, limit int) ([]*models.Node, error)

	// Retention. ListExpired previews the exact rows the next PruneExpired
	// call with the same arguments will remove, oldest transaction close
	// first, so callers can archive before deleting.
	ListExpired(ctx context.Context, cutoff time.Time, batchSize int) ([]*models.Node, error)
	PruneExpired(ctx context.Context, cutoff time.Time, batchSize int) ([]*models.Node, error)

	Close() error
}
