package graph

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"github.com/engramdev/engram/pkg/models"
)

// The exposed query() API accepts a deliberately narrow pattern language over
// the lineage graph:
//
//	MATCH (n[:Label]) [WHERE n.session_id = $param] RETURN n [LIMIT k]
//
// Everything else fails with a shape error. The guard runs first, so write
// verbs are rejected with their own message before shape matching.
var queryShapeRe = regexp.MustCompile(
	`(?is)^\s*MATCH\s*\(\s*(\w+)\s*(?::\s*(\w+))?\s*\)\s*` +
		`(?:WHERE\s+(\w+)\.session_id\s*=\s*\$(\w+)\s*)?` +
		`RETURN\s+(\w+)\s*(?:LIMIT\s+(\d+)\s*)?$`)

const defaultQueryLimit = 100

// Querier executes guarded read-only queries against a Store.
type Querier struct {
	store Store
}

// NewQuerier wraps a store with the read-only query surface.
func NewQuerier(store Store) *Querier {
	return &Querier{store: store}
}

// Query validates, parses, and executes a read-only graph query. params
// resolves `$name` placeholders referenced by the query.
func (q *Querier) Query(ctx context.Context, query string, params map[string]any) ([]*models.Node, error) {
	if err := GuardQuery(query); err != nil {
		return nil, err
	}

	m := queryShapeRe.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("graph: unsupported query shape: %q", query)
	}
	alias, label, whereAlias, paramName, retAlias, limitStr := m[1], m[2], m[3], m[4], m[5], m[6]

	if retAlias != alias {
		return nil, fmt.Errorf("graph: RETURN references unknown alias %q", retAlias)
	}
	if whereAlias != "" && whereAlias != alias {
		return nil, fmt.Errorf("graph: WHERE references unknown alias %q", whereAlias)
	}

	sessionID := ""
	if paramName != "" {
		v, ok := params[paramName]
		if !ok {
			return nil, fmt.Errorf("graph: missing query parameter $%s", paramName)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("graph: parameter $%s must be a string", paramName)
		}
		sessionID = s
	}

	limit := defaultQueryLimit
	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("graph: invalid LIMIT %q", limitStr)
		}
		limit = n
	}

	if label != "" {
		return q.store.NodesByKind(ctx, models.NodeKind(label), sessionID, limit)
	}

	// No label: collect across all kinds up to the limit.
	kinds := []models.NodeKind{
		models.KindSession, models.KindTurn, models.KindReasoning,
		models.KindToolCall, models.KindObservation, models.KindMemory,
	}
	var out []*models.Node
	for _, kind := range kinds {
		if len(out) >= limit {
			break
		}
		nodes, err := q.store.NodesByKind(ctx, kind, sessionID, limit-len(out))
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}
