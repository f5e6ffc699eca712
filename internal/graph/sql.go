package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/engramdev/engram/internal/config"
	"github.com/engramdev/engram/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
	row_id     TEXT PRIMARY KEY,
	logical_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	props      TEXT NOT NULL,
	vt_start   TIMESTAMP NOT NULL,
	vt_end     TIMESTAMP NOT NULL,
	tt_start   TIMESTAMP NOT NULL,
	tt_end     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_nodes_logical ON nodes(logical_id, tt_end);
CREATE INDEX IF NOT EXISTS idx_nodes_kind ON nodes(kind, session_id, tt_end);

CREATE TABLE IF NOT EXISTS edges (
	edge_id  TEXT PRIMARY KEY,
	label    TEXT NOT NULL,
	from_id  TEXT NOT NULL,
	to_id    TEXT NOT NULL,
	vt_start TIMESTAMP NOT NULL,
	vt_end   TIMESTAMP NOT NULL,
	tt_start TIMESTAMP NOT NULL,
	tt_end   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(from_id, label);

CREATE TABLE IF NOT EXISTS session_hashes (
	session_id   TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	seen_at      TIMESTAMP NOT NULL,
	PRIMARY KEY (session_id, content_hash)
);
`

// SQLStore implements Store on PostgreSQL (lib/pq) or SQLite (modernc).
// Queries are written with ? placeholders and rebound to $N for postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// NewSQLStore opens the configured backend, verifies connectivity, and
// applies the schema.
func NewSQLStore(cfg config.GraphConfig) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	if driver != "postgres" && driver != "sqlite" {
		return nil, fmt.Errorf("graph: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("graph: open %s: %w", driver, err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = runtime.NumCPU() * 4
	}
	if driver == "sqlite" {
		// modernc sqlite serializes writers; a wide pool only adds contention.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, rebind(driver, schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("graph: apply schema: %w", err)
	}

	return &SQLStore{db: db, driver: driver, now: time.Now}, nil
}

// rebind converts ? placeholders to $N for the postgres wire protocol.
func rebind(driver, query string) string {
	if driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.driver, query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.driver, query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.driver, query), args...)
}

const nodeColumns = "row_id, logical_id, kind, session_id, props, vt_start, vt_end, tt_start, tt_end"

func scanNode(scan func(...any) error) (*models.Node, error) {
	var n models.Node
	var props string
	if err := scan(&n.ID, &n.LogicalID, &n.Kind, &n.SessionID, &props,
		&n.VTStart, &n.VTEnd, &n.TTStart, &n.TTEnd); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &n.Props); err != nil {
		return nil, fmt.Errorf("graph: decode props: %w", err)
	}
	return &n, nil
}

func (s *SQLStore) CreateNode(ctx context.Context, node *models.Node) error {
	row := *node
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	if row.TTStart.IsZero() {
		row.Bitemporal = models.NewBitemporal(s.now())
	}
	props, err := json.Marshal(row.Props)
	if err != nil {
		return fmt.Errorf("graph: encode props: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.LogicalID, string(row.Kind), row.SessionID, string(props),
		row.VTStart, row.VTEnd, row.TTStart, row.TTEnd)
	if err != nil {
		return fmt.Errorf("graph: insert node: %w", err)
	}
	return nil
}

func (s *SQLStore) CurrentNode(ctx context.Context, logicalID string) (*models.Node, error) {
	b := NewBuilder().Constrain([]string{"nodes"}, nil, Current())
	clause, args := b.Bind()
	row := s.queryRow(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE logical_id = ? AND `+clause,
		append([]any{logicalID}, args...)...)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *SQLStore) NodeAt(ctx context.Context, logicalID string, vt, tt time.Time) (*models.Node, error) {
	b := NewBuilder().Constrain([]string{"nodes"}, At(vt), At(tt))
	clause, args := b.Bind()
	row := s.queryRow(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE logical_id = ? AND `+clause+`
		ORDER BY tt_start DESC LIMIT 1`,
		append([]any{logicalID}, args...)...)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (s *SQLStore) AmendNode(ctx context.Context, logicalID string, mutate func(*models.Node)) (*models.Node, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: begin amend: %w", err)
	}
	defer tx.Rollback()

	b := NewBuilder().Constrain([]string{"nodes"}, nil, Current())
	clause, args := b.Bind()
	row := tx.QueryRowContext(ctx, rebind(s.driver, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE logical_id = ? AND `+clause),
		append([]any{logicalID}, args...)...)
	current, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	next := *current
	next.ID = uuid.NewString()
	next.TTStart = now
	next.TTEnd = models.MaxTimestamp
	nextProps := make(map[string]any, len(current.Props))
	for k, v := range current.Props {
		nextProps[k] = v
	}
	next.Props = nextProps
	mutate(&next)

	if _, err := tx.ExecContext(ctx, rebind(s.driver, `
		UPDATE nodes SET tt_end = ? WHERE row_id = ?`),
		now, current.ID); err != nil {
		return nil, fmt.Errorf("graph: close row: %w", err)
	}

	props, err := json.Marshal(next.Props)
	if err != nil {
		return nil, fmt.Errorf("graph: encode props: %w", err)
	}
	if _, err := tx.ExecContext(ctx, rebind(s.driver, `
		INSERT INTO nodes (`+nodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		next.ID, next.LogicalID, string(next.Kind), next.SessionID, string(props),
		next.VTStart, next.VTEnd, next.TTStart, next.TTEnd); err != nil {
		return nil, fmt.Errorf("graph: insert successor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("graph: commit amend: %w", err)
	}
	return &next, nil
}

func (s *SQLStore) CreateEdge(ctx context.Context, edge *models.Edge) error {
	e := *edge
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TTStart.IsZero() {
		e.Bitemporal = models.NewBitemporal(s.now())
	}
	_, err := s.exec(ctx, `
		INSERT INTO edges (edge_id, label, from_id, to_id, vt_start, vt_end, tt_start, tt_end)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Label), e.From, e.To, e.VTStart, e.VTEnd, e.TTStart, e.TTEnd)
	if err != nil {
		return fmt.Errorf("graph: insert edge: %w", err)
	}
	return nil
}

func (s *SQLStore) EdgesFrom(ctx context.Context, from string, label models.EdgeLabel) ([]*models.Edge, error) {
	rows, err := s.query(ctx, `
		SELECT edge_id, label, from_id, to_id, vt_start, vt_end, tt_start, tt_end
		FROM edges WHERE from_id = ? AND label = ?`, from, string(label))
	if err != nil {
		return nil, fmt.Errorf("graph: edges from: %w", err)
	}
	defer rows.Close()

	var out []*models.Edge
	for rows.Next() {
		var e models.Edge
		if err := rows.Scan(&e.ID, &e.Label, &e.From, &e.To,
			&e.VTStart, &e.VTEnd, &e.TTStart, &e.TTEnd); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLStore) EdgeExists(ctx context.Context, from, to string, label models.EdgeLabel) (bool, error) {
	var one int
	err := s.queryRow(ctx, `
		SELECT 1 FROM edges WHERE from_id = ? AND to_id = ? AND label = ? LIMIT 1`,
		from, to, string(label)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) NodesByKind(ctx context.Context, kind models.NodeKind, sessionID string, limit int) ([]*models.Node, error) {
	b := NewBuilder().Constrain([]string{"nodes"}, nil, Current())
	clause, bArgs := b.Bind()

	q := `SELECT ` + nodeColumns + ` FROM nodes WHERE kind = ? AND ` + clause
	args := append([]any{string(kind)}, bArgs...)
	if sessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	q += ` ORDER BY vt_start DESC, logical_id`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: nodes by kind: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) MaxTurnSequence(ctx context.Context, sessionID string) (int, error) {
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

func (s *SQLStore) ToolCallByCallID(ctx context.Context, sessionID, callID string) (*models.Node, error) {
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

func (s *SQLStore) MemoryByHash(ctx context.Context, sessionID, contentHash string) (*models.Node, error) {
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

func (s *SQLStore) SeenHash(ctx context.Context, sessionID, contentHash string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `
		SELECT 1 FROM session_hashes WHERE session_id = ? AND content_hash = ?`,
		sessionID, contentHash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLStore) RecordHash(ctx context.Context, sessionID, contentHash string) error {
	_, err := s.exec(ctx, `
		INSERT INTO session_hashes (session_id, content_hash, seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT (session_id, content_hash) DO NOTHING`,
		sessionID, contentHash, s.now())
	if err != nil {
		return fmt.Errorf("graph: record hash: %w", err)
	}
	return nil
}

func (s *SQLStore) KeywordSearch(ctx context.Context, terms []string, limit int) ([]*models.Node, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	b := NewBuilder().Constrain([]string{"nodes"}, nil, Current())
	clause, bArgs := b.Bind()

	var likes []string
	args := bArgs
	for _, term := range terms {
		likes = append(likes, "lower(props) LIKE ?")
		args = append(args, "%"+strings.ToLower(term)+"%")
	}
	q := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE ` + clause + ` AND (` + strings.Join(likes, " OR ") + `)
		ORDER BY vt_start DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: keyword search: %w", err)
	}
	defer rows.Close()

	var out []*models.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListExpired(ctx context.Context, cutoff time.Time, batchSize int) ([]*models.Node, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	rows, err := s.query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE tt_end < ? ORDER BY tt_end, row_id LIMIT ?`,
		cutoff, batchSize)
	if err != nil {
		return nil, fmt.Errorf("graph: select expired: %w", err)
	}
	var expired []*models.Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return expired, nil
}

func (s *SQLStore) PruneExpired(ctx context.Context, cutoff time.Time, batchSize int) ([]*models.Node, error) {
	expired, err := s.ListExpired(ctx, cutoff, batchSize)
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	for _, n := range expired {
		if _, err := s.exec(ctx, `DELETE FROM nodes WHERE row_id = ?`, n.ID); err != nil {
			return nil, fmt.Errorf("graph: delete expired row: %w", err)
		}
	}
	// Drop edges whose endpoints no longer exist under any row.
	if _, err := s.exec(ctx, `
		DELETE FROM edges
		WHERE from_id NOT IN (SELECT logical_id FROM nodes)
		   OR to_id NOT IN (SELECT logical_id FROM nodes)`); err != nil {
		return nil, fmt.Errorf("graph: delete orphan edges: %w", err)
	}
	return expired, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
