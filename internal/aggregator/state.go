package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/internal/dedup"
	"github.com/engramdev/engram/internal/graph"
	"github.com/engramdev/engram/pkg/models"
)

const previewLimit = 500

// sessionState is the per-session slice of the content-block state machine.
// Only the session's pool worker touches it after creation, except for
// openTurn and lastEventAt, which the aggregator mutex guards for the idle
// sweeper.
type sessionState struct {
	sessionID string

	// Set once the Session node is known to exist in the store.
	created bool

	// Open-turn state. turnID is empty between turns.
	turnID            string
	prevTurnID        string
	turnSeq           int
	blockSeq          int
	pendingReasonings []string
	lastReasoningSeq  int
	toolCallCount     int
	assistantPreview  strings.Builder
	userContent       string
	stopReason        string
	usage             models.Usage

	// Idle-sweep bookkeeping, guarded by the aggregator mutex. openTurn
	// mirrors turnID != "" so the sweeper never touches worker-owned state.
	openTurn    bool
	lastEventAt time.Time
}

func newSessionState(sessionID string) *sessionState {
	return &sessionState{
		sessionID:        sessionID,
		turnSeq:          -1,
		lastReasoningSeq: -1,
	}
}

func (a *Aggregator) handleDelta(ctx context.Context, st *sessionState, d *models.Delta, source models.Source) error {
	now := a.now()
	if err := a.ensureSession(ctx, st, now); err != nil {
		return err
	}
	a.mu.Lock()
	st.lastEventAt = now
	a.mu.Unlock()

	switch d.Type {
	case models.DeltaContent:
		switch d.Block {
		case models.BlockThinking:
			return a.handleThinking(ctx, st, d, source, now)
		case models.BlockText:
			return a.handleText(ctx, st, d, now)
		case models.BlockUser:
			a.handleUser(st, d)
			return nil
		case models.BlockToolResult:
			return a.handleToolResult(ctx, st, d, source, now)
		}
		return nil
	case models.DeltaToolCall:
		return a.handleToolUse(ctx, st, d, source, now)
	case models.DeltaUsage:
		if d.Usage != nil {
			st.usage.Input += d.Usage.Input
			st.usage.Output += d.Usage.Output
			st.usage.CacheRead += d.Usage.CacheRead
			st.usage.CacheWrite += d.Usage.CacheWrite
		}
		return nil
	case models.DeltaStop:
		if d.Usage != nil {
			// Result events carry authoritative totals.
			st.usage = *d.Usage
		}
		st.stopReason = d.StopReason
		return a.finalizeTurn(ctx, st, now)
	}
	return nil
}

// ensureSession creates the Session node on the first event for an unknown
// session id, recovering turn numbering from the store on restart.
func (a *Aggregator) ensureSession(ctx context.Context, st *sessionState, now time.Time) error {
	if st.created {
		return nil
	}
	if _, err := a.store.CurrentNode(ctx, st.sessionID); err == nil {
		maxSeq, err := a.store.MaxTurnSequence(ctx, st.sessionID)
		if err != nil {
			return err
		}
		st.turnSeq = maxSeq
		st.created = true
		return nil
	} else if !errors.Is(err, graph.ErrNotFound) {
		return err
	}

	node := &models.Node{
		LogicalID: st.sessionID,
		Kind:      models.KindSession,
		SessionID: st.sessionID,
		Props: map[string]any{
			"started_at":    now.Format(time.RFC3339Nano),
			"last_event_at": now.Format(time.RFC3339Nano),
		},
	}
	if err := a.store.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	st.created = true
	a.publishNode(ctx, node)
	a.log.Info("session created", "session_id", st.sessionID)
	return nil
}

// ensureTurn opens a turn on the first assistant content of a new user-query
// cycle, with the next contiguous sequence index.
func (a *Aggregator) ensureTurn(ctx context.Context, st *sessionState, now time.Time) error {
	if st.turnID != "" {
		return nil
	}

	maxSeq, err := a.store.MaxTurnSequence(ctx, st.sessionID)
	if err != nil {
		return err
	}
	if maxSeq > st.turnSeq {
		st.turnSeq = maxSeq
	}
	seq := st.turnSeq + 1

	turnID := uuid.NewString()
	node := &models.Node{
		LogicalID: turnID,
		Kind:      models.KindTurn,
		SessionID: st.sessionID,
		Props: map[string]any{
			"sequence_index": seq,
			"user_content":   truncatePreview(st.userContent),
			"completed":      false,
		},
	}
	if err := a.store.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("create turn: %w", err)
	}
	if err := a.store.CreateEdge(ctx, &models.Edge{
		Label: models.EdgeHasTurn, From: st.sessionID, To: turnID,
	}); err != nil {
		return fmt.Errorf("link HAS_TURN: %w", err)
	}
	if st.prevTurnID != "" {
		if err := a.linkNext(ctx, st.prevTurnID, turnID); err != nil {
			return err
		}
	}

	st.turnID = turnID
	st.turnSeq = seq
	st.blockSeq = 0
	st.lastReasoningSeq = -1
	st.pendingReasonings = nil
	st.toolCallCount = 0
	st.assistantPreview.Reset()
	st.usage = models.Usage{}
	st.stopReason = ""
	st.userContent = ""

	a.mu.Lock()
	st.openTurn = true
	a.mu.Unlock()

	a.publishNode(ctx, node)
	return nil
}

func (a *Aggregator) linkNext(ctx context.Context, from, to string) error {
	exists, err := a.store.EdgeExists(ctx, from, to, models.EdgeNext)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := a.store.CreateEdge(ctx, &models.Edge{
		Label: models.EdgeNext, From: from, To: to,
	}); err != nil {
		return fmt.Errorf("link NEXT: %w", err)
	}
	return nil
}

func (a *Aggregator) handleThinking(ctx context.Context, st *sessionState, d *models.Delta, source models.Source, now time.Time) error {
	if err := a.ensureTurn(ctx, st, now); err != nil {
		return err
	}

	hash := dedup.ContentHash("thinking", d.Content, "", st.sessionID)
	dup, err := a.seenDurable(ctx, st.sessionID, hash, source)
	if err != nil || dup {
		return err
	}

	seq := st.blockSeq
	node := &models.Node{
		LogicalID: uuid.NewString(),
		Kind:      models.KindReasoning,
		SessionID: st.sessionID,
		Props: map[string]any{
			"turn_id":        st.turnID,
			"sequence_index": seq,
			"preview":        truncatePreview(d.Content),
			"content_hash":   hash,
		},
	}
	if err := a.store.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("create reasoning: %w", err)
	}
	if err := a.store.CreateEdge(ctx, &models.Edge{
		Label: models.EdgeContains, From: st.turnID, To: node.LogicalID,
	}); err != nil {
		return fmt.Errorf("link CONTAINS: %w", err)
	}

	st.pendingReasonings = append(st.pendingReasonings, node.LogicalID)
	st.lastReasoningSeq = seq
	st.blockSeq++

	a.publishNode(ctx, node)
	return nil
}

// handleText folds assistant prose into the turn preview. Text does not
// drain pending reasonings: a thinking block may precede a mixture of text
// and tool use.
func (a *Aggregator) handleText(ctx context.Context, st *sessionState, d *models.Delta, now time.Time) error {
	if err := a.ensureTurn(ctx, st, now); err != nil {
		return err
	}
	if remaining := previewLimit - st.assistantPreview.Len(); remaining > 0 {
		st.assistantPreview.WriteString(truncateTo(d.Content, remaining))
	}
	st.blockSeq++
	return nil
}

// handleUser stages the prompt for the turn the next assistant content will
// open. Prompts arriving mid-turn (tool_result companions) are ignored.
func (a *Aggregator) handleUser(st *sessionState, d *models.Delta) {
	if st.turnID == "" {
		st.userContent = d.Content
	}
}

func (a *Aggregator) handleToolUse(ctx context.Context, st *sessionState, d *models.Delta, source models.Source, now time.Time) error {
	if d.ToolCall == nil {
		return nil
	}
	if err := a.ensureTurn(ctx, st, now); err != nil {
		return err
	}

	hash := dedup.ContentHash("tool_use", d.ToolCall.Args, d.ToolCall.Name, st.sessionID)
	dup, err := a.seenDurable(ctx, st.sessionID, hash, source)
	if err != nil || dup {
		return err
	}

	toolType := ClassifyTool(d.ToolCall.Name)
	filePath, fileAction := ExtractFileOp(toolType, d.ToolCall.Args)

	seq := st.blockSeq
	node := &models.Node{
		LogicalID: uuid.NewString(),
		Kind:      models.KindToolCall,
		SessionID: st.sessionID,
		Props: map[string]any{
			"turn_id":            st.turnID,
			"call_id":            d.ToolCall.ID,
			"tool_name":          d.ToolCall.Name,
			"tool_type":          string(toolType),
			"arguments_json":     d.ToolCall.Args,
			"sequence_index":     seq,
			"reasoning_sequence": st.lastReasoningSeq,
			"status":             string(models.ToolStatusPending),
			"content_hash":       hash,
		},
	}
	if filePath != "" {
		node.Props["file_path"] = filePath
	}
	if fileAction != "" {
		node.Props["file_action"] = fileAction
	}
	if err := a.store.CreateNode(ctx, node); err != nil {
		return fmt.Errorf("create tool call: %w", err)
	}
	if err := a.store.CreateEdge(ctx, &models.Edge{
		Label: models.EdgeInvokes, From: st.turnID, To: node.LogicalID,
	}); err != nil {
		return fmt.Errorf("link INVOKES: %w", err)
	}
	for _, reasoningID := range st.pendingReasonings {
		if err := a.store.CreateEdge(ctx, &models.Edge{
			Label: models.EdgeTriggers, From: reasoningID, To: node.LogicalID,
		}); err != nil {
			return fmt.Errorf("link TRIGGERS: %w", err)
		}
	}
	st.pendingReasonings = nil
	st.toolCallCount++
	st.blockSeq++

	a.publishNode(ctx, node)
	return nil
}

func (a *Aggregator) handleToolResult(ctx context.Context, st *sessionState, d *models.Delta, source models.Source, now time.Time) error {
	if d.ToolResult == nil {
		return nil
	}

	call, err := a.store.ToolCallByCallID(ctx, st.sessionID, d.ToolResult.CallID)
	if errors.Is(err, graph.ErrNotFound) {
		a.log.Warn("tool result for unknown call, dropping",
			"session_id", st.sessionID, "call_id", d.ToolResult.CallID)
		return nil
	}
	if err != nil {
		return err
	}

	hash := dedup.ContentHash("tool_result", d.ToolResult.CallID+"\x1f"+d.ToolResult.Content, "", st.sessionID)
	dup, err := a.seenDurable(ctx, st.sessionID, hash, source)
	if err != nil || dup {
		return err
	}

	obs := &models.Node{
		LogicalID: uuid.NewString(),
		Kind:      models.KindObservation,
		SessionID: st.sessionID,
		Props: map[string]any{
			"tool_call_id":    call.LogicalID,
			"content_preview": truncatePreview(d.ToolResult.Content),
			"is_error":        d.ToolResult.IsError,
			"content_hash":    hash,
		},
	}
	if err := a.store.CreateNode(ctx, obs); err != nil {
		return fmt.Errorf("create observation: %w", err)
	}
	if err := a.store.CreateEdge(ctx, &models.Edge{
		Label: models.EdgeYields, From: call.LogicalID, To: obs.LogicalID,
	}); err != nil {
		return fmt.Errorf("link YIELDS: %w", err)
	}

	status := models.ToolStatusSuccess
	if d.ToolResult.IsError {
		status = models.ToolStatusError
	}
	toolType := models.ToolType(graph.PropString(call.Props, "tool_type"))
	amended, err := a.store.AmendNode(ctx, call.LogicalID, func(n *models.Node) {
		n.Props["status"] = string(status)
		if _, isFileOp := fileActions[toolType]; isFileOp {
			n.Props["result_preview"] = truncatePreview(d.ToolResult.Content)
		}
	})
	if err != nil {
		return fmt.Errorf("amend tool call status: %w", err)
	}

	a.publishNode(ctx, obs)
	a.publishNode(ctx, amended)
	return nil
}

// finalizeTurn completes the open turn: preview, usage totals, stop reason,
// and the NEXT link if it is still missing.
func (a *Aggregator) finalizeTurn(ctx context.Context, st *sessionState, now time.Time) error {
	if st.turnID == "" {
		return nil
	}

	preview := st.assistantPreview.String()
	amended, err := a.store.AmendNode(ctx, st.turnID, func(n *models.Node) {
		n.Props["assistant_preview"] = preview
		n.Props["stop_reason"] = st.stopReason
		n.Props["input_tokens"] = st.usage.Input
		n.Props["output_tokens"] = st.usage.Output
		n.Props["completed"] = true
	})
	if err != nil {
		return fmt.Errorf("finalize turn: %w", err)
	}
	if st.prevTurnID != "" {
		if err := a.linkNext(ctx, st.prevTurnID, st.turnID); err != nil {
			return err
		}
	}

	if _, err := a.store.AmendNode(ctx, st.sessionID, func(n *models.Node) {
		n.Props["last_event_at"] = now.Format(time.RFC3339Nano)
	}); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}

	a.publishNode(ctx, amended)
	a.log.Info("turn completed",
		"session_id", st.sessionID, "turn_id", st.turnID,
		"sequence_index", st.turnSeq, "tool_calls", st.toolCallCount,
		"stop_reason", st.stopReason)

	st.prevTurnID = st.turnID
	st.turnID = ""
	st.blockSeq = 0
	st.pendingReasonings = nil
	st.lastReasoningSeq = -1

	a.mu.Lock()
	st.openTurn = false
	a.mu.Unlock()
	return nil
}

// seenDurable checks the per-session durable hash set, recording the hash
// and syncing the in-process cache when it is new.
func (a *Aggregator) seenDurable(ctx context.Context, sessionID, hash string, source models.Source) (bool, error) {
	seen, err := a.store.SeenHash(ctx, sessionID, hash)
	if err != nil {
		return false, err
	}
	if seen {
		if a.metrics != nil {
			a.metrics.EventsDeduped.WithLabelValues(string(source), "duplicate").Inc()
		}
		a.log.Debug("durable duplicate dropped", "session_id", sessionID, "hash", hash)
		return true, nil
	}
	if err := a.store.RecordHash(ctx, sessionID, hash); err != nil {
		return false, err
	}
	a.dedup.MarkSeen(sessionID, hash, source)
	return false, nil
}

func truncatePreview(s string) string { return truncateTo(s, previewLimit) }

func truncateTo(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
