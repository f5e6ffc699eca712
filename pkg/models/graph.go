// Package models provides domain types for the Engram memory and lineage platform.
package models

import (
	"time"
)

// MaxTimestamp is the bitemporal open-interval sentinel. A row whose vt_end or
// tt_end equals MaxTimestamp is still valid / current knowledge.
var MaxTimestamp = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// NodeKind identifies the label of a lineage graph node.
type NodeKind string

const (
	KindSession     NodeKind = "Session"
	KindTurn        NodeKind = "Turn"
	KindReasoning   NodeKind = "Reasoning"
	KindToolCall    NodeKind = "ToolCall"
	KindObservation NodeKind = "Observation"
	KindMemory      NodeKind = "Memory"
)

// EdgeLabel identifies the label of a directed lineage edge.
type EdgeLabel string

const (
	EdgeHasTurn  EdgeLabel = "HAS_TURN"  // Session -> Turn
	EdgeNext     EdgeLabel = "NEXT"      // Turn -> Turn
	EdgeContains EdgeLabel = "CONTAINS"  // Turn -> Reasoning
	EdgeInvokes  EdgeLabel = "INVOKES"   // Turn -> ToolCall
	EdgeTriggers EdgeLabel = "TRIGGERS"  // Reasoning -> ToolCall
	EdgeYields   EdgeLabel = "YIELDS"    // ToolCall -> Observation
)

// Bitemporal carries the two time axes attached to every node row.
// Updates never mutate in place: the previous row is closed (tt_end=now) and a
// new row is written with tt_start=now.
type Bitemporal struct {
	VTStart time.Time `json:"vt_start"`
	VTEnd   time.Time `json:"vt_end"`
	TTStart time.Time `json:"tt_start"`
	TTEnd   time.Time `json:"tt_end"`
}

// NewBitemporal returns open-ended intervals anchored at now.
func NewBitemporal(now time.Time) Bitemporal {
	return Bitemporal{
		VTStart: now,
		VTEnd:   MaxTimestamp,
		TTStart: now,
		TTEnd:   MaxTimestamp,
	}
}

// Current reports whether this row represents current knowledge.
func (b Bitemporal) Current() bool {
	return b.TTEnd.Equal(MaxTimestamp)
}

// Contains reports whether both intervals contain the given instants.
func (b Bitemporal) Contains(vt, tt time.Time) bool {
	return !vt.Before(b.VTStart) && vt.Before(b.VTEnd) &&
		!tt.Before(b.TTStart) && tt.Before(b.TTEnd)
}

// Session is a conversation with an agent. Created on the first event carrying
// a new session id; only last_event_at (and an optional title) mutate afterward.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	LastEventAt time.Time `json:"last_event_at"`
	Bitemporal
}

// Turn is one user -> assistant exchange within a session. SequenceIndex is
// contiguous per session starting at 0.
type Turn struct {
	ID               string `json:"id"`
	SessionID        string `json:"session_id"`
	SequenceIndex    int    `json:"sequence_index"`
	UserContent      string `json:"user_content,omitempty"`
	AssistantPreview string `json:"assistant_preview,omitempty"`
	StopReason       string `json:"stop_reason,omitempty"`
	InputTokens      int    `json:"input_tokens,omitempty"`
	OutputTokens     int    `json:"output_tokens,omitempty"`
	Completed        bool   `json:"completed"`
	Bitemporal
}

// Reasoning is a thinking block inside a turn. Append-only.
type Reasoning struct {
	ID            string `json:"id"`
	TurnID        string `json:"turn_id"`
	SessionID     string `json:"session_id"`
	SequenceIndex int    `json:"sequence_index"`
	Preview       string `json:"preview"`
	ContentHash   string `json:"content_hash"`
	Bitemporal
}

// ToolStatus is the lifecycle state of a ToolCall.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusSuccess   ToolStatus = "success"
	ToolStatusError     ToolStatus = "error"
	ToolStatusCancelled ToolStatus = "cancelled"
)

// ToolType classifies a tool invocation by what it touches.
type ToolType string

const (
	ToolTypeFileRead   ToolType = "file_read"
	ToolTypeFileWrite  ToolType = "file_write"
	ToolTypeFileEdit   ToolType = "file_edit"
	ToolTypeBashExec   ToolType = "bash_exec"
	ToolTypeWebFetch   ToolType = "web_fetch"
	ToolTypeWebSearch  ToolType = "web_search"
	ToolTypeAgentSpawn ToolType = "agent_spawn"
	ToolTypeMCP        ToolType = "mcp"
	ToolTypeNotebook   ToolType = "notebook"
	ToolTypeUnknown    ToolType = "unknown"
)

// ToolCall is a tool invocation inside a turn. CallID is the provider's
// tool-use handle and is unique per session.
type ToolCall struct {
	ID                string     `json:"id"`
	TurnID            string     `json:"turn_id"`
	SessionID         string     `json:"session_id"`
	CallID            string     `json:"call_id"`
	ToolName          string     `json:"tool_name"`
	ToolType          ToolType   `json:"tool_type"`
	ArgumentsJSON     string     `json:"arguments_json,omitempty"`
	SequenceIndex     int        `json:"sequence_index"`
	ReasoningSequence int        `json:"reasoning_sequence"`
	Status            ToolStatus `json:"status"`
	FilePath          string     `json:"file_path,omitempty"`
	FileAction        string     `json:"file_action,omitempty"`
	ContentHash       string     `json:"content_hash,omitempty"`
	Bitemporal
}

// Observation is the result of a ToolCall. At most one per ToolCall.
type Observation struct {
	ID             string `json:"id"`
	ToolCallID     string `json:"tool_call_id"`
	SessionID      string `json:"session_id"`
	ContentPreview string `json:"content_preview,omitempty"`
	IsError        bool   `json:"is_error"`
	ContentHash    string `json:"content_hash,omitempty"`
	Bitemporal
}

// MemoryType classifies a derived memory unit.
type MemoryType string

const (
	MemoryTypeFact     MemoryType = "fact"
	MemoryTypeDecision MemoryType = "decision"
	MemoryTypeContext  MemoryType = "context"
	MemoryTypeArtifact MemoryType = "artifact"
)

// Memory is a user-addressable derived memory unit. Within a session no two
// live memories share a content hash.
type Memory struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id,omitempty"`
	Project     string     `json:"project,omitempty"`
	Content     string     `json:"content"`
	ContentHash string     `json:"content_hash"`
	Type        MemoryType `json:"type"`
	Tags        []string   `json:"tags,omitempty"`
	Bitemporal
}

// Node is the generic row shape stored in the bitemporal graph store and
// published on the bus. Props holds the kind-specific fields.
type Node struct {
	ID        string         `json:"id"`
	LogicalID string         `json:"logical_id"`
	Kind      NodeKind       `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	Props     map[string]any `json:"props"`
	Bitemporal
}

// Edge is a labeled directed edge between two logical node ids.
type Edge struct {
	ID    string    `json:"id"`
	Label EdgeLabel `json:"label"`
	From  string    `json:"from"`
	To    string    `json:"to"`
	Bitemporal
}
