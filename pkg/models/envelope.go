package models

import (
	"encoding/json"
	"time"
)

// Provider identifies the upstream event format carried in an envelope.
type Provider string

const (
	ProviderClaudeCode Provider = "claude_code"
	ProviderGemini     Provider = "gemini"
	ProviderGeneric    Provider = "generic"
)

// Source identifies which observer submitted an envelope. Three independent
// producers watch overlapping subsets of the same event stream; priority
// decides which copy wins when they race.
type Source string

const (
	SourceStreamJSON  Source = "stream-json"
	SourceHook        Source = "hook"
	SourceFileWatcher Source = "file-watcher"
)

// Priority returns the source's precedence: stream-json > hook > file-watcher.
// Unknown sources rank lowest.
func (s Source) Priority() int {
	switch s {
	case SourceStreamJSON:
		return 3
	case SourceHook:
		return 2
	case SourceFileWatcher:
		return 1
	default:
		return 0
	}
}

// Envelope is the wire format accepted by the ingestion API.
type Envelope struct {
	EventID         string          `json:"event_id"`
	IngestTimestamp time.Time       `json:"ingest_timestamp"`
	Provider        Provider        `json:"provider"`
	Payload         json.RawMessage `json:"payload"`
	Headers         EnvelopeHeaders `json:"headers,omitempty"`
}

// EnvelopeHeaders carries transport metadata attached by the submitting source.
type EnvelopeHeaders struct {
	SessionID string `json:"x-session-id,omitempty"`
	Source    Source `json:"x-source,omitempty"`
}

// DeltaType discriminates the normalized event delta.
type DeltaType string

const (
	DeltaContent  DeltaType = "content"
	DeltaToolCall DeltaType = "tool_call"
	DeltaUsage    DeltaType = "usage"
	DeltaStop     DeltaType = "stop"
)

// BlockType is the kind of assistant content block inside a turn.
type BlockType string

const (
	BlockThinking   BlockType = "thinking"
	BlockText       BlockType = "text"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
	BlockUser       BlockType = "user"
)

// Delta is the common normalized event emitted by the parser. Exactly the
// fields relevant to Type are populated; everything else stays zero.
type Delta struct {
	Type       DeltaType      `json:"type"`
	Role       string         `json:"role,omitempty"`
	Block      BlockType      `json:"block,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolCall   *ToolCallDelta `json:"tool_call,omitempty"`
	ToolResult *ToolResult    `json:"tool_result,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	SessionID  string         `json:"session,omitempty"`
	Model      string         `json:"model,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Timing     *Timing        `json:"timing,omitempty"`
}

// ToolCallDelta describes a tool_use block.
type ToolCallDelta struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Args  string `json:"args,omitempty"`
	Index int    `json:"index"`
}

// ToolResult describes a tool_result block referencing a prior tool_use.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content,omitempty"`
	IsError bool   `json:"is_error"`
}

// Usage carries token accounting attached to a delta.
type Usage struct {
	Input      int `json:"input"`
	Output     int `json:"output"`
	CacheRead  int `json:"cache_read,omitempty"`
	CacheWrite int `json:"cache_write,omitempty"`
}

// Timing carries provider-reported durations, when present.
type Timing struct {
	DurationMS int64 `json:"duration_ms,omitempty"`
	TTFTMS     int64 `json:"ttft_ms,omitempty"`
}
