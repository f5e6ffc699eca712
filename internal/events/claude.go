package events

import (
	"encoding/json"
	"fmt"

	"github.com/engramdev/engram/pkg/models"
)

// claudeEvent is the top-level stream-json line emitted by Claude Code.
type claudeEvent struct {
	Type      string         `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Message   *claudeMessage `json:"message,omitempty"`

	// Result-event fields.
	Result     string       `json:"result,omitempty"`
	DurationMS int64        `json:"duration_ms,omitempty"`
	Usage      *claudeUsage `json:"usage,omitempty"`
	IsError    bool         `json:"is_error,omitempty"`
}

type claudeMessage struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Model      string          `json:"model,omitempty"`
	Content    json.RawMessage `json:"content"`
	StopReason string          `json:"stop_reason,omitempty"`
	Usage      *claudeUsage    `json:"usage,omitempty"`
}

type claudeUsage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (u *claudeUsage) toModel() *models.Usage {
	if u == nil {
		return nil
	}
	return &models.Usage{
		Input:      u.InputTokens,
		Output:     u.OutputTokens,
		CacheRead:  u.CacheReadTokens,
		CacheWrite: u.CacheCreationTokens,
	}
}

// parseClaudeCode decodes one stream-json event. The interesting shapes:
//   - type=assistant: message.content is an ordered list of thinking / text /
//     tool_use blocks.
//   - type=user: message.content may carry tool_result blocks referencing a
//     prior tool_use id.
//   - type=result: terminates the turn and finalizes usage.
//   - type=system (init etc.): no observable delta.
func parseClaudeCode(payload json.RawMessage) ([]models.Delta, error) {
	var ev claudeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("events: malformed claude_code payload: %w", err)
	}

	switch ev.Type {
	case "assistant":
		return claudeAssistantDeltas(&ev)
	case "user":
		return claudeUserDeltas(&ev)
	case "result":
		d := models.Delta{
			Type:       models.DeltaStop,
			SessionID:  ev.SessionID,
			StopReason: ev.Subtype,
			Usage:      ev.Usage.toModel(),
		}
		if ev.DurationMS > 0 {
			d.Timing = &models.Timing{DurationMS: ev.DurationMS}
		}
		return []models.Delta{d}, nil
	default:
		// system/init and other control frames carry no delta.
		return nil, nil
	}
}

func claudeAssistantDeltas(ev *claudeEvent) ([]models.Delta, error) {
	if ev.Message == nil {
		return nil, nil
	}
	blocks, err := decodeClaudeBlocks(ev.Message.Content)
	if err != nil {
		return nil, err
	}

	var deltas []models.Delta
	for i, block := range blocks {
		switch block.Type {
		case "thinking":
			deltas = append(deltas, models.Delta{
				Type:      models.DeltaContent,
				Role:      "assistant",
				Block:     models.BlockThinking,
				Content:   block.Thinking,
				SessionID: ev.SessionID,
				Model:     ev.Message.Model,
			})
		case "text":
			deltas = append(deltas, models.Delta{
				Type:      models.DeltaContent,
				Role:      "assistant",
				Block:     models.BlockText,
				Content:   block.Text,
				SessionID: ev.SessionID,
				Model:     ev.Message.Model,
			})
		case "tool_use":
			deltas = append(deltas, models.Delta{
				Type:      models.DeltaToolCall,
				Role:      "assistant",
				Block:     models.BlockToolUse,
				SessionID: ev.SessionID,
				Model:     ev.Message.Model,
				ToolCall: &models.ToolCallDelta{
					ID:    block.ID,
					Name:  block.Name,
					Args:  string(block.Input),
					Index: i,
				},
			})
		}
	}

	if u := ev.Message.Usage.toModel(); u != nil {
		deltas = append(deltas, models.Delta{
			Type:      models.DeltaUsage,
			SessionID: ev.SessionID,
			Usage:     u,
		})
	}
	return deltas, nil
}

func claudeUserDeltas(ev *claudeEvent) ([]models.Delta, error) {
	if ev.Message == nil {
		return nil, nil
	}
	blocks, err := decodeClaudeBlocks(ev.Message.Content)
	if err != nil {
		// User content may be a plain string prompt rather than blocks.
		var text string
		if json.Unmarshal(ev.Message.Content, &text) == nil {
			return []models.Delta{{
				Type:      models.DeltaContent,
				Role:      "user",
				Block:     models.BlockUser,
				Content:   text,
				SessionID: ev.SessionID,
			}}, nil
		}
		return nil, err
	}

	var deltas []models.Delta
	for _, block := range blocks {
		switch block.Type {
		case "tool_result":
			deltas = append(deltas, models.Delta{
				Type:      models.DeltaContent,
				Role:      "user",
				Block:     models.BlockToolResult,
				SessionID: ev.SessionID,
				ToolResult: &models.ToolResult{
					CallID:  block.ToolUseID,
					Content: flattenClaudeContent(block.Content),
					IsError: block.IsError,
				},
			})
		case "text":
			deltas = append(deltas, models.Delta{
				Type:      models.DeltaContent,
				Role:      "user",
				Block:     models.BlockUser,
				Content:   block.Text,
				SessionID: ev.SessionID,
			})
		}
	}
	return deltas, nil
}

func decodeClaudeBlocks(raw json.RawMessage) ([]claudeBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("events: malformed claude_code content blocks: %w", err)
	}
	return blocks, nil
}

// flattenClaudeContent renders a tool_result content field, which may be a
// plain string or a list of text blocks, as one string.
func flattenClaudeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
