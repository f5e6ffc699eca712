package events

import (
	"encoding/json"
	"fmt"

	"github.com/engramdev/engram/pkg/models"
)

// hookPayload is the generic shape submitted by lifecycle hooks
// (PreToolUse / PostToolUse / Stop and friends).
type hookPayload struct {
	Event      string          `json:"event"`
	SessionID  string          `json:"session_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolUseID  string          `json:"tool_use_id,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Content    string          `json:"content,omitempty"`
	Role       string          `json:"role,omitempty"`
	StopReason string          `json:"stop_reason,omitempty"`
}

// parseHook decodes a generic hook payload. Hooks observe a narrower slice of
// the stream than stream-json: tool boundaries, user prompts, and turn stops.
func parseHook(payload json.RawMessage) ([]models.Delta, error) {
	var ev hookPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("events: malformed hook payload: %w", err)
	}

	switch ev.Event {
	case "pre_tool_use":
		return []models.Delta{{
			Type:      models.DeltaToolCall,
			Role:      "assistant",
			Block:     models.BlockToolUse,
			SessionID: ev.SessionID,
			ToolCall: &models.ToolCallDelta{
				ID:   ev.ToolUseID,
				Name: ev.ToolName,
				Args: string(ev.ToolInput),
			},
		}}, nil
	case "post_tool_use":
		return []models.Delta{{
			Type:      models.DeltaContent,
			Role:      "user",
			Block:     models.BlockToolResult,
			SessionID: ev.SessionID,
			ToolResult: &models.ToolResult{
				CallID:  ev.ToolUseID,
				Content: ev.ToolOutput,
				IsError: ev.IsError,
			},
		}}, nil
	case "user_prompt":
		return []models.Delta{{
			Type:      models.DeltaContent,
			Role:      "user",
			Block:     models.BlockUser,
			Content:   ev.Content,
			SessionID: ev.SessionID,
		}}, nil
	case "assistant_message":
		return []models.Delta{{
			Type:      models.DeltaContent,
			Role:      "assistant",
			Block:     models.BlockText,
			Content:   ev.Content,
			SessionID: ev.SessionID,
		}}, nil
	case "stop":
		return []models.Delta{{
			Type:       models.DeltaStop,
			SessionID:  ev.SessionID,
			StopReason: ev.StopReason,
		}}, nil
	default:
		// Unsupported hook events carry no observable delta.
		return nil, nil
	}
}
