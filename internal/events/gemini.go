package events

import (
	"encoding/json"
	"fmt"

	"github.com/engramdev/engram/pkg/models"
)

// geminiEvent is one streamed GenerateContent response chunk.
type geminiEvent struct {
	SessionID  string `json:"session_id,omitempty"`
	Candidates []struct {
		Content struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		CachedTokenCount     int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata,omitempty"`
	ModelVersion string `json:"modelVersion,omitempty"`
}

type geminiPart struct {
	Text         string `json:"text,omitempty"`
	Thought      bool   `json:"thought,omitempty"`
	FunctionCall *struct {
		ID   string          `json:"id,omitempty"`
		Name string          `json:"name"`
		Args json.RawMessage `json:"args,omitempty"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		ID       string          `json:"id,omitempty"`
		Name     string          `json:"name"`
		Response json.RawMessage `json:"response,omitempty"`
	} `json:"functionResponse,omitempty"`
}

// parseGemini decodes a Gemini stream chunk. Thought parts map to thinking
// blocks, functionCall to tool_use, functionResponse to tool_result. The
// function call id doubles as the call handle; Gemini omits it on some API
// versions, in which case the function name is the best available handle.
func parseGemini(payload json.RawMessage) ([]models.Delta, error) {
	var ev geminiEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("events: malformed gemini payload: %w", err)
	}

	var deltas []models.Delta
	for _, cand := range ev.Candidates {
		for i, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				callID := part.FunctionCall.ID
				if callID == "" {
					callID = part.FunctionCall.Name
				}
				deltas = append(deltas, models.Delta{
					Type:      models.DeltaToolCall,
					Role:      "assistant",
					Block:     models.BlockToolUse,
					SessionID: ev.SessionID,
					Model:     ev.ModelVersion,
					ToolCall: &models.ToolCallDelta{
						ID:    callID,
						Name:  part.FunctionCall.Name,
						Args:  string(part.FunctionCall.Args),
						Index: i,
					},
				})
			case part.FunctionResponse != nil:
				callID := part.FunctionResponse.ID
				if callID == "" {
					callID = part.FunctionResponse.Name
				}
				deltas = append(deltas, models.Delta{
					Type:      models.DeltaContent,
					Role:      "user",
					Block:     models.BlockToolResult,
					SessionID: ev.SessionID,
					ToolResult: &models.ToolResult{
						CallID:  callID,
						Content: string(part.FunctionResponse.Response),
					},
				})
			case part.Thought:
				deltas = append(deltas, models.Delta{
					Type:      models.DeltaContent,
					Role:      "assistant",
					Block:     models.BlockThinking,
					Content:   part.Text,
					SessionID: ev.SessionID,
					Model:     ev.ModelVersion,
				})
			case part.Text != "":
				role := cand.Content.Role
				block := models.BlockText
				if role == "user" {
					block = models.BlockUser
				}
				deltas = append(deltas, models.Delta{
					Type:      models.DeltaContent,
					Role:      role,
					Block:     block,
					Content:   part.Text,
					SessionID: ev.SessionID,
					Model:     ev.ModelVersion,
				})
			}
		}

		if cand.FinishReason != "" {
			d := models.Delta{
				Type:       models.DeltaStop,
				SessionID:  ev.SessionID,
				StopReason: cand.FinishReason,
			}
			if ev.UsageMetadata != nil {
				d.Usage = &models.Usage{
					Input:     ev.UsageMetadata.PromptTokenCount,
					Output:    ev.UsageMetadata.CandidatesTokenCount,
					CacheRead: ev.UsageMetadata.CachedTokenCount,
				}
			}
			deltas = append(deltas, d)
		}
	}
	return deltas, nil
}
