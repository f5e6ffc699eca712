package aggregator

import (
	"encoding/json"
	"strings"

	"github.com/engramdev/engram/pkg/models"
)

// toolTypes maps normalized tool names to their classification. Lookup is on
// the lower-cased name; mcp__* prefixed names classify as mcp regardless.
var toolTypes = map[string]models.ToolType{
	"read":         models.ToolTypeFileRead,
	"glob":         models.ToolTypeFileRead,
	"grep":         models.ToolTypeFileRead,
	"ls":           models.ToolTypeFileRead,
	"notebookread": models.ToolTypeFileRead,
	"write":        models.ToolTypeFileWrite,
	"edit":         models.ToolTypeFileEdit,
	"multiedit":    models.ToolTypeFileEdit,
	"notebookedit": models.ToolTypeNotebook,
	"bash":         models.ToolTypeBashExec,
	"webfetch":     models.ToolTypeWebFetch,
	"websearch":    models.ToolTypeWebSearch,
	"task":         models.ToolTypeAgentSpawn,
	"agent":        models.ToolTypeAgentSpawn,
}

// ClassifyTool maps a provider tool name to its type. Unknown names map to
// unknown.
func ClassifyTool(name string) models.ToolType {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "mcp__") {
		return models.ToolTypeMCP
	}
	if t, ok := toolTypes[lower]; ok {
		return t
	}
	return models.ToolTypeUnknown
}

// fileActions maps file-op tool types to the action recorded on the call.
var fileActions = map[models.ToolType]string{
	models.ToolTypeFileRead:  "read",
	models.ToolTypeFileWrite: "write",
	models.ToolTypeFileEdit:  "edit",
}

// ExtractFileOp pulls the file path and action from a file-op tool call's
// arguments. Non-file tools and malformed arguments yield empty strings.
func ExtractFileOp(toolType models.ToolType, argsJSON string) (path, action string) {
	action, ok := fileActions[toolType]
	if !ok {
		return "", ""
	}
	var args struct {
		FilePath     string `json:"file_path"`
		Path         string `json:"path"`
		NotebookPath string `json:"notebook_path"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", action
	}
	switch {
	case args.FilePath != "":
		return args.FilePath, action
	case args.Path != "":
		return args.Path, action
	case args.NotebookPath != "":
		return args.NotebookPath, action
	}
	return "", action
}
