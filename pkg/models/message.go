package models

import (
	"encoding/json"
	"time"
)

// Role indicates the transcript entry author type.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleToolResult Role = "tool_result"
)

// Message is one entry in a session transcript.
type Message struct {
	ID         string            `json:"id"`
	SessionKey string            `json:"session_key,omitempty"`
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolResult *ToolResult       `json:"tool_result,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ToolCall represents an assistant's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Content is a list
// of typed blocks; strict model providers require every assistant tool call
// to be answered by exactly one result with the matching call id.
type ToolResult struct {
	ToolCallID string         `json:"tool_call_id"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	// Synthetic marks results fabricated to pair an orphaned tool call.
	Synthetic bool `json:"synthetic,omitempty"`
}

// ContentBlock is one typed chunk of tool-result content.
type ContentBlock struct {
	Type string `json:"type"` // text, image, json
	Text string `json:"text,omitempty"`
}

// TextBlock builds a single-text-block slice, the common case.
func TextBlock(text string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: text}}
}

// Text concatenates the text of all text blocks.
func (r *ToolResult) Text() string {
	if r == nil {
		return ""
	}
	var out string
	for _, b := range r.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// HasToolCalls reports whether the message carries at least one tool call.
func (m *Message) HasToolCalls() bool {
	return m != nil && len(m.ToolCalls) > 0
}
