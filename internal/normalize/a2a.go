package normalize

import (
	"encoding/json"
	"strings"

	"github.com/HyphaGroup/tether/internal/protocol"
)

// A2A wire structures. Only the fields the normalizer reads are declared.

type a2aMessage struct {
	Kind      string    `json:"kind,omitempty"`
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Parts     []a2aPart `json:"parts"`
	ContextID string    `json:"contextId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
}

type a2aPart struct {
	Kind string          `json:"kind,omitempty"`
	Type string          `json:"type,omitempty"`
	Text *string         `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	File *a2aFile        `json:"file,omitempty"`
}

// kind returns the part discriminator; older peers send it as "type"
func (p a2aPart) kind() string {
	if p.Kind != "" {
		return p.Kind
	}
	return p.Type
}

type a2aFile struct {
	URI      string `json:"uri,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Name     string `json:"name,omitempty"`
}

type a2aStatusUpdate struct {
	Kind     string          `json:"kind"`
	TaskID   string          `json:"taskId,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type statusMetadata struct {
	Type         string `json:"type"`
	MessageID    string `json:"message_id,omitempty"`
	Role         string `json:"role,omitempty"`
	Delta        string `json:"delta,omitempty"`
	StepID       string `json:"step_id,omitempty"`
	StepTitle    string `json:"step_title,omitempty"`
	StepIndex    int    `json:"step_index,omitempty"`
	ToolCallID   string `json:"tool_call_id,omitempty"`
	ToolCallName string `json:"tool_call_name,omitempty"`
	TotalSteps   int    `json:"total_steps,omitempty"`
	Message      string `json:"message,omitempty"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	FromAgent    string `json:"from_agent,omitempty"`
	ToAgent      string `json:"to_agent,omitempty"`
	ThreadID     string `json:"thread_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	Success      *bool  `json:"success,omitempty"`
}

type a2aArtifact struct {
	Kind        string          `json:"kind,omitempty"`
	ArtifactID  string          `json:"artifactId"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parts       []a2aPart       `json:"parts"`
	Artifact    json.RawMessage `json:"artifact,omitempty"`
}

// artifactPayload is the data part of an artifact; Type selects the rules
type artifactPayload struct {
	Type      *string          `json:"type"`
	ID        string           `json:"id,omitempty"`
	Content   string           `json:"content,omitempty"`
	Result    json.RawMessage  `json:"result,omitempty"`
	ToolCalls []wireToolCall   `json:"tool_calls,omitempty"`
	Results   []wireToolResult `json:"results,omitempty"`
	StepID    string           `json:"step_id,omitempty"`
}

type wireToolCall struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type wireToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// dataPartHeader reads the part_type discriminator and the nested forms
type dataPartHeader struct {
	PartType   string          `json:"part_type"`
	ToolCall   *wireToolCall   `json:"tool_call,omitempty"`
	ToolResult *wireToolResult `json:"tool_result,omitempty"`
}

// toolCall converts a wire tool call; input may be a JSON string or a structure
func (w wireToolCall) toolCall(parentID string) protocol.ToolCall {
	tc := protocol.ToolCall{
		ID:              w.ToolCallID,
		Name:            w.ToolName,
		ParentMessageID: parentID,
	}
	raw := strings.TrimSpace(string(w.Input))
	switch {
	case raw == "" || raw == "null":
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal(w.Input, &s); err == nil {
			tc.Input = s
		} else {
			tc.Input = raw
		}
	default:
		tc.Input = raw
	}
	tc.ParseInput()
	return tc
}

func (w wireToolResult) toolResult() protocol.ToolResult {
	success := w.Success == nil || *w.Success
	return protocol.ToolResult{
		ToolCallID: w.ToolCallID,
		ToolName:   w.ToolName,
		Result:     w.Result,
		Success:    success,
		Error:      w.Error,
	}
}

func (w wireToolResult) event() protocol.ToolCallResult {
	return protocol.ToolCallResult{
		ToolCallID: w.ToolCallID,
		ToolName:   w.ToolName,
		Result:     w.Result,
		Success:    w.Success,
		Error:      w.Error,
	}
}
