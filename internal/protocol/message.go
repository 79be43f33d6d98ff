package protocol

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// ParseRole maps wire role names onto the three canonical roles.
// "agent" is the agent-to-agent spelling of assistant; anything unrecognized is user.
func ParseRole(s string) Role {
	switch strings.ToLower(s) {
	case "assistant", "agent":
		return RoleAssistant
	case "system":
		return RoleSystem
	default:
		return RoleUser
	}
}

// MessageStatus tracks whether a message is still being assembled
type MessageStatus string

const (
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageErrored   MessageStatus = "errored"
)

// PartKind discriminates Part variants
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
	PartData       PartKind = "data"
)

// Part is one ordered piece of message content
type Part interface {
	Kind() PartKind
	isPart()
}

// TextPart is plain text
type TextPart struct {
	Text string `json:"text"`
}

// ImagePart references an image by URL or carries it inline
type ImagePart struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
}

// ToolCallPart embeds a tool call in a message
type ToolCallPart struct {
	ToolCall ToolCall `json:"tool_call"`
}

// ToolResultPart embeds a tool result in a message
type ToolResultPart struct {
	ToolResult ToolResult `json:"tool_result"`
}

// DataPart carries an opaque structured payload
type DataPart struct {
	Payload json.RawMessage `json:"payload"`
}

func (TextPart) Kind() PartKind       { return PartText }
func (ImagePart) Kind() PartKind      { return PartImage }
func (ToolCallPart) Kind() PartKind   { return PartToolCall }
func (ToolResultPart) Kind() PartKind { return PartToolResult }
func (DataPart) Kind() PartKind       { return PartData }

func (TextPart) isPart()       {}
func (ImagePart) isPart()      {}
func (ToolCallPart) isPart()   {}
func (ToolResultPart) isPart() {}
func (DataPart) isPart()       {}

// ToolCall is a request from the agent to run a named tool
type ToolCall struct {
	ID              string          `json:"tool_call_id"`
	Name            string          `json:"tool_name"`
	Input           string          `json:"input"`
	Args            json.RawMessage `json:"args,omitempty"`
	ParentMessageID string          `json:"parent_message_id,omitempty"`
	IsExternal      bool            `json:"is_external"`
}

// Arguments returns the structured input, or the raw input encoded as a
// JSON string when it was not well-formed JSON
func (c ToolCall) Arguments() json.RawMessage {
	if len(c.Args) > 0 {
		return c.Args
	}
	if c.Input == "" {
		return json.RawMessage("{}")
	}
	raw, _ := json.Marshal(c.Input)
	return raw
}

// ParseInput sets Args from Input when Input is well-formed JSON
func (c *ToolCall) ParseInput() {
	c.Args = nil
	trimmed := strings.TrimSpace(c.Input)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return
	}
	c.Args = json.RawMessage(trimmed)
}

// ToolResult is the outcome of a tool call
type ToolResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// Message is an assembled conversational message
type Message struct {
	ID     string        `json:"id"`
	Role   Role          `json:"role"`
	Parts  []Part        `json:"parts"`
	Status MessageStatus `json:"status"`
	Error  string        `json:"error,omitempty"`
}

// Text concatenates the message's text parts
func (m *Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool calls embedded in the message, in order
func (m *Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if tc, ok := p.(ToolCallPart); ok {
			calls = append(calls, tc.ToolCall)
		}
	}
	return calls
}

// Clone returns a copy whose Parts slice can be modified independently
func (m *Message) Clone() *Message {
	c := *m
	c.Parts = make([]Part, len(m.Parts))
	copy(c.Parts, m.Parts)
	return &c
}

// MarshalJSON writes parts with their kind so the output is self-describing
func (m *Message) MarshalJSON() ([]byte, error) {
	parts := make([]map[string]any, 0, len(m.Parts))
	for _, p := range m.Parts {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, err
		}
		if fields == nil {
			fields = map[string]any{}
		}
		fields["kind"] = p.Kind()
		parts = append(parts, fields)
	}
	type alias Message
	return json.Marshal(struct {
		*alias
		Parts []map[string]any `json:"parts"`
	}{alias: (*alias)(m), Parts: parts})
}

// ArtifactKind discriminates standalone artifacts
type ArtifactKind string

const (
	ArtifactToolCall ArtifactKind = "tool_call"
	ArtifactData     ArtifactKind = "data"
)

// Artifact is a standalone server-produced payload
type Artifact struct {
	ID       string          `json:"id"`
	Kind     ArtifactKind    `json:"kind"`
	ToolCall *ToolCall       `json:"tool_call,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Handover marks control passing between agents
type Handover struct {
	ID     string `json:"id"`
	From   string `json:"from_agent"`
	To     string `json:"to_agent"`
	Reason string `json:"reason,omitempty"`
}

// RunFailure marks a run that ended with run_error
type RunFailure struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Aggregate is an entry in the assembled conversation
type Aggregate interface {
	AggregateID() string
	isAggregate()
}

func (m *Message) AggregateID() string    { return m.ID }
func (a *Artifact) AggregateID() string   { return a.ID }
func (h *Handover) AggregateID() string   { return h.ID }
func (r *RunFailure) AggregateID() string { return r.ID }

func (*Message) isAggregate()    {}
func (*Artifact) isAggregate()   {}
func (*Handover) isAggregate()   {}
func (*RunFailure) isAggregate() {}
