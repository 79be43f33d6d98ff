package normalize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/HyphaGroup/tether/internal/protocol"
)

// Artifact payload types
const (
	ArtifactLLMResponse = "llm_response"
	ArtifactToolResults = "tool_results"
	ArtifactFinalResult = "final_result"
)

// Data part discriminators
const (
	partTypeToolCall   = "tool_call"
	partTypeToolResult = "tool_result"
)

func fromMessage(raw []byte) (Output, error) {
	var m a2aMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return Output{}, fmt.Errorf("%w: message: %v", ErrUnrecognizedFrame, err)
	}

	id := m.MessageID
	if id == "" {
		id = deriveID(raw, "message")
	}

	msg := &protocol.Message{
		ID:     id,
		Role:   protocol.ParseRole(m.Role),
		Status: protocol.MessageComplete,
		Parts:  make([]protocol.Part, 0, len(m.Parts)),
	}
	for _, p := range m.Parts {
		msg.Parts = append(msg.Parts, convertPart(p, id))
	}

	return Output{Shape: ShapeA2AMessage, Aggregate: msg}, nil
}

// convertPart maps one A2A part onto a canonical Part. Parts of an unknown
// kind are kept whole as data rather than dropped.
func convertPart(p a2aPart, messageID string) protocol.Part {
	switch p.kind() {
	case "text":
		if p.Text != nil {
			return protocol.TextPart{Text: *p.Text}
		}
		return protocol.TextPart{}
	case "file":
		if p.File == nil {
			break
		}
		if p.File.URI != "" {
			return protocol.ImagePart{URL: p.File.URI, MimeType: p.File.MimeType}
		}
		return protocol.ImagePart{Bytes: p.File.Bytes, MimeType: p.File.MimeType}
	case "data":
		return convertDataPart(p.Data, messageID)
	}

	raw, _ := json.Marshal(p)
	return protocol.DataPart{Payload: raw}
}

func convertDataPart(data json.RawMessage, messageID string) protocol.Part {
	var hdr dataPartHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return protocol.DataPart{Payload: data}
	}

	switch hdr.PartType {
	case partTypeToolCall:
		call := hdr.ToolCall
		if call == nil {
			call = &wireToolCall{}
			if err := json.Unmarshal(data, call); err != nil {
				return protocol.DataPart{Payload: data}
			}
		}
		return protocol.ToolCallPart{ToolCall: call.toolCall(messageID)}
	case partTypeToolResult:
		res := hdr.ToolResult
		if res == nil {
			res = &wireToolResult{}
			if err := json.Unmarshal(data, res); err != nil {
				return protocol.DataPart{Payload: data}
			}
		}
		return protocol.ToolResultPart{ToolResult: res.toolResult()}
	}
	return protocol.DataPart{Payload: data}
}

func fromStatusUpdate(raw []byte) (Output, error) {
	var su a2aStatusUpdate
	if err := json.Unmarshal(raw, &su); err != nil {
		return Output{}, fmt.Errorf("%w: status-update: %v", ErrUnrecognizedFrame, err)
	}

	out := Output{Shape: ShapeA2AStatus}
	if len(su.Metadata) == 0 {
		return out, nil
	}

	var md statusMetadata
	if err := json.Unmarshal(su.Metadata, &md); err != nil || md.Type == "" {
		return out, nil
	}

	out.Events = []protocol.Event{statusEvent(md, su)}
	return out, nil
}

// statusEvent maps status-update metadata onto a canonical event. Unmapped
// metadata types are returned as Unknown.
func statusEvent(md statusMetadata, su a2aStatusUpdate) protocol.Event {
	switch md.Type {
	case "run_started":
		return protocol.RunStarted{ThreadID: md.ThreadID, RunID: md.RunID, AgentID: md.AgentID}
	case "run_finished":
		return protocol.RunFinished{ThreadID: md.ThreadID, RunID: md.RunID}
	case "run_error":
		msg := md.Message
		if msg == "" {
			msg = md.Error
		}
		return protocol.RunError{Message: msg, Code: md.Code}
	case "plan_started":
		return protocol.PlanStarted{}
	case "plan_finished":
		return protocol.PlanFinished{TotalSteps: md.TotalSteps}
	case "step_started":
		return protocol.StepStarted{StepID: md.StepID, StepTitle: md.StepTitle, StepIndex: md.StepIndex}
	case "step_completed":
		return protocol.StepCompleted{StepID: md.StepID, Success: md.Success}
	case "tool_execution_start":
		name := md.ToolCallName
		if name == "" {
			name = "Tool"
		}
		return protocol.ToolCallStart{
			ToolCallID:      md.ToolCallID,
			ToolCallName:    name,
			ParentMessageID: su.TaskID,
			IsExternal:      true,
		}
	case "tool_execution_end":
		return protocol.ToolCallEnd{ToolCallID: md.ToolCallID}
	case "tool_rejected":
		return protocol.ToolRejected{ToolCallID: md.ToolCallID, Reason: md.Reason}
	case "text_message_start":
		return protocol.TextMessageStart{MessageID: md.MessageID, Role: protocol.ParseRole(md.Role)}
	case "text_message_content":
		return protocol.TextMessageContent{MessageID: md.MessageID, Delta: md.Delta}
	case "text_message_end":
		return protocol.TextMessageEnd{MessageID: md.MessageID}
	case "agent_handover":
		return protocol.AgentHandover{FromAgent: md.FromAgent, ToAgent: md.ToAgent, Reason: md.Reason}
	}
	return protocol.Unknown{Kind: md.Type, Data: su.Metadata}
}

func fromArtifact(raw []byte) (Output, error) {
	var a a2aArtifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return Output{}, fmt.Errorf("%w: artifact: %v", ErrUnrecognizedFrame, err)
	}
	if len(a.Artifact) > 0 {
		inner := a.Artifact
		a = a2aArtifact{}
		if err := json.Unmarshal(inner, &a); err != nil {
			return Output{}, fmt.Errorf("%w: artifact-update: %v", ErrUnrecognizedFrame, err)
		}
		raw = inner
	}

	id := a.ArtifactID
	if id == "" {
		id = deriveID(raw, "artifact")
	}
	out := Output{Shape: ShapeA2AArtifact}

	if len(a.Parts) == 0 || a.Parts[0].kind() != "data" || len(a.Parts[0].Data) == 0 {
		out.Aggregate = opaque(id, raw)
		return out, nil
	}

	data := a.Parts[0].Data
	var payload artifactPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.Type == nil {
		out.Aggregate = opaque(id, data)
		return out, nil
	}

	switch *payload.Type {
	case ArtifactLLMResponse:
		msgID := payload.ID
		if msgID == "" {
			msgID = id
		}
		msg := &protocol.Message{ID: msgID, Role: protocol.RoleAssistant, Status: protocol.MessageComplete}
		if payload.Content != "" {
			msg.Parts = append(msg.Parts, protocol.TextPart{Text: payload.Content})
		}
		for _, tc := range payload.ToolCalls {
			msg.Parts = append(msg.Parts, protocol.ToolCallPart{ToolCall: tc.toolCall(msgID)})
		}
		if len(msg.Parts) == 0 {
			out.Aggregate = opaque(id, data)
			return out, nil
		}
		out.Aggregate = msg

	case ArtifactToolResults:
		for _, r := range payload.Results {
			out.Events = append(out.Events, r.event())
		}

	case ArtifactFinalResult:
		text := payload.Content
		if text == "" {
			text = resultText(payload.Result)
		}
		if text == "" {
			out.Aggregate = opaque(id, data)
			return out, nil
		}
		msgID := payload.ID
		if msgID == "" {
			msgID = id
		}
		out.Aggregate = &protocol.Message{
			ID:     msgID,
			Role:   protocol.RoleAssistant,
			Status: protocol.MessageComplete,
			Parts:  []protocol.Part{protocol.TextPart{Text: text}},
		}

	default:
		out.Aggregate = opaque(id, data)
	}
	return out, nil
}

// opaque wraps a payload nothing else understood so it is still shown
func opaque(id string, payload json.RawMessage) *protocol.Message {
	return &protocol.Message{
		ID:     id,
		Role:   protocol.RoleAssistant,
		Status: protocol.MessageComplete,
		Parts:  []protocol.Part{protocol.DataPart{Payload: payload}},
	}
}

func resultText(raw json.RawMessage) string {
	t := strings.TrimSpace(string(raw))
	if t == "" || t == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
