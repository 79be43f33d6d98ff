package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/tether/internal/protocol"
)

// EncodeMessage renders a canonical message in the A2A message shape, the
// form used when posting user input or tool results back to an agent
func EncodeMessage(msg *protocol.Message, threadID, runID string) ([]byte, error) {
	role := "user"
	if msg.Role == protocol.RoleAssistant {
		role = "agent"
	}

	out := a2aMessage{
		Kind:      "message",
		MessageID: msg.ID,
		Role:      role,
		ContextID: threadID,
		TaskID:    runID,
		Parts:     make([]a2aPart, 0, len(msg.Parts)),
	}

	for _, p := range msg.Parts {
		part, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		out.Parts = append(out.Parts, part)
	}

	return json.Marshal(out)
}

func encodePart(p protocol.Part) (a2aPart, error) {
	switch v := p.(type) {
	case protocol.TextPart:
		text := v.Text
		return a2aPart{Kind: "text", Text: &text}, nil
	case protocol.ImagePart:
		return a2aPart{Kind: "file", File: &a2aFile{URI: v.URL, Bytes: v.Bytes, MimeType: v.MimeType}}, nil
	case protocol.ToolCallPart:
		data, err := json.Marshal(map[string]any{
			"part_type": partTypeToolCall,
			"tool_call": wireToolCall{
				ToolCallID: v.ToolCall.ID,
				ToolName:   v.ToolCall.Name,
				Input:      v.ToolCall.Arguments(),
			},
		})
		return a2aPart{Kind: "data", Data: data}, err
	case protocol.ToolResultPart:
		success := v.ToolResult.Success
		data, err := json.Marshal(struct {
			PartType string `json:"part_type"`
			wireToolResult
		}{
			PartType: partTypeToolResult,
			wireToolResult: wireToolResult{
				ToolCallID: v.ToolResult.ToolCallID,
				ToolName:   v.ToolResult.ToolName,
				Result:     v.ToolResult.Result,
				Success:    &success,
				Error:      v.ToolResult.Error,
			},
		})
		return a2aPart{Kind: "data", Data: data}, err
	case protocol.DataPart:
		return a2aPart{Kind: "data", Data: v.Payload}, nil
	}
	return a2aPart{}, fmt.Errorf("unsupported part kind %q", p.Kind())
}

// ResultsMessage wraps tool results into a user message of tool_result parts
func ResultsMessage(id string, results []protocol.ToolResult) *protocol.Message {
	msg := &protocol.Message{
		ID:     id,
		Role:   protocol.RoleUser,
		Status: protocol.MessageComplete,
		Parts:  make([]protocol.Part, 0, len(results)),
	}
	for _, r := range results {
		msg.Parts = append(msg.Parts, protocol.ToolResultPart{ToolResult: r})
	}
	return msg
}
