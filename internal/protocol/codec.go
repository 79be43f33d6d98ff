package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrMissingType      = errors.New("event has no type")
	ErrMalformedPayload = errors.New("malformed event payload")
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses one native event frame.
//
// Decoding is total over the type field: unrecognized types come back as
// Unknown. Payload fields may sit under "data" or directly on the frame.
// Only frames that are not JSON objects, that lack a type, or whose payload
// does not match the variant produce an error.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	payload := env.Data
	if len(payload) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = raw
	}
	return decodePayload(EventType(env.Type), payload)
}

func decodePayload(t EventType, payload json.RawMessage) (Event, error) {
	var ev Event
	var err error
	switch t {
	case EventRunStarted:
		ev, err = unmarshalAs[RunStarted](payload)
	case EventRunFinished:
		ev, err = unmarshalAs[RunFinished](payload)
	case EventRunError:
		ev, err = unmarshalAs[RunError](payload)
	case EventTextMessageStart:
		var e TextMessageStart
		e, err = unmarshalAs[TextMessageStart](payload)
		e.Role = ParseRole(string(e.Role))
		ev = e
	case EventTextMessageContent:
		ev, err = unmarshalAs[TextMessageContent](payload)
	case EventTextMessageEnd:
		ev, err = unmarshalAs[TextMessageEnd](payload)
	case EventToolCallStart:
		ev, err = unmarshalAs[ToolCallStart](payload)
	case EventToolCallArgs:
		ev, err = unmarshalAs[ToolCallArgs](payload)
	case EventToolCallEnd:
		ev, err = unmarshalAs[ToolCallEnd](payload)
	case EventToolCallResult:
		ev, err = unmarshalAs[ToolCallResult](payload)
	case EventToolRejected:
		ev, err = unmarshalAs[ToolRejected](payload)
	case EventAgentHandover:
		ev, err = unmarshalAs[AgentHandover](payload)
	case EventPlanStarted:
		ev, err = unmarshalAs[PlanStarted](payload)
	case EventPlanFinished:
		ev, err = unmarshalAs[PlanFinished](payload)
	case EventStepStarted:
		ev, err = unmarshalAs[StepStarted](payload)
	case EventStepCompleted:
		ev, err = unmarshalAs[StepCompleted](payload)
	default:
		data := make(json.RawMessage, len(payload))
		copy(data, payload)
		return Unknown{Kind: string(t), Data: data}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, t, err)
	}
	return ev, nil
}

func unmarshalAs[T any](payload json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(payload, &v)
	return v, err
}

// Encode writes an event in the native {"type", "data"} form
func Encode(ev Event) ([]byte, error) {
	var data json.RawMessage
	if u, ok := ev.(Unknown); ok {
		data = u.Data
	} else {
		raw, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %w", ev.Type(), err)
		}
		data = raw
	}
	return json.Marshal(envelope{Type: string(ev.Type()), Data: data})
}
