package orchestrator

import (
	"encoding/json"
	"time"

	"github.com/HyphaGroup/tether/internal/protocol"
)

// Status is the lifecycle state of one tool call
type Status string

const (
	StatusPending            Status = "pending"
	StatusRunning            Status = "running"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
	StatusUserActionRequired Status = "user_action_required"
)

// transitions lists the allowed moves out of each status
var transitions = map[Status][]Status{
	StatusPending:            {StatusRunning, StatusUserActionRequired, StatusCompleted, StatusError},
	StatusRunning:            {StatusCompleted, StatusError, StatusUserActionRequired},
	StatusUserActionRequired: {StatusCompleted, StatusError},
}

// CanTransition reports whether s may move to next
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s is completed or error
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Outstanding reports whether s counts toward the all-complete check
func (s Status) Outstanding() bool {
	return s == StatusPending || s == StatusRunning
}

// Source records who resolved a tool call
type Source string

const (
	SourceHandler     Source = "handler"
	SourceInterceptor Source = "interceptor"
	SourceClient      Source = "client"
	SourceServer      Source = "server"
)

// ToolCallState is the orchestrator's view of one tool call
type ToolCallState struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Input       json.RawMessage `json:"input,omitempty"`
	Status      Status          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Transitions []Status        `json:"transitions"`
	External    bool            `json:"external,omitempty"`
	Source      Source          `json:"source,omitempty"`
}

// ToolResult renders the state as a protocol result
func (s ToolCallState) ToolResult() protocol.ToolResult {
	return protocol.ToolResult{
		ToolCallID: s.ToolCallID,
		ToolName:   s.ToolName,
		Result:     s.Result,
		Success:    s.Status == StatusCompleted,
		Error:      s.Error,
	}
}

func (s ToolCallState) clone() ToolCallState {
	c := s
	c.Transitions = append([]Status(nil), s.Transitions...)
	return c
}
