// Package protocol defines the canonical agent run vocabulary.
//
// events.go - Event variants
//
// This file contains:
// - EventType constants for every canonical event
// - One struct per event variant, all implementing Event
// - Unknown, the opaque fallback for event types this client does not know
//
// Events are closed variants: consumers type-switch on the concrete struct
// and handle Unknown explicitly instead of inspecting untyped maps.

package protocol

import "encoding/json"

// EventType discriminates event variants on the wire
type EventType string

// Run lifecycle
const (
	EventRunStarted  EventType = "run_started"
	EventRunFinished EventType = "run_finished"
	EventRunError    EventType = "run_error"
)

// Text streaming
const (
	EventTextMessageStart   EventType = "text_message_start"
	EventTextMessageContent EventType = "text_message_content"
	EventTextMessageEnd     EventType = "text_message_end"
)

// Tool call lifecycle
const (
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallArgs   EventType = "tool_call_args"
	EventToolCallEnd    EventType = "tool_call_end"
	EventToolCallResult EventType = "tool_call_result"
	EventToolRejected   EventType = "tool_rejected"
)

// Planning and handover
const (
	EventPlanStarted   EventType = "plan_started"
	EventPlanFinished  EventType = "plan_finished"
	EventStepStarted   EventType = "step_started"
	EventStepCompleted EventType = "step_completed"
	EventAgentHandover EventType = "agent_handover"
)

// Event is implemented by every canonical event variant
type Event interface {
	Type() EventType
	isEvent()
}

// RunStarted marks the beginning of a run
type RunStarted struct {
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
	AgentID  string `json:"agent_id,omitempty"`
}

// RunFinished marks normal run completion
type RunFinished struct {
	ThreadID string `json:"thread_id,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// RunError terminates a run with an error
type RunError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// TextMessageStart opens a streamed message
type TextMessageStart struct {
	MessageID string `json:"message_id"`
	Role      Role   `json:"role"`
}

// TextMessageContent carries one text delta
type TextMessageContent struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta"`
}

// TextMessageEnd seals a streamed message
type TextMessageEnd struct {
	MessageID string `json:"message_id"`
}

// ToolCallStart opens a streamed tool call
type ToolCallStart struct {
	ToolCallID      string `json:"tool_call_id"`
	ToolCallName    string `json:"tool_call_name"`
	ParentMessageID string `json:"parent_message_id,omitempty"`
	IsExternal      bool   `json:"is_external,omitempty"`
}

// ToolCallArgs carries one fragment of a tool call's input
type ToolCallArgs struct {
	ToolCallID string `json:"tool_call_id"`
	Delta      string `json:"delta"`
}

// ToolCallEnd seals a streamed tool call
type ToolCallEnd struct {
	ToolCallID string `json:"tool_call_id"`
}

// ToolCallResult delivers the outcome of a tool call.
// A nil Success is treated as success.
type ToolCallResult struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Succeeded reports whether the result represents a successful call
func (e ToolCallResult) Succeeded() bool {
	return e.Success == nil || *e.Success
}

// ToolRejected reports that the server refused to run a tool call
type ToolRejected struct {
	ToolCallID string `json:"tool_call_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// AgentHandover records control passing from one agent to another
type AgentHandover struct {
	FromAgent string `json:"from_agent"`
	ToAgent   string `json:"to_agent"`
	Reason    string `json:"reason,omitempty"`
}

// PlanStarted marks the start of a planning phase
type PlanStarted struct {
	PlanID string `json:"plan_id,omitempty"`
}

// PlanFinished marks the end of a planning phase
type PlanFinished struct {
	PlanID     string `json:"plan_id,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`
}

// StepStarted marks the start of a plan step
type StepStarted struct {
	StepID    string `json:"step_id"`
	StepTitle string `json:"step_title,omitempty"`
	StepIndex int    `json:"step_index,omitempty"`
}

// StepCompleted marks the end of a plan step
type StepCompleted struct {
	StepID  string `json:"step_id"`
	Success *bool  `json:"success,omitempty"`
}

// Unknown holds an event whose type is not part of this vocabulary.
// It is kept rather than rejected so newer servers do not break older clients.
type Unknown struct {
	Kind string          `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (RunStarted) Type() EventType         { return EventRunStarted }
func (RunFinished) Type() EventType        { return EventRunFinished }
func (RunError) Type() EventType           { return EventRunError }
func (TextMessageStart) Type() EventType   { return EventTextMessageStart }
func (TextMessageContent) Type() EventType { return EventTextMessageContent }
func (TextMessageEnd) Type() EventType     { return EventTextMessageEnd }
func (ToolCallStart) Type() EventType      { return EventToolCallStart }
func (ToolCallArgs) Type() EventType       { return EventToolCallArgs }
func (ToolCallEnd) Type() EventType        { return EventToolCallEnd }
func (ToolCallResult) Type() EventType     { return EventToolCallResult }
func (ToolRejected) Type() EventType       { return EventToolRejected }
func (AgentHandover) Type() EventType      { return EventAgentHandover }
func (PlanStarted) Type() EventType        { return EventPlanStarted }
func (PlanFinished) Type() EventType       { return EventPlanFinished }
func (StepStarted) Type() EventType        { return EventStepStarted }
func (StepCompleted) Type() EventType      { return EventStepCompleted }
func (u Unknown) Type() EventType          { return EventType(u.Kind) }

func (RunStarted) isEvent()         {}
func (RunFinished) isEvent()        {}
func (RunError) isEvent()           {}
func (TextMessageStart) isEvent()   {}
func (TextMessageContent) isEvent() {}
func (TextMessageEnd) isEvent()     {}
func (ToolCallStart) isEvent()      {}
func (ToolCallArgs) isEvent()       {}
func (ToolCallEnd) isEvent()        {}
func (ToolCallResult) isEvent()     {}
func (ToolRejected) isEvent()       {}
func (AgentHandover) isEvent()      {}
func (PlanStarted) isEvent()        {}
func (PlanFinished) isEvent()       {}
func (StepStarted) isEvent()        {}
func (StepCompleted) isEvent()      {}
func (Unknown) isEvent()            {}
