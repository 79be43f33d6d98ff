package assembler

import "github.com/HyphaGroup/tether/internal/protocol"

// DeltaKind identifies what changed in the assembled state
type DeltaKind string

const (
	// DeltaAppended: a completed aggregate was added to the list
	DeltaAppended DeltaKind = "appended"
	// DeltaUpdated: a published aggregate was replaced by a new version
	DeltaUpdated DeltaKind = "updated"
	// DeltaStreaming: an in-flight fragment was opened or grew
	DeltaStreaming DeltaKind = "streaming"
	// DeltaToolCallSurfaced: a tool call became visible and may be executed
	DeltaToolCallSurfaced DeltaKind = "tool_call_surfaced"
	// DeltaResultAttached: a tool result was attached to its call
	DeltaResultAttached DeltaKind = "result_attached"
	// DeltaRunState: run lifecycle, plan or step state changed
	DeltaRunState DeltaKind = "run_state"
)

// Delta describes one change published to observers
type Delta struct {
	Kind      DeltaKind
	Aggregate protocol.Aggregate
	ToolCall  *protocol.ToolCall
	Result    *protocol.ToolResult
	Run       *RunState
	Text      string
}

// Observer receives deltas in the order the assembler produced them.
// Observers are called outside the assembler's lock and may read from it.
type Observer interface {
	OnDelta(Delta)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(Delta)

// OnDelta calls f(d)
func (f ObserverFunc) OnDelta(d Delta) { f(d) }
