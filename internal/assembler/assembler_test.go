package assembler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/protocol"
)

func applyAll(a *Assembler, events ...protocol.Event) {
	for _, ev := range events {
		a.Apply(ev)
	}
}

func searchEvents() []protocol.Event {
	return []protocol.Event{
		protocol.RunStarted{ThreadID: "t1", RunID: "r1"},
		protocol.TextMessageStart{MessageID: "m1", Role: protocol.RoleAssistant},
		protocol.TextMessageContent{MessageID: "m1", Delta: "Searching"},
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "search", ParentMessageID: "m1"},
		protocol.ToolCallArgs{ToolCallID: "tc1", Delta: `{"q":`},
		protocol.ToolCallArgs{ToolCallID: "tc1", Delta: `"x"}`},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
		protocol.TextMessageEnd{MessageID: "m1"},
		protocol.RunFinished{ThreadID: "t1", RunID: "r1"},
	}
}

func ids(aggs []protocol.Aggregate) []string {
	out := make([]string, 0, len(aggs))
	for _, agg := range aggs {
		out = append(out, agg.AggregateID())
	}
	return out
}

func TestAssembler_SearchScenario(t *testing.T) {
	a := New()

	var surfaced []protocol.ToolCall
	a.Subscribe(ObserverFunc(func(d Delta) {
		if d.Kind == DeltaToolCallSurfaced {
			surfaced = append(surfaced, *d.ToolCall)
		}
	}))

	applyAll(a, searchEvents()...)

	aggs := a.Aggregates()
	require.Len(t, aggs, 1)
	msg, ok := aggs[0].(*protocol.Message)
	require.True(t, ok)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "Searching", msg.Text())
	assert.Equal(t, protocol.MessageComplete, msg.Status)

	calls := msg.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	assert.JSONEq(t, `{"q":"x"}`, string(calls[0].Args))

	require.Len(t, surfaced, 1)
	assert.Equal(t, "tc1", surfaced[0].ID)

	tc, ok := a.ToolCall("tc1")
	require.True(t, ok)
	assert.JSONEq(t, `{"q":"x"}`, string(tc.Arguments()))

	assert.Empty(t, a.InFlight())
	assert.Equal(t, RunFinished, a.Run().Status)
}

func TestAssembler_InterleavedMessages(t *testing.T) {
	a := New()
	applyAll(a,
		protocol.TextMessageStart{MessageID: "m1"},
		protocol.TextMessageStart{MessageID: "m2"},
		protocol.TextMessageContent{MessageID: "m2", Delta: "b"},
		protocol.TextMessageContent{MessageID: "m1", Delta: "a"},
		protocol.TextMessageEnd{MessageID: "m2"},
	)

	inFlight := a.InFlight()
	require.Len(t, inFlight, 1)
	assert.Equal(t, "a", inFlight[0].(*protocol.Message).Text())
	assert.Equal(t, protocol.MessageStreaming, inFlight[0].(*protocol.Message).Status)

	a.Apply(protocol.TextMessageEnd{MessageID: "m1"})

	aggs := a.Aggregates()
	assert.Equal(t, []string{"m2", "m1"}, ids(aggs))
	assert.Equal(t, "b", aggs[0].(*protocol.Message).Text())
	assert.Equal(t, "a", aggs[1].(*protocol.Message).Text())
}

func TestAssembler_ReplayIsIdempotent(t *testing.T) {
	events := append(searchEvents(),
		protocol.ToolCallResult{ToolCallID: "tc1", Result: json.RawMessage(`{"hits":3}`)},
		protocol.AgentHandover{FromAgent: "planner", ToAgent: "coder"},
		protocol.RunError{Message: "boom"},
	)

	a := New()
	applyAll(a, events...)
	first := a.Aggregates()

	applyAll(a, events...)
	second := a.Aggregates()

	assert.Equal(t, ids(first), ids(second))
	assert.Len(t, second, 3)

	res, ok := a.Result("tc1")
	require.True(t, ok)
	assert.JSONEq(t, `{"hits":3}`, string(res.Result.Result))
}

func TestAssembler_EndWithoutStartIsDropped(t *testing.T) {
	a := New()
	assert.NotPanics(t, func() {
		applyAll(a,
			protocol.ToolCallEnd{ToolCallID: "ghost"},
			protocol.ToolCallArgs{ToolCallID: "ghost", Delta: "{}"},
			protocol.TextMessageContent{MessageID: "nobody", Delta: "hi"},
			protocol.TextMessageEnd{MessageID: "nobody"},
			protocol.StepCompleted{StepID: "s9"},
			protocol.TextMessageStart{},
		)
	})
	assert.Zero(t, a.Len())
	assert.Empty(t, a.InFlight())

	_, ok := a.ToolCall("ghost")
	assert.False(t, ok)
}

func TestAssembler_ResultBeforeCallIsHeld(t *testing.T) {
	a := New()

	var attached []protocol.ToolResult
	a.Subscribe(ObserverFunc(func(d Delta) {
		if d.Kind == DeltaResultAttached {
			attached = append(attached, *d.Result)
		}
	}))

	a.Apply(protocol.ToolCallResult{ToolCallID: "tc1", Result: json.RawMessage(`"early"`)})
	assert.Len(t, a.Orphans(), 1)
	assert.Empty(t, attached)

	applyAll(a,
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "lookup"},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
	)

	assert.Empty(t, a.Orphans())
	require.Len(t, attached, 1)
	assert.Equal(t, "lookup", attached[0].ToolName)
	assert.True(t, attached[0].Success)
}

func TestAssembler_DuplicateResultMovesTimestampOnly(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := New(WithClock(func() time.Time { return now }))

	applyAll(a,
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "search"},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
		protocol.ToolCallResult{ToolCallID: "tc1", Result: json.RawMessage(`1`)},
	)

	now = now.Add(time.Minute)
	success := false
	a.Apply(protocol.ToolCallResult{ToolCallID: "tc1", Result: json.RawMessage(`2`), Success: &success})

	res, ok := a.Result("tc1")
	require.True(t, ok)
	assert.Equal(t, `1`, string(res.Result.Result))
	assert.True(t, res.Result.Success)
	assert.Equal(t, now, res.ReceivedAt)
}

func TestAssembler_StandaloneToolCall(t *testing.T) {
	a := New()
	applyAll(a,
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "deploy", ParentMessageID: "missing"},
		protocol.ToolCallArgs{ToolCallID: "tc1", Delta: "not json"},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
	)

	aggs := a.Aggregates()
	require.Len(t, aggs, 1)
	art, ok := aggs[0].(*protocol.Artifact)
	require.True(t, ok)
	assert.Equal(t, protocol.ArtifactToolCall, art.Kind)
	assert.Equal(t, "not json", art.ToolCall.Input)
	assert.Nil(t, art.ToolCall.Args)
	assert.Equal(t, `"not json"`, string(art.ToolCall.Arguments()))
}

func TestAssembler_LateToolCallRepublishesParent(t *testing.T) {
	a := New()

	var updated []protocol.Aggregate
	a.Subscribe(ObserverFunc(func(d Delta) {
		if d.Kind == DeltaUpdated {
			updated = append(updated, d.Aggregate)
		}
	}))

	applyAll(a,
		protocol.TextMessageStart{MessageID: "m1"},
		protocol.TextMessageContent{MessageID: "m1", Delta: "done"},
		protocol.TextMessageEnd{MessageID: "m1"},
	)
	original := a.Aggregates()[0].(*protocol.Message)

	applyAll(a,
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "notify", ParentMessageID: "m1"},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
	)

	assert.Len(t, original.Parts, 1)
	require.Len(t, updated, 1)

	current := a.Aggregates()
	require.Len(t, current, 1)
	assert.Len(t, current[0].(*protocol.Message).ToolCalls(), 1)
	assert.Same(t, updated[0], current[0])
}

func TestAssembler_RunErrorSealsOpenFragments(t *testing.T) {
	a := New()
	applyAll(a,
		protocol.RunStarted{RunID: "r1"},
		protocol.StepStarted{StepID: "s1", StepTitle: "fetch"},
		protocol.TextMessageStart{MessageID: "m1"},
		protocol.TextMessageContent{MessageID: "m1", Delta: "partial"},
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "fetch"},
		protocol.RunError{Message: "upstream closed", Code: "502"},
	)

	aggs := a.Aggregates()
	require.Len(t, aggs, 3)

	msg := aggs[0].(*protocol.Message)
	assert.Equal(t, protocol.MessageErrored, msg.Status)
	assert.Equal(t, "partial", msg.Text())
	assert.Equal(t, "upstream closed", msg.Error)

	art := aggs[1].(*protocol.Artifact)
	assert.Equal(t, "upstream closed", art.Error)

	failure := aggs[2].(*protocol.RunFailure)
	assert.Equal(t, "502", failure.Code)

	run := a.Run()
	assert.Equal(t, RunFailed, run.Status)
	require.Len(t, run.Steps, 1)
	assert.Equal(t, StepFailed, run.Steps[0].Status)

	_, surfaced := a.ToolCall("tc1")
	assert.False(t, surfaced)

	// late events for the sealed ids are ignored
	applyAll(a,
		protocol.TextMessageContent{MessageID: "m1", Delta: " more"},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
	)
	assert.Equal(t, "partial", a.Aggregates()[0].(*protocol.Message).Text())
	assert.Equal(t, 3, a.Len())
}

func TestAssembler_HandoverMarkers(t *testing.T) {
	a := New()
	applyAll(a,
		protocol.AgentHandover{FromAgent: "a", ToAgent: "b"},
		protocol.AgentHandover{FromAgent: "b", ToAgent: "a"},
		protocol.AgentHandover{FromAgent: "a", ToAgent: "b"},
	)

	// the repeat is held until a keyed event tells it apart from a replay
	require.Len(t, a.Aggregates(), 2)
	assert.Equal(t, "b", a.Run().Agent)

	a.Apply(protocol.RunFinished{RunID: "r1"})
	aggs := a.Aggregates()
	require.Len(t, aggs, 3)
	assert.NotEqual(t, aggs[0].AggregateID(), aggs[2].AggregateID())
}

func TestAssembler_ReplayKeepsMarkers(t *testing.T) {
	tests := []struct {
		name   string
		events []protocol.Event
		want   int
	}{
		{
			name: "handover before any message",
			events: []protocol.Event{
				protocol.AgentHandover{FromAgent: "a", ToAgent: "b"},
				protocol.TextMessageStart{MessageID: "m1"},
				protocol.TextMessageContent{MessageID: "m1", Delta: "hi"},
				protocol.TextMessageEnd{MessageID: "m1"},
			},
			want: 2,
		},
		{
			name: "run error while a message is open",
			events: []protocol.Event{
				protocol.TextMessageStart{MessageID: "m1"},
				protocol.TextMessageContent{MessageID: "m1", Delta: "partial"},
				protocol.RunError{Message: "boom"},
			},
			want: 2,
		},
		{
			name: "handover first, run error last",
			events: []protocol.Event{
				protocol.AgentHandover{FromAgent: "a", ToAgent: "b"},
				protocol.RunStarted{RunID: "r1"},
				protocol.TextMessageStart{MessageID: "m1"},
				protocol.TextMessageContent{MessageID: "m1", Delta: "partial"},
				protocol.RunError{Message: "boom"},
			},
			want: 3,
		},
		{
			name: "marker on its own",
			events: []protocol.Event{
				protocol.RunError{Message: "boom"},
			},
			want: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			applyAll(a, tt.events...)
			first := ids(a.Aggregates())
			require.Len(t, first, tt.want)

			applyAll(a, tt.events...)
			applyAll(a, tt.events...)
			assert.Equal(t, first, ids(a.Aggregates()))
		})
	}
}

func TestAssembler_RepeatedMarkerAfterNewMessage(t *testing.T) {
	a := New()
	applyAll(a,
		protocol.AgentHandover{FromAgent: "a", ToAgent: "b"},
		protocol.TextMessageStart{MessageID: "m1"},
		protocol.TextMessageEnd{MessageID: "m1"},
		protocol.AgentHandover{FromAgent: "a", ToAgent: "b"},
		protocol.TextMessageStart{MessageID: "m2"},
		protocol.TextMessageEnd{MessageID: "m2"},
	)

	aggs := a.Aggregates()
	require.Len(t, aggs, 4)
	assert.IsType(t, &protocol.Handover{}, aggs[2])
	assert.Equal(t, "m2", aggs[3].AggregateID())
}

func TestAssembler_PlanAndSteps(t *testing.T) {
	a := New()
	failed := false
	applyAll(a,
		protocol.RunStarted{RunID: "r1"},
		protocol.PlanStarted{},
	)
	assert.True(t, a.Run().Planning)
	assert.Equal(t, IndicatorPlanning, a.Run().Indicator)

	applyAll(a,
		protocol.PlanFinished{TotalSteps: 2},
		protocol.StepStarted{StepID: "s1", StepTitle: "one", StepIndex: 0},
		protocol.StepCompleted{StepID: "s1"},
		protocol.StepStarted{StepID: "s2", StepTitle: "two", StepIndex: 1},
		protocol.StepCompleted{StepID: "s2", Success: &failed},
	)

	run := a.Run()
	assert.False(t, run.Planning)
	assert.Equal(t, 2, run.TotalSteps)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, StepCompleted, run.Steps[0].Status)
	assert.Equal(t, StepFailed, run.Steps[1].Status)
}

func TestAssembler_IndicatorFollowsStreaming(t *testing.T) {
	a := New()
	a.Apply(protocol.RunStarted{})
	assert.Equal(t, IndicatorStarting, a.Run().Indicator)

	a.Apply(protocol.TextMessageStart{MessageID: "m1"})
	assert.Equal(t, IndicatorGenerating, a.Run().Indicator)

	a.Apply(protocol.TextMessageEnd{MessageID: "m1"})
	assert.Equal(t, IndicatorNone, a.Run().Indicator)
}

func TestAssembler_ApplyAggregate(t *testing.T) {
	a := New()

	var surfaced int
	a.Subscribe(ObserverFunc(func(d Delta) {
		if d.Kind == DeltaToolCallSurfaced {
			surfaced++
		}
	}))

	msg := &protocol.Message{
		ID:   "m1",
		Role: protocol.RoleAssistant,
		Parts: []protocol.Part{
			protocol.TextPart{Text: "calling"},
			protocol.ToolCallPart{ToolCall: protocol.ToolCall{ID: "tc1", Name: "search", Args: json.RawMessage(`{}`)}},
		},
	}
	a.ApplyAggregate(msg)
	a.ApplyAggregate(msg)

	results := &protocol.Message{
		ID:   "m2",
		Role: protocol.RoleUser,
		Parts: []protocol.Part{
			protocol.ToolResultPart{ToolResult: protocol.ToolResult{ToolCallID: "tc1", Success: true}},
		},
	}
	a.ApplyAggregate(results)

	assert.Equal(t, 1, surfaced)
	assert.Equal(t, []string{"m1", "m2"}, ids(a.Aggregates()))
	assert.Equal(t, protocol.MessageComplete, a.Aggregates()[0].(*protocol.Message).Status)

	_, ok := a.Result("tc1")
	assert.True(t, ok)

	// streamed events for an id already delivered whole are ignored
	applyAll(a,
		protocol.TextMessageStart{MessageID: "m1"},
		protocol.TextMessageEnd{MessageID: "m1"},
	)
	assert.Equal(t, 2, a.Len())
}

func TestAssembler_Unsubscribe(t *testing.T) {
	a := New()
	var n int
	unsubscribe := a.Subscribe(ObserverFunc(func(Delta) { n++ }))

	a.Apply(protocol.TextMessageStart{MessageID: "m1"})
	seen := n
	require.Positive(t, seen)

	unsubscribe()
	a.Apply(protocol.TextMessageEnd{MessageID: "m1"})
	assert.Equal(t, seen, n)
}

func TestAssembler_RejectedToolCall(t *testing.T) {
	a := New()
	applyAll(a,
		protocol.ToolCallStart{ToolCallID: "tc1", ToolCallName: "send_email"},
		protocol.ToolCallEnd{ToolCallID: "tc1"},
		protocol.ToolRejected{ToolCallID: "tc1", Reason: "user declined"},
	)

	res, ok := a.Result("tc1")
	require.True(t, ok)
	assert.False(t, res.Result.Success)
	assert.Equal(t, "rejected: user declined", res.Result.Error)
}
