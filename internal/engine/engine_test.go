package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/approval"
	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/continuity"
	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/protocol"
	"github.com/HyphaGroup/tether/internal/storage"
	"github.com/HyphaGroup/tether/internal/testutil"
	"github.com/HyphaGroup/tether/internal/transport"
)

type harness struct {
	engine    *Engine
	dialer    *testutil.Dialer
	delivered chan protocol.ToolResult
}

func newHarness(t *testing.T, kv storage.KV, reg *orchestrator.Registry, opts ...Option) *harness {
	t.Helper()
	h := &harness{dialer: &testutil.Dialer{}, delivered: make(chan protocol.ToolResult, 16)}
	opts = append([]Option{
		WithDialer(h.dialer.Dial),
		WithDeliver(func(_ context.Context, _ string, r protocol.ToolResult) { h.delivered <- r }),
	}, opts...)

	cfg := Config{Stream: transport.Options{URL: "http://agent.test/stream?agent=coder"}}
	e, err := New(context.Background(), cfg, kv, reg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close(context.Background()) })
	h.engine = e
	return h
}

func (h *harness) waitDelivered(t *testing.T) protocol.ToolResult {
	t.Helper()
	select {
	case r := <-h.delivered:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a delivered result")
		return protocol.ToolResult{}
	}
}

func toolCallEvents(id, name, parent, args string) []protocol.Event {
	return []protocol.Event{
		protocol.ToolCallStart{ToolCallID: id, ToolCallName: name, ParentMessageID: parent},
		protocol.ToolCallArgs{ToolCallID: id, Delta: args},
		protocol.ToolCallEnd{ToolCallID: id},
	}
}

func searchRegistry(t *testing.T, calls *atomic.Int32) *orchestrator.Registry {
	t.Helper()
	reg := orchestrator.NewRegistry()
	require.NoError(t, reg.Register("search", orchestrator.HandlerFunc(
		func(_ context.Context, call orchestrator.Call) (json.RawMessage, error) {
			calls.Add(1)
			return json.RawMessage(`{"hits":3}`), nil
		})))
	return reg
}

func TestEngine_SearchScenario(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, storage.NewMemory(), searchRegistry(t, &calls))
	ctx := context.Background()

	threadID, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)

	u, err := url.Parse(h.dialer.URLs()[0])
	require.NoError(t, err)
	assert.Equal(t, threadID, u.Query().Get(continuity.QueryParam))
	assert.Equal(t, "coder", u.Query().Get("agent"))

	stream := h.dialer.Last()
	stream.Send(t,
		protocol.TextMessageStart{MessageID: "m1", Role: protocol.RoleAssistant},
		protocol.TextMessageContent{MessageID: "m1", Delta: "Searching"},
	)
	stream.Send(t, toolCallEvents("tc1", "search", "m1", `{"q":"x"}`)...)
	stream.Send(t, protocol.TextMessageEnd{MessageID: "m1"})

	res := h.waitDelivered(t)
	assert.Equal(t, "tc1", res.ToolCallID)
	assert.Equal(t, "search", res.ToolName)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"hits":3}`, string(res.Result))
	assert.Equal(t, int32(1), calls.Load())

	st, ok := h.engine.Orchestrator().State("tc1")
	require.True(t, ok)
	assert.Equal(t, orchestrator.StatusCompleted, st.Status)

	require.Eventually(t, func() bool {
		aggs, err := h.engine.Aggregates(threadID)
		return err == nil && len(aggs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Detach())
	last, ok := h.engine.Tracker().ResumeToken(ctx, threadID)
	require.True(t, ok)
	events, err := h.engine.Events(threadID, -1)
	require.NoError(t, err)
	assert.Equal(t, events[len(events)-1].Index, last)
}

func TestEngine_DetachQueuesResultsUntilReattach(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	reg := orchestrator.NewRegistry()
	require.NoError(t, reg.Register("build", orchestrator.HandlerFunc(
		func(ctx context.Context, call orchestrator.Call) (json.RawMessage, error) {
			close(started)
			<-release
			return json.RawMessage(`"ok"`), nil
		})))

	h := newHarness(t, storage.NewMemory(), reg)
	ctx := context.Background()

	threadID, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	h.dialer.Last().Send(t, toolCallEvents("b1", "build", "", `{}`)...)
	<-started

	require.NoError(t, h.engine.Detach())
	_, attached := h.engine.Attached()
	assert.False(t, attached)

	close(release)
	require.Eventually(t, func() bool { return h.engine.Queued(threadID) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, h.delivered)

	again, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	assert.Equal(t, threadID, again)

	res := h.waitDelivered(t)
	assert.Equal(t, "b1", res.ToolCallID)
	assert.Equal(t, 0, h.engine.Queued(threadID))
}

func TestEngine_HistoryReplayDoesNotReexecute(t *testing.T) {
	var calls atomic.Int32
	history := testutil.Frames(t, append(append(
		toolCallEvents("old", "search", "", `{"q":"a"}`),
		protocol.ToolCallResult{ToolCallID: "old", Result: json.RawMessage(`{"hits":1}`)}),
		toolCallEvents("open", "search", "", `{"q":"b"}`)...)...)
	history = append(history, []byte(`not json`))

	var fetched string
	h := newHarness(t, storage.NewMemory(), searchRegistry(t, &calls),
		WithHistory(func(_ context.Context, u string, _ map[string]string) ([][]byte, error) {
			fetched = u
			return history, nil
		}))
	h.engine.cfg.HistoryURL = "http://agent.test/history"

	threadID, err := h.engine.Attach(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Contains(t, fetched, "threadId="+threadID)

	res := h.waitDelivered(t)
	assert.Equal(t, "open", res.ToolCallID)
	assert.Equal(t, int32(1), calls.Load())

	_, tracked := h.engine.Orchestrator().State("old")
	assert.False(t, tracked, "a call answered in history is not executed again")
}

func TestEngine_ReattachReplaysHistoryOnce(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	history := testutil.Frames(t,
		protocol.AgentHandover{FromAgent: "planner", ToAgent: "coder"},
		protocol.TextMessageStart{MessageID: "m1", Role: protocol.RoleAssistant},
		protocol.TextMessageContent{MessageID: "m1", Delta: "partial"},
		protocol.TextMessageEnd{MessageID: "m1"},
		protocol.RunError{Message: "boom"},
	)
	h := newHarness(t, kv, nil,
		WithHistory(func(context.Context, string, map[string]string) ([][]byte, error) {
			return history, nil
		}))
	h.engine.cfg.HistoryURL = "http://agent.test/history"

	threadID, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	aggs, err := h.engine.Aggregates(threadID)
	require.NoError(t, err)
	require.Len(t, aggs, 3)
	events, err := h.engine.Events(threadID, -1)
	require.NoError(t, err)
	require.Len(t, events, 5)
	require.NoError(t, h.engine.Detach())

	for i := 0; i < 2; i++ {
		again, err := h.engine.Attach(ctx, "coder", nil)
		require.NoError(t, err)
		require.Equal(t, threadID, again)
		require.NoError(t, h.engine.Detach())
	}

	replayed, err := h.engine.Aggregates(threadID)
	require.NoError(t, err)
	assert.Equal(t, ids(aggs), ids(replayed))
	events, err = h.engine.Events(threadID, -1)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	token, ok := continuity.NewTracker(kv).ResumeToken(ctx, threadID)
	require.True(t, ok)
	assert.Equal(t, 4, token)
}

func ids(aggs []protocol.Aggregate) []string {
	out := make([]string, len(aggs))
	for i, agg := range aggs {
		out[i] = agg.AggregateID()
	}
	return out
}

func TestEngine_StoredDenialResolvesWithoutPrompt(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	require.NoError(t, approval.NewPreferenceStore(kv).Save(ctx, approval.Preferences{approval.DefaultTool: false}))

	prompted := make(chan approval.Request, 1)
	h := newHarness(t, kv, orchestrator.NewRegistry(),
		WithGateOptions(approval.WithPrompter(approval.PrompterFunc(func(_ context.Context, r approval.Request) {
			prompted <- r
		}))))

	_, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	h.dialer.Last().Send(t, toolCallEvents("a1", approval.DefaultTool, "", `{"reason":"deploy"}`)...)

	res := h.waitDelivered(t)
	assert.Equal(t, "a1", res.ToolCallID)
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"approved":false,"message":"approval_request denied by user"}`, string(res.Result))
	assert.Empty(t, prompted)

	st, _ := h.engine.Orchestrator().State("a1")
	assert.NotContains(t, st.Transitions, orchestrator.StatusUserActionRequired)
}

func TestEngine_DecidePromptedApproval(t *testing.T) {
	ctx := context.Background()
	prompted := make(chan approval.Request, 1)
	var trail bytes.Buffer
	h := newHarness(t, storage.NewMemory(), orchestrator.NewRegistry(),
		WithAudit(audit.New(&trail)),
		WithGateOptions(approval.WithPrompter(approval.PrompterFunc(func(_ context.Context, r approval.Request) {
			prompted <- r
		}))))

	_, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	h.dialer.Last().Send(t, toolCallEvents("a1", approval.DefaultTool, "", `{"reason":"ship it"}`)...)

	select {
	case req := <-prompted:
		assert.Equal(t, "ship it", req.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("approval was not prompted")
	}

	require.NoError(t, h.engine.Decide(ctx, "a1", true, false))
	res := h.waitDelivered(t)
	assert.JSONEq(t, `{"approved":true,"message":"approval_request approved by user"}`, string(res.Result))

	assert.Contains(t, trail.String(), `"operation":"approval.decide"`)
	assert.Contains(t, trail.String(), `"operation":"tool.result"`)
	assert.ErrorIs(t, h.engine.Decide(ctx, "a1", false, false), approval.ErrUnknownRequest)
}

func TestEngine_CompleteClearsHeldApproval(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, storage.NewMemory(), orchestrator.NewRegistry())

	_, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	h.dialer.Last().Send(t, toolCallEvents("a1", approval.DefaultTool, "", `{"reason":"ship it"}`)...)
	require.Eventually(t, func() bool { return len(h.engine.Gate().Pending()) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Complete("a1", json.RawMessage(`{"approved":true}`), true, ""))
	h.waitDelivered(t)
	assert.Empty(t, h.engine.Gate().Pending())
	assert.ErrorIs(t, h.engine.Decide(ctx, "a1", false, false), approval.ErrUnknownRequest)
}

func TestEngine_ServerResultIsNotRedelivered(t *testing.T) {
	h := newHarness(t, storage.NewMemory(), orchestrator.NewRegistry())

	_, err := h.engine.Attach(context.Background(), "coder", nil)
	require.NoError(t, err)
	stream := h.dialer.Last()
	stream.Send(t, toolCallEvents("d1", "deploy", "", `{"env":"prod"}`)...)

	require.Eventually(t, func() bool {
		st, ok := h.engine.Orchestrator().State("d1")
		return ok && st.Status == orchestrator.StatusUserActionRequired
	}, 2*time.Second, 10*time.Millisecond)

	stream.Send(t, protocol.ToolCallResult{ToolCallID: "d1", Result: json.RawMessage(`"deployed"`)})
	require.Eventually(t, func() bool {
		st, _ := h.engine.Orchestrator().State("d1")
		return st.Status == orchestrator.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	assert.Never(t, func() bool { return len(h.delivered) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, h.engine.Orchestrator().ExternalResponses())
}

func TestEngine_AttachLifecycle(t *testing.T) {
	h := newHarness(t, storage.NewMemory(), nil)
	ctx := context.Background()

	assert.ErrorIs(t, h.engine.Detach(), ErrNotAttached)

	first, err := h.engine.Attach(ctx, "coder", nil)
	require.NoError(t, err)
	_, err = h.engine.Attach(ctx, "coder", nil)
	assert.ErrorIs(t, err, ErrAttached)

	second, err := h.engine.NewThread(ctx, "coder")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	current, ok := h.engine.Attached()
	require.True(t, ok)
	assert.Equal(t, second, current)
	assert.Equal(t, 2, h.dialer.Count())

	other, err := h.engine.SwitchAgent(ctx, "planner")
	require.NoError(t, err)
	assert.NotEqual(t, second, other)

	back, err := h.engine.SwitchAgent(ctx, "coder")
	require.NoError(t, err)
	assert.Equal(t, second, back)

	_, err = h.engine.Aggregates("nope")
	assert.ErrorIs(t, err, ErrUnknownThread)

	require.NoError(t, h.engine.Close(ctx))
	_, err = h.engine.Attach(ctx, "coder", nil)
	assert.ErrorIs(t, err, orchestrator.ErrClosed)
}

func TestEngine_StreamEndDetaches(t *testing.T) {
	h := newHarness(t, storage.NewMemory(), nil)

	_, err := h.engine.Attach(context.Background(), "", nil)
	require.NoError(t, err)
	h.dialer.Last().End()

	require.NoError(t, h.engine.Wait())
	_, attached := h.engine.Attached()
	assert.False(t, attached)
}
