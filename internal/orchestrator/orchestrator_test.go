package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/protocol"
)

const waitFor = 2 * time.Second

type recorder struct {
	mu        sync.Mutex
	completes []string
	batches   chan []protocol.ToolResult
}

func newRecorder() *recorder {
	return &recorder{batches: make(chan []protocol.ToolResult, 16)}
}

func (r *recorder) options() []Option {
	return []Option{
		OnComplete(func(id string, _ json.RawMessage, _ bool, _ string) {
			r.mu.Lock()
			r.completes = append(r.completes, id)
			r.mu.Unlock()
		}),
		OnAllComplete(func(results []protocol.ToolResult) {
			r.batches <- results
		}),
	}
}

func (r *recorder) completions(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.completes {
		if c == id {
			n++
		}
	}
	return n
}

func (r *recorder) nextBatch(t *testing.T) []protocol.ToolResult {
	t.Helper()
	select {
	case b := <-r.batches:
		return b
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for all-complete")
		return nil
	}
}

func newTestOrchestrator(t *testing.T, reg *Registry, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(reg, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = o.Close(ctx)
	})
	return o
}

func TestOrchestrator_SearchScenario(t *testing.T) {
	reg := NewRegistry()
	var gotInput json.RawMessage
	require.NoError(t, reg.Register("search", HandlerFunc(func(_ context.Context, call Call) (json.RawMessage, error) {
		gotInput = call.Input
		return json.RawMessage(`"ok"`), nil
	})))
	reg.Register("noop", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	}))

	rec := newRecorder()
	o := newTestOrchestrator(t, reg, rec.options()...)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "A", Name: "search", Args: json.RawMessage(`{"q":"x"}`)}))

	batch := rec.nextBatch(t)
	require.Len(t, batch, 1)
	assert.Equal(t, "A", batch[0].ToolCallID)
	assert.True(t, batch[0].Success)
	assert.JSONEq(t, `{"q":"x"}`, string(gotInput))

	st, ok := o.State("A")
	require.True(t, ok)
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, st.Transitions)
	assert.Equal(t, SourceHandler, st.Source)

	// the server echoes the result; nothing fires again
	require.NoError(t, o.Record(protocol.ToolResult{ToolCallID: "A", Result: json.RawMessage(`"ok"`), Success: true}))

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "B", Name: "noop"}))
	next := rec.nextBatch(t)
	require.Len(t, next, 1)
	assert.Equal(t, "B", next[0].ToolCallID)
	assert.Equal(t, 1, rec.completions("A"))
}

func TestOrchestrator_DeployWithoutHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Register("noop", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		return nil, nil
	}))
	rec := newRecorder()
	o := newTestOrchestrator(t, reg, rec.options()...)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "d1", Name: "deploy"}))

	st, ok := o.State("d1")
	require.True(t, ok)
	assert.Equal(t, StatusUserActionRequired, st.Status)
	assert.False(t, o.HasPending())

	require.NoError(t, o.Complete("d1", json.RawMessage(`{"deployed":true}`), true, ""))
	batch := rec.nextBatch(t)
	require.Len(t, batch, 1)
	assert.Equal(t, "d1", batch[0].ToolCallID)

	require.NoError(t, o.Complete("d1", json.RawMessage(`{"deployed":"again"}`), true, ""))

	st, _ = o.State("d1")
	assert.Equal(t, StatusCompleted, st.Status)
	assert.JSONEq(t, `{"deployed":"again"}`, string(st.Result))
	assert.Equal(t, []Status{StatusPending, StatusUserActionRequired, StatusCompleted}, st.Transitions)

	// flush the callback queue with an unrelated call
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "n1", Name: "noop"}))
	rec.nextBatch(t)
	assert.Equal(t, 1, rec.completions("d1"))
}

func TestOrchestrator_HandlerFailuresAreIsolated(t *testing.T) {
	reg := NewRegistry()
	release := make(chan struct{})
	reg.Register("slow", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`1`), nil
	}))
	reg.Register("boom", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		panic("kaboom")
	}))
	reg.Register("fail", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		return nil, errors.New("disk full")
	}))

	rec := newRecorder()
	o := newTestOrchestrator(t, reg, rec.options()...)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "s", Name: "slow"}))
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "b", Name: "boom"}))
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "f", Name: "fail"}))

	require.Eventually(t, func() bool {
		return len(o.Pending()) == 1
	}, waitFor, 5*time.Millisecond)
	close(release)

	batch := rec.nextBatch(t)
	require.Len(t, batch, 3)

	boom, _ := o.State("b")
	assert.Equal(t, StatusError, boom.Status)
	assert.Contains(t, boom.Error, "kaboom")

	fail, _ := o.State("f")
	assert.Equal(t, "disk full", fail.Error)

	slow, _ := o.State("s")
	assert.Equal(t, StatusCompleted, slow.Status)
}

func TestOrchestrator_SchemaValidation(t *testing.T) {
	reg := NewRegistry()
	called := false
	schema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"q"},
		Properties: map[string]*jsonschema.Schema{
			"q": {Type: "string"},
		},
	}
	require.NoError(t, reg.Register("search", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		called = true
		return nil, nil
	}), WithSchema(schema)))

	rec := newRecorder()
	o := newTestOrchestrator(t, reg, rec.options()...)
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "A", Name: "search", Args: json.RawMessage(`{"q":1}`)}))

	batch := rec.nextBatch(t)
	require.Len(t, batch, 1)
	assert.False(t, batch[0].Success)
	assert.Contains(t, batch[0].Error, ErrInvalidInput.Error())
	assert.False(t, called)
}

type staticInterceptor struct {
	tool string
	out  Interception
}

func (s staticInterceptor) Intercept(_ context.Context, call protocol.ToolCall) Interception {
	if call.Name != s.tool {
		return Interception{Decision: Pass}
	}
	return s.out
}

func TestOrchestrator_InterceptorResolvesFromPending(t *testing.T) {
	rec := newRecorder()
	opts := append(rec.options(), WithInterceptor(staticInterceptor{
		tool: "approval_request",
		out:  Interception{Decision: Resolve, Result: json.RawMessage(`{"approved":false}`), Success: true},
	}))
	o := newTestOrchestrator(t, NewRegistry(), opts...)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "ap", Name: "approval_request"}))
	batch := rec.nextBatch(t)
	require.Len(t, batch, 1)

	st, _ := o.State("ap")
	assert.Equal(t, []Status{StatusPending, StatusCompleted}, st.Transitions)
	assert.Equal(t, SourceInterceptor, st.Source)
	assert.JSONEq(t, `{"approved":false}`, string(st.Result))
}

func TestOrchestrator_HoldAndAutoExecuteOff(t *testing.T) {
	reg := NewRegistry()
	reg.Register("search", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		return nil, nil
	}))
	o := newTestOrchestrator(t, reg,
		WithAutoExecute(false),
		WithInterceptor(staticInterceptor{tool: "approval_request", out: Interception{Decision: Hold}}),
	)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "1", Name: "approval_request"}))
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "2", Name: "search"}))

	for _, id := range []string{"1", "2"} {
		st, ok := o.State(id)
		require.True(t, ok)
		assert.Equal(t, StatusUserActionRequired, st.Status, id)
	}
}

func TestOrchestrator_HandlerAsksForUser(t *testing.T) {
	reg := NewRegistry()
	reg.Register("confirm", HandlerFunc(func(context.Context, Call) (json.RawMessage, error) {
		return nil, ErrUserActionRequired
	}))
	o := newTestOrchestrator(t, reg)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "c", Name: "confirm"}))
	require.Eventually(t, func() bool {
		st, _ := o.State("c")
		return st.Status == StatusUserActionRequired
	}, waitFor, 5*time.Millisecond)

	st, _ := o.State("c")
	assert.Equal(t, []Status{StatusPending, StatusRunning, StatusUserActionRequired}, st.Transitions)
}

func TestOrchestrator_CompleteUnknown(t *testing.T) {
	o := newTestOrchestrator(t, NewRegistry())
	err := o.Complete("nope", nil, true, "")
	assert.ErrorIs(t, err, ErrUnknownToolCall)
}

func TestOrchestrator_ExternalResponsesAndClear(t *testing.T) {
	o := newTestOrchestrator(t, NewRegistry())

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "local", Name: "ask"}))
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "remote", Name: "fetch"}))
	require.NoError(t, o.Complete("local", json.RawMessage(`"yes"`), true, ""))
	require.NoError(t, o.Record(protocol.ToolResult{ToolCallID: "remote", Success: false, Error: "timeout"}))

	responses := o.ExternalResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "local", responses[0].ToolCallID)

	remote, _ := o.State("remote")
	assert.Equal(t, StatusError, remote.Status)
	assert.Equal(t, SourceServer, remote.Source)

	o.ClearResults()
	local, _ := o.State("local")
	assert.Nil(t, local.Result)
	assert.Equal(t, StatusCompleted, local.Status)

	assert.Len(t, o.States(), 2)
	o.Reset()
	assert.Empty(t, o.States())
}

func TestOrchestrator_ObserveIsIdempotent(t *testing.T) {
	o := newTestOrchestrator(t, NewRegistry())
	call := protocol.ToolCall{ID: "x", Name: "ask"}
	require.NoError(t, o.Observe(call))
	require.NoError(t, o.Complete("x", nil, true, ""))
	require.NoError(t, o.Observe(call))

	st, _ := o.State("x")
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Len(t, o.States(), 1)
}

func TestOrchestrator_Closed(t *testing.T) {
	o := New(NewRegistry())
	require.NoError(t, o.Close(context.Background()))
	assert.ErrorIs(t, o.Observe(protocol.ToolCall{ID: "x"}), ErrClosed)
	assert.NoError(t, o.Close(context.Background()))
}

func TestStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusUserActionRequired, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusPending, false},
		{StatusUserActionRequired, StatusCompleted, true},
		{StatusUserActionRequired, StatusRunning, false},
		{StatusCompleted, StatusError, false},
		{StatusError, StatusCompleted, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	h := HandlerFunc(func(context.Context, Call) (json.RawMessage, error) { return nil, nil })

	assert.Error(t, reg.Register("", h))
	assert.Error(t, reg.Register("x", nil))

	require.NoError(t, reg.Register("b", h))
	require.NoError(t, reg.Register("a", h))
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	_, ok := reg.Lookup("a")
	assert.True(t, ok)

	reg.Unregister("a")
	_, ok = reg.Lookup("a")
	assert.False(t, ok)
	assert.Nil(t, reg.Schema("b"))
}
