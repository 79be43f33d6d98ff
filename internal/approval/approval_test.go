package approval

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/protocol"
	"github.com/HyphaGroup/tether/internal/storage"
)

// countingKV counts writes
type countingKV struct {
	*storage.Memory
	sets atomic.Int32
}

func (c *countingKV) Set(ctx context.Context, key, value string) error {
	c.sets.Add(1)
	return c.Memory.Set(ctx, key, value)
}

func setup(t *testing.T, kv storage.KV, opts ...Option) (*Gate, *orchestrator.Orchestrator, chan string) {
	t.Helper()
	ctx := context.Background()
	gate := NewGate(ctx, NewPreferenceStore(kv), opts...)

	done := make(chan string, 8)
	o := orchestrator.New(orchestrator.NewRegistry(),
		orchestrator.WithInterceptor(gate),
		orchestrator.OnComplete(func(id string, _ json.RawMessage, _ bool, _ string) { done <- id }),
	)
	gate.Bind(o)
	t.Cleanup(func() { _ = o.Close(context.Background()) })
	return gate, o, done
}

func waitDone(t *testing.T, done chan string) string {
	t.Helper()
	select {
	case id := <-done:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return ""
	}
}

func TestGate_StoredDenialAutoResolves(t *testing.T) {
	ctx := context.Background()
	kv := &countingKV{Memory: storage.NewMemory()}
	require.NoError(t, NewPreferenceStore(kv).Save(ctx, Preferences{"send_email": false}))
	writes := kv.sets.Load()

	prompted := make(chan Request, 1)
	gate, o, done := setup(t, kv,
		WithTools("send_email"),
		WithPrompter(PrompterFunc(func(_ context.Context, r Request) { prompted <- r })),
	)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "e1", Name: "send_email", Args: json.RawMessage(`{}`)}))
	assert.Equal(t, "e1", waitDone(t, done))

	st, ok := o.State("e1")
	require.True(t, ok)
	assert.Equal(t, []orchestrator.Status{orchestrator.StatusPending, orchestrator.StatusCompleted}, st.Transitions)
	assert.NotContains(t, st.Transitions, orchestrator.StatusUserActionRequired)

	var result struct {
		Approved bool `json:"approved"`
	}
	require.NoError(t, json.Unmarshal(st.Result, &result))
	assert.False(t, result.Approved)

	assert.Empty(t, gate.Pending())
	assert.Empty(t, prompted)
	assert.Equal(t, writes, kv.sets.Load(), "stored preference must not be rewritten")
}

func TestGate_DecideWithDontAskAgain(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	prompted := make(chan Request, 1)
	gate, o, done := setup(t, kv, WithPrompter(PrompterFunc(func(_ context.Context, r Request) { prompted <- r })))

	require.NoError(t, o.Observe(protocol.ToolCall{
		ID:   "a1",
		Name: DefaultTool,
		Args: json.RawMessage(`{"reason":"deploy to prod","tool_calls":[{"tool_name":"deploy"}]}`),
	}))

	st, _ := o.State("a1")
	assert.Equal(t, orchestrator.StatusUserActionRequired, st.Status)

	select {
	case req := <-prompted:
		assert.Equal(t, "deploy to prod", req.Reason)
		assert.JSONEq(t, `[{"tool_name":"deploy"}]`, string(req.ToolCalls))
	case <-time.After(2 * time.Second):
		t.Fatal("prompter not called")
	}
	require.Len(t, gate.Pending(), 1)

	require.NoError(t, gate.Decide(ctx, "a1", true, true))
	assert.Equal(t, "a1", waitDone(t, done))

	prefs := NewPreferenceStore(kv).Load(ctx)
	assert.Equal(t, Preferences{DefaultTool: true}, prefs)
	assert.Empty(t, gate.Pending())

	st, _ = o.State("a1")
	assert.Equal(t, orchestrator.StatusCompleted, st.Status)

	// the next request resolves from the saved preference
	require.NoError(t, o.Observe(protocol.ToolCall{ID: "a2", Name: DefaultTool}))
	assert.Equal(t, "a2", waitDone(t, done))
	st, _ = o.State("a2")
	assert.Equal(t, []orchestrator.Status{orchestrator.StatusPending, orchestrator.StatusCompleted}, st.Transitions)
}

func TestGate_DecideOnceDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	gate, o, done := setup(t, kv)

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "a1", Name: DefaultTool}))
	require.NoError(t, gate.Decide(ctx, "a1", false, false))
	waitDone(t, done)

	assert.Empty(t, NewPreferenceStore(kv).Load(ctx))
	assert.ErrorIs(t, gate.Decide(ctx, "a1", true, false), ErrUnknownRequest)
}

func TestGate_PassesOtherTools(t *testing.T) {
	gate := NewGate(context.Background(), NewPreferenceStore(storage.NewMemory()))
	out := gate.Intercept(context.Background(), protocol.ToolCall{ID: "x", Name: "search"})
	assert.Equal(t, orchestrator.Pass, out.Decision)
	assert.True(t, gate.Handles(DefaultTool))
	assert.False(t, gate.Handles("search"))
}

func TestGate_DecideBeforeBind(t *testing.T) {
	gate := NewGate(context.Background(), NewPreferenceStore(storage.NewMemory()))
	gate.Intercept(context.Background(), protocol.ToolCall{ID: "x", Name: DefaultTool})
	assert.ErrorIs(t, gate.Decide(context.Background(), "x", true, false), ErrNotBound)
	assert.Len(t, gate.Pending(), 1)
}

// flakyCompleter fails until ok is set
type flakyCompleter struct {
	ok    atomic.Bool
	calls atomic.Int32
}

func (f *flakyCompleter) Complete(string, json.RawMessage, bool, string) error {
	f.calls.Add(1)
	if !f.ok.Load() {
		return orchestrator.ErrClosed
	}
	return nil
}

func TestGate_FailedCompletionCanBeRetried(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(ctx, NewPreferenceStore(storage.NewMemory()))
	completer := &flakyCompleter{}
	gate.Bind(completer)
	gate.Intercept(ctx, protocol.ToolCall{ID: "a1", Name: DefaultTool})

	assert.ErrorIs(t, gate.Decide(ctx, "a1", true, true), orchestrator.ErrClosed)
	require.Len(t, gate.Pending(), 1)

	completer.ok.Store(true)
	require.NoError(t, gate.Decide(ctx, "a1", true, true))
	assert.Empty(t, gate.Pending())
	assert.Equal(t, int32(2), completer.calls.Load())
	assert.Equal(t, Preferences{DefaultTool: true}, gate.Preferences())
}

func TestGate_UnknownCallDropsRequest(t *testing.T) {
	ctx := context.Background()
	gate, _, _ := setup(t, storage.NewMemory())

	// intercepted directly, so the orchestrator never tracked the call
	gate.Intercept(ctx, protocol.ToolCall{ID: "ghost", Name: DefaultTool})
	assert.ErrorIs(t, gate.Decide(ctx, "ghost", true, false), orchestrator.ErrUnknownToolCall)
	assert.Empty(t, gate.Pending())
}

func TestGate_Forget(t *testing.T) {
	ctx := context.Background()
	gate, o, done := setup(t, storage.NewMemory())

	require.NoError(t, o.Observe(protocol.ToolCall{ID: "a1", Name: DefaultTool}))
	require.Len(t, gate.Pending(), 1)

	require.NoError(t, o.Complete("a1", json.RawMessage(`{"approved":true}`), true, ""))
	waitDone(t, done)
	gate.Forget("a1")
	assert.Empty(t, gate.Pending())
	assert.ErrorIs(t, gate.Decide(ctx, "a1", true, false), ErrUnknownRequest)
}

func TestPreferenceStore(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemory()
	store := NewPreferenceStore(kv)

	assert.Empty(t, store.Load(ctx))

	_, err := store.Set(ctx, "send_email", false)
	require.NoError(t, err)
	prefs, err := store.Set(ctx, "deploy", true)
	require.NoError(t, err)
	assert.Equal(t, Preferences{"send_email": false, "deploy": true}, prefs)
	assert.Equal(t, []string{"deploy", "send_email"}, prefs.Names())

	require.NoError(t, store.Unset(ctx, "deploy"))
	assert.Equal(t, Preferences{"send_email": false}, store.Load(ctx))

	require.NoError(t, kv.Set(ctx, PreferencesKey, "corrupt"))
	assert.Empty(t, store.Load(ctx))

	require.NoError(t, store.Clear(ctx))
	_, err = kv.Get(ctx, PreferencesKey)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
