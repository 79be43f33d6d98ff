package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/protocol"
)

// DefaultTool is the approval-class tool when none are configured
const DefaultTool = "approval_request"

var (
	// ErrUnknownRequest is returned by Decide for an id with no open request
	ErrUnknownRequest = errors.New("no approval request for tool call")
	// ErrNotBound is returned by Decide before Bind
	ErrNotBound = errors.New("approval gate is not bound to an orchestrator")
	// ErrDeciding is returned by Decide while another answer for the id is
	// being applied
	ErrDeciding = errors.New("approval decision already in progress")
)

// Request is an undecided approval shown to the user
type Request struct {
	ToolCallID  string          `json:"tool_call_id"`
	ToolName    string          `json:"tool_name"`
	Reason      string          `json:"reason,omitempty"`
	ToolCalls   json.RawMessage `json:"tool_calls,omitempty"`
	Input       json.RawMessage `json:"input,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
}

// Prompter shows a request to the user. Prompt runs on its own goroutine;
// the answer comes back through Gate.Decide.
type Prompter interface {
	Prompt(ctx context.Context, req Request)
}

// PrompterFunc adapts a function to Prompter
type PrompterFunc func(ctx context.Context, req Request)

// Prompt calls f(ctx, req)
func (f PrompterFunc) Prompt(ctx context.Context, req Request) { f(ctx, req) }

// Completer resolves a tool call; *orchestrator.Orchestrator satisfies it
type Completer interface {
	Complete(id string, result json.RawMessage, success bool, errMsg string) error
}

// Option configures a Gate
type Option func(*Gate)

// WithTools sets the approval-class tool names
func WithTools(names ...string) Option {
	return func(g *Gate) {
		g.tools = make(map[string]bool, len(names))
		for _, n := range names {
			g.tools[n] = true
		}
	}
}

// WithPrompter sets where undecided requests are shown
func WithPrompter(p Prompter) Option {
	return func(g *Gate) { g.prompter = p }
}

// Gate intercepts approval-class tool calls. Stored preferences are read
// once at construction; a standing preference resolves the call without
// ever exposing user_action_required and is never rewritten by that
// resolution.
type Gate struct {
	store    *PreferenceStore
	tools    map[string]bool
	prompter Prompter

	mu        sync.Mutex
	prefs     Preferences
	pending   map[string]Request
	deciding  map[string]bool
	completer Completer
}

var _ orchestrator.Interceptor = (*Gate)(nil)

// NewGate creates a gate backed by store
func NewGate(ctx context.Context, store *PreferenceStore, opts ...Option) *Gate {
	g := &Gate{
		store:    store,
		tools:    map[string]bool{DefaultTool: true},
		prefs:    store.Load(ctx),
		pending:  make(map[string]Request),
		deciding: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind sets the completer used by Decide
func (g *Gate) Bind(c Completer) {
	g.mu.Lock()
	g.completer = c
	g.mu.Unlock()
}

// Handles reports whether name is approval-class
func (g *Gate) Handles(name string) bool {
	return g.tools[name]
}

// Preferences returns the gate's current view of stored preferences
func (g *Gate) Preferences() Preferences {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prefs.Clone()
}

// Intercept implements orchestrator.Interceptor
func (g *Gate) Intercept(ctx context.Context, call protocol.ToolCall) orchestrator.Interception {
	if !g.tools[call.Name] {
		return orchestrator.Interception{Decision: orchestrator.Pass}
	}

	g.mu.Lock()
	approved, known := g.prefs[call.Name]
	g.mu.Unlock()

	if known {
		logger.WithContext(ctx).Info("approval resolved from stored preference",
			"tool", call.Name, "approved", approved)
		metrics.RecordApproval(call.Name, "preference", approved)
		return orchestrator.Interception{
			Decision: orchestrator.Resolve,
			Result:   decisionResult(call.Name, approved),
			Success:  true,
		}
	}

	req := Request{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Input:       call.Arguments(),
		RequestedAt: time.Now(),
	}
	var input struct {
		Reason    string          `json:"reason"`
		ToolCalls json.RawMessage `json:"tool_calls"`
	}
	if err := json.Unmarshal(call.Args, &input); err == nil {
		req.Reason = input.Reason
		req.ToolCalls = input.ToolCalls
	}
	if req.Reason == "" {
		req.Reason = "Approval required"
	}

	g.mu.Lock()
	g.pending[call.ID] = req
	g.mu.Unlock()

	if g.prompter != nil {
		go g.prompter.Prompt(ctx, req)
	}
	return orchestrator.Interception{Decision: orchestrator.Hold}
}

// Decide answers an open request. With dontAskAgain the preference is
// persisted before the call completes. The request stays open until the
// completion is accepted, so a failed Decide can be retried.
func (g *Gate) Decide(ctx context.Context, id string, approved, dontAskAgain bool) error {
	g.mu.Lock()
	req, ok := g.pending[id]
	completer := g.completer
	switch {
	case !ok:
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, id)
	case completer == nil:
		g.mu.Unlock()
		return ErrNotBound
	case g.deciding[id]:
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeciding, id)
	}
	g.deciding[id] = true
	g.mu.Unlock()

	if dontAskAgain {
		prefs, err := g.store.Set(ctx, req.ToolName, approved)
		if err != nil {
			logger.WarnContext(ctx, "failed to persist approval preference", "tool", req.ToolName, "error", err)
		}
		g.mu.Lock()
		g.prefs = prefs
		g.mu.Unlock()
	}

	err := completer.Complete(id, decisionResult(req.ToolName, approved), true, "")

	g.mu.Lock()
	delete(g.deciding, id)
	if err == nil || errors.Is(err, orchestrator.ErrUnknownToolCall) {
		delete(g.pending, id)
	}
	g.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to complete approval %s: %w", id, err)
	}
	metrics.RecordApproval(req.ToolName, "user", approved)
	return nil
}

// Forget drops the open request for id, if any. Called once the call has
// been resolved some other way.
func (g *Gate) Forget(id string) {
	g.mu.Lock()
	delete(g.pending, id)
	g.mu.Unlock()
}

// Pending lists undecided requests, oldest first
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Request, 0, len(g.pending))
	for _, req := range g.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ToolCallID < out[j].ToolCallID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

func decisionResult(tool string, approved bool) json.RawMessage {
	verdict := "denied"
	if approved {
		verdict = "approved"
	}
	data, _ := json.Marshal(map[string]any{
		"approved": approved,
		"message":  fmt.Sprintf("%s %s by user", tool, verdict),
	})
	return data
}
