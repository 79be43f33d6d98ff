// Package engine wires transport, normalizer, assembler, orchestrator and
// approval gate into one attachable session.
//
// engine.go - Engine lifecycle and thread attachment
//
// This file contains:
// - Engine: owns the orchestrator, approval gate, thread tracker and per-thread state
// - Attach/Detach: one live transport per engine, frames folded in delivery order
// - result routing: completions go to the attached transport or the result queue
//
// Each thread has its own assembler. Frames and locally produced results for
// a thread are folded under that thread's lock, so the fold stays single
// writer. Tool handlers run on the orchestrator's goroutines; their results
// are folded back into the owning thread when they complete.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/HyphaGroup/tether/internal/approval"
	"github.com/HyphaGroup/tether/internal/assembler"
	"github.com/HyphaGroup/tether/internal/audit"
	"github.com/HyphaGroup/tether/internal/continuity"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/normalize"
	"github.com/HyphaGroup/tether/internal/orchestrator"
	"github.com/HyphaGroup/tether/internal/protocol"
	"github.com/HyphaGroup/tether/internal/session"
	"github.com/HyphaGroup/tether/internal/storage"
	"github.com/HyphaGroup/tether/internal/transport"
)

var (
	// ErrAttached is returned by Attach while a transport is attached
	ErrAttached = errors.New("engine already attached")
	// ErrNotAttached is returned by Detach with nothing attached
	ErrNotAttached = errors.New("engine not attached")
	// ErrUnknownThread is returned for a thread this engine never loaded
	ErrUnknownThread = errors.New("unknown thread")
)

// Config holds the engine's connection and session settings
type Config struct {
	Stream     transport.Options
	HistoryURL string
	BufferSize int
	Sweep      session.SweeperConfig
}

// DialFunc opens a transport stream
type DialFunc func(ctx context.Context, opts transport.Options) (transport.Stream, error)

// HistoryFunc fetches a thread's frames in bulk
type HistoryFunc func(ctx context.Context, url string, headers map[string]string) ([][]byte, error)

// DeliverFunc receives tool results produced on this side while their
// thread is attached, and queued results when the thread reattaches
type DeliverFunc func(ctx context.Context, threadID string, result protocol.ToolResult)

// ThreadObserver receives every assembler delta tagged with its thread
type ThreadObserver func(threadID string, d assembler.Delta)

// Option configures an Engine
type Option func(*Engine)

// WithDialer replaces transport.Dial
func WithDialer(fn DialFunc) Option {
	return func(e *Engine) { e.dial = fn }
}

// WithHistory replaces transport.FetchHistory
func WithHistory(fn HistoryFunc) Option {
	return func(e *Engine) { e.history = fn }
}

// WithDeliver sets where results go while attached
func WithDeliver(fn DeliverFunc) Option {
	return func(e *Engine) { e.deliver = fn }
}

// WithObserver adds a delta observer for every thread
func WithObserver(fn ThreadObserver) Option {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// WithAudit records local tool results and approval decisions
func WithAudit(l *audit.Logger) Option {
	return func(e *Engine) { e.audit = l }
}

// WithGateOptions configures the approval gate
func WithGateOptions(opts ...approval.Option) Option {
	return func(e *Engine) { e.gateOpts = append(e.gateOpts, opts...) }
}

// WithOrchestratorOptions configures the orchestrator
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(e *Engine) { e.orchOpts = append(e.orchOpts, opts...) }
}

// Engine is the tool-call orchestration engine for one client session
type Engine struct {
	cfg     Config
	kv      storage.KV
	dial    DialFunc
	history HistoryFunc
	deliver DeliverFunc
	audit   *audit.Logger

	observers []ThreadObserver
	gateOpts  []approval.Option
	orchOpts  []orchestrator.Option

	orch    *orchestrator.Orchestrator
	gate    *approval.Gate
	tracker *continuity.Tracker
	buffers *session.Threads
	queue   *session.ResultQueue
	sweeper *session.Sweeper

	mu          sync.Mutex
	threads     map[string]*thread
	callThreads map[string]string
	att         *attachment
	closed      bool
}

// attachment is one live transport bound to a thread
type attachment struct {
	threadID string
	stream   transport.Stream
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// New creates an Engine over kv with the handlers in reg
func New(ctx context.Context, cfg Config, kv storage.KV, reg *orchestrator.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		kv:          kv,
		dial:        transport.Dial,
		threads:     make(map[string]*thread),
		callThreads: make(map[string]string),
	}
	e.history = func(ctx context.Context, u string, headers map[string]string) ([][]byte, error) {
		return transport.FetchHistory(ctx, cfg.Stream.HTTPClient, u, headers)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.audit == nil {
		e.audit = audit.Disabled()
	}
	if e.deliver == nil {
		e.deliver = func(ctx context.Context, threadID string, r protocol.ToolResult) {
			logger.WithContext(logger.WithThread(ctx, threadID)).Debug("tool result ready",
				"tool_call_id", r.ToolCallID, "success", r.Success)
		}
	}

	e.gate = approval.NewGate(ctx, approval.NewPreferenceStore(kv), e.gateOpts...)
	orchOpts := append([]orchestrator.Option{
		orchestrator.WithInterceptor(e.gate),
		orchestrator.OnComplete(e.onComplete),
	}, e.orchOpts...)
	e.orch = orchestrator.New(reg, orchOpts...)
	e.gate.Bind(e.orch)

	e.tracker = continuity.NewTracker(kv)
	e.buffers = session.NewThreads(cfg.BufferSize)
	e.queue = session.NewResultQueue()
	e.sweeper = session.NewSweeper(e.queue, cfg.Sweep)
	if err := e.sweeper.Start(); err != nil {
		_ = e.orch.Close(ctx)
		return nil, fmt.Errorf("failed to start result sweeper: %w", err)
	}
	return e, nil
}

// Orchestrator returns the tool-call orchestrator
func (e *Engine) Orchestrator() *orchestrator.Orchestrator { return e.orch }

// Gate returns the approval gate
func (e *Engine) Gate() *approval.Gate { return e.gate }

// Tracker returns the thread continuity tracker
func (e *Engine) Tracker() *continuity.Tracker { return e.tracker }

// Attach resolves a thread for agentID, replays its history when a history
// URL is configured, opens the transport and delivers any queued results.
// The attachment lives until Detach, ctx is cancelled, or the stream ends.
func (e *Engine) Attach(ctx context.Context, agentID string, query url.Values) (string, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", orchestrator.ErrClosed
	}
	if e.att != nil {
		e.mu.Unlock()
		return "", ErrAttached
	}
	e.mu.Unlock()

	threadID := e.tracker.Resolve(ctx, agentID, query)
	ctx = logger.WithThread(ctx, threadID)
	t := e.thread(ctx, threadID)

	if e.cfg.HistoryURL != "" {
		historyURL, err := locate(e.cfg.HistoryURL, threadID)
		if err != nil {
			return "", err
		}
		frames, err := e.history(ctx, historyURL, e.cfg.Stream.Headers)
		if err != nil {
			logger.WarnContext(ctx, "history unavailable, continuing with live stream", "error", err)
		} else {
			stats := e.replay(ctx, t, frames)
			logger.InfoContext(ctx, "history replayed", "frames", stats.Frames, "rejected", stats.Rejected)
		}
	}

	opts := e.cfg.Stream
	streamURL, err := locate(opts.URL, threadID)
	if err != nil {
		return "", err
	}
	opts.URL = streamURL

	attCtx, cancel := context.WithCancel(ctx)
	stream, err := e.dial(attCtx, opts)
	if err != nil {
		cancel()
		return "", fmt.Errorf("failed to attach thread %s: %w", threadID, err)
	}

	att := &attachment{
		threadID: threadID,
		stream:   stream,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	e.mu.Lock()
	if e.att != nil || e.closed {
		e.mu.Unlock()
		cancel()
		_ = stream.Close()
		return "", ErrAttached
	}
	e.att = att
	queued := e.queue.Drain(threadID)
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(attCtx)
	g.Go(func() error {
		defer cancel()
		return e.pump(gctx, t, stream)
	})
	g.Go(func() error { return watchErrors(gctx, stream) })
	go func() {
		att.err = g.Wait()
		e.saveResumeToken(context.WithoutCancel(ctx), t)
		e.mu.Lock()
		if e.att == att {
			e.att = nil
		}
		e.mu.Unlock()
		close(att.done)
		logger.InfoContext(ctx, "thread detached")
	}()

	for _, q := range queued {
		e.deliver(ctx, threadID, q.Result)
	}
	logger.InfoContext(ctx, "thread attached", "agent_id", agentID)
	return threadID, nil
}

// Detach closes the transport and waits for the fold loop to stop. Running
// tool handlers continue; their results are queued for the thread.
func (e *Engine) Detach() error {
	e.mu.Lock()
	att := e.att
	e.mu.Unlock()
	if att == nil {
		return ErrNotAttached
	}

	att.cancel()
	_ = att.stream.Close()
	<-att.done
	return nil
}

// Wait blocks until the current attachment ends and returns its error
func (e *Engine) Wait() error {
	e.mu.Lock()
	att := e.att
	e.mu.Unlock()
	if att == nil {
		return nil
	}
	<-att.done
	return att.err
}

// Attached returns the attached thread, if any
func (e *Engine) Attached() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.att == nil {
		return "", false
	}
	return e.att.threadID, true
}

// SwitchAgent detaches and reattaches to agentID's own thread
func (e *Engine) SwitchAgent(ctx context.Context, agentID string) (string, error) {
	if err := e.Detach(); err != nil && !errors.Is(err, ErrNotAttached) {
		return "", err
	}
	threadID := e.tracker.SwitchAgent(ctx, agentID)
	return e.Attach(ctx, agentID, url.Values{continuity.QueryParam: {threadID}})
}

// NewThread detaches and attaches to a freshly minted thread for agentID
func (e *Engine) NewThread(ctx context.Context, agentID string) (string, error) {
	if err := e.Detach(); err != nil && !errors.Is(err, ErrNotAttached) {
		return "", err
	}
	threadID := e.tracker.NewThread(ctx, agentID)
	return e.Attach(ctx, agentID, url.Values{continuity.QueryParam: {threadID}})
}

// Decide answers a pending approval request
func (e *Engine) Decide(ctx context.Context, toolCallID string, approved, dontAskAgain bool) error {
	tool := ""
	for _, req := range e.gate.Pending() {
		if req.ToolCallID == toolCallID {
			tool = req.ToolName
			break
		}
	}
	if err := e.gate.Decide(ctx, toolCallID, approved, dontAskAgain); err != nil {
		return err
	}
	e.audit.LogDecision(toolCallID, tool, approved, dontAskAgain)
	return nil
}

// Complete resolves a tool call that has no handler
func (e *Engine) Complete(toolCallID string, result json.RawMessage, success bool, errMsg string) error {
	return e.orch.Complete(toolCallID, result, success, errMsg)
}

// Queued returns how many results wait for threadID's next attachment
func (e *Engine) Queued(threadID string) int {
	return e.queue.Len(threadID)
}

// Aggregates returns threadID's completed aggregates
func (e *Engine) Aggregates(threadID string) ([]protocol.Aggregate, error) {
	t, ok := e.lookup(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}
	return t.asm.Aggregates(), nil
}

// Run returns threadID's run state
func (e *Engine) Run(threadID string) (assembler.RunState, error) {
	t, ok := e.lookup(threadID)
	if !ok {
		return assembler.RunState{}, fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}
	return t.asm.Run(), nil
}

// Events returns threadID's buffered events after index; -1 returns all
func (e *Engine) Events(threadID string, after int) ([]*session.BufferedEvent, error) {
	b, ok := e.buffers.Get(threadID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownThread, threadID)
	}
	return b.After(after)
}

// Close detaches, stops the sweeper and shuts the orchestrator down
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	_ = e.Detach()
	e.sweeper.Stop()
	return e.orch.Close(ctx)
}

// onComplete folds a locally produced result into its thread and routes it
// to the attached transport or the queue. Results the server already
// reported are not routed again.
func (e *Engine) onComplete(id string, result json.RawMessage, success bool, errMsg string) {
	e.gate.Forget(id)

	e.mu.Lock()
	threadID := e.callThreads[id]
	t := e.threads[threadID]
	e.mu.Unlock()

	if t == nil {
		logger.Slog().Warn("completion for tool call with no thread", "tool_call_id", id)
		return
	}

	res := protocol.ToolResult{ToolCallID: id, Result: result, Success: success, Error: errMsg}
	if call, ok := t.asm.ToolCall(id); ok {
		res.ToolName = call.Name
	}

	if !t.attachLocal(res) {
		return
	}
	e.audit.LogResult(threadID, res)

	ctx := logger.WithToolCall(logger.WithThread(context.Background(), threadID), id)

	// decided under e.mu so a concurrent Attach either sees the queued
	// result or is seen here
	e.mu.Lock()
	attached := e.att != nil && e.att.threadID == threadID
	if !attached {
		e.queue.Enqueue(threadID, res)
	}
	e.mu.Unlock()

	if attached {
		e.deliver(ctx, threadID, res)
		return
	}
	logger.InfoContext(ctx, "tool result queued until thread reattaches", "queued", e.queue.Len(threadID))
}

func (e *Engine) lookup(threadID string) (*thread, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.threads[threadID]
	return t, ok
}

func (e *Engine) bindCall(toolCallID, threadID string) {
	e.mu.Lock()
	e.callThreads[toolCallID] = threadID
	e.mu.Unlock()
}

func (e *Engine) saveResumeToken(ctx context.Context, t *thread) {
	last := t.buffer.LastIndex()
	if last < 0 {
		return
	}
	if err := e.tracker.SaveResumeToken(ctx, t.id, last); err != nil {
		logger.WarnContext(ctx, "failed to persist resume token", "error", err)
	}
}

// pump folds frames in delivery order until the stream ends
func (e *Engine) pump(ctx context.Context, t *thread, stream transport.Stream) error {
	for {
		select {
		case frame, ok := <-stream.Frames():
			if !ok {
				return nil
			}
			e.applyFrame(ctx, t, frame)
		case <-ctx.Done():
			return nil
		}
	}
}

func watchErrors(ctx context.Context, stream transport.Stream) error {
	for {
		select {
		case err, ok := <-stream.Errors():
			if !ok {
				return nil
			}
			logger.WarnContext(ctx, "transport error", "error", err)
		case <-ctx.Done():
			return nil
		}
	}
}

// applyFrame normalizes and folds one frame. Unrecognized frames are logged
// and dropped.
func (e *Engine) applyFrame(ctx context.Context, t *thread, raw []byte) bool {
	out, err := normalize.Frame(raw)
	if err != nil {
		metrics.RecordProtocolError("unrecognized_frame")
		logger.WarnContext(ctx, "dropping frame", "error", err, "bytes", len(raw))
		return false
	}
	metrics.RecordFrame(string(out.Shape))
	t.fold(out)
	return true
}

func locate(raw, threadID string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", raw, err)
	}
	return continuity.Locate(u, threadID).String(), nil
}
