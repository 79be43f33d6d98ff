// Package orchestrator runs tool calls surfaced by the assembler.
//
// orchestrator.go - per-call state machine and execution loop
//
// This file contains:
// - Orchestrator: state map owned by a single loop goroutine
// - Interceptor: hook that may claim a call before handler lookup
// - Completion and all-complete callbacks, dispatched in order on their own goroutine
//
// Every mutation of the id->state map runs as an op on the loop goroutine,
// including handler completions and reads. Handlers run on their own
// goroutines and report back through the op channel.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/protocol"
)

var (
	// ErrUnknownToolCall is returned by Complete for an id never observed
	ErrUnknownToolCall = errors.New("unknown tool call")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("orchestrator closed")
)

// DefaultHandlerTimeout bounds a single handler invocation
const DefaultHandlerTimeout = 5 * time.Minute

// Decision is an interceptor's verdict on a newly observed call
type Decision int

const (
	// Pass leaves the call to the normal handler lookup
	Pass Decision = iota
	// Hold moves the call to user_action_required; the interceptor completes it later
	Hold
	// Resolve completes the call immediately with the given result
	Resolve
)

// Interception is returned by an Interceptor
type Interception struct {
	Decision Decision
	Result   json.RawMessage
	Success  bool
	Error    string
}

// Interceptor sees every newly observed call before handler lookup. It runs
// on the loop goroutine and must not call back into the Orchestrator
// synchronously.
type Interceptor interface {
	Intercept(ctx context.Context, call protocol.ToolCall) Interception
}

// CompleteFunc receives each call's first terminal outcome
type CompleteFunc func(id string, result json.RawMessage, success bool, errMsg string)

// AllCompleteFunc receives the results completed since the previous firing
type AllCompleteFunc func(results []protocol.ToolResult)

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithAutoExecute controls whether registered handlers run without a prompt
func WithAutoExecute(enabled bool) Option {
	return func(o *Orchestrator) { o.autoExecute = enabled }
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithInterceptor adds an interceptor; interceptors run in the order added
func WithInterceptor(i Interceptor) Option {
	return func(o *Orchestrator) { o.interceptors = append(o.interceptors, i) }
}

// OnComplete sets the completion callback
func OnComplete(fn CompleteFunc) Option {
	return func(o *Orchestrator) { o.onComplete = fn }
}

// OnAllComplete sets the all-complete callback
func OnAllComplete(fn AllCompleteFunc) Option {
	return func(o *Orchestrator) { o.onAllComplete = fn }
}

// WithClock overrides the clock used for state timestamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type op func()

// Orchestrator tracks and executes tool calls
type Orchestrator struct {
	registry      *Registry
	autoExecute   bool
	timeout       time.Duration
	interceptors  []Interceptor
	onComplete    CompleteFunc
	onAllComplete AllCompleteFunc
	now           func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	ops      chan op
	quit     chan struct{}
	loopDone chan struct{}
	running  sync.WaitGroup
	closing  sync.Once

	notify *notifier

	// owned by the loop goroutine
	states map[string]*ToolCallState
	order  []string
	batch  []protocol.ToolResult
}

// New creates an Orchestrator and starts its loop
func New(reg *Registry, opts ...Option) *Orchestrator {
	if reg == nil {
		reg = NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:    reg,
		autoExecute: true,
		timeout:     DefaultHandlerTimeout,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		ops:         make(chan op),
		quit:        make(chan struct{}),
		loopDone:    make(chan struct{}),
		notify:      newNotifier(),
		states:      make(map[string]*ToolCallState),
	}
	for _, opt := range opts {
		opt(o)
	}

	go o.notify.run()
	go o.loop()
	return o
}

// Registry returns the handler registry
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

func (o *Orchestrator) loop() {
	defer close(o.loopDone)
	for {
		select {
		case fn := <-o.ops:
			fn()
		case <-o.quit:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it
func (o *Orchestrator) do(fn func()) error {
	done := make(chan struct{})
	select {
	case o.ops <- func() { fn(); close(done) }:
	case <-o.loopDone:
		return ErrClosed
	}
	<-done
	return nil
}

// Observe registers a newly surfaced tool call. Calls already known are ignored.
func (o *Orchestrator) Observe(call protocol.ToolCall) error {
	return o.do(func() { o.observe(call) })
}

// Complete resolves a call from outside the handler path: a user decision,
// an approval, or a handler reporting out of band. The first terminal
// completion fires OnComplete; later ones only update the stored payload.
func (o *Orchestrator) Complete(id string, result json.RawMessage, success bool, errMsg string) error {
	return o.complete(id, result, success, errMsg, SourceClient)
}

// Record applies a result reported by the server for a call
func (o *Orchestrator) Record(r protocol.ToolResult) error {
	return o.complete(r.ToolCallID, r.Result, r.Success, r.Error, SourceServer)
}

func (o *Orchestrator) complete(id string, result json.RawMessage, success bool, errMsg string, source Source) error {
	var err error
	if doErr := o.do(func() {
		st, ok := o.states[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnknownToolCall, id)
			return
		}
		o.finish(st, result, success, errMsg, source)
	}); doErr != nil {
		return doErr
	}
	return err
}

// State returns a copy of one call's state
func (o *Orchestrator) State(id string) (ToolCallState, bool) {
	var (
		out ToolCallState
		ok  bool
	)
	_ = o.do(func() {
		var st *ToolCallState
		if st, ok = o.states[id]; ok {
			out = st.clone()
		}
	})
	return out, ok
}

// States returns copies of every call's state in observation order
func (o *Orchestrator) States() []ToolCallState {
	return o.collect(func(*ToolCallState) bool { return true })
}

// Pending returns calls still pending or running
func (o *Orchestrator) Pending() []ToolCallState {
	return o.collect(func(st *ToolCallState) bool { return st.Status.Outstanding() })
}

// HasPending reports whether any call is pending or running
func (o *Orchestrator) HasPending() bool {
	return len(o.Pending()) > 0
}

// ExternalResponses returns the results of calls resolved on this side
// (handlers, interceptors and Complete), the set a host posts back to the
// agent
func (o *Orchestrator) ExternalResponses() []protocol.ToolResult {
	states := o.collect(func(st *ToolCallState) bool {
		return st.Status.Terminal() && st.Source != SourceServer
	})
	out := make([]protocol.ToolResult, 0, len(states))
	for _, st := range states {
		out = append(out, st.ToolResult())
	}
	return out
}

// ClearResults drops stored result payloads and errors, keeping statuses
func (o *Orchestrator) ClearResults() {
	_ = o.do(func() {
		for _, st := range o.states {
			st.Result = nil
			st.Error = ""
		}
	})
}

// Reset forgets every tracked call
func (o *Orchestrator) Reset() {
	_ = o.do(func() {
		o.states = make(map[string]*ToolCallState)
		o.order = nil
		o.batch = nil
	})
}

func (o *Orchestrator) collect(keep func(*ToolCallState) bool) []ToolCallState {
	var out []ToolCallState
	_ = o.do(func() {
		for _, id := range o.order {
			if st := o.states[id]; st != nil && keep(st) {
				out = append(out, st.clone())
			}
		}
	})
	return out
}

// Close cancels running handlers, waits for them until ctx expires, and
// stops the loop. Callbacks already queued are still delivered.
func (o *Orchestrator) Close(ctx context.Context) error {
	var err error
	o.closing.Do(func() {
		o.cancel()

		waited := make(chan struct{})
		go func() {
			o.running.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			err = fmt.Errorf("failed to drain tool handlers: %w", ctx.Err())
		}

		close(o.quit)
		<-o.loopDone
		o.notify.close()
	})
	return err
}

func (o *Orchestrator) observe(call protocol.ToolCall) {
	if call.ID == "" {
		logger.Slog().Warn("ignoring tool call without id", "tool", call.Name)
		return
	}
	if _, ok := o.states[call.ID]; ok {
		return
	}

	st := &ToolCallState{
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		Input:       call.Arguments(),
		Status:      StatusPending,
		StartedAt:   o.now(),
		Transitions: []Status{StatusPending},
		External:    call.IsExternal,
	}
	o.states[call.ID] = st
	o.order = append(o.order, call.ID)
	metrics.RecordToolCall(call.Name, string(StatusPending))

	ctx := logger.WithToolCall(o.ctx, call.ID)
	for _, ic := range o.interceptors {
		v := ic.Intercept(ctx, call)
		switch v.Decision {
		case Hold:
			o.transition(st, StatusUserActionRequired)
			return
		case Resolve:
			o.finish(st, v.Result, v.Success, v.Error, SourceInterceptor)
			return
		}
	}

	reg, ok := o.registry.lookup(call.Name)
	if !ok || !o.autoExecute {
		if !ok {
			logger.WithContext(ctx).Info("no handler registered, awaiting user", "tool", call.Name)
		}
		o.transition(st, StatusUserActionRequired)
		return
	}

	o.transition(st, StatusRunning)
	o.launch(ctx, reg, Call{
		ID:              call.ID,
		Name:            call.Name,
		Input:           st.Input,
		ParentMessageID: call.ParentMessageID,
		IsExternal:      call.IsExternal,
	})
}

// launch runs the handler on its own goroutine and reports back through ops
func (o *Orchestrator) launch(ctx context.Context, reg *registration, call Call) {
	o.running.Add(1)
	go func() {
		defer o.running.Done()

		start := time.Now()
		result, err := o.invoke(ctx, reg, call)
		metrics.ObserveToolDuration(call.Name, time.Since(start).Seconds())

		report := func() {
			st, ok := o.states[call.ID]
			if !ok {
				return
			}
			switch {
			case errors.Is(err, ErrUserActionRequired):
				o.transition(st, StatusUserActionRequired)
			case err != nil:
				logger.WithContext(ctx).Warn("tool handler failed", "tool", call.Name, "error", err)
				o.finish(st, nil, false, err.Error(), SourceHandler)
			default:
				o.finish(st, result, true, "", SourceHandler)
			}
		}

		select {
		case o.ops <- report:
		case <-o.quit:
		}
	}()
}

// invoke validates input and calls the handler, turning a panic into an error
func (o *Orchestrator) invoke(ctx context.Context, reg *registration, call Call) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()

	if err := reg.validate(call.Input); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return reg.handler.Handle(ctx, call)
}

func (o *Orchestrator) transition(st *ToolCallState, next Status) bool {
	if !st.Status.CanTransition(next) {
		logger.Slog().Debug("rejected tool call transition",
			"tool_call_id", st.ToolCallID, "from", st.Status, "to", next)
		return false
	}
	st.Status = next
	st.Transitions = append(st.Transitions, next)
	metrics.RecordToolCall(st.ToolName, string(next))
	return true
}

// finish applies a terminal outcome. A call that is already terminal only
// has its payload replaced.
func (o *Orchestrator) finish(st *ToolCallState, result json.RawMessage, success bool, errMsg string, source Source) {
	if st.Status.Terminal() {
		if result != nil {
			st.Result = result
		}
		if errMsg != "" {
			st.Error = errMsg
		}
		return
	}

	next := StatusCompleted
	if !success {
		next = StatusError
	}
	if !o.transition(st, next) {
		return
	}
	st.Result = result
	st.Error = errMsg
	st.CompletedAt = o.now()
	st.Source = source

	res := st.ToolResult()
	o.batch = append(o.batch, res)
	if o.onComplete != nil {
		fn := o.onComplete
		o.notify.push(func() { fn(res.ToolCallID, res.Result, res.Success, res.Error) })
	}

	if o.outstanding() == 0 && len(o.batch) > 0 {
		batch := o.batch
		o.batch = nil
		if o.onAllComplete != nil {
			fn := o.onAllComplete
			o.notify.push(func() { fn(batch) })
		}
	}
}

func (o *Orchestrator) outstanding() int {
	n := 0
	for _, st := range o.states {
		if st.Status.Outstanding() {
			n++
		}
	}
	return n
}

// notifier delivers callbacks in order on one goroutine so a callback may
// call back into the Orchestrator
type notifier struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed chan struct{}
}

func newNotifier() *notifier {
	return &notifier{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (n *notifier) push(fn func()) {
	n.mu.Lock()
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) drain() {
	for {
		n.mu.Lock()
		queue := n.queue
		n.queue = nil
		n.mu.Unlock()

		if len(queue) == 0 {
			return
		}
		for _, fn := range queue {
			fn()
		}
	}
}

func (n *notifier) run() {
	defer close(n.closed)
	for {
		select {
		case <-n.wake:
			n.drain()
		case <-n.done:
			n.drain()
			return
		}
	}
}

func (n *notifier) close() {
	close(n.done)
	<-n.closed
}
