// Package assembler folds canonical events into conversation state.
package assembler

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/tether/internal/protocol"
)

/*
STREAM ASSEMBLER - LEFT FOLD OVER CANONICAL EVENTS

The Assembler turns an ordered event sequence into a list of completed
aggregates (messages, standalone tool calls, opaque artifacts, handover and
failure markers) plus the fragments still being streamed.

STATE CARRIED BY THE FOLD:

    completed  []Aggregate          published, immutable values
    index      id -> position       dedup on message_id / tool_call_id
    messages   id -> fragment       in-flight messages
    calls      id -> ToolCall       in-flight tool calls
    open       []id                 in-flight ids in open order
    sealed     id -> bool           ids that already reached a terminal event
    surfaced   id -> ToolCall       tool calls visible to the orchestrator
    results    id -> attachment     one result per surfaced call
    orphans    id -> attachment     results that arrived before their call
    trail      []marker             markers since the last keyed event

INTERLEAVING:

    Events for different ids may interleave freely. Each id owns its own
    fragment; nothing assumes one id's end implies anything about another.

    start(m1) start(m2) content(m2,"b") content(m1,"a") end(m2) end(m1)
    -> completed: [m2:"b", m1:"a"]

IDEMPOTENCE:

    Any event for a sealed id is ignored, and appends are deduplicated by id,
    so replaying a sequence (live stream, then bulk history after reconnect)
    yields the same list.

    Markers (handover, run failure) carry no id on the wire. Theirs is
    derived from their fields and a neighbouring keyed event: any event that
    names a message, tool call, run or step.

    [m1 ... run_error]        replay: same key before it -> dropped
    [handover, m1 ...]        replay: key before it differs, so the marker
                              is held; m1 arriving next matches the key it
                              had the first time -> dropped

    A held marker whose following key is new is shown then.

PROTOCOL ERRORS:

    content/args/end for an id that was never started is logged, counted and
    dropped. Nothing here panics on input.

PUBLISHED VALUES:

    A completed Message is never mutated. A tool call that surfaces onto a
    completed parent replaces the list entry with a copy and publishes
    DeltaUpdated.
*/

// markerNamespace seeds derived marker ids
var markerNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tether.hypha.group/assembler/marker"))

// Option configures an Assembler
type Option func(*Assembler)

// WithClock overrides the clock used to timestamp result attachments
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) {
		a.now = now
	}
}

// Attachment is a tool result together with when it was last received
type Attachment struct {
	Result     protocol.ToolResult
	ReceivedAt time.Time
}

type messageFragment struct {
	msg  *protocol.Message
	text strings.Builder
}

// snapshot materializes the fragment; Parts[0] is always the text part
func (f *messageFragment) snapshot(status protocol.MessageStatus, errMsg string) *protocol.Message {
	m := f.msg.Clone()
	m.Parts[0] = protocol.TextPart{Text: f.text.String()}
	m.Status = status
	m.Error = errMsg
	return m
}

// Assembler is the stream fold. Apply and ApplyAggregate are expected to be
// called from one goroutine in delivery order; readers may run concurrently.
type Assembler struct {
	mu  sync.RWMutex
	now func() time.Time

	completed []protocol.Aggregate
	index     map[string]int

	messages map[string]*messageFragment
	calls    map[string]*protocol.ToolCall
	open     []string

	sealed   map[string]bool
	surfaced map[string]protocol.ToolCall
	results  map[string]*Attachment
	orphans  map[string]*Attachment

	anchor        string
	trail         []*marker
	markerKeys    map[string]bool
	markerContent map[string]bool
	run           RunState

	obsMu        sync.RWMutex
	observers    map[int]Observer
	nextObserver int
}

// New creates an empty Assembler
func New(opts ...Option) *Assembler {
	a := &Assembler{
		now:       time.Now,
		index:     make(map[string]int),
		messages:  make(map[string]*messageFragment),
		calls:     make(map[string]*protocol.ToolCall),
		sealed:    make(map[string]bool),
		surfaced:  make(map[string]protocol.ToolCall),
		results:   make(map[string]*Attachment),
		orphans:   make(map[string]*Attachment),
		run:       RunState{Status: RunIdle},
		observers: make(map[int]Observer),

		markerKeys:    make(map[string]bool),
		markerContent: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe registers an observer and returns a function that removes it
func (a *Assembler) Subscribe(o Observer) func() {
	a.obsMu.Lock()
	id := a.nextObserver
	a.nextObserver++
	a.observers[id] = o
	a.obsMu.Unlock()

	return func() {
		a.obsMu.Lock()
		delete(a.observers, id)
		a.obsMu.Unlock()
	}
}

// Apply folds one event
func (a *Assembler) Apply(ev protocol.Event) {
	a.mu.Lock()
	deltas := a.apply(ev)
	a.mu.Unlock()
	a.publish(deltas)
}

// ApplyAggregate folds an aggregate the normalizer delivered whole
func (a *Assembler) ApplyAggregate(agg protocol.Aggregate) {
	a.mu.Lock()
	deltas := a.applyAggregate(agg)
	a.mu.Unlock()
	a.publish(deltas)
}

func (a *Assembler) publish(deltas []Delta) {
	if len(deltas) == 0 {
		return
	}

	a.obsMu.RLock()
	ids := make([]int, 0, len(a.observers))
	for id := range a.observers {
		ids = append(ids, id)
	}
	observers := make([]Observer, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		observers = append(observers, a.observers[id])
	}
	a.obsMu.RUnlock()

	for _, d := range deltas {
		for _, o := range observers {
			o.OnDelta(d)
		}
	}
}

// Aggregates returns the completed aggregates in order
func (a *Assembler) Aggregates() []protocol.Aggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]protocol.Aggregate, len(a.completed))
	copy(out, a.completed)
	return out
}

// InFlight returns snapshots of fragments still being streamed, in open order
func (a *Assembler) InFlight() []protocol.Aggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]protocol.Aggregate, 0, len(a.open))
	for _, id := range a.open {
		if frag, ok := a.messages[id]; ok {
			out = append(out, frag.snapshot(protocol.MessageStreaming, ""))
			continue
		}
		if tc, ok := a.calls[id]; ok {
			c := *tc
			out = append(out, &protocol.Artifact{ID: id, Kind: protocol.ArtifactToolCall, ToolCall: &c})
		}
	}
	return out
}

// ToolCall returns a surfaced tool call
func (a *Assembler) ToolCall(id string) (protocol.ToolCall, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tc, ok := a.surfaced[id]
	return tc, ok
}

// Result returns the result attached to a surfaced tool call
func (a *Assembler) Result(id string) (Attachment, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	att, ok := a.results[id]
	if !ok {
		return Attachment{}, false
	}
	return *att, true
}

// Orphans returns results whose tool call has not surfaced
func (a *Assembler) Orphans() []protocol.ToolResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]protocol.ToolResult, 0, len(a.orphans))
	for _, att := range a.orphans {
		out = append(out, att.Result)
	}
	return out
}

// Run returns a copy of the run state
func (a *Assembler) Run() RunState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.run.clone()
}

// Len returns the number of completed aggregates
func (a *Assembler) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.completed)
}

func markerID(kind string, parts ...string) string {
	name := kind + "\x00" + strings.Join(parts, "\x00")
	return kind + "-" + uuid.NewSHA1(markerNamespace, []byte(name)).String()
}
