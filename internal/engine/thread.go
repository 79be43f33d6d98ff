package engine

import (
	"context"
	"sync"

	"github.com/HyphaGroup/tether/internal/assembler"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/normalize"
	"github.com/HyphaGroup/tether/internal/protocol"
	"github.com/HyphaGroup/tether/internal/session"
)

// thread is one conversation's fold state
type thread struct {
	id     string
	asm    *assembler.Assembler
	buffer *session.EventBuffer

	// held for every fold; observers run under it
	mu        sync.Mutex
	replaying bool
	deferred  []protocol.ToolCall
}

// ReplayStats summarizes a bulk replay
type ReplayStats struct {
	Frames   int `json:"frames"`
	Events   int `json:"events"`
	Rejected int `json:"rejected"`
	Surfaced int `json:"surfaced"`
}

// thread returns threadID's state, creating it on first use. A new thread's
// buffer continues numbering from the persisted resume token.
func (e *Engine) thread(ctx context.Context, threadID string) *thread {
	e.mu.Lock()
	defer e.mu.Unlock()

	if t, ok := e.threads[threadID]; ok {
		return t
	}

	start := 0
	if last, ok := e.tracker.ResumeToken(ctx, threadID); ok {
		start = last + 1
	}
	t := &thread{
		id:     threadID,
		asm:    assembler.New(),
		buffer: e.buffers.Buffer(threadID, start),
	}
	t.asm.Subscribe(e.observer(t))
	e.threads[threadID] = t
	return t
}

// observer forwards surfaced calls and server results to the orchestrator,
// then fans the delta out to the engine's observers
func (e *Engine) observer(t *thread) assembler.Observer {
	return assembler.ObserverFunc(func(d assembler.Delta) {
		switch d.Kind {
		case assembler.DeltaToolCallSurfaced:
			e.bindCall(d.ToolCall.ID, t.id)
			if t.replaying {
				t.deferred = append(t.deferred, *d.ToolCall)
				break
			}
			if err := e.orch.Observe(*d.ToolCall); err != nil {
				logger.Slog().Warn("failed to observe tool call", "tool_call_id", d.ToolCall.ID, "error", err)
			}
		case assembler.DeltaResultAttached:
			if err := e.orch.Record(*d.Result); err != nil {
				logger.Slog().Debug("result for untracked tool call", "tool_call_id", d.Result.ToolCallID, "error", err)
			}
		}
		for _, fn := range e.observers {
			fn(t.id, d)
		}
	})
}

// fold applies one normalized frame
func (t *thread) fold(out normalize.Output) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ev := range out.Events {
		t.buffer.Append(ev)
		t.asm.Apply(ev)
	}
	if out.Aggregate != nil {
		t.asm.ApplyAggregate(out.Aggregate)
	}
}

// attachLocal folds a result produced on this side. It reports false when
// the thread already holds a result for the call.
func (t *thread) attachLocal(res protocol.ToolResult) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.asm.Result(res.ToolCallID); ok {
		return false
	}
	success := res.Success
	ev := protocol.ToolCallResult{
		ToolCallID: res.ToolCallID,
		ToolName:   res.ToolName,
		Result:     res.Result,
		Success:    &success,
		Error:      res.Error,
	}
	t.buffer.Append(ev)
	t.asm.Apply(ev)
	return true
}

// replay folds a bulk history without executing anything, then hands the
// orchestrator only the calls the history left without a result. The history
// is the whole thread, so the buffer restarts with it.
func (e *Engine) replay(ctx context.Context, t *thread, frames [][]byte) ReplayStats {
	stats := ReplayStats{Frames: len(frames)}

	t.mu.Lock()
	t.replaying = true
	t.deferred = nil
	if len(frames) > 0 {
		t.buffer.Clear()
	}
	for _, raw := range frames {
		out, err := normalize.Frame(raw)
		if err != nil {
			stats.Rejected++
			metrics.RecordProtocolError("unrecognized_frame")
			logger.WarnContext(ctx, "dropping history frame", "error", err)
			continue
		}
		metrics.RecordFrame(string(out.Shape))
		stats.Events += len(out.Events)
		for _, ev := range out.Events {
			t.buffer.Append(ev)
			t.asm.Apply(ev)
		}
		if out.Aggregate != nil {
			t.asm.ApplyAggregate(out.Aggregate)
		}
	}
	t.replaying = false
	deferred := t.deferred
	t.deferred = nil

	var open []protocol.ToolCall
	for _, call := range deferred {
		if _, ok := t.asm.Result(call.ID); !ok {
			open = append(open, call)
		}
	}
	t.mu.Unlock()

	stats.Surfaced = len(deferred)
	for _, call := range open {
		if err := e.orch.Observe(call); err != nil {
			logger.WarnContext(ctx, "failed to observe replayed tool call", "tool_call_id", call.ID, "error", err)
		}
	}
	return stats
}

// Replay folds frames into threadID as Attach does with a fetched history
func (e *Engine) Replay(ctx context.Context, threadID string, frames [][]byte) ReplayStats {
	return e.replay(ctx, e.thread(ctx, threadID), frames)
}
