package assembler

import (
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
	"github.com/HyphaGroup/tether/internal/protocol"
)

// Drop reasons recorded in tether_protocol_errors_total
const (
	reasonMissingID       = "missing_id"
	reasonUnknownMessage  = "unknown_message"
	reasonUnknownToolCall = "unknown_tool_call"
	reasonUnknownStep     = "unknown_step"
)

func (a *Assembler) apply(ev protocol.Event) []Delta {
	var deltas []Delta
	if key := eventKey(ev); key != "" {
		deltas = a.touch(key)
	}
	return append(deltas, a.fold(ev)...)
}

// eventKey is the id an event refers to, or "" for events that carry none
func eventKey(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.TextMessageStart:
		return e.MessageID
	case protocol.TextMessageContent:
		return e.MessageID
	case protocol.TextMessageEnd:
		return e.MessageID
	case protocol.ToolCallStart:
		return e.ToolCallID
	case protocol.ToolCallArgs:
		return e.ToolCallID
	case protocol.ToolCallEnd:
		return e.ToolCallID
	case protocol.ToolCallResult:
		return e.ToolCallID
	case protocol.ToolRejected:
		return e.ToolCallID
	case protocol.RunStarted:
		if e.RunID != "" {
			return "run:" + e.RunID
		}
	case protocol.RunFinished:
		if e.RunID != "" {
			return "run:" + e.RunID
		}
	case protocol.StepStarted:
		if e.StepID != "" {
			return "step:" + e.StepID
		}
	case protocol.StepCompleted:
		if e.StepID != "" {
			return "step:" + e.StepID
		}
	}
	return ""
}

func (a *Assembler) fold(ev protocol.Event) []Delta {
	switch e := ev.(type) {
	case protocol.RunStarted:
		a.run = RunState{
			Status:    RunRunning,
			ThreadID:  e.ThreadID,
			RunID:     e.RunID,
			AgentID:   e.AgentID,
			Agent:     a.run.Agent,
			Indicator: IndicatorStarting,
		}
		return a.runDelta()
	case protocol.RunFinished:
		a.run.Status = RunFinished
		a.run.Planning = false
		a.run.Indicator = IndicatorNone
		return a.runDelta()
	case protocol.RunError:
		return a.fail(e)

	case protocol.TextMessageStart:
		return a.openMessage(e)
	case protocol.TextMessageContent:
		return a.appendText(e)
	case protocol.TextMessageEnd:
		return a.endMessage(e)

	case protocol.ToolCallStart:
		return a.openToolCall(e)
	case protocol.ToolCallArgs:
		return a.appendArgs(e)
	case protocol.ToolCallEnd:
		return a.endToolCall(e)
	case protocol.ToolCallResult:
		return a.attach(protocol.ToolResult{
			ToolCallID: e.ToolCallID,
			ToolName:   e.ToolName,
			Result:     e.Result,
			Success:    e.Succeeded(),
			Error:      e.Error,
		})
	case protocol.ToolRejected:
		errMsg := "rejected"
		if e.Reason != "" {
			errMsg = "rejected: " + e.Reason
		}
		return a.attach(protocol.ToolResult{ToolCallID: e.ToolCallID, Success: false, Error: errMsg})

	case protocol.AgentHandover:
		return a.handover(e)

	case protocol.PlanStarted:
		a.run.Planning = true
		a.run.Indicator = IndicatorPlanning
		return a.runDelta()
	case protocol.PlanFinished:
		a.run.Planning = false
		a.run.TotalSteps = e.TotalSteps
		if a.run.Indicator == IndicatorPlanning || a.run.Indicator == IndicatorStarting {
			a.run.Indicator = IndicatorNone
		}
		return a.runDelta()
	case protocol.StepStarted:
		return a.startStep(e)
	case protocol.StepCompleted:
		return a.completeStep(e)

	case protocol.Unknown:
		logger.Slog().Debug("ignoring unknown event", "kind", e.Kind)
	}
	return nil
}

func (a *Assembler) drop(reason string, ev protocol.Event, id string) {
	logger.Slog().Warn("dropping out-of-order event", "reason", reason, "type", ev.Type(), "id", id)
	metrics.RecordProtocolError(reason)
}

func (a *Assembler) runDelta() []Delta {
	r := a.run.clone()
	return []Delta{{Kind: DeltaRunState, Run: &r}}
}

// appendAggregate adds agg to the completed list unless its id is already there
func (a *Assembler) appendAggregate(agg protocol.Aggregate) []Delta {
	id := agg.AggregateID()
	if _, ok := a.index[id]; ok {
		return nil
	}
	a.index[id] = len(a.completed)
	a.completed = append(a.completed, agg)
	return []Delta{{Kind: DeltaAppended, Aggregate: agg}}
}

// closeFragment removes id from the in-flight set and seals it
func (a *Assembler) closeFragment(id string) {
	delete(a.messages, id)
	delete(a.calls, id)
	for i, open := range a.open {
		if open == id {
			a.open = append(a.open[:i], a.open[i+1:]...)
			break
		}
	}
	a.sealed[id] = true
}

func (a *Assembler) openMessage(e protocol.TextMessageStart) []Delta {
	if e.MessageID == "" {
		a.drop(reasonMissingID, e, "")
		return nil
	}
	if a.sealed[e.MessageID] {
		return nil
	}
	if _, ok := a.messages[e.MessageID]; ok {
		return nil
	}

	role := e.Role
	if role == "" {
		role = protocol.RoleAssistant
	}
	frag := &messageFragment{msg: &protocol.Message{
		ID:     e.MessageID,
		Role:   role,
		Parts:  []protocol.Part{protocol.TextPart{}},
		Status: protocol.MessageStreaming,
	}}
	a.messages[e.MessageID] = frag
	a.open = append(a.open, e.MessageID)

	deltas := []Delta{{Kind: DeltaStreaming, Aggregate: frag.snapshot(protocol.MessageStreaming, "")}}
	if role == protocol.RoleAssistant && a.run.Indicator != IndicatorGenerating {
		a.run.Indicator = IndicatorGenerating
		deltas = append(deltas, a.runDelta()...)
	}
	return deltas
}

func (a *Assembler) appendText(e protocol.TextMessageContent) []Delta {
	frag, ok := a.messages[e.MessageID]
	if !ok {
		if !a.sealed[e.MessageID] {
			a.drop(reasonUnknownMessage, e, e.MessageID)
		}
		return nil
	}
	frag.text.WriteString(e.Delta)
	return []Delta{{
		Kind:      DeltaStreaming,
		Aggregate: frag.snapshot(protocol.MessageStreaming, ""),
		Text:      e.Delta,
	}}
}

func (a *Assembler) endMessage(e protocol.TextMessageEnd) []Delta {
	frag, ok := a.messages[e.MessageID]
	if !ok {
		if !a.sealed[e.MessageID] {
			a.drop(reasonUnknownMessage, e, e.MessageID)
		}
		return nil
	}

	msg := frag.snapshot(protocol.MessageComplete, "")
	a.closeFragment(e.MessageID)

	deltas := a.appendAggregate(msg)
	if len(a.messages) == 0 && a.run.Indicator == IndicatorGenerating {
		a.run.Indicator = IndicatorNone
		deltas = append(deltas, a.runDelta()...)
	}
	return deltas
}

func (a *Assembler) openToolCall(e protocol.ToolCallStart) []Delta {
	if e.ToolCallID == "" {
		a.drop(reasonMissingID, e, "")
		return nil
	}
	if a.sealed[e.ToolCallID] {
		return nil
	}
	if _, ok := a.calls[e.ToolCallID]; !ok {
		a.open = append(a.open, e.ToolCallID)
	}
	tc := &protocol.ToolCall{
		ID:              e.ToolCallID,
		Name:            e.ToolCallName,
		ParentMessageID: e.ParentMessageID,
		IsExternal:      e.IsExternal,
	}
	a.calls[e.ToolCallID] = tc

	c := *tc
	return []Delta{{
		Kind:      DeltaStreaming,
		Aggregate: &protocol.Artifact{ID: c.ID, Kind: protocol.ArtifactToolCall, ToolCall: &c},
	}}
}

func (a *Assembler) appendArgs(e protocol.ToolCallArgs) []Delta {
	tc, ok := a.calls[e.ToolCallID]
	if !ok {
		if !a.sealed[e.ToolCallID] {
			a.drop(reasonUnknownToolCall, e, e.ToolCallID)
		}
		return nil
	}
	tc.Input += e.Delta

	c := *tc
	return []Delta{{
		Kind:      DeltaStreaming,
		Aggregate: &protocol.Artifact{ID: c.ID, Kind: protocol.ArtifactToolCall, ToolCall: &c},
		Text:      e.Delta,
	}}
}

func (a *Assembler) endToolCall(e protocol.ToolCallEnd) []Delta {
	tc, ok := a.calls[e.ToolCallID]
	if !ok {
		if !a.sealed[e.ToolCallID] {
			a.drop(reasonUnknownToolCall, e, e.ToolCallID)
		}
		return nil
	}

	tc.ParseInput()
	call := *tc
	a.closeFragment(e.ToolCallID)

	return a.placeToolCall(call)
}

// placeToolCall attaches a finished call to its parent message, or appends
// it as a standalone artifact when there is no known parent, then surfaces it
func (a *Assembler) placeToolCall(call protocol.ToolCall) []Delta {
	var deltas []Delta
	placed := false

	if pid := call.ParentMessageID; pid != "" {
		if frag, ok := a.messages[pid]; ok {
			frag.msg.Parts = append(frag.msg.Parts, protocol.ToolCallPart{ToolCall: call})
			deltas = append(deltas, Delta{Kind: DeltaStreaming, Aggregate: frag.snapshot(protocol.MessageStreaming, "")})
			placed = true
		} else if i, ok := a.index[pid]; ok {
			if m, ok := a.completed[i].(*protocol.Message); ok {
				updated := m.Clone()
				updated.Parts = append(updated.Parts, protocol.ToolCallPart{ToolCall: call})
				a.completed[i] = updated
				deltas = append(deltas, Delta{Kind: DeltaUpdated, Aggregate: updated})
				placed = true
			}
		}
	}

	if !placed {
		c := call
		deltas = append(deltas, a.appendAggregate(&protocol.Artifact{
			ID:       call.ID,
			Kind:     protocol.ArtifactToolCall,
			ToolCall: &c,
		})...)
	}

	return append(deltas, a.surface(call)...)
}

// surface makes a call visible to observers and attaches any result that
// arrived before it
func (a *Assembler) surface(call protocol.ToolCall) []Delta {
	if _, ok := a.surfaced[call.ID]; ok {
		return nil
	}
	a.surfaced[call.ID] = call

	c := call
	deltas := []Delta{{Kind: DeltaToolCallSurfaced, ToolCall: &c}}

	if att, ok := a.orphans[call.ID]; ok {
		delete(a.orphans, call.ID)
		if att.Result.ToolName == "" {
			att.Result.ToolName = call.Name
		}
		deltas = append(deltas, a.attachRecord(att)...)
	}
	return deltas
}

// attach records a result. At most one result is kept per call; a repeat
// only moves the received timestamp.
func (a *Assembler) attach(result protocol.ToolResult) []Delta {
	id := result.ToolCallID
	if id == "" {
		a.drop(reasonMissingID, protocol.ToolCallResult{}, "")
		return nil
	}

	now := a.now()
	if att, ok := a.results[id]; ok {
		att.ReceivedAt = now
		logger.Slog().Debug("duplicate tool result dropped", "tool_call_id", id)
		return nil
	}
	if att, ok := a.orphans[id]; ok {
		att.ReceivedAt = now
		return nil
	}

	att := &Attachment{Result: result, ReceivedAt: now}
	call, ok := a.surfaced[id]
	if !ok {
		a.orphans[id] = att
		return nil
	}
	if att.Result.ToolName == "" {
		att.Result.ToolName = call.Name
	}
	return a.attachRecord(att)
}

func (a *Assembler) attachRecord(att *Attachment) []Delta {
	a.results[att.Result.ToolCallID] = att
	r := att.Result
	return []Delta{{Kind: DeltaResultAttached, Result: &r}}
}

// fail seals every open fragment with the run error and appends a failure
// marker
func (a *Assembler) fail(e protocol.RunError) []Delta {
	var deltas []Delta

	open := append([]string(nil), a.open...)
	for _, id := range open {
		if frag, ok := a.messages[id]; ok {
			msg := frag.snapshot(protocol.MessageErrored, e.Message)
			a.closeFragment(id)
			deltas = append(deltas, a.appendAggregate(msg)...)
			continue
		}
		if tc, ok := a.calls[id]; ok {
			tc.ParseInput()
			c := *tc
			a.closeFragment(id)
			deltas = append(deltas, a.appendAggregate(&protocol.Artifact{
				ID:       id,
				Kind:     protocol.ArtifactToolCall,
				ToolCall: &c,
				Error:    e.Message,
			})...)
		}
	}

	deltas = append(deltas, a.addMarker(&marker{
		kind:   "run-error",
		fields: []string{e.Message, e.Code},
		build: func(id string) protocol.Aggregate {
			return &protocol.RunFailure{ID: id, Message: e.Message, Code: e.Code}
		},
	})...)

	a.run.Status = RunFailed
	a.run.Error = e.Message
	a.run.Planning = false
	a.run.Indicator = IndicatorNone
	for i := range a.run.Steps {
		if a.run.Steps[i].Status == StepRunning {
			a.run.Steps[i].Status = StepFailed
		}
	}
	return append(deltas, a.runDelta()...)
}

func (a *Assembler) handover(e protocol.AgentHandover) []Delta {
	deltas := a.addMarker(&marker{
		kind:   "handover",
		fields: []string{e.FromAgent, e.ToAgent, e.Reason},
		build: func(id string) protocol.Aggregate {
			return &protocol.Handover{ID: id, From: e.FromAgent, To: e.ToAgent, Reason: e.Reason}
		},
	})

	if a.run.Agent != e.ToAgent {
		a.run.Agent = e.ToAgent
		deltas = append(deltas, a.runDelta()...)
	}
	return deltas
}

func (a *Assembler) startStep(e protocol.StepStarted) []Delta {
	if e.StepID == "" {
		a.drop(reasonMissingID, e, "")
		return nil
	}
	if s := a.run.step(e.StepID); s != nil {
		if s.Status == StepRunning {
			return nil
		}
		s.Status = StepRunning
		return a.runDelta()
	}
	a.run.Steps = append(a.run.Steps, Step{ID: e.StepID, Title: e.StepTitle, Index: e.StepIndex, Status: StepRunning})
	return a.runDelta()
}

func (a *Assembler) completeStep(e protocol.StepCompleted) []Delta {
	s := a.run.step(e.StepID)
	if s == nil {
		a.drop(reasonUnknownStep, e, e.StepID)
		return nil
	}
	status := StepCompleted
	if e.Success != nil && !*e.Success {
		status = StepFailed
	}
	if s.Status == status {
		return nil
	}
	s.Status = status
	return a.runDelta()
}

// applyAggregate folds an aggregate delivered whole. Tool call parts surface
// and tool result parts attach as if they had been streamed.
func (a *Assembler) applyAggregate(agg protocol.Aggregate) []Delta {
	id := agg.AggregateID()
	if id == "" {
		logger.Slog().Warn("dropping aggregate without id")
		metrics.RecordProtocolError(reasonMissingID)
		return nil
	}
	deltas := a.touch(id)
	if _, ok := a.index[id]; ok {
		return deltas
	}
	if a.sealed[id] {
		return deltas
	}

	switch v := agg.(type) {
	case *protocol.Message:
		if _, streaming := a.messages[id]; streaming {
			a.closeFragment(id)
		}
		msg := v.Clone()
		if msg.Status == "" {
			msg.Status = protocol.MessageComplete
		}
		deltas = append(deltas, a.appendAggregate(msg)...)
		for _, p := range msg.Parts {
			switch part := p.(type) {
			case protocol.ToolCallPart:
				a.sealed[part.ToolCall.ID] = true
				deltas = append(deltas, a.surface(part.ToolCall)...)
			case protocol.ToolResultPart:
				deltas = append(deltas, a.attach(part.ToolResult)...)
			}
		}
	case *protocol.Artifact:
		deltas = append(deltas, a.appendAggregate(v)...)
		if v.ToolCall != nil && v.Error == "" {
			deltas = append(deltas, a.surface(*v.ToolCall)...)
		}
	default:
		deltas = append(deltas, a.appendAggregate(agg)...)
	}

	a.sealed[id] = true
	return deltas
}
