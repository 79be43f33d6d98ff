package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/HyphaGroup/tether/internal/approval"
	"github.com/HyphaGroup/tether/internal/assembler"
	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/protocol"
)

// maxPreview bounds tool input and result text on the console
const maxPreview = 200

// printer renders assembler deltas and approval prompts to the console
type printer struct {
	mu        sync.Mutex
	status    assembler.RunStatus
	indicator assembler.Indicator
}

func (p *printer) observe(threadID string, d assembler.Delta) {
	switch d.Kind {
	case assembler.DeltaAppended:
		logger.Println(describe(d.Aggregate))
	case assembler.DeltaUpdated:
		logger.Println("~ " + describe(d.Aggregate))
	case assembler.DeltaToolCallSurfaced:
		logger.Printf("→ %s(%s) [%s]", d.ToolCall.Name, preview(string(d.ToolCall.Arguments())), d.ToolCall.ID)
	case assembler.DeltaResultAttached:
		logger.Printf("← %s [%s] %s", d.Result.ToolName, d.Result.ToolCallID, resultSummary(*d.Result))
	case assembler.DeltaRunState:
		p.runState(d.Run)
	}
}

// runState prints run status transitions and indicator changes
func (p *printer) runState(run *assembler.RunState) {
	if run == nil {
		return
	}

	p.mu.Lock()
	statusChanged := run.Status != p.status
	indicatorChanged := run.Indicator != p.indicator
	p.status, p.indicator = run.Status, run.Indicator
	p.mu.Unlock()

	switch {
	case statusChanged && run.Status == assembler.RunFinished:
		logger.Println("(run finished)")
	case statusChanged && run.Status == assembler.RunFailed:
		logger.Printf("(run failed: %s)", run.Error)
	case indicatorChanged && run.Indicator != assembler.IndicatorNone:
		logger.Printf("(%s)", strings.ReplaceAll(string(run.Indicator), "_", " "))
	}
}

// allComplete reports a batch of tool calls that all reached a final state
func (p *printer) allComplete(results []protocol.ToolResult) {
	logger.Println(batchSummary(results))
}

func batchSummary(results []protocol.ToolResult) string {
	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	msg := fmt.Sprintf("(%d tool call(s) finished", len(results))
	if failed > 0 {
		msg += fmt.Sprintf(", %d failed", failed)
	}
	return msg + ")"
}

func (p *printer) prompt(ctx context.Context, req approval.Request) {
	msg := fmt.Sprintf("approval needed: %s [%s]", req.ToolName, req.ToolCallID)
	if req.Reason != "" {
		msg += " - " + req.Reason
	}
	if len(req.Input) > 0 {
		msg += "\n  input: " + preview(string(req.Input))
	}
	logger.Println(msg + "\n  answer y, n, always or never")
}

// describe renders an aggregate as one console entry
func describe(agg protocol.Aggregate) string {
	switch a := agg.(type) {
	case *protocol.Message:
		text := a.Text()
		for _, call := range a.ToolCalls() {
			text += fmt.Sprintf(" [tool %s]", call.Name)
		}
		if a.Status == protocol.MessageErrored && a.Error != "" {
			text += " (error: " + a.Error + ")"
		}
		return fmt.Sprintf("%s: %s", a.Role, strings.TrimSpace(text))
	case *protocol.Artifact:
		if a.ToolCall != nil {
			return fmt.Sprintf("artifact %s: tool %s", a.ID, a.ToolCall.Name)
		}
		return fmt.Sprintf("artifact %s: %s", a.ID, preview(string(a.Data)))
	case *protocol.Handover:
		s := fmt.Sprintf("handover %s → %s", a.From, a.To)
		if a.Reason != "" {
			s += ": " + a.Reason
		}
		return s
	case *protocol.RunFailure:
		if a.Code != "" {
			return fmt.Sprintf("run failed (%s): %s", a.Code, a.Message)
		}
		return "run failed: " + a.Message
	}
	return fmt.Sprintf("%T %s", agg, agg.AggregateID())
}

func resultSummary(r protocol.ToolResult) string {
	if !r.Success {
		return "error: " + r.Error
	}
	return preview(string(r.Result))
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxPreview {
		return string(r[:maxPreview]) + "…"
	}
	return s
}

// decision is one parsed approval answer
type decision struct {
	approved   bool
	remember   bool
	toolCallID string
}

// parseDecision reads "y|n|always|never [tool_call_id]". Blank lines report
// ok=false.
func parseDecision(line string) (decision, bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return decision{}, false, nil
	}
	if len(fields) > 2 {
		return decision{}, false, fmt.Errorf("expected an answer and at most one tool call id, got %q", line)
	}

	var d decision
	switch strings.ToLower(fields[0]) {
	case "y", "yes":
		d.approved = true
	case "n", "no":
	case "always":
		d.approved, d.remember = true, true
	case "never":
		d.remember = true
	default:
		return decision{}, false, fmt.Errorf("unknown answer %q (use y, n, always or never)", fields[0])
	}
	if len(fields) == 2 {
		d.toolCallID = fields[1]
	}
	return d, true, nil
}
