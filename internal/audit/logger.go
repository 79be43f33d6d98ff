// Package audit records tool executions and approval decisions as JSON
// lines, separate from the operational log.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/HyphaGroup/tether/internal/protocol"
)

// Operation represents the type of auditable operation
type Operation string

const (
	OpToolResult      Operation = "tool.result"
	OpApprovalDecide  Operation = "approval.decide"
	OpPreferenceSet   Operation = "preference.set"
	OpPreferenceClear Operation = "preference.clear"
)

// Event represents an audit log entry
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Operation  Operation      `json:"operation"`
	ThreadID   string         `json:"thread_id,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Logger handles audit logging
type Logger struct {
	logger  *slog.Logger
	closer  io.Closer
	enabled bool
	mu      sync.RWMutex
}

// New creates an audit logger writing to w. A nil w disables it.
func New(w io.Writer) *Logger {
	if w == nil {
		return &Logger{}
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &Logger{
		logger:  slog.New(handler),
		enabled: true,
	}
}

// Disabled returns a logger that records nothing
func Disabled() *Logger {
	return &Logger{}
}

// Open creates an audit logger appending to audit-YYYY-MM-DD.jsonl in dir
func Open(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	name := fmt.Sprintf("audit-%s.jsonl", time.Now().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// SetEnabled enables or disables audit logging. A logger created without a
// writer stays disabled.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled && l.logger != nil
}

// Close closes the underlying file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = false
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Log records an audit event
func (l *Logger) Log(event *Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	attrs := []any{
		slog.String("operation", string(event.Operation)),
		slog.Time("at", event.Timestamp),
		slog.Bool("success", event.Success),
	}
	if event.ThreadID != "" {
		attrs = append(attrs, slog.String("thread_id", event.ThreadID))
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, slog.String("tool_call_id", event.ToolCallID))
	}
	if event.ToolName != "" {
		attrs = append(attrs, slog.String("tool_name", event.ToolName))
	}
	if event.Error != "" {
		attrs = append(attrs, slog.String("error", event.Error))
	}
	if event.Details != nil {
		detailsJSON, _ := json.Marshal(event.Details)
		attrs = append(attrs, slog.String("details", string(detailsJSON)))
	}

	l.logger.Info("AUDIT", attrs...)
}

// LogResult records a tool result produced on this side. Result payloads
// are not recorded, only their size.
func (l *Logger) LogResult(threadID string, r protocol.ToolResult) {
	l.Log(&Event{
		Operation:  OpToolResult,
		ThreadID:   threadID,
		ToolCallID: r.ToolCallID,
		ToolName:   r.ToolName,
		Success:    r.Success,
		Error:      r.Error,
		Details:    map[string]any{"result_bytes": len(r.Result)},
	})
}

// LogDecision records a user's answer to an approval request
func (l *Logger) LogDecision(toolCallID, toolName string, approved, remembered bool) {
	l.Log(&Event{
		Operation:  OpApprovalDecide,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Success:    true,
		Details:    map[string]any{"approved": approved, "remembered": remembered},
	})
}

// LogPreference records a preference change made outside a prompt. An empty
// tool with cleared set means every preference was removed.
func (l *Logger) LogPreference(toolName string, approved, cleared bool) {
	ev := &Event{Operation: OpPreferenceSet, ToolName: toolName, Success: true}
	if cleared {
		ev.Operation = OpPreferenceClear
	} else {
		ev.Details = map[string]any{"approved": approved}
	}
	l.Log(ev)
}
