package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/orchestrator"
)

// Notification is one toast shown to the user
type Notification struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// ToastSink displays notifications
type ToastSink interface {
	Notify(ctx context.Context, n Notification) error
}

// ToastSinkFunc adapts a function to ToastSink
type ToastSinkFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n)
func (f ToastSinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// LogSink writes notifications to the structured log
var LogSink ToastSink = ToastSinkFunc(func(ctx context.Context, n Notification) error {
	logger.InfoContext(ctx, "toast", "type", n.Type, "message", n.Message)
	return nil
})

type toastHandler struct {
	sink ToastSink
}

// NewToastHandler returns the toast tool handler. A nil sink logs.
func NewToastHandler(sink ToastSink) orchestrator.Handler {
	if sink == nil {
		sink = LogSink
	}
	return &toastHandler{sink: sink}
}

func (h *toastHandler) Handle(ctx context.Context, call orchestrator.Call) (json.RawMessage, error) {
	var n Notification
	if err := json.Unmarshal(call.Input, &n); err != nil {
		return nil, fmt.Errorf("invalid toast input: %w", err)
	}
	if n.Message == "" {
		return nil, fmt.Errorf("toast message is required")
	}
	if n.Type == "" {
		n.Type = ToastInfo
	}

	if err := h.sink.Notify(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to show toast: %w", err)
	}

	return json.Marshal(map[string]any{
		"success": true,
		"message": "Toast displayed successfully",
	})
}
