// Package tools provides the built-in tool handlers and schemas.
//
// builtin.go - names and input schemas of built-in tools
//
// This file contains:
// - ApprovalRequest and Toast tool names
// - JSON schemas validated by the orchestrator registry
// - RegisterBuiltins for hosts that want the default set
package tools

import (
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/tether/internal/orchestrator"
)

// Built-in tool names
const (
	ApprovalRequest = "approval_request"
	Toast           = "toast"
)

// Toast levels accepted by the toast tool
const (
	ToastSuccess = "success"
	ToastError   = "error"
	ToastWarning = "warning"
	ToastInfo    = "info"
)

// ApprovalRequestSchema is the input schema of approval_request
func ApprovalRequestSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "object",
		Description: "Request user approval for actions",
		Properties: map[string]*jsonschema.Schema{
			"reason": {
				Type:        "string",
				Description: "Reason for the approval request",
			},
			"tool_calls": {
				Type:        "array",
				Description: "Tool calls that need approval",
				Items:       &jsonschema.Schema{Type: "object"},
			},
		},
		Required: []string{"reason"},
	}
}

// ToastSchema is the input schema of toast
func ToastSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "object",
		Description: "Show a toast notification to the user",
		Properties: map[string]*jsonschema.Schema{
			"message": {
				Type:        "string",
				Description: "Message to display in the toast",
			},
			"type": {
				Type:        "string",
				Description: "Type of toast notification",
				Enum:        []any{ToastSuccess, ToastError, ToastWarning, ToastInfo},
			},
		},
		Required: []string{"message"},
	}
}

// RegisterBuiltins registers the toast handler. approval_request has no
// handler: the approval gate claims it before lookup.
func RegisterBuiltins(reg *orchestrator.Registry, sink ToastSink) error {
	if err := reg.Register(Toast, NewToastHandler(sink), orchestrator.WithSchema(ToastSchema())); err != nil {
		return fmt.Errorf("failed to register %s: %w", Toast, err)
	}
	return nil
}
