// Package validation checks identifiers that arrive from outside the
// process before they are used as storage keys or URL parameters.
package validation

import (
	"errors"
	"fmt"
	"regexp"
)

// Length limits
const (
	MaxIDLength       = 256
	MaxToolNameLength = 128
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid identifier")

var (
	// identifierRegex matches ids minted here (uuids) and by agent servers
	// (prefixed or dotted ids)
	identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.:@-]+$`)

	// toolNameRegex matches MCP-style tool names, optionally namespaced
	toolNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9_./-]*$`)
)

// ValidateIdentifier checks an opaque id. kind names the id in the error.
func ValidateIdentifier(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s id cannot be empty", ErrInvalid, kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s id longer than %d characters", ErrInvalid, kind, MaxIDLength)
	}
	if !identifierRegex.MatchString(id) {
		return fmt.Errorf("%w: %s id %q has unsafe characters", ErrInvalid, kind, id)
	}
	return nil
}

// ValidateThreadID validates a thread id
func ValidateThreadID(id string) error {
	return ValidateIdentifier("thread", id)
}

// ValidateToolName validates a tool name used as a registry key
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: tool name is required", ErrInvalid)
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("%w: tool name longer than %d characters", ErrInvalid, MaxToolNameLength)
	}
	if !toolNameRegex.MatchString(name) {
		return fmt.Errorf("%w: tool name %q has unsafe characters", ErrInvalid, name)
	}
	return nil
}
