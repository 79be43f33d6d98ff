package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/HyphaGroup/tether/internal/validation"
)

var (
	// ErrInvalidInput is returned when a call's input fails its tool schema
	ErrInvalidInput = errors.New("invalid tool input")
	// ErrUserActionRequired may be returned by a handler that cannot finish
	// without a human; the call moves to user_action_required
	ErrUserActionRequired = errors.New("user action required")
)

// Call is what a handler receives
type Call struct {
	ID              string
	Name            string
	Input           json.RawMessage
	ParentMessageID string
	IsExternal      bool
}

// Handler executes one tool
type Handler interface {
	Handle(ctx context.Context, call Call) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, call Call) (json.RawMessage, error)

// Handle calls f(ctx, call)
func (f HandlerFunc) Handle(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

// RegisterOption configures a registration
type RegisterOption func(*registration)

// WithSchema validates call input against schema before the handler runs
func WithSchema(schema *jsonschema.Schema) RegisterOption {
	return func(r *registration) {
		r.schema = schema
	}
}

type registration struct {
	handler  Handler
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

func (r *registration) validate(input json.RawMessage) error {
	if r.resolved == nil {
		return nil
	}
	var instance any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &instance); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	} else {
		instance = map[string]any{}
	}
	if err := r.resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Registry maps tool names to handlers. Safe for concurrent use; the host
// may register and unregister while calls are in flight.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*registration)}
}

// Register adds or replaces the handler for name
func (r *Registry) Register(name string, h Handler, opts ...RegisterOption) error {
	if err := validation.ValidateToolName(name); err != nil {
		return err
	}
	if h == nil {
		return fmt.Errorf("handler for %s is nil", name)
	}

	reg := &registration{handler: h}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.schema != nil {
		resolved, err := reg.schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("failed to resolve schema for %s: %w", name, err)
		}
		reg.resolved = resolved
	}

	r.mu.Lock()
	r.handlers[name] = reg
	r.mu.Unlock()
	return nil
}

// Unregister removes the handler for name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	delete(r.handlers, name)
	r.mu.Unlock()
}

// Lookup returns the handler registered for name
func (r *Registry) Lookup(name string) (Handler, bool) {
	reg, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

func (r *Registry) lookup(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	return reg, ok
}

// Names returns the registered tool names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schema returns the input schema registered for name, if any
func (r *Registry) Schema(name string) *jsonschema.Schema {
	reg, ok := r.lookup(name)
	if !ok {
		return nil
	}
	return reg.schema
}
