// Package approval gates approval-class tool calls behind stored
// preferences or an explicit user decision.
package approval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/HyphaGroup/tether/internal/storage"
)

// PreferencesKey is the storage key of the preference map
const PreferencesKey = "approval-preferences"

// Preferences maps a tool name to a standing decision
type Preferences map[string]bool

// Clone returns an independent copy
func (p Preferences) Clone() Preferences {
	c := make(Preferences, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// Names returns the tool names with a preference, sorted
func (p Preferences) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PreferenceStore persists Preferences as one JSON object. Writes replace the
// whole object; concurrent writers from other processes are last-writer-wins.
type PreferenceStore struct {
	kv storage.KV
	mu sync.Mutex
}

// NewPreferenceStore wraps kv
func NewPreferenceStore(kv storage.KV) *PreferenceStore {
	return &PreferenceStore{kv: kv}
}

// Load returns the stored preferences, or an empty map when they are
// missing or unreadable
func (s *PreferenceStore) Load(ctx context.Context) Preferences {
	prefs := storage.LoadJSON(ctx, s.kv, PreferencesKey, Preferences{})
	if prefs == nil {
		prefs = Preferences{}
	}
	return prefs
}

// Save replaces the stored preferences
func (s *PreferenceStore) Save(ctx context.Context, prefs Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.SaveJSON(ctx, s.kv, PreferencesKey, prefs)
}

// Set records one decision and returns the resulting map
func (s *PreferenceStore) Set(ctx context.Context, tool string, approved bool) (Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := s.Load(ctx)
	prefs[tool] = approved
	if err := storage.SaveJSON(ctx, s.kv, PreferencesKey, prefs); err != nil {
		return prefs, err
	}
	return prefs, nil
}

// Unset removes the decision for one tool
func (s *PreferenceStore) Unset(ctx context.Context, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs := s.Load(ctx)
	delete(prefs, tool)
	return storage.SaveJSON(ctx, s.kv, PreferencesKey, prefs)
}

// Clear removes every stored preference
func (s *PreferenceStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Delete(ctx, PreferencesKey); err != nil {
		return fmt.Errorf("failed to clear preferences: %w", err)
	}
	return nil
}
