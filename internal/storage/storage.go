// Package storage provides the key/value store behind approval preferences
// and thread continuity.
//
// storage.go - KV contract, JSON helpers and backend selection
//
// This file contains:
// - KV: string key/value store with whole-value writes
// - LoadJSON/SaveJSON: tolerant structured reads and whole-structure writes
// - Open: backend factory from Options
//
// Every write replaces the whole value stored under a key. Concurrent
// writers (two processes, two tabs) resolve as last-writer-wins.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/HyphaGroup/tether/internal/logger"
)

var (
	// ErrNotFound is returned by Get for a missing key
	ErrNotFound = errors.New("key not found")
	// ErrUnknownBackend is returned by Open for an unsupported backend name
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// KV is a string key/value store
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Backend names
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Options selects and configures a backend
type Options struct {
	Backend       string
	Path          string // data directory for sqlite and bolt
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // redis only
}

// Open creates the configured backend
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendSQLite:
		return NewSQLite(opts.Path)
	case BackendBolt:
		return NewBolt(opts.Path)
	case BackendRedis:
		return NewRedis(ctx, RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.KeyPrefix,
		})
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, opts.Backend)
}

// GetString returns the value under key, or fallback when it is missing or
// unreadable. Read errors are logged, never returned.
func GetString(ctx context.Context, kv KV, key, fallback string) string {
	value, err := kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.WarnContext(ctx, "storage read failed, using default", "key", key, "error", err)
		}
		return fallback
	}
	return value
}

// LoadJSON decodes the JSON value under key into a T. A missing, unreadable
// or corrupt value yields fallback; the error is logged, never returned.
func LoadJSON[T any](ctx context.Context, kv KV, key string, fallback T) T {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.WarnContext(ctx, "storage read failed, using default", "key", key, "error", err)
		}
		return fallback
	}

	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		logger.WarnContext(ctx, "stored value is corrupt, using default", "key", key, "error", err)
		return fallback
	}
	return v
}

// SaveJSON replaces the value under key with v encoded as JSON
func SaveJSON(ctx context.Context, kv KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}
