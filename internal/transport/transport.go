// Package transport delivers raw server frames to the engine.
//
// transport.go - Stream contract and the reconnecting dialer
//
// This file contains:
// - Stream, the push-stream contract consumed by the engine
// - Options and Dial, which open an SSE or WebSocket stream
// - the reconnect loop shared by both kinds
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/tether/internal/logger"
	"github.com/HyphaGroup/tether/internal/metrics"
)

// Kind selects the wire transport
type Kind string

const (
	KindSSE       Kind = "sse"
	KindWebSocket Kind = "websocket"
)

// Defaults for reconnect throttling
const (
	DefaultReconnectInterval = 2 * time.Second
	DefaultReconnectBurst    = 1
)

var (
	// ErrUnexpectedStatus is returned when the server answers with a non-2xx status
	ErrUnexpectedStatus = errors.New("unexpected response status")
	// ErrUnknownKind is returned by Dial for an unsupported Kind
	ErrUnknownKind = errors.New("unknown transport kind")
	// ErrTooManyReconnects ends a stream after MaxReconnects consecutive failures
	ErrTooManyReconnects = errors.New("too many reconnect attempts")
)

// Stream is a push stream of frames, one JSON object per frame. Frames and
// Errors are closed when the stream ends.
type Stream interface {
	Frames() <-chan []byte
	Errors() <-chan error
	Close() error
}

// Options configures Dial
type Options struct {
	URL     string
	Kind    Kind
	Headers map[string]string

	// LastEventID resumes an SSE stream after the given event id
	LastEventID string

	// Reconnect re-dials when the connection drops
	Reconnect         bool
	ReconnectInterval time.Duration
	ReconnectBurst    int
	// MaxReconnects bounds consecutive failed attempts; 0 means unbounded
	MaxReconnects int

	HTTPClient *http.Client
}

func (o *Options) applyDefaults() {
	if o.Kind == "" {
		o.Kind = KindSSE
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = DefaultReconnectInterval
	}
	if o.ReconnectBurst <= 0 {
		o.ReconnectBurst = DefaultReconnectBurst
	}
	if o.HTTPClient == nil {
		o.HTTPClient = http.DefaultClient
	}
}

// source is one live connection yielding frames and their event ids
type source interface {
	Next() (frame []byte, id string, err error)
	Close() error
}

type connectFunc func(ctx context.Context, lastEventID string) (source, error)

// Dial opens a stream. The first connection is made synchronously so a bad
// URL or refused connection is reported to the caller; later drops are
// retried in the background when opts.Reconnect is set.
func Dial(ctx context.Context, opts Options) (Stream, error) {
	opts.applyDefaults()

	var connect connectFunc
	switch opts.Kind {
	case KindSSE:
		connect = func(ctx context.Context, lastID string) (source, error) {
			return openSSE(ctx, opts.HTTPClient, opts.URL, opts.Headers, lastID)
		}
	case KindWebSocket:
		connect = func(ctx context.Context, _ string) (source, error) {
			return openWebSocket(ctx, opts.URL, opts.Headers)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, opts.Kind)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	first, err := connect(streamCtx, opts.LastEventID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.URL, err)
	}

	s := &stream{
		frames: make(chan []byte, 64),
		errors: make(chan error, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	limiter := rate.NewLimiter(rate.Every(opts.ReconnectInterval), opts.ReconnectBurst)
	// the first dial spends a token
	limiter.Allow()

	go s.run(streamCtx, opts, connect, first, limiter)
	return s, nil
}

type stream struct {
	frames    chan []byte
	errors    chan error
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) Frames() <-chan []byte { return s.frames }
func (s *stream) Errors() <-chan error  { return s.errors }

// Close cancels the stream and waits for the read loop to exit
func (s *stream) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *stream) report(err error) {
	select {
	case s.errors <- err:
	default:
		logger.Slog().Warn("transport error dropped, errors channel full", "error", err)
	}
}

func (s *stream) run(ctx context.Context, opts Options, connect connectFunc, src source, limiter *rate.Limiter) {
	defer func() {
		close(s.frames)
		close(s.errors)
		close(s.done)
	}()

	lastID := opts.LastEventID
	failures := 0

	for {
		if src != nil {
			stop := context.AfterFunc(ctx, func() { _ = src.Close() })
			delivered, err := s.pump(ctx, src, &lastID)
			stop()
			_ = src.Close()
			src = nil

			if ctx.Err() != nil {
				return
			}
			if delivered {
				failures = 0
			}
			if err != nil && !errors.Is(err, io.EOF) {
				logger.Slog().Warn("stream connection lost", "url", opts.URL, "error", err)
				s.report(err)
			}
		}

		if !opts.Reconnect {
			return
		}
		if opts.MaxReconnects > 0 && failures >= opts.MaxReconnects {
			s.report(fmt.Errorf("%w: %d", ErrTooManyReconnects, failures))
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		failures++
		metrics.RecordReconnect(string(opts.Kind))
		logger.Slog().Info("reconnecting stream", "url", opts.URL, "attempt", failures, "last_event_id", lastID)

		next, err := connect(ctx, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.report(fmt.Errorf("failed to reconnect to %s: %w", opts.URL, err))
			continue
		}
		src = next
	}
}

// pump forwards frames until the source fails. delivered reports whether at
// least one frame made it through.
func (s *stream) pump(ctx context.Context, src source, lastID *string) (delivered bool, err error) {
	for {
		frame, id, err := src.Next()
		if err != nil {
			return delivered, err
		}
		if id != "" {
			*lastID = id
		}
		select {
		case s.frames <- frame:
			delivered = true
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}
