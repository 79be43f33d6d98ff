// Package testutil provides a scripted transport for tests that drive the
// engine without a network.
package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/HyphaGroup/tether/internal/protocol"
	"github.com/HyphaGroup/tether/internal/transport"
)

// Stream is an in-memory transport.Stream fed by the test
type Stream struct {
	frames chan []byte
	errs   chan error

	mu     sync.Mutex
	closed bool
}

var _ transport.Stream = (*Stream)(nil)

// NewStream creates a Stream with room for 64 pending frames
func NewStream() *Stream {
	return &Stream{frames: make(chan []byte, 64), errs: make(chan error, 1)}
}

func (s *Stream) Frames() <-chan []byte { return s.frames }
func (s *Stream) Errors() <-chan error  { return s.errs }

// Close marks the stream closed; frames already queued stay readable
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Send encodes events in the native form and queues them as frames
func (s *Stream) Send(t testing.TB, events ...protocol.Event) {
	t.Helper()
	for _, raw := range Frames(t, events...) {
		s.frames <- raw
	}
}

// SendRaw queues one frame as-is
func (s *Stream) SendRaw(frame []byte) {
	s.frames <- frame
}

// End closes the frame channel, as a server ending the stream would
func (s *Stream) End() {
	close(s.frames)
}

// Frames encodes events in the native {"type","data"} form
func Frames(t testing.TB, events ...protocol.Event) [][]byte {
	t.Helper()
	out := make([][]byte, 0, len(events))
	for _, ev := range events {
		raw, err := protocol.Encode(ev)
		if err != nil {
			t.Fatalf("encode %s: %v", ev.Type(), err)
		}
		out = append(out, raw)
	}
	return out
}

// Dialer hands out a fresh Stream per dial and records the dialed URLs
type Dialer struct {
	mu      sync.Mutex
	streams []*Stream
	urls    []string
}

// Dial satisfies the engine's dial hook
func (d *Dialer) Dial(_ context.Context, opts transport.Options) (transport.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := NewStream()
	d.streams = append(d.streams, s)
	d.urls = append(d.urls, opts.URL)
	return s, nil
}

// Last returns the most recently dialed stream
func (d *Dialer) Last() *Stream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streams[len(d.streams)-1]
}

// URLs returns every dialed URL in order
func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Count returns how many streams were dialed
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}
