// Package normalize maps raw transport frames onto the canonical event model.
//
// normalize.go - Shape detection and dispatch
//
// This file contains:
// - Frame, which classifies one frame and converts it
// - Batch, for bulk history replay
// - SplitHistory, which splits a JSON array or JSONL body into frames
//
// Two wire shapes are understood: the agent-to-agent (A2A) shape of
// message/status-update/artifact objects, optionally wrapped in a JSON-RPC
// response, and the native flat {"type": ...} event shape.
//
// Normalization is a pure function of the frame bytes. Ids missing from the
// wire are derived with a name-based UUID over the frame, never from a clock
// or random source, so a history fetched in bulk replays to exactly the
// output the live stream produced.

package normalize

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/HyphaGroup/tether/internal/protocol"
)

// Shape names the wire shape a frame was recognized as
type Shape string

const (
	ShapeNative      Shape = "native"
	ShapeA2AMessage  Shape = "a2a_message"
	ShapeA2AStatus   Shape = "a2a_status"
	ShapeA2AArtifact Shape = "a2a_artifact"
	ShapeRPCError    Shape = "rpc_error"
)

var (
	ErrUnrecognizedFrame = errors.New("unrecognized frame")
	ErrNestingTooDeep    = errors.New("json-rpc nesting too deep")
)

// maxRPCDepth bounds recursive JSON-RPC unwrapping
const maxRPCDepth = 4

// idNamespace seeds derived ids
var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://tether.hypha.group/normalize"))

// Output is the result of normalizing one frame: zero or more events, or a
// single already-assembled aggregate
type Output struct {
	Shape     Shape
	Events    []protocol.Event
	Aggregate protocol.Aggregate
}

// Empty reports whether the frame produced nothing to apply
func (o Output) Empty() bool {
	return len(o.Events) == 0 && o.Aggregate == nil
}

type probe struct {
	JSONRPC    string          `json:"jsonrpc"`
	Result     json.RawMessage `json:"result"`
	Error      *rpcError       `json:"error"`
	Kind       string          `json:"kind"`
	ArtifactID string          `json:"artifactId"`
	Parts      json.RawMessage `json:"parts"`
	Type       json.RawMessage `json:"type"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Frame normalizes one raw frame
func Frame(raw []byte) (Output, error) {
	return frame(raw, 0)
}

func frame(raw []byte, depth int) (Output, error) {
	if depth > maxRPCDepth {
		return Output{}, ErrNestingTooDeep
	}

	var p probe
	if err := json.Unmarshal(raw, &p); err != nil {
		return Output{}, fmt.Errorf("%w: %v", ErrUnrecognizedFrame, err)
	}

	if p.JSONRPC != "" {
		if p.Error != nil {
			return Output{
				Shape: ShapeRPCError,
				Events: []protocol.Event{protocol.RunError{
					Message: p.Error.Message,
					Code:    strconv.Itoa(p.Error.Code),
				}},
			}, nil
		}
		if len(p.Result) > 0 {
			return frame(p.Result, depth+1)
		}
		return Output{}, fmt.Errorf("%w: json-rpc frame without result", ErrUnrecognizedFrame)
	}

	switch p.Kind {
	case "message":
		return fromMessage(raw)
	case "status-update":
		return fromStatusUpdate(raw)
	case "artifact-update":
		return fromArtifact(raw)
	}

	if p.ArtifactID != "" && len(p.Parts) > 0 {
		return fromArtifact(raw)
	}

	if isJSONString(p.Type) {
		ev, err := protocol.Decode(raw)
		if err != nil {
			return Output{}, err
		}
		return Output{Shape: ShapeNative, Events: []protocol.Event{ev}}, nil
	}

	return Output{}, ErrUnrecognizedFrame
}

// Batch normalizes a bulk history in order. Frames that cannot be normalized
// are skipped; the number skipped is returned.
func Batch(frames [][]byte) ([]Output, int) {
	outputs := make([]Output, 0, len(frames))
	skipped := 0
	for _, f := range frames {
		out, err := Frame(f)
		if err != nil {
			skipped++
			continue
		}
		outputs = append(outputs, out)
	}
	return outputs, skipped
}

// SplitHistory splits a history body into frames. A body starting with '['
// is a JSON array of frames; anything else is read as JSON lines.
func SplitHistory(body []byte) ([][]byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to parse history array: %w", err)
		}
		frames := make([][]byte, len(items))
		for i, item := range items {
			frames[i] = item
		}
		return frames, nil
	}

	var frames [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		frames = append(frames, []byte(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history lines: %w", err)
	}
	return frames, nil
}

func isJSONString(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) >= 2 && t[0] == '"'
}

// deriveID returns a stable id for a frame that carries none
func deriveID(raw []byte, salt string) string {
	name := make([]byte, 0, len(salt)+1+len(raw))
	name = append(name, salt...)
	name = append(name, ':')
	name = append(name, raw...)
	return uuid.NewSHA1(idNamespace, name).String()
}
