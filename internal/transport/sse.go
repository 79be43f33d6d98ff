package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-contrib/sse"
)

// sseSource reads one event block at a time from a text/event-stream body
type sseSource struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func openSSE(ctx context.Context, client *http.Client, url string, headers map[string]string, lastID string) (*sseSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if lastID != "" {
		req.Header.Set("Last-Event-ID", lastID)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	return &sseSource{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// Next returns the data of the next event that carries any
func (s *sseSource) Next() ([]byte, string, error) {
	for {
		block, err := readBlock(s.reader)
		if err != nil {
			return nil, "", err
		}

		events, err := sse.Decode(bytes.NewReader(block))
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode event block: %w", err)
		}
		for _, ev := range events {
			data, _ := ev.Data.(string)
			if strings.TrimSpace(data) == "" {
				continue
			}
			return []byte(data), ev.Id, nil
		}
	}
}

func (s *sseSource) Close() error {
	return s.body.Close()
}

// readBlock reads lines up to and including the blank line that terminates
// an event. CRLF endings are folded to LF. A trailing block without its
// blank line is returned terminated when the body ends.
func readBlock(r *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			if line == "" {
				if buf.Len() > 0 {
					buf.WriteByte('\n')
					return buf.Bytes(), nil
				}
			} else {
				buf.WriteString(line)
				buf.WriteByte('\n')
			}
		}
		if err != nil {
			if err == io.EOF && buf.Len() > 0 {
				buf.WriteByte('\n')
				return buf.Bytes(), nil
			}
			return nil, err
		}
	}
}
