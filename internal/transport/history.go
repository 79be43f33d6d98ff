package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/HyphaGroup/tether/internal/normalize"
)

// maxHistoryBytes caps a bulk history response
const maxHistoryBytes = 64 << 20

// FetchHistory retrieves a thread's frames in bulk. The body is a JSON array
// of frames or one frame per line.
func FetchHistory(ctx context.Context, client *http.Client, url string, headers map[string]string) ([][]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHistoryBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return normalize.SplitHistory(body)
}
