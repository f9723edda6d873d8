// Package pushhttp holds the JSON-over-HTTP plumbing shared by push providers.
package pushhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTimeout bounds a single provider round trip.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, bytes.TrimSpace(e.Body))
}

// NewClient returns an http.Client with the default timeout whose transport
// records an OpenTelemetry client span per request.
func NewClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// PostJSON marshals body, POSTs it to url and decodes a 2xx response into
// result (when non-nil). Non-2xx responses yield a *StatusError.
func PostJSON(ctx context.Context, client *http.Client, url string, header http.Header, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{StatusCode: resp.StatusCode, Body: respBody}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Chunk splits n items into [start, end) windows of at most size.
func Chunk(n, size int) [][2]int {
	var windows [][2]int
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		windows = append(windows, [2]int{i, end})
	}
	return windows
}
