// Package printer is the boundary to the local fiscal printer. The device
// is a black box: it either returns a signed fiscal document or fails, and
// the gateway never retries it on its own.
package printer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrTimeout is returned when the printer does not answer within its
// bounded window. Recoverable: the receipt stays pending without a fiscal
// document and the sale completes.
var ErrTimeout = errors.New("printer: call timed out")

// Driver produces a signed fiscal document for a transaction payload.
type Driver interface {
	Print(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPDriver drives a network fiscal printer (or a fiscalization daemon
// fronting a USB device) over HTTP.
type HTTPDriver struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// NewHTTPDriver creates a driver with a bounded per-print timeout. A zero
// timeout defaults to 5s.
func NewHTTPDriver(baseURL string, timeout time.Duration) *HTTPDriver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDriver{
		baseURL: baseURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

// Print submits the payload and returns the signed fiscal document.
// Deadline overruns map to ErrTimeout so Phase 1 can classify them as
// recoverable.
func (d *HTTPDriver) Print(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/print", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("printer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("printer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("printer: status %d: %s", resp.StatusCode, detail)
	}

	doc, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("printer: read fiscal document: %w", err)
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("printer: fiscal document is not valid JSON")
	}
	return doc, nil
}
