// Package ofd is the HTTP client boundary to the fiscal data operator. The
// gateway only ever needs two operations: submit a fiscal document and ping
// the endpoint for the heartbeat.
package ofd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// ErrReject is returned when the OFD refuses or fails to accept a document.
// Retryable up to the sweep's retry ceiling.
var ErrReject = errors.New("ofd: submission rejected")

// Config carries the endpoint settings.
type Config struct {
	BaseURL string
	Token   string // bearer token, optional
	Timeout time.Duration
}

// Client talks to the OFD over HTTP with a bounded per-request timeout.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. A zero timeout defaults to 10s.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// submission is the wire format for a document hand-off.
type submission struct {
	ReceiptID types.ReceiptID `json:"receipt_id"`
	HLC       string          `json:"hlc"`
	Payload   json.RawMessage `json:"payload"`
	FiscalDoc json.RawMessage `json:"fiscal_doc,omitempty"`
}

// Submit forwards one receipt. The OFD deduplicates by receipt id, carried
// both in the body and the Idempotency-Key header; a 409 response means the
// document was already accepted and is treated as success.
func (c *Client) Submit(ctx context.Context, receipt types.Receipt) error {
	body, err := json.Marshal(submission{
		ReceiptID: receipt.ID,
		HLC:       receipt.HLC,
		Payload:   receipt.Payload,
		FiscalDoc: receipt.FiscalDoc,
	})
	if err != nil {
		return fmt.Errorf("ofd: marshal submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/documents", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("ofd: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", string(receipt.ID))
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrReject, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		// Duplicate accept: the OFD already holds this document.
		return nil
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrReject, resp.StatusCode, detail)
	}
}

// Ping probes the OFD health endpoint. Used by the heartbeat monitor; the
// caller bounds the timeout through ctx.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("ofd: build ping: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ofd: health status %d", resp.StatusCode)
	}
	return nil
}
