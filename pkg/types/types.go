// Package types defines the domain model shared across the fiscal gateway:
// receipts, their lifecycle states, and the derived health snapshots exposed
// to the dashboard.
package types

import (
	"encoding/json"
	"time"
)

// ReceiptID is the caller-supplied idempotency key of a fiscal transaction.
type ReceiptID string

// ReceiptStatus tracks where a receipt sits in the two-phase protocol.
type ReceiptStatus string

const (
	// StatusPending: committed locally, not yet confirmed by the OFD.
	StatusPending ReceiptStatus = "pending"
	// StatusSynced: confirmed accepted by the OFD. Terminal.
	StatusSynced ReceiptStatus = "synced"
	// StatusFailed: last sync attempt failed; still eligible for the next
	// sweep. Never terminal.
	StatusFailed ReceiptStatus = "failed"
	// StatusDeadLetter: retry budget exhausted, operator intervention
	// required.
	StatusDeadLetter ReceiptStatus = "dead_letter"
)

// Terminal reports whether the status is excluded from buffer capacity
// accounting and sync sweeps.
func (s ReceiptStatus) Terminal() bool {
	return s == StatusSynced || s == StatusDeadLetter
}

// Receipt is one fiscal transaction in the local ledger.
type Receipt struct {
	ID         ReceiptID       `json:"id"`
	HLC        string          `json:"hlc"` // sortable hybrid-logical-clock key
	Payload    json.RawMessage `json:"payload"`
	FiscalDoc  json.RawMessage `json:"fiscal_doc,omitempty"` // set once the printer succeeds
	Status     ReceiptStatus   `json:"status"`
	RetryCount int             `json:"retry_count"`
	CreatedAt  int64           `json:"created_at"` // unix milliseconds
	SyncedAt   *int64          `json:"synced_at,omitempty"`
}

// DeadLetterEntry records a receipt that exhausted its retry budget.
type DeadLetterEntry struct {
	ReceiptID ReceiptID `json:"receipt_id"`
	Reason    string    `json:"reason"`
	Attempts  int       `json:"attempts"`
	CreatedAt int64     `json:"created_at"` // unix milliseconds
}

// BufferSnapshot is the derived, non-persisted view of the ledger used for
// admission control and health reporting.
type BufferSnapshot struct {
	Capacity    int     `json:"capacity"`
	Pending     int     `json:"pending"`
	Failed      int     `json:"failed"`
	Synced      int     `json:"synced"`
	DeadLetters int     `json:"dead_letter_count"`
	Unprinted   int     `json:"unprinted"` // buffered rows with no fiscal doc
	PercentFull float64 `json:"percent_full"`
}

// Buffered returns the number of non-terminal rows counted against capacity.
func (b BufferSnapshot) Buffered() int {
	return b.Pending + b.Failed
}

// BreakerState is the circuit breaker lifecycle state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// HeartbeatState is the connectivity verdict of the heartbeat monitor.
type HeartbeatState string

const (
	HeartbeatUnknown HeartbeatState = "unknown"
	HeartbeatOnline  HeartbeatState = "online"
	HeartbeatOffline HeartbeatState = "offline"
)

// HealthSnapshot is the consolidated view served to the dashboard: buffer
// occupancy plus the volatile connectivity state of the outbound path.
type HealthSnapshot struct {
	Buffer        BufferSnapshot `json:"buffer"`
	Breaker       BreakerState   `json:"circuit_breaker_state"`
	Heartbeat     HeartbeatState `json:"heartbeat_state"`
	LastProbeTime *time.Time     `json:"last_probe_time,omitempty"`
}
