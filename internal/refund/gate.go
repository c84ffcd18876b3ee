// Package refund gates compensating transactions on the sync state of the
// original sale. A refund issued before the original receipt is durably
// recorded at the OFD would leave an inconsistent fiscal trail, so the gate
// blocks until the original is synced.
package refund

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fiscaledge/ofd-gateway/internal/ledger"
	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// LookupErrorPolicy decides the verdict when the status lookup itself
// fails. Fail-closed is the compliance-safe default; fail-open favors UX
// and must be opted into explicitly.
type LookupErrorPolicy string

const (
	PolicyBlock LookupErrorPolicy = "block"
	PolicyAllow LookupErrorPolicy = "allow"
)

// Decision is the gate's verdict for one refund request.
type Decision struct {
	Allowed    bool                `json:"allowed"`
	SyncStatus types.ReceiptStatus `json:"sync_status,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// Ledger is the read-only slice of the ledger the gate consults.
type Ledger interface {
	Get(id types.ReceiptID) (types.Receipt, error)
}

// Gate consults the ledger before permitting a compensating transaction.
// It never mutates receipts.
type Gate struct {
	ledger Ledger
	policy LookupErrorPolicy
	logger *slog.Logger
}

// New creates a Gate. An empty policy defaults to fail-closed.
func New(l Ledger, policy LookupErrorPolicy, logger *slog.Logger) *Gate {
	if policy == "" {
		policy = PolicyBlock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: l, policy: policy, logger: logger}
}

// Check decides whether a refund of the given original receipt may proceed.
func (g *Gate) Check(ctx context.Context, originalID types.ReceiptID) Decision {
	if err := ctx.Err(); err != nil {
		return g.onLookupError(originalID, err)
	}

	receipt, err := g.ledger.Get(originalID)
	if err != nil {
		if errors.Is(err, ledger.ErrReceiptNotFound) {
			// Already purged or never fiscalized here; nothing to protect.
			return Decision{Allowed: true, Reason: "original not found in buffer"}
		}
		return g.onLookupError(originalID, err)
	}

	switch receipt.Status {
	case types.StatusSynced:
		return Decision{Allowed: true, SyncStatus: receipt.Status}

	case types.StatusPending, types.StatusFailed:
		return Decision{
			Allowed:    false,
			SyncStatus: receipt.Status,
			Reason:     "original sale not yet confirmed by the fiscal operator",
		}

	case types.StatusDeadLetter:
		// The original needs operator resolution before any compensating
		// transaction makes sense.
		return Decision{
			Allowed:    false,
			SyncStatus: receipt.Status,
			Reason:     "original sale is dead-lettered; escalate to an operator",
		}
	}

	return g.onLookupError(originalID, errors.New("unrecognized receipt status"))
}

// onLookupError applies the configured fail-open/fail-closed policy.
func (g *Gate) onLookupError(id types.ReceiptID, err error) Decision {
	g.logger.Error("refund gate lookup failed", "receipt_id", id, "policy", g.policy, "error", err)

	if g.policy == PolicyAllow {
		return Decision{Allowed: true, Reason: "status lookup failed; allowing per fail-open policy"}
	}
	return Decision{Allowed: false, Reason: "status lookup failed; blocking per fail-closed policy"}
}
