package refund

import (
	"context"
	"errors"
	"testing"

	"github.com/fiscaledge/ofd-gateway/internal/ledger"
	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

type fakeLedger struct {
	receipts map[types.ReceiptID]types.Receipt
	err      error
}

func (f *fakeLedger) Get(id types.ReceiptID) (types.Receipt, error) {
	if f.err != nil {
		return types.Receipt{}, f.err
	}
	r, ok := f.receipts[id]
	if !ok {
		return types.Receipt{}, ledger.ErrReceiptNotFound
	}
	return r, nil
}

func ledgerWith(status types.ReceiptStatus) *fakeLedger {
	return &fakeLedger{receipts: map[types.ReceiptID]types.Receipt{
		"sale-1": {ID: "sale-1", Status: status},
	}}
}

func TestCheckByStatus(t *testing.T) {
	tests := []struct {
		name        string
		status      types.ReceiptStatus
		wantAllowed bool
	}{
		{"synced original allows refund", types.StatusSynced, true},
		{"pending original blocks refund", types.StatusPending, false},
		{"failed original blocks refund", types.StatusFailed, false},
		{"dead-lettered original blocks refund", types.StatusDeadLetter, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(ledgerWith(tt.status), PolicyBlock, nil)
			d := g.Check(context.Background(), "sale-1")
			if d.Allowed != tt.wantAllowed {
				t.Errorf("allowed: got %v, want %v (reason: %s)", d.Allowed, tt.wantAllowed, d.Reason)
			}
			if d.SyncStatus != tt.status {
				t.Errorf("sync status: got %s, want %s", d.SyncStatus, tt.status)
			}
			if !tt.wantAllowed && d.Reason == "" {
				t.Error("blocked decisions must carry a reason")
			}
		})
	}
}

func TestCheckUnknownReceiptAllows(t *testing.T) {
	g := New(&fakeLedger{receipts: map[types.ReceiptID]types.Receipt{}}, PolicyBlock, nil)
	d := g.Check(context.Background(), "never-seen")
	if !d.Allowed {
		t.Fatalf("unknown receipt should be allowed: %s", d.Reason)
	}
}

func TestCheckLookupErrorPolicy(t *testing.T) {
	broken := &fakeLedger{err: errors.New("disk error")}

	tests := []struct {
		name        string
		policy      LookupErrorPolicy
		wantAllowed bool
	}{
		{"fail-closed blocks", PolicyBlock, false},
		{"fail-open allows", PolicyAllow, true},
		{"empty policy defaults to block", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(broken, tt.policy, nil)
			d := g.Check(context.Background(), "sale-1")
			if d.Allowed != tt.wantAllowed {
				t.Errorf("got %v, want %v", d.Allowed, tt.wantAllowed)
			}
		})
	}
}

func TestCheckCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	g := New(ledgerWith(types.StatusSynced), PolicyBlock, nil)
	d := g.Check(ctx, "sale-1")
	if d.Allowed {
		t.Fatal("fail-closed gate must block on a dead context")
	}
}
