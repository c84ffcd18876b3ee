// Package ledger is the durable buffer between the point of sale and the
// OFD: an in-memory receipt state machine backed by a write-ahead log and
// periodic checkpoints. It is the single source of truth for what has and
// has not reached the OFD.
//
// Write discipline: every transition appends exactly one WAL event, fsynced
// before the in-memory maps change. Recovery = load checkpoint, replay WAL,
// and the buffer is back to its pre-crash state.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fiscaledge/ofd-gateway/internal/hlc"
	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// Config carries ledger tunables.
type Config struct {
	WALPath      string
	SnapshotPath string
	Capacity     int // maximum non-terminal rows admitted
}

// Ledger owns receipt and dead-letter durability. All exported methods are
// safe for concurrent use; within one process the internal mutex serializes
// API-handler creates against sync-engine status updates.
type Ledger struct {
	mu          sync.RWMutex
	wal         *WAL
	snapshots   *snapshotStore
	clock       *hlc.Clock
	capacity    int
	receipts    map[types.ReceiptID]*types.Receipt
	order       []types.ReceiptID // non-terminal rows, ascending HLC key
	deadLetters []types.DeadLetterEntry
	closed      bool
}

// Open recovers ledger state from the checkpoint and WAL at the configured
// paths and returns a ready instance.
func Open(cfg Config, clock *hlc.Clock) (*Ledger, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("ledger: capacity must be positive, got %d", cfg.Capacity)
	}

	wal, err := OpenWAL(cfg.WALPath)
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		wal:       wal,
		snapshots: newSnapshotStore(cfg.SnapshotPath),
		clock:     clock,
		capacity:  cfg.Capacity,
		receipts:  make(map[types.ReceiptID]*types.Receipt),
	}

	if err := l.recover(); err != nil {
		wal.Close()
		return nil, err
	}
	return l, nil
}

// recover loads the last checkpoint, replays WAL events on top of it, and
// rebuilds the pending order index.
func (l *Ledger) recover() error {
	data, err := l.snapshots.Load()
	if err != nil {
		return err
	}
	l.receipts = data.Receipts
	l.deadLetters = data.DeadLetters

	if err := l.wal.Replay(l.applyEvent); err != nil {
		return err
	}

	l.rebuildOrder()
	return nil
}

// applyEvent replays one WAL event onto in-memory state. Replay must be
// idempotent: the checkpoint may already contain the effect of early events
// in the log.
func (l *Ledger) applyEvent(event Event) error {
	switch event.Type {
	case EventCreate:
		if _, exists := l.receipts[event.ReceiptID]; exists {
			return nil
		}
		if event.Receipt == nil {
			return fmt.Errorf("%w: CREATE without receipt body", ErrCorruptedWAL)
		}
		r := *event.Receipt
		l.receipts[event.ReceiptID] = &r

	case EventPrinted:
		if r, ok := l.receipts[event.ReceiptID]; ok {
			r.FiscalDoc = event.FiscalDoc
		}

	case EventSynced:
		if r, ok := l.receipts[event.ReceiptID]; ok && r.Status != types.StatusSynced {
			r.Status = types.StatusSynced
			syncedAt := event.Timestamp
			r.SyncedAt = &syncedAt
		}

	case EventRetry:
		// The event carries the absolute count, so replaying it over a
		// checkpoint that already contains its effect changes nothing.
		if r, ok := l.receipts[event.ReceiptID]; ok && !r.Status.Terminal() {
			r.RetryCount = event.RetryCount
			r.Status = types.StatusFailed
		}

	case EventDead:
		if r, ok := l.receipts[event.ReceiptID]; ok && r.Status != types.StatusDeadLetter {
			r.Status = types.StatusDeadLetter
			l.deadLetters = append(l.deadLetters, types.DeadLetterEntry{
				ReceiptID: event.ReceiptID,
				Reason:    event.Reason,
				Attempts:  r.RetryCount,
				CreatedAt: event.Timestamp,
			})
		}

	default:
		return fmt.Errorf("%w: unknown event type %q", ErrCorruptedWAL, event.Type)
	}
	return nil
}

func (l *Ledger) rebuildOrder() {
	l.order = l.order[:0]
	for id, r := range l.receipts {
		if !r.Status.Terminal() {
			l.order = append(l.order, id)
		}
	}
	sort.Slice(l.order, func(i, j int) bool {
		return l.receipts[l.order[i]].HLC < l.receipts[l.order[j]].HLC
	})
}

// Create admits a new receipt with status pending. Returns the existing row
// wrapped in ErrDuplicateReceipt for a repeated idempotency key, and
// ErrCapacityExceeded once non-terminal rows reach capacity.
func (l *Ledger) Create(id types.ReceiptID, payload json.RawMessage) (types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return types.Receipt{}, ErrClosed
	}
	if existing, ok := l.receipts[id]; ok {
		return *existing, ErrDuplicateReceipt
	}
	if len(l.order) >= l.capacity {
		return types.Receipt{}, ErrCapacityExceeded
	}

	receipt := types.Receipt{
		ID:        id,
		HLC:       l.clock.Now().String(),
		Payload:   payload,
		Status:    types.StatusPending,
		CreatedAt: time.Now().UnixMilli(),
	}

	err := l.wal.Append(EventCreate, id, func(e *Event) {
		r := receipt
		e.Receipt = &r
	})
	if err != nil {
		return types.Receipt{}, err
	}

	r := receipt
	l.receipts[id] = &r
	l.order = append(l.order, id) // HLC is monotonic, append keeps order
	return receipt, nil
}

// MarkPrinted records the signed fiscal document produced by the local
// printer. Legal while the receipt is non-terminal.
func (l *Ledger) MarkPrinted(id types.ReceiptID, fiscalDoc json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receipts[id]
	if !ok {
		return ErrReceiptNotFound
	}
	if r.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, r.Status)
	}

	err := l.wal.Append(EventPrinted, id, func(e *Event) {
		e.FiscalDoc = fiscalDoc
	})
	if err != nil {
		return err
	}

	r.FiscalDoc = fiscalDoc
	return nil
}

// ListPending returns up to limit un-synced receipts in HLC (creation)
// order. Returned values are copies.
func (l *Ledger) ListPending(limit int) []types.Receipt {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Receipt, 0, min(limit, len(l.order)))
	for _, id := range l.order {
		if len(out) >= limit {
			break
		}
		out = append(out, *l.receipts[id])
	}
	return out
}

// MarkSynced records a confirmed OFD accept. Calling it twice for the same
// receipt is a no-op: the OFD deduplicates by receipt id, so a duplicate
// accept is success.
func (l *Ledger) MarkSynced(id types.ReceiptID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receipts[id]
	if !ok {
		return ErrReceiptNotFound
	}
	if r.Status == types.StatusSynced {
		return nil
	}
	if r.Status == types.StatusDeadLetter {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, r.Status)
	}

	if err := l.wal.Append(EventSynced, id, nil); err != nil {
		return err
	}

	r.Status = types.StatusSynced
	syncedAt := time.Now().UnixMilli()
	r.SyncedAt = &syncedAt
	l.removeFromOrder(id)
	return nil
}

// IncrementRetry bumps the retry counter after a failed sync attempt and
// returns the new count. The row flips to the transient failed status but
// stays eligible for the next sweep.
func (l *Ledger) IncrementRetry(id types.ReceiptID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receipts[id]
	if !ok {
		return 0, ErrReceiptNotFound
	}
	if r.Status.Terminal() {
		return r.RetryCount, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, r.Status)
	}

	newCount := r.RetryCount + 1
	err := l.wal.Append(EventRetry, id, func(e *Event) {
		e.RetryCount = newCount
	})
	if err != nil {
		return r.RetryCount, err
	}

	r.RetryCount = newCount
	r.Status = types.StatusFailed
	return r.RetryCount, nil
}

// MoveToDeadLetter demotes a receipt that exhausted its retry budget. The
// row leaves the sweep set and an entry lands in the dead-letter table for
// operator resolution.
func (l *Ledger) MoveToDeadLetter(id types.ReceiptID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.receipts[id]
	if !ok {
		return ErrReceiptNotFound
	}
	if r.Status == types.StatusDeadLetter {
		return nil
	}
	if r.Status == types.StatusSynced {
		return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, r.Status)
	}

	err := l.wal.Append(EventDead, id, func(e *Event) {
		e.Reason = reason
	})
	if err != nil {
		return err
	}

	r.Status = types.StatusDeadLetter
	l.removeFromOrder(id)
	l.deadLetters = append(l.deadLetters, types.DeadLetterEntry{
		ReceiptID: id,
		Reason:    reason,
		Attempts:  r.RetryCount,
		CreatedAt: time.Now().UnixMilli(),
	})
	return nil
}

// Get returns a copy of the receipt.
func (l *Ledger) Get(id types.ReceiptID) (types.Receipt, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	r, ok := l.receipts[id]
	if !ok {
		return types.Receipt{}, ErrReceiptNotFound
	}
	return *r, nil
}

// Snapshot derives the current buffer occupancy view.
func (l *Ledger) Snapshot() types.BufferSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()

	snap := types.BufferSnapshot{
		Capacity:    l.capacity,
		DeadLetters: len(l.deadLetters),
	}
	for _, r := range l.receipts {
		switch r.Status {
		case types.StatusPending:
			snap.Pending++
		case types.StatusFailed:
			snap.Failed++
		case types.StatusSynced:
			snap.Synced++
		}
		if !r.Status.Terminal() && r.FiscalDoc == nil {
			snap.Unprinted++
		}
	}
	snap.PercentFull = float64(snap.Buffered()) / float64(l.capacity) * 100
	return snap
}

// DeadLetters returns a copy of the dead-letter table.
func (l *Ledger) DeadLetters() []types.DeadLetterEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.DeadLetterEntry, len(l.deadLetters))
	copy(out, l.deadLetters)
	return out
}

// Checkpoint writes the full state to the snapshot file and rotates the
// WAL. Transitions are blocked for the duration; both operations are local
// file writes.
func (l *Ledger) Checkpoint() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	data := snapshotData{
		Receipts:    make(map[types.ReceiptID]*types.Receipt, len(l.receipts)),
		DeadLetters: append([]types.DeadLetterEntry(nil), l.deadLetters...),
		LastSeq:     l.wal.LastSeq(),
	}
	for id, r := range l.receipts {
		copied := *r
		data.Receipts[id] = &copied
	}

	if err := l.snapshots.Write(data); err != nil {
		return err
	}
	return l.wal.Rotate()
}

// Close checkpoints final state and closes the WAL.
func (l *Ledger) Close() error {
	if err := l.Checkpoint(); err != nil && err != ErrClosed {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.wal.Close()
}

func (l *Ledger) removeFromOrder(id types.ReceiptID) {
	for i, candidate := range l.order {
		if candidate == id {
			l.order = append(l.order[:i], l.order[i+1:]...)
			return
		}
	}
}
