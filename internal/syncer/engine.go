// Package syncer implements the two-phase fiscalization protocol.
//
// Phase 1 (CreateReceipt) commits the sale to the local ledger and drives
// the fiscal printer; it always answers the caller, whether or not the OFD
// is reachable. Phase 2 (Run) is the background sweep that forwards buffered
// receipts through the circuit breaker to the OFD, under the cross-instance
// sync lock, with exponential backoff between barren sweeps and dead-letter
// demotion once the retry budget runs out.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fiscaledge/ofd-gateway/internal/breaker"
	"github.com/fiscaledge/ofd-gateway/internal/ledger"
	"github.com/fiscaledge/ofd-gateway/internal/lock"
	"github.com/fiscaledge/ofd-gateway/internal/metrics"
	"github.com/fiscaledge/ofd-gateway/internal/printer"
	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// DeadLetterReason recorded when the retry ceiling is hit.
const reasonMaxRetries = "max_retries_exceeded"

// Submitter forwards one receipt to the OFD.
type Submitter interface {
	Submit(ctx context.Context, receipt types.Receipt) error
}

// Config carries the engine tunables.
type Config struct {
	BatchSize          int           // receipts pulled per sweep
	RetryCeiling       int           // failed attempts before dead-letter
	BaseInterval       time.Duration // sweep backoff base
	MaxInterval        time.Duration // sweep backoff ceiling
	LockName           string        // distributed lock key
	LockTTL            time.Duration // lock auto-expiry
	CheckpointInterval time.Duration // ledger checkpoint cadence
}

// DefaultConfig returns the standard gateway tunables.
func DefaultConfig() Config {
	return Config{
		BatchSize:          50,
		RetryCeiling:       20,
		BaseInterval:       time.Second,
		MaxInterval:        60 * time.Second,
		LockName:           "sync-sweep",
		LockTTL:            90 * time.Second,
		CheckpointInterval: 5 * time.Minute,
	}
}

// CreateStatus is the Phase 1 outcome surfaced to the business caller.
type CreateStatus string

const (
	// StatusPrinted: the local printer produced a fiscal document.
	StatusPrinted CreateStatus = "printed"
	// StatusBuffered: the sale is durably committed but the printer did not
	// answer; still a success for the point of sale.
	StatusBuffered CreateStatus = "buffered"
)

// CreateResult is the Phase 1 response.
type CreateResult struct {
	Status    CreateStatus
	Receipt   types.Receipt
	Duplicate bool // the idempotency key was already known
}

// SweepResult summarizes one Phase 2 cycle.
type SweepResult struct {
	Batch        int  `json:"batch"`
	Synced       int  `json:"synced"`
	Failed       int  `json:"failed"`
	DeadLettered int  `json:"dead_lettered"`
	Skipped      int  `json:"skipped"` // breaker open, no attempt made
	LockHeld     bool `json:"lock_held"`
	CycleSkipped bool `json:"cycle_skipped"` // another instance holds the lock
}

// Engine orchestrates both phases. Phase 1 is safe to call concurrently
// with the running sweep loop; sweeps themselves are serialized.
type Engine struct {
	cfg     Config
	ledger  *ledger.Ledger
	printer printer.Driver
	ofd     Submitter
	breaker *breaker.Breaker
	locker  lock.Locker
	metrics *metrics.Collector
	logger  *slog.Logger

	sweepMu  sync.Mutex // serializes background and manual sweeps
	failures int        // consecutive sweeps that synced nothing of a non-empty batch
	degraded bool       // lock backend unreachable, sweeping without exclusion
}

// New wires an Engine.
func New(cfg Config, led *ledger.Ledger, prn printer.Driver, ofd Submitter, brk *breaker.Breaker, locker lock.Locker, col *metrics.Collector, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.Nop{}
	}
	return &Engine{
		cfg:     cfg,
		ledger:  led,
		printer: prn,
		ofd:     ofd,
		breaker: brk,
		locker:  locker,
		metrics: col,
		logger:  logger,
	}
}

// CreateReceipt is Phase 1: commit-and-print. It never waits on the OFD,
// the sweep loop, or the distributed lock.
//
// Duplicate idempotency keys return the stored row with Duplicate=true.
// Capacity exhaustion surfaces ledger.ErrCapacityExceeded. A printer
// failure or timeout is absorbed: the receipt stays pending and the caller
// gets StatusBuffered.
func (e *Engine) CreateReceipt(ctx context.Context, id types.ReceiptID, payload json.RawMessage) (CreateResult, error) {
	receipt, err := e.ledger.Create(id, payload)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateReceipt) {
			status := StatusBuffered
			if receipt.FiscalDoc != nil {
				status = StatusPrinted
			}
			return CreateResult{Status: status, Receipt: receipt, Duplicate: true}, nil
		}
		return CreateResult{}, err
	}
	e.metrics.RecordCreated()

	doc, printErr := e.printer.Print(ctx, payload)
	if printErr != nil {
		e.logger.Warn("printer unavailable, receipt buffered without fiscal document",
			"receipt_id", id, "error", printErr)
		e.metrics.RecordBuffered()
		return CreateResult{Status: StatusBuffered, Receipt: receipt}, nil
	}

	if err := e.ledger.MarkPrinted(id, doc); err != nil {
		// The document exists but the PRINTED record did not commit; the
		// row stays pending and the caller retries through the same
		// idempotency key if it cares about the document.
		e.logger.Error("failed to record fiscal document", "receipt_id", id, "error", err)
		e.metrics.RecordBuffered()
		return CreateResult{Status: StatusBuffered, Receipt: receipt}, nil
	}

	receipt.FiscalDoc = doc
	e.metrics.RecordPrinted()
	return CreateResult{Status: StatusPrinted, Receipt: receipt}, nil
}

// Run is the Phase 2 loop. It sweeps, recomputes the backoff delay, and
// sleeps until the next cycle or cancellation. A checkpoint loop runs
// alongside. Returns when ctx is canceled and both loops have exited.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.checkpointLoop(ctx)
	}()

	e.logger.Info("sync engine started",
		"batch_size", e.cfg.BatchSize,
		"retry_ceiling", e.cfg.RetryCeiling)

	for {
		result := e.RunSweep(ctx)
		e.updateBackoff(result)

		select {
		case <-ctx.Done():
			e.logger.Info("sync loop stopped")
			wg.Wait()
			return
		case <-time.After(e.delay()):
		}
	}
}

// RunSweep performs one sweep cycle. Exported for the operator's manual
// trigger; concurrent calls are serialized with the background loop.
func (e *Engine) RunSweep(ctx context.Context) SweepResult {
	e.sweepMu.Lock()
	defer e.sweepMu.Unlock()

	var result SweepResult

	lease, err := e.locker.TryAcquire(ctx, e.cfg.LockName, e.cfg.LockTTL)
	switch {
	case err != nil:
		// Backend down: single-instance safety is preserved by sweepMu,
		// cross-instance exclusion is lost. Keep sweeping.
		if !e.degraded {
			e.logger.Warn("lock backend unavailable, sweeping without cross-instance exclusion", "error", err)
			e.degraded = true
		}
	case lease == nil:
		// Another instance is sweeping; skip this cycle entirely.
		e.logger.Debug("sync lock held elsewhere, skipping cycle", "lock", e.cfg.LockName)
		result.CycleSkipped = true
		return result
	default:
		if e.degraded {
			e.logger.Info("lock backend recovered")
			e.degraded = false
		}
		result.LockHeld = true
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.locker.Release(releaseCtx, lease); err != nil {
				e.logger.Warn("failed to release sync lock, lease will expire", "error", err)
			}
		}()
	}

	batch := e.ledger.ListPending(e.cfg.BatchSize)
	result.Batch = len(batch)

	for _, receipt := range batch {
		if ctx.Err() != nil {
			// Shutdown mid-batch: abandon the rest safely; nothing is
			// half-done because each receipt commits independently.
			break
		}
		e.syncOne(ctx, receipt, &result)
	}

	e.metrics.UpdateBuffer(e.ledger.Snapshot())
	e.metrics.UpdateBreaker(e.breaker.State())
	return result
}

// syncOne pushes a single receipt through the breaker to the OFD and
// records the outcome in the ledger.
func (e *Engine) syncOne(ctx context.Context, receipt types.Receipt, result *SweepResult) {
	// Rows already at the ceiling (e.g. recovered from the WAL) demote
	// without another attempt.
	if receipt.RetryCount >= e.cfg.RetryCeiling {
		e.deadLetter(receipt.ID)
		result.DeadLettered++
		return
	}

	start := time.Now()
	err := e.breaker.Call(func() error {
		return e.ofd.Submit(ctx, receipt)
	})

	switch {
	case err == nil:
		if err := e.ledger.MarkSynced(receipt.ID); err != nil {
			e.logger.Error("failed to mark receipt synced", "receipt_id", receipt.ID, "error", err)
			return
		}
		e.metrics.RecordSyncAttempt("success", time.Since(start).Seconds())
		e.metrics.RecordSynced()
		result.Synced++

	case errors.Is(err, breaker.ErrCircuitOpen):
		// Can't try is not tried-and-failed: no retry increment.
		e.metrics.RecordSyncAttempt("circuit_open", 0)
		result.Skipped++

	default:
		count, incErr := e.ledger.IncrementRetry(receipt.ID)
		if incErr != nil {
			e.logger.Error("failed to increment retry count", "receipt_id", receipt.ID, "error", incErr)
			return
		}
		e.metrics.RecordSyncAttempt("reject", time.Since(start).Seconds())
		result.Failed++
		e.logger.Debug("sync attempt failed", "receipt_id", receipt.ID, "retry_count", count, "error", err)

		// The ceiling transition happens on the failed attempt itself.
		if count >= e.cfg.RetryCeiling {
			e.deadLetter(receipt.ID)
			result.DeadLettered++
		}
	}
}

func (e *Engine) deadLetter(id types.ReceiptID) {
	if err := e.ledger.MoveToDeadLetter(id, reasonMaxRetries); err != nil {
		e.logger.Error("failed to dead-letter receipt", "receipt_id", id, "error", err)
		return
	}
	e.metrics.RecordDead()
	e.logger.Warn("receipt moved to dead letter, operator attention required",
		"receipt_id", id, "reason", reasonMaxRetries)
}

// updateBackoff maintains the consecutive-sweep-failure counter: a sweep
// that synced nothing of a non-empty batch counts against the backoff; any
// success resets it to the base interval.
func (e *Engine) updateBackoff(result SweepResult) {
	if result.CycleSkipped {
		return // another instance worked the backlog; not our failure
	}
	if result.Synced > 0 || result.Batch == 0 {
		e.failures = 0
		return
	}
	e.failures++
}

// delay computes min(base * 2^failures, max).
func (e *Engine) delay() time.Duration {
	d := e.cfg.BaseInterval
	for i := 0; i < e.failures; i++ {
		d *= 2
		if d >= e.cfg.MaxInterval {
			return e.cfg.MaxInterval
		}
	}
	return d
}

// checkpointLoop periodically compacts the ledger's WAL into a snapshot.
func (e *Engine) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("checkpoint loop stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := e.ledger.Checkpoint(); err != nil {
				e.logger.Error("checkpoint failed", "error", err)
				continue
			}
			e.logger.Info("checkpoint taken", "duration", time.Since(start))
		}
	}
}
