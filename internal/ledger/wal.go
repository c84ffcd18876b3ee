package ledger

// Write-ahead log for receipt state transitions. Every transition is one
// appended event, fsynced before the in-memory state mutates, so a crash
// between two ledger writes never leaves a receipt half-written: replay
// either sees the whole event or nothing.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// EventType enumerates receipt transitions recorded in the WAL.
type EventType string

const (
	EventCreate  EventType = "CREATE"  // receipt admitted into the buffer
	EventPrinted EventType = "PRINTED" // local fiscal printer produced a document
	EventSynced  EventType = "SYNCED"  // OFD confirmed acceptance
	EventRetry   EventType = "RETRY"   // sync attempt failed, retry count bumped
	EventDead    EventType = "DEAD"    // retry budget exhausted
)

// Event is one WAL record. CREATE carries the full receipt so the log alone
// can rebuild state; PRINTED carries the fiscal document; RETRY carries the
// absolute retry count so replaying it over a checkpoint that already holds
// its effect is idempotent; DEAD carries the operator-facing reason.
type Event struct {
	Seq        uint64          `json:"seq"`
	Type       EventType       `json:"type"`
	ReceiptID  types.ReceiptID `json:"receipt_id"`
	Receipt    *types.Receipt  `json:"receipt,omitempty"`
	FiscalDoc  json.RawMessage `json:"fiscal_doc,omitempty"`
	RetryCount int             `json:"retry_count,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	Checksum   uint32          `json:"checksum"`
}

// EventHandler applies one replayed event to ledger state.
type EventHandler func(event Event) error

// WAL is an append-only JSON event log with per-commit fsync.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
}

// OpenWAL opens or creates the log at path. If the file already holds
// events, the sequence counter resumes after the last valid record. A torn
// trailing record left by a crash mid-write is truncated away first; the log
// must end on a record boundary before anything is appended behind it,
// otherwise the garbage would shadow every later event on the next replay.
func OpenWAL(path string) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}

	w := &WAL{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
	}

	stat, err := file.Stat()
	if err == nil && stat.Size() > 0 {
		last, validEnd, torn, err := scanLog(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		if torn {
			if err := file.Truncate(validEnd); err != nil {
				file.Close()
				return nil, fmt.Errorf("truncate torn wal tail: %w", err)
			}
			if err := file.Sync(); err != nil {
				file.Close()
				return nil, fmt.Errorf("sync wal after truncation: %w", err)
			}
		}
		if last != nil {
			w.seq = last.Seq
		}
	}
	return w, nil
}

// Append writes one event and syncs it to disk before returning. The ledger
// must not mutate in-memory state until Append succeeds.
func (w *WAL) Append(eventType EventType, receiptID types.ReceiptID, mutate func(*Event)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		ReceiptID: receiptID,
		Timestamp: time.Now().UnixMilli(),
	}
	if mutate != nil {
		mutate(&event)
	}
	event.Checksum = checksum(event.Type, event.ReceiptID, event.Seq)

	if err := w.encoder.Encode(event); err != nil {
		return fmt.Errorf("append %s for %s: %w", eventType, receiptID, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	return nil
}

// Replay reads the log from the start, verifies each checksum and hands
// events to the handler in order. A torn trailing record (crash mid-write)
// stops replay without error; everything before it is intact.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("open wal for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			// A partially written final record is expected after a
			// crash; the event was never acknowledged.
			return nil
		}
		if !verifyChecksum(event) {
			return fmt.Errorf("%w: seq=%d", ErrChecksumMismatch, event.Seq)
		}
		if err := handler(event); err != nil {
			return fmt.Errorf("replay seq=%d: %w", event.Seq, err)
		}
	}
	return nil
}

// Rotate renames the current log aside and starts a fresh one. Called after
// a checkpoint has captured everything the old log held.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close wal for rotation: %w", err)
	}

	backup := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backup); err != nil {
		return fmt.Errorf("rotate wal: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("reopen wal: %w", err)
	}

	w.file = file
	w.encoder = json.NewEncoder(file)
	w.seq = 0
	return nil
}

// LastSeq returns the sequence number of the most recent event.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Close syncs and closes the log. The instance must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal on close: %w", err)
	}
	return w.file.Close()
}

// scanLog reads the file to the end, returning the last decodable record,
// the byte offset just past it, and whether undecodable bytes (a torn
// record) follow.
func scanLog(path string) (last *Event, validEnd int64, torn bool, err error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, false, fmt.Errorf("open wal: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var event Event
		if decodeErr := decoder.Decode(&event); decodeErr != nil {
			if errors.Is(decodeErr, io.EOF) {
				return last, validEnd, false, nil
			}
			return last, validEnd, true, nil
		}
		e := event
		last = &e
		validEnd = decoder.InputOffset()
	}
}
