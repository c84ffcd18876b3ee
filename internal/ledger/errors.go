package ledger

import "errors"

// Error taxonomy for ledger operations. Duplicate and capacity errors are
// admission verdicts surfaced to Phase 1 callers; the rest indicate misuse
// or corruption.
var (
	// ErrDuplicateReceipt: the idempotency key already exists. Benign; the
	// caller receives the existing row.
	ErrDuplicateReceipt = errors.New("ledger: receipt already exists")

	// ErrCapacityExceeded: the buffer holds capacity non-terminal rows and
	// must reject rather than silently drop.
	ErrCapacityExceeded = errors.New("ledger: buffer capacity exceeded")

	// ErrReceiptNotFound: the referenced receipt does not exist.
	ErrReceiptNotFound = errors.New("ledger: receipt not found")

	// ErrInvalidTransition: the requested state change is not legal from
	// the receipt's current status.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")

	// ErrCorruptedWAL: the transaction log cannot be parsed.
	ErrCorruptedWAL = errors.New("ledger: wal is corrupted")

	// ErrChecksumMismatch: a WAL event failed CRC verification.
	ErrChecksumMismatch = errors.New("ledger: wal checksum mismatch")

	// ErrCorruptedSnapshot: the checkpoint file cannot be parsed.
	ErrCorruptedSnapshot = errors.New("ledger: snapshot is corrupted")

	// ErrIncompatibleVersion: the checkpoint schema version is unsupported.
	ErrIncompatibleVersion = errors.New("ledger: snapshot schema version is incompatible")

	// ErrClosed: the ledger has been closed.
	ErrClosed = errors.New("ledger: already closed")
)
