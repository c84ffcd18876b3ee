// Package lock provides the cross-instance mutual exclusion used by the
// sync engine so multiple gateway replicas never sweep the same backlog
// concurrently. The lock is advisory for Phase 2 only; receipt creation
// never touches it.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLockUnavailable indicates the lock backend itself cannot be reached.
// Callers degrade gracefully: proceed without cross-instance exclusion
// rather than halting fiscalization.
var ErrLockUnavailable = errors.New("lock: backend unavailable")

// Lease is a held lock. The backend expires it after its TTL even if the
// holder crashes.
type Lease struct {
	Name  string
	Token string // fencing token; release is a no-op if it no longer matches
}

// Locker is the cross-instance mutual exclusion contract.
//
// TryAcquire is non-blocking: (nil, nil) means another holder has the lock
// and the caller should skip this cycle. Release is best-effort; an expired
// lease releases itself.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, lease *Lease) error
}

// Nop is a Locker for single-instance deployments: every acquisition
// succeeds locally and release does nothing.
type Nop struct{}

func (Nop) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	return &Lease{Name: name, Token: "local"}, nil
}

func (Nop) Release(ctx context.Context, lease *Lease) error {
	return nil
}
