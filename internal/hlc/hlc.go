// Package hlc implements a hybrid logical clock. The gateway uses it to mint
// receipt ordering keys that stay monotonic across wall-clock regressions
// (NTP steps on edge boxes are common) and collision-resistant across
// adapter replicas.
package hlc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timestamp is one HLC reading. WallMillis dominates the ordering; Logical
// breaks ties when the wall clock stalls or steps backwards; Node breaks
// ties between replicas issuing at the same instant.
type Timestamp struct {
	WallMillis int64
	Logical    uint16
	Node       string
}

// String renders a fixed-width, lexically sortable key. Sorting these
// strings is equivalent to sorting (WallMillis, Logical, Node).
func (t Timestamp) String() string {
	return fmt.Sprintf("%013d-%05d-%s", t.WallMillis, t.Logical, t.Node)
}

// Compare orders two timestamps. Returns -1, 0 or 1.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.WallMillis < other.WallMillis:
		return -1
	case t.WallMillis > other.WallMillis:
		return 1
	case t.Logical < other.Logical:
		return -1
	case t.Logical > other.Logical:
		return 1
	}
	return strings.Compare(t.Node, other.Node)
}

// Clock issues monotonically increasing timestamps. Safe for concurrent use.
type Clock struct {
	mu      sync.Mutex
	node    string
	nowFn   func() time.Time
	lastMs  int64
	logical uint16
}

// Option configures a Clock.
type Option func(*Clock)

// WithNode pins the node identity instead of deriving one.
func WithNode(node string) Option {
	return func(c *Clock) { c.node = node }
}

// WithNowFunc overrides the wall-clock source, for tests.
func WithNowFunc(fn func() time.Time) Option {
	return func(c *Clock) { c.nowFn = fn }
}

// New creates a Clock. By default the node identity is a short UUID fragment
// so two replicas started in the same millisecond still produce distinct
// keys.
func New(opts ...Option) *Clock {
	c := &Clock{nowFn: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	if c.node == "" {
		c.node = uuid.NewString()[:8]
	}
	return c
}

// Now returns the next timestamp. If the wall clock did not advance past the
// previous reading (stall or regression), the logical counter increments and
// the wall component is held, preserving total order.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.nowFn().UnixMilli()
	if wall > c.lastMs {
		c.lastMs = wall
		c.logical = 0
	} else {
		c.logical++
		if c.logical == 0 {
			// Counter wrapped inside one stalled millisecond; borrow the
			// next millisecond to keep the order total.
			c.lastMs++
		}
	}
	return Timestamp{WallMillis: c.lastMs, Logical: c.logical, Node: c.node}
}

// Node returns the clock's node identity.
func (c *Clock) Node() string {
	return c.node
}
