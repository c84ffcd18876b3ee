// Package heartbeat runs the periodic liveness probe of the OFD path.
// Hysteresis keeps the verdict stable: it takes 2 consecutive successes to
// go online and 3 consecutive failures to go offline, so a single blip
// never flips the state.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// Prober answers a single liveness probe. The monitor bounds the timeout.
type Prober interface {
	Ping(ctx context.Context) error
}

// Config carries probe cadence and hysteresis thresholds. ProbeTimeout must
// be shorter than Interval so a stuck probe cannot stall the next one.
type Config struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	OnlineAfter  int // consecutive successes for UNKNOWN/OFFLINE -> ONLINE
	OfflineAfter int // consecutive failures for * -> OFFLINE
}

// DefaultConfig mirrors the gateway defaults: 30s interval, 5s probe
// timeout, 2 up / 3 down.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
		OnlineAfter:  2,
		OfflineAfter: 3,
	}
}

// Monitor owns the heartbeat state. Volatile: a fresh process starts
// UNKNOWN.
type Monitor struct {
	mu        sync.Mutex
	cfg       Config
	prober    Prober
	logger    *slog.Logger
	state     types.HeartbeatState
	successes int
	failures  int
	lastProbe time.Time
}

// New creates a Monitor in the UNKNOWN state.
func New(cfg Config, prober Prober, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		prober: prober,
		logger: logger,
		state:  types.HeartbeatUnknown,
	}
}

// Run probes on the configured interval until ctx is canceled. One probe
// fires immediately so the state settles shortly after startup.
func (m *Monitor) Run(ctx context.Context) {
	m.probe(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

// probe runs one bounded liveness check and applies the result.
func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.prober.Ping(probeCtx)
	cancel()

	m.Observe(err == nil)
}

// Observe feeds one probe outcome into the hysteresis state machine.
// Exported so tests and manual probes share the transition logic.
func (m *Monitor) Observe(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastProbe = time.Now()

	if success {
		m.successes++
		m.failures = 0
		if m.state != types.HeartbeatOnline && m.successes >= m.cfg.OnlineAfter {
			m.logger.Info("heartbeat transition", "from", m.state, "to", types.HeartbeatOnline)
			m.state = types.HeartbeatOnline
		}
		return
	}

	m.failures++
	m.successes = 0
	if m.state != types.HeartbeatOffline && m.failures >= m.cfg.OfflineAfter {
		m.logger.Warn("heartbeat transition", "from", m.state, "to", types.HeartbeatOffline)
		m.state = types.HeartbeatOffline
	}
}

// State returns the current verdict and the last probe time (zero if no
// probe has completed yet).
func (m *Monitor) State() (types.HeartbeatState, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastProbe
}

// Reset returns the monitor to UNKNOWN with cleared counters.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = types.HeartbeatUnknown
	m.successes = 0
	m.failures = 0
}
