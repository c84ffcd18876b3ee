package heartbeat

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

type scriptedProber struct {
	healthy atomic.Bool
}

func (p *scriptedProber) Ping(ctx context.Context) error {
	if p.healthy.Load() {
		return nil
	}
	return errors.New("no route to host")
}

func newTestMonitor() *Monitor {
	return New(DefaultConfig(), &scriptedProber{}, nil)
}

func TestStartsUnknown(t *testing.T) {
	m := newTestMonitor()
	state, lastProbe := m.State()
	if state != types.HeartbeatUnknown {
		t.Fatalf("got %s, want unknown", state)
	}
	if !lastProbe.IsZero() {
		t.Fatal("last probe time should be zero before any probe")
	}
}

func TestHysteresis(t *testing.T) {
	tests := []struct {
		name     string
		outcomes []bool // probe results in order
		want     types.HeartbeatState
	}{
		{"one success stays unknown", []bool{true}, types.HeartbeatUnknown},
		{"two successes go online", []bool{true, true}, types.HeartbeatOnline},
		{"two failures stay unknown", []bool{false, false}, types.HeartbeatUnknown},
		{"three failures go offline", []bool{false, false, false}, types.HeartbeatOffline},
		{"blip does not drop online", []bool{true, true, false, false}, types.HeartbeatOnline},
		{"sustained failures drop online", []bool{true, true, false, false, false}, types.HeartbeatOffline},
		{"failure resets success streak", []bool{true, false, true, true}, types.HeartbeatOnline},
		{"success resets failure streak", []bool{false, false, true, false, false}, types.HeartbeatUnknown},
		{"recovery from offline", []bool{false, false, false, true, true}, types.HeartbeatOnline},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor()
			for _, ok := range tt.outcomes {
				m.Observe(ok)
			}
			state, lastProbe := m.State()
			if state != tt.want {
				t.Errorf("got %s, want %s", state, tt.want)
			}
			if lastProbe.IsZero() {
				t.Error("last probe time should be set after an observation")
			}
		})
	}
}

func TestRunProbesImmediately(t *testing.T) {
	prober := &scriptedProber{}
	prober.healthy.Store(true)
	cfg := DefaultConfig()
	cfg.Interval = time.Hour // only the startup probe fires in this test
	m := New(cfg, prober, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for {
		if _, lastProbe := m.State(); !lastProbe.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("startup probe never fired")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestReset(t *testing.T) {
	m := newTestMonitor()
	m.Observe(true)
	m.Observe(true)

	m.Reset()
	state, _ := m.State()
	if state != types.HeartbeatUnknown {
		t.Fatalf("after reset: got %s, want unknown", state)
	}

	// A single success after reset must not flip online again.
	m.Observe(true)
	state, _ = m.State()
	if state != types.HeartbeatUnknown {
		t.Fatalf("counters must clear on reset: got %s", state)
	}
}
