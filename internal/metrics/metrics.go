// Package metrics exposes the gateway's Prometheus instrumentation. The
// collector registers on its own registry so tests can create and discard
// instances freely.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// Collector holds every gateway metric.
type Collector struct {
	registry *prometheus.Registry

	receiptsCreated  prometheus.Counter
	receiptsPrinted  prometheus.Counter
	receiptsBuffered prometheus.Counter
	receiptsSynced   prometheus.Counter
	receiptsDead     prometheus.Counter

	syncAttempts *prometheus.CounterVec
	refundChecks *prometheus.CounterVec

	submitLatency prometheus.Histogram

	bufferPending     prometheus.Gauge
	bufferPercentFull prometheus.Gauge
	breakerState      prometheus.Gauge
	heartbeatState    prometheus.Gauge
}

// NewCollector creates and registers all gateway metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		receiptsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_receipts_created_total",
			Help: "Total receipts admitted into the local buffer",
		}),
		receiptsPrinted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_receipts_printed_total",
			Help: "Total receipts with a locally printed fiscal document",
		}),
		receiptsBuffered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_receipts_buffered_total",
			Help: "Total receipts returned as buffered after a printer failure",
		}),
		receiptsSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_receipts_synced_total",
			Help: "Total receipts confirmed by the OFD",
		}),
		receiptsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_receipts_dead_letter_total",
			Help: "Total receipts moved to the dead-letter table",
		}),
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_sync_attempts_total",
			Help: "OFD sync attempts by result",
		}, []string{"result"}), // success, reject, circuit_open
		refundChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_refund_checks_total",
			Help: "Refund gate decisions",
		}, []string{"decision"}), // allowed, blocked
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_ofd_submit_latency_seconds",
			Help:    "OFD submission latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		bufferPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_pending",
			Help: "Non-terminal receipts currently buffered",
		}),
		bufferPercentFull: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_percent_full",
			Help: "Buffer occupancy as a percentage of capacity",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}),
		heartbeatState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_heartbeat_state",
			Help: "Heartbeat state (0=unknown, 1=online, 2=offline)",
		}),
	}

	c.registry.MustRegister(
		c.receiptsCreated, c.receiptsPrinted, c.receiptsBuffered,
		c.receiptsSynced, c.receiptsDead,
		c.syncAttempts, c.refundChecks, c.submitLatency,
		c.bufferPending, c.bufferPercentFull, c.breakerState, c.heartbeatState,
	)
	return c
}

func (c *Collector) RecordCreated()  { c.receiptsCreated.Inc() }
func (c *Collector) RecordPrinted()  { c.receiptsPrinted.Inc() }
func (c *Collector) RecordBuffered() { c.receiptsBuffered.Inc() }
func (c *Collector) RecordSynced()   { c.receiptsSynced.Inc() }
func (c *Collector) RecordDead()     { c.receiptsDead.Inc() }

// RecordSyncAttempt counts one OFD attempt; result is one of success,
// reject, circuit_open.
func (c *Collector) RecordSyncAttempt(result string, latencySeconds float64) {
	c.syncAttempts.WithLabelValues(result).Inc()
	if result != "circuit_open" {
		c.submitLatency.Observe(latencySeconds)
	}
}

// RecordRefundCheck counts one gate decision.
func (c *Collector) RecordRefundCheck(allowed bool) {
	if allowed {
		c.refundChecks.WithLabelValues("allowed").Inc()
	} else {
		c.refundChecks.WithLabelValues("blocked").Inc()
	}
}

// UpdateBuffer refreshes the occupancy gauges from a snapshot.
func (c *Collector) UpdateBuffer(snap types.BufferSnapshot) {
	c.bufferPending.Set(float64(snap.Buffered()))
	c.bufferPercentFull.Set(snap.PercentFull)
}

// UpdateBreaker refreshes the breaker state gauge.
func (c *Collector) UpdateBreaker(state types.BreakerState) {
	switch state {
	case types.BreakerClosed:
		c.breakerState.Set(0)
	case types.BreakerHalfOpen:
		c.breakerState.Set(1)
	case types.BreakerOpen:
		c.breakerState.Set(2)
	}
}

// UpdateHeartbeat refreshes the heartbeat state gauge.
func (c *Collector) UpdateHeartbeat(state types.HeartbeatState) {
	switch state {
	case types.HeartbeatUnknown:
		c.heartbeatState.Set(0)
	case types.HeartbeatOnline:
		c.heartbeatState.Set(1)
	case types.HeartbeatOffline:
		c.heartbeatState.Set(2)
	}
}

// Handler serves the collector's registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
