// Package server exposes the gateway's HTTP API: receipt creation for the
// ERP, the consolidated health snapshot for the dashboard, the manual sync
// trigger for operators, and the refund gate check.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fiscaledge/ofd-gateway/internal/heartbeat"
	"github.com/fiscaledge/ofd-gateway/internal/ledger"
	"github.com/fiscaledge/ofd-gateway/internal/metrics"
	"github.com/fiscaledge/ofd-gateway/internal/refund"
	"github.com/fiscaledge/ofd-gateway/internal/syncer"
	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

// BreakerStater reports the current circuit breaker state.
type BreakerStater interface {
	State() types.BreakerState
}

// Server wires the HTTP handlers over the core components.
type Server struct {
	engine  *syncer.Engine
	ledger  *ledger.Ledger
	gate    *refund.Gate
	monitor *heartbeat.Monitor
	breaker BreakerStater
	metrics *metrics.Collector
	logger  *slog.Logger
}

// New creates a Server.
func New(engine *syncer.Engine, led *ledger.Ledger, gate *refund.Gate, monitor *heartbeat.Monitor, brk BreakerStater, col *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  engine,
		ledger:  led,
		gate:    gate,
		monitor: monitor,
		breaker: brk,
		metrics: col,
		logger:  logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/receipts", s.handleCreateReceipt)
		r.Get("/health", s.handleHealth)
		r.Post("/sync/run", s.handleSyncRun)
		r.Post("/refunds/check", s.handleRefundCheck)
		r.Get("/deadletters", s.handleDeadLetters)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

type createReceiptRequest struct {
	ID      types.ReceiptID `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

type createReceiptResponse struct {
	Status    syncer.CreateStatus `json:"status"`
	ReceiptID types.ReceiptID     `json:"receipt_id"`
	FiscalDoc json.RawMessage     `json:"fiscal_doc,omitempty"`
	Duplicate bool                `json:"duplicate,omitempty"`
}

// handleCreateReceipt is the Phase 1 entry point. The cashier-facing flow
// only ever sees printed or buffered; duplicates return the original row.
func (s *Server) handleCreateReceipt(w http.ResponseWriter, r *http.Request) {
	var req createReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed_payload", "request body is not valid JSON")
		return
	}
	if req.ID == "" || len(req.Payload) == 0 || !json.Valid(req.Payload) {
		s.writeError(w, http.StatusBadRequest, "malformed_payload", "id and a JSON payload are required")
		return
	}

	result, err := s.engine.CreateReceipt(r.Context(), req.ID, req.Payload)
	if err != nil {
		if errors.Is(err, ledger.ErrCapacityExceeded) {
			s.writeError(w, http.StatusTooManyRequests, "capacity_exceeded", "local buffer is full; back off and alert")
			return
		}
		s.logger.Error("receipt creation failed", "receipt_id", req.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal", "receipt creation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, createReceiptResponse{
		Status:    result.Status,
		ReceiptID: result.Receipt.ID,
		FiscalDoc: result.Receipt.FiscalDoc,
		Duplicate: result.Duplicate,
	})
}

// handleHealth serves the consolidated snapshot: buffer occupancy plus
// breaker and heartbeat state in one read.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	hbState, lastProbe := s.monitor.State()

	snap := types.HealthSnapshot{
		Buffer:    s.ledger.Snapshot(),
		Breaker:   s.breaker.State(),
		Heartbeat: hbState,
	}
	if !lastProbe.IsZero() {
		t := lastProbe.UTC()
		snap.LastProbeTime = &t
	}

	s.metrics.UpdateBuffer(snap.Buffer)
	s.metrics.UpdateBreaker(snap.Breaker)
	s.metrics.UpdateHeartbeat(snap.Heartbeat)

	s.writeJSON(w, http.StatusOK, snap)
}

// handleSyncRun forces one sweep cycle outside the normal schedule.
func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
	}
	result := s.engine.RunSweep(ctx)
	s.writeJSON(w, http.StatusOK, result)
}

type refundCheckRequest struct {
	ReceiptID types.ReceiptID `json:"receipt_id"`
}

// handleRefundCheck consults the saga gate before the ERP issues a
// compensating transaction.
func (s *Server) handleRefundCheck(w http.ResponseWriter, r *http.Request) {
	var req refundCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiptID == "" {
		s.writeError(w, http.StatusBadRequest, "malformed_payload", "receipt_id is required")
		return
	}

	decision := s.gate.Check(r.Context(), req.ReceiptID)
	s.metrics.RecordRefundCheck(decision.Allowed)
	s.writeJSON(w, http.StatusOK, decision)
}

// handleDeadLetters lists receipts awaiting operator resolution.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": s.ledger.DeadLetters(),
	})
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
