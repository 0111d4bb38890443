// Package chi exposes the budget core over HTTP.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	chirouter "github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/duetware/budgetd/internal/cache"
	"github.com/duetware/budgetd/internal/domain"
	"github.com/duetware/budgetd/internal/usecase/admission"
	"github.com/duetware/budgetd/internal/usecase/coordination"
	"github.com/duetware/budgetd/internal/usecase/reserve"
	"github.com/duetware/budgetd/internal/usecase/stats"
)

// Error codes returned to clients.
const (
	CodeBadRequest           = "bad_request"
	CodeCostExceedsMaximum   = "cost_exceeds_maximum"
	CodeInsufficientBudget   = "insufficient_budget"
	CodeDuplicateReservation = "duplicate_reservation"
	CodeDuplicateSettlement  = "duplicate_settlement"
	CodeNoSuchReservation    = "no_such_reservation"
	CodeNotFound             = "not_found"
	CodeStorageUnavailable   = "storage_unavailable"
	CodeInternalError        = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Shortage int64  `json:"shortage,omitempty"`
}

// Storage is the health view of the backing store.
type Storage interface {
	Ping(ctx context.Context) error
	Degraded() bool
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error, msg string) bool

// Server wires the budget usecases into HTTP handlers.
type Server struct {
	principal string
	engine    *reserve.Engine
	gate      *admission.Gate
	coord     *coordination.Coordinator
	stats     *stats.Service
	cache     *cache.Cache
	storage   Storage
	logger    *zap.Logger

	errorHandlers []errorHandler
}

// NewServer creates the HTTP API server.
func NewServer(
	principal string,
	engine *reserve.Engine,
	gate *admission.Gate,
	coord *coordination.Coordinator,
	statsSvc *stats.Service,
	memo *cache.Cache,
	storage Storage,
	logger *zap.Logger,
) *Server {
	s := &Server{
		principal: principal,
		engine:    engine,
		gate:      gate,
		coord:     coord,
		stats:     statsSvc,
		cache:     memo,
		storage:   storage,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		insufficientBudgetHandler,
		sentinelHandler(domain.ErrCostExceedsMaximum, http.StatusBadRequest, CodeCostExceedsMaximum),
		sentinelHandler(domain.ErrDuplicateReservation, http.StatusConflict, CodeDuplicateReservation),
		sentinelHandler(domain.ErrDuplicateSettlement, http.StatusConflict, CodeDuplicateSettlement),
		sentinelHandler(domain.ErrNoSuchReservation, http.StatusNotFound, CodeNoSuchReservation),
		sentinelHandler(domain.ErrMessageNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrStatusNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrStorageUnavailable, http.StatusServiceUnavailable, CodeStorageUnavailable),
	}
	return s
}

// Routes mounts all endpoints on a router.
func (s *Server) Routes(r chirouter.Router) {
	r.Route("/v1", func(r chirouter.Router) {
		r.Post("/check", s.handleCheck)
		r.Post("/reserve", s.handleReserve)
		r.Post("/settle", s.handleSettle)
		r.Post("/refund", s.handleRefund)
		r.Get("/status", s.handleStatus)
		r.Get("/inbox", s.handleInbox)
		r.Post("/inbox/{id}/read", s.handleMarkRead)
		r.Post("/cycle", s.handleCycle)
		s.cacheRoutes(r)
	})
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}

type checkRequest struct {
	Principal       string `json:"principal"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	principal := req.Principal
	if principal == "" {
		principal = s.principal
	}

	d, err := s.gate.CheckAvailability(r.Context(), principal, req.EstimatedTokens)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type reserveRequest struct {
	Principal       string            `json:"principal"`
	OperationID     string            `json:"operation_id"`
	EstimatedTokens int64             `json:"estimated_tokens"`
	Metadata        map[string]string `json:"metadata"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OperationID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "operation_id is required")
		return
	}
	principal := req.Principal
	if principal == "" {
		principal = s.principal
	}

	txn, err := s.engine.Reserve(r.Context(), principal, req.OperationID, req.EstimatedTokens, req.Metadata)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionToJSON(txn))
}

type settleRequest struct {
	OperationID  string `json:"operation_id"`
	ActualTokens int64  `json:"actual_tokens"`
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OperationID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "operation_id is required")
		return
	}

	txn, err := s.engine.Settle(r.Context(), req.OperationID, req.ActualTokens)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionToJSON(txn))
}

type refundRequest struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.OperationID == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "operation_id is required")
		return
	}

	txn, err := s.engine.Refund(r.Context(), req.OperationID, req.Reason)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionToJSON(txn))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	principal := r.URL.Query().Get("principal")
	if principal == "" {
		principal = s.principal
	}

	report, err := s.stats.Report(r.Context(), principal)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.coord.DrainInbox(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	out := make([]messageJSON, len(msgs))
	for i, m := range msgs {
		out[i] = messageToJSON(m)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chirouter.URLParam(r, "id")
	if err := s.coord.MarkRead(r.Context(), id); err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "read"})
}

type cycleRequest struct {
	HealthScore   float64 `json:"health_score"`
	VersionMarker string  `json:"version_marker"`
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	var req cycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}

	report, err := s.coord.RunCycle(r.Context(), req.HealthScore, req.VersionMarker, nil)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.storage.Ping(r.Context()); err != nil {
		status = "down"
		code = http.StatusServiceUnavailable
	} else if s.storage.Degraded() {
		status = "degraded"
	}
	writeJSON(w, code, map[string]any{
		"status":   status,
		"degraded": s.storage.Degraded(),
	})
}

// transactionJSON is the wire form of a ledger transaction.
type transactionJSON struct {
	ID              string            `json:"id"`
	Principal       string            `json:"principal"`
	OperationID     string            `json:"operation_id"`
	Kind            string            `json:"kind"`
	TokensEstimated int64             `json:"tokens_estimated"`
	TokensActual    int64             `json:"tokens_actual"`
	Status          string            `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func transactionToJSON(t domain.Transaction) transactionJSON {
	out := transactionJSON{
		ID:              t.ID,
		Principal:       t.Principal,
		OperationID:     t.OperationID,
		Kind:            string(t.Kind),
		TokensEstimated: t.TokensEstimated,
		TokensActual:    t.TokensActual,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt,
		Metadata:        t.Metadata,
	}
	if !t.CompletedAt.IsZero() {
		completed := t.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

type messageJSON struct {
	ID        string            `json:"id"`
	From      string            `json:"from"`
	To        string            `json:"to"`
	Type      string            `json:"type"`
	Priority  string            `json:"priority"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

func messageToJSON(m domain.Message) messageJSON {
	out := messageJSON{
		ID:        m.ID,
		From:      m.From,
		To:        m.To,
		Type:      string(m.Type),
		Priority:  string(m.Priority),
		Title:     m.Title,
		Body:      m.Body,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
	if !m.ExpiresAt.IsZero() {
		exp := m.ExpiresAt
		out.ExpiresAt = &exp
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// safeDomainMessage returns a sentinel error message for the client without exposing internals.
func safeDomainMessage(err error) string {
	sentinels := []error{
		domain.ErrCostExceedsMaximum,
		domain.ErrDuplicateReservation,
		domain.ErrDuplicateSettlement,
		domain.ErrNoSuchReservation,
		domain.ErrMessageNotFound,
		domain.ErrStatusNotFound,
		domain.ErrStorageUnavailable,
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	var insufficient *domain.InsufficientBudgetError
	if errors.As(err, &insufficient) {
		return insufficient.Error()
	}
	return "internal error"
}

// sentinelHandler returns an errorHandler that matches a single sentinel error.
func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error, msg string) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, msg)
		return true
	}
}

// insufficientBudgetHandler adds the shortage to the error body.
func insufficientBudgetHandler(w http.ResponseWriter, err error, msg string) bool {
	var insufficient *domain.InsufficientBudgetError
	if !errors.As(err, &insufficient) {
		return false
	}
	writeJSON(w, http.StatusPaymentRequired, ErrorResponse{
		Code:     CodeInsufficientBudget,
		Message:  msg,
		Shortage: insufficient.Shortage(),
	})
	return true
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	msg := safeDomainMessage(err)
	for _, h := range s.errorHandlers {
		if h(w, err, msg) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
