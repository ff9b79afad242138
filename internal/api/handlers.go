// Package api exposes the ledger over HTTP. Mutating routes require an
// Idempotency-Key header; the request body is hashed so a reused key with a
// different payload is rejected instead of silently replayed.
package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/stagepass/creditledger/internal/ledger"
	"github.com/stagepass/creditledger/internal/service"
)

const defaultEntriesPageSize = 100

type Handler struct {
	engine     *service.Engine
	escrow     *service.Escrow
	reconciler *service.Reconciler
	logger     *slog.Logger
	metrics    *httpMetrics
}

type httpMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func newHTTPMetrics(registry *prometheus.Registry) *httpMetrics {
	m := &httpMetrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "endpoint", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "endpoint"}),
	}
	registry.MustRegister(m.requestsTotal, m.requestDuration)
	return m
}

func NewHandler(engine *service.Engine, escrow *service.Escrow, reconciler *service.Reconciler, logger *slog.Logger, registry *prometheus.Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine:     engine,
		escrow:     escrow,
		reconciler: reconciler,
		logger:     logger,
		metrics:    newHTTPMetrics(registry),
	}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createAccountRequest struct {
	Owner    ledger.Owner       `json:"owner"`
	Currency string             `json:"currency"`
	Kind     ledger.AccountKind `json:"kind"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/accounts", time.Now())

	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "POST", "/v1/accounts", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Kind == "" {
		req.Kind = ledger.AccountPersonal
	}

	acct, err := h.engine.CreateAccount(r.Context(), req.Owner, req.Currency, req.Kind)
	if err != nil {
		h.respondLedgerError(w, "POST", "/v1/accounts", err)
		return
	}

	h.metrics.requestsTotal.WithLabelValues("POST", "/v1/accounts", "201").Inc()
	w.Header().Set("Location", fmt.Sprintf("/v1/accounts/%s", acct.ID))
	respondWithJSON(w, http.StatusCreated, acct)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/v1/accounts/{id}")
	if !ok {
		return
	}
	acct, err := h.engine.GetBalances(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, "GET", "/v1/accounts/{id}", err)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("GET", "/v1/accounts/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, acct)
}

type setStatusRequest struct {
	Status ledger.AccountStatus `json:"status"`
}

func (h *Handler) SetAccountStatusHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "PATCH", "/v1/accounts/{id}/status")
	if !ok {
		return
	}
	var req setStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "PATCH", "/v1/accounts/{id}/status", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if err := h.engine.SetAccountStatus(r.Context(), id, req.Status); err != nil {
		h.respondLedgerError(w, "PATCH", "/v1/accounts/{id}/status", err)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("PATCH", "/v1/accounts/{id}/status", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]string{"status": string(req.Status)})
}

func (h *Handler) GetAccountEntriesHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/v1/accounts/{id}/entries")
	if !ok {
		return
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			h.respondError(w, "GET", "/v1/accounts/{id}/entries", http.StatusBadRequest, "Invalid after_seq")
			return
		}
		afterSeq = parsed
	}
	limit := defaultEntriesPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.respondError(w, "GET", "/v1/accounts/{id}/entries", http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = parsed
	}

	if _, err := h.engine.GetBalances(r.Context(), id); err != nil {
		h.respondLedgerError(w, "GET", "/v1/accounts/{id}/entries", err)
		return
	}
	entries, err := h.engine.GetLedgerEntries(r.Context(), id, afterSeq, limit)
	if err != nil {
		h.respondLedgerError(w, "GET", "/v1/accounts/{id}/entries", err)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("GET", "/v1/accounts/{id}/entries", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/transfers", time.Now())

	key, reqHash, body, ok := h.idempotentBody(w, r, "POST", "/v1/transfers")
	if !ok {
		return
	}

	var req ledger.TransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, "POST", "/v1/transfers", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	req.IdempotencyKey = key
	req.RequestHash = reqHash

	res, err := h.engine.Execute(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, "POST", "/v1/transfers", err)
		return
	}

	if res.Replayed {
		h.metrics.requestsTotal.WithLabelValues("POST", "/v1/transfers", "200").Inc()
		respondWithJSON(w, http.StatusOK, res)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("POST", "/v1/transfers", "201").Inc()
	w.Header().Set("Location", fmt.Sprintf("/v1/transfers/%s", res.Transfer.ID))
	respondWithJSON(w, http.StatusCreated, res)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/v1/transfers/{id}")
	if !ok {
		return
	}
	transfer, entries, err := h.engine.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, "GET", "/v1/transfers/{id}", err)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("GET", "/v1/transfers/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, ledger.TransferResult{Transfer: transfer, Entries: entries})
}

func (h *Handler) PlaceHoldHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/holds", time.Now())

	key, reqHash, body, ok := h.idempotentBody(w, r, "POST", "/v1/holds")
	if !ok {
		return
	}

	var req service.HoldRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, "POST", "/v1/holds", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	req.IdempotencyKey = key
	req.RequestHash = reqHash

	res, err := h.escrow.PlaceHold(r.Context(), req)
	if err != nil {
		h.respondLedgerError(w, "POST", "/v1/holds", err)
		return
	}

	status := http.StatusCreated
	if res.Transfer.Replayed {
		status = http.StatusOK
	} else {
		w.Header().Set("Location", fmt.Sprintf("/v1/holds/%s", res.Hold.ID))
	}
	h.metrics.requestsTotal.WithLabelValues("POST", "/v1/holds", strconv.Itoa(status)).Inc()
	respondWithJSON(w, status, res)
}

func (h *Handler) GetHoldHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/v1/holds/{id}")
	if !ok {
		return
	}
	hold, err := h.escrow.GetHold(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, "GET", "/v1/holds/{id}", err)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("GET", "/v1/holds/{id}", "200").Inc()
	respondWithJSON(w, http.StatusOK, hold)
}

type captureRequest struct {
	Destination uuid.UUID       `json:"destination_account_id"`
	Fee         decimal.Decimal `json:"fee"`
	CreatedBy   string          `json:"created_by,omitempty"`
}

func (h *Handler) CaptureHoldHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/holds/{id}/capture", time.Now())

	id, ok := h.pathID(w, r, "POST", "/v1/holds/{id}/capture")
	if !ok {
		return
	}
	key, reqHash, body, ok := h.idempotentBody(w, r, "POST", "/v1/holds/{id}/capture")
	if !ok {
		return
	}

	var req captureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, "POST", "/v1/holds/{id}/capture", http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.Destination == uuid.Nil {
		h.respondError(w, "POST", "/v1/holds/{id}/capture", http.StatusUnprocessableEntity, "destination_account_id is required")
		return
	}

	res, err := h.escrow.Capture(r.Context(), key, reqHash, id, req.Destination, req.Fee, req.CreatedBy)
	if err != nil {
		h.respondLedgerError(w, "POST", "/v1/holds/{id}/capture", err)
		return
	}
	h.respondHoldResult(w, "POST", "/v1/holds/{id}/capture", res)
}

type releaseRequest struct {
	CreatedBy string `json:"created_by,omitempty"`
}

func (h *Handler) ReleaseHoldHandler(w http.ResponseWriter, r *http.Request) {
	defer h.observe("POST", "/v1/holds/{id}/release", time.Now())

	id, ok := h.pathID(w, r, "POST", "/v1/holds/{id}/release")
	if !ok {
		return
	}
	key, reqHash, body, ok := h.idempotentBody(w, r, "POST", "/v1/holds/{id}/release")
	if !ok {
		return
	}

	var req releaseRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.respondError(w, "POST", "/v1/holds/{id}/release", http.StatusBadRequest, "Malformed JSON body")
			return
		}
	}

	res, err := h.escrow.Release(r.Context(), key, reqHash, id, req.CreatedBy)
	if err != nil {
		h.respondLedgerError(w, "POST", "/v1/holds/{id}/release", err)
		return
	}
	h.respondHoldResult(w, "POST", "/v1/holds/{id}/release", res)
}

// ReconcileAccountHandler runs an on-demand reconciliation pass for one
// account, for operator tooling. Drift comes back as 409 with the account
// already suspended.
func (h *Handler) ReconcileAccountHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "POST", "/v1/accounts/{id}/reconcile")
	if !ok {
		return
	}
	if err := h.reconciler.ReconcileAccount(r.Context(), id); err != nil {
		if errors.Is(err, ledger.ErrLedgerDrift) {
			h.respondError(w, "POST", "/v1/accounts/{id}/reconcile", http.StatusConflict, "Ledger drift detected; account suspended")
			return
		}
		h.respondLedgerError(w, "POST", "/v1/accounts/{id}/reconcile", err)
		return
	}
	h.metrics.requestsTotal.WithLabelValues("POST", "/v1/accounts/{id}/reconcile", "200").Inc()
	respondWithJSON(w, http.StatusOK, map[string]string{"result": "clean"})
}

func (h *Handler) respondHoldResult(w http.ResponseWriter, method, endpoint string, res *service.HoldResult) {
	status := http.StatusCreated
	if res.Transfer.Replayed {
		status = http.StatusOK
	}
	h.metrics.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	respondWithJSON(w, status, res)
}

// idempotentBody enforces the Idempotency-Key header and returns the body
// with its sha256 hash, the dedup fingerprint for key reuse detection.
func (h *Handler) idempotentBody(w http.ResponseWriter, r *http.Request, method, endpoint string) (key, reqHash string, body []byte, ok bool) {
	key = r.Header.Get("Idempotency-Key")
	if key == "" {
		h.respondError(w, method, endpoint, http.StatusBadRequest, "Missing Idempotency-Key header")
		return "", "", nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, method, endpoint, http.StatusInternalServerError, "Stream read error")
		return "", "", nil, false
	}
	r.Body = io.NopCloser(bytes.NewBuffer(body))
	sum := sha256.Sum256(body)
	return key, hex.EncodeToString(sum[:]), body, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, method, endpoint, http.StatusBadRequest, "Invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) observe(method, endpoint string, start time.Time) {
	h.metrics.requestDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, method, endpoint string, err error) {
	status, message := mapLedgerError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", method, "endpoint", endpoint, "error", err)
	}
	h.respondError(w, method, endpoint, status, message)
}

func mapLedgerError(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransferNotFound),
		errors.Is(err, ledger.ErrHoldNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return http.StatusConflict, "Request processing in progress"
	case errors.Is(err, ledger.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Key reuse with mismatched payload"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, ledger.ErrDuplicateAccount):
		return http.StatusConflict, "Account already exists for owner and currency"
	case errors.Is(err, ledger.ErrHoldNotActive),
		errors.Is(err, ledger.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, ledger.ErrLockTimeout):
		return http.StatusServiceUnavailable, "Lock acquisition timed out; retry with the same idempotency key"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func (h *Handler) respondError(w http.ResponseWriter, method, endpoint string, code int, message string) {
	h.metrics.requestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	respondWithError(w, code, message)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
