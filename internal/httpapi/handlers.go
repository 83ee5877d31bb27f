// Package httpapi exposes the ledger over HTTP. Authentication happens in
// front of this service; the caller's owner id arrives in a trusted header.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sheikh-saqib/finance-ledger/internal/idempotency"
	"github.com/sheikh-saqib/finance-ledger/internal/ledger"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/sheikh-saqib/finance-ledger/internal/models"
	"github.com/sheikh-saqib/finance-ledger/internal/snapshot"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	HeaderOwnerID        = "X-Owner-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

var errBadRequest = errors.New("bad request")

type Handler struct {
	ledger    *ledger.Ledger
	snapshots *snapshot.Engine
	logger    *logging.Logger
	now       func() time.Time
}

type Option func(*Handler)

// WithClock sets the clock that picks the default snapshot month.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func NewHandler(l *ledger.Ledger, snapshots *snapshot.Engine, logger *logging.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = logging.Global().Named("http")
	}
	h := &Handler{ledger: l, snapshots: snapshots, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter wires every route of the API.
func NewRouter(h *Handler, middleware ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	for _, m := range middleware {
		r.Use(m)
	}

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/accounts", h.OpenAccount).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/entries", h.ListEntries).Methods(http.MethodGet)
	v1.HandleFunc("/categories", h.CreateCategory).Methods(http.MethodPost)
	v1.HandleFunc("/transactions", h.CreateMovement).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{id}", h.GetTransaction).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{id}", h.UpdateMovement).Methods(http.MethodPatch)
	v1.HandleFunc("/transactions/{id}", h.DeleteMovement).Methods(http.MethodDelete)
	v1.HandleFunc("/transfers", h.CreateTransfer).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/snapshots", h.RunSnapshot).Methods(http.MethodPost)
	internal.HandleFunc("/reconciliation", h.RunReconciliation).Methods(http.MethodPost)
	internal.HandleFunc("/backfill", h.RunBackfill).Methods(http.MethodPost)

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type nameRequest struct {
	Name string `json:"name"`
}

func (h *Handler) OpenAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.ledger.OpenAccount(r.Context(), owner, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

type balanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
	AsOf      *time.Time      `json:"as_of,omitempty"`
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]

	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: as_of must be RFC 3339", errBadRequest))
			return
		}
		asOf = &t
	}

	balance, err := h.ledger.GetBalance(r.Context(), owner, id, asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: balance, AsOf: asOf})
}

func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	entries, err := h.ledger.ListEntries(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	h.writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) CreateCategory(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req nameRequest
	if !h.decode(w, r, &req) {
		return
	}
	category, err := h.ledger.CreateCategory(r.Context(), owner, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, category)
}

func (h *Handler) CreateMovement(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req ledger.MovementRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OwnerID = owner
	req.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

	t, err := h.ledger.CreateMovement(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, t)
}

func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var req ledger.TransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.OwnerID = owner
	req.IdempotencyKey = r.Header.Get(HeaderIdempotencyKey)

	transfer, err := h.ledger.CreateTransfer(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transfer)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	t, err := h.ledger.GetTransaction(r.Context(), owner, mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) UpdateMovement(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	var patch ledger.MovementPatch
	if !h.decode(w, r, &patch) {
		return
	}

	t, err := h.ledger.UpdateMovement(r.Context(), ledger.UpdateRequest{
		OwnerID:        owner,
		TransactionID:  mux.Vars(r)["id"],
		Patch:          patch,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

func (h *Handler) DeleteMovement(w http.ResponseWriter, r *http.Request) {
	owner, ok := h.owner(w, r)
	if !ok {
		return
	}
	hard := false
	if raw := r.URL.Query().Get("hard"); raw != "" {
		var err error
		if hard, err = strconv.ParseBool(raw); err != nil {
			h.writeError(w, r, fmt.Errorf("%w: hard must be a boolean", errBadRequest))
			return
		}
	}

	err := h.ledger.DeleteMovement(r.Context(), ledger.DeleteRequest{
		OwnerID:        owner,
		TransactionID:  mux.Vars(r)["id"],
		Hard:           hard,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type snapshotResponse struct {
	Month     string                          `json:"month"`
	Snapshots []models.AccountBalanceSnapshot `json:"snapshots"`
}

// RunSnapshot snapshots the month given as ?month=YYYY-MM, or the previous
// calendar month when omitted.
func (h *Handler) RunSnapshot(w http.ResponseWriter, r *http.Request) {
	month := models.MonthStart(h.now()).AddDate(0, -1, 0)
	if raw := r.URL.Query().Get("month"); raw != "" {
		parsed, err := time.Parse("2006-01", raw)
		if err != nil {
			h.writeError(w, r, fmt.Errorf("%w: month must look like 2006-01", errBadRequest))
			return
		}
		month = parsed
	}

	snapshots, err := h.snapshots.RunMonthlySnapshot(r.Context(), month)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshotResponse{Month: month.Format("2006-01"), Snapshots: snapshots})
}

func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	report, err := h.snapshots.Reconcile(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if report.Drifts == nil {
		report.Drifts = []snapshot.Drift{}
	}
	h.writeJSON(w, http.StatusOK, report)
}

func (h *Handler) RunBackfill(w http.ResponseWriter, r *http.Request) {
	appended, err := h.ledger.BackfillLedger(r.Context(), r.URL.Query().Get("owner_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"entries_appended": appended})
}

// owner returns the caller's owner id or writes an error response.
func (h *Handler) owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.Header.Get(HeaderOwnerID)
	if raw == "" {
		h.writeProblem(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderOwnerID+" header")
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeProblem(w, http.StatusBadRequest, "bad_request", HeaderOwnerID+" must be a UUID")
		return "", false
	}
	return id.String(), true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		h.writeError(w, r, fmt.Errorf("%w: invalid request body: %v", errBadRequest, err))
		return false
	}
	return true
}

type problem struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// statusFor maps an error onto its HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusUnprocessableEntity, "validation_failed"
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "insufficient_funds"
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict, "concurrency_conflict"
	case errors.Is(err, idempotency.ErrKeyReuse):
		return http.StatusUnprocessableEntity, "idempotency_key_reuse"
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, ledger.ErrIntegrityViolation):
		return http.StatusInternalServerError, "integrity_violation"
	default:
		if ledger.Classify(err) == "timeout" {
			return http.StatusServiceUnavailable, "timeout"
		}
		return http.StatusInternalServerError, "internal"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = http.StatusText(status)
	}

	p := problem{Error: code, Message: message, Retryable: ledger.IsRetryable(err)}
	if p.Retryable {
		w.Header().Set("Retry-After", "1")
	}
	h.writeJSON(w, status, p)
}

func (h *Handler) writeProblem(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, problem{Error: code, Message: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
