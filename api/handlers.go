/*
handlers.go - HTTP admin API of the budget engine

PURPOSE:
  Exposes reconciliation, the resolver view, periods, history and ledger
  seeding over REST. Handles request parsing and JSON responses and
  delegates everything else to the budget package.

ENDPOINTS:
  Reconciliation:
    POST   /api/reconciliation/run                       Run a pass now
    GET    /api/reconciliation/runs                      Recent runs

  Scopes and periods:
    GET    /api/scopes                                   Every resolvable scope
    GET    /api/books/{bookID}/{kind}/{ownerID}/periods  Periods of a scope

  History:
    GET    /api/periods/{id}/history                     History of a period
    POST   /api/periods/{id}/history                     Historize a closed period

  Ledger:
    POST   /api/transactions                             Record a transaction

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Period not found
  - 409: Pass already running, duplicate transaction, period still open
  - 501: Ledger is read-only in this deployment
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - scheduler.go: Reconciliation passes
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the API dependencies.
type Handler struct {
	Store     budget.Store
	Ledger    budget.LedgerWriter // nil when the ledger belongs to another service
	Runs      budget.RunLog
	Resolver  *budget.ScopeResolver
	Recorder  *budget.HistoryRecorder
	Scheduler *ReconciliationScheduler
	Logger    zerolog.Logger

	now func() time.Time
}

// NewHandler creates a handler. ledger may be nil.
func NewHandler(
	store budget.Store,
	ledger budget.LedgerWriter,
	runs budget.RunLog,
	resolver *budget.ScopeResolver,
	recorder *budget.HistoryRecorder,
	scheduler *ReconciliationScheduler,
	logger zerolog.Logger,
) *Handler {
	return &Handler{
		Store:     store,
		Ledger:    ledger,
		Runs:      runs,
		Resolver:  resolver,
		Recorder:  recorder,
		Scheduler: scheduler,
		Logger:    logger.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// RunReconciliation runs one pass synchronously and returns its report.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}
	asOf := h.now()
	if req.AsOf != nil {
		asOf = *req.AsOf
	}

	report, err := h.Scheduler.RunReconciliationPass(r.Context(), asOf)
	switch {
	case errors.Is(err, budget.ErrPassInProgress):
		writeError(w, http.StatusConflict, "reconciliation pass already running", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "reconciliation pass failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ListReconciliationRuns returns the most recent runs, newest first.
func (h *Handler) ListReconciliationRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	runs, err := h.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}
	out := make([]RunDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// SCOPES AND PERIODS
// =============================================================================

func (h *Handler) ListScopes(w http.ResponseWriter, r *http.Request) {
	set, err := h.Resolver.ListScopes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list scopes", err)
		return
	}
	resp := ScopesResponse{
		Scopes:   make([]ScopeDTO, 0, len(set.Scopes)),
		Rejected: make([]string, 0, len(set.Rejected)),
	}
	for _, s := range set.Scopes {
		resp.Scopes = append(resp.Scopes, toScopeDTO(s))
	}
	for _, rej := range set.Rejected {
		resp.Rejected = append(resp.Rejected, rej.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ListPeriods(w http.ResponseWriter, r *http.Request) {
	kind, err := budget.ParseOwnerKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner kind", err)
		return
	}
	scope := budget.Scope{
		AccountBookID: chi.URLParam(r, "bookID"),
		Kind:          kind,
		OwnerID:       chi.URLParam(r, "ownerID"),
	}
	if err := scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid scope", err)
		return
	}

	periods, err := h.Store.ListPeriods(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list periods", err)
		return
	}
	out := make([]PeriodDTO, 0, len(periods))
	for _, p := range periods {
		out = append(out, toPeriodDTO(p))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// HISTORY
// =============================================================================

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := budget.PeriodID(chi.URLParam(r, "id"))
	if _, err := h.Store.GetPeriod(r.Context(), id); err != nil {
		writeStoreError(w, "failed to get period", err)
		return
	}

	entries, err := h.Store.ListHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list history", err)
		return
	}
	out := make([]HistoryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHistoryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// RecordHistory historizes one closed period. Repeating the call returns the
// same entry with created=false.
func (h *Handler) RecordHistory(w http.ResponseWriter, r *http.Request) {
	id := budget.PeriodID(chi.URLParam(r, "id"))
	period, err := h.Store.GetPeriod(r.Context(), id)
	if err != nil {
		writeStoreError(w, "failed to get period", err)
		return
	}

	entry, created, err := h.Recorder.RecordClosedPeriod(r.Context(), *period, h.now())
	switch {
	case errors.Is(err, budget.ErrPeriodOpen):
		writeError(w, http.StatusConflict, "period is still open", err)
		return
	case budget.IsIntegrity(err):
		writeError(w, http.StatusBadRequest, "period cannot be historized", err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to record history", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, RecordHistoryResponse{Created: created, Entry: toHistoryDTO(entry)})
}

// =============================================================================
// LEDGER
// =============================================================================

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeError(w, http.StatusNotImplemented, "ledger is read-only", nil)
		return
	}

	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if _, err := budget.NewScope(req.AccountBookID, req.UserID, req.FamilyMemberID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid owner", err)
		return
	}
	typ := budget.EntryType(req.Type)
	if typ != budget.EntryExpense && typ != budget.EntryIncome {
		writeError(w, http.StatusBadRequest, "type must be EXPENSE or INCOME", nil)
		return
	}
	amount, err := budget.ParseMoney(req.Amount)
	if err != nil || amount.IsNegative() {
		writeError(w, http.StatusBadRequest, "amount must be a non-negative decimal", err)
		return
	}
	if req.Date.IsZero() {
		writeError(w, http.StatusBadRequest, "date is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	entry := budget.LedgerEntry{
		ID:             req.ID,
		AccountBookID:  req.AccountBookID,
		UserID:         req.UserID,
		FamilyMemberID: req.FamilyMemberID,
		CategoryID:     req.CategoryID,
		Type:           typ,
		Amount:         amount,
		Date:           req.Date.UTC(),
		Description:    req.Description,
	}
	if err := h.Ledger.RecordTransaction(r.Context(), entry); err != nil {
		if errors.Is(err, budget.ErrDuplicate) {
			writeError(w, http.StatusConflict, "transaction already recorded", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to record transaction", err)
		return
	}

	h.Logger.Debug().
		Str("transaction_id", entry.ID).
		Str("book", entry.AccountBookID).
		Str("amount", entry.Amount.String()).
		Msg("transaction recorded")
	writeJSON(w, http.StatusCreated, map[string]string{"id": entry.ID})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeStoreError(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, budget.ErrPeriodNotFound) {
		writeError(w, http.StatusNotFound, "period not found", err)
		return
	}
	writeError(w, http.StatusInternalServerError, message, err)
}
