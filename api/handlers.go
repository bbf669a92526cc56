/*
handlers.go - HTTP API handlers for the loyalty points service

PURPOSE:
  Exposes the loyalty core via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Users:
    GET    /api/users/{id}/balance    Current point balance
    GET    /api/users/{id}/history    Paged ledger history (newest first)
    GET    /api/users/{id}/vouchers   User's vouchers

  Balance:
    POST   /api/balance/apply         Credit or debit points
    POST   /api/balance/reverse       Reverse a previous entry

  Ledger:
    GET    /api/entries/{id}          Single ledger entry

  Vouchers:
    POST   /api/vouchers                  Issue a voucher
    POST   /api/vouchers/{code}/redeem    Redeem by code
    POST   /api/vouchers/{id}/cancel      Cancel an active voucher

  Reports:
    POST   /api/reports                    File a missing-points report
    GET    /api/reports?status=reported    List by status
    POST   /api/reports/{id}/investigate   Mark under investigation
    POST   /api/reports/{id}/resolve       Approve or reject

  Admin:
    POST   /api/admin/adjustments          Manual balance adjustment
    GET    /api/admin/drift/{id}           Balance-vs-ledger drift check
    POST   /api/admin/vouchers/sweep       Expire overdue vouchers now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict (state machine, double resolution, double reversal)
  - 422: Insufficient balance, expired voucher
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.
  Front with an authenticating gateway in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-core/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Balances *loyalty.BalanceService
	Vouchers *loyalty.VoucherService
	Reports  *loyalty.ReconciliationService
	Queries  *loyalty.Queries
}

// NewHandler creates a new handler over the loyalty services.
func NewHandler(balances *loyalty.BalanceService, vouchers *loyalty.VoucherService, reports *loyalty.ReconciliationService, queries *loyalty.Queries) *Handler {
	return &Handler{
		Balances: balances,
		Vouchers: vouchers,
		Reports:  reports,
		Queries:  queries,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetBalance returns the user's current point balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	balance, err := h.Queries.Balance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  string(userID),
		Balance: balance,
		AsOf:    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetHistory returns a page of the user's ledger, newest first.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))
	cursor := r.URL.Query().Get("cursor")

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}

	entries, next, err := h.Queries.History(r.Context(), userID, cursor, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read history", err)
		return
	}

	writeJSON(w, http.StatusOK, HistoryResponse{
		Entries:    toEntryDTOs(entries),
		NextCursor: next,
	})
}

// ListUserVouchers returns the user's vouchers, newest first.
func (h *Handler) ListUserVouchers(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	vouchers, err := h.Queries.Vouchers(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to list vouchers", err)
		return
	}

	writeJSON(w, http.StatusOK, toVoucherDTOs(vouchers))
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// ApplyDelta credits or debits points and returns the new balance.
func (h *Handler) ApplyDelta(w http.ResponseWriter, r *http.Request) {
	var req ApplyDeltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	meta := loyalty.EntryMetadata{
		Actor:     req.Actor,
		ActorType: req.ActorType,
		Channel:   req.Channel,
	}

	entryID, balance, err := h.Balances.ApplyDelta(r.Context(),
		loyalty.UserID(req.UserID), req.Delta,
		loyalty.TransactionType(req.Type), req.Reference, req.Description, meta)
	if err != nil {
		writeDomainError(w, "Failed to apply delta", err)
		return
	}

	writeJSON(w, http.StatusCreated, ApplyDeltaResponse{
		EntryID: string(entryID),
		Balance: balance,
	})
}

// ReverseEntry appends a compensating entry undoing a previous one.
func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var req ReverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.EntryID == "" {
		writeError(w, http.StatusBadRequest, "entry_id is required", nil)
		return
	}

	meta := loyalty.EntryMetadata{Actor: req.Actor, ActorType: "operator", Channel: "admin"}

	entryID, balance, err := h.Balances.Reverse(r.Context(),
		loyalty.EntryID(req.EntryID), req.Reason, meta)
	if err != nil {
		writeDomainError(w, "Failed to reverse entry", err)
		return
	}

	writeJSON(w, http.StatusCreated, ApplyDeltaResponse{
		EntryID: string(entryID),
		Balance: balance,
	})
}

// GetEntry returns one ledger entry.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id := loyalty.EntryID(chi.URLParam(r, "id"))

	entry, err := h.Queries.Entry(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get entry", err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTO(*entry))
}

// =============================================================================
// VOUCHER HANDLERS
// =============================================================================

// IssueVoucher creates a new active voucher.
func (h *Handler) IssueVoucher(w http.ResponseWriter, r *http.Request) {
	var req IssueVoucherRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	value, err := decimal.NewFromString(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value (use a decimal string)", err)
		return
	}
	if !value.IsPositive() {
		writeError(w, http.StatusBadRequest, "value must be positive", nil)
		return
	}
	if req.ValidityDays <= 0 {
		writeError(w, http.StatusBadRequest, "validity_days must be positive", nil)
		return
	}

	voucher, err := h.Vouchers.Issue(r.Context(),
		loyalty.UserID(req.UserID), value, req.ValidityDays, req.RedemptionReference)
	if err != nil {
		writeDomainError(w, "Failed to issue voucher", err)
		return
	}

	writeJSON(w, http.StatusCreated, toVoucherDTO(*voucher))
}

// RedeemVoucher redeems an active voucher by its code.
func (h *Handler) RedeemVoucher(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	voucher, err := h.Vouchers.Redeem(r.Context(), code)
	if err != nil {
		writeDomainError(w, "Failed to redeem voucher", err)
		return
	}

	writeJSON(w, http.StatusOK, toVoucherDTO(*voucher))
}

// CancelVoucher cancels an active voucher.
func (h *Handler) CancelVoucher(w http.ResponseWriter, r *http.Request) {
	id := loyalty.VoucherID(chi.URLParam(r, "id"))

	voucher, err := h.Vouchers.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to cancel voucher", err)
		return
	}

	writeJSON(w, http.StatusOK, toVoucherDTO(*voucher))
}

// SweepVouchers expires overdue active vouchers immediately.
func (h *Handler) SweepVouchers(w http.ResponseWriter, r *http.Request) {
	expired, err := h.Vouchers.ExpireDue(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to sweep vouchers", err)
		return
	}

	writeJSON(w, http.StatusOK, SweepResultDTO{Expired: expired})
}

// =============================================================================
// REPORT HANDLERS
// =============================================================================

// FileReport files a new missing-points report.
func (h *Handler) FileReport(w http.ResponseWriter, r *http.Request) {
	var req FileReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := h.Reports.File(r.Context(),
		loyalty.UserID(req.UserID), req.OrderReference, req.ExpectedPoints, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to file report", err)
		return
	}

	writeJSON(w, http.StatusCreated, toReportDTO(*report))
}

// ListReports returns reports in the given status.
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	status := loyalty.ReportStatus(r.URL.Query().Get("status"))
	if status == "" {
		status = loyalty.ReportReported
	}

	reports, err := h.Reports.ListByStatus(r.Context(), status)
	if err != nil {
		writeDomainError(w, "Failed to list reports", err)
		return
	}

	writeJSON(w, http.StatusOK, toReportDTOs(reports))
}

// GetReport returns one report.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	id := loyalty.ReportID(chi.URLParam(r, "id"))

	report, err := h.Queries.Report(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get report", err)
		return
	}

	writeJSON(w, http.StatusOK, toReportDTO(*report))
}

// InvestigateReport marks a report as under investigation.
func (h *Handler) InvestigateReport(w http.ResponseWriter, r *http.Request) {
	id := loyalty.ReportID(chi.URLParam(r, "id"))

	report, err := h.Reports.BeginInvestigation(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to start investigation", err)
		return
	}

	writeJSON(w, http.StatusOK, toReportDTO(*report))
}

// ResolveReport approves or rejects a report. Approval credits the
// expected points exactly once.
func (h *Handler) ResolveReport(w http.ResponseWriter, r *http.Request) {
	id := loyalty.ReportID(chi.URLParam(r, "id"))

	var req ResolveReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	report, err := h.Reports.Resolve(r.Context(), id, req.Approved)
	if err != nil {
		writeDomainError(w, "Failed to resolve report", err)
		return
	}

	writeJSON(w, http.StatusOK, toReportDTO(*report))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreateAdjustment applies a manual operator adjustment through the same
// ledger path as every other balance change.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required", nil)
		return
	}

	meta := loyalty.EntryMetadata{Actor: req.Actor, ActorType: "operator", Channel: "admin"}

	entryID, balance, err := h.Balances.ApplyDelta(r.Context(),
		loyalty.UserID(req.UserID), req.Delta,
		loyalty.TxAdjustment, "", req.Reason, meta)
	if err != nil {
		writeDomainError(w, "Failed to apply adjustment", err)
		return
	}

	writeJSON(w, http.StatusCreated, ApplyDeltaResponse{
		EntryID: string(entryID),
		Balance: balance,
	})
}

// CheckDrift compares the cached balance against the re-summed ledger.
func (h *Handler) CheckDrift(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "id"))

	drift, err := h.Queries.CheckDrift(r.Context(), userID)
	if err != nil {
		writeDomainError(w, "Failed to check drift", err)
		return
	}

	writeJSON(w, http.StatusOK, DriftDTO{
		UserID:    string(drift.UserID),
		Cached:    drift.Cached,
		LedgerSum: drift.LedgerSum,
		Drifted:   drift.Drifted,
	})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
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

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case loyalty.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, loyalty.ErrInsufficientBalance),
		errors.Is(err, loyalty.ErrVoucherExpired):
		return http.StatusUnprocessableEntity
	case errors.Is(err, loyalty.ErrInvalidState),
		errors.Is(err, loyalty.ErrAlreadyResolved),
		errors.Is(err, loyalty.ErrAlreadyReversed),
		errors.Is(err, loyalty.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, loyalty.ErrInvalidDelta):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
