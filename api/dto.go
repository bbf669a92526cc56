/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Balance:
    BalanceDTO, ApplyDeltaRequest, ApplyDeltaResponse, ReverseRequest

  Ledger:
    EntryDTO, HistoryResponse

  Voucher:
    VoucherDTO, IssueVoucherRequest

  Report:
    ReportDTO, FileReportRequest, ResolveReportRequest

  Admin:
    AdjustmentRequest, DriftDTO

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - server.go: Router setup and middleware
*/
package api

import (
	"time"

	"github.com/warp/loyalty-core/loyalty"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BalanceDTO represents a user's point balance.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	AsOf    string `json:"as_of"`
}

// EntryDTO represents one ledger entry in API responses.
type EntryDTO struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Type         string `json:"type"`
	PointsChange int64  `json:"points_change"`
	PointsAfter  int64  `json:"points_after"`
	Reference    string `json:"reference,omitempty"`
	Description  string `json:"description,omitempty"`
	Actor        string `json:"actor,omitempty"`
	ActorType    string `json:"actor_type,omitempty"`
	Channel      string `json:"channel,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// HistoryResponse is a page of ledger entries, newest first. NextCursor
// is empty on the last page.
type HistoryResponse struct {
	Entries    []EntryDTO `json:"entries"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

// ApplyDeltaRequest is the request to credit or debit points.
type ApplyDeltaRequest struct {
	UserID      string `json:"user_id"`
	Delta       int64  `json:"delta"`
	Type        string `json:"type"`
	Reference   string `json:"reference,omitempty"`
	Description string `json:"description,omitempty"`
	Actor       string `json:"actor,omitempty"`
	ActorType   string `json:"actor_type,omitempty"`
	Channel     string `json:"channel,omitempty"`
}

// ApplyDeltaResponse is returned after a successful balance change.
type ApplyDeltaResponse struct {
	EntryID string `json:"entry_id"`
	Balance int64  `json:"balance"`
}

// ReverseRequest is the request to reverse a previous ledger entry.
type ReverseRequest struct {
	EntryID string `json:"entry_id"`
	Reason  string `json:"reason,omitempty"`
	Actor   string `json:"actor,omitempty"`
}

// VoucherDTO represents a voucher in API responses.
type VoucherDTO struct {
	ID                  string `json:"id"`
	UserID              string `json:"user_id"`
	Code                string `json:"code"`
	Value               string `json:"value"`
	Status              string `json:"status"`
	IssuedAt            string `json:"issued_at"`
	ExpiresAt           string `json:"expires_at"`
	RedeemedAt          string `json:"redeemed_at,omitempty"`
	RedemptionReference string `json:"redemption_reference,omitempty"`
}

// IssueVoucherRequest is the request to issue a voucher.
type IssueVoucherRequest struct {
	UserID              string `json:"user_id"`
	Value               string `json:"value"` // decimal string, e.g. "10.00"
	ValidityDays        int    `json:"validity_days"`
	RedemptionReference string `json:"redemption_reference,omitempty"`
}

// ReportDTO represents a missing-points report in API responses.
type ReportDTO struct {
	ID                string `json:"id"`
	UserID            string `json:"user_id"`
	OrderReference    string `json:"order_reference,omitempty"`
	ExpectedPoints    int64  `json:"expected_points"`
	Reason            string `json:"reason,omitempty"`
	Status            string `json:"status"`
	CreatedAt         string `json:"created_at"`
	ResolvedAt        string `json:"resolved_at,omitempty"`
	ResolutionEntryID string `json:"resolution_entry_id,omitempty"`
}

// FileReportRequest is the request to file a missing-points report.
type FileReportRequest struct {
	UserID         string `json:"user_id"`
	OrderReference string `json:"order_reference,omitempty"`
	ExpectedPoints int64  `json:"expected_points"`
	Reason         string `json:"reason,omitempty"`
}

// ResolveReportRequest is the operator's resolution decision.
type ResolveReportRequest struct {
	Approved bool `json:"approved"`
}

// AdjustmentRequest is the request for a manual operator adjustment.
type AdjustmentRequest struct {
	UserID      string `json:"user_id"`
	Delta       int64  `json:"delta"`
	Reason      string `json:"reason"`
	Actor       string `json:"actor,omitempty"`
}

// DriftDTO reports whether a user's cached balance matches the ledger.
type DriftDTO struct {
	UserID    string `json:"user_id"`
	Cached    int64  `json:"cached"`
	LedgerSum int64  `json:"ledger_sum"`
	Drifted   bool   `json:"drifted"`
}

// SweepResultDTO is the result of a manual voucher expiry sweep.
type SweepResultDTO struct {
	Expired int64 `json:"expired"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toEntryDTO(e loyalty.Entry) EntryDTO {
	return EntryDTO{
		ID:           string(e.ID),
		UserID:       string(e.UserID),
		Type:         string(e.Type),
		PointsChange: e.PointsChange,
		PointsAfter:  e.PointsAfter,
		Reference:    e.Reference,
		Description:  e.Description,
		Actor:        e.Metadata.Actor,
		ActorType:    e.Metadata.ActorType,
		Channel:      e.Metadata.Channel,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []loyalty.Entry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toVoucherDTO(v loyalty.Voucher) VoucherDTO {
	dto := VoucherDTO{
		ID:                  string(v.ID),
		UserID:              string(v.UserID),
		Code:                v.Code,
		Value:               v.Value.StringFixed(2),
		Status:              string(v.Status),
		IssuedAt:            v.IssuedAt.Format(time.RFC3339),
		ExpiresAt:           v.ExpiresAt.Format(time.RFC3339),
		RedemptionReference: v.RedemptionReference,
	}
	if v.RedeemedAt != nil {
		dto.RedeemedAt = v.RedeemedAt.Format(time.RFC3339)
	}
	return dto
}

func toVoucherDTOs(vouchers []loyalty.Voucher) []VoucherDTO {
	dtos := make([]VoucherDTO, len(vouchers))
	for i, v := range vouchers {
		dtos[i] = toVoucherDTO(v)
	}
	return dtos
}

func toReportDTO(r loyalty.Report) ReportDTO {
	dto := ReportDTO{
		ID:                string(r.ID),
		UserID:            string(r.UserID),
		OrderReference:    r.OrderReference,
		ExpectedPoints:    r.ExpectedPoints,
		Reason:            r.Reason,
		Status:            string(r.Status),
		CreatedAt:         r.CreatedAt.Format(time.RFC3339),
		ResolutionEntryID: string(r.ResolutionEntryID),
	}
	if r.ResolvedAt != nil {
		dto.ResolvedAt = r.ResolvedAt.Format(time.RFC3339)
	}
	return dto
}

func toReportDTOs(reports []loyalty.Report) []ReportDTO {
	dtos := make([]ReportDTO, len(reports))
	for i, r := range reports {
		dtos[i] = toReportDTO(r)
	}
	return dtos
}
