/*
Package loyalty provides the points ledger core: an append-only ledger of
balance-changing events, a cached per-user balance maintained in lockstep
with that ledger, vouchers derived from point redemptions, and the
dispute-reconciliation workflow that turns an approved missing-points
report into exactly one compensating ledger entry.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable ledger record for one balance change
  - TransactionType: Why the balance changed (earn, redeem, ...)
  - Voucher: A monetary-value token with a one-way lifecycle
  - Report: A user-filed missing-points dispute

DESIGN PRINCIPLES:
  1. Immutability: Ledger entries are never modified, only reversed
  2. Attribution: Every balance change carries reference, description,
     and typed metadata identifying who or what caused it
  3. Single writer: Only BalanceService appends entries; the cached
     balance is a materialized view of the ledger, never written directly
  4. One-way lifecycles: Vouchers and reports only move toward terminal
     states, never back

USAGE:
  entry, balance, err := balances.ApplyDelta(ctx, "user-1", 500,
      loyalty.TxEarn, "order-42", "points for order 42", loyalty.EntryMetadata{})

SEE ALSO:
  - store.go: Persistence contracts
  - balance.go: Atomic credit/debit with per-user serialization
  - voucher.go: Voucher issuance and lifecycle
  - reconcile.go: Dispute filing and exactly-once resolution
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string
type VoucherID string
type ReportID string

// =============================================================================
// LEDGER ENTRY - Atomic change to a user's point balance
// =============================================================================

type TransactionType string

const (
	TxEarn       TransactionType = "earn"       // Points granted for a purchase
	TxRedeem     TransactionType = "redeem"     // Points spent on a catalog item
	TxAdjustment TransactionType = "adjustment" // Reviewed correction (incl. approved disputes)
	TxExpiry     TransactionType = "expiry"     // Points removed by an expiry policy
	TxReversal   TransactionType = "reversal"   // Undo of a previous entry
)

// ValidTransactionType reports whether t is one of the known ledger types.
func ValidTransactionType(t TransactionType) bool {
	switch t {
	case TxEarn, TxRedeem, TxAdjustment, TxExpiry, TxReversal:
		return true
	}
	return false
}

// EntryMetadata is the narrow, typed attribution attached to a ledger entry.
// Deliberately not a free-form blob: the fields here are the only ones the
// audit views need, and keeping them typed keeps the balance invariant
// mechanically checkable.
type EntryMetadata struct {
	Actor     string `json:"actor,omitempty"`      // operator or subsystem that caused the change
	ActorType string `json:"actor_type,omitempty"` // "customer", "operator", "system"
	Channel   string `json:"channel,omitempty"`    // "checkout", "admin", "reconciliation", "sweep"
}

// Entry is one immutable ledger record. Created exactly once by
// BalanceService inside the same transaction that updates the cached
// balance. Corrections are new entries of type TxReversal or TxAdjustment,
// never edits.
type Entry struct {
	ID           EntryID
	UserID       UserID
	Type         TransactionType
	PointsChange int64 // signed; never zero
	PointsAfter  int64 // balance snapshot at write time, for audit display
	Reference    string
	Description  string
	Metadata     EntryMetadata
	CreatedAt    time.Time
}

// =============================================================================
// VOUCHER - Redeemable monetary-value token with a one-way lifecycle
// =============================================================================

type VoucherStatus string

const (
	VoucherActive    VoucherStatus = "active"
	VoucherUsed      VoucherStatus = "used"
	VoucherExpired   VoucherStatus = "expired"
	VoucherCancelled VoucherStatus = "cancelled"
)

// Terminal reports whether s is a terminal voucher state.
// Terminal states are never left again.
func (s VoucherStatus) Terminal() bool {
	return s == VoucherUsed || s == VoucherExpired || s == VoucherCancelled
}

type Voucher struct {
	ID                  VoucherID
	UserID              UserID
	Code                string // unique, unguessable, generated at issuance
	Value               decimal.Decimal
	Status              VoucherStatus
	IssuedAt            time.Time
	ExpiresAt           time.Time
	RedeemedAt          *time.Time
	RedemptionReference string // catalog redemption that produced this voucher
}

// Expired reports whether the voucher's validity window has passed at now.
// Independent of Status: an active voucher past ExpiresAt is expired in
// fact and gets swept (or lazily transitioned) to VoucherExpired.
func (v *Voucher) Expired(now time.Time) bool {
	return now.After(v.ExpiresAt)
}

// =============================================================================
// MISSING-POINTS REPORT - A dispute over a credit that never arrived
// =============================================================================

type ReportStatus string

const (
	ReportReported      ReportStatus = "reported"
	ReportInvestigating ReportStatus = "investigating"
	ReportResolved      ReportStatus = "resolved"
	ReportRejected      ReportStatus = "rejected"
)

// Terminal reports whether s is a terminal report state. A report in a
// terminal state can never be resolved again; this is the exactly-once
// guard against double-crediting.
func (s ReportStatus) Terminal() bool {
	return s == ReportResolved || s == ReportRejected
}

// ValidReportStatus reports whether s is one of the known report states.
func ValidReportStatus(s ReportStatus) bool {
	switch s {
	case ReportReported, ReportInvestigating, ReportResolved, ReportRejected:
		return true
	}
	return false
}

type Report struct {
	ID             ReportID
	UserID         UserID
	OrderReference string
	ExpectedPoints int64
	Reason         string
	Status         ReportStatus
	CreatedAt      time.Time
	ResolvedAt     *time.Time

	// ResolutionEntryID is set only on approval. It is the idempotency
	// anchor: crash recovery matches it against the ledger entry whose
	// Reference is this report's ID to detect a half-applied resolution.
	ResolutionEntryID EntryID
}
