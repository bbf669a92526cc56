/*
query.go - Read-only projections for the excluded UI layer

PURPOSE:
  Queries is the only surface the admin/UI layer reads through. It holds
  store references but exposes no write path at all: the boundary between
  the ledger core and the outside is this type's method set.

PROJECTIONS:
  - Ledger history per user, paginated, newest first
  - Active and historical vouchers per user
  - Reports per status (operator queues)
  - Drift check: re-sum the ledger and compare with the cached balance

DRIFT:
  The cached balance is a materialized view; it is audited, never
  trusted as sole truth. A drift finding means an invariant was broken
  somewhere and is reported, not silently repaired.
*/
package loyalty

import (
	"context"
	"fmt"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// Queries is the read-only facade over the loyalty stores.
type Queries struct {
	ledger   LedgerStore
	vouchers VoucherStore
	reports  ReportStore
}

// NewQueries creates the read-only facade.
func NewQueries(ledger LedgerStore, vouchers VoucherStore, reports ReportStore) *Queries {
	return &Queries{ledger: ledger, vouchers: vouchers, reports: reports}
}

// History returns a page of the user's ledger history, newest first,
// with a cursor that resumes after the last returned entry.
func (q *Queries) History(ctx context.Context, userID UserID, cursor string, limit int) ([]Entry, string, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return q.ledger.History(ctx, userID, cursor, limit)
}

// Entry returns a single ledger entry for audit display.
func (q *Queries) Entry(ctx context.Context, id EntryID) (*Entry, error) {
	return q.ledger.Get(ctx, id)
}

// Balance returns the user's cached balance.
func (q *Queries) Balance(ctx context.Context, userID UserID) (int64, error) {
	return q.ledger.Balance(ctx, userID)
}

// Vouchers returns all of the user's vouchers, newest issued first.
func (q *Queries) Vouchers(ctx context.Context, userID UserID) ([]Voucher, error) {
	return q.vouchers.ListByUser(ctx, userID)
}

// Report returns a single missing-points report.
func (q *Queries) Report(ctx context.Context, id ReportID) (*Report, error) {
	return q.reports.Get(ctx, id)
}

// ReportsByStatus returns reports in the given status, newest first.
func (q *Queries) ReportsByStatus(ctx context.Context, status ReportStatus) ([]Report, error) {
	if !ValidReportStatus(status) {
		return nil, fmt.Errorf("unknown report status %q", status)
	}
	return q.reports.ListByStatus(ctx, status)
}

// DriftReport is the outcome of one balance audit.
type DriftReport struct {
	UserID    UserID
	Cached    int64 // the materialized balance
	LedgerSum int64 // sum of PointsChange over the user's entries
	Drifted   bool
}

// CheckDrift re-sums the user's ledger and compares it against the
// cached balance. The invariant: they are always equal after any
// committed operation.
func (q *Queries) CheckDrift(ctx context.Context, userID UserID) (DriftReport, error) {
	cached, err := q.ledger.Balance(ctx, userID)
	if err != nil {
		return DriftReport{}, err
	}
	sum, err := q.ledger.SumChanges(ctx, userID)
	if err != nil {
		return DriftReport{}, err
	}

	r := DriftReport{UserID: userID, Cached: cached, LedgerSum: sum, Drifted: cached != sum}
	if r.Drifted {
		DriftDetections.Inc()
	}
	return r, nil
}
