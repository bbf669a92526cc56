/*
store.go - Persistence contracts for the loyalty core

PURPOSE:
  Defines the interfaces between the domain services and the database.
  Different implementations can use SQLite or in-memory storage.

APPEND-ONLY CONTRACT:
  LedgerStore has exactly one write operation, Append. No Update or Delete
  methods exist. Corrections are reversal entries, never edits.

ATOMICITY:
  Append commits the ledger entry and the cached balance as one unit, and
  fails with ConflictError when the entry's PointsAfter snapshot does not
  match the balance the committed ledger implies. This defends against
  lost updates even if a caller reaches the store without going through
  BalanceService.

COMPARE-AND-SET:
  Voucher and report lifecycle transitions are conditional writes: the
  store applies them only when the record is still in the expected state
  and reports whether the transition happened. Losers of a race observe
  a false return, never a partial write.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - loyalty/store/memory.go: In-memory for testing

SEE ALSO:
  - balance.go, voucher.go, reconcile.go: Services built on these contracts
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only entries plus the materialized balance
// =============================================================================

// LedgerStore persists ledger entries and the per-user cached balance.
// The cache is a materialized view of the ledger, rebuilt transactionally
// with each append; it is never writable on its own.
type LedgerStore interface {
	// Append persists an entry and moves the cached balance to
	// entry.PointsAfter as one atomic unit. Returns *ConflictError when
	// PointsAfter does not match the committed balance plus PointsChange.
	// This is the ONLY write operation.
	Append(ctx context.Context, entry Entry) error

	// Get returns the entry with the given ID, or ErrNotFound.
	Get(ctx context.Context, id EntryID) (*Entry, error)

	// ListFor returns the user's entries in creation order, resuming from
	// cursor (empty for the start). The returned cursor restarts the scan
	// after the last entry; empty means exhausted.
	ListFor(ctx context.Context, userID UserID, cursor string, limit int) ([]Entry, string, error)

	// History is ListFor in reverse: newest first. Feeds the audit views.
	History(ctx context.Context, userID UserID, cursor string, limit int) ([]Entry, string, error)

	// FindByReference returns the user's entry carrying the given
	// reference, or nil when none exists. Recovery anchor for
	// exactly-once dispute resolution.
	FindByReference(ctx context.Context, userID UserID, reference string) (*Entry, error)

	// HasReversal reports whether an entry already has a reversal
	// referencing it.
	HasReversal(ctx context.Context, id EntryID) (bool, error)

	// Balance returns the cached balance; zero for an unseen user.
	Balance(ctx context.Context, userID UserID) (int64, error)

	// SumChanges re-sums PointsChange over the user's ledger. Drift
	// detection compares this against Balance; the cache is never trusted
	// as sole truth.
	SumChanges(ctx context.Context, userID UserID) (int64, error)
}

// =============================================================================
// VOUCHER STORE
// =============================================================================

// VoucherStore persists vouchers. Lifecycle moves only through Transition
// and ExpireDue; both are conditional, one-way writes.
type VoucherStore interface {
	// Insert persists a new voucher. Returns ErrConflict when the code is
	// already taken (the service retries with a fresh code).
	Insert(ctx context.Context, v Voucher) error

	// Get returns the voucher with the given ID, or ErrNotFound.
	Get(ctx context.Context, id VoucherID) (*Voucher, error)

	// GetByCode returns the voucher with the given code, or ErrNotFound.
	GetByCode(ctx context.Context, code string) (*Voucher, error)

	// ListByUser returns all of a user's vouchers, newest issued first.
	ListByUser(ctx context.Context, userID UserID) ([]Voucher, error)

	// Transition atomically moves the voucher from `from` to `to`,
	// recording `at` as the redemption time when to is VoucherUsed.
	// Returns false when the voucher was no longer in `from`.
	Transition(ctx context.Context, id VoucherID, from, to VoucherStatus, at time.Time) (bool, error)

	// ExpireDue transitions every active voucher whose ExpiresAt has
	// passed to expired and returns how many moved. Monotonic and safe to
	// run concurrently.
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// =============================================================================
// REPORT STORE
// =============================================================================

// ReportStore persists missing-points reports. The conditional Transition
// on status is the sole gate that prevents double-crediting.
type ReportStore interface {
	// Insert persists a new report.
	Insert(ctx context.Context, r Report) error

	// Get returns the report with the given ID, or ErrNotFound.
	Get(ctx context.Context, id ReportID) (*Report, error)

	// ListByStatus returns reports in the given status, newest first.
	ListByStatus(ctx context.Context, status ReportStatus) ([]Report, error)

	// Transition atomically moves the report to `to` if its status is one
	// of `from`. ResolvedAt is set to `now` when `to` is terminal and
	// cleared otherwise (rollback path). Returns false when the report
	// was in none of the `from` states.
	Transition(ctx context.Context, id ReportID, from []ReportStatus, to ReportStatus, now time.Time) (bool, error)

	// SetResolutionEntry records the ledger entry that settled the
	// report. Written after the credit lands; recovery re-derives it from
	// the ledger when a crash interleaves.
	SetResolutionEntry(ctx context.Context, id ReportID, entryID EntryID) error
}
