package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-core/loyalty"
	"github.com/warp/loyalty-core/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func entryFor(userID loyalty.UserID, change, after int64, reference string) loyalty.Entry {
	return loyalty.Entry{
		ID:           loyalty.EntryID(uuid.NewString()),
		UserID:       userID,
		Type:         loyalty.TxEarn,
		PointsChange: change,
		PointsAfter:  after,
		Reference:    reference,
		Description:  "test entry",
		Metadata:     loyalty.EntryMetadata{ActorType: "customer", Channel: "checkout"},
		CreatedAt:    time.Now().UTC(),
	}
}

func voucherFor(userID loyalty.UserID, code string, expiresAt time.Time) loyalty.Voucher {
	return loyalty.Voucher{
		ID:        loyalty.VoucherID(uuid.NewString()),
		UserID:    userID,
		Code:      code,
		Value:     decimal.RequireFromString("12.50"),
		Status:    loyalty.VoucherActive,
		IssuedAt:  time.Now().UTC(),
		ExpiresAt: expiresAt,
	}
}

// =============================================================================
// LEDGER TESTS
// =============================================================================

func TestSQLiteLedger_AppendAndBalance(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	e := entryFor("user-1", 500, 500, "order-1")
	require.NoError(t, ledger.Append(ctx, e))

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	got, err := ledger.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, int64(500), got.PointsChange)
	assert.Equal(t, "order-1", got.Reference)
	assert.Equal(t, "checkout", got.Metadata.Channel)
	assert.WithinDuration(t, e.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestSQLiteLedger_SnapshotConflictRejected(t *testing.T) {
	// An entry whose points_after disagrees with the committed balance
	// must not commit; the balance is untouched.

	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, entryFor("user-1", 500, 500, "")))

	stale := entryFor("user-1", 100, 200, "") // committed balance implies 600
	err := ledger.Append(ctx, stale)

	var conflict *loyalty.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(200), conflict.Expected)
	assert.Equal(t, int64(600), conflict.Found)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestSQLiteLedger_DuplicateEntryIDRejected(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	e := entryFor("user-1", 100, 100, "")
	require.NoError(t, ledger.Append(ctx, e))

	dup := e
	dup.PointsChange = 100
	dup.PointsAfter = 200
	err := ledger.Append(ctx, dup)
	assert.ErrorIs(t, err, loyalty.ErrConflict)
}

func TestSQLiteLedger_HistoryPagination(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	var after int64
	for i := 1; i <= 5; i++ {
		after += 10
		require.NoError(t, ledger.Append(ctx, entryFor("user-1", 10, after, "")))
	}
	// Another user's entries must not leak into the page.
	require.NoError(t, ledger.Append(ctx, entryFor("user-2", 10, 10, "")))

	page1, cursor, err := ledger.History(ctx, "user-1", "", 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	require.NotEmpty(t, cursor)
	assert.Equal(t, int64(50), page1[0].PointsAfter, "newest first")

	page2, cursor, err := ledger.History(ctx, "user-1", cursor, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Empty(t, cursor, "no page after the last entry")
	assert.Equal(t, int64(20), page2[0].PointsAfter)
	assert.Equal(t, int64(10), page2[1].PointsAfter)
}

func TestSQLiteLedger_ListForAscending(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, entryFor("user-1", 10, 10, "first")))
	require.NoError(t, ledger.Append(ctx, entryFor("user-1", 10, 20, "second")))

	entries, _, err := ledger.ListFor(ctx, "user-1", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Reference)
	assert.Equal(t, "second", entries[1].Reference)
}

func TestSQLiteLedger_FindByReference(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, entryFor("user-1", 100, 100, "report-7")))

	found, err := ledger.FindByReference(ctx, "user-1", "report-7")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "report-7", found.Reference)

	missing, err := ledger.FindByReference(ctx, "user-1", "report-8")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Scoped to the user: another user's reference is invisible.
	other, err := ledger.FindByReference(ctx, "user-2", "report-7")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestSQLiteLedger_HasReversal(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	orig := entryFor("user-1", 100, 100, "")
	require.NoError(t, ledger.Append(ctx, orig))

	has, err := ledger.HasReversal(ctx, orig.ID)
	require.NoError(t, err)
	assert.False(t, has)

	rev := entryFor("user-1", -100, 0, string(orig.ID))
	rev.Type = loyalty.TxReversal
	require.NoError(t, ledger.Append(ctx, rev))

	has, err = ledger.HasReversal(ctx, orig.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestSQLiteLedger_SumChanges(t *testing.T) {
	store := newTestStore(t)
	ledger := store.Ledger()
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, entryFor("user-1", 500, 500, "")))
	redeem := entryFor("user-1", -200, 300, "")
	redeem.Type = loyalty.TxRedeem
	require.NoError(t, ledger.Append(ctx, redeem))

	sum, err := ledger.SumChanges(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), sum)

	balance, err := ledger.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, sum, balance)
}

// =============================================================================
// VOUCHER TESTS
// =============================================================================

func TestSQLiteVouchers_InsertAndLookup(t *testing.T) {
	store := newTestStore(t)
	vouchers := store.Vouchers()
	ctx := context.Background()

	v := voucherFor("user-1", "AAAA-BBBB-CCCC", time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, vouchers.Insert(ctx, v))

	byCode, err := vouchers.GetByCode(ctx, v.Code)
	require.NoError(t, err)
	assert.Equal(t, v.ID, byCode.ID)
	assert.True(t, byCode.Value.Equal(v.Value))
	assert.Nil(t, byCode.RedeemedAt)

	dup := voucherFor("user-2", "AAAA-BBBB-CCCC", time.Now().UTC().Add(24*time.Hour))
	assert.ErrorIs(t, vouchers.Insert(ctx, dup), loyalty.ErrConflict, "code is unique")

	_, err = vouchers.GetByCode(ctx, "ZZZZ-ZZZZ-ZZZZ")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestSQLiteVouchers_TransitionCAS(t *testing.T) {
	store := newTestStore(t)
	vouchers := store.Vouchers()
	ctx := context.Background()

	v := voucherFor("user-1", "AAAA-BBBB-CCCC", time.Now().UTC().Add(24*time.Hour))
	require.NoError(t, vouchers.Insert(ctx, v))

	at := time.Now().UTC()
	ok, err := vouchers.Transition(ctx, v.ID, loyalty.VoucherActive, loyalty.VoucherUsed, at)
	require.NoError(t, err)
	assert.True(t, ok)

	// The same transition again finds no active row to move.
	ok, err = vouchers.Transition(ctx, v.ID, loyalty.VoucherActive, loyalty.VoucherUsed, at)
	require.NoError(t, err)
	assert.False(t, ok)

	cur, err := vouchers.Get(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.VoucherUsed, cur.Status)
	require.NotNil(t, cur.RedeemedAt)
	assert.WithinDuration(t, at, *cur.RedeemedAt, time.Millisecond)
}

func TestSQLiteVouchers_ExpireDue(t *testing.T) {
	store := newTestStore(t)
	vouchers := store.Vouchers()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, vouchers.Insert(ctx, voucherFor("user-1", "AAAA-AAAA-AAAA", now.Add(-time.Hour))))
	require.NoError(t, vouchers.Insert(ctx, voucherFor("user-1", "BBBB-BBBB-BBBB", now.Add(-time.Minute))))
	require.NoError(t, vouchers.Insert(ctx, voucherFor("user-1", "CCCC-CCCC-CCCC", now.Add(time.Hour))))

	n, err := vouchers.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = vouchers.ExpireDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "idempotent")

	list, err := vouchers.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	statuses := map[loyalty.VoucherStatus]int{}
	for _, v := range list {
		statuses[v.Status]++
	}
	assert.Equal(t, 2, statuses[loyalty.VoucherExpired])
	assert.Equal(t, 1, statuses[loyalty.VoucherActive])
}

// =============================================================================
// REPORT TESTS
// =============================================================================

func reportFor(userID loyalty.UserID, status loyalty.ReportStatus) loyalty.Report {
	return loyalty.Report{
		ID:             loyalty.ReportID(uuid.NewString()),
		UserID:         userID,
		OrderReference: "order-42",
		ExpectedPoints: 300,
		Reason:         "points never arrived",
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestSQLiteReports_InsertAndGet(t *testing.T) {
	store := newTestStore(t)
	reports := store.Reports()
	ctx := context.Background()

	r := reportFor("user-1", loyalty.ReportReported)
	require.NoError(t, reports.Insert(ctx, r))

	got, err := reports.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.ExpectedPoints)
	assert.Equal(t, loyalty.ReportReported, got.Status)
	assert.Nil(t, got.ResolvedAt)

	_, err = reports.Get(ctx, "missing")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestSQLiteReports_TransitionGate(t *testing.T) {
	store := newTestStore(t)
	reports := store.Reports()
	ctx := context.Background()
	nonTerminal := []loyalty.ReportStatus{loyalty.ReportReported, loyalty.ReportInvestigating}

	r := reportFor("user-1", loyalty.ReportReported)
	require.NoError(t, reports.Insert(ctx, r))

	now := time.Now().UTC()
	ok, err := reports.Transition(ctx, r.ID, nonTerminal, loyalty.ReportResolved, now)
	require.NoError(t, err)
	assert.True(t, ok)

	// Terminal transition stamps resolved_at; the gate stays shut after.
	got, err := reports.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ResolvedAt)

	ok, err = reports.Transition(ctx, r.ID, nonTerminal, loyalty.ReportResolved, now)
	require.NoError(t, err)
	assert.False(t, ok, "second resolve loses the CAS")
}

func TestSQLiteReports_RollbackClearsResolution(t *testing.T) {
	store := newTestStore(t)
	reports := store.Reports()
	ctx := context.Background()
	now := time.Now().UTC()

	r := reportFor("user-1", loyalty.ReportReported)
	require.NoError(t, reports.Insert(ctx, r))

	ok, err := reports.Transition(ctx, r.ID,
		[]loyalty.ReportStatus{loyalty.ReportReported}, loyalty.ReportResolved, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reports.SetResolutionEntry(ctx, r.ID, "entry-1"))

	// Roll back to reported: resolution fields must clear.
	ok, err = reports.Transition(ctx, r.ID,
		[]loyalty.ReportStatus{loyalty.ReportResolved}, loyalty.ReportReported, now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := reports.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ReportReported, got.Status)
	assert.Nil(t, got.ResolvedAt)
	assert.Empty(t, got.ResolutionEntryID)
}

func TestSQLiteReports_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	reports := store.Reports()
	ctx := context.Background()

	require.NoError(t, reports.Insert(ctx, reportFor("user-1", loyalty.ReportReported)))
	require.NoError(t, reports.Insert(ctx, reportFor("user-2", loyalty.ReportReported)))
	require.NoError(t, reports.Insert(ctx, reportFor("user-3", loyalty.ReportRejected)))

	reported, err := reports.ListByStatus(ctx, loyalty.ReportReported)
	require.NoError(t, err)
	assert.Len(t, reported, 2)

	rejected, err := reports.ListByStatus(ctx, loyalty.ReportRejected)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)
}

// =============================================================================
// END-TO-END SERVICE WIRING
// =============================================================================

func TestSQLiteStore_ServicesRunAgainstIt(t *testing.T) {
	// The same flow the server wires at startup, against a real database.

	store := newTestStore(t)
	ctx := context.Background()

	balances := loyalty.NewBalanceService(store.Ledger(), nil)
	vouchers := loyalty.NewVoucherService(store.Vouchers(), nil)
	reconciliation := loyalty.NewReconciliationService(store.Reports(), store.Ledger(), balances, nil)
	queries := loyalty.NewQueries(store.Ledger(), store.Vouchers(), store.Reports())

	_, balance, err := balances.ApplyDelta(ctx, "user-1", 500, loyalty.TxEarn, "order-1", "purchase", loyalty.EntryMetadata{})
	require.NoError(t, err)
	require.Equal(t, int64(500), balance)

	_, balance, err = balances.ApplyDelta(ctx, "user-1", -500, loyalty.TxRedeem, "catalog-1", "gift card", loyalty.EntryMetadata{})
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)

	v, err := vouchers.Issue(ctx, "user-1", decimal.RequireFromString("10.00"), 30, "catalog-1")
	require.NoError(t, err)
	_, err = vouchers.Redeem(ctx, v.Code)
	require.NoError(t, err)
	_, err = vouchers.Redeem(ctx, v.Code)
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)

	r, err := reconciliation.File(ctx, "user-1", "order-2", 250, "missing")
	require.NoError(t, err)
	_, err = reconciliation.Resolve(ctx, r.ID, true)
	require.NoError(t, err)
	_, err = reconciliation.Resolve(ctx, r.ID, true)
	assert.ErrorIs(t, err, loyalty.ErrAlreadyResolved)

	drift, err := queries.CheckDrift(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, drift.Drifted)
	assert.Equal(t, int64(250), drift.Cached)
}
