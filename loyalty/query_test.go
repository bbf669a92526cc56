package loyalty_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-core/loyalty"
	"github.com/warp/loyalty-core/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestQueries(t *testing.T) (*loyalty.Queries, *loyalty.BalanceService, *store.MemoryLedger) {
	t.Helper()
	ledger := store.NewMemoryLedger()
	vouchers := store.NewMemoryVouchers()
	reports := store.NewMemoryReports()
	balances := loyalty.NewBalanceService(ledger, nil)
	return loyalty.NewQueries(ledger, vouchers, reports), balances, ledger
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestQueries_History_NewestFirstWithCursor(t *testing.T) {
	// GIVEN: Five entries for a user
	// WHEN: Paging with limit 2
	// THEN: Pages walk newest to oldest with no gaps or repeats

	q, balances, _ := newTestQueries(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, _, err := balances.ApplyDelta(ctx, "user-1", int64(i*10),
			loyalty.TxEarn, fmt.Sprintf("order-%d", i), "earn", loyalty.EntryMetadata{})
		require.NoError(t, err)
	}

	var refs []string
	cursor := ""
	for {
		entries, next, err := q.History(ctx, "user-1", cursor, 2)
		require.NoError(t, err)
		for _, e := range entries {
			refs = append(refs, e.Reference)
		}
		if next == "" {
			break
		}
		cursor = next
	}

	assert.Equal(t, []string{"order-5", "order-4", "order-3", "order-2", "order-1"}, refs)
}

func TestQueries_History_MalformedCursor(t *testing.T) {
	q, _, _ := newTestQueries(t)

	_, _, err := q.History(context.Background(), "user-1", "not-a-cursor", 10)
	assert.Error(t, err)
}

func TestQueries_History_EmptyUser(t *testing.T) {
	q, _, _ := newTestQueries(t)

	entries, next, err := q.History(context.Background(), "nobody", "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, next)
}

// =============================================================================
// DRIFT DETECTION TESTS
// =============================================================================

func TestQueries_CheckDrift_CleanBalance(t *testing.T) {
	q, balances, _ := newTestQueries(t)
	ctx := context.Background()

	_, _, err := balances.ApplyDelta(ctx, "user-1", 500, loyalty.TxEarn, "", "earn", loyalty.EntryMetadata{})
	require.NoError(t, err)
	_, _, err = balances.ApplyDelta(ctx, "user-1", -200, loyalty.TxRedeem, "", "redeem", loyalty.EntryMetadata{})
	require.NoError(t, err)

	drift, err := q.CheckDrift(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, drift.Drifted)
	assert.Equal(t, int64(300), drift.Cached)
	assert.Equal(t, int64(300), drift.LedgerSum)
}

func TestQueries_CheckDrift_DetectsCorruption(t *testing.T) {
	// The cached balance is a materialized view; any divergence from the
	// re-summed ledger is a defect worth surfacing.

	q, balances, ledger := newTestQueries(t)
	ctx := context.Background()

	_, _, err := balances.ApplyDelta(ctx, "user-1", 500, loyalty.TxEarn, "", "earn", loyalty.EntryMetadata{})
	require.NoError(t, err)

	ledger.CorruptBalance("user-1", 9999)

	drift, err := q.CheckDrift(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, drift.Drifted)
	assert.Equal(t, int64(9999), drift.Cached)
	assert.Equal(t, int64(500), drift.LedgerSum)
}

// =============================================================================
// LOOKUP TESTS
// =============================================================================

func TestQueries_Entry(t *testing.T) {
	q, balances, _ := newTestQueries(t)
	ctx := context.Background()

	id, _, err := balances.ApplyDelta(ctx, "user-1", 100, loyalty.TxEarn, "order-1", "earn", loyalty.EntryMetadata{})
	require.NoError(t, err)

	entry, err := q.Entry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "order-1", entry.Reference)

	_, err = q.Entry(ctx, "missing")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestQueries_ReportsByStatus_ValidatesStatus(t *testing.T) {
	q, _, _ := newTestQueries(t)

	_, err := q.ReportsByStatus(context.Background(), "bogus")
	assert.Error(t, err)

	reports, err := q.ReportsByStatus(context.Background(), loyalty.ReportReported)
	require.NoError(t, err)
	assert.Empty(t, reports)
}
