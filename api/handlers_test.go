package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-core/api"
	"github.com/warp/loyalty-core/loyalty"
	"github.com/warp/loyalty-core/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testServer struct {
	srv    *httptest.Server
	ledger *store.MemoryLedger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ledger := store.NewMemoryLedger()
	vouchers := store.NewMemoryVouchers()
	reports := store.NewMemoryReports()

	balances := loyalty.NewBalanceService(ledger, nil)
	voucherSvc := loyalty.NewVoucherService(vouchers, nil)
	reconciliation := loyalty.NewReconciliationService(reports, ledger, balances, nil)
	queries := loyalty.NewQueries(ledger, vouchers, reports)

	handler := api.NewHandler(balances, voucherSvc, reconciliation, queries)
	srv := httptest.NewServer(api.NewRouter(handler, nil))
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, ledger: ledger}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), "body: %s", data)
	return v
}

func (ts *testServer) earn(t *testing.T, userID string, points int64) {
	t.Helper()
	resp, _ := ts.post(t, "/api/balance/apply", map[string]any{
		"user_id": userID, "delta": points, "type": "earn", "description": "test earn",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

// =============================================================================
// BALANCE ENDPOINT TESTS
// =============================================================================

func TestAPI_ApplyAndGetBalance(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/api/balance/apply", map[string]any{
		"user_id": "user-1", "delta": 500, "type": "earn",
		"reference": "order-1", "channel": "checkout",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	applied := decode[map[string]any](t, body)
	assert.NotEmpty(t, applied["entry_id"])
	assert.Equal(t, float64(500), applied["balance"])

	resp, body = ts.get(t, "/api/users/user-1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decode[map[string]any](t, body)
	assert.Equal(t, float64(500), balance["balance"])
}

func TestAPI_ApplyDelta_Rejections(t *testing.T) {
	ts := newTestServer(t)
	ts.earn(t, "user-1", 100)

	// Zero delta -> 400
	resp, _ := ts.post(t, "/api/balance/apply", map[string]any{
		"user_id": "user-1", "delta": 0, "type": "earn",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Overdraw -> 422, balance untouched
	resp, _ = ts.post(t, "/api/balance/apply", map[string]any{
		"user_id": "user-1", "delta": -150, "type": "redeem",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	_, body := ts.get(t, "/api/users/user-1/balance")
	balance := decode[map[string]any](t, body)
	assert.Equal(t, float64(100), balance["balance"])
}

func TestAPI_History_Paginates(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.earn(t, "user-1", 10)
	}

	resp, body := ts.get(t, "/api/users/user-1/history?limit=3")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[struct {
		Entries    []map[string]any `json:"entries"`
		NextCursor string           `json:"next_cursor"`
	}](t, body)
	assert.Len(t, page.Entries, 3)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, float64(50), page.Entries[0]["points_after"], "newest first")

	resp, body = ts.get(t, "/api/users/user-1/history?limit=3&cursor="+page.NextCursor)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page2 := decode[struct {
		Entries    []map[string]any `json:"entries"`
		NextCursor string           `json:"next_cursor"`
	}](t, body)
	assert.Len(t, page2.Entries, 2)
	assert.Empty(t, page2.NextCursor)
}

func TestAPI_Reverse(t *testing.T) {
	ts := newTestServer(t)

	_, body := ts.post(t, "/api/balance/apply", map[string]any{
		"user_id": "user-1", "delta": 500, "type": "earn",
	})
	entryID := decode[map[string]any](t, body)["entry_id"].(string)

	resp, body := ts.post(t, "/api/balance/reverse", map[string]any{
		"entry_id": entryID, "reason": "mistake",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(0), decode[map[string]any](t, body)["balance"])

	// Reversing twice is a conflict.
	resp, _ = ts.post(t, "/api/balance/reverse", map[string]any{"entry_id": entryID})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

// =============================================================================
// VOUCHER ENDPOINT TESTS
// =============================================================================

func TestAPI_VoucherLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/api/vouchers", map[string]any{
		"user_id": "user-1", "value": "25.00", "validity_days": 30,
		"redemption_reference": "catalog-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	issued := decode[map[string]any](t, body)
	code := issued["code"].(string)
	assert.Equal(t, "active", issued["status"])
	assert.Equal(t, "25.00", issued["value"])

	resp, body = ts.post(t, fmt.Sprintf("/api/vouchers/%s/redeem", code), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "used", decode[map[string]any](t, body)["status"])

	// Second redemption: used stays used.
	resp, _ = ts.post(t, fmt.Sprintf("/api/vouchers/%s/redeem", code), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.post(t, "/api/vouchers/UNKNOWN-CODE/redeem", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_IssueVoucher_Validation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.post(t, "/api/vouchers", map[string]any{
		"user_id": "user-1", "value": "not-a-number", "validity_days": 30,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.post(t, "/api/vouchers", map[string]any{
		"user_id": "user-1", "value": "-5.00", "validity_days": 30,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.post(t, "/api/vouchers", map[string]any{
		"user_id": "", "value": "5.00", "validity_days": 30,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// REPORT ENDPOINT TESTS
// =============================================================================

func TestAPI_ReportResolutionFlow(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.post(t, "/api/reports", map[string]any{
		"user_id": "user-1", "order_reference": "order-9",
		"expected_points": 300, "reason": "points never arrived",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	reportID := decode[map[string]any](t, body)["id"].(string)

	resp, body = ts.post(t, "/api/reports/"+reportID+"/investigate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "investigating", decode[map[string]any](t, body)["status"])

	resp, body = ts.post(t, "/api/reports/"+reportID+"/resolve", map[string]any{"approved": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resolved := decode[map[string]any](t, body)
	assert.Equal(t, "resolved", resolved["status"])
	assert.NotEmpty(t, resolved["resolution_entry_id"])

	// The approval credited the user.
	_, body = ts.get(t, "/api/users/user-1/balance")
	assert.Equal(t, float64(300), decode[map[string]any](t, body)["balance"])

	// Resolving again is a conflict and credits nothing.
	resp, _ = ts.post(t, "/api/reports/"+reportID+"/resolve", map[string]any{"approved": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_, body = ts.get(t, "/api/users/user-1/balance")
	assert.Equal(t, float64(300), decode[map[string]any](t, body)["balance"])
}

func TestAPI_ListReportsByStatus(t *testing.T) {
	ts := newTestServer(t)

	ts.post(t, "/api/reports", map[string]any{
		"user_id": "user-1", "expected_points": 100,
	})

	resp, body := ts.get(t, "/api/reports?status=reported")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[[]map[string]any](t, body), 1)

	resp, body = ts.get(t, "/api/reports?status=resolved")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decode[[]map[string]any](t, body))
}

// =============================================================================
// ADMIN AND OPERATIONAL ENDPOINT TESTS
// =============================================================================

func TestAPI_AdminAdjustment(t *testing.T) {
	ts := newTestServer(t)
	ts.earn(t, "user-1", 100)

	resp, body := ts.post(t, "/api/admin/adjustments", map[string]any{
		"user_id": "user-1", "delta": -30, "reason": "correcting promo error", "actor": "ops-1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(70), decode[map[string]any](t, body)["balance"])

	// Adjustments demand a reason for the audit trail.
	resp, _ = ts.post(t, "/api/admin/adjustments", map[string]any{
		"user_id": "user-1", "delta": -30,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_DriftEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.earn(t, "user-1", 100)

	resp, body := ts.get(t, "/api/admin/drift/user-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	drift := decode[map[string]any](t, body)
	assert.Equal(t, false, drift["drifted"])

	ts.ledger.CorruptBalance("user-1", 9999)

	_, body = ts.get(t, "/api/admin/drift/user-1")
	drift = decode[map[string]any](t, body)
	assert.Equal(t, true, drift["drifted"])
	assert.Equal(t, float64(100), drift["ledger_sum"])
}

func TestAPI_Healthz(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, body)["status"])
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestAPI_EarnRedeemVoucherRoundTrip(t *testing.T) {
	// Earn 500 -> redeem 500 for a voucher -> redeem the voucher -> the
	// code is spent and the balance is back to zero.

	ts := newTestServer(t)
	ts.earn(t, "user-1", 500)

	resp, _ := ts.post(t, "/api/balance/apply", map[string]any{
		"user_id": "user-1", "delta": -500, "type": "redeem",
		"reference": "catalog-42", "description": "gift card",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := ts.post(t, "/api/vouchers", map[string]any{
		"user_id": "user-1", "value": "5.00", "validity_days": 90,
		"redemption_reference": "catalog-42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	code := decode[map[string]any](t, body)["code"].(string)

	resp, _ = ts.post(t, fmt.Sprintf("/api/vouchers/%s/redeem", code), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = ts.post(t, fmt.Sprintf("/api/vouchers/%s/redeem", code), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, body = ts.get(t, "/api/users/user-1/balance")
	assert.Equal(t, float64(0), decode[map[string]any](t, body)["balance"])

	_, body = ts.get(t, "/api/users/user-1/vouchers")
	vouchers := decode[[]map[string]any](t, body)
	require.Len(t, vouchers, 1)
	assert.Equal(t, "used", vouchers[0]["status"])
}
