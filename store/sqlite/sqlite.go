/*
Package sqlite provides the SQLite-backed implementation of the loyalty
storage contracts.

INTERFACES IMPLEMENTED:
  loyalty.LedgerStore:  Append-only entries plus the materialized balance
  loyalty.VoucherStore: Voucher records with compare-and-set lifecycle
  loyalty.ReportStore:  Missing-points reports with compare-and-set status

One Store owns the database handle; Ledger(), Vouchers(), and Reports()
return views implementing the respective contract over that shared handle.

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE ever touches ledger_entries. Corrections are
  reversal entries. The entry insert and the balances upsert share one
  database transaction, and the append is refused when the entry's
  points_after does not equal the committed balance plus points_change.

COMPARE-AND-SET:
  Voucher and report transitions are conditional UPDATEs on the current
  status; RowsAffected tells the caller whether it won. Losers of a race
  observe no write at all.

KEY TABLES:
  ledger_entries: Immutable ledger (seq column doubles as the page cursor)
  balances:       Materialized per-user balance, moved only by Append
  vouchers:       One-way lifecycle records, code is UNIQUE
  reports:        Dispute records, status CAS is the exactly-once gate

WAL MODE:
  Opened with WAL and foreign keys on: readers don't block, one writer at
  a time, better crash recovery.

USAGE:
  st, err := sqlite.New("./data/loyalty.db")   // ":memory:" for tests
  defer st.Close()
  balances := loyalty.NewBalanceService(st.Ledger(), bus)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a versioned
  migration tool instead.

SEE ALSO:
  - loyalty/store.go: Contract definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-core/loyalty"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Fixed width keeps
// lexicographic order equal to chronological order, which the expiry
// sweep's string comparison depends on. All stored times are UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store owns the SQLite handle shared by all three views.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ledger returns the LedgerStore view.
func (s *Store) Ledger() loyalty.LedgerStore { return &ledgerStore{s} }

// Vouchers returns the VoucherStore view.
func (s *Store) Vouchers() loyalty.VoucherStore { return &voucherStore{s} }

// Reports returns the ReportStore view.
func (s *Store) Reports() loyalty.ReportStore { return &reportStore{s} }

type ledgerStore struct{ s *Store }
type voucherStore struct{ s *Store }
type reportStore struct{ s *Store }

// Interface checks.
var (
	_ loyalty.LedgerStore  = (*ledgerStore)(nil)
	_ loyalty.VoucherStore = (*voucherStore)(nil)
	_ loyalty.ReportStore  = (*reportStore)(nil)
)

func (s *Store) migrate() error {
	schema := `
	-- Ledger (append-only). seq is the pagination cursor: monotonically
	-- increasing commit order per database.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		points_change INTEGER NOT NULL,
		points_after INTEGER NOT NULL CHECK (points_after >= 0),
		reference TEXT,
		description TEXT,
		metadata_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_user_seq
		ON ledger_entries(user_id, seq);
	CREATE INDEX IF NOT EXISTS idx_ledger_user_reference
		ON ledger_entries(user_id, reference) WHERE reference IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_ledger_type
		ON ledger_entries(tx_type);

	-- Materialized balance. Written only inside the same transaction as a
	-- ledger insert; recomputable from the ledger at any time.
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL CHECK (balance >= 0),
		updated_at TEXT NOT NULL
	);

	-- Vouchers. Code uniqueness backs the collision-checked retry at
	-- issuance.
	CREATE TABLE IF NOT EXISTS vouchers (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		code TEXT NOT NULL UNIQUE,
		value TEXT NOT NULL,
		status TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		redeemed_at TEXT,
		redemption_reference TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_vouchers_user
		ON vouchers(user_id);
	CREATE INDEX IF NOT EXISTS idx_vouchers_status_expires
		ON vouchers(status, expires_at);

	-- Missing-points reports. The status column is the exactly-once gate.
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		order_reference TEXT,
		expected_points INTEGER NOT NULL,
		reason TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		resolved_at TEXT,
		resolution_ledger_entry_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_reports_status_created
		ON reports(status, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_reports_user
		ON reports(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// LEDGER STORE (loyalty.LedgerStore interface)
// =============================================================================

// Append inserts the entry and moves the cached balance in one database
// transaction. Returns *loyalty.ConflictError when the entry's snapshot
// does not line up with the committed balance.
func (l *ledgerStore) Append(ctx context.Context, entry loyalty.Entry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	tx, err := l.s.db.BeginTx(ctx, nil)
	if err != nil {
		return transient("begin append", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE user_id = ?", entry.UserID,
	).Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return transient("read balance", err)
	}

	if current+entry.PointsChange != entry.PointsAfter {
		return &loyalty.ConflictError{
			UserID:   entry.UserID,
			Expected: entry.PointsAfter,
			Found:    current + entry.PointsChange,
		}
	}

	metadataJSON, _ := json.Marshal(entry.Metadata)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, user_id, tx_type, points_change, points_after, reference, description, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.UserID,
		entry.Type,
		entry.PointsChange,
		entry.PointsAfter,
		nullString(entry.Reference),
		entry.Description,
		string(metadataJSON),
		entry.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("entry %s already exists: %w", entry.ID, loyalty.ErrConflict)
		}
		return transient("insert entry", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			updated_at = excluded.updated_at`,
		entry.UserID, entry.PointsAfter, entry.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return transient("update balance", err)
	}

	if err := tx.Commit(); err != nil {
		return transient("commit append", err)
	}
	return nil
}

const entryColumns = "seq, id, user_id, tx_type, points_change, points_after, reference, description, metadata_json, created_at"

// Get returns one entry, or ErrNotFound.
func (l *ledgerStore) Get(ctx context.Context, id loyalty.EntryID) (*loyalty.Entry, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	entries, _, err := l.queryEntries(ctx,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE id = ?", string(id))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entry %s: %w", id, loyalty.ErrNotFound)
	}
	return &entries[0], nil
}

// ListFor returns the user's entries in creation order from cursor.
func (l *ledgerStore) ListFor(ctx context.Context, userID loyalty.UserID, cursor string, limit int) ([]loyalty.Entry, string, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	entries, last, err := l.queryEntries(ctx,
		"SELECT "+entryColumns+` FROM ledger_entries
		 WHERE user_id = ? AND seq > ?
		 ORDER BY seq ASC LIMIT ?`,
		string(userID), after, queryLimit(limit))
	if err != nil {
		return nil, "", err
	}

	return entries, nextCursor(entries, last, limit), nil
}

// History returns the user's entries newest first from cursor.
func (l *ledgerStore) History(ctx context.Context, userID loyalty.UserID, cursor string, limit int) ([]loyalty.Entry, string, error) {
	before, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if before == 0 {
		before = int64(^uint64(0) >> 1)
	}

	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	entries, last, err := l.queryEntries(ctx,
		"SELECT "+entryColumns+` FROM ledger_entries
		 WHERE user_id = ? AND seq < ?
		 ORDER BY seq DESC LIMIT ?`,
		string(userID), before, queryLimit(limit))
	if err != nil {
		return nil, "", err
	}

	return entries, nextCursor(entries, last, limit), nil
}

// FindByReference returns the user's first entry carrying the reference,
// or nil when none exists.
func (l *ledgerStore) FindByReference(ctx context.Context, userID loyalty.UserID, reference string) (*loyalty.Entry, error) {
	if reference == "" {
		return nil, nil
	}

	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	entries, _, err := l.queryEntries(ctx,
		"SELECT "+entryColumns+` FROM ledger_entries
		 WHERE user_id = ? AND reference = ?
		 ORDER BY seq ASC LIMIT 1`,
		string(userID), reference)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// HasReversal reports whether a reversal referencing id exists.
func (l *ledgerStore) HasReversal(ctx context.Context, id loyalty.EntryID) (bool, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var count int
	err := l.s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM ledger_entries WHERE reference = ? AND tx_type = ?",
		string(id), string(loyalty.TxReversal),
	).Scan(&count)
	if err != nil {
		return false, transient("count reversals", err)
	}
	return count > 0, nil
}

// Balance returns the cached balance; zero for an unseen user.
func (l *ledgerStore) Balance(ctx context.Context, userID loyalty.UserID) (int64, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var balance int64
	err := l.s.db.QueryRowContext(ctx,
		"SELECT balance FROM balances WHERE user_id = ?", string(userID),
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, transient("read balance", err)
	}
	return balance, nil
}

// SumChanges re-sums points_change over the user's ledger.
func (l *ledgerStore) SumChanges(ctx context.Context, userID loyalty.UserID) (int64, error) {
	l.s.mu.RLock()
	defer l.s.mu.RUnlock()

	var sum int64
	err := l.s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(points_change), 0) FROM ledger_entries WHERE user_id = ?",
		string(userID),
	).Scan(&sum)
	if err != nil {
		return 0, transient("sum ledger", err)
	}
	return sum, nil
}

func (l *ledgerStore) queryEntries(ctx context.Context, query string, args ...any) ([]loyalty.Entry, int64, error) {
	rows, err := l.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, transient("query entries", err)
	}
	defer rows.Close()

	var (
		entries []loyalty.Entry
		lastSeq int64
	)
	for rows.Next() {
		var (
			e            loyalty.Entry
			seq          int64
			reference    sql.NullString
			metadataJSON sql.NullString
			createdAt    string
		)
		if err := rows.Scan(&seq, &e.ID, &e.UserID, &e.Type, &e.PointsChange, &e.PointsAfter,
			&reference, &e.Description, &metadataJSON, &createdAt); err != nil {
			return nil, 0, transient("scan entry", err)
		}

		e.Reference = reference.String
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}

		entries = append(entries, e)
		lastSeq = seq
	}
	return entries, lastSeq, rows.Err()
}

// =============================================================================
// VOUCHER STORE (loyalty.VoucherStore interface)
// =============================================================================

// Insert persists a new voucher; ErrConflict when the code is taken.
func (v *voucherStore) Insert(ctx context.Context, voucher loyalty.Voucher) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	_, err := v.s.db.ExecContext(ctx, `
		INSERT INTO vouchers
		(id, user_id, code, value, status, issued_at, expires_at, redeemed_at, redemption_reference)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		voucher.ID,
		voucher.UserID,
		voucher.Code,
		voucher.Value.String(),
		voucher.Status,
		voucher.IssuedAt.Format(timeLayout),
		voucher.ExpiresAt.Format(timeLayout),
		nullTime(voucher.RedeemedAt),
		nullString(voucher.RedemptionReference),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("voucher code %s taken: %w", voucher.Code, loyalty.ErrConflict)
		}
		return transient("insert voucher", err)
	}
	return nil
}

const voucherColumns = "id, user_id, code, value, status, issued_at, expires_at, redeemed_at, redemption_reference"

// Get returns one voucher by ID, or ErrNotFound.
func (v *voucherStore) Get(ctx context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	vouchers, err := v.queryVouchers(ctx,
		"SELECT "+voucherColumns+" FROM vouchers WHERE id = ?", string(id))
	if err != nil {
		return nil, err
	}
	if len(vouchers) == 0 {
		return nil, fmt.Errorf("voucher %s: %w", id, loyalty.ErrNotFound)
	}
	return &vouchers[0], nil
}

// GetByCode returns one voucher by code, or ErrNotFound.
func (v *voucherStore) GetByCode(ctx context.Context, code string) (*loyalty.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	vouchers, err := v.queryVouchers(ctx,
		"SELECT "+voucherColumns+" FROM vouchers WHERE code = ?", code)
	if err != nil {
		return nil, err
	}
	if len(vouchers) == 0 {
		return nil, fmt.Errorf("voucher code %s: %w", code, loyalty.ErrNotFound)
	}
	return &vouchers[0], nil
}

// ListByUser returns the user's vouchers, newest issued first.
func (v *voucherStore) ListByUser(ctx context.Context, userID loyalty.UserID) ([]loyalty.Voucher, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()

	return v.queryVouchers(ctx,
		"SELECT "+voucherColumns+` FROM vouchers
		 WHERE user_id = ? ORDER BY issued_at DESC, id DESC`,
		string(userID))
}

// Transition is the compare-and-set write. Redemption time is recorded
// only when moving to used.
func (v *voucherStore) Transition(ctx context.Context, id loyalty.VoucherID, from, to loyalty.VoucherStatus, at time.Time) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var (
		res sql.Result
		err error
	)
	if to == loyalty.VoucherUsed {
		res, err = v.s.db.ExecContext(ctx,
			"UPDATE vouchers SET status = ?, redeemed_at = ? WHERE id = ? AND status = ?",
			string(to), at.Format(timeLayout), string(id), string(from))
	} else {
		res, err = v.s.db.ExecContext(ctx,
			"UPDATE vouchers SET status = ? WHERE id = ? AND status = ?",
			string(to), string(id), string(from))
	}
	if err != nil {
		return false, transient("transition voucher", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("transition voucher", err)
	}
	return n > 0, nil
}

// ExpireDue moves every overdue active voucher to expired in one
// conditional UPDATE; concurrent runs cannot double-count.
func (v *voucherStore) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	res, err := v.s.db.ExecContext(ctx,
		"UPDATE vouchers SET status = ? WHERE status = ? AND expires_at < ?",
		string(loyalty.VoucherExpired), string(loyalty.VoucherActive),
		now.Format(timeLayout))
	if err != nil {
		return 0, transient("expire vouchers", err)
	}
	return res.RowsAffected()
}

func (v *voucherStore) queryVouchers(ctx context.Context, query string, args ...any) ([]loyalty.Voucher, error) {
	rows, err := v.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("query vouchers", err)
	}
	defer rows.Close()

	var vouchers []loyalty.Voucher
	for rows.Next() {
		var (
			vr         loyalty.Voucher
			value      string
			issuedAt   string
			expiresAt  string
			redeemedAt sql.NullString
			ref        sql.NullString
		)
		if err := rows.Scan(&vr.ID, &vr.UserID, &vr.Code, &value, &vr.Status,
			&issuedAt, &expiresAt, &redeemedAt, &ref); err != nil {
			return nil, transient("scan voucher", err)
		}

		vr.Value, _ = decimal.NewFromString(value)
		vr.IssuedAt, _ = time.Parse(timeLayout, issuedAt)
		vr.ExpiresAt, _ = time.Parse(timeLayout, expiresAt)
		if redeemedAt.Valid {
			t, _ := time.Parse(timeLayout, redeemedAt.String)
			vr.RedeemedAt = &t
		}
		vr.RedemptionReference = ref.String

		vouchers = append(vouchers, vr)
	}
	return vouchers, rows.Err()
}

// =============================================================================
// REPORT STORE (loyalty.ReportStore interface)
// =============================================================================

// Insert persists a new report.
func (r *reportStore) Insert(ctx context.Context, report loyalty.Report) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	_, err := r.s.db.ExecContext(ctx, `
		INSERT INTO reports
		(id, user_id, order_reference, expected_points, reason, status, created_at, resolved_at, resolution_ledger_entry_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		report.ID,
		report.UserID,
		nullString(report.OrderReference),
		report.ExpectedPoints,
		report.Reason,
		report.Status,
		report.CreatedAt.Format(timeLayout),
		nullTime(report.ResolvedAt),
		nullString(string(report.ResolutionEntryID)),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("report %s already exists: %w", report.ID, loyalty.ErrConflict)
		}
		return transient("insert report", err)
	}
	return nil
}

const reportColumns = "id, user_id, order_reference, expected_points, reason, status, created_at, resolved_at, resolution_ledger_entry_id"

// Get returns one report, or ErrNotFound.
func (r *reportStore) Get(ctx context.Context, id loyalty.ReportID) (*loyalty.Report, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	reports, err := r.queryReports(ctx,
		"SELECT "+reportColumns+" FROM reports WHERE id = ?", string(id))
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, fmt.Errorf("report %s: %w", id, loyalty.ErrNotFound)
	}
	return &reports[0], nil
}

// ListByStatus returns reports in the status, newest first.
func (r *reportStore) ListByStatus(ctx context.Context, status loyalty.ReportStatus) ([]loyalty.Report, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.queryReports(ctx,
		"SELECT "+reportColumns+` FROM reports
		 WHERE status = ? ORDER BY created_at DESC, id DESC`,
		string(status))
}

// Transition is the compare-and-set on status: the exactly-once gate for
// dispute resolution. Moving to a terminal state stamps resolved_at;
// moving back (rollback) clears the resolution fields.
func (r *reportStore) Transition(ctx context.Context, id loyalty.ReportID, from []loyalty.ReportStatus, to loyalty.ReportStatus, now time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition report %s: empty from set", id)
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")

	var query string
	args := []any{string(to)}
	if to.Terminal() {
		query = "UPDATE reports SET status = ?, resolved_at = ? WHERE id = ? AND status IN (" + placeholders + ")"
		args = append(args, now.Format(timeLayout), string(id))
	} else {
		query = "UPDATE reports SET status = ?, resolved_at = NULL, resolution_ledger_entry_id = NULL WHERE id = ? AND status IN (" + placeholders + ")"
		args = append(args, string(id))
	}
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := r.s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, transient("transition report", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, transient("transition report", err)
	}
	return n > 0, nil
}

// SetResolutionEntry anchors the settling ledger entry on the report.
func (r *reportStore) SetResolutionEntry(ctx context.Context, id loyalty.ReportID, entryID loyalty.EntryID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	res, err := r.s.db.ExecContext(ctx,
		"UPDATE reports SET resolution_ledger_entry_id = ? WHERE id = ?",
		string(entryID), string(id))
	if err != nil {
		return transient("set resolution entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transient("set resolution entry", err)
	}
	if n == 0 {
		return fmt.Errorf("report %s: %w", id, loyalty.ErrNotFound)
	}
	return nil
}

func (r *reportStore) queryReports(ctx context.Context, query string, args ...any) ([]loyalty.Report, error) {
	rows, err := r.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, transient("query reports", err)
	}
	defer rows.Close()

	var reports []loyalty.Report
	for rows.Next() {
		var (
			rep        loyalty.Report
			orderRef   sql.NullString
			createdAt  string
			resolvedAt sql.NullString
			entryID    sql.NullString
		)
		if err := rows.Scan(&rep.ID, &rep.UserID, &orderRef, &rep.ExpectedPoints, &rep.Reason,
			&rep.Status, &createdAt, &resolvedAt, &entryID); err != nil {
			return nil, transient("scan report", err)
		}

		rep.OrderReference = orderRef.String
		rep.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		if resolvedAt.Valid {
			t, _ := time.Parse(timeLayout, resolvedAt.String)
			rep.ResolvedAt = &t
		}
		rep.ResolutionEntryID = loyalty.EntryID(entryID.String)

		reports = append(reports, rep)
	}
	return reports, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

func queryLimit(limit int) int {
	if limit <= 0 {
		return -1 // SQLite: no limit
	}
	return limit
}

func nextCursor(entries []loyalty.Entry, lastSeq int64, limit int) string {
	if limit > 0 && len(entries) == limit {
		return strconv.FormatInt(lastSeq, 10)
	}
	return ""
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed cursor %q", cursor)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %s: %w", op, err, loyalty.ErrTransient)
}
