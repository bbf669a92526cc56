// Package store provides in-memory implementations of the loyalty
// persistence contracts, for tests and local development.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/warp/loyalty-core/loyalty"
)

// =============================================================================
// MEMORY LEDGER - Append-only entries plus materialized balances
// =============================================================================

type memEntry struct {
	seq   int64
	entry loyalty.Entry
}

// MemoryLedger implements loyalty.LedgerStore.
type MemoryLedger struct {
	mu       sync.RWMutex
	seq      int64
	entries  []memEntry
	byID     map[loyalty.EntryID]int
	balances map[loyalty.UserID]int64

	// FailAppend, when set, is consulted before committing. Fault
	// injection seam for rollback and recovery tests.
	FailAppend func(loyalty.Entry) error
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byID:     make(map[loyalty.EntryID]int),
		balances: make(map[loyalty.UserID]int64),
	}
}

// Append commits the entry and moves the balance, enforcing the snapshot
// check the same way the SQLite store does at commit time.
func (m *MemoryLedger) Append(_ context.Context, entry loyalty.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		if err := m.FailAppend(entry); err != nil {
			return err
		}
	}

	if _, dup := m.byID[entry.ID]; dup {
		return fmt.Errorf("entry %s already exists: %w", entry.ID, loyalty.ErrConflict)
	}

	current := m.balances[entry.UserID]
	if current+entry.PointsChange != entry.PointsAfter {
		return &loyalty.ConflictError{
			UserID:   entry.UserID,
			Expected: entry.PointsAfter,
			Found:    current + entry.PointsChange,
		}
	}

	m.seq++
	m.byID[entry.ID] = len(m.entries)
	m.entries = append(m.entries, memEntry{seq: m.seq, entry: entry})
	m.balances[entry.UserID] = entry.PointsAfter
	return nil
}

// Get returns the entry, or ErrNotFound.
func (m *MemoryLedger) Get(_ context.Context, id loyalty.EntryID) (*loyalty.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", id, loyalty.ErrNotFound)
	}
	e := m.entries[i].entry
	return &e, nil
}

// ListFor returns the user's entries in creation order from cursor.
func (m *MemoryLedger) ListFor(_ context.Context, userID loyalty.UserID, cursor string, limit int) ([]loyalty.Entry, string, error) {
	after, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []loyalty.Entry
	var last int64
	for _, me := range m.entries {
		if me.entry.UserID != userID || me.seq <= after {
			continue
		}
		out = append(out, me.entry)
		last = me.seq
		if limit > 0 && len(out) == limit {
			return out, strconv.FormatInt(last, 10), nil
		}
	}
	return out, "", nil
}

// History returns the user's entries newest first from cursor.
func (m *MemoryLedger) History(_ context.Context, userID loyalty.UserID, cursor string, limit int) ([]loyalty.Entry, string, error) {
	before, err := parseCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	if before == 0 {
		before = int64(^uint64(0) >> 1) // start from the newest
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []loyalty.Entry
	var last int64
	for i := len(m.entries) - 1; i >= 0; i-- {
		me := m.entries[i]
		if me.entry.UserID != userID || me.seq >= before {
			continue
		}
		out = append(out, me.entry)
		last = me.seq
		if limit > 0 && len(out) == limit {
			return out, strconv.FormatInt(last, 10), nil
		}
	}
	return out, "", nil
}

// FindByReference returns the user's first entry with the reference, or nil.
func (m *MemoryLedger) FindByReference(_ context.Context, userID loyalty.UserID, reference string) (*loyalty.Entry, error) {
	if reference == "" {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, me := range m.entries {
		if me.entry.UserID == userID && me.entry.Reference == reference {
			e := me.entry
			return &e, nil
		}
	}
	return nil, nil
}

// HasReversal reports whether a reversal referencing id exists.
func (m *MemoryLedger) HasReversal(_ context.Context, id loyalty.EntryID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, me := range m.entries {
		if me.entry.Type == loyalty.TxReversal && me.entry.Reference == string(id) {
			return true, nil
		}
	}
	return false, nil
}

// Balance returns the cached balance; zero for an unseen user.
func (m *MemoryLedger) Balance(_ context.Context, userID loyalty.UserID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[userID], nil
}

// SumChanges re-sums the user's ledger.
func (m *MemoryLedger) SumChanges(_ context.Context, userID loyalty.UserID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, me := range m.entries {
		if me.entry.UserID == userID {
			sum += me.entry.PointsChange
		}
	}
	return sum, nil
}

// CorruptBalance overwrites the cached balance directly, bypassing the
// ledger. Exists only so drift-detection tests can break the invariant.
func (m *MemoryLedger) CorruptBalance(userID loyalty.UserID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
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

// =============================================================================
// MEMORY VOUCHER STORE
// =============================================================================

// MemoryVouchers implements loyalty.VoucherStore.
type MemoryVouchers struct {
	mu     sync.RWMutex
	seq    int64
	byID   map[loyalty.VoucherID]*voucherRec
	byCode map[string]loyalty.VoucherID
}

type voucherRec struct {
	seq int64
	v   loyalty.Voucher
}

// NewMemoryVouchers creates an empty voucher store.
func NewMemoryVouchers() *MemoryVouchers {
	return &MemoryVouchers{
		byID:   make(map[loyalty.VoucherID]*voucherRec),
		byCode: make(map[string]loyalty.VoucherID),
	}
}

func (m *MemoryVouchers) Insert(_ context.Context, v loyalty.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, taken := m.byCode[v.Code]; taken {
		return fmt.Errorf("voucher code %s taken: %w", v.Code, loyalty.ErrConflict)
	}
	if _, dup := m.byID[v.ID]; dup {
		return fmt.Errorf("voucher %s already exists: %w", v.ID, loyalty.ErrConflict)
	}

	m.seq++
	m.byID[v.ID] = &voucherRec{seq: m.seq, v: v}
	m.byCode[v.Code] = v.ID
	return nil
}

func (m *MemoryVouchers) Get(_ context.Context, id loyalty.VoucherID) (*loyalty.Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("voucher %s: %w", id, loyalty.ErrNotFound)
	}
	v := rec.v
	return &v, nil
}

func (m *MemoryVouchers) GetByCode(_ context.Context, code string) (*loyalty.Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byCode[code]
	if !ok {
		return nil, fmt.Errorf("voucher code %s: %w", code, loyalty.ErrNotFound)
	}
	v := m.byID[id].v
	return &v, nil
}

func (m *MemoryVouchers) ListByUser(_ context.Context, userID loyalty.UserID) ([]loyalty.Voucher, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*voucherRec
	for _, rec := range m.byID {
		if rec.v.UserID == userID {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	out := make([]loyalty.Voucher, len(recs))
	for i, rec := range recs {
		out[i] = rec.v
	}
	return out, nil
}

func (m *MemoryVouchers) Transition(_ context.Context, id loyalty.VoucherID, from, to loyalty.VoucherStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return false, fmt.Errorf("voucher %s: %w", id, loyalty.ErrNotFound)
	}
	if rec.v.Status != from {
		return false, nil
	}

	rec.v.Status = to
	if to == loyalty.VoucherUsed {
		t := at
		rec.v.RedeemedAt = &t
	}
	return true, nil
}

func (m *MemoryVouchers) ExpireDue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.byID {
		if rec.v.Status == loyalty.VoucherActive && now.After(rec.v.ExpiresAt) {
			rec.v.Status = loyalty.VoucherExpired
			n++
		}
	}
	return n, nil
}

// =============================================================================
// MEMORY REPORT STORE
// =============================================================================

// MemoryReports implements loyalty.ReportStore.
type MemoryReports struct {
	mu   sync.RWMutex
	seq  int64
	byID map[loyalty.ReportID]*reportRec
}

type reportRec struct {
	seq int64
	r   loyalty.Report
}

// NewMemoryReports creates an empty report store.
func NewMemoryReports() *MemoryReports {
	return &MemoryReports{byID: make(map[loyalty.ReportID]*reportRec)}
}

func (m *MemoryReports) Insert(_ context.Context, r loyalty.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.byID[r.ID]; dup {
		return fmt.Errorf("report %s already exists: %w", r.ID, loyalty.ErrConflict)
	}
	m.seq++
	m.byID[r.ID] = &reportRec{seq: m.seq, r: r}
	return nil
}

func (m *MemoryReports) Get(_ context.Context, id loyalty.ReportID) (*loyalty.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, loyalty.ErrNotFound)
	}
	r := rec.r
	return &r, nil
}

func (m *MemoryReports) ListByStatus(_ context.Context, status loyalty.ReportStatus) ([]loyalty.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var recs []*reportRec
	for _, rec := range m.byID {
		if rec.r.Status == status {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })

	out := make([]loyalty.Report, len(recs))
	for i, rec := range recs {
		out[i] = rec.r
	}
	return out, nil
}

func (m *MemoryReports) Transition(_ context.Context, id loyalty.ReportID, from []loyalty.ReportStatus, to loyalty.ReportStatus, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return false, fmt.Errorf("report %s: %w", id, loyalty.ErrNotFound)
	}

	matched := false
	for _, f := range from {
		if rec.r.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	rec.r.Status = to
	if to.Terminal() {
		t := now
		rec.r.ResolvedAt = &t
	} else {
		rec.r.ResolvedAt = nil
		rec.r.ResolutionEntryID = ""
	}
	return true, nil
}

func (m *MemoryReports) SetResolutionEntry(_ context.Context, id loyalty.ReportID, entryID loyalty.EntryID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.byID[id]
	if !ok {
		return fmt.Errorf("report %s: %w", id, loyalty.ErrNotFound)
	}
	rec.r.ResolutionEntryID = entryID
	return nil
}

// Interface checks.
var (
	_ loyalty.LedgerStore  = (*MemoryLedger)(nil)
	_ loyalty.VoucherStore = (*MemoryVouchers)(nil)
	_ loyalty.ReportStore  = (*MemoryReports)(nil)
)
