/*
reconcile.go - Missing-points disputes and exactly-once resolution

PURPOSE:
  Manages the dispute workflow end to end:

    file() -> reported
    reported --beginInvestigation--> investigating   (optional)
    reported|investigating --approve--> resolved     (terminal)
    reported|investigating --reject-->  rejected     (terminal)

EXACTLY-ONCE:
  The compare-and-set from a non-terminal to a terminal status is the
  sole gate against double-crediting, independent of any ledger-level
  idempotency. Concurrent or retried Resolve calls produce exactly one
  credit; losers observe ErrAlreadyResolved, which callers should treat
  as success-equivalent.

CRASH RECOVERY:
  The ledger entry referencing the report ID is the idempotency anchor.
  If the process dies between crediting and marking resolved (or between
  marking and recording the entry ID), Recover completes the transition
  without re-crediting.

  All balance mutation is delegated to BalanceService; this service never
  writes ledger entries itself.
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// nonTerminalStatuses are the states a report can still be resolved from.
var nonTerminalStatuses = []ReportStatus{ReportReported, ReportInvestigating}

// ReconciliationService owns missing-points reports.
type ReconciliationService struct {
	reports  ReportStore
	ledger   LedgerStore
	balances *BalanceService
	bus      *EventBus
	now      func() time.Time
}

// NewReconciliationService creates a reconciliation service. The ledger
// store is used read-only, for the recovery anchor lookup. bus may be nil.
func NewReconciliationService(reports ReportStore, ledger LedgerStore, balances *BalanceService, bus *EventBus) *ReconciliationService {
	return &ReconciliationService{
		reports:  reports,
		ledger:   ledger,
		balances: balances,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// File records a new dispute in the reported state. No points move.
func (s *ReconciliationService) File(ctx context.Context, userID UserID, orderReference string, expectedPoints int64, reason string) (*Report, error) {
	if userID == "" {
		return nil, fmt.Errorf("file report: user id required")
	}
	if expectedPoints <= 0 {
		return nil, fmt.Errorf("file report: expected points must be positive, got %d", expectedPoints)
	}

	r := Report{
		ID:             ReportID(uuid.NewString()),
		UserID:         userID,
		OrderReference: orderReference,
		ExpectedPoints: expectedPoints,
		Reason:         reason,
		Status:         ReportReported,
		CreatedAt:      s.now(),
	}

	if err := s.reports.Insert(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

// BeginInvestigation moves a report from reported to investigating.
// Calling it on a report already under investigation is a no-op.
func (s *ReconciliationService) BeginInvestigation(ctx context.Context, id ReportID) (*Report, error) {
	r, err := s.reports.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("report %s: %w", id, ErrAlreadyResolved)
	}
	if r.Status == ReportInvestigating {
		return r, nil
	}

	ok, err := s.reports.Transition(ctx, id, []ReportStatus{ReportReported}, ReportInvestigating, s.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		// Raced with a resolver or another investigator; report accurately.
		cur, err := s.reports.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cur.Status.Terminal() {
			return nil, fmt.Errorf("report %s: %w", id, ErrAlreadyResolved)
		}
		return cur, nil
	}

	r.Status = ReportInvestigating
	return r, nil
}

// Resolve closes a dispute exactly once. On approval it credits the user
// through BalanceService and anchors the resulting entry ID on the
// report; on rejection no points move. A report that is already terminal
// yields ErrAlreadyResolved regardless of the requested outcome.
func (s *ReconciliationService) Resolve(ctx context.Context, id ReportID, approved bool) (*Report, error) {
	r, err := s.reports.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		ReportResolutions.WithLabelValues("already_resolved").Inc()
		return nil, fmt.Errorf("report %s is %s: %w", id, r.Status, ErrAlreadyResolved)
	}

	now := s.now()

	if !approved {
		ok, err := s.reports.Transition(ctx, id, nonTerminalStatuses, ReportRejected, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			ReportResolutions.WithLabelValues("already_resolved").Inc()
			return nil, fmt.Errorf("report %s: %w", id, ErrAlreadyResolved)
		}

		r.Status = ReportRejected
		r.ResolvedAt = &now
		ReportResolutions.WithLabelValues("rejected").Inc()
		s.bus.Publish(ctx, EventReportResolved, ReportResolvedData{Report: *r, Approved: false})
		return r, nil
	}

	// A previous attempt may have credited and then died before marking
	// the report. The anchor entry settles it without a second credit.
	if entry, err := s.ledger.FindByReference(ctx, r.UserID, string(id)); err != nil {
		return nil, err
	} else if entry != nil {
		return s.completeApproval(ctx, r, entry.ID, now)
	}

	// The exactly-once gate. Whoever wins this transition credits; every
	// other caller gets ErrAlreadyResolved.
	ok, err := s.reports.Transition(ctx, id, nonTerminalStatuses, ReportResolved, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		ReportResolutions.WithLabelValues("already_resolved").Inc()
		return nil, fmt.Errorf("report %s: %w", id, ErrAlreadyResolved)
	}

	entryID, _, err := s.balances.ApplyDelta(ctx, r.UserID, r.ExpectedPoints, TxAdjustment,
		string(id), fmt.Sprintf("missing points credit for %s", r.OrderReference),
		EntryMetadata{ActorType: "operator", Channel: "reconciliation"})
	if err != nil {
		// Roll the report back to its prior state; the failed credit
		// wrote nothing, so no partial state survives.
		if _, rbErr := s.reports.Transition(ctx, id, []ReportStatus{ReportResolved}, r.Status, now); rbErr != nil {
			return nil, fmt.Errorf("credit failed (%w) and rollback failed: %v", err, rbErr)
		}
		return nil, err
	}

	if err := s.reports.SetResolutionEntry(ctx, id, entryID); err != nil {
		// The credit is committed and the report is resolved; only the
		// anchor is missing. Recover derives it from the ledger.
		return nil, err
	}

	r.Status = ReportResolved
	r.ResolvedAt = &now
	r.ResolutionEntryID = entryID
	ReportResolutions.WithLabelValues("resolved").Inc()
	s.bus.Publish(ctx, EventReportResolved, ReportResolvedData{Report: *r, Approved: true})
	return r, nil
}

// completeApproval finishes an approval whose credit already landed.
func (s *ReconciliationService) completeApproval(ctx context.Context, r *Report, entryID EntryID, now time.Time) (*Report, error) {
	ok, err := s.reports.Transition(ctx, r.ID, nonTerminalStatuses, ReportResolved, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		ReportResolutions.WithLabelValues("already_resolved").Inc()
		return nil, fmt.Errorf("report %s: %w", r.ID, ErrAlreadyResolved)
	}
	if err := s.reports.SetResolutionEntry(ctx, r.ID, entryID); err != nil {
		return nil, err
	}

	r.Status = ReportResolved
	r.ResolvedAt = &now
	r.ResolutionEntryID = entryID
	ReportResolutions.WithLabelValues("resolved").Inc()
	s.bus.Publish(ctx, EventReportResolved, ReportResolvedData{Report: *r, Approved: true})
	return r, nil
}

// Recover scans for half-applied resolutions after a crash and completes
// them without re-crediting. Two shapes exist:
//   - credit committed, report still non-terminal: mark it resolved
//   - report resolved but anchor missing: re-derive the entry ID
//
// Returns how many reports were repaired. Safe to run at every startup.
func (s *ReconciliationService) Recover(ctx context.Context) (int, error) {
	repaired := 0

	for _, status := range nonTerminalStatuses {
		reports, err := s.reports.ListByStatus(ctx, status)
		if err != nil {
			return repaired, err
		}
		for i := range reports {
			r := &reports[i]
			entry, err := s.ledger.FindByReference(ctx, r.UserID, string(r.ID))
			if err != nil {
				return repaired, err
			}
			if entry == nil {
				continue
			}
			if _, err := s.completeApproval(ctx, r, entry.ID, s.now()); err != nil {
				return repaired, err
			}
			repaired++
		}
	}

	resolved, err := s.reports.ListByStatus(ctx, ReportResolved)
	if err != nil {
		return repaired, err
	}
	for i := range resolved {
		r := &resolved[i]
		if r.ResolutionEntryID != "" {
			continue
		}
		entry, err := s.ledger.FindByReference(ctx, r.UserID, string(r.ID))
		if err != nil {
			return repaired, err
		}
		if entry == nil {
			// Resolved without a credit: the crash hit between the status
			// transition and ApplyDelta. Complete the credit now.
			entryID, _, err := s.balances.ApplyDelta(ctx, r.UserID, r.ExpectedPoints, TxAdjustment,
				string(r.ID), fmt.Sprintf("missing points credit for %s", r.OrderReference),
				EntryMetadata{ActorType: "system", Channel: "reconciliation"})
			if err != nil {
				return repaired, err
			}
			if err := s.reports.SetResolutionEntry(ctx, r.ID, entryID); err != nil {
				return repaired, err
			}
			repaired++
			continue
		}
		if err := s.reports.SetResolutionEntry(ctx, r.ID, entry.ID); err != nil {
			return repaired, err
		}
		repaired++
	}

	return repaired, nil
}

// ListByStatus returns reports in the given status, newest first. Drives
// the operator queues.
func (s *ReconciliationService) ListByStatus(ctx context.Context, status ReportStatus) ([]Report, error) {
	if !ValidReportStatus(status) {
		return nil, fmt.Errorf("unknown report status %q", status)
	}
	return s.reports.ListByStatus(ctx, status)
}
