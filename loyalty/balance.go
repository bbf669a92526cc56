/*
balance.go - Atomic credit/debit with per-user serialization

PURPOSE:
  BalanceService is the only writer of the ledger. ApplyDelta reads the
  balance, validates the delta, and appends the entry as one unit; the
  store commits entry and cached balance together.

CONCURRENCY:
  All ApplyDelta calls for the same user are linearized behind a per-user
  mutex, so the balance read-modify-write cannot race. Calls for
  different users proceed independently. The store's snapshot check is a
  second line of defense: even a caller that bypasses this service cannot
  commit a lost update.

NO NEGATIVE BALANCE:
  A negative delta that would drive the balance below zero fails with
  InsufficientBalanceError before anything is written.

SEE ALSO:
  - store.go: LedgerStore contract
  - reconcile.go: Drives ApplyDelta on dispute approval
*/
package loyalty

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BalanceService computes and maintains user balances from the ledger.
type BalanceService struct {
	ledger LedgerStore
	bus    *EventBus
	locks  sync.Map // UserID -> *sync.Mutex
	now    func() time.Time
}

// NewBalanceService creates a balance service. bus may be nil.
func NewBalanceService(ledger LedgerStore, bus *EventBus) *BalanceService {
	return &BalanceService{
		ledger: ledger,
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *BalanceService) userLock(id UserID) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// ApplyDelta atomically applies a signed, non-zero point delta to the
// user's balance and appends the corresponding ledger entry. Returns the
// new entry's ID and the resulting balance.
func (s *BalanceService) ApplyDelta(ctx context.Context, userID UserID, delta int64, txType TransactionType, reference, description string, meta EntryMetadata) (EntryID, int64, error) {
	if userID == "" {
		BalanceRejections.WithLabelValues("invalid_delta").Inc()
		return "", 0, fmt.Errorf("user id required: %w", ErrInvalidDelta)
	}
	if delta == 0 {
		BalanceRejections.WithLabelValues("invalid_delta").Inc()
		return "", 0, fmt.Errorf("zero delta for %s: %w", userID, ErrInvalidDelta)
	}
	if !ValidTransactionType(txType) {
		BalanceRejections.WithLabelValues("invalid_delta").Inc()
		return "", 0, fmt.Errorf("unknown transaction type %q: %w", txType, ErrInvalidDelta)
	}

	mu := s.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	return s.applyLocked(ctx, userID, delta, txType, reference, description, meta)
}

// applyLocked performs the read-validate-append cycle. Caller holds the
// user's lock.
func (s *BalanceService) applyLocked(ctx context.Context, userID UserID, delta int64, txType TransactionType, reference, description string, meta EntryMetadata) (EntryID, int64, error) {
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return "", 0, err
	}

	after := balance + delta
	if after < 0 {
		BalanceRejections.WithLabelValues("insufficient_balance").Inc()
		return "", 0, &InsufficientBalanceError{
			UserID:    userID,
			Available: balance,
			Requested: -delta,
		}
	}

	entry := Entry{
		ID:           EntryID(uuid.NewString()),
		UserID:       userID,
		Type:         txType,
		PointsChange: delta,
		PointsAfter:  after,
		Reference:    reference,
		Description:  description,
		Metadata:     meta,
		CreatedAt:    s.now(),
	}

	if err := s.ledger.Append(ctx, entry); err != nil {
		if IsRetryable(err) {
			BalanceRejections.WithLabelValues("conflict").Inc()
		}
		return "", 0, err
	}

	LedgerAppends.WithLabelValues(string(txType)).Inc()
	s.bus.Publish(ctx, EventLedgerAppended, LedgerAppendedData{Entry: entry, NewBalance: after})

	return entry.ID, after, nil
}

// GetBalance returns the balance reflecting the latest committed
// ApplyDelta. Zero for a user with no ledger history.
func (s *BalanceService) GetBalance(ctx context.Context, userID UserID) (int64, error) {
	return s.ledger.Balance(ctx, userID)
}

// Reverse appends a compensating entry undoing a previous one. The
// original stays in the ledger; the reversal references it. An entry can
// be reversed at most once, and reversals themselves cannot be reversed.
func (s *BalanceService) Reverse(ctx context.Context, entryID EntryID, reason string, meta EntryMetadata) (EntryID, int64, error) {
	orig, err := s.ledger.Get(ctx, entryID)
	if err != nil {
		return "", 0, err
	}
	if orig.Type == TxReversal {
		return "", 0, &InvalidStateError{Kind: "entry", ID: string(entryID), Status: string(TxReversal)}
	}

	mu := s.userLock(orig.UserID)
	mu.Lock()
	defer mu.Unlock()

	// Check under the lock so two concurrent reversals cannot both pass.
	reversed, err := s.ledger.HasReversal(ctx, entryID)
	if err != nil {
		return "", 0, err
	}
	if reversed {
		return "", 0, fmt.Errorf("entry %s: %w", entryID, ErrAlreadyReversed)
	}

	return s.applyLocked(ctx, orig.UserID, -orig.PointsChange, TxReversal, string(entryID), reason, meta)
}
