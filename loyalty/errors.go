/*
errors.go - Centralized error taxonomy for the loyalty core

PURPOSE:
  All error kinds in one place. Callers match with errors.Is; structured
  errors carry context and unwrap to their sentinel.

ERROR CATEGORIES:
  1. Lookup errors      - unknown IDs or codes
  2. State errors       - lifecycle transitions that are not permitted
  3. Balance errors     - deltas the ledger refuses
  4. Storage errors     - optimistic-concurrency conflicts, transient faults

RETRY POLICY:
  The core never retries mutating operations itself. ErrTransient on a
  write means "outcome unknown": re-query state before retrying.
  ErrAlreadyResolved is a normal outcome under concurrency, not a fault.
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned for unknown user, entry, voucher, or report IDs
	// and for unknown voucher codes.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when a voucher or report is not in a state
	// that permits the requested transition. Retrying never changes the
	// outcome: a used voucher stays used.
	ErrInvalidState = errors.New("invalid state for requested transition")

	// ErrVoucherExpired is returned by Redeem when the voucher's validity
	// window has passed. The voucher is transitioned to expired before the
	// error is raised, so the system self-heals even though the caller
	// sees a failure.
	ErrVoucherExpired = errors.New("voucher expired")

	// ErrInsufficientBalance is returned when a negative delta would drive
	// the balance below zero. Neither balance nor ledger is mutated.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidDelta is returned for a zero delta or an unknown
	// transaction type. A no-op ledger entry is never written.
	ErrInvalidDelta = errors.New("invalid delta")

	// ErrAlreadyResolved is returned when resolving a report that is
	// already terminal. Expected under retries and concurrent resolution;
	// callers should treat it as "someone already resolved this".
	ErrAlreadyResolved = errors.New("report already resolved")

	// ErrAlreadyReversed is returned when reversing an entry that already
	// has a reversal referencing it.
	ErrAlreadyReversed = errors.New("entry already reversed")

	// ErrConflict is returned when an append's balance snapshot does not
	// match the committed balance. Defends against lost updates if the
	// store is called outside BalanceService.
	ErrConflict = errors.New("balance snapshot conflict")

	// ErrTransient is returned for storage faults where the outcome of a
	// write is unknown. Safe to retry reads; writes must be preceded by a
	// state check.
	ErrTransient = errors.New("transient storage error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how far short the balance fell.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// ConflictError reports a snapshot mismatch detected at commit time.
type ConflictError struct {
	UserID   UserID
	Expected int64 // PointsAfter the entry claimed
	Found    int64 // balance the committed ledger implies
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("balance snapshot conflict for %s: entry claims %d, committed balance implies %d",
		e.UserID, e.Expected, e.Found)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidStateError reports a lifecycle transition that is not permitted.
type InvalidStateError struct {
	Kind   string // "voucher" or "report"
	ID     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s is %s: transition not permitted", e.Kind, e.ID, e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the operation might succeed on retry.
// Mutating retries must re-check state first (the write may have landed).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}

// IsClientError reports whether the error is due to the caller's input or
// timing rather than a fault in the core.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidDelta) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrVoucherExpired) ||
		errors.Is(err, ErrAlreadyResolved) ||
		errors.Is(err, ErrAlreadyReversed)
}
