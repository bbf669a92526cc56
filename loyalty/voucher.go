/*
voucher.go - Voucher issuance and one-way lifecycle

PURPOSE:
  Issues vouchers as the product of a point redemption and walks them
  through their lifecycle:

    issue() -> active
    active --redeem-->  used       (terminal)
    active --clock-->   expired    (terminal)
    active --cancel-->  cancelled  (terminal)

ORDERING CONTRACT:
  Issue does not deduct points. The caller must have already debited the
  points via BalanceService; RedemptionReference ties the voucher back to
  that redemption. Documented precondition, not enforced in-process.

LAZY EXPIRY:
  Redeeming (or cancelling) a voucher whose validity window has passed
  transitions it to expired before the error is returned, so the record
  self-heals even when the background sweep has not run yet.

ATOMICITY:
  Redemption is a compare-and-set on the voucher row: two concurrent
  attempts on the same code produce exactly one used transition; the
  loser observes InvalidStateError.
*/
package loyalty

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Voucher codes avoid visually ambiguous characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	codeGroups    = 3
	codeGroupSize = 4

	// issueAttempts bounds collision-checked retries on code generation.
	// With a 31-char alphabet and 12 characters, collisions are
	// vanishingly rare; the bound exists so a broken store cannot spin.
	issueAttempts = 5
)

// VoucherService issues vouchers and manages their lifecycle.
type VoucherService struct {
	vouchers VoucherStore
	bus      *EventBus
	now      func() time.Time
}

// NewVoucherService creates a voucher service. bus may be nil.
func NewVoucherService(vouchers VoucherStore, bus *EventBus) *VoucherService {
	return &VoucherService{
		vouchers: vouchers,
		bus:      bus,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates an active voucher for the user, valid for validityDays
// from now, with a unique unguessable code.
func (s *VoucherService) Issue(ctx context.Context, userID UserID, value decimal.Decimal, validityDays int, redemptionReference string) (*Voucher, error) {
	if userID == "" {
		return nil, fmt.Errorf("voucher issue: user id required")
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("voucher issue: value must be positive, got %s", value)
	}
	if validityDays <= 0 {
		return nil, fmt.Errorf("voucher issue: validity must be at least one day, got %d", validityDays)
	}

	now := s.now()
	for attempt := 0; attempt < issueAttempts; attempt++ {
		code, err := generateCode()
		if err != nil {
			return nil, fmt.Errorf("voucher issue: %w", err)
		}

		v := Voucher{
			ID:                  VoucherID(uuid.NewString()),
			UserID:              userID,
			Code:                code,
			Value:               value,
			Status:              VoucherActive,
			IssuedAt:            now,
			ExpiresAt:           now.AddDate(0, 0, validityDays),
			RedemptionReference: redemptionReference,
		}

		err = s.vouchers.Insert(ctx, v)
		if errors.Is(err, ErrConflict) {
			continue // code collision, try a fresh one
		}
		if err != nil {
			return nil, err
		}

		VouchersIssued.Inc()
		s.bus.Publish(ctx, EventVoucherIssued, VoucherIssuedData{Voucher: v})
		return &v, nil
	}

	return nil, fmt.Errorf("voucher issue: could not generate a unique code after %d attempts", issueAttempts)
}

// Redeem marks the voucher used. Fails with ErrNotFound for an unknown
// code, InvalidStateError when the voucher is not active, and
// ErrVoucherExpired when the validity window has passed (transitioning
// the voucher to expired first). Retrying a used voucher always yields
// InvalidStateError; it is never re-redeemed.
func (s *VoucherService) Redeem(ctx context.Context, code string) (*Voucher, error) {
	v, err := s.vouchers.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if v.Status != VoucherActive {
		return nil, &InvalidStateError{Kind: "voucher", ID: string(v.ID), Status: string(v.Status)}
	}

	now := s.now()
	if v.Expired(now) {
		s.lazyExpire(ctx, v.ID, now)
		return nil, fmt.Errorf("voucher %s: %w", v.Code, ErrVoucherExpired)
	}

	ok, err := s.vouchers.Transition(ctx, v.ID, VoucherActive, VoucherUsed, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Lost a race; report the state the winner left behind.
		cur, err := s.vouchers.Get(ctx, v.ID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidStateError{Kind: "voucher", ID: string(v.ID), Status: string(cur.Status)}
	}

	VoucherTransitions.WithLabelValues(string(VoucherUsed)).Inc()
	v.Status = VoucherUsed
	v.RedeemedAt = &now
	return v, nil
}

// Cancel moves an active voucher to cancelled. Admin operation.
func (s *VoucherService) Cancel(ctx context.Context, id VoucherID) (*Voucher, error) {
	v, err := s.vouchers.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if v.Status != VoucherActive {
		return nil, &InvalidStateError{Kind: "voucher", ID: string(id), Status: string(v.Status)}
	}

	now := s.now()
	if v.Expired(now) {
		s.lazyExpire(ctx, v.ID, now)
		return nil, fmt.Errorf("voucher %s: %w", v.Code, ErrVoucherExpired)
	}

	ok, err := s.vouchers.Transition(ctx, id, VoucherActive, VoucherCancelled, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.vouchers.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidStateError{Kind: "voucher", ID: string(id), Status: string(cur.Status)}
	}

	VoucherTransitions.WithLabelValues(string(VoucherCancelled)).Inc()
	v.Status = VoucherCancelled
	return v, nil
}

// ExpireDue sweeps every active voucher whose expiry has passed into
// expired. Idempotent; the scheduler runs it on an interval and a second
// concurrent run finds nothing left to move.
func (s *VoucherService) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.vouchers.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, err
	}
	VoucherTransitions.WithLabelValues(string(VoucherExpired)).Add(float64(n))
	return n, nil
}

// lazyExpire performs the one-way active->expired transition on read.
// Losing the race to a concurrent sweep is fine: the outcome is the same.
func (s *VoucherService) lazyExpire(ctx context.Context, id VoucherID, now time.Time) {
	ok, err := s.vouchers.Transition(ctx, id, VoucherActive, VoucherExpired, now)
	if err == nil && ok {
		VoucherTransitions.WithLabelValues(string(VoucherExpired)).Inc()
	}
}

// generateCode produces an unguessable voucher code like "WQ4N-7KPT-M2XA".
// Uniform over the alphabet via crypto/rand.
func generateCode() (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	groups := make([]string, 0, codeGroups)
	buf := make([]byte, codeGroupSize)

	for g := 0; g < codeGroups; g++ {
		for i := range buf {
			n, err := rand.Int(rand.Reader, max)
			if err != nil {
				return "", fmt.Errorf("generate code: %w", err)
			}
			buf[i] = codeAlphabet[n.Int64()]
		}
		groups = append(groups, string(buf))
	}

	return strings.Join(groups, "-"), nil
}
