/*
scheduler.go - Automated voucher expiry sweeper

PURPOSE:
  Periodically moves overdue active vouchers to expired. Expiry is also
  applied lazily on redeem/cancel, so the sweep is a cleanup that keeps
  listings accurate for vouchers nobody touches.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - One conditional UPDATE per sweep; concurrent sweeps cannot
    double-count
  - Safe to run alongside lazy expiry: both paths use the same
    compare-and-set transition

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := NewVoucherSweeper(vouchers)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: SweepVouchers endpoint (manual sweep)
  - loyalty/voucher.go: ExpireDue
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/loyalty-core/loyalty"
)

// VoucherSweeper handles automated voucher expiry.
type VoucherSweeper struct {
	Vouchers      *loyalty.VoucherService
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewVoucherSweeper creates a new sweeper.
func NewVoucherSweeper(vouchers *loyalty.VoucherService) *VoucherSweeper {
	return &VoucherSweeper{
		Vouchers:      vouchers,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (vs *VoucherSweeper) Start() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if !vs.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	vs.ticker = time.NewTicker(vs.CheckInterval)
	vs.wg.Add(1)

	go vs.run()

	log.Printf("[Sweeper] Started with check interval: %v", vs.CheckInterval)
}

// Stop stops the sweeper.
func (vs *VoucherSweeper) Stop() {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vs.ticker != nil {
		vs.ticker.Stop()
		close(vs.stop)
		vs.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

func (vs *VoucherSweeper) run() {
	defer vs.wg.Done()

	// Run immediately on start
	vs.sweep()

	for {
		select {
		case <-vs.ticker.C:
			vs.sweep()
		case <-vs.stop:
			return
		}
	}
}

func (vs *VoucherSweeper) sweep() {
	ctx := context.Background()

	expired, err := vs.Vouchers.ExpireDue(ctx)
	if err != nil {
		log.Printf("[Sweeper] Error expiring vouchers: %v", err)
		return
	}
	if expired > 0 {
		log.Printf("[Sweeper] Expired %d overdue vouchers", expired)
	}
}

// RunNow triggers an immediate sweep (for testing/admin).
func (vs *VoucherSweeper) RunNow() {
	vs.sweep()
}
