// events.go - Fire-and-forget event bus for downstream notifications.
//
// The notification system subscribes to ledger-append and report-resolution
// events. Delivery is best effort and asynchronous: a failing or slow
// handler never blocks and never rolls back a ledger or report transition.
package loyalty

import (
	"context"
	"sync"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// EventLedgerAppended is emitted after a ledger entry commits.
	EventLedgerAppended EventType = "ledger.appended"
	// EventVoucherIssued is emitted after a voucher is issued.
	EventVoucherIssued EventType = "voucher.issued"
	// EventReportResolved is emitted after a report reaches a terminal state.
	EventReportResolved EventType = "report.resolved"
)

// Event is the envelope delivered to handlers.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      any
}

// LedgerAppendedData accompanies EventLedgerAppended.
type LedgerAppendedData struct {
	Entry      Entry
	NewBalance int64
}

// VoucherIssuedData accompanies EventVoucherIssued.
type VoucherIssuedData struct {
	Voucher Voucher
}

// ReportResolvedData accompanies EventReportResolved.
type ReportResolvedData struct {
	Report   Report
	Approved bool
}

// EventHandler consumes one event. Errors are dropped: notification
// failure is invisible to the transactions that produced the event.
type EventHandler func(ctx context.Context, event Event)

// EventBus fans events out to subscribed handlers.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]EventHandler)}
}

// Subscribe registers a handler for an event type.
func (b *EventBus) Subscribe(t EventType, h EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// Publish delivers the event to all handlers asynchronously. A nil bus is
// valid and publishes nothing, so services can run without one.
func (b *EventBus) Publish(ctx context.Context, t EventType, data any) {
	if b == nil {
		return
	}

	b.mu.RLock()
	handlers := b.handlers[t]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	for _, h := range handlers {
		go h(ctx, event)
	}
}
