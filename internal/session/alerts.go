// Package session glues the scanning pipeline together: it owns the trigger
// path from aggregated items through gating to classification, applies
// results back onto items, and scopes everything to a session token.
package session

import (
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Alert is one user-facing notification, e.g. a cloud classification
// falling back to on-device results.
type Alert struct {
	ItemID  string `json:"item_id"`
	Message string `json:"message"`
}

// AlertBroadcaster fans alerts out to subscribers over a bounded buffer.
// Publishing never blocks: when a subscriber's buffer is full the alert is
// dropped for that subscriber and counted.
type AlertBroadcaster struct {
	mu      sync.Mutex
	subs    []chan Alert
	buffer  int
	limiter *rate.Limiter
	dropped int64

	// itemIDs already alerted this session, so one failure episode produces
	// at most one alert per item.
	notified map[string]struct{}
}

// NewAlertBroadcaster creates a broadcaster. buffer bounds each
// subscriber's queue; alertsPerMinute caps the global alert rate.
func NewAlertBroadcaster(buffer int, alertsPerMinute float64) *AlertBroadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	if alertsPerMinute <= 0 {
		alertsPerMinute = 6
	}
	return &AlertBroadcaster{
		buffer:   buffer,
		limiter:  rate.NewLimiter(rate.Limit(alertsPerMinute/60), 1),
		notified: make(map[string]struct{}),
	}
}

// Subscribe returns a channel of alerts and a cancel func. The channel is
// closed on unsubscribe.
func (b *AlertBroadcaster) Subscribe() (<-chan Alert, func()) {
	ch := make(chan Alert, b.buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.subs {
			if c == ch {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
}

// NotifyOnce publishes an alert for the item unless one was already sent
// this session or the rate limit is exhausted. It reports whether the alert
// went out.
func (b *AlertBroadcaster) NotifyOnce(itemID, message string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, seen := b.notified[itemID]; seen {
		return false
	}
	if !b.limiter.Allow() {
		zap.L().Debug("session: alert rate limited", zap.String("item_id", itemID))
		return false
	}
	b.notified[itemID] = struct{}{}

	alert := Alert{ItemID: itemID, Message: message}
	for _, ch := range b.subs {
		select {
		case ch <- alert:
		default:
			b.dropped++
		}
	}
	zap.L().Info("session: user alert",
		zap.String("item_id", itemID),
		zap.String("message", message),
	)
	return true
}

// ClearItem forgets the notified flag for one item, so a retried item can
// alert again if it fails again.
func (b *AlertBroadcaster) ClearItem(itemID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.notified, itemID)
}

// HasNotified reports whether the item already alerted this session.
func (b *AlertBroadcaster) HasNotified(itemID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.notified[itemID]
	return ok
}

// Dropped returns how many alert deliveries were dropped on full buffers.
func (b *AlertBroadcaster) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset clears the notified set. Subscriptions survive a session reset.
func (b *AlertBroadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notified = make(map[string]struct{})
}
