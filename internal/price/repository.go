package price

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/model"
)

// Repository runs at most one estimation per item and fans status updates
// out to observers. Estimations run asynchronously; observers receive the
// current status on subscribe and every transition after.
type Repository struct {
	mu        sync.Mutex
	estimator Estimator
	streams   map[string]*stream
}

type stream struct {
	status model.PriceEstimationStatus
	subs   []chan model.PriceEstimationStatus
	cancel context.CancelFunc
	gen    int // bumped on each restart so a superseded run cannot publish
}

// NewRepository creates a repository backed by the given estimator.
func NewRepository(estimator Estimator) *Repository {
	return &Repository{
		estimator: estimator,
		streams:   make(map[string]*stream),
	}
}

// EnsureEstimation starts an estimation for the item unless one is already
// pending or ready. Failed and cancelled streams are restarted; calling it
// repeatedly for a settled item is a no-op.
func (r *Repository) EnsureEstimation(ctx context.Context, item *model.AggregatedItem) {
	if item == nil {
		return
	}
	r.mu.Lock()
	if s, ok := r.streams[item.ID]; ok {
		if s.status.State == model.PricePending || s.status.State == model.PriceReady {
			r.mu.Unlock()
			return
		}
	}
	r.startLocked(ctx, item)
	r.mu.Unlock()
}

// Recompute cancels any in-flight estimation for the item and starts a
// fresh one, e.g. after its category changed.
func (r *Repository) Recompute(ctx context.Context, item *model.AggregatedItem) {
	if item == nil {
		return
	}
	r.mu.Lock()
	if s, ok := r.streams[item.ID]; ok && s.cancel != nil {
		s.cancel()
	}
	r.startLocked(ctx, item)
	r.mu.Unlock()
}

// startLocked installs a pending stream for the item and launches the
// estimation goroutine. Callers hold r.mu.
func (r *Repository) startLocked(ctx context.Context, item *model.AggregatedItem) {
	runCtx, cancel := context.WithCancel(ctx)

	s, ok := r.streams[item.ID]
	if !ok {
		s = &stream{}
		r.streams[item.ID] = s
	}
	s.cancel = cancel
	s.gen++
	r.publishLocked(s, model.PriceEstimationStatus{ItemID: item.ID, State: model.PricePending})

	snapshot := *item
	go r.run(runCtx, &snapshot, s.gen)
}

func (r *Repository) run(ctx context.Context, item *model.AggregatedItem, gen int) {
	rng, err := r.estimator.Estimate(ctx, item)

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[item.ID]
	if !ok || s.gen != gen || s.status.State != model.PricePending {
		// Cancelled or superseded while we were estimating.
		return
	}
	if ctx.Err() != nil {
		r.publishLocked(s, model.PriceEstimationStatus{ItemID: item.ID, State: model.PriceCancelled})
		return
	}
	if err != nil {
		zap.L().Debug("price: estimation failed",
			zap.String("item_id", item.ID),
			zap.Error(err),
		)
		r.publishLocked(s, model.PriceEstimationStatus{ItemID: item.ID, State: model.PriceFailed, Error: err.Error()})
		return
	}
	r.publishLocked(s, model.PriceEstimationStatus{ItemID: item.ID, State: model.PriceReady, Range: &rng})
}

// publishLocked records the status and notifies subscribers. Slow
// subscribers miss intermediate updates rather than blocking estimation.
func (r *Repository) publishLocked(s *stream, status model.PriceEstimationStatus) {
	s.status = status
	for _, ch := range s.subs {
		select {
		case ch <- status:
		default:
		}
	}
}

// ObserveStatus subscribes to the item's estimation stream. The current
// status, if any, is delivered first. The returned cancel func must be
// called to release the subscription.
func (r *Repository) ObserveStatus(itemID string) (<-chan model.PriceEstimationStatus, func()) {
	ch := make(chan model.PriceEstimationStatus, 8)

	r.mu.Lock()
	s, ok := r.streams[itemID]
	if !ok {
		// Observing before estimation starts is fine: the stream fills in
		// once EnsureEstimation runs.
		s = &stream{}
		r.streams[itemID] = s
	} else if s.status.State != "" {
		ch <- s.status
	}
	s.subs = append(s.subs, ch)
	r.mu.Unlock()

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.streams[itemID]
		if !ok {
			return
		}
		for i, c := range cur.subs {
			if c == ch {
				cur.subs = append(cur.subs[:i], cur.subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsubscribe
}

// Status returns the current status for the item, if a stream exists.
func (r *Repository) Status(itemID string) (model.PriceEstimationStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[itemID]
	if !ok {
		return model.PriceEstimationStatus{}, false
	}
	return s.status, true
}

// Cancel aborts a pending estimation for the item. Settled streams are
// left as they are.
func (r *Repository) Cancel(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[itemID]
	if !ok || s.status.State != model.PricePending {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	r.publishLocked(s, model.PriceEstimationStatus{ItemID: itemID, State: model.PriceCancelled})
}

// Remove drops the item's stream entirely, closing all subscriptions.
func (r *Repository) Remove(itemID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[itemID]
	if !ok {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	for _, ch := range s.subs {
		close(ch)
	}
	delete(r.streams, itemID)
}

// Reset cancels everything and clears all streams.
func (r *Repository) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.streams {
		if s.cancel != nil {
			s.cancel()
		}
		for _, ch := range s.subs {
			close(ch)
		}
	}
	r.streams = make(map[string]*stream)
}
