package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/aggregator"
	"github.com/scanium/scanpipe/internal/classify"
	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/overlay"
	"github.com/scanium/scanpipe/internal/price"
	"github.com/scanium/scanpipe/internal/thumbnail"
)

// Options wires a Coordinator from its components.
type Options struct {
	Aggregator   *aggregator.Aggregator
	Orchestrator *classify.Orchestrator
	Gate         *classify.Gate
	Prices       *price.Repository
	Overlay      *overlay.Manager
	Thumbnails   thumbnail.Provider
	Alerts       *AlertBroadcaster

	// Mode is the initial classifier mode. Defaults to on-device.
	Mode model.ClassifierMode
	// StaleAge is how long an unseen item survives before eviction on the
	// next frame. Zero disables eviction.
	StaleAge time.Duration
	// MinConfidence drops detections below this confidence before they
	// reach aggregation. Zero keeps everything.
	MinConfidence float64
}

// Coordinator drives one scanning session: frames in, classified and
// priced items out. It owns the trigger path (eligibility, thumbnails,
// gating, dispatch) and applies every classification result back onto the
// aggregated items. All completions are checked against the current
// session token so a reset cleanly orphans in-flight work.
type Coordinator struct {
	mu    sync.Mutex
	token string
	mode  model.ClassifierMode

	agg     *aggregator.Aggregator
	orch    *classify.Orchestrator
	gate    *classify.Gate
	prices  *price.Repository
	overlay *overlay.Manager
	thumbs  thumbnail.Provider
	alerts  *AlertBroadcaster

	staleAge time.Duration
	minConf  float64
	stats    stats
	started  time.Time

	// items whose price stream already has a coordinator observer
	priceObserved map[string]func()
}

// New creates a coordinator and mints the first session token.
func New(opts Options) *Coordinator {
	if opts.Thumbnails == nil {
		opts.Thumbnails = thumbnail.NewNoopProvider()
	}
	if opts.Alerts == nil {
		opts.Alerts = NewAlertBroadcaster(0, 0)
	}
	mode := opts.Mode
	if mode == "" {
		mode = model.ModeOnDevice
	}
	return &Coordinator{
		token:         uuid.NewString(),
		mode:          mode,
		agg:           opts.Aggregator,
		orch:          opts.Orchestrator,
		gate:          opts.Gate,
		prices:        opts.Prices,
		overlay:       opts.Overlay,
		thumbs:        opts.Thumbnails,
		alerts:        opts.Alerts,
		staleAge:      opts.StaleAge,
		minConf:       opts.MinConfidence,
		started:       time.Now().UTC(),
		priceObserved: make(map[string]func()),
	}
}

// SessionToken returns the current session correlation identifier.
func (c *Coordinator) SessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Mode returns the active classifier mode.
func (c *Coordinator) Mode() model.ClassifierMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetMode switches the classifier mode for subsequent dispatches. Already
// dispatched work keeps the mode it was sampled with.
func (c *Coordinator) SetMode(m model.ClassifierMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = m
}

// Alerts exposes the alert broadcaster for UI subscription.
func (c *Coordinator) Alerts() *AlertBroadcaster { return c.alerts }

// Items returns the current aggregated items.
func (c *Coordinator) Items() []model.AggregatedItem {
	return c.agg.Items()
}

// Item returns one aggregated item by ID.
func (c *Coordinator) Item(id string) (model.AggregatedItem, bool) {
	return c.agg.Item(id)
}

// Tracks returns the overlay tracks rendered for the last processed frame.
func (c *Coordinator) Tracks() []model.OverlayTrack {
	if c.overlay == nil {
		return nil
	}
	return c.overlay.Tracks()
}

// OutsideRoiOnly reports whether the last frame had detections but none
// inside the region of interest.
func (c *Coordinator) OutsideRoiOnly() bool {
	return c.overlay != nil && c.overlay.HasDetectionsOutsideRoiOnly()
}

// ProcessFrame ingests one frame of detections, evicts stale items, starts
// price estimation for newly categorized items, and re-renders the overlay.
func (c *Coordinator) ProcessFrame(ctx context.Context, dets []model.Detection, roi r2.Rect, lockedID string, goodState bool) []model.OverlayTrack {
	c.stats.frames.Add(1)
	c.stats.detections.Add(int64(len(dets)))

	if c.minConf > 0 {
		kept := dets[:0]
		for _, d := range dets {
			if d.Confidence >= c.minConf {
				kept = append(kept, d)
			}
		}
		dets = kept
	}

	touched := c.agg.ProcessDetections(dets)
	if c.staleAge > 0 {
		c.stats.evicted.Add(int64(c.agg.RemoveStaleItems(c.staleAge)))
	}

	for i := range touched {
		it := touched[i]
		if it.Category != "" && it.Category != model.CategoryUnknown {
			c.ensurePrice(ctx, &it)
		}
	}

	if c.overlay == nil {
		return nil
	}
	return c.overlay.UpdateOverlayDetections(dets, roi, lockedID, goodState)
}

// TriggerEnhancedClassification scans the aggregated items for
// classification candidates and dispatches them. Skipped items stay
// eligible and are naturally picked up on a later trigger.
func (c *Coordinator) TriggerEnhancedClassification(ctx context.Context) int {
	cloudMode := c.Mode() == model.ModeCloud

	var inputs []model.ClassificationInput
	var ids []string
	hashes := make(map[string]string)
	seen := make(map[string]struct{})

	for _, it := range c.agg.Items() {
		if !c.orch.ShouldClassify(it.ID) {
			continue
		}
		if cloudMode && c.gate != nil && !c.gate.ShouldTriggerCloud(it.ID, c.agg.CenterHistory(it.ID)) {
			continue
		}

		ref := c.prepareThumbnail(&it)
		if cloudMode {
			// Cloud classification is impossible without pixels; the item
			// stays eligible for the next cycle.
			if ref == nil {
				continue
			}
			hash := classify.HashThumbnail(ref.Data)
			if _, dup := seen[hash]; dup {
				c.stats.gateSuppressions.Add(1)
				continue
			}
			if c.gate != nil && !c.gate.AllowThumbnail(hash) {
				c.stats.gateSuppressions.Add(1)
				continue
			}
			seen[hash] = struct{}{}
			hashes[it.ID] = hash
		}
		if ref != nil {
			c.agg.SetThumbnail(it.ID, ref)
		}

		inputs = append(inputs, model.ClassificationInput{
			ItemID:    it.ID,
			Label:     it.Label,
			Category:  it.Category,
			BBox:      it.BBox,
			Thumbnail: ref,
		})
		ids = append(ids, it.ID)
	}

	if len(inputs) == 0 {
		return 0
	}

	c.agg.MarkPending(ids)
	if cloudMode && c.gate != nil {
		for _, id := range ids {
			c.gate.OnClassificationTriggered(id, hashes[id])
			c.stats.cloudTriggers.Add(1)
		}
	}

	c.stats.dispatched.Add(int64(len(inputs)))
	c.orch.Classify(ctx, inputs, c.resultHandler(c.SessionToken()))

	zap.L().Debug("session: classification triggered",
		zap.Int("dispatched", len(inputs)),
		zap.Bool("cloud", cloudMode),
	)
	return len(inputs)
}

// RetryClassification re-dispatches a single item, clearing its cached
// outcome and alert flag. The gate's batch filtering does not apply: a
// user-requested retry always goes through.
func (c *Coordinator) RetryClassification(ctx context.Context, id string) bool {
	it, ok := c.agg.Item(id)
	if !ok {
		return false
	}

	c.alerts.ClearItem(id)

	ref := c.prepareThumbnail(&it)
	cloudMode := c.Mode() == model.ModeCloud
	if cloudMode && ref == nil {
		return false
	}
	if ref != nil {
		c.agg.SetThumbnail(id, ref)
	}

	c.agg.MarkPending([]string{id})
	if cloudMode && c.gate != nil {
		c.gate.OnClassificationTriggered(id, classify.HashThumbnail(ref.Data))
		c.stats.cloudTriggers.Add(1)
	}

	c.stats.dispatched.Add(1)
	c.orch.Retry(ctx, model.ClassificationInput{
		ItemID:    id,
		Label:     it.Label,
		Category:  it.Category,
		BBox:      it.BBox,
		Thumbnail: ref,
	}, c.resultHandler(c.SessionToken()))
	return true
}

// prepareThumbnail asks the provider for a crop, falling back to whatever
// the item already carries. Preparation failures are logged, never fatal.
func (c *Coordinator) prepareThumbnail(it *model.AggregatedItem) *model.ImageRef {
	ref, err := c.thumbs.Prepare(it)
	if err != nil {
		c.stats.thumbFailures.Add(1)
		zap.L().Warn("session: thumbnail preparation failed",
			zap.String("item_id", it.ID),
			zap.Error(err),
		)
		ref = nil
	}
	if ref == nil && it.HasThumbnail() {
		ref = it.Thumbnail
	}
	return ref
}

// resultHandler binds a completion callback to the session token active at
// dispatch time. Completions from a previous session are counted and
// dropped.
func (c *Coordinator) resultHandler(token string) classify.ResultFunc {
	return func(id string, res *model.ClassificationResult) {
		if c.SessionToken() != token {
			c.stats.staleCompletions.Add(1)
			return
		}
		c.applyResult(id, res)
	}
}

func (c *Coordinator) applyResult(id string, res *model.ClassificationResult) {
	it, ok := c.agg.Item(id)
	if !ok {
		return
	}

	// A new result replaces the item's category only when it is confidently
	// known; an established enhanced category is never downgraded.
	override := res.KnownCategory() &&
		(res.Confidence >= it.MaxConfidence || it.Category == "" || it.Category == model.CategoryUnknown)

	updated, ok := c.agg.ApplyResult(id, res, override)
	if !ok {
		return
	}

	if res.Succeeded() {
		c.stats.succeeded.Add(1)
		if override {
			c.recomputePrice(context.Background(), &updated)
		} else {
			c.ensurePrice(context.Background(), &updated)
		}
	} else {
		c.stats.failed.Add(1)
		if res.Mode == model.ModeCloud {
			c.alerts.NotifyOnce(id, "cloud classification unavailable, keeping on-device result")
		}
	}

	if c.overlay != nil {
		c.overlay.RefreshOverlayTracks()
	}
}

// ensurePrice starts estimation for the item if needed and installs a
// price observer that writes updates back onto the item.
func (c *Coordinator) ensurePrice(ctx context.Context, it *model.AggregatedItem) {
	if c.prices == nil {
		return
	}
	c.observePrice(it.ID)
	c.prices.EnsureEstimation(ctx, it)
}

// recomputePrice restarts estimation after a category change.
func (c *Coordinator) recomputePrice(ctx context.Context, it *model.AggregatedItem) {
	if c.prices == nil {
		return
	}
	c.observePrice(it.ID)
	c.prices.Recompute(ctx, it)
}

func (c *Coordinator) observePrice(id string) {
	c.mu.Lock()
	if _, ok := c.priceObserved[id]; ok {
		c.mu.Unlock()
		return
	}
	ch, unsub := c.prices.ObserveStatus(id)
	c.priceObserved[id] = unsub
	token := c.token
	c.mu.Unlock()

	go func() {
		for st := range ch {
			if c.SessionToken() != token {
				return
			}
			if st.State == model.PriceReady && st.Range != nil {
				c.agg.SetPriceRange(id, st.Range)
				if c.overlay != nil {
					c.overlay.RefreshOverlayTracks()
				}
			}
		}
	}()
}

// RemoveItem drops one item everywhere: aggregator, price stream, gate
// cooldown, and any cached classification outcome.
func (c *Coordinator) RemoveItem(id string) bool {
	removed := c.agg.RemoveItem(id)
	if c.prices != nil {
		c.prices.Remove(id)
	}
	if c.gate != nil {
		c.gate.Forget(id)
	}
	c.orch.Forget(id)

	c.mu.Lock()
	if unsub, ok := c.priceObserved[id]; ok {
		unsub()
		delete(c.priceObserved, id)
	}
	c.mu.Unlock()
	return removed
}

// Reset clears all session state and mints a fresh token. In-flight
// completions from before the reset are ignored on arrival.
func (c *Coordinator) Reset() {
	c.StartNewSession()
}

// StartNewSession resets everything and returns the new session token.
func (c *Coordinator) StartNewSession() string {
	c.mu.Lock()
	old := c.token
	c.token = uuid.NewString()
	for id, unsub := range c.priceObserved {
		unsub()
		delete(c.priceObserved, id)
	}
	next := c.token
	c.mu.Unlock()

	c.orch.Reset()
	if c.gate != nil {
		c.gate.Reset()
	}
	if c.prices != nil {
		c.prices.Reset()
	}
	c.alerts.Reset()
	c.agg.Reset()
	if c.overlay != nil {
		c.overlay.Clear()
	}
	c.stats.reset()
	c.started = time.Now().UTC()

	zap.L().Info("session: new session started",
		zap.String("previous", old),
		zap.String("token", next),
	)
	return next
}

// Stats returns a snapshot of the session counters.
func (c *Coordinator) Stats() StatsSnapshot {
	return StatsSnapshot{
		SessionToken:              c.SessionToken(),
		FramesProcessed:           c.stats.frames.Load(),
		DetectionsProcessed:       c.stats.detections.Load(),
		ItemsActive:               c.agg.Len(),
		ItemsEvicted:              c.stats.evicted.Load(),
		ClassificationsDispatched: c.stats.dispatched.Load(),
		ClassificationsSucceeded:  c.stats.succeeded.Load(),
		ClassificationsFailed:     c.stats.failed.Load(),
		CloudTriggers:             c.stats.cloudTriggers.Load(),
		GateSuppressions:          c.stats.gateSuppressions.Load(),
		ThumbnailFailures:         c.stats.thumbFailures.Load(),
		StaleCompletions:          c.stats.staleCompletions.Load(),
		AlertsDropped:             c.alerts.Dropped(),
		StartedAt:                 c.started,
		CollectedAt:               time.Now().UTC(),
	}
}
