// Package aggregator merges noisy per-frame detections into persistent
// aggregated items. Tracking IDs from the upstream detector are reassigned
// under occlusion and motion, so identity is established by a weighted
// similarity score over label agreement, spatial overlap, and recency,
// never by raw tracking-ID equality.
package aggregator

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/taxonomy"
)

// Config controls merge scoring and staleness.
type Config struct {
	// MergeThreshold is the minimum similarity score for a detection to
	// merge into an existing item instead of creating a new one.
	MergeThreshold float64

	// LabelWeight, SpatialWeight and RecencyWeight weigh the three
	// similarity components. They are normalized internally.
	LabelWeight   float64
	SpatialWeight float64
	RecencyWeight float64

	// RecencyHalfLife is the age at which the recency component halves.
	RecencyHalfLife time.Duration

	// HistoryLen bounds the per-item ring of recent bbox centers kept for
	// the gate's stability check.
	HistoryLen int
}

// DefaultConfig returns the merge configuration used in production.
func DefaultConfig() Config {
	return Config{
		MergeThreshold:  0.55,
		LabelWeight:     0.4,
		SpatialWeight:   0.45,
		RecencyWeight:   0.15,
		RecencyHalfLife: 2 * time.Second,
		HistoryLen:      8,
	}
}

// entry pairs an item with its recent center history.
type entry struct {
	item    *model.AggregatedItem
	centers []r2.Point
}

// Aggregator is the stateful merge engine. It is the single owner of the
// aggregated-item map; all mutation goes through its methods.
type Aggregator struct {
	mu      sync.Mutex
	cfg     Config
	catalog *taxonomy.Catalog
	clk     clock.Clock
	items   map[string]*entry
}

// New creates an Aggregator. A nil catalog falls back to the built-in
// taxonomy; a nil clock uses wall time.
func New(cfg Config, catalog *taxonomy.Catalog, clk clock.Clock) *Aggregator {
	if catalog == nil {
		catalog = taxonomy.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.MergeThreshold <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.HistoryLen <= 0 {
		cfg.HistoryLen = 8
	}
	return &Aggregator{
		cfg:     cfg,
		catalog: catalog,
		clk:     clk,
		items:   make(map[string]*entry),
	}
}

// ProcessDetection merges a single detection into the item set and returns a
// snapshot of the item it merged into or created.
func (a *Aggregator) ProcessDetection(d model.Detection) model.AggregatedItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.processLocked(d)
}

// ProcessDetections merges a batch of detections in order and returns
// snapshots of the distinct items touched, in order of first touch. The
// final item set is identical to calling ProcessDetection sequentially.
func (a *Aggregator) ProcessDetections(ds []model.Detection) []model.AggregatedItem {
	a.mu.Lock()
	defer a.mu.Unlock()

	touched := make(map[string]int, len(ds))
	var out []model.AggregatedItem
	for _, d := range ds {
		snap := a.processLocked(d)
		if idx, ok := touched[snap.ID]; ok {
			out[idx] = snap
			continue
		}
		touched[snap.ID] = len(out)
		out = append(out, snap)
	}
	return out
}

func (a *Aggregator) processLocked(d model.Detection) model.AggregatedItem {
	now := a.clk.Now()

	best, score := a.bestMatchLocked(d, now)
	if best != nil && score >= a.cfg.MergeThreshold {
		a.mergeLocked(best, d, now)
		return *best.item
	}

	it := &model.AggregatedItem{
		ID:            uuid.NewString(),
		Category:      a.categoryFor(d.Label),
		Label:         d.Label,
		BBox:          d.BBox,
		MaxConfidence: d.Confidence,
		AvgConfidence: d.Confidence,
		MergeCount:    1,
		Status:        model.StatusUnclassified,
		FirstSeenAt:   now,
		LastSeenAt:    now,
	}
	a.items[it.ID] = &entry{
		item:    it,
		centers: []r2.Point{d.BBox.Center()},
	}
	zap.L().Debug("aggregator: item created",
		zap.String("item_id", it.ID),
		zap.String("label", it.Label),
		zap.Float64("confidence", d.Confidence),
	)
	return *it
}

// bestMatchLocked scores d against all live items and returns the best
// candidate with its score. Ties prefer the most recently seen item.
func (a *Aggregator) bestMatchLocked(d model.Detection, now time.Time) (*entry, float64) {
	var best *entry
	bestScore := -1.0
	for _, e := range a.items {
		s := a.similarity(e.item, d, now)
		if s > bestScore || (s == bestScore && best != nil && e.item.LastSeenAt.After(best.item.LastSeenAt)) {
			best = e
			bestScore = s
		}
	}
	return best, bestScore
}

// similarity computes the weighted merge score of a detection against an
// item: label agreement, spatial overlap (IoU, falling back to centroid
// proximity for near-miss boxes), and recency of the item's last
// observation.
func (a *Aggregator) similarity(it *model.AggregatedItem, d model.Detection, now time.Time) float64 {
	label := a.catalog.LabelAgreement(it.Label, d.Label)

	iou := model.IoU(it.BBox, d.BBox)
	proximity := 1 - model.CenterDistance(it.BBox, d.BBox)/0.25
	if proximity < 0 {
		proximity = 0
	}
	spatial := math.Max(iou, proximity)

	age := now.Sub(it.LastSeenAt)
	halfLife := a.cfg.RecencyHalfLife
	if halfLife <= 0 {
		halfLife = 2 * time.Second
	}
	recency := math.Pow(0.5, age.Seconds()/halfLife.Seconds())

	wSum := a.cfg.LabelWeight + a.cfg.SpatialWeight + a.cfg.RecencyWeight
	if wSum <= 0 {
		return 0
	}
	return (a.cfg.LabelWeight*label + a.cfg.SpatialWeight*spatial + a.cfg.RecencyWeight*recency) / wSum
}

// mergeLocked folds a detection into an existing item. Confidence is
// monotone: max rises via max, average is updated incrementally.
func (a *Aggregator) mergeLocked(e *entry, d model.Detection, now time.Time) {
	it := e.item
	it.BBox = d.BBox
	it.MergeCount++
	if d.Confidence > it.MaxConfidence {
		it.MaxConfidence = d.Confidence
	}
	it.AvgConfidence += (d.Confidence - it.AvgConfidence) / float64(it.MergeCount)
	it.LastSeenAt = now
	if it.Label == "" && d.Label != "" {
		it.Label = d.Label
		if it.Category == model.CategoryUnknown {
			it.Category = a.categoryFor(d.Label)
		}
	}

	e.centers = append(e.centers, d.BBox.Center())
	if len(e.centers) > a.cfg.HistoryLen {
		e.centers = e.centers[len(e.centers)-a.cfg.HistoryLen:]
	}
}

func (a *Aggregator) categoryFor(label string) string {
	if cat, ok := a.catalog.Resolve(label); ok {
		return cat.ID
	}
	return model.CategoryUnknown
}

// Match returns the ID of the item the detection would merge into, without
// mutating any state. Used by the overlay layer to resolve tracking IDs.
func (a *Aggregator) Match(d model.Detection) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	best, score := a.bestMatchLocked(d, a.clk.Now())
	if best == nil || score < a.cfg.MergeThreshold {
		return "", false
	}
	return best.item.ID, true
}

// Item returns a snapshot of one item.
func (a *Aggregator) Item(id string) (model.AggregatedItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.items[id]
	if !ok {
		return model.AggregatedItem{}, false
	}
	return *e.item, true
}

// Items returns snapshots of all live items ordered by first observation.
func (a *Aggregator) Items() []model.AggregatedItem {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]model.AggregatedItem, 0, len(a.items))
	for _, e := range a.items {
		out = append(out, *e.item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FirstSeenAt.Equal(out[j].FirstSeenAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out
}

// CenterHistory returns the recent bbox centers of an item, oldest first.
func (a *Aggregator) CenterHistory(id string) []r2.Point {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.items[id]
	if !ok {
		return nil
	}
	out := make([]r2.Point, len(e.centers))
	copy(out, e.centers)
	return out
}

// RemoveItem deletes an item. Returns false if it does not exist.
func (a *Aggregator) RemoveItem(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.items[id]; !ok {
		return false
	}
	delete(a.items, id)
	return true
}

// RemoveStaleItems evicts items with no observation within maxAge and
// returns the number removed.
func (a *Aggregator) RemoveStaleItems(maxAge time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clk.Now()
	removed := 0
	for id, e := range a.items {
		if e.item.IsStale(now, maxAge) {
			delete(a.items, id)
			removed++
		}
	}
	if removed > 0 {
		zap.L().Info("aggregator: evicted stale items",
			zap.Int("count", removed),
			zap.Duration("max_age", maxAge),
		)
	}
	return removed
}

// Reset drops all items.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.items = make(map[string]*entry)
}

// Len returns the number of live items.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}
