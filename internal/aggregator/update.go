package aggregator

import (
	"github.com/scanium/scanpipe/internal/model"
)

// MarkPending sets classification status to pending for the given items.
// Unknown IDs are skipped.
func (a *Aggregator) MarkPending(ids []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range ids {
		if e, ok := a.items[id]; ok {
			e.item.Status = model.StatusPending
			e.item.StatusError = ""
		}
	}
}

// SetThumbnail attaches a prepared thumbnail to an item.
func (a *Aggregator) SetThumbnail(id string, ref *model.ImageRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.items[id]
	if !ok {
		return false
	}
	e.item.Thumbnail = ref
	return true
}

// SetPriceRange records the current price estimate for an item.
func (a *Aggregator) SetPriceRange(id string, pr *model.PriceRange) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.items[id]
	if !ok {
		return false
	}
	e.item.PriceRange = pr
	return true
}

// ApplyResult records the outcome of a classification attempt. Status,
// error message and request ID are updated unconditionally; category and
// label are overwritten only when override is set, in which case the
// result's confidence raises MaxConfidence via max. Returns the updated
// snapshot.
func (a *Aggregator) ApplyResult(id string, res *model.ClassificationResult, override bool) (model.AggregatedItem, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.items[id]
	if !ok {
		return model.AggregatedItem{}, false
	}
	it := e.item

	it.Status = res.Status
	it.StatusError = res.ErrorMessage
	it.RequestID = res.RequestID

	if override {
		it.Category = res.Category
		if res.Label != "" {
			it.Label = res.Label
		}
		if res.Confidence > it.MaxConfidence {
			it.MaxConfidence = res.Confidence
		}
	}
	return *it, true
}
