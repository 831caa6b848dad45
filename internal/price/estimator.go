// Package price produces resale price ranges for aggregated items and
// streams per-item estimation status to observers.
package price

import (
	"context"
	"math"

	"github.com/rotisserie/eris"

	"github.com/scanium/scanpipe/internal/model"
	"github.com/scanium/scanpipe/internal/taxonomy"
)

// Estimator produces a resale price range for one aggregated item.
type Estimator interface {
	Estimate(ctx context.Context, item *model.AggregatedItem) (model.PriceRange, error)
}

// BandEstimator derives a range from the item's category price band, scaled
// by apparent size and classification confidence.
type BandEstimator struct {
	catalog *taxonomy.Catalog
}

// NewBandEstimator creates an estimator over the given catalog.
func NewBandEstimator(catalog *taxonomy.Catalog) *BandEstimator {
	if catalog == nil {
		catalog = taxonomy.Default()
	}
	return &BandEstimator{catalog: catalog}
}

// sizeMultiplier scales the band by the item's normalized bbox area. Larger
// items of a category tend toward the upper end of its band.
func sizeMultiplier(area float64) float64 {
	switch {
	case area <= 0:
		return 1.0
	case area < 0.05:
		return 0.8
	case area < 0.20:
		return 1.0
	default:
		return 1.2
	}
}

// confidenceMultiplier discounts the range for weakly classified items.
func confidenceMultiplier(conf float64) float64 {
	switch {
	case conf >= 0.85:
		return 1.0
	case conf >= 0.6:
		return 0.9
	default:
		return 0.75
	}
}

// Estimate computes the price range. Items without an established category
// cannot be priced.
func (e *BandEstimator) Estimate(_ context.Context, item *model.AggregatedItem) (model.PriceRange, error) {
	if item == nil {
		return model.PriceRange{}, eris.New("price: nil item")
	}
	if item.Category == "" || item.Category == model.CategoryUnknown {
		return model.PriceRange{}, eris.Errorf("price: item %s has no established category", item.ID)
	}
	cat, ok := e.catalog.ByID(item.Category)
	if !ok {
		return model.PriceRange{}, eris.Errorf("price: unknown category %q", item.Category)
	}

	mult := sizeMultiplier(item.Area()) * confidenceMultiplier(item.MaxConfidence)
	low := math.Round(cat.Band.Low * mult)
	high := math.Round(cat.Band.High * mult)
	if low < 1 {
		low = 1
	}
	if high < low {
		high = low
	}
	return model.PriceRange{Low: low, High: high}, nil
}
