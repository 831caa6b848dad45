package model

import (
	"time"

	"github.com/golang/geo/r2"
)

// ClassificationStatus represents where an item is in the classification
// lifecycle.
type ClassificationStatus string

const (
	StatusUnclassified ClassificationStatus = "unclassified"
	StatusPending      ClassificationStatus = "pending"
	StatusSuccess      ClassificationStatus = "success"
	StatusFailed       ClassificationStatus = "failed"
)

// CategoryUnknown marks an item whose category has not been established.
const CategoryUnknown = "unknown"

// ImageRef references an immutable thumbnail buffer by cache key. Data is
// shared-read and never mutated after creation.
type ImageRef struct {
	Key  string `json:"key"`
	Data []byte `json:"-"`
}

// AggregatedItem is a persistent entity representing one physical object,
// built by merging multiple per-frame detections. The ID is generated once
// and survives tracking-ID churn; all other fields are refined by new
// observations.
type AggregatedItem struct {
	ID            string               `json:"id"`
	Category      string               `json:"category"`
	Label         string               `json:"label"`
	BBox          r2.Rect              `json:"bbox"`
	Thumbnail     *ImageRef            `json:"thumbnail,omitempty"`
	MaxConfidence float64              `json:"max_confidence"`
	AvgConfidence float64              `json:"avg_confidence"`
	MergeCount    int                  `json:"merge_count"`
	PriceRange    *PriceRange          `json:"price_range,omitempty"`
	Status        ClassificationStatus `json:"status"`
	StatusError   string               `json:"status_error,omitempty"`
	RequestID     string               `json:"request_id,omitempty"`
	FirstSeenAt   time.Time            `json:"first_seen_at"`
	LastSeenAt    time.Time            `json:"last_seen_at"`
}

// Area returns the normalized area of the item's current bounding box.
func (it *AggregatedItem) Area() float64 {
	return RectArea(it.BBox)
}

// IsStale reports whether the item has not been observed within maxAge.
func (it *AggregatedItem) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(it.LastSeenAt) > maxAge
}

// HasThumbnail reports whether a prepared thumbnail is attached.
func (it *AggregatedItem) HasThumbnail() bool {
	return it.Thumbnail != nil && len(it.Thumbnail.Data) > 0
}
