// Package model defines the shared domain types of the scanning pipeline.
package model

import (
	"github.com/golang/geo/r2"
)

// Detection is a single per-frame observation produced by the upstream
// detector. Bounding boxes are normalized to [0,1] in both axes. The
// tracking ID is frame-local and may be reassigned under occlusion or
// motion; it is never used as a merge key.
type Detection struct {
	TrackingID string  `json:"tracking_id,omitempty"`
	BBox       r2.Rect `json:"bbox"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Center returns the center point of the detection's bounding box.
func (d Detection) Center() r2.Point {
	return d.BBox.Center()
}

// RectFromXYWH builds a normalized rectangle from top-left corner and size.
func RectFromXYWH(x, y, w, h float64) r2.Rect {
	return r2.RectFromPoints(r2.Point{X: x, Y: y}, r2.Point{X: x + w, Y: y + h})
}

// RectArea returns the area of r, or 0 for an empty rectangle.
func RectArea(r r2.Rect) float64 {
	size := r.Size()
	if size.X <= 0 || size.Y <= 0 {
		return 0
	}
	return size.X * size.Y
}

// IoU computes intersection-over-union of two rectangles. Returns 0 when
// the rectangles do not overlap or either is empty.
func IoU(a, b r2.Rect) float64 {
	if !a.Intersects(b) {
		return 0
	}
	inter := RectArea(a.Intersection(b))
	union := RectArea(a) + RectArea(b) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance returns the Euclidean distance between the centers of two
// rectangles in normalized coordinates.
func CenterDistance(a, b r2.Rect) float64 {
	return a.Center().Sub(b.Center()).Norm()
}
