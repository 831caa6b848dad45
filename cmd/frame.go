package main

import (
	"github.com/golang/geo/r2"

	"github.com/scanium/scanpipe/internal/model"
)

// rectWire is a normalized rectangle given as top-left corner plus size,
// the shape detector frontends emit.
type rectWire struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r rectWire) rect() r2.Rect {
	return model.RectFromXYWH(r.X, r.Y, r.W, r.H)
}

// detectionWire is one detector observation on the wire.
type detectionWire struct {
	TrackingID string   `json:"tracking_id,omitempty"`
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	BBox       rectWire `json:"bbox"`
}

// frameWire is one camera frame: detections plus UI state. A missing ROI
// means the whole frame is eligible; GoodState defaults to true.
type frameWire struct {
	Detections []detectionWire `json:"detections"`
	Roi        *rectWire       `json:"roi,omitempty"`
	LockedID   string          `json:"locked_id,omitempty"`
	GoodState  *bool           `json:"good_state,omitempty"`
}

func (f frameWire) detections() []model.Detection {
	dets := make([]model.Detection, 0, len(f.Detections))
	for _, d := range f.Detections {
		dets = append(dets, model.Detection{
			TrackingID: d.TrackingID,
			Label:      d.Label,
			Confidence: d.Confidence,
			BBox:       d.BBox.rect(),
		})
	}
	return dets
}

func (f frameWire) roi() r2.Rect {
	if f.Roi == nil {
		return model.RectFromXYWH(0, 0, 1, 1)
	}
	return f.Roi.rect()
}

func (f frameWire) goodState() bool {
	return f.GoodState == nil || *f.GoodState
}
