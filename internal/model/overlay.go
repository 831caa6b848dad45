package model

// VisualState is the render state of a single overlay track.
type VisualState string

const (
	// StateEye marks an in-view detection that is not the focused one.
	StateEye VisualState = "eye"
	// StateSelected marks the focused detection inside the ROI.
	StateSelected VisualState = "selected"
	// StateReady marks a focused detection whose item passed the readiness
	// threshold.
	StateReady VisualState = "ready"
	// StateLocked marks the focused detection when its item is the
	// externally locked identity.
	StateLocked VisualState = "locked"
)

// NonNeutral reports whether the state is one of the ROI-derived focus
// states. At most one track per frame may be non-neutral.
func (s VisualState) NonNeutral() bool {
	return s == StateSelected || s == StateReady || s == StateLocked
}

// OverlayTrack is one render-ready track for the current frame.
type OverlayTrack struct {
	TrackingID string      `json:"tracking_id"`
	ItemID     string      `json:"item_id,omitempty"`
	Label      string      `json:"label"`
	Confidence float64     `json:"confidence"`
	State      VisualState `json:"state"`
	Ready      bool        `json:"ready"`
}

// RoiFilterResult partitions the current detections by ROI membership.
// OutsideOnly is set when detections exist but none is eligible, which
// drives a "move closer" hint in the UI layer.
type RoiFilterResult struct {
	Eligible    []Detection
	Outside     []Detection
	OutsideOnly bool
}
