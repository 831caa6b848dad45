package overlay

import (
	"testing"

	"github.com/golang/geo/r2"

	"github.com/scanium/scanpipe/internal/model"
)

// stubLookup resolves detections by label.
type stubLookup struct {
	items map[string]model.AggregatedItem // label -> item
}

func (s *stubLookup) Match(d model.Detection) (string, bool) {
	it, ok := s.items[d.Label]
	if !ok {
		return "", false
	}
	return it.ID, true
}

func (s *stubLookup) Item(id string) (model.AggregatedItem, bool) {
	for _, it := range s.items {
		if it.ID == id {
			return it, true
		}
	}
	return model.AggregatedItem{}, false
}

func newTestManager(items ...model.AggregatedItem) *Manager {
	byLabel := make(map[string]model.AggregatedItem)
	for _, it := range items {
		byLabel[it.Label] = it
	}
	return NewManager(DefaultConfig(), &stubLookup{items: byLabel})
}

func det(id, label string, cx, cy, conf float64) model.Detection {
	return model.Detection{
		TrackingID: id,
		Label:      label,
		BBox:       model.RectFromXYWH(cx-0.05, cy-0.05, 0.1, 0.1),
		Confidence: conf,
	}
}

func fullRoi() r2.Rect {
	return model.RectFromXYWH(0.25, 0.25, 0.5, 0.5)
}

func countNonNeutral(tracks []model.OverlayTrack) int {
	n := 0
	for _, t := range tracks {
		if t.State.NonNeutral() {
			n++
		}
	}
	return n
}

func TestCloserDetectionWinsAtEqualConfidence(t *testing.T) {
	m := newTestManager()
	dets := []model.Detection{
		det("t1", "lamp", 0.40, 0.50, 0.8),  // off-center
		det("t2", "book", 0.50, 0.50, 0.8),  // dead center
		det("t3", "mug", 0.90, 0.90, 0.99),  // outside ROI
	}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)

	if got := countNonNeutral(tracks); got != 1 {
		t.Fatalf("non-neutral tracks = %d, want 1", got)
	}
	for _, tr := range tracks {
		if tr.TrackingID == "t2" && !tr.State.NonNeutral() {
			t.Fatal("centered detection should be focused")
		}
		if tr.TrackingID != "t2" && tr.State.NonNeutral() {
			t.Fatalf("track %s should be neutral", tr.TrackingID)
		}
	}
}

func TestConfidenceBreaksProximityTies(t *testing.T) {
	m := newTestManager()
	dets := []model.Detection{
		det("t1", "lamp", 0.45, 0.50, 0.3),
		det("t2", "book", 0.55, 0.50, 0.9), // same distance, higher confidence
	}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	for _, tr := range tracks {
		if tr.TrackingID == "t2" && !tr.State.NonNeutral() {
			t.Fatal("higher-confidence detection should win the tie")
		}
	}
}

func TestAllTracksRenderedOutsideRoiNeutral(t *testing.T) {
	m := newTestManager()
	dets := []model.Detection{
		det("t1", "lamp", 0.50, 0.50, 0.8), // inside
		det("t2", "book", 0.05, 0.05, 0.8), // outside
	}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	if len(tracks) != 2 {
		t.Fatalf("rendered %d tracks, want 2", len(tracks))
	}
	if m.HasDetectionsOutsideRoiOnly() {
		t.Fatal("eligible detection present, outside-only must be false")
	}
}

func TestOutsideRoiOnly(t *testing.T) {
	m := newTestManager()
	dets := []model.Detection{
		det("t1", "lamp", 0.05, 0.05, 0.8),
		det("t2", "book", 0.95, 0.95, 0.8),
	}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	if !m.HasDetectionsOutsideRoiOnly() {
		t.Fatal("expected outside-only")
	}
	if got := countNonNeutral(tracks); got != 0 {
		t.Fatalf("non-neutral tracks = %d, want 0", got)
	}

	m.UpdateOverlayDetections(nil, fullRoi(), "", true)
	if m.HasDetectionsOutsideRoiOnly() {
		t.Fatal("no detections at all is not outside-only")
	}
}

func TestBadFrameStateDisablesFocus(t *testing.T) {
	m := newTestManager()
	dets := []model.Detection{det("t1", "lamp", 0.50, 0.50, 0.9)}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", false)
	if got := countNonNeutral(tracks); got != 0 {
		t.Fatalf("non-neutral tracks = %d with bad frame state, want 0", got)
	}
}

func TestReadyAndLockedStates(t *testing.T) {
	item := model.AggregatedItem{ID: "item-1", Label: "lamp", MaxConfidence: 0.9}
	m := newTestManager(item)
	dets := []model.Detection{det("t1", "lamp", 0.50, 0.50, 0.9)}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	if tracks[0].State != model.StateReady {
		t.Fatalf("state = %s, want ready", tracks[0].State)
	}
	if !m.IsItemReady("item-1") {
		t.Fatal("item should be ready")
	}

	tracks = m.UpdateOverlayDetections(dets, fullRoi(), "item-1", true)
	if tracks[0].State != model.StateLocked {
		t.Fatalf("state = %s, want locked", tracks[0].State)
	}
}

func TestSelectedWhenBelowReadiness(t *testing.T) {
	item := model.AggregatedItem{ID: "item-1", Label: "lamp", MaxConfidence: 0.4}
	m := newTestManager(item)
	dets := []model.Detection{det("t1", "lamp", 0.50, 0.50, 0.4)}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	if tracks[0].State != model.StateSelected {
		t.Fatalf("state = %s, want selected", tracks[0].State)
	}
}

func TestReadinessIsMonotoneUntilClear(t *testing.T) {
	item := model.AggregatedItem{ID: "item-1", Label: "lamp", MaxConfidence: 0.9}
	m := newTestManager(item)
	dets := []model.Detection{det("t1", "lamp", 0.50, 0.50, 0.9)}

	m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	if !m.IsItemReady("item-1") {
		t.Fatal("item should be ready")
	}

	// Readiness sticks even when later frames are weaker.
	weak := []model.Detection{det("t1", "lamp", 0.50, 0.50, 0.1)}
	m.UpdateOverlayDetections(weak, fullRoi(), "", true)
	if !m.IsItemReady("item-1") {
		t.Fatal("readiness must be monotone")
	}

	m.Clear()
	if m.IsItemReady("item-1") {
		t.Fatal("clear must reset readiness")
	}
}

func TestRefreshUsesLastInputs(t *testing.T) {
	lookup := &stubLookup{items: map[string]model.AggregatedItem{
		"lamp": {ID: "item-1", Label: "lamp", MaxConfidence: 0.4},
	}}
	m := NewManager(DefaultConfig(), lookup)
	dets := []model.Detection{det("t1", "lamp", 0.50, 0.50, 0.5)}

	tracks := m.UpdateOverlayDetections(dets, fullRoi(), "", true)
	if tracks[0].State != model.StateSelected {
		t.Fatalf("state = %s, want selected", tracks[0].State)
	}

	// Classification raised the item's confidence; a refresh re-renders
	// without new detections.
	lookup.items["lamp"] = model.AggregatedItem{ID: "item-1", Label: "lamp", MaxConfidence: 0.95}
	tracks = m.RefreshOverlayTracks()
	if len(tracks) != 1 || tracks[0].State != model.StateReady {
		t.Fatalf("refreshed tracks = %+v, want single ready track", tracks)
	}
}

func TestRefreshWithoutInputs(t *testing.T) {
	m := newTestManager()
	if tracks := m.RefreshOverlayTracks(); tracks != nil {
		t.Fatalf("expected nil tracks before any update, got %+v", tracks)
	}
}

func TestClearDropsTracks(t *testing.T) {
	m := newTestManager()
	m.UpdateOverlayDetections([]model.Detection{det("t1", "lamp", 0.5, 0.5, 0.8)}, fullRoi(), "", true)
	m.Clear()
	if len(m.Tracks()) != 0 {
		t.Fatal("tracks should be empty after clear")
	}
	if m.RefreshOverlayTracks() != nil {
		t.Fatal("refresh after clear should render nothing")
	}
}
