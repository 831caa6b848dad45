// Package overlay projects the latest detections, aggregated items, and a
// region of interest into render-ready tracks for the UI layer.
package overlay

import (
	"sync"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"

	"github.com/scanium/scanpipe/internal/model"
)

// ItemLookup is the read-only view of the aggregator the overlay needs to
// resolve detections to items.
type ItemLookup interface {
	Match(d model.Detection) (string, bool)
	Item(id string) (model.AggregatedItem, bool)
}

// Config weights the focused-track score and sets the readiness cutoff.
type Config struct {
	// ProximityWeight scores distance to the ROI center. Centering the
	// object is the primary selection signal.
	ProximityWeight float64
	// ConfidenceWeight breaks ties between equally centered detections.
	ConfidenceWeight float64
	// ReadinessThreshold is the item confidence above which the focused
	// track renders as ready.
	ReadinessThreshold float64
}

// DefaultConfig returns the standard overlay weights.
func DefaultConfig() Config {
	return Config{
		ProximityWeight:    0.7,
		ConfidenceWeight:   0.3,
		ReadinessThreshold: 0.6,
	}
}

// Manager owns the per-frame overlay state. All methods are safe for
// concurrent use; rendering inputs from the last update are retained so
// tracks can be rebuilt after classification changes without new detections.
type Manager struct {
	mu  sync.Mutex
	cfg Config
	src ItemLookup

	// last-known inputs for refresh
	lastDetections []model.Detection
	lastRoi        r2.Rect
	lastLockedID   string
	lastGoodState  bool
	hasInputs      bool

	tracks      []model.OverlayTrack
	outsideOnly bool

	// trackingID -> aggregated item ID, kept so resolution transitions are
	// logged once instead of every frame.
	resolved map[string]string
	// itemID -> readiness, monotone until Clear.
	ready map[string]bool
}

// NewManager creates an overlay manager over the given item lookup.
func NewManager(cfg Config, src ItemLookup) *Manager {
	if cfg.ProximityWeight <= 0 && cfg.ConfidenceWeight <= 0 {
		cfg = DefaultConfig()
	}
	if cfg.ReadinessThreshold <= 0 {
		cfg.ReadinessThreshold = 0.6
	}
	return &Manager{
		cfg:      cfg,
		src:      src,
		resolved: make(map[string]string),
		ready:    make(map[string]bool),
	}
}

// FilterByRoi partitions detections by whether their bbox center lies
// inside the ROI.
func FilterByRoi(dets []model.Detection, roi r2.Rect) model.RoiFilterResult {
	var res model.RoiFilterResult
	for _, d := range dets {
		if roi.ContainsPoint(d.BBox.Center()) {
			res.Eligible = append(res.Eligible, d)
		} else {
			res.Outside = append(res.Outside, d)
		}
	}
	res.OutsideOnly = len(res.Eligible) == 0 && len(res.Outside) > 0
	return res
}

// UpdateOverlayDetections rebuilds the track list from a fresh detection
// set. lockedID pins the focus to a specific aggregated item; goodState
// false disables focus selection entirely (all tracks render neutral).
func (m *Manager) UpdateOverlayDetections(dets []model.Detection, roi r2.Rect, lockedID string, goodState bool) []model.OverlayTrack {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastDetections = append(m.lastDetections[:0], dets...)
	m.lastRoi = roi
	m.lastLockedID = lockedID
	m.lastGoodState = goodState
	m.hasInputs = true

	return m.renderLocked()
}

// RefreshOverlayTracks re-renders using the last-known inputs. It is the
// cheap path after classification or price updates change item state
// between frames.
func (m *Manager) RefreshOverlayTracks() []model.OverlayTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasInputs {
		return nil
	}
	return m.renderLocked()
}

func (m *Manager) renderLocked() []model.OverlayTrack {
	split := FilterByRoi(m.lastDetections, m.lastRoi)
	m.outsideOnly = split.OutsideOnly

	focusedIdx := -1
	if m.lastGoodState {
		focusedIdx = m.selectFocusLocked(split.Eligible)
	}

	tracks := make([]model.OverlayTrack, 0, len(m.lastDetections))
	for i, d := range split.Eligible {
		tracks = append(tracks, m.trackForLocked(d, i == focusedIdx))
	}
	for _, d := range split.Outside {
		tracks = append(tracks, m.trackForLocked(d, false))
	}

	m.tracks = tracks
	return tracks
}

// selectFocusLocked picks the single focused detection among ROI-eligible
// ones by combined proximity and confidence score.
func (m *Manager) selectFocusLocked(eligible []model.Detection) int {
	if len(eligible) == 0 {
		return -1
	}
	roiCenter := m.lastRoi.Center()
	// Normalize distance by the ROI half-diagonal so proximity stays in [0,1]
	// for anything whose center is inside the ROI.
	halfDiag := m.lastRoi.Size().Norm() / 2
	if halfDiag <= 0 {
		halfDiag = 1
	}

	best, bestScore := -1, -1.0
	for i, d := range eligible {
		dist := d.BBox.Center().Sub(roiCenter).Norm()
		proximity := 1 - dist/halfDiag
		if proximity < 0 {
			proximity = 0
		}
		score := m.cfg.ProximityWeight*proximity + m.cfg.ConfidenceWeight*d.Confidence
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}

// trackForLocked builds one render track, resolving the detection to an
// aggregated item and updating the resolution cache.
func (m *Manager) trackForLocked(d model.Detection, focused bool) model.OverlayTrack {
	t := model.OverlayTrack{
		TrackingID: d.TrackingID,
		Label:      d.Label,
		Confidence: d.Confidence,
		State:      model.StateEye,
	}

	itemID, ok := m.src.Match(d)
	if ok {
		t.ItemID = itemID
		if d.TrackingID != "" && m.resolved[d.TrackingID] != itemID {
			zap.L().Debug("overlay: track resolved",
				zap.String("tracking_id", d.TrackingID),
				zap.String("item_id", itemID),
			)
			m.resolved[d.TrackingID] = itemID
		}
		if item, found := m.src.Item(itemID); found {
			if item.MaxConfidence >= m.cfg.ReadinessThreshold {
				m.ready[itemID] = true
			}
			if t.Label == "" {
				t.Label = item.Label
			}
		}
		t.Ready = m.ready[itemID]
	}

	if !focused {
		return t
	}
	switch {
	case itemID != "" && itemID == m.lastLockedID:
		t.State = model.StateLocked
	case t.Ready:
		t.State = model.StateReady
	default:
		t.State = model.StateSelected
	}
	return t
}

// Tracks returns the most recently rendered track list.
func (m *Manager) Tracks() []model.OverlayTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.OverlayTrack, len(m.tracks))
	copy(out, m.tracks)
	return out
}

// IsItemReady reports whether the item has ever crossed the readiness
// threshold this session.
func (m *Manager) IsItemReady(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ready[itemID]
}

// HasDetectionsOutsideRoiOnly reports whether the last frame had detections
// but none inside the ROI, which the UI turns into a "move closer" hint.
func (m *Manager) HasDetectionsOutsideRoiOnly() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outsideOnly
}

// Clear drops all tracks, cached resolutions, and readiness flags.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDetections = nil
	m.tracks = nil
	m.outsideOnly = false
	m.hasInputs = false
	m.lastLockedID = ""
	m.resolved = make(map[string]string)
	m.ready = make(map[string]bool)
}
