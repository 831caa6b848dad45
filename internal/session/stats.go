package session

import (
	"sync/atomic"
	"time"
)

// StatsSnapshot holds a point-in-time view of the session.
type StatsSnapshot struct {
	SessionToken string `json:"session_token"`

	FramesProcessed     int64 `json:"frames_processed"`
	DetectionsProcessed int64 `json:"detections_processed"`
	ItemsActive         int   `json:"items_active"`
	ItemsEvicted        int64 `json:"items_evicted"`

	ClassificationsDispatched int64 `json:"classifications_dispatched"`
	ClassificationsSucceeded  int64 `json:"classifications_succeeded"`
	ClassificationsFailed     int64 `json:"classifications_failed"`
	CloudTriggers             int64 `json:"cloud_triggers"`
	GateSuppressions          int64 `json:"gate_suppressions"`
	ThumbnailFailures         int64 `json:"thumbnail_failures"`
	StaleCompletions          int64 `json:"stale_completions"`
	AlertsDropped             int64 `json:"alerts_dropped"`

	StartedAt   time.Time `json:"started_at"`
	CollectedAt time.Time `json:"collected_at"`
}

// stats holds the live counters. All fields are updated atomically.
type stats struct {
	frames           atomic.Int64
	detections       atomic.Int64
	evicted          atomic.Int64
	dispatched       atomic.Int64
	succeeded        atomic.Int64
	failed           atomic.Int64
	cloudTriggers    atomic.Int64
	gateSuppressions atomic.Int64
	thumbFailures    atomic.Int64
	staleCompletions atomic.Int64
}

func (s *stats) reset() {
	s.frames.Store(0)
	s.detections.Store(0)
	s.evicted.Store(0)
	s.dispatched.Store(0)
	s.succeeded.Store(0)
	s.failed.Store(0)
	s.cloudTriggers.Store(0)
	s.gateSuppressions.Store(0)
	s.thumbFailures.Store(0)
	s.staleCompletions.Store(0)
}
