package model

import "time"

// Session is one persisted scanning session.
type Session struct {
	Token     string     `json:"token"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ItemCount int        `json:"item_count"`
}

// Finished reports whether the session has been closed.
func (s *Session) Finished() bool {
	return s != nil && s.EndedAt != nil
}

// StoredItem is an aggregated item finalized into persistent storage,
// bound to the session it was scanned in.
type StoredItem struct {
	SessionToken string         `json:"session_token"`
	Item         AggregatedItem `json:"item"`
	SavedAt      time.Time      `json:"saved_at"`
}
