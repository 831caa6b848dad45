// Package store persists scanning sessions and their finalized items.
package store

import (
	"context"

	"github.com/scanium/scanpipe/internal/model"
)

// ItemFilter specifies criteria for listing stored items.
type ItemFilter struct {
	SessionToken string                     `json:"session_token,omitempty"`
	Category     string                     `json:"category,omitempty"`
	Status       model.ClassificationStatus `json:"status,omitempty"`
	Limit        int                        `json:"limit,omitempty"`
	Offset       int                        `json:"offset,omitempty"`
}

// Store defines the persistence interface for sessions and items.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, token string) (*model.Session, error)
	CloseSession(ctx context.Context, token string) error
	GetSession(ctx context.Context, token string) (*model.Session, error)
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)

	// Items
	SaveItem(ctx context.Context, sessionToken string, item model.AggregatedItem) error
	GetItem(ctx context.Context, itemID string) (*model.StoredItem, error)
	ListItems(ctx context.Context, filter ItemFilter) ([]model.StoredItem, error)
	DeleteItem(ctx context.Context, itemID string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
