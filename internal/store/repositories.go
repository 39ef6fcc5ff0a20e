package store

import (
	"context"
	"time"
)

// SourceRepository defines persistence operations for sources. Status fields
// are written only through the Save*/Set* methods so the sync engine owns
// them exclusively.
type SourceRepository interface {
	List(ctx context.Context) ([]Source, error)
	GetByID(ctx context.Context, id int64) (*Source, error)
	Create(ctx context.Context, src Source) (*Source, error)
	Update(ctx context.Context, src Source) error
	Delete(ctx context.Context, id int64) error

	// SavePublished atomically stores the published calendar body together
	// with last_synced and an ok status.
	SavePublished(ctx context.Context, id int64, body []byte, contentType string, syncedAt time.Time) error
	// SetSyncError marks the last cycle failed without touching the cached
	// body.
	SetSyncError(ctx context.Context, id int64, msg string) error
	// ListPublished returns the cached bodies of every source that has had a
	// successful cycle.
	ListPublished(ctx context.Context) ([]Published, error)
}

// DestinationRepository handles destination lifecycle and status.
type DestinationRepository interface {
	List(ctx context.Context) ([]Destination, error)
	GetByID(ctx context.Context, id int64) (*Destination, error)
	Create(ctx context.Context, dest Destination) (*Destination, error)
	Update(ctx context.Context, dest Destination) error
	Delete(ctx context.Context, id int64) error

	SetSyncOK(ctx context.Context, id int64, syncedAt time.Time) error
	SetSyncError(ctx context.Context, id int64, msg string) error
}
