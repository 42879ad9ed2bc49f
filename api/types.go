package api

import (
	"context"

	"board-api/domain"
)

// Storage abstracts board persistence for handlers.
type Storage interface {
	LoadBoard(ctx context.Context, recordID string) (domain.BoardRecord, error)
	SaveBoard(ctx context.Context, rec domain.BoardRecord) error
}

// Deduper prevents processing of duplicate create requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, recordID, key string) (bool, error)
	// Remove deletes a previously added key, used when the request fails.
	Remove(ctx context.Context, recordID, key string) error
}

// Notifier announces board changes to other instances and stream clients.
type Notifier interface {
	Publish(ctx context.Context, ev domain.BoardSaved) error
}
