// Package store persists ingested telemetry events on the server.
package store

import (
	"context"
	"errors"

	"beacon/internal/models"
)

var (
	ErrEmptyUserID = errors.New("store: user id is required")
	ErrClosed      = errors.New("store: closed")
)

// InsertResult reports which records were new.
type InsertResult struct {
	// Inserted holds the records that did not already exist, in input order.
	Inserted   []models.Record
	Duplicates int
}

// Store is the server-side event repository. Insert is atomic: either every
// record is applied (new ones inserted, existing ids ignored) or none is.
type Store interface {
	Insert(ctx context.Context, records []models.Record) (InsertResult, error)
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
	Ping(ctx context.Context) error
	Close()
}
