// Package storage provides the key-value persistence adapter used by the
// client's durable queue and dead letter store.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("storage: key not found")

// KV is a minimal byte store. Set must be durable once it returns nil.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}
