package storage

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"beacon/internal/logger"
)

// BadgerConfig configures an on-disk BadgerKV.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM; used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// BadgerKV is a KV backed by BadgerDB.
type BadgerKV struct {
	db *badger.DB
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Trace().Msgf(format, args...)
}

// OpenBadger opens (or creates) a Badger database.
func OpenBadger(cfg BadgerConfig) (*BadgerKV, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("storage: badger path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}

	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(badgerLogger{log: logger.WithComponent("badger")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	return &BadgerKV{db: db}, nil
}

func (b *BadgerKV) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %s: %w", key, err)
	}
	return out, nil
}

// Set ignores ctx; a commit always runs to completion.
func (b *BadgerKV) Set(ctx context.Context, key string, value []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %s: %w", key, err)
	}
	return nil
}

func (b *BadgerKV) Delete(ctx context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %s: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database.
func (b *BadgerKV) Close() error {
	return b.db.Close()
}
