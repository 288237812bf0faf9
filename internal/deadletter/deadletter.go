// Package deadletter holds batches that exhausted their retry budget.
//
// Entries are kept oldest first and persisted through the same KV adapter
// as the queue. Past capacity the oldest entry is dropped and counted.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/storage"
)

// DefaultKey is the KV key the store is persisted under.
const DefaultKey = "beacon/deadletter"

var ErrEntryNotFound = errors.New("deadletter: entry not found")

// Config configures a Store.
type Config struct {
	Capacity int

	// ReprocessInterval is how long an entry rests after its last attempt
	// before ListDue returns it again.
	ReprocessInterval time.Duration

	Key string
}

type snapshot struct {
	Entries []*models.DeadLetterEntry `json:"entries"`
	Evicted uint64                    `json:"evicted"`
}

func (s snapshot) clone() snapshot {
	out := snapshot{Entries: make([]*models.DeadLetterEntry, len(s.Entries)), Evicted: s.Evicted}
	for i, e := range s.Entries {
		out.Entries[i] = cloneEntry(e)
	}
	return out
}

func cloneEntry(e *models.DeadLetterEntry) *models.DeadLetterEntry {
	cp := *e
	cp.Batch = e.Batch.Clone()
	return &cp
}

// Store is safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	kv    storage.KV
	cfg   Config
	state snapshot
	log   zerolog.Logger
}

// Open loads persisted entries from kv.
func Open(ctx context.Context, kv storage.KV, cfg Config) (*Store, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 500
	}
	if cfg.ReprocessInterval <= 0 {
		cfg.ReprocessInterval = time.Hour
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}

	s := &Store{kv: kv, cfg: cfg, log: logger.WithComponent("deadletter")}

	data, err := kv.Get(ctx, cfg.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load dead letters: %w", err)
	default:
		if err := json.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("decode dead letters: %w", err)
		}
	}

	metrics.DeadLetterSize.Set(float64(len(s.state.Entries)))
	return s, nil
}

func (s *Store) mutate(ctx context.Context, fn func(st *snapshot) error) error {
	next := s.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	if err := s.write(ctx, next); err != nil {
		return err
	}
	s.state = next
	metrics.DeadLetterSize.Set(float64(len(next.Entries)))
	return nil
}

func (s *Store) write(ctx context.Context, st snapshot) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode dead letters: %w", err)
	}
	if err := s.kv.Set(ctx, s.cfg.Key, data); err != nil {
		return fmt.Errorf("persist dead letters: %w", err)
	}
	return nil
}

// Add stores entry. An entry for the same batch is replaced in place and
// keeps its FirstFailedAt. Returns the number of entries evicted.
func (s *Store) Add(ctx context.Context, entry models.DeadLetterEntry) (int, error) {
	if entry.Batch == nil {
		return 0, errors.New("deadletter: entry has no batch")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	err := s.mutate(ctx, func(st *snapshot) error {
		e := cloneEntry(&entry)
		if i := indexOf(st.Entries, e.Batch.ID); i >= 0 {
			if !st.Entries[i].FirstFailedAt.IsZero() {
				e.FirstFailedAt = st.Entries[i].FirstFailedAt
			}
			st.Entries[i] = e
			return nil
		}

		st.Entries = append(st.Entries, e)
		for len(st.Entries) > s.cfg.Capacity {
			st.Entries = st.Entries[1:]
			st.Evicted++
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if evicted > 0 {
		metrics.DeadLetterEvictionsTotal.Add(float64(evicted))
		s.log.Warn().
			Int("evicted", evicted).
			Int("capacity", s.cfg.Capacity).
			Msg("Dead letter store at capacity, dropped oldest entries")
	}
	return evicted, nil
}

// ListDue returns copies of the entries whose rest period has elapsed,
// oldest first.
func (s *Store) ListDue(now time.Time) []*models.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.DeadLetterEntry
	for _, e := range s.state.Entries {
		if !e.LastAttemptAt.Add(s.cfg.ReprocessInterval).After(now) {
			due = append(due, cloneEntry(e))
		}
	}
	return due
}

// Remove drops the entry for batchID and reports whether it was present.
func (s *Store) Remove(ctx context.Context, batchID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if indexOf(s.state.Entries, batchID) < 0 {
		return false, nil
	}
	err := s.mutate(ctx, func(st *snapshot) error {
		i := indexOf(st.Entries, batchID)
		st.Entries = append(st.Entries[:i], st.Entries[i+1:]...)
		return nil
	})
	return err == nil, err
}

// Touch records another failed reprocessing attempt.
func (s *Store) Touch(ctx context.Context, batchID string, now time.Time, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mutate(ctx, func(st *snapshot) error {
		i := indexOf(st.Entries, batchID)
		if i < 0 {
			return ErrEntryNotFound
		}
		st.Entries[i].LastAttemptAt = now
		st.Entries[i].Reason = reason
		return nil
	})
}

// PurgeUser removes the user's events from every entry and drops entries
// left empty. Returns the number of events removed.
func (s *Store) PurgeUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := s.mutate(ctx, func(st *snapshot) error {
		kept := st.Entries[:0]
		for _, e := range st.Entries {
			removed += e.Batch.DropUser(userID)
			if len(e.Batch.Events) > 0 {
				kept = append(kept, e)
			}
		}
		st.Entries = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Entries returns copies of all entries, oldest first.
func (s *Store) Entries() []*models.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.DeadLetterEntry, len(s.state.Entries))
	for i, e := range s.state.Entries {
		out[i] = cloneEntry(e)
	}
	return out
}

// Len returns the number of entries held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.Entries)
}

// Evicted returns the lifetime eviction count.
func (s *Store) Evicted() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Evicted
}

// Persist writes the current state.
func (s *Store) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, s.state)
}

func indexOf(entries []*models.DeadLetterEntry, batchID string) int {
	for i, e := range entries {
		if e.Batch.ID == batchID {
			return i
		}
	}
	return -1
}
