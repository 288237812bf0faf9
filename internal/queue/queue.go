// Package queue implements the client's durable, bounded event queue.
//
// The queue holds events that have not been batched yet plus the batches
// that were sealed and are waiting for (re)delivery. State is written through
// to the KV adapter before it changes in memory, so a failed write leaves the
// previous state in force.
//
// Enqueue appends one small journal entry per event. Batch lifecycle
// changes, Persist and a journal longer than Config.CompactEvery write a
// full snapshot that absorbs the journal, after which the absorbed entries
// are deleted. Open loads the snapshot and replays the journal after it.
package queue

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

const (
	// DefaultKey is the KV key the snapshot is stored under. Journal entries
	// live under DefaultKey + "/j/".
	DefaultKey = "beacon/queue"

	// DefaultCompactEvery is the journal length that forces a snapshot.
	DefaultCompactEvery = 256
)

var (
	ErrBatchNotFound   = errors.New("queue: batch not found")
	ErrInvalidCapacity = errors.New("queue: capacity must be positive")
)

// Config configures a Queue.
type Config struct {
	Capacity     int
	Key          string
	CompactEvery int
}

type snapshot struct {
	Events  []models.Event  `json:"events"`
	Batches []*models.Batch `json:"batches"`
	Evicted uint64          `json:"evicted"`

	// JournalFrom is the first journal sequence not absorbed by the snapshot.
	JournalFrom uint64 `json:"journalFrom,omitempty"`
}

// journalEntry is one enqueue. Evict records how many of the oldest events
// the enqueue pushed out, so replay does not depend on the capacity in force
// when the queue is reopened.
type journalEntry struct {
	Event models.Event `json:"event"`
	Evict int          `json:"evict,omitempty"`
}

func (s *snapshot) apply(e journalEntry) {
	s.Events = append(s.Events, e.Event)
	for i := 0; i < e.Evict; i++ {
		evictOldest(s)
	}
}

func (s snapshot) clone() snapshot {
	out := snapshot{
		Events:  make([]models.Event, len(s.Events)),
		Batches: make([]*models.Batch, len(s.Batches)),
		Evicted: s.Evicted,

		JournalFrom: s.JournalFrom,
	}
	copy(out.Events, s.Events)
	for i, b := range s.Batches {
		out.Batches[i] = b.Clone()
	}
	return out
}

func (s snapshot) size() int {
	n := len(s.Events)
	for _, b := range s.Batches {
		n += len(b.Events)
	}
	return n
}

// Queue is safe for concurrent use.
type Queue struct {
	mu           sync.Mutex
	kv           storage.KV
	key          string
	capacity     int
	compactEvery int
	state        snapshot
	nextSeq      uint64
	log          zerolog.Logger
}

// Open loads the last durable snapshot from kv and replays the journal
// written after it, or starts empty.
func Open(ctx context.Context, kv storage.KV, cfg Config) (*Queue, error) {
	if cfg.Capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = DefaultCompactEvery
	}

	q := &Queue{
		kv:           kv,
		key:          cfg.Key,
		capacity:     cfg.Capacity,
		compactEvery: cfg.CompactEvery,
		log:          logger.WithComponent("queue"),
	}

	data, err := kv.Get(ctx, cfg.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load queue snapshot: %w", err)
	default:
		if err := json.Unmarshal(data, &q.state); err != nil {
			return nil, fmt.Errorf("decode queue snapshot: %w", err)
		}
	}

	replayed, err := q.replay(ctx)
	if err != nil {
		return nil, err
	}

	size := q.state.size()
	metrics.QueueSize.Set(float64(size))
	if size > 0 {
		q.log.Info().
			Int("event_count", size).
			Int("pending_batches", len(q.state.Batches)).
			Int("journal_entries", replayed).
			Msg("Recovered queue from snapshot")
	}

	return q, nil
}

// replay applies journal entries from JournalFrom up to the first gap.
func (q *Queue) replay(ctx context.Context) (int, error) {
	q.nextSeq = q.state.JournalFrom
	n := 0
	for {
		data, err := q.kv.Get(ctx, q.journalKey(q.nextSeq))
		if errors.Is(err, storage.ErrNotFound) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("load queue journal %d: %w", q.nextSeq, err)
		}

		var e journalEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return n, fmt.Errorf("decode queue journal %d: %w", q.nextSeq, err)
		}
		q.state.apply(e)
		q.nextSeq++
		n++
	}
}

func (q *Queue) journalKey(seq uint64) string {
	return fmt.Sprintf("%s/j/%020d", q.key, seq)
}

// mutate applies fn to a copy of the state, persists the copy as a snapshot
// and only then makes it current. Callers hold q.mu.
func (q *Queue) mutate(ctx context.Context, fn func(s *snapshot) error) error {
	next := q.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	return q.commit(ctx, next)
}

// commit writes s as the snapshot absorbing the whole journal, makes it
// current and drops the absorbed entries. Callers hold q.mu.
func (q *Queue) commit(ctx context.Context, s snapshot) error {
	from := q.state.JournalFrom
	s.JournalFrom = q.nextSeq

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode queue snapshot: %w", err)
	}
	if err := q.kv.Set(ctx, q.key, data); err != nil {
		metrics.QueuePersistFailuresTotal.Inc()
		return fmt.Errorf("persist queue snapshot: %w", err)
	}
	q.state = s
	metrics.QueueSize.Set(float64(s.size()))

	if from == s.JournalFrom {
		return nil
	}
	metrics.QueueCompactionsTotal.Inc()
	// the snapshot is already authoritative; a leftover entry below
	// JournalFrom is never replayed
	for seq := from; seq < s.JournalFrom; seq++ {
		if err := q.kv.Delete(ctx, q.journalKey(seq)); err != nil {
			q.log.Warn().Err(err).Uint64("seq", seq).Msg("Failed to delete compacted journal entry")
		}
	}
	return nil
}

// Enqueue appends ev at the tail. When the queue is over capacity the oldest
// events are evicted; the number evicted is returned.
func (q *Queue) Enqueue(ctx context.Context, ev models.Event) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := journalEntry{Event: ev, Evict: max(0, q.state.size()+1-q.capacity)}
	data, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("encode queue journal: %w", err)
	}
	if err := q.kv.Set(ctx, q.journalKey(q.nextSeq), data); err != nil {
		metrics.QueuePersistFailuresTotal.Inc()
		return 0, fmt.Errorf("persist queue journal: %w", err)
	}
	q.nextSeq++
	q.state.apply(entry)
	metrics.QueueSize.Set(float64(q.state.size()))

	if q.nextSeq-q.state.JournalFrom >= uint64(q.compactEvery) {
		// the journal entry is durable; a failed snapshot only postpones
		// compaction to the next mutation
		if err := q.commit(ctx, q.state.clone()); err != nil {
			q.log.Warn().Err(err).Msg("Queue compaction failed")
		}
	}

	evicted := entry.Evict
	if evicted > 0 {
		metrics.QueueEvictionsTotal.Add(float64(evicted))
		q.log.Warn().
			Int("evicted", evicted).
			Uint64("evicted_total", q.state.Evicted).
			Int("capacity", q.capacity).
			Msg("Queue at capacity, evicted oldest events")
	}
	return evicted, nil
}

// evictOldest drops the single oldest event: the head of the oldest pending
// batch if there is one, otherwise the oldest unbatched event.
func evictOldest(s *snapshot) {
	s.Evicted++
	if len(s.Batches) > 0 {
		head := s.Batches[0]
		head.Events = head.Events[1:]
		if len(head.Events) == 0 {
			s.Batches = s.Batches[1:]
		}
		return
	}
	if len(s.Events) > 0 {
		s.Events = s.Events[1:]
	}
}

// PeekBatch returns up to maxSize unbatched events in enqueue order without
// removing them.
func (q *Queue) PeekBatch(maxSize int) []models.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(maxSize, len(q.state.Events))
	out := make([]models.Event, n)
	for i := 0; i < n; i++ {
		out[i] = q.state.Events[i].Clone()
	}
	return out
}

// RemoveEvents removes the events with the given IDs wherever they are
// held. Batches left empty are dropped.
func (q *Queue) RemoveEvents(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(ctx, func(s *snapshot) error {
		s.Events = filterEvents(s.Events, func(e models.Event) bool {
			_, gone := drop[e.ID]
			return !gone
		})
		kept := s.Batches[:0]
		for _, b := range s.Batches {
			b.Events = filterEvents(b.Events, func(e models.Event) bool {
				_, gone := drop[e.ID]
				return !gone
			})
			if len(b.Events) > 0 {
				kept = append(kept, b)
			}
		}
		s.Batches = kept
		return nil
	})
}

// SealBatch moves up to maxSize unbatched events into a new pending batch
// and returns a copy of it, or nil when there is nothing to seal.
func (q *Queue) SealBatch(ctx context.Context, maxSize int) (*models.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seal(ctx, maxSize)
}

func (q *Queue) seal(ctx context.Context, maxSize int) (*models.Batch, error) {
	if len(q.state.Events) == 0 || maxSize <= 0 {
		return nil, nil
	}

	var sealed *models.Batch
	err := q.mutate(ctx, func(s *snapshot) error {
		n := min(maxSize, len(s.Events))
		events := make([]models.Event, n)
		copy(events, s.Events[:n])
		s.Events = s.Events[n:]

		sealed = models.NewBatch(events)
		s.Batches = append(s.Batches, sealed)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sealed.Clone(), nil
}

// NextBatch returns the batch that should be sent next. The oldest pending
// batch always goes first; while its backoff has not elapsed nothing newer is
// returned. With no pending batches a fresh one is sealed. A nil batch with a
// nil error means there is nothing to send right now.
func (q *Queue) NextBatch(ctx context.Context, now time.Time, maxSize int) (*models.Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.state.Batches) > 0 {
		head := q.state.Batches[0]
		if head.NextAttemptAt.After(now) {
			return nil, nil
		}
		return head.Clone(), nil
	}
	return q.seal(ctx, maxSize)
}

// NextAttemptAt returns when the head pending batch becomes due. ok is false
// when no batch is pending.
func (q *Queue) NextAttemptAt() (t time.Time, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.state.Batches) == 0 {
		return time.Time{}, false
	}
	return q.state.Batches[0].NextAttemptAt, true
}

// MarkFailed records a failed attempt on a pending batch.
func (q *Queue) MarkFailed(ctx context.Context, batchID string, attempt int, nextAttemptAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mutate(ctx, func(s *snapshot) error {
		for _, b := range s.Batches {
			if b.ID == batchID {
				b.Attempt = attempt
				b.NextAttemptAt = nextAttemptAt
				if b.FirstFailedAt.IsZero() {
					b.FirstFailedAt = time.Now().UTC()
				}
				return nil
			}
		}
		return ErrBatchNotFound
	})
}

// RemoveBatch drops a pending batch. It reports false when the batch is no
// longer held, e.g. because it was purged while in flight.
func (q *Queue) RemoveBatch(ctx context.Context, batchID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if indexOf(q.state.Batches, batchID) < 0 {
		return false, nil
	}

	err := q.mutate(ctx, func(s *snapshot) error {
		i := indexOf(s.Batches, batchID)
		s.Batches = append(s.Batches[:i], s.Batches[i+1:]...)
		return nil
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Batch returns a copy of the pending batch with the given ID.
func (q *Queue) Batch(batchID string) (*models.Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := indexOf(q.state.Batches, batchID)
	if i < 0 {
		return nil, false
	}
	return q.state.Batches[i].Clone(), true
}

// PurgeUser removes every queued event belonging to userID, batched or not,
// and returns how many were removed.
func (q *Queue) PurgeUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	err := q.mutate(ctx, func(s *snapshot) error {
		before := len(s.Events)
		s.Events = filterEvents(s.Events, func(e models.Event) bool { return !e.BelongsTo(userID) })
		removed += before - len(s.Events)

		kept := s.Batches[:0]
		for _, b := range s.Batches {
			removed += b.DropUser(userID)
			if len(b.Events) > 0 {
				kept = append(kept, b)
			}
		}
		s.Batches = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Persist writes the current state as a snapshot and compacts the journal.
func (q *Queue) Persist(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.commit(ctx, q.state.clone())
}

// Size returns the total number of events held, batched or not.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.size()
}

// Unbatched returns the number of events not yet sealed into a batch.
func (q *Queue) Unbatched() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.state.Events)
}

// PendingBatches returns the number of sealed, undelivered batches.
func (q *Queue) PendingBatches() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.state.Batches)
}

// Evicted returns the lifetime eviction count.
func (q *Queue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state.Evicted
}

func filterEvents(in []models.Event, keep func(models.Event) bool) []models.Event {
	out := in[:0]
	for _, e := range in {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func indexOf(batches []*models.Batch, id string) int {
	for i, b := range batches {
		if b.ID == id {
			return i
		}
	}
	return -1
}
