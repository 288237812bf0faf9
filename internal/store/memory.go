package store

import (
	"context"
	"sync"

	"beacon/internal/models"
)

// MemoryStore keeps records in process memory. Used by tests and by
// telemetryd when no database URL is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]models.Record
	order   []string
	closed  bool

	// failInsert, when set, makes Insert fail without applying anything.
	failInsert error
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{records: make(map[string]models.Record)}
}

// SetInsertFailure makes subsequent inserts fail with err; nil clears it.
func (m *MemoryStore) SetInsertFailure(err error) {
	m.mu.Lock()
	m.failInsert = err
	m.mu.Unlock()
}

func (m *MemoryStore) Insert(ctx context.Context, records []models.Record) (InsertResult, error) {
	if err := ctx.Err(); err != nil {
		return InsertResult{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return InsertResult{}, ErrClosed
	}
	if m.failInsert != nil {
		return InsertResult{}, m.failInsert
	}

	var res InsertResult
	for _, rec := range records {
		if _, ok := m.records[rec.ID]; ok {
			res.Duplicates++
			continue
		}
		rec.Event = rec.Event.Clone()
		m.records[rec.ID] = rec
		m.order = append(m.order, rec.ID)
		res.Inserted = append(res.Inserted, rec)
	}
	return res, nil
}

func (m *MemoryStore) DeleteAllForUser(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrEmptyUserID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	var deleted int64
	kept := m.order[:0]
	for _, id := range m.order {
		if m.records[id].UserID == userID {
			delete(m.records, id)
			deleted++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	return deleted, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Records returns stored records in insertion order.
func (m *MemoryStore) Records() []models.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Record, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.records[id])
	}
	return out
}

// CountForUser returns how many stored records belong to userID.
func (m *MemoryStore) CountForUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, rec := range m.records {
		if rec.UserID == userID {
			n++
		}
	}
	return n
}
