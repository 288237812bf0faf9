package storage

import (
	"context"
	"errors"
	"sync"
)

var errClosed = errors.New("storage: closed")

// MemoryKV is an in-process KV. Values are copied on the way in and out.
type MemoryKV struct {
	mu      sync.RWMutex
	data    map[string][]byte
	closed  bool
	failSet error
}

// NewMemory returns an empty MemoryKV.
func NewMemory() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, errClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	if m.failSet != nil {
		return m.failSet
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryKV) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// SetFailure makes subsequent Sets fail with err, or succeed again when
// err is nil.
func (m *MemoryKV) SetFailure(err error) {
	m.mu.Lock()
	m.failSet = err
	m.mu.Unlock()
}
