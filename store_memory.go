package callmetrics

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps rows in process memory. It backs the degraded mode and tests;
// nothing survives a restart.
type MemoryStore struct {
	rows  map[string]Record
	mutex sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]Record)}
}

// Load implements Store
func (m *MemoryStore) Load(ctx context.Context) ([]Snapshot, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snaps := make([]Snapshot, 0, len(m.rows))
	for name, r := range m.rows {
		snaps = append(snaps, Snapshot{Function: name, Record: r})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Function < snaps[j].Function })
	return snaps, nil
}

// Upsert implements Store
func (m *MemoryStore) Upsert(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mutex.Lock()
	m.rows[s.Function] = s.Record
	m.mutex.Unlock()
	return nil
}

// Get returns the stored row of name
func (m *MemoryStore) Get(name string) (Record, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	r, ok := m.rows[name]
	return r, ok
}

// Close implements Store
func (m *MemoryStore) Close() error {
	return nil
}
