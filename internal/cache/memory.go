package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value      []byte
	expiresAt  time.Time
	generation uint64
}

// MemoryStore is an in-process Store. Scan offers the same weak guarantee as
// a cursor scan over any live map: keys written or removed mid-scan may or may
// not be observed, but keys present for the whole scan are returned exactly
// once.
type MemoryStore struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	generation uint64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		m.mu.Lock()
		if current, stillThere := m.entries[key]; stillThere && current.generation == entry.generation {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	entry := memoryEntry{value: value, generation: m.generation}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Scan walks entries in write order. The cursor is the generation of the last
// entry visited, which stays valid when earlier batches are deleted mid-scan;
// a cursor of 0 starts over, and next==0 signals the scan is complete. Count
// bounds the entries visited per call, not the entries matched.
func (m *MemoryStore) Scan(_ context.Context, cursor uint64, match string, count int) ([]string, uint64, error) {
	if count <= 0 {
		count = scanBatchSize
	}

	type scanned struct {
		key        string
		generation uint64
	}

	m.mu.RLock()
	pending := make([]scanned, 0, len(m.entries))
	for key, entry := range m.entries {
		if entry.generation > cursor {
			pending = append(pending, scanned{key: key, generation: entry.generation})
		}
	}
	m.mu.RUnlock()
	sort.Slice(pending, func(i, j int) bool { return pending[i].generation < pending[j].generation })

	if len(pending) == 0 {
		return nil, 0, nil
	}

	var matched []string
	var next uint64
	for i, entry := range pending {
		if i >= count {
			break
		}
		next = entry.generation
		if MatchKey(match, entry.key) {
			matched = append(matched, entry.key)
		}
	}
	if len(pending) <= count {
		next = 0
	}
	return matched, next, nil
}

func (m *MemoryStore) Generation(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation, nil
}

func (m *MemoryStore) Delete(_ context.Context, upToGeneration uint64, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if entry, ok := m.entries[key]; ok && entry.generation <= upToGeneration {
			delete(m.entries, key)
		}
	}
	return nil
}

// Len reports the number of live entries, expired or not.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
