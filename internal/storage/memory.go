package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryStore implements Store over a plain map. It exists for tests and
// for running the bot without a database file; nothing survives a restart.
type memoryStore struct {
	mu   sync.Mutex
	rows map[string]*memRow
	now  func() time.Time
}

type memRow struct {
	value   []byte
	version int64
	expires time.Time // zero = no expiry
}

// NewMemory returns an in-memory Store.
func NewMemory() Store { return newMemory(time.Now) }

// NewMemoryAt returns an in-memory Store using the given clock.
// Tests use this to step through TTL behavior deterministically.
func NewMemoryAt(now func() time.Time) Store { return newMemory(now) }

func newMemory(now func() time.Time) *memoryStore {
	return &memoryStore{rows: map[string]*memRow{}, now: now}
}

func (m *memoryStore) live(r *memRow) bool {
	return r != nil && (r.expires.IsZero() || r.expires.After(m.now()))
}

func (m *memoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rows[key]
	if !m.live(r) {
		return nil, 0, false, nil
	}
	return append([]byte(nil), r.value...), r.version, true, nil
}

func (m *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ver int64 = 1
	if r := m.rows[key]; r != nil {
		ver = r.version + 1
	}
	m.rows[key] = &memRow{value: append([]byte(nil), value...), version: ver, expires: m.expiry(ttl)}
	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *memoryStore) CompareAndSwap(_ context.Context, ops []Op) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate the whole batch first; apply only if every op matches.
	for _, op := range ops {
		r := m.rows[op.Key]
		cur := int64(0)
		if m.live(r) {
			cur = r.version
		}
		if cur != op.Version {
			return false, nil
		}
	}
	for _, op := range ops {
		if op.Value == nil {
			delete(m.rows, op.Key)
			continue
		}
		next := op.Version + 1
		m.rows[op.Key] = &memRow{value: append([]byte(nil), op.Value...), version: next, expires: m.expiry(op.TTL)}
	}
	return true, nil
}

func (m *memoryStore) ListPrefix(_ context.Context, prefix string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Item
	for k, r := range m.rows {
		if !strings.HasPrefix(k, prefix) || !m.live(r) {
			continue
		}
		out = append(out, Item{Key: k, Value: append([]byte(nil), r.value...), Version: r.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memoryStore) PruneExpired(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.rows {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !r.expires.IsZero() && !r.expires.After(m.now()) {
			delete(m.rows, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) Close() error { return nil }
