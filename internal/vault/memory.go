package vault

import (
	"context"
	"slices"
	"sync"

	"tessera/internal/keys"
)

// Memory is a process-local vault. It backs kind = "memory" and tests.
type Memory struct {
	info Info

	mu   sync.RWMutex
	rows map[string]keys.Set
}

// NewMemory returns an empty in-memory vault.
func NewMemory(name string, noPush bool) *Memory {
	return &Memory{
		info: Info{Name: name, Kind: "memory", NoPush: noPush},
		rows: make(map[string]keys.Set),
	}
}

func (m *Memory) Info() Info { return m.info }

func (m *Memory) GetKey(_ context.Context, service string, kid keys.KID) (keys.ContentKey, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.rows[service][kid]
	if !ok {
		return nil, false, nil
	}
	return key.Clone(), true, nil
}

func (m *Memory) AddKey(_ context.Context, service string, kid keys.KID, key keys.ContentKey) (InsertResult, error) {
	if key.IsBlank() {
		return InsertFailed, keys.ErrBlankKey
	}
	if m.info.NoPush {
		return InsertSkipped, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(service, kid, key), nil
}

func (m *Memory) AddKeys(_ context.Context, service string, set keys.Set) (int, error) {
	if m.info.NoPush {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for kid, key := range set {
		if key.IsBlank() {
			continue
		}
		if m.insertLocked(service, kid, key) == Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func (m *Memory) insertLocked(service string, kid keys.KID, key keys.ContentKey) InsertResult {
	rows, ok := m.rows[service]
	if !ok {
		rows = make(keys.Set)
		m.rows[service] = rows
	}
	if _, exists := rows[kid]; exists {
		return AlreadyExists
	}
	rows[kid] = key.Clone()
	return Inserted
}

func (m *Memory) Services(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.rows))
	for service := range m.rows {
		out = append(out, service)
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) Keys(_ context.Context, service string) (keys.Set, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rows[service].Clone(), nil
}

func (m *Memory) Close() error { return nil }
