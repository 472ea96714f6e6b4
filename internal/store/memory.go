package store

import (
	"context"
	"sort"
	"sync"

	"offline0/internal/resource"
)

// Memory keeps stores in process memory. Entries are encoded on write so that
// callers never share state with what was stored.
type Memory struct {
	mu     sync.RWMutex
	stores map[string]map[string][]byte
	marker string
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{stores: map[string]map[string][]byte{}}
}

func (m *Memory) Open(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = map[string][]byte{}
	}
	return nil
}

func (m *Memory) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.stores))
	for k := range m.stores {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.stores, name)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, name, key string) (*resource.Response, error) {
	m.mu.RLock()
	b, ok := m.stores[name][key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeResponse(b)
}

func (m *Memory) Put(_ context.Context, name, key string, resp *resource.Response) error {
	if err := checkPut(name, resp); err != nil {
		return err
	}
	b, err := encodeResponse(resp)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[name]
	if !ok {
		return ErrStoreNotFound
	}
	s[key] = b
	return nil
}

func (m *Memory) Marker(_ context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.marker, nil
}

func (m *Memory) SetMarker(_ context.Context, name string) error {
	m.mu.Lock()
	m.marker = name
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
