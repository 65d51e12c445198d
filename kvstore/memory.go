package kvstore

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local Backend.
type Memory struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string]string)}
}

func (m *Memory) Namespace(name string) Store {
	return &memoryStore{parent: m, ns: name}
}

func (m *Memory) Namespaces(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.data))
	for ns, entries := range m.data {
		if len(entries) > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

type memoryStore struct {
	parent *Memory
	ns     string
}

func (s *memoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	v, ok := s.parent.data[s.ns][key]
	return v, ok, nil
}

func (s *memoryStore) Set(_ context.Context, key, value string) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	entries, ok := s.parent.data[s.ns]
	if !ok {
		entries = make(map[string]string)
		s.parent.data[s.ns] = entries
	}
	entries[key] = value
	return nil
}

func (s *memoryStore) Remove(_ context.Context, key string) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	delete(s.parent.data[s.ns], key)
	return nil
}

func (s *memoryStore) Clear(_ context.Context) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	delete(s.parent.data, s.ns)
	return nil
}

func (s *memoryStore) Update(_ context.Context, key string, fn UpdateFunc) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()

	current, exists := s.parent.data[s.ns][key]
	next, keep, err := fn(current, exists)
	if err != nil {
		return err
	}
	if !keep {
		delete(s.parent.data[s.ns], key)
		return nil
	}
	entries, ok := s.parent.data[s.ns]
	if !ok {
		entries = make(map[string]string)
		s.parent.data[s.ns] = entries
	}
	entries[key] = next
	return nil
}
