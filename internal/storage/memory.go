package storage

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 64

type memoryShard struct {
	mu     sync.RWMutex
	hashes map[string]map[string][]byte
}

// MemoryBackend keeps hashes in process memory. Keys are spread over
// shards by hash so operations on unrelated keys rarely contend; all
// fields of one key live in the same shard and share its lock.
type MemoryBackend struct {
	shards [memoryShards]*memoryShard
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	m := &MemoryBackend{}
	for i := range m.shards {
		m.shards[i] = &memoryShard{hashes: make(map[string]map[string][]byte)}
	}
	return m
}

func (m *MemoryBackend) shard(key string) *memoryShard {
	return m.shards[xxhash.Sum64String(key)%memoryShards]
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(_ context.Context, key, field string) ([]byte, bool, error) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.hashes[key][field]
	if !ok {
		return nil, false, nil
	}
	return cloneValue(v), true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, field string, value []byte) ([]byte, bool, error) {
	stored := cloneValue(value)

	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	prev, existed := h[field]
	h[field] = stored
	// prev is no longer reachable from the map, so it can be handed out as is
	return prev, existed, nil
}

func (m *MemoryBackend) Del(_ context.Context, key, field string) (bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hashes[key]
	if !ok {
		return false, nil
	}
	if _, ok := h[field]; !ok {
		return false, nil
	}
	delete(h, field)
	if len(h) == 0 {
		delete(s.hashes, key)
	}
	return true, nil
}

func (m *MemoryBackend) Exists(_ context.Context, key, field string) (bool, error) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.hashes[key][field]
	return ok, nil
}

func (m *MemoryBackend) GetAll(_ context.Context, key string) (map[string][]byte, error) {
	s := m.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.hashes[key]
	out := make(map[string][]byte, len(h))
	for field, v := range h {
		out[field] = cloneValue(v)
	}
	return out, nil
}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

func (m *MemoryBackend) Close() error { return nil }

func cloneValue(v []byte) []byte {
	return append([]byte{}, v...)
}
