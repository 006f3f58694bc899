package storage

import (
	"context"
	"path"
	"sort"
	"sync"
)

// MemoryStorage keeps everything in process memory. Used for development
// and tests; state is lost on restart.
type MemoryStorage struct {
	mu      sync.RWMutex
	strings map[string]string
	hashes  map[string]map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		strings: make(map[string]string),
		hashes:  make(map[string]map[string]string),
	}
}

func (s *MemoryStorage) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, exists := s.strings[key]; exists {
		return v, nil
	}
	return "", ErrNotFound
}

func (s *MemoryStorage) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.strings[key] = value
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.strings, key)
	delete(s.hashes, key)
	return nil
}

func (s *MemoryStorage) HSet(ctx context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, exists := s.hashes[key]
	if !exists {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *MemoryStorage) HGet(ctx context.Context, key, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, exists := s.hashes[key][field]; exists {
		return v, nil
	}
	return "", ErrNotFound
}

func (s *MemoryStorage) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *MemoryStorage) HDel(ctx context.Context, key, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, exists := s.hashes[key]; exists {
		delete(h, field)
		if len(h) == 0 {
			delete(s.hashes, key)
		}
	}
	return nil
}

func (s *MemoryStorage) Scan(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var keys []string
	collect := func(k string) error {
		if _, dup := seen[k]; dup {
			return nil
		}
		ok, err := path.Match(pattern, k)
		if err != nil {
			return err
		}
		if ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		return nil
	}
	for k := range s.strings {
		if err := collect(k); err != nil {
			return nil, err
		}
	}
	for k := range s.hashes {
		if err := collect(k); err != nil {
			return nil, err
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStorage) Update(ctx context.Context, key string, fn UpdateFunc) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.strings[key]
	next, err := fn(current, exists)
	if err != nil {
		return "", err
	}
	s.strings[key] = next
	return next, nil
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
