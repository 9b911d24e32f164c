package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and local development.
// Single mutex; every operation is atomic relative to the others, which is
// what the claim semantics require.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	expiry  map[string]time.Time
	zsets   map[string]map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
		expiry: make(map[string]time.Time),
		zsets:  make(map[string]map[string]float64),
	}
}

func (s *MemoryStore) get(key string) (string, bool) {
	if exp, ok := s.expiry[key]; ok && time.Now().After(exp) {
		delete(s.values, key)
		delete(s.expiry, key)
		return "", false
	}
	val, ok := s.values[key]
	return val, ok
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.get(key)
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	if ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	} else {
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	delete(s.expiry, key)
	return nil
}

func (s *MemoryStore) AtomicIncrement(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	if val, ok := s.get(key); ok {
		count, _ = strconv.ParseInt(val, 10, 64)
	}
	count++
	s.values[key] = strconv.FormatInt(count, 10)
	if count == 1 && ttl > 0 {
		s.expiry[key] = time.Now().Add(ttl)
	}
	return count, nil
}

func (s *MemoryStore) ConditionalSet(_ context.Context, key, expected, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.get(key)
	if !ok || current != expected {
		return false, nil
	}
	s.values[key] = next
	return true, nil
}

func (s *MemoryStore) ZAdd(_ context.Context, set, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z, ok := s.zsets[set]
	if !ok {
		z = make(map[string]float64)
		s.zsets[set] = z
	}
	z[member] = score
	return nil
}

func (s *MemoryStore) ZRangeByScore(_ context.Context, set string, min, max float64, limit int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type entry struct {
		member string
		score  float64
	}
	var entries []entry
	for member, score := range s.zsets[set] {
		if score >= min && score <= max {
			entries = append(entries, entry{member, score})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score == entries[j].score {
			return entries[i].member < entries[j].member
		}
		return entries[i].score < entries[j].score
	})

	var out []string
	for _, e := range entries {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, e.member)
	}
	return out, nil
}

func (s *MemoryStore) ZRem(_ context.Context, set string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	z := s.zsets[set]
	for _, m := range members {
		delete(z, m)
	}
	return nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}
