package pool

import (
	"context"
	"sort"
	"sync"
)

// Member is an account in a pool scored by its current balance.
type Member struct {
	AccountID uint
	Score     float64
}

// Store keeps the scored pools. An account may sit in several pools at once;
// UpdateScore and Remove act on every pool that holds it.
type Store interface {
	// PopMax removes and returns the highest-scored member. ok is false when
	// the pool is empty.
	PopMax(ctx context.Context, key string) (m Member, ok bool, err error)
	Add(ctx context.Context, key string, members ...Member) error
	// Replace swaps the whole content of key for members.
	Replace(ctx context.Context, key string, members []Member) error
	Size(ctx context.Context, key string) (int64, error)
	UpdateScore(ctx context.Context, accountID uint, score float64) error
	Remove(ctx context.Context, accountID uint) error
	Keys(ctx context.Context) ([]string, error)
	// SweepEmpty forgets pools without members and returns how many it dropped.
	SweepEmpty(ctx context.Context) (int, error)
}

// MemoryStore is a Store for a single process.
type MemoryStore struct {
	mu    sync.Mutex
	pools map[string]map[uint]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pools: make(map[string]map[uint]float64)}
}

func (s *MemoryStore) PopMax(_ context.Context, key string) (Member, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.pools[key]
	if len(pool) == 0 {
		return Member{}, false, nil
	}
	var best Member
	found := false
	for id, score := range pool {
		// Ties go to the higher id so pops are deterministic.
		if !found || score > best.Score || (score == best.Score && id > best.AccountID) {
			best = Member{AccountID: id, Score: score}
			found = true
		}
	}
	delete(pool, best.AccountID)
	return best, true, nil
}

func (s *MemoryStore) Add(_ context.Context, key string, members ...Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[key]
	if !ok {
		pool = make(map[uint]float64)
		s.pools[key] = pool
	}
	for _, m := range members {
		pool[m.AccountID] = m.Score
	}
	return nil
}

func (s *MemoryStore) Replace(_ context.Context, key string, members []Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := make(map[uint]float64, len(members))
	for _, m := range members {
		pool[m.AccountID] = m.Score
	}
	s.pools[key] = pool
	return nil
}

func (s *MemoryStore) Size(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.pools[key])), nil
}

func (s *MemoryStore) UpdateScore(_ context.Context, accountID uint, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pool := range s.pools {
		if _, ok := pool[accountID]; ok {
			pool[accountID] = score
		}
	}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, accountID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pool := range s.pools {
		delete(pool, accountID)
	}
	return nil
}

func (s *MemoryStore) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.pools))
	for k := range s.pools {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) SweepEmpty(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, pool := range s.pools {
		if len(pool) == 0 {
			delete(s.pools, k)
			n++
		}
	}
	return n, nil
}

// Score returns the member's score in key, for tests and stats.
func (s *MemoryStore) Score(key string, accountID uint) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.pools[key][accountID]
	return score, ok
}
