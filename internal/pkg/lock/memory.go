package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryLocker is a single-process Locker with the same expiry and
// compare-and-delete semantics as RedisLocker.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]entry
	clock func() time.Time
}

type entry struct {
	token   string
	expires time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]entry), clock: time.Now}
}

// SetClock replaces the time source, letting tests expire locks.
func (l *MemoryLocker) SetClock(clock func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = clock
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	token := uuid.New().String()
	l.held[key] = entry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	if !ok || e.token != token || !l.clock().Before(e.expires) {
		return ErrNotHeld
	}
	delete(l.held, key)
	return nil
}

func (l *MemoryLocker) IsLocked(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	return ok && l.clock().Before(e.expires), nil
}
