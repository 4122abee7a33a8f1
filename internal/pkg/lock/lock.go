// Package lock provides short-lived mutual exclusion keyed by string. Locks
// expire on their own so a crashed holder cannot wedge a key, and release is
// compare-and-delete on the owner token so a late holder never frees a lock
// that was re-acquired by someone else after expiry.
package lock

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var ErrNotHeld = errors.New("lock not held by this owner")

// Locker is implemented by RedisLocker and MemoryLocker.
type Locker interface {
	// TryAcquire never blocks. ok is false when another owner holds key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release deletes key only if it is still held by token.
	Release(ctx context.Context, key, token string) error
	IsLocked(ctx context.Context, key string) (bool, error)
}

const (
	poolPrefix    = "lock:pool:"
	accountPrefix = "lock:account:"
)

// PoolKey is the lock key guarding pops from one pool.
func PoolKey(poolKey string) string { return poolPrefix + poolKey }

// AccountKey is the lock key marking an account as in use.
func AccountKey(accountID uint) string {
	return accountPrefix + strconv.FormatUint(uint64(accountID), 10)
}
