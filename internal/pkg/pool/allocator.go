// Package pool hands out trading accounts for redemptions. Accounts wait in
// balance-scored pools keyed by country, amount, room and plan; a pop takes
// the richest eligible account under a short pool lock and marks it in use
// with an account lock that lives until the redemption is recorded.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/eligibility"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/lock"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/money"
)

// ErrNoAccount is returned when no pool yields an eligible account, even
// after a rebuild.
var ErrNoAccount = errors.New("no eligible account available")

const (
	DefaultPoolLockTTL    = 10 * time.Second
	DefaultAccountLockTTL = 5 * time.Minute
	defaultRebuildLimit   = 500
)

type Config struct {
	PoolLockTTL    time.Duration
	AccountLockTTL time.Duration
	// RebuildLimit caps how many ledger accounts one rebuild loads.
	RebuildLimit int
}

// LoadConfig reads lock lifetimes from the environment.
func LoadConfig() Config {
	return Config{
		PoolLockTTL:    env.GetEnvDuration("POOL_LOCK_TTL", DefaultPoolLockTTL),
		AccountLockTTL: env.GetEnvDuration("ACCOUNT_LOCK_TTL", DefaultAccountLockTTL),
		RebuildLimit:   env.GetEnvInt("POOL_REBUILD_LIMIT", defaultRebuildLimit),
	}
}

// Rules is the eligibility check the allocator applies to every popped member.
type Rules interface {
	Check(ctx context.Context, account *models.Account, req eligibility.Request) (eligibility.Reason, error)
}

// Request is what a redemption needs from an account. Amount is the card
// face value; Rate converts it into the target currency for plan limits.
type Request struct {
	Country string
	Amount  float64
	Rate    float64
	PlanID  *uint
	RoomID  *uint
}

func (r Request) dimensions() Dimensions {
	return Dimensions{Country: r.Country, Amount: r.Amount, PlanID: r.PlanID, RoomID: r.RoomID}
}

func (r Request) rules() eligibility.Request {
	rate := r.Rate
	if rate <= 0 {
		rate = 1
	}
	return eligibility.Request{Face: r.Amount, Amount: money.Convert(r.Amount, rate), PlanID: r.PlanID}
}

// Lease is an account held for one redemption. Token proves ownership of the
// account lock; PoolKey is where the account goes back after use.
type Lease struct {
	Account models.Account
	Token   string
	PoolKey string
}

type Allocator struct {
	store    Store
	locks    lock.Locker
	accounts repository.AccountRepository
	rules    Rules
	cfg      Config
}

func NewAllocator(store Store, locks lock.Locker, accounts repository.AccountRepository, rules Rules, cfg Config) *Allocator {
	if cfg.PoolLockTTL <= 0 {
		cfg.PoolLockTTL = DefaultPoolLockTTL
	}
	if cfg.AccountLockTTL <= 0 {
		cfg.AccountLockTTL = DefaultAccountLockTTL
	}
	if cfg.RebuildLimit <= 0 {
		cfg.RebuildLimit = defaultRebuildLimit
	}
	return &Allocator{store: store, locks: locks, accounts: accounts, rules: rules, cfg: cfg}
}

// Acquire walks the candidate pools from most to least specific and leases
// the first eligible account. When every pool misses, it rebuilds the pools
// from the ledger and tries once more.
func (a *Allocator) Acquire(ctx context.Context, req Request) (*Lease, error) {
	keys := CandidateKeys(req.dimensions())

	for attempt := 0; attempt < 2; attempt++ {
		for _, key := range keys {
			lease, err := a.popFrom(ctx, key, req)
			if err != nil {
				return nil, err
			}
			if lease != nil {
				return lease, nil
			}
		}
		if attempt > 0 {
			break
		}

		n, err := a.rebuildFirst(ctx, req.dimensions())
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
	}

	log.Infof("[Pool] No account for %s amount=%.2f", req.Country, req.Amount)
	return nil, ErrNoAccount
}

// rebuildFirst rebuilds candidate pools in priority order and stops at the
// first one the ledger can populate.
func (a *Allocator) rebuildFirst(ctx context.Context, d Dimensions) (int, error) {
	for _, c := range candidates(d) {
		n, err := a.Rebuild(ctx, c)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return n, nil
		}
	}
	return 0, nil
}

func (a *Allocator) popFrom(ctx context.Context, key string, req Request) (*Lease, error) {
	token, ok, err := a.locks.TryAcquire(ctx, lock.PoolKey(key), a.cfg.PoolLockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock pool %s: %w", key, err)
	}
	if !ok {
		log.Debugf("[Pool] %s is busy, skipping", key)
		return nil, nil
	}
	defer func() {
		if err := a.locks.Release(context.WithoutCancel(ctx), lock.PoolKey(key), token); err != nil {
			log.Warnf("[Pool] Release of %s: %v", key, err)
		}
	}()

	size, err := a.store.Size(ctx, key)
	if err != nil {
		return nil, err
	}

	// Members that are merely busy go back after the scan instead of being dropped.
	var busy []Member
	defer func() {
		if len(busy) == 0 {
			return
		}
		if err := a.store.Add(context.WithoutCancel(ctx), key, busy...); err != nil {
			log.Errorf("[Pool] Failed to return %d busy members to %s: %v", len(busy), key, err)
		}
	}()

	rules := req.rules()
	for i := int64(0); i < size; i++ {
		m, ok, err := a.store.PopMax(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		account, err := a.accounts.GetByID(ctx, m.AccountID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Infof("[Pool] Dropping unknown account %d from %s", m.AccountID, key)
			continue
		}
		if err != nil {
			busy = append(busy, m)
			return nil, fmt.Errorf("load account %d: %w", m.AccountID, err)
		}

		reason, err := a.rules.Check(ctx, account, rules)
		if err != nil {
			busy = append(busy, m)
			return nil, err
		}
		switch reason {
		case eligibility.Eligible:
		case eligibility.ReasonLocked:
			busy = append(busy, m)
			continue
		default:
			log.Debugf("[Pool] Dropping account %d from %s: %s", m.AccountID, key, reason)
			continue
		}

		accountToken, ok, err := a.locks.TryAcquire(ctx, lock.AccountKey(account.ID), a.cfg.AccountLockTTL)
		if err != nil {
			busy = append(busy, m)
			return nil, fmt.Errorf("lock account %d: %w", account.ID, err)
		}
		if !ok {
			busy = append(busy, m)
			continue
		}

		log.Infof("[Pool] Leased account %d from %s (balance %.2f)", account.ID, key, account.Balance)
		return &Lease{Account: *account, Token: accountToken, PoolKey: key}, nil
	}
	return nil, nil
}

// Claim leases a specific account found outside the pools, for example a
// ceiling alternate. ok is false when the account is ineligible or busy.
func (a *Allocator) Claim(ctx context.Context, account *models.Account, req Request) (*Lease, bool, error) {
	reason, err := a.rules.Check(ctx, account, req.rules())
	if err != nil {
		return nil, false, err
	}
	if reason != eligibility.Eligible {
		log.Debugf("[Pool] Alternate %d not eligible: %s", account.ID, reason)
		return nil, false, nil
	}

	token, ok, err := a.locks.TryAcquire(ctx, lock.AccountKey(account.ID), a.cfg.AccountLockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("lock account %d: %w", account.ID, err)
	}
	if !ok {
		return nil, false, nil
	}
	// Claimed accounts come back through the pool their dimensions map to.
	key := Key(account.Country, req.Amount, account.PlanID, account.RoomID)
	return &Lease{Account: *account, Token: token, PoolKey: key}, true, nil
}

// Release frees the account lock. Releasing a lease that already expired is
// logged and otherwise ignored.
func (a *Allocator) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	err := a.locks.Release(ctx, lock.AccountKey(lease.Account.ID), lease.Token)
	if errors.Is(err, lock.ErrNotHeld) {
		log.Warnf("[Pool] Lock on account %d expired before release", lease.Account.ID)
		return nil
	}
	return err
}

// Restore puts the leased account back into its pool with its new balance, or
// drops it everywhere once the balance is spent.
func (a *Allocator) Restore(ctx context.Context, lease *Lease, balance float64) error {
	if lease == nil {
		return nil
	}
	id := lease.Account.ID
	if balance <= 0 {
		return a.store.Remove(ctx, id)
	}
	if err := a.store.Add(ctx, lease.PoolKey, Member{AccountID: id, Score: balance}); err != nil {
		return err
	}
	return a.store.UpdateScore(ctx, id, balance)
}

// UpdateScore rescores an account in every pool holding it.
func (a *Allocator) UpdateScore(ctx context.Context, accountID uint, balance float64) error {
	return a.store.UpdateScore(ctx, accountID, balance)
}

// Remove takes an account out of every pool, e.g. after a ban.
func (a *Allocator) Remove(ctx context.Context, accountID uint) error {
	return a.store.Remove(ctx, accountID)
}

// Rebuild refills the pool for d from the ledger and returns its new size.
// A pool that is being popped right now is left alone and reports 0.
func (a *Allocator) Rebuild(ctx context.Context, d Dimensions) (int, error) {
	key := d.Key()
	token, ok, err := a.locks.TryAcquire(ctx, lock.PoolKey(key), a.cfg.PoolLockTTL)
	if err != nil {
		return 0, fmt.Errorf("lock pool %s: %w", key, err)
	}
	if !ok {
		log.Debugf("[Pool] %s is busy, rebuild skipped", key)
		return 0, nil
	}
	defer func() {
		if err := a.locks.Release(context.WithoutCancel(ctx), lock.PoolKey(key), token); err != nil {
			log.Warnf("[Pool] Release of %s: %v", key, err)
		}
	}()

	accounts, err := a.accounts.FindPoolCandidates(ctx, repository.AccountFilter{
		Country:    d.Country,
		PlanID:     d.PlanID,
		RoomID:     d.RoomID,
		MinBalance: d.Amount,
		Limit:      a.cfg.RebuildLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild %s: %w", key, err)
	}

	members := make([]Member, 0, len(accounts))
	for _, acc := range accounts {
		members = append(members, Member{AccountID: acc.ID, Score: acc.Balance})
	}
	if err := a.store.Replace(ctx, key, members); err != nil {
		return 0, err
	}
	log.Infof("[Pool] Rebuilt %s with %d accounts", key, len(members))
	return len(members), nil
}

// Sweep drops empty pools from the index.
func (a *Allocator) Sweep(ctx context.Context) (int, error) {
	return a.store.SweepEmpty(ctx)
}

// Stat is the size of one pool.
type Stat struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

func (a *Allocator) Stats(ctx context.Context) ([]Stat, error) {
	keys, err := a.store.Keys(ctx)
	if err != nil {
		return nil, err
	}
	stats := make([]Stat, 0, len(keys))
	for _, k := range keys {
		n, err := a.store.Size(ctx, k)
		if err != nil {
			return nil, err
		}
		stats = append(stats, Stat{Key: k, Size: n})
	}
	return stats, nil
}
