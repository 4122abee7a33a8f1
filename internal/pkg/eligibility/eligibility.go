// Package eligibility decides whether an account may take a redemption right
// now. Checks run in a fixed order and stop at the first failure.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/lock"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/money"
)

// Reason explains why an account is ineligible. The zero value means eligible.
type Reason string

const (
	Eligible         Reason = ""
	ReasonStatus     Reason = "status"
	ReasonLogin      Reason = "login"
	ReasonEmpty      Reason = "empty_balance"
	ReasonLocked     Reason = "locked"
	ReasonBalance    Reason = "insufficient_balance"
	ReasonPlan       Reason = "plan_inactive"
	ReasonDailyLimit Reason = "daily_limit"
	ReasonTotalLimit Reason = "total_limit"
	ReasonInterval   Reason = "interval"
)

const defaultAlternateLimit = 20

// Request describes the redemption being matched. Face is the card value in
// card currency the account balance must cover; Amount is the converted
// amount plan targets are counted in. PlanID applies plan targets to accounts
// not bound to a plan.
type Request struct {
	Face   float64
	Amount float64
	PlanID *uint
}

// Checker evaluates eligibility against the ledger and the lock table.
type Checker struct {
	locks    lock.Locker
	accounts repository.AccountRepository
	plans    repository.PlanRepository
	records  repository.ExchangeRecordRepository
	now      func() time.Time
}

func NewChecker(locks lock.Locker, repos *repository.Repositories) *Checker {
	return &Checker{
		locks:    locks,
		accounts: repos.Account,
		plans:    repos.Plan,
		records:  repos.Exchange,
		now:      time.Now,
	}
}

// SetClock overrides the time source used by the interval rule.
func (c *Checker) SetClock(now func() time.Time) { c.now = now }

// Check returns the first failed rule, or Eligible.
func (c *Checker) Check(ctx context.Context, account *models.Account, req Request) (Reason, error) {
	if account.Status != models.AccountStatusProcessing {
		return ReasonStatus, nil
	}
	if account.LoginStatus != models.LoginStatusValid {
		return ReasonLogin, nil
	}
	if account.Balance <= 0 {
		return ReasonEmpty, nil
	}

	locked, err := c.locks.IsLocked(ctx, lock.AccountKey(account.ID))
	if err != nil {
		return "", fmt.Errorf("lock lookup for account %d: %w", account.ID, err)
	}
	if locked {
		return ReasonLocked, nil
	}

	if account.Balance < req.Face {
		return ReasonBalance, nil
	}

	planID := account.PlanID
	if planID == nil {
		planID = req.PlanID
	}
	if planID == nil {
		return Eligible, nil
	}
	return c.checkPlan(ctx, account, *planID)
}

func (c *Checker) checkPlan(ctx context.Context, account *models.Account, planID uint) (Reason, error) {
	plan, err := c.plans.GetByID(ctx, planID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ReasonPlan, nil
	}
	if err != nil {
		return "", fmt.Errorf("load plan %d: %w", planID, err)
	}
	if plan.Status != models.PlanStatusActive {
		return ReasonPlan, nil
	}

	// Totals come from exchange records rather than Plan.ChargedAmount so a
	// missed counter update cannot make an exhausted account eligible again.
	if plan.DailyTarget > 0 {
		day, err := c.records.SumForDay(ctx, account.ID, planID, account.CurrentDay)
		if err != nil {
			return "", fmt.Errorf("daily total for account %d: %w", account.ID, err)
		}
		if day >= plan.DailyTarget {
			return ReasonDailyLimit, nil
		}
	}
	if plan.TotalTarget > 0 {
		total, err := c.records.SumForPlan(ctx, account.ID, planID)
		if err != nil {
			return "", fmt.Errorf("plan total for account %d: %w", account.ID, err)
		}
		if total >= plan.TotalTarget {
			return ReasonTotalLimit, nil
		}
	}

	if interval := plan.IntervalDuration(); interval > 0 {
		last, err := c.records.LastSuccessAt(ctx, account.ID)
		if err != nil {
			return "", fmt.Errorf("last exchange for account %d: %w", account.ID, err)
		}
		if last != nil && c.now().Sub(*last) < interval {
			return ReasonInterval, nil
		}
	}
	return Eligible, nil
}

// IsEligible is Check collapsed to a bool; lookup errors count as ineligible.
func (c *Checker) IsEligible(ctx context.Context, account *models.Account, req Request) bool {
	reason, err := c.Check(ctx, account, req)
	return err == nil && reason == Eligible
}

// WithinCeiling reports whether amount fits under the account's compliance
// ceiling. Accounts without a ceiling always fit.
func WithinCeiling(account *models.Account, amount float64) bool {
	if account.CeilingLimit <= 0 {
		return true
	}
	return money.Add(account.CeilingBalance, amount) <= account.CeilingLimit
}

// FindAlternate lists accounts of active plans in country whose ceiling still
// fits amount, most headroom first.
func (c *Checker) FindAlternate(ctx context.Context, amount float64, country string) ([]models.Account, error) {
	return c.accounts.FindCeilingCandidates(ctx, country, amount, defaultAlternateLimit)
}
