package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
)

// accountRepository implements the AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates a new account repository instance
func NewAccountRepository(db *gorm.DB) AccountRepository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *accountRepository) GetByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// FindPoolCandidates scans accounts that pass the static eligibility checks,
// highest balance first.
func (r *accountRepository) FindPoolCandidates(ctx context.Context, filter AccountFilter) ([]models.Account, error) {
	q := r.db.WithContext(ctx).
		Where("country = ? AND status = ? AND login_status = ? AND balance > 0", filter.Country, models.AccountStatusProcessing, models.LoginStatusValid)
	if filter.MinBalance > 0 {
		q = q.Where("balance >= ?", filter.MinBalance)
	}
	if filter.PlanID != nil {
		q = q.Where("plan_id = ?", *filter.PlanID)
	}
	if filter.RoomID != nil {
		q = q.Where("room_id = ?", *filter.RoomID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var accounts []models.Account
	err := q.Order("balance DESC").Find(&accounts).Error
	return accounts, err
}

// FindCeilingCandidates returns plan-bound accounts of an active plan whose
// ceiling still fits amount, most headroom first.
func (r *accountRepository) FindCeilingCandidates(ctx context.Context, country string, amount float64, limit int) ([]models.Account, error) {
	q := r.db.WithContext(ctx).
		Joins("JOIN plans ON plans.id = accounts.plan_id AND plans.status = ?", models.PlanStatusActive).
		Where("accounts.country = ? AND accounts.status = ? AND accounts.ceiling_limit > 0", country, models.AccountStatusProcessing).
		Where("accounts.ceiling_balance + ? <= accounts.ceiling_limit", amount).
		Order("(accounts.ceiling_limit - accounts.ceiling_balance) DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var accounts []models.Account
	err := q.Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) ListByPlan(ctx context.Context, planID uint) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).Where("plan_id = ?", planID).Find(&accounts).Error
	return accounts, err
}

func (r *accountRepository) DebitBalance(ctx context.Context, id uint, amount float64) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND balance >= ?", id, amount).
		UpdateColumn("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *accountRepository) AddCeilingBalance(ctx context.Context, id uint, amount float64) error {
	if amount == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		UpdateColumn("ceiling_balance", gorm.Expr("ceiling_balance + ?", amount)).Error
}

func (r *accountRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Update("status", status).Error
}

func (r *accountRepository) UpdateLoginStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Update("login_status", status).Error
}

func (r *accountRepository) TouchLastExchange(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).
		Update("last_exchange_at", at).Error
}

func (r *accountRepository) AdvanceDay(ctx context.Context, id uint, fromDay int) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND current_day = ?", id, fromDay).
		UpdateColumn("current_day", fromDay+1)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
