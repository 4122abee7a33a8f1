package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
)

type planRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a new plan repository instance
func NewPlanRepository(db *gorm.DB) PlanRepository {
	return &planRepository{db: db}
}

func (r *planRepository) GetByID(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).First(&plan, id).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *planRepository) ListActive(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.WithContext(ctx).Where("status = ?", models.PlanStatusActive).Find(&plans).Error
	return plans, err
}

// AddCharged increments the cumulative charged amount atomically
func (r *planRepository) AddCharged(ctx context.Context, id uint, amount float64) error {
	if amount == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", id).
		UpdateColumn("charged_amount", gorm.Expr("charged_amount + ?", amount)).Error
}

func (r *planRepository) UpdateStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", id).
		Update("status", status).Error
}

// NextOpenItem prefers an item left in processing over the oldest pending one.
func (r *planRepository) NextOpenItem(ctx context.Context, planID, accountID uint, day int) (*models.PlanItem, error) {
	var item models.PlanItem
	err := r.db.WithContext(ctx).
		Where("plan_id = ? AND account_id = ? AND day = ? AND status IN ?", planID, accountID, day,
			[]string{models.PlanItemStatusPending, models.PlanItemStatusProcessing}).
		Order("status = '" + models.PlanItemStatusProcessing + "' DESC, id ASC").
		First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *planRepository) TransitionItem(ctx context.Context, itemID uint, from, to string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.PlanItem{}).
		Where("id = ? AND status = ?", itemID, from).
		Update("status", to)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *planRepository) CountPendingItems(ctx context.Context, planID, accountID uint, day int) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.PlanItem{}).
		Where("plan_id = ? AND account_id = ? AND day = ? AND status IN ?", planID, accountID, day,
			[]string{models.PlanItemStatusPending, models.PlanItemStatusProcessing}).
		Count(&count).Error
	return count, err
}
