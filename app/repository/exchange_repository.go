package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/RedeemFox/app/models"
)

type exchangeRecordRepository struct {
	db *gorm.DB
}

// NewExchangeRecordRepository creates a new exchange record repository instance
func NewExchangeRecordRepository(db *gorm.DB) ExchangeRecordRepository {
	return &exchangeRecordRepository{db: db}
}

func (r *exchangeRecordRepository) Create(ctx context.Context, record *models.ExchangeRecord) (bool, error) {
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		DoNothing: true,
	}).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *exchangeRecordRepository) GetByRequestID(ctx context.Context, requestID string) (*models.ExchangeRecord, error) {
	var record models.ExchangeRecord
	if err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *exchangeRecordRepository) SumForDay(ctx context.Context, accountID, planID uint, day int) (float64, error) {
	return r.sum(ctx, r.db.Where("account_id = ? AND plan_id = ? AND plan_day = ?", accountID, planID, day))
}

func (r *exchangeRecordRepository) SumForPlan(ctx context.Context, accountID, planID uint) (float64, error) {
	return r.sum(ctx, r.db.Where("account_id = ? AND plan_id = ?", accountID, planID))
}

func (r *exchangeRecordRepository) sum(ctx context.Context, scope *gorm.DB) (float64, error) {
	var total float64
	err := r.db.WithContext(ctx).Model(&models.ExchangeRecord{}).
		Where(scope).
		Where("status = ?", models.ExchangeStatusSuccess).
		Select("COALESCE(SUM(converted_amount), 0)").
		Scan(&total).Error
	return total, err
}

func (r *exchangeRecordRepository) LastSuccessAt(ctx context.Context, accountID uint) (*time.Time, error) {
	var record models.ExchangeRecord
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, models.ExchangeStatusSuccess).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record.CreatedAt, nil
}

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new external task repository instance
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Get(ctx context.Context, requestID, taskType string) (*models.ExchangeTask, error) {
	var task models.ExchangeTask
	err := r.db.WithContext(ctx).Where("request_id = ? AND type = ?", requestID, taskType).First(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepository) Create(ctx context.Context, task *models.ExchangeTask) error {
	return r.db.WithContext(ctx).Create(task).Error
}

var terminalTaskStatuses = []string{models.TaskStatusCompleted, models.TaskStatusFailed, models.TaskStatusTimeout}

func (r *taskRepository) Advance(ctx context.Context, requestID, taskType, status string) error {
	return r.db.WithContext(ctx).Model(&models.ExchangeTask{}).
		Where("request_id = ? AND type = ? AND status NOT IN ?", requestID, taskType, terminalTaskStatuses).
		Update("status", status).Error
}

func (r *taskRepository) Finalize(ctx context.Context, requestID, taskType, status, result string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ExchangeTask{}).
		Where("request_id = ? AND type = ? AND status NOT IN ?", requestID, taskType, terminalTaskStatuses).
		Updates(map[string]any{
			"status":         status,
			"result_payload": result,
			"completed_at":   at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type rateRepository struct {
	db *gorm.DB
}

// NewRateRepository creates a new exchange rate repository instance
func NewRateRepository(db *gorm.DB) RateRepository {
	return &rateRepository{db: db}
}

func (r *rateRepository) Find(ctx context.Context, country string, cardType int) (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := r.db.WithContext(ctx).
		Where("country = ? AND card_type = ? AND active = ?", country, cardType, true).
		First(&rate).Error
	if err != nil {
		return nil, err
	}
	return &rate, nil
}
