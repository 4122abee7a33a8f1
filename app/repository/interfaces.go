package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
)

// AccountFilter selects pool candidates. PlanID and RoomID narrow the scan to
// accounts bound to exactly that plan or room when set.
type AccountFilter struct {
	Country    string
	PlanID     *uint
	RoomID     *uint
	MinBalance float64
	Limit      int
}

// AccountRepository is the ledger view of trading accounts.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uint) (*models.Account, error)
	FindPoolCandidates(ctx context.Context, filter AccountFilter) ([]models.Account, error)
	FindCeilingCandidates(ctx context.Context, country string, amount float64, limit int) ([]models.Account, error)
	ListByPlan(ctx context.Context, planID uint) ([]models.Account, error)
	// DebitBalance subtracts amount only while balance >= amount. It reports
	// false when the conditional update matched no row.
	DebitBalance(ctx context.Context, id uint, amount float64) (bool, error)
	AddCeilingBalance(ctx context.Context, id uint, amount float64) error
	UpdateStatus(ctx context.Context, id uint, status string) error
	UpdateLoginStatus(ctx context.Context, id uint, status string) error
	TouchLastExchange(ctx context.Context, id uint, at time.Time) error
	// AdvanceDay moves the account from fromDay to fromDay+1 and reports
	// whether this caller performed the move.
	AdvanceDay(ctx context.Context, id uint, fromDay int) (bool, error)
}

// PlanRepository covers plans and their per-day items.
type PlanRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Plan, error)
	ListActive(ctx context.Context) ([]models.Plan, error)
	AddCharged(ctx context.Context, id uint, amount float64) error
	UpdateStatus(ctx context.Context, id uint, status string) error
	// NextOpenItem returns the day's item still in processing, or else the
	// oldest pending one.
	NextOpenItem(ctx context.Context, planID, accountID uint, day int) (*models.PlanItem, error)
	// TransitionItem moves an item from one status to another and reports
	// false if the item was not in the expected status.
	TransitionItem(ctx context.Context, itemID uint, from, to string) (bool, error)
	CountPendingItems(ctx context.Context, planID, accountID uint, day int) (int64, error)
}

// ExchangeRecordRepository is append-only: records are never updated.
type ExchangeRecordRepository interface {
	// Create inserts the record unless one already exists for its RequestID,
	// in which case it returns false and leaves the stored record untouched.
	Create(ctx context.Context, record *models.ExchangeRecord) (bool, error)
	GetByRequestID(ctx context.Context, requestID string) (*models.ExchangeRecord, error)
	SumForDay(ctx context.Context, accountID, planID uint, day int) (float64, error)
	SumForPlan(ctx context.Context, accountID, planID uint) (float64, error)
	LastSuccessAt(ctx context.Context, accountID uint) (*time.Time, error)
}

// TaskRepository persists external task state per (request, task type).
type TaskRepository interface {
	Get(ctx context.Context, requestID, taskType string) (*models.ExchangeTask, error)
	Create(ctx context.Context, task *models.ExchangeTask) error
	// Advance records a non-terminal status; it is a no-op once the task is final.
	Advance(ctx context.Context, requestID, taskType, status string) error
	// Finalize stores the terminal status and result. It reports false when
	// the task had already been finalized.
	Finalize(ctx context.Context, requestID, taskType, status, result string, at time.Time) (bool, error)
}

// RateRepository resolves configured conversion rates.
type RateRepository interface {
	Find(ctx context.Context, country string, cardType int) (*models.ExchangeRate, error)
}

// Repositories struct holds all repository instances
type Repositories struct {
	Account  AccountRepository
	Plan     PlanRepository
	Exchange ExchangeRecordRepository
	Task     TaskRepository
	Rate     RateRepository
	Tx       Transactor
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Account:  NewAccountRepository(db),
		Plan:     NewPlanRepository(db),
		Exchange: NewExchangeRecordRepository(db),
		Task:     NewTaskRepository(db),
		Rate:     NewRateRepository(db),
		Tx:       gormTransactor{db: db},
	}
}
