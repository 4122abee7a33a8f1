package models

import "time"

const (
	PlanStatusActive    = "active"
	PlanStatusPaused    = "paused"
	PlanStatusCompleted = "completed"
)

const (
	PlanItemStatusPending    = "pending"
	PlanItemStatusProcessing = "processing"
	PlanItemStatusCompleted  = "completed"
	PlanItemStatusFailed     = "failed"
)

// Plan is a multi-day redemption schedule. Targets are in target currency.
// ExchangeInterval is the minimum number of minutes between two successful
// redemptions on the same account; zero allows back-to-back redemptions.
type Plan struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	Name             string    `gorm:"type:varchar(150)" json:"name"`
	Country          string    `gorm:"type:varchar(8);index" json:"country"`
	Days             int       `gorm:"default:1" json:"days"`
	DailyTarget      float64   `gorm:"type:decimal(12,2);default:0" json:"daily_target"`
	TotalTarget      float64   `gorm:"type:decimal(12,2);default:0" json:"total_target"`
	ExchangeInterval int       `gorm:"default:0" json:"exchange_interval"`
	Status           string    `gorm:"type:varchar(20);default:'active';index" json:"status"`
	ChargedAmount    float64   `gorm:"type:decimal(12,2);default:0" json:"charged_amount"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IntervalDuration returns the minimum wait between redemptions.
func (p *Plan) IntervalDuration() time.Duration {
	return time.Duration(p.ExchangeInterval) * time.Minute
}

// PlanItem is one scheduled redemption slot of a plan for a given account and day.
type PlanItem struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	PlanID    uint      `gorm:"index:idx_plan_item_slot,priority:1" json:"plan_id"`
	AccountID uint      `gorm:"index:idx_plan_item_slot,priority:2" json:"account_id"`
	Day       int       `gorm:"index:idx_plan_item_slot,priority:3" json:"day"`
	Amount    float64   `gorm:"type:decimal(12,2);default:0" json:"amount"`
	Status    string    `gorm:"type:varchar(20);default:'pending';index" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
