package models

import "time"

// Outcome of a redemption attempt
const (
	ExchangeStatusSuccess = "success"
	ExchangeStatusFailed  = "failed"
)

// External task types
const (
	TaskTypeLogin  = "login"
	TaskTypeQuery  = "query"
	TaskTypeRedeem = "redeem"
)

// External task states. TaskStatusTimeout is local only: the poll budget ran
// out and any late remote completion is ignored.
const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
	TaskStatusTimeout    = "timeout"
)

// IsTerminalTaskStatus reports whether no further transition is allowed.
func IsTerminalTaskStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

// ExchangeRecord is the append-only audit row of one redemption attempt.
type ExchangeRecord struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	RequestID       string    `gorm:"type:varchar(64);uniqueIndex" json:"request_id"`
	CardCode        string    `gorm:"type:varchar(64);index" json:"card_code"`
	CardType        int       `json:"card_type"`
	Country         string    `gorm:"type:varchar(8)" json:"country"`
	Currency        string    `gorm:"type:varchar(8)" json:"currency"`
	OriginalBalance float64   `gorm:"type:decimal(12,2)" json:"original_balance"`
	Rate            float64   `gorm:"type:decimal(12,4)" json:"rate"`
	ConvertedAmount float64   `gorm:"type:decimal(12,2)" json:"converted_amount"`
	AccountID       *uint     `gorm:"index:idx_record_plan,priority:1" json:"account_id,omitempty"`
	PlanID          *uint     `gorm:"index:idx_record_plan,priority:2" json:"plan_id,omitempty"`
	PlanDay         int       `gorm:"index:idx_record_plan,priority:3" json:"plan_day"`
	Status          string    `gorm:"type:varchar(20);index" json:"status"`
	Stage           string    `gorm:"type:varchar(32)" json:"stage"`
	Reason          string    `gorm:"type:varchar(500)" json:"reason,omitempty"`
	TransactionID   string    `gorm:"type:varchar(128)" json:"transaction_id,omitempty"`
	CreatedAt       time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// ExchangeTask persists one create/poll cycle against the external worker
// farm so a restarted orchestrator re-polls instead of re-creating.
type ExchangeTask struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	RequestID      string     `gorm:"type:varchar(64);uniqueIndex:idx_task_stage,priority:1" json:"request_id"`
	Type           string     `gorm:"type:varchar(20);uniqueIndex:idx_task_stage,priority:2" json:"type"`
	TaskID         string     `gorm:"type:varchar(128);index" json:"task_id"`
	Status         string     `gorm:"type:varchar(20);default:'pending'" json:"status"`
	RequestPayload string     `gorm:"type:text" json:"request_payload"`
	ResultPayload  string     `gorm:"type:text" json:"result_payload"`
	CompletedAt    *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ExchangeRate maps a (country, card type) pair to a conversion rate.
type ExchangeRate struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Country   string    `gorm:"type:varchar(8);uniqueIndex:idx_rate_key,priority:1" json:"country"`
	CardType  int       `gorm:"uniqueIndex:idx_rate_key,priority:2" json:"card_type"`
	Rate      float64   `gorm:"type:decimal(12,4);not null" json:"rate"`
	Active    bool      `gorm:"default:true" json:"active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
