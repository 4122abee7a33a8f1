package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

// Account lifecycle states
const (
	AccountStatusProcessing = "processing"
	AccountStatusWaiting    = "waiting"
	AccountStatusCompleted  = "completed"
	AccountStatusBanned     = "banned"
)

// Login states reported by the external login callback
const (
	LoginStatusValid   = "valid"
	LoginStatusInvalid = "invalid"
	LoginStatusUnset   = ""
)

// Account is a third-party trading account consumed by redemptions.
// Balance is the spendable balance in card currency and never goes negative.
// CeilingBalance is the redeemed total in target currency, tracked separately
// for the compliance ceiling (CeilingLimit, 0 means no ceiling).
type Account struct {
	ID             uint           `gorm:"primaryKey" json:"id"`
	Username       string         `gorm:"type:varchar(191);uniqueIndex" json:"username" validate:"required,max=191"`
	Password       string         `gorm:"type:text" json:"-"`
	VerifyURL      string         `gorm:"type:varchar(500)" json:"verify_url" validate:"omitempty,url,max=500"`
	Country        string         `gorm:"type:varchar(8);index:idx_account_pool,priority:1" json:"country" validate:"required,len=2"`
	Balance        float64        `gorm:"type:decimal(12,2);not null;default:0" json:"balance" validate:"gte=0"`
	Status         string         `gorm:"type:varchar(20);default:'processing';index:idx_account_pool,priority:2" json:"status" validate:"omitempty,oneof=processing waiting completed banned"`
	LoginStatus    string         `gorm:"type:varchar(20);default:''" json:"login_status" validate:"omitempty,oneof=valid invalid"`
	PlanID         *uint          `gorm:"index" json:"plan_id,omitempty"`
	RoomID         *uint          `gorm:"index" json:"room_id,omitempty"`
	CurrentDay     int            `gorm:"default:1" json:"current_day"`
	CeilingLimit   float64        `gorm:"type:decimal(12,2);not null;default:0" json:"ceiling_limit" validate:"gte=0"`
	CeilingBalance float64        `gorm:"type:decimal(12,2);not null;default:0" json:"ceiling_balance"`
	LastExchangeAt *time.Time     `gorm:"type:timestamp;default:null" json:"last_exchange_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}

func (a *Account) Validate() error {
	v := validator.New()

	return v.Struct(a)
}

// HasCredentials reports whether a login task can be created for the account.
func (a *Account) HasCredentials() bool {
	return a.Username != "" && a.Password != ""
}

// CeilingHeadroom returns how much more the account may take before hitting
// its ceiling. Accounts without a ceiling report -1.
func (a *Account) CeilingHeadroom() float64 {
	if a.CeilingLimit <= 0 {
		return -1
	}
	return a.CeilingLimit - a.CeilingBalance
}
