package controllers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
)

// Sealer encrypts credentials before they reach the ledger.
type Sealer interface {
	Seal(plaintext string) (string, error)
}

// PoolRemover takes accounts out of every pool.
type PoolRemover interface {
	Remove(ctx context.Context, accountID uint) error
}

// AccountController serves /api/v1/accounts.
type AccountController struct {
	accounts repository.AccountRepository
	box      Sealer
	pools    PoolRemover
}

func NewAccountController(accounts repository.AccountRepository, box Sealer, pools PoolRemover) *AccountController {
	return &AccountController{accounts: accounts, box: box, pools: pools}
}

type importAccount struct {
	Username     string  `json:"username" validate:"required,max=191"`
	Password     string  `json:"password" validate:"required,max=200"`
	VerifyURL    string  `json:"verify_url" validate:"omitempty,url,max=500"`
	Country      string  `json:"country" validate:"required,len=2,alpha"`
	Balance      float64 `json:"balance" validate:"gte=0"`
	PlanID       *uint   `json:"plan_id" validate:"omitempty,gt=0"`
	RoomID       *uint   `json:"room_id" validate:"omitempty,gt=0"`
	CeilingLimit float64 `json:"ceiling_limit" validate:"gte=0"`
}

type importRequest struct {
	Accounts []importAccount `json:"accounts" validate:"required,min=1,max=500,dive"`
}

type importFailure struct {
	Username string `json:"username"`
	Error    string `json:"error"`
}

// HandleImportAccounts stores a batch of accounts with sealed passwords.
// Rows that fail to insert are reported individually; the rest are kept.
func (ac *AccountController) HandleImportAccounts(c *fiber.Ctx) error {
	var body importRequest
	if err := bindJSON(c, &body); err != nil {
		return finish(err)
	}

	ctx := c.UserContext()
	ids := make([]uint, 0, len(body.Accounts))
	var failures []importFailure
	for _, in := range body.Accounts {
		sealed, err := ac.box.Seal(in.Password)
		if err != nil {
			log.Errorf("[Account API] Sealing password for %s failed: %v", in.Username, err)
			return internalError(c, "Failed to encrypt credentials")
		}
		account := &models.Account{
			Username:     in.Username,
			Password:     sealed,
			VerifyURL:    in.VerifyURL,
			Country:      in.Country,
			Balance:      in.Balance,
			Status:       models.AccountStatusProcessing,
			PlanID:       in.PlanID,
			RoomID:       in.RoomID,
			CurrentDay:   1,
			CeilingLimit: in.CeilingLimit,
		}
		if err := ac.accounts.Create(ctx, account); err != nil {
			log.Warnf("[Account API] Import of %s failed: %v", in.Username, err)
			failures = append(failures, importFailure{Username: in.Username, Error: importError(err)})
			continue
		}
		ids = append(ids, account.ID)
	}

	status := fiber.StatusCreated
	if len(ids) == 0 {
		status = fiber.StatusConflict
	}
	log.Infof("[Account API] Imported %d accounts, %d failed", len(ids), len(failures))
	return c.Status(status).JSON(fiber.Map{
		"created":  len(ids),
		"ids":      ids,
		"failures": failures,
	})
}

func importError(err error) string {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return "username already exists"
	}
	return "could not store account"
}

type loginStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=valid invalid banned"`
}

// HandleLoginStatus is the callback for login verification results. Banned
// and invalid accounts leave all pools at once; a valid login only updates
// the ledger and the account rejoins on the next rebuild.
func (ac *AccountController) HandleLoginStatus(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "Invalid account id")
	}
	var body loginStatusRequest
	if err := bindJSON(c, &body); err != nil {
		return finish(err)
	}

	ctx := c.UserContext()
	if _, err := ac.accounts.GetByID(ctx, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound(c, "Account not found")
		}
		log.Errorf("[Account API] Load of account %d failed: %v", id, err)
		return internalError(c, "Failed to load account")
	}

	var err error
	switch body.Status {
	case models.AccountStatusBanned:
		err = ac.accounts.UpdateStatus(ctx, id, models.AccountStatusBanned)
	case models.LoginStatusInvalid:
		err = ac.accounts.UpdateLoginStatus(ctx, id, models.LoginStatusInvalid)
	default:
		err = ac.accounts.UpdateLoginStatus(ctx, id, models.LoginStatusValid)
	}
	if err != nil {
		log.Errorf("[Account API] Status update of account %d failed: %v", id, err)
		return internalError(c, "Failed to update account")
	}

	if body.Status != models.LoginStatusValid {
		if err := ac.pools.Remove(ctx, id); err != nil {
			log.Warnf("[Account API] Could not remove account %d from pools: %v", id, err)
		}
	}
	log.Infof("[Account API] Account %d reported %s", id, body.Status)
	return c.JSON(fiber.Map{"id": id, "status": body.Status})
}
