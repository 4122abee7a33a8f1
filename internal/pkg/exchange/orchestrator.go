// Package exchange turns an inbound gift card message into a redemption:
// validate the card, lease an account, make sure it is logged in, redeem,
// and record the outcome.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/eligibility"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/events"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/money"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/pool"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/taskapi"
)

type Stage string

const (
	StageParse         Stage = "PARSE"
	StageValidateCard  Stage = "VALIDATE_CARD"
	StageSelectAccount Stage = "SELECT_ACCOUNT"
	StageEnsureLogin   Stage = "ENSURE_LOGIN"
	StageExecuteRedeem Stage = "EXECUTE_REDEEM"
	StageRecord        Stage = "RECORD"
	StageDone          Stage = "DONE"
)

type FailureKind string

const (
	ParseFailed  FailureKind = "PARSE_FAILED"
	CardInvalid  FailureKind = "CARD_INVALID"
	NoAccount    FailureKind = "NO_ACCOUNT"
	LoginFailed  FailureKind = "LOGIN_FAILED"
	RedeemFailed FailureKind = "REDEEM_FAILED"
)

var stageFailures = map[Stage]FailureKind{
	StageParse:         ParseFailed,
	StageValidateCard:  CardInvalid,
	StageSelectAccount: NoAccount,
	StageEnsureLogin:   LoginFailed,
	StageExecuteRedeem: RedeemFailed,
}

// Request is one inbound redemption. RequestID makes re-runs idempotent.
type Request struct {
	RequestID string `json:"request_id"`
	Message   string `json:"message"`
	PlanID    *uint  `json:"plan_id,omitempty"`
	RoomID    *uint  `json:"room_id,omitempty"`
}

// Result is what the caller sees. Business failures are reported here with
// Failure set; they are never returned as errors.
type Result struct {
	RequestID       string      `json:"request_id"`
	Status          string      `json:"status"`
	Stage           Stage       `json:"stage"`
	Failure         FailureKind `json:"failure,omitempty"`
	Reason          string      `json:"reason,omitempty"`
	Country         string      `json:"country,omitempty"`
	Currency        string      `json:"currency,omitempty"`
	OriginalBalance float64     `json:"original_balance,omitempty"`
	Rate            float64     `json:"rate,omitempty"`
	ConvertedAmount float64     `json:"converted_amount,omitempty"`
	AccountID       *uint       `json:"account_id,omitempty"`
	TransactionID   string      `json:"transaction_id,omitempty"`
	// Replayed is set when the request had already been recorded.
	Replayed bool `json:"replayed,omitempty"`
}

func (r *Result) OK() bool { return r.Status == models.ExchangeStatusSuccess }

// Allocator is the part of pool.Allocator the orchestrator uses.
type Allocator interface {
	Acquire(ctx context.Context, req pool.Request) (*pool.Lease, error)
	Claim(ctx context.Context, account *models.Account, req pool.Request) (*pool.Lease, bool, error)
	Release(ctx context.Context, lease *pool.Lease) error
	Restore(ctx context.Context, lease *pool.Lease, balance float64) error
}

// Alternates finds accounts with ceiling headroom for amount.
type Alternates interface {
	FindAlternate(ctx context.Context, amount float64, country string) ([]models.Account, error)
}

// Opener decrypts stored account passwords.
type Opener interface {
	Open(token string) (string, error)
}

type Config struct {
	Poll taskapi.PollConfig
	// RedeemInterval is passed to the farm as the pause between redeem items.
	RedeemInterval int
}

func LoadConfig() Config {
	return Config{
		Poll:           taskapi.LoadPollConfig(),
		RedeemInterval: env.GetEnvInt("REDEEM_INTERVAL", 0),
	}
}

type Orchestrator struct {
	repos      *repository.Repositories
	api        taskapi.API
	alloc      Allocator
	alternates Alternates
	rates      *Rates
	secrets    Opener
	publisher  events.Publisher
	cfg        Config
	now        func() time.Time
}

func NewOrchestrator(
	repos *repository.Repositories,
	api taskapi.API,
	alloc Allocator,
	alternates Alternates,
	rates *Rates,
	secrets Opener,
	publisher events.Publisher,
	cfg Config,
) *Orchestrator {
	if publisher == nil {
		publisher = events.LoggingPublisher{}
	}
	return &Orchestrator{
		repos:      repos,
		api:        api,
		alloc:      alloc,
		alternates: alternates,
		rates:      rates,
		secrets:    secrets,
		publisher:  publisher,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetClock overrides the time source for record and task timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// run carries the state of one request through the stages.
type run struct {
	req       Request
	code      string
	cardType  int
	card      Card
	rate      float64
	converted float64
	lease     *pool.Lease
	accountID uint
	item      *models.PlanItem
	stage     Stage
	failure   FailureKind
	reason    string
	txID      string
}

func (r *run) fail(format string, args ...any) {
	r.failure = stageFailures[r.stage]
	r.reason = fmt.Sprintf(format, args...)
}

func (r *run) failed() bool { return r.failure != "" }

// Run executes a redemption. A returned error means infrastructure trouble
// (ledger, Redis, farm transport) and the request may be retried; persisted
// tasks make the retry re-poll instead of re-creating them.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	} else {
		rec, err := o.repos.Exchange.GetByRequestID(ctx, req.RequestID)
		if err == nil {
			log.Infof("[Orchestrator] %s already recorded, replaying result", req.RequestID)
			res := resultFromRecord(rec)
			res.Replayed = true
			return res, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load record %s: %w", req.RequestID, err)
		}
	}

	r := &run{req: req, stage: StageParse}
	code, cardType, err := ParseMessage(req.Message)
	if err != nil {
		r.fail("%v", err)
		return r.result(), nil
	}
	r.code, r.cardType = code, cardType

	err = o.execute(ctx, r)
	if err == nil {
		err = o.record(context.WithoutCancel(ctx), r)
	}
	if err != nil {
		o.abandon(context.WithoutCancel(ctx), r)
		return nil, err
	}
	o.releaseLease(context.WithoutCancel(ctx), r)
	return r.result(), nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	stages := []struct {
		stage Stage
		fn    func(context.Context, *run) error
	}{
		{StageValidateCard, o.validateCard},
		{StageSelectAccount, o.selectAccount},
		{StageEnsureLogin, o.ensureLogin},
		{StageExecuteRedeem, o.executeRedeem},
	}
	for _, s := range stages {
		r.stage = s.stage
		if err := s.fn(ctx, r); err != nil {
			return err
		}
		if r.failed() {
			log.Infof("[Orchestrator] %s stopped at %s: %s", r.req.RequestID, r.stage, r.reason)
			return nil
		}
	}
	r.stage = StageDone
	return nil
}

func (o *Orchestrator) validateCard(ctx context.Context, r *run) error {
	items := []taskapi.QueryItem{{ID: r.req.RequestID, Pin: r.code}}
	st, err := o.runTask(ctx, r.req.RequestID, models.TaskTypeQuery, taskapi.KindQuery,
		[]taskapi.QueryItem{{ID: r.req.RequestID, Pin: maskCode(r.code)}},
		func(ctx context.Context) (string, error) { return o.api.CreateQuery(ctx, items) })
	if errors.Is(err, taskapi.ErrTaskTimeout) {
		r.fail("card query timed out")
		return nil
	}
	if err != nil {
		return err
	}
	if st.Status == taskapi.StatusFailed {
		r.fail("card query failed: %s", st.Msg)
		return nil
	}

	item, ok := st.Item(r.req.RequestID)
	if !ok {
		r.fail("card query returned no result")
		return nil
	}
	card, err := ParseCardResult(item.Result)
	if err != nil {
		r.fail("unreadable card result: %v", err)
		return nil
	}
	if !card.Valid {
		r.fail("card is invalid: %s", card.Msg)
		return nil
	}
	if card.Balance <= 0 {
		r.fail("card has no balance")
		return nil
	}
	r.card = card

	rate, _, err := o.rates.Lookup(ctx, card.Country, r.cardType)
	if err != nil {
		return err
	}
	r.rate = rate
	r.converted = money.Convert(card.Balance, rate)
	return nil
}

func (o *Orchestrator) selectAccount(ctx context.Context, r *run) error {
	preq := pool.Request{
		Country: r.card.Country,
		Amount:  r.card.Balance,
		Rate:    r.rate,
		PlanID:  r.req.PlanID,
		RoomID:  r.req.RoomID,
	}

	lease, err := o.alloc.Acquire(ctx, preq)
	if errors.Is(err, pool.ErrNoAccount) {
		r.fail("no eligible account for %s %.2f", r.card.Country, r.card.Balance)
		return nil
	}
	if err != nil {
		return err
	}
	if eligibility.WithinCeiling(&lease.Account, r.converted) {
		r.lease, r.accountID = lease, lease.Account.ID
		return nil
	}

	// Plan eligibility was settled by the allocator; the ceiling is checked
	// afterwards and only swaps the account, never the pool rules.
	log.Infof("[Orchestrator] Account %d over ceiling for %.2f, looking for alternates", lease.Account.ID, r.converted)
	skip := lease.Account.ID
	if err := o.alloc.Restore(ctx, lease, lease.Account.Balance); err != nil {
		log.Warnf("[Orchestrator] Restore of account %d: %v", skip, err)
	}
	if err := o.alloc.Release(ctx, lease); err != nil {
		log.Warnf("[Orchestrator] Release of account %d: %v", skip, err)
	}

	alternates, err := o.alternates.FindAlternate(ctx, r.converted, r.card.Country)
	if err != nil {
		return err
	}
	for i := range alternates {
		if alternates[i].ID == skip {
			continue
		}
		alt, ok, err := o.alloc.Claim(ctx, &alternates[i], preq)
		if err != nil {
			return err
		}
		if ok {
			log.Infof("[Orchestrator] Using alternate account %d", alt.Account.ID)
			r.lease, r.accountID = alt, alt.Account.ID
			return nil
		}
	}
	r.fail("no account with ceiling headroom for %.2f", r.converted)
	return nil
}

func (o *Orchestrator) ensureLogin(ctx context.Context, r *run) error {
	// Refresh: the farm reports login state back into the ledger, so the
	// current row is the cheapest source of truth.
	account, err := o.repos.Account.GetByID(ctx, r.lease.Account.ID)
	if err != nil {
		return fmt.Errorf("refresh account %d: %w", r.lease.Account.ID, err)
	}
	r.lease.Account = *account
	if account.LoginStatus == models.LoginStatusValid {
		return nil
	}
	if !account.HasCredentials() {
		r.fail("account %d is logged out and has no credentials", account.ID)
		return nil
	}

	password, err := o.secrets.Open(account.Password)
	if err != nil {
		log.Errorf("[Orchestrator] Cannot decrypt credentials of account %d: %v", account.ID, err)
		r.fail("credentials of account %d are unreadable", account.ID)
		return nil
	}

	id := strconv.FormatUint(uint64(account.ID), 10)
	items := []taskapi.LoginItem{{ID: id, Username: account.Username, Password: password, VerifyURL: account.VerifyURL}}
	st, err := o.runTask(ctx, r.req.RequestID, models.TaskTypeLogin, taskapi.KindLogin,
		[]taskapi.LoginItem{{ID: id, Username: account.Username, VerifyURL: account.VerifyURL}},
		func(ctx context.Context) (string, error) { return o.api.CreateLogin(ctx, items) })
	if errors.Is(err, taskapi.ErrTaskTimeout) {
		r.fail("login of account %d timed out", account.ID)
		return nil
	}
	if err != nil {
		return err
	}

	item, hasItem := st.Item(id)
	if st.Status == taskapi.StatusFailed || (hasItem && item.Status == taskapi.StatusFailed) {
		if err := o.repos.Account.UpdateLoginStatus(ctx, account.ID, models.LoginStatusInvalid); err != nil {
			return err
		}
		r.fail("login of account %d failed: %s", account.ID, st.Msg)
		return nil
	}
	if err := o.repos.Account.UpdateLoginStatus(ctx, account.ID, models.LoginStatusValid); err != nil {
		return err
	}
	r.lease.Account.LoginStatus = models.LoginStatusValid
	return nil
}

func (o *Orchestrator) executeRedeem(ctx context.Context, r *run) error {
	account := &r.lease.Account
	if err := o.claimPlanItem(ctx, r); err != nil {
		return err
	}

	if !account.HasCredentials() {
		r.fail("account %d has no credentials to redeem with", account.ID)
		return nil
	}
	password, err := o.secrets.Open(account.Password)
	if err != nil {
		log.Errorf("[Orchestrator] Cannot decrypt credentials of account %d: %v", account.ID, err)
		r.fail("credentials of account %d are unreadable", account.ID)
		return nil
	}

	items := []taskapi.RedeemItem{{Username: account.Username, Password: password, VerifyURL: account.VerifyURL, Pin: r.code}}
	st, err := o.runTask(ctx, r.req.RequestID, models.TaskTypeRedeem, taskapi.KindRedeem,
		[]taskapi.RedeemItem{{Username: account.Username, VerifyURL: account.VerifyURL, Pin: maskCode(r.code)}},
		func(ctx context.Context) (string, error) {
			return o.api.CreateRedeem(ctx, items, o.cfg.RedeemInterval)
		})
	switch {
	case errors.Is(err, taskapi.ErrTaskTimeout):
		r.fail("redeem on account %d timed out", account.ID)
	case err != nil:
		return err
	case st.Status == taskapi.StatusFailed:
		r.fail("redeem task failed: %s", st.Msg)
	default:
		o.readRedeemItem(st, r)
	}
	return nil
}

func (o *Orchestrator) readRedeemItem(st *taskapi.Status, r *run) {
	item, ok := st.Item("")
	if !ok {
		r.fail("redeem task returned no result")
		return
	}
	res, err := taskapi.DecodeRedeemResult(item.Result)
	if err != nil {
		r.fail("unreadable redeem result: %v", err)
		return
	}
	if item.Status == taskapi.StatusFailed || !taskapi.OK(res.Code) {
		msg := res.Msg
		if msg == "" {
			msg = item.Msg
		}
		r.fail("redeem rejected (code %d): %s", res.Code, msg)
		return
	}
	r.txID = res.TransactionID
}

// claimPlanItem takes the account's next item for the day. An item already in
// processing was left by a run that died while holding this account's lock,
// so it is picked up as is.
func (o *Orchestrator) claimPlanItem(ctx context.Context, r *run) error {
	account := &r.lease.Account
	if account.PlanID == nil {
		return nil
	}
	item, err := o.repos.Plan.NextOpenItem(ctx, *account.PlanID, account.ID, account.CurrentDay)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Infof("[Orchestrator] No open plan item for account %d day %d", account.ID, account.CurrentDay)
		return nil
	}
	if err != nil {
		return fmt.Errorf("next plan item: %w", err)
	}
	if item.Status == models.PlanItemStatusProcessing {
		log.Warnf("[Orchestrator] Resuming plan item %d of account %d left in processing", item.ID, account.ID)
		r.item = item
		return nil
	}
	ok, err := o.repos.Plan.TransitionItem(ctx, item.ID, models.PlanItemStatusPending, models.PlanItemStatusProcessing)
	if err != nil {
		return fmt.Errorf("claim plan item %d: %w", item.ID, err)
	}
	if ok {
		r.item = item
	}
	return nil
}

func settlePlanItem(ctx context.Context, repos *repository.Repositories, r *run) error {
	if r.item == nil {
		return nil
	}
	to := models.PlanItemStatusCompleted
	if r.failed() {
		to = models.PlanItemStatusFailed
	}
	if _, err := repos.Plan.TransitionItem(ctx, r.item.ID, models.PlanItemStatusProcessing, to); err != nil {
		return fmt.Errorf("settle plan item %d: %w", r.item.ID, err)
	}
	return nil
}

// unclaimPlanItem puts a claimed item back to pending for the next run.
func (o *Orchestrator) unclaimPlanItem(ctx context.Context, r *run) {
	if r.item == nil {
		return
	}
	item := r.item
	r.item = nil
	if _, err := o.repos.Plan.TransitionItem(ctx, item.ID, models.PlanItemStatusProcessing, models.PlanItemStatusPending); err != nil {
		log.Warnf("[Orchestrator] Could not return plan item %d to pending: %v", item.ID, err)
	}
}

// record writes the audit row, settles the plan item and, for a successful
// run, moves the ledger, all in one transaction. Only the run that creates
// the row touches the ledger.
func (o *Orchestrator) record(ctx context.Context, r *run) error {
	rec := &models.ExchangeRecord{
		RequestID:       r.req.RequestID,
		CardCode:        r.code,
		CardType:        r.cardType,
		Country:         r.card.Country,
		Currency:        r.card.Currency,
		OriginalBalance: money.Round(r.card.Balance),
		Rate:            r.rate,
		ConvertedAmount: r.converted,
		Status:          models.ExchangeStatusSuccess,
		Stage:           string(r.stage),
		Reason:          r.reason,
		TransactionID:   r.txID,
		CreatedAt:       o.now(),
	}
	if r.failed() {
		rec.Status = models.ExchangeStatusFailed
	}
	if r.lease != nil {
		id := r.lease.Account.ID
		rec.AccountID = &id
		rec.PlanID = r.lease.Account.PlanID
		rec.PlanDay = r.lease.Account.CurrentDay
	}

	var created bool
	err := o.repos.Tx.Transaction(ctx, func(tx *repository.Repositories) error {
		var err error
		created, err = tx.Exchange.Create(ctx, rec)
		if err != nil {
			return fmt.Errorf("record %s: %w", r.req.RequestID, err)
		}
		if !created {
			return nil
		}
		if err := settlePlanItem(ctx, tx, r); err != nil {
			return err
		}
		if rec.Status == models.ExchangeStatusSuccess && r.lease != nil {
			return o.applyLedger(ctx, tx, r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !created {
		log.Infof("[Orchestrator] %s was recorded by another run, ledger untouched", r.req.RequestID)
		o.unclaimPlanItem(ctx, r)
		return nil
	}
	r.item = nil
	log.Infof("[Orchestrator] Recorded %s: %s at %s", r.req.RequestID, rec.Status, rec.Stage)

	if err := events.PublishRecorded(ctx, o.publisher, rec); err != nil {
		log.Warnf("[Orchestrator] Publishing %s failed: %v", r.req.RequestID, err)
	}
	return nil
}

func (o *Orchestrator) applyLedger(ctx context.Context, repos *repository.Repositories, r *run) error {
	account := &r.lease.Account
	debited, err := repos.Account.DebitBalance(ctx, account.ID, money.Round(r.card.Balance))
	if err != nil {
		return fmt.Errorf("debit account %d: %w", account.ID, err)
	}
	if !debited {
		log.Errorf("[Orchestrator] Account %d balance below %.2f, ledger not debited for %s",
			account.ID, r.card.Balance, r.req.RequestID)
	}
	if err := repos.Account.AddCeilingBalance(ctx, account.ID, r.converted); err != nil {
		return fmt.Errorf("ceiling of account %d: %w", account.ID, err)
	}
	if err := repos.Account.TouchLastExchange(ctx, account.ID, o.now()); err != nil {
		return fmt.Errorf("touch account %d: %w", account.ID, err)
	}

	if account.PlanID == nil {
		return nil
	}
	planID := *account.PlanID
	if err := repos.Plan.AddCharged(ctx, planID, r.converted); err != nil {
		return fmt.Errorf("charge plan %d: %w", planID, err)
	}
	return AdvanceIfDayComplete(ctx, repos, planID, account.ID, account.CurrentDay)
}

// AdvanceIfDayComplete moves the account to its next plan day once no items
// of the current day are left and the plan has days remaining.
func AdvanceIfDayComplete(ctx context.Context, repos *repository.Repositories, planID, accountID uint, day int) error {
	plan, err := repos.Plan.GetByID(ctx, planID)
	if err != nil {
		return fmt.Errorf("load plan %d: %w", planID, err)
	}
	if plan.Days > 0 && day >= plan.Days {
		return nil
	}
	open, err := repos.Plan.CountPendingItems(ctx, planID, accountID, day)
	if err != nil {
		return fmt.Errorf("count plan items: %w", err)
	}
	if open > 0 {
		return nil
	}
	advanced, err := repos.Account.AdvanceDay(ctx, accountID, day)
	if err != nil {
		return fmt.Errorf("advance account %d: %w", accountID, err)
	}
	if advanced {
		log.Infof("[Plan] Account %d advanced to day %d of plan %d", accountID, day+1, planID)
	}
	return nil
}

// abandon hands back the plan item and account of a run that stopped on an
// infrastructure error, so a retry of the same request can take them again.
func (o *Orchestrator) abandon(ctx context.Context, r *run) {
	o.unclaimPlanItem(ctx, r)
	o.releaseLease(ctx, r)
}

func (o *Orchestrator) releaseLease(ctx context.Context, r *run) {
	if r.lease == nil {
		return
	}
	lease := r.lease
	r.lease = nil

	balance := lease.Account.Balance
	if fresh, err := o.repos.Account.GetByID(ctx, lease.Account.ID); err == nil {
		balance = fresh.Balance
		if fresh.Status != models.AccountStatusProcessing || fresh.LoginStatus == models.LoginStatusInvalid {
			balance = 0
		}
	}
	if err := o.alloc.Restore(ctx, lease, balance); err != nil {
		log.Warnf("[Orchestrator] Restore of account %d: %v", lease.Account.ID, err)
	}
	if err := o.alloc.Release(ctx, lease); err != nil {
		log.Warnf("[Orchestrator] Release of account %d: %v", lease.Account.ID, err)
	}
}

func (r *run) result() *Result {
	res := &Result{
		RequestID:       r.req.RequestID,
		Status:          models.ExchangeStatusSuccess,
		Stage:           r.stage,
		Failure:         r.failure,
		Reason:          r.reason,
		Country:         r.card.Country,
		Currency:        r.card.Currency,
		OriginalBalance: r.card.Balance,
		Rate:            r.rate,
		ConvertedAmount: r.converted,
		TransactionID:   r.txID,
	}
	if r.failed() {
		res.Status = models.ExchangeStatusFailed
	}
	if r.accountID != 0 {
		id := r.accountID
		res.AccountID = &id
	}
	return res
}

func resultFromRecord(rec *models.ExchangeRecord) *Result {
	res := &Result{
		RequestID:       rec.RequestID,
		Status:          rec.Status,
		Stage:           Stage(rec.Stage),
		Reason:          rec.Reason,
		Country:         rec.Country,
		Currency:        rec.Currency,
		OriginalBalance: rec.OriginalBalance,
		Rate:            rec.Rate,
		ConvertedAmount: rec.ConvertedAmount,
		AccountID:       rec.AccountID,
		TransactionID:   rec.TransactionID,
	}
	if rec.Status != models.ExchangeStatusSuccess {
		res.Failure = stageFailures[res.Stage]
	}
	return res
}

// maskCode keeps the last four characters of a card code for stored payloads.
func maskCode(code string) string {
	if len(code) <= 4 {
		return code
	}
	masked := make([]byte, len(code))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked[len(code)-4:], code[len(code)-4:])
	return string(masked)
}
