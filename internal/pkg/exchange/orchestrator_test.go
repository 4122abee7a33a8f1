package exchange

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
	"github.com/ManuelReschke/RedeemFox/app/repository/memory"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/eligibility"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/lock"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/pool"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/taskapi"
)

const (
	cardResult   = `{"valid":true,"country":"US","balance":"$100.00"}`
	redeemResult = `{"code":0,"msg":"ok","transaction_id":"tx-1"}`
)

// fakeFarm answers status calls per task kind from a script; the last entry repeats.
type fakeFarm struct {
	mu       sync.Mutex
	created  map[taskapi.Kind]int
	polled   map[string]int
	script   map[taskapi.Kind][]*taskapi.Status
	redeemed []taskapi.RedeemItem
	// failCreate makes the next n create calls of a kind fail.
	failCreate map[taskapi.Kind]int
	// interrupt is called once on the first status call of a kind.
	interrupt map[taskapi.Kind]func()
}

func newFakeFarm() *fakeFarm {
	return &fakeFarm{
		created:    map[taskapi.Kind]int{},
		polled:     map[string]int{},
		failCreate: map[taskapi.Kind]int{},
		interrupt:  map[taskapi.Kind]func(){},
		script: map[taskapi.Kind][]*taskapi.Status{
			taskapi.KindQuery: {completed(cardResult)},
			taskapi.KindLogin: {{Status: taskapi.StatusCompleted}},
			taskapi.KindRedeem: {
				{Status: taskapi.StatusProcessing},
				completed(redeemResult),
			},
		},
	}
}

func completed(result string) *taskapi.Status {
	return &taskapi.Status{
		Status: taskapi.StatusCompleted,
		Items:  []taskapi.Item{{Status: taskapi.StatusCompleted, Result: result}},
	}
}

var errFarmDown = errors.New("farm unreachable")

func (f *fakeFarm) create(kind taskapi.Kind) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate[kind] > 0 {
		f.failCreate[kind]--
		return "", errFarmDown
	}
	f.created[kind]++
	return string(kind) + "-task", nil
}

func (f *fakeFarm) CreateLogin(context.Context, []taskapi.LoginItem) (string, error) {
	return f.create(taskapi.KindLogin)
}

func (f *fakeFarm) CreateQuery(context.Context, []taskapi.QueryItem) (string, error) {
	return f.create(taskapi.KindQuery)
}

func (f *fakeFarm) CreateRedeem(_ context.Context, items []taskapi.RedeemItem, _ int) (string, error) {
	id, err := f.create(taskapi.KindRedeem)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.redeemed = append(f.redeemed, items...)
	f.mu.Unlock()
	return id, nil
}

func (f *fakeFarm) Status(_ context.Context, kind taskapi.Kind, taskID string) (*taskapi.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled[taskID]++
	if stop, ok := f.interrupt[kind]; ok {
		delete(f.interrupt, kind)
		stop()
	}
	steps := f.script[kind]
	n := f.polled[taskID]
	if n > len(steps) {
		n = len(steps)
	}
	cp := *steps[n-1]
	return &cp, nil
}

func (f *fakeFarm) createdCount(kind taskapi.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[kind]
}

type prefixOpener struct{}

func (prefixOpener) Open(token string) (string, error) {
	if !strings.HasPrefix(token, "enc:") {
		return "", errors.New("not sealed")
	}
	return strings.TrimPrefix(token, "enc:"), nil
}

type harness struct {
	ledger *memory.Ledger
	locks  *lock.MemoryLocker
	store  *pool.MemoryStore
	farm   *fakeFarm
	orch   *Orchestrator
}

func newHarness() *harness {
	h := &harness{
		ledger: memory.New(),
		locks:  lock.NewMemoryLocker(),
		store:  pool.NewMemoryStore(),
		farm:   newFakeFarm(),
	}
	repos := h.ledger.Repositories()
	checker := eligibility.NewChecker(h.locks, repos)
	alloc := pool.NewAllocator(h.store, h.locks, repos.Account, checker, pool.Config{})
	h.orch = NewOrchestrator(repos, h.farm, alloc, checker, NewRates(repos.Rate, 0), prefixOpener{}, nil, Config{
		Poll: taskapi.PollConfig{Attempts: 3, Interval: time.Millisecond},
	})
	h.ledger.AddRate("US", 1, 6.8)
	return h
}

func (h *harness) addAccount(a models.Account) uint {
	if a.Country == "" {
		a.Country = "US"
	}
	if a.LoginStatus == "" {
		a.LoginStatus = models.LoginStatusValid
	}
	if a.Username == "" {
		a.Username = "buyer@example.com"
		a.Password = "enc:hunter2"
	}
	return h.ledger.AddAccount(a)
}

func uintPtr(v uint) *uint { return &v }

var errLedgerDown = errors.New("ledger connection lost")

// flakyLedger fails the next debit or plan charge made inside a transaction.
type flakyLedger struct {
	repository.Transactor
	debit  int
	charge int
}

func (f *flakyLedger) Transaction(ctx context.Context, fn func(tx *repository.Repositories) error) error {
	return f.Transactor.Transaction(ctx, func(tx *repository.Repositories) error {
		wrapped := *tx
		wrapped.Account = flakyAccounts{AccountRepository: tx.Account, ledger: f}
		wrapped.Plan = flakyPlans{PlanRepository: tx.Plan, ledger: f}
		return fn(&wrapped)
	})
}

type flakyAccounts struct {
	repository.AccountRepository
	ledger *flakyLedger
}

func (a flakyAccounts) DebitBalance(ctx context.Context, id uint, amount float64) (bool, error) {
	if a.ledger.debit > 0 {
		a.ledger.debit--
		return false, errLedgerDown
	}
	return a.AccountRepository.DebitBalance(ctx, id, amount)
}

type flakyPlans struct {
	repository.PlanRepository
	ledger *flakyLedger
}

func (p flakyPlans) AddCharged(ctx context.Context, id uint, amount float64) error {
	if p.ledger.charge > 0 {
		p.ledger.charge--
		return errLedgerDown
	}
	return p.PlanRepository.AddCharged(ctx, id, amount)
}

func TestRun_Success(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	id := h.addAccount(models.Account{Balance: 500})

	res, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "abcd1234 /1"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, StageDone, res.Stage)
	assert.Equal(t, 680.0, res.ConvertedAmount)
	assert.Equal(t, 6.8, res.Rate)
	assert.Equal(t, "USD", res.Currency)
	assert.Equal(t, "tx-1", res.TransactionID)
	require.NotNil(t, res.AccountID)
	assert.Equal(t, id, *res.AccountID)

	acc, _ := h.ledger.Account(id)
	assert.Equal(t, 400.0, acc.Balance)
	assert.Equal(t, 680.0, acc.CeilingBalance)
	assert.NotNil(t, acc.LastExchangeAt)

	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.ExchangeStatusSuccess, records[0].Status)
	assert.Equal(t, "ABCD1234", records[0].CardCode)
	assert.Equal(t, 100.0, records[0].OriginalBalance)

	require.Len(t, h.farm.redeemed, 1)
	assert.Equal(t, "hunter2", h.farm.redeemed[0].Password)
	assert.Equal(t, "ABCD1234", h.farm.redeemed[0].Pin)
	for _, task := range h.ledger.Tasks() {
		assert.NotContains(t, task.RequestPayload, "hunter2")
		assert.NotContains(t, task.RequestPayload, "ABCD1234")
	}

	locked, _ := h.locks.IsLocked(ctx, lock.AccountKey(id))
	assert.False(t, locked, "account lock released after record")
	score, ok := h.store.Score("pool_us_100", id)
	require.True(t, ok, "account returns to its pool")
	assert.Equal(t, 400.0, score)
}

func TestRun_ReplayDoesNotTouchLedger(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	id := h.addAccount(models.Account{Balance: 500})

	first, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	require.True(t, first.OK())

	again, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.True(t, again.OK())
	assert.Equal(t, first.ConvertedAmount, again.ConvertedAmount)

	assert.Equal(t, 1, h.farm.createdCount(taskapi.KindRedeem))
	acc, _ := h.ledger.Account(id)
	assert.Equal(t, 400.0, acc.Balance)
	assert.Len(t, h.ledger.Records(), 1)
}

func TestRun_ResumesPersistedTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addAccount(models.Account{Balance: 500})
	repos := h.ledger.Repositories()
	require.NoError(t, repos.Task.Create(ctx, &models.ExchangeTask{
		RequestID: "req-1", Type: models.TaskTypeQuery, TaskID: "earlier-query", Status: models.TaskStatusProcessing,
	}))

	res, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Zero(t, h.farm.createdCount(taskapi.KindQuery), "query task must be re-polled, not re-created")
	assert.Equal(t, 1, h.farm.polled["earlier-query"])
}

func TestRun_QueryTimeout(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.addAccount(models.Account{Balance: 500})
	h.farm.script[taskapi.KindQuery] = []*taskapi.Status{{Status: taskapi.StatusProcessing}}

	res, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, CardInvalid, res.Failure)
	assert.Equal(t, StageValidateCard, res.Stage)
	assert.Contains(t, res.Reason, "timed out")
	assert.Equal(t, 3, h.farm.polled["batch_query-task"])

	keys, _ := h.store.Keys(ctx)
	assert.Empty(t, keys, "allocator never ran")
	assert.Nil(t, res.AccountID)

	tasks := h.ledger.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusTimeout, tasks[0].Status)

	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.ExchangeStatusFailed, records[0].Status)
	assert.Equal(t, string(StageValidateCard), records[0].Stage)
}

func TestRun_TimedOutTaskIsNotPolledAgain(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	repos := h.ledger.Repositories()
	require.NoError(t, repos.Task.Create(ctx, &models.ExchangeTask{
		RequestID: "req-1", Type: models.TaskTypeQuery, TaskID: "old", Status: models.TaskStatusProcessing,
	}))
	_, err := repos.Task.Finalize(ctx, "req-1", models.TaskTypeQuery, models.TaskStatusTimeout, "", time.Now())
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.Equal(t, CardInvalid, res.Failure)
	assert.Zero(t, h.farm.polled["old"])
}

func TestRun_InvalidCard(t *testing.T) {
	h := newHarness()
	h.farm.script[taskapi.KindQuery] = []*taskapi.Status{completed(`{"valid":false,"msg":"already used"}`)}

	res, err := h.orch.Run(context.Background(), Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.Equal(t, CardInvalid, res.Failure)
	assert.Contains(t, res.Reason, "already used")
}

func TestRun_ParseFailed(t *testing.T) {
	h := newHarness()
	res, err := h.orch.Run(context.Background(), Request{Message: "hello there"})
	require.NoError(t, err)
	assert.Equal(t, ParseFailed, res.Failure)
	assert.NotEmpty(t, res.RequestID)
	assert.Empty(t, h.ledger.Records(), "input errors are rejected without a record")
	assert.Zero(t, h.farm.createdCount(taskapi.KindQuery))
}

func TestRun_NoAccount(t *testing.T) {
	h := newHarness()
	h.addAccount(models.Account{Balance: 50})

	res, err := h.orch.Run(context.Background(), Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.Equal(t, NoAccount, res.Failure)
	require.Len(t, h.ledger.Records(), 1)
	assert.Zero(t, h.farm.createdCount(taskapi.KindRedeem))
}

func TestRun_FallbackRate(t *testing.T) {
	h := newHarness()
	h.farm.script[taskapi.KindQuery] = []*taskapi.Status{completed(`{"valid":true,"country":"GB","balance":"£20.00"}`)}
	h.addAccount(models.Account{Country: "GB", Balance: 100})

	res, err := h.orch.Run(context.Background(), Request{RequestID: "req-1", Message: "ABCD1234 /9"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, 1.0, res.Rate)
	assert.Equal(t, 20.0, res.ConvertedAmount)
	assert.Equal(t, "GBP", res.Currency)
}

func TestRun_RedeemRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	planID := h.ledger.AddPlan(models.Plan{Name: "p", Country: "US", Days: 3})
	id := h.addAccount(models.Account{Balance: 500, PlanID: uintPtr(planID)})
	itemID := h.ledger.AddPlanItem(models.PlanItem{PlanID: planID, AccountID: id, Day: 1, Amount: 680})
	h.farm.script[taskapi.KindRedeem] = []*taskapi.Status{completed(`{"code":500,"msg":"card already redeemed"}`)}

	res, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.Equal(t, RedeemFailed, res.Failure)
	assert.Contains(t, res.Reason, "card already redeemed")

	acc, _ := h.ledger.Account(id)
	assert.Equal(t, 500.0, acc.Balance, "failed redeem leaves the balance alone")
	assert.Zero(t, acc.CeilingBalance)
	item, _ := h.ledger.PlanItem(itemID)
	assert.Equal(t, models.PlanItemStatusFailed, item.Status)
	plan, _ := h.ledger.Plan(planID)
	assert.Zero(t, plan.ChargedAmount)

	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, models.ExchangeStatusFailed, records[0].Status)
	assert.Equal(t, id, *records[0].AccountID)

	locked, _ := h.locks.IsLocked(ctx, lock.AccountKey(id))
	assert.False(t, locked)
}

func TestRun_PlanProgress(t *testing.T) {
	h := newHarness()
	planID := h.ledger.AddPlan(models.Plan{Name: "p", Country: "US", Days: 3, DailyTarget: 1000})
	id := h.addAccount(models.Account{Balance: 500, PlanID: uintPtr(planID)})
	itemID := h.ledger.AddPlanItem(models.PlanItem{PlanID: planID, AccountID: id, Day: 1, Amount: 680})

	res, err := h.orch.Run(context.Background(), Request{RequestID: "req-1", Message: "ABCD1234 /1", PlanID: uintPtr(planID)})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Reason)

	item, _ := h.ledger.PlanItem(itemID)
	assert.Equal(t, models.PlanItemStatusCompleted, item.Status)
	plan, _ := h.ledger.Plan(planID)
	assert.Equal(t, 680.0, plan.ChargedAmount)
	acc, _ := h.ledger.Account(id)
	assert.Equal(t, 2, acc.CurrentDay)

	records := h.ledger.Records()
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].PlanDay)
	assert.Equal(t, planID, *records[0].PlanID)
}

func TestRun_CeilingAlternate(t *testing.T) {
	h := newHarness()
	planID := h.ledger.AddPlan(models.Plan{Name: "p", Country: "US"})
	full := h.addAccount(models.Account{Balance: 5000, PlanID: uintPtr(planID), CeilingLimit: 700, CeilingBalance: 100})
	spare := h.addAccount(models.Account{Balance: 500, PlanID: uintPtr(planID), CeilingLimit: 5000})

	res, err := h.orch.Run(context.Background(), Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Reason)
	assert.Equal(t, spare, *res.AccountID)

	acc, _ := h.ledger.Account(full)
	assert.Equal(t, 5000.0, acc.Balance)
	acc, _ = h.ledger.Account(spare)
	assert.Equal(t, 400.0, acc.Balance)
	assert.Equal(t, 680.0, acc.CeilingBalance)
}

func TestRun_CeilingWithoutAlternate(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	planID := h.ledger.AddPlan(models.Plan{Name: "p", Country: "US"})
	full := h.addAccount(models.Account{Balance: 5000, PlanID: uintPtr(planID), CeilingLimit: 700, CeilingBalance: 100})

	res, err := h.orch.Run(ctx, Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	assert.Equal(t, NoAccount, res.Failure)
	locked, _ := h.locks.IsLocked(ctx, lock.AccountKey(full))
	assert.False(t, locked)
}

func TestEnsureLogin(t *testing.T) {
	ctx := context.Background()

	lease := func(h *harness, a models.Account) *run {
		id := h.ledger.AddAccount(a)
		acc, _ := h.ledger.Account(id)
		return &run{req: Request{RequestID: "req-1"}, stage: StageEnsureLogin, lease: &pool.Lease{Account: acc}}
	}

	t.Run("valid session skips the farm", func(t *testing.T) {
		h := newHarness()
		r := lease(h, models.Account{Country: "US", Balance: 1, LoginStatus: models.LoginStatusValid})
		require.NoError(t, h.orch.ensureLogin(ctx, r))
		assert.False(t, r.failed())
		assert.Zero(t, h.farm.createdCount(taskapi.KindLogin))
	})

	t.Run("logs in with stored credentials", func(t *testing.T) {
		h := newHarness()
		r := lease(h, models.Account{Country: "US", Balance: 1, Username: "u", Password: "enc:pw"})
		require.NoError(t, h.orch.ensureLogin(ctx, r))
		assert.False(t, r.failed())
		assert.Equal(t, 1, h.farm.createdCount(taskapi.KindLogin))
		acc, _ := h.ledger.Account(r.lease.Account.ID)
		assert.Equal(t, models.LoginStatusValid, acc.LoginStatus)
	})

	t.Run("no credentials", func(t *testing.T) {
		h := newHarness()
		r := lease(h, models.Account{Country: "US", Balance: 1})
		require.NoError(t, h.orch.ensureLogin(ctx, r))
		assert.Equal(t, LoginFailed, r.failure)
		assert.Zero(t, h.farm.createdCount(taskapi.KindLogin))
	})

	t.Run("farm rejects login", func(t *testing.T) {
		h := newHarness()
		h.farm.script[taskapi.KindLogin] = []*taskapi.Status{{Status: taskapi.StatusFailed, Msg: "wrong password"}}
		r := lease(h, models.Account{Country: "US", Balance: 1, Username: "u", Password: "enc:pw"})
		require.NoError(t, h.orch.ensureLogin(ctx, r))
		assert.Equal(t, LoginFailed, r.failure)
		assert.Contains(t, r.reason, "wrong password")
		acc, _ := h.ledger.Account(r.lease.Account.ID)
		assert.Equal(t, models.LoginStatusInvalid, acc.LoginStatus)
	})

	t.Run("unreadable ciphertext", func(t *testing.T) {
		h := newHarness()
		r := lease(h, models.Account{Country: "US", Balance: 1, Username: "u", Password: "plain"})
		require.NoError(t, h.orch.ensureLogin(ctx, r))
		assert.Equal(t, LoginFailed, r.failure)
	})
}

func TestRun_NoDoubleSpendUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	for i := 0; i < 3; i++ {
		h.addAccount(models.Account{Balance: 250})
	}

	var wg sync.WaitGroup
	results := make([]*Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.orch.Run(ctx, Request{RequestID: "req-" + string(rune('a'+i)), Message: "ABCD1234 /1"})
			if err == nil {
				results[i] = res
			}
		}(i)
	}
	wg.Wait()

	for _, rec := range h.ledger.Records() {
		if rec.AccountID == nil {
			continue
		}
		acc, _ := h.ledger.Account(*rec.AccountID)
		assert.GreaterOrEqual(t, acc.Balance, 0.0)
	}
	for id := uint(1); id <= 3; id++ {
		acc, ok := h.ledger.Account(id)
		require.True(t, ok)
		spent := 0.0
		for _, rec := range h.ledger.Records() {
			if rec.AccountID != nil && *rec.AccountID == id && rec.Status == models.ExchangeStatusSuccess {
				spent += rec.OriginalBalance
			}
		}
		assert.LessOrEqual(t, spent, 250.0, "account %d overspent", id)
		assert.Equal(t, 250.0-spent, acc.Balance)
	}
}

func TestRun_RetryAfterInfrastructureError(t *testing.T) {
	tests := []struct {
		name   string
		inject func(h *harness, ledger *flakyLedger, cancel context.CancelFunc)
	}{
		{"query create", func(h *harness, _ *flakyLedger, _ context.CancelFunc) {
			h.farm.failCreate[taskapi.KindQuery] = 1
		}},
		{"redeem create", func(h *harness, _ *flakyLedger, _ context.CancelFunc) {
			h.farm.failCreate[taskapi.KindRedeem] = 1
		}},
		{"redeem poll", func(h *harness, _ *flakyLedger, cancel context.CancelFunc) {
			h.farm.interrupt[taskapi.KindRedeem] = cancel
		}},
		{"ledger debit", func(_ *harness, ledger *flakyLedger, _ context.CancelFunc) {
			ledger.debit = 1
		}},
		{"plan charge", func(_ *harness, ledger *flakyLedger, _ context.CancelFunc) {
			ledger.charge = 1
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			ledger := &flakyLedger{Transactor: h.orch.repos.Tx}
			h.orch.repos.Tx = ledger

			planID := h.ledger.AddPlan(models.Plan{Name: "p", Country: "US", Days: 3, DailyTarget: 1000})
			id := h.addAccount(models.Account{Balance: 500, PlanID: uintPtr(planID)})
			itemID := h.ledger.AddPlanItem(models.PlanItem{PlanID: planID, AccountID: id, Day: 1, Amount: 680})
			req := Request{RequestID: "req-1", Message: "ABCD1234 /1", PlanID: uintPtr(planID)}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tt.inject(h, ledger, cancel)

			_, err := h.orch.Run(ctx, req)
			require.Error(t, err)
			assert.Empty(t, h.ledger.Records())
			item, _ := h.ledger.PlanItem(itemID)
			assert.Equal(t, models.PlanItemStatusPending, item.Status, "claimed item goes back to pending")
			acc, _ := h.ledger.Account(id)
			assert.Equal(t, 500.0, acc.Balance)
			assert.Zero(t, acc.CeilingBalance)
			locked, _ := h.locks.IsLocked(context.Background(), lock.AccountKey(id))
			assert.False(t, locked)

			res, err := h.orch.Run(context.Background(), req)
			require.NoError(t, err)
			require.True(t, res.OK(), res.Reason)
			assert.False(t, res.Replayed)
			assert.Equal(t, 1, h.farm.createdCount(taskapi.KindRedeem), "redeem is submitted once")

			acc, _ = h.ledger.Account(id)
			assert.Equal(t, 400.0, acc.Balance)
			assert.Equal(t, 680.0, acc.CeilingBalance)
			assert.Equal(t, 2, acc.CurrentDay)
			item, _ = h.ledger.PlanItem(itemID)
			assert.Equal(t, models.PlanItemStatusCompleted, item.Status)
			plan, _ := h.ledger.Plan(planID)
			assert.Equal(t, 680.0, plan.ChargedAmount)
			assert.Len(t, h.ledger.Records(), 1)
			locked, _ = h.locks.IsLocked(context.Background(), lock.AccountKey(id))
			assert.False(t, locked)

			res, err = h.orch.Run(context.Background(), req)
			require.NoError(t, err)
			assert.True(t, res.Replayed)
			acc, _ = h.ledger.Account(id)
			assert.Equal(t, 400.0, acc.Balance, "replay does not debit again")
		})
	}
}

func TestRun_ResumesItemLeftProcessing(t *testing.T) {
	h := newHarness()
	planID := h.ledger.AddPlan(models.Plan{Name: "p", Country: "US", Days: 3, DailyTarget: 1000})
	id := h.addAccount(models.Account{Balance: 500, PlanID: uintPtr(planID)})
	stuck := h.ledger.AddPlanItem(models.PlanItem{PlanID: planID, AccountID: id, Day: 1, Amount: 680,
		Status: models.PlanItemStatusProcessing})

	res, err := h.orch.Run(context.Background(), Request{RequestID: "req-1", Message: "ABCD1234 /1"})
	require.NoError(t, err)
	require.True(t, res.OK(), res.Reason)

	item, _ := h.ledger.PlanItem(stuck)
	assert.Equal(t, models.PlanItemStatusCompleted, item.Status)
	acc, _ := h.ledger.Account(id)
	assert.Equal(t, 2, acc.CurrentDay)
}
