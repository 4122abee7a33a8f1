// Package memory provides an in-memory Ledger Store with the same
// conditional-update semantics as the gorm repositories. It backs tests and
// local runs without MySQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/RedeemFox/app/models"
	"github.com/ManuelReschke/RedeemFox/app/repository"
)

// Ledger holds every table behind one mutex.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[uint]*models.Account
	plans    map[uint]*models.Plan
	items    map[uint]*models.PlanItem
	records  []*models.ExchangeRecord
	tasks    map[string]*models.ExchangeTask
	rates    map[rateKey]*models.ExchangeRate
	nextID   uint
	now      func() time.Time
}

type rateKey struct {
	country  string
	cardType int
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[uint]*models.Account),
		plans:    make(map[uint]*models.Plan),
		items:    make(map[uint]*models.PlanItem),
		tasks:    make(map[string]*models.ExchangeTask),
		rates:    make(map[rateKey]*models.ExchangeRate),
		now:      time.Now,
	}
}

// SetClock overrides the time source used for CreatedAt stamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Repositories exposes the ledger through the repository interfaces.
func (l *Ledger) Repositories() *repository.Repositories {
	return &repository.Repositories{
		Account:  accountRepo{l},
		Plan:     planRepo{l},
		Exchange: recordRepo{l},
		Task:     taskRepo{l},
		Rate:     rateRepo{l},
		Tx:       l,
	}
}

// Transaction runs fn with every other ledger caller held off. The tables are
// put back from a snapshot when fn fails. Inside fn only the tx repositories
// may be used.
func (l *Ledger) Transaction(_ context.Context, fn func(tx *repository.Repositories) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := l.snapshot()
	view := &Ledger{
		accounts: l.accounts,
		plans:    l.plans,
		items:    l.items,
		records:  l.records,
		tasks:    l.tasks,
		rates:    l.rates,
		nextID:   l.nextID,
		now:      l.now,
	}
	if err := fn(view.Repositories()); err != nil {
		l.accounts, l.plans, l.items = snap.accounts, snap.plans, snap.items
		l.tasks, l.rates = snap.tasks, snap.rates
		return err
	}
	l.records, l.nextID = view.records, view.nextID
	return nil
}

type snapshot struct {
	accounts map[uint]*models.Account
	plans    map[uint]*models.Plan
	items    map[uint]*models.PlanItem
	tasks    map[string]*models.ExchangeTask
	rates    map[rateKey]*models.ExchangeRate
}

func (l *Ledger) snapshot() snapshot {
	return snapshot{
		accounts: cloneRows(l.accounts),
		plans:    cloneRows(l.plans),
		items:    cloneRows(l.items),
		tasks:    cloneRows(l.tasks),
		rates:    cloneRows(l.rates),
	}
}

func cloneRows[K comparable, V any](in map[K]*V) map[K]*V {
	out := make(map[K]*V, len(in))
	for k, v := range in {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (l *Ledger) id() uint {
	l.nextID++
	return l.nextID
}

// AddAccount seeds an account and returns its id.
func (l *Ledger) AddAccount(a models.Account) uint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a.ID == 0 {
		a.ID = l.id()
	} else if a.ID > l.nextID {
		l.nextID = a.ID
	}
	if a.Status == "" {
		a.Status = models.AccountStatusProcessing
	}
	if a.CurrentDay == 0 {
		a.CurrentDay = 1
	}
	l.accounts[a.ID] = &a
	return a.ID
}

// Account returns a copy of the stored account.
func (l *Ledger) Account(id uint) (models.Account, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	a, ok := l.accounts[id]
	if !ok {
		return models.Account{}, false
	}
	return *a, true
}

func (l *Ledger) AddPlan(p models.Plan) uint {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.ID == 0 {
		p.ID = l.id()
	} else if p.ID > l.nextID {
		l.nextID = p.ID
	}
	if p.Status == "" {
		p.Status = models.PlanStatusActive
	}
	l.plans[p.ID] = &p
	return p.ID
}

func (l *Ledger) Plan(id uint) (models.Plan, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.plans[id]
	if !ok {
		return models.Plan{}, false
	}
	return *p, true
}

func (l *Ledger) AddPlanItem(it models.PlanItem) uint {
	l.mu.Lock()
	defer l.mu.Unlock()
	it.ID = l.id()
	if it.Status == "" {
		it.Status = models.PlanItemStatusPending
	}
	l.items[it.ID] = &it
	return it.ID
}

func (l *Ledger) PlanItem(id uint) (models.PlanItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	it, ok := l.items[id]
	if !ok {
		return models.PlanItem{}, false
	}
	return *it, true
}

func (l *Ledger) AddRate(country string, cardType int, rate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rates[rateKey{country, cardType}] = &models.ExchangeRate{
		ID: l.id(), Country: country, CardType: cardType, Rate: rate, Active: true,
	}
}

// AddRecord seeds a historical exchange record.
func (l *Ledger) AddRecord(rec models.ExchangeRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.ID = l.id()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	l.records = append(l.records, &rec)
}

// Records returns copies of all exchange records in insertion order.
func (l *Ledger) Records() []models.ExchangeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ExchangeRecord, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	return out
}

// Tasks returns copies of all persisted external tasks.
func (l *Ledger) Tasks() []models.ExchangeTask {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]models.ExchangeTask, 0, len(l.tasks))
	for _, t := range l.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// =============================================================================
// accounts
// =============================================================================

type accountRepo struct{ l *Ledger }

func (r accountRepo) Create(_ context.Context, account *models.Account) error {
	if account.Username != "" {
		r.l.mu.RLock()
		for _, a := range r.l.accounts {
			if a.Username == account.Username {
				r.l.mu.RUnlock()
				return gorm.ErrDuplicatedKey
			}
		}
		r.l.mu.RUnlock()
	}
	account.ID = r.l.AddAccount(*account)
	return nil
}

func (r accountRepo) GetByID(_ context.Context, id uint) (*models.Account, error) {
	a, ok := r.l.Account(id)
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &a, nil
}

func (r accountRepo) FindPoolCandidates(_ context.Context, f repository.AccountFilter) ([]models.Account, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var out []models.Account
	for _, a := range r.l.accounts {
		if a.Country != f.Country || a.Status != models.AccountStatusProcessing ||
			a.LoginStatus != models.LoginStatusValid || a.Balance <= 0 {
			continue
		}
		if f.MinBalance > 0 && a.Balance < f.MinBalance {
			continue
		}
		if f.PlanID != nil && (a.PlanID == nil || *a.PlanID != *f.PlanID) {
			continue
		}
		if f.RoomID != nil && (a.RoomID == nil || *a.RoomID != *f.RoomID) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Balance == out[j].Balance {
			return out[i].ID < out[j].ID
		}
		return out[i].Balance > out[j].Balance
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r accountRepo) FindCeilingCandidates(_ context.Context, country string, amount float64, limit int) ([]models.Account, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var out []models.Account
	for _, a := range r.l.accounts {
		if a.PlanID == nil || a.Country != country || a.Status != models.AccountStatusProcessing || a.CeilingLimit <= 0 {
			continue
		}
		plan, ok := r.l.plans[*a.PlanID]
		if !ok || plan.Status != models.PlanStatusActive {
			continue
		}
		if a.CeilingBalance+amount > a.CeilingLimit {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CeilingHeadroom() > out[j].CeilingHeadroom()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r accountRepo) ListByPlan(_ context.Context, planID uint) ([]models.Account, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var out []models.Account
	for _, a := range r.l.accounts {
		if a.PlanID != nil && *a.PlanID == planID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r accountRepo) DebitBalance(_ context.Context, id uint, amount float64) (bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	a, ok := r.l.accounts[id]
	if !ok || a.Balance < amount {
		return false, nil
	}
	a.Balance -= amount
	return true, nil
}

func (r accountRepo) AddCeilingBalance(_ context.Context, id uint, amount float64) error {
	return r.mutate(id, func(a *models.Account) { a.CeilingBalance += amount })
}

func (r accountRepo) UpdateStatus(_ context.Context, id uint, status string) error {
	return r.mutate(id, func(a *models.Account) { a.Status = status })
}

func (r accountRepo) UpdateLoginStatus(_ context.Context, id uint, status string) error {
	return r.mutate(id, func(a *models.Account) { a.LoginStatus = status })
}

func (r accountRepo) TouchLastExchange(_ context.Context, id uint, at time.Time) error {
	return r.mutate(id, func(a *models.Account) { a.LastExchangeAt = &at })
}

func (r accountRepo) AdvanceDay(_ context.Context, id uint, fromDay int) (bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	a, ok := r.l.accounts[id]
	if !ok || a.CurrentDay != fromDay {
		return false, nil
	}
	a.CurrentDay = fromDay + 1
	return true, nil
}

func (r accountRepo) mutate(id uint, fn func(*models.Account)) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if a, ok := r.l.accounts[id]; ok {
		fn(a)
	}
	return nil
}

// =============================================================================
// plans
// =============================================================================

type planRepo struct{ l *Ledger }

func (r planRepo) GetByID(_ context.Context, id uint) (*models.Plan, error) {
	p, ok := r.l.Plan(id)
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &p, nil
}

func (r planRepo) ListActive(_ context.Context) ([]models.Plan, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var out []models.Plan
	for _, p := range r.l.plans {
		if p.Status == models.PlanStatusActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r planRepo) AddCharged(_ context.Context, id uint, amount float64) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if p, ok := r.l.plans[id]; ok {
		p.ChargedAmount += amount
	}
	return nil
}

func (r planRepo) UpdateStatus(_ context.Context, id uint, status string) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if p, ok := r.l.plans[id]; ok {
		p.Status = status
	}
	return nil
}

func (r planRepo) NextOpenItem(_ context.Context, planID, accountID uint, day int) (*models.PlanItem, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var best *models.PlanItem
	for _, it := range r.l.items {
		if it.PlanID != planID || it.AccountID != accountID || it.Day != day {
			continue
		}
		if it.Status != models.PlanItemStatusPending && it.Status != models.PlanItemStatusProcessing {
			continue
		}
		if best == nil || openBefore(it, best) {
			best = it
		}
	}
	if best == nil {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *best
	return &cp, nil
}

func openBefore(a, b *models.PlanItem) bool {
	aProc := a.Status == models.PlanItemStatusProcessing
	bProc := b.Status == models.PlanItemStatusProcessing
	if aProc != bProc {
		return aProc
	}
	return a.ID < b.ID
}

func (r planRepo) TransitionItem(_ context.Context, itemID uint, from, to string) (bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	it, ok := r.l.items[itemID]
	if !ok || it.Status != from {
		return false, nil
	}
	it.Status = to
	return true, nil
}

func (r planRepo) CountPendingItems(_ context.Context, planID, accountID uint, day int) (int64, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var n int64
	for _, it := range r.l.items {
		if it.PlanID == planID && it.AccountID == accountID && it.Day == day &&
			(it.Status == models.PlanItemStatusPending || it.Status == models.PlanItemStatusProcessing) {
			n++
		}
	}
	return n, nil
}

// =============================================================================
// exchange records
// =============================================================================

type recordRepo struct{ l *Ledger }

func (r recordRepo) Create(_ context.Context, record *models.ExchangeRecord) (bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	for _, existing := range r.l.records {
		if existing.RequestID == record.RequestID {
			return false, nil
		}
	}
	cp := *record
	cp.ID = r.l.id()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = r.l.now()
	}
	r.l.records = append(r.l.records, &cp)
	record.ID = cp.ID
	record.CreatedAt = cp.CreatedAt
	return true, nil
}

func (r recordRepo) GetByRequestID(_ context.Context, requestID string) (*models.ExchangeRecord, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	for _, rec := range r.l.records {
		if rec.RequestID == requestID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r recordRepo) SumForDay(_ context.Context, accountID, planID uint, day int) (float64, error) {
	return r.sum(func(rec *models.ExchangeRecord) bool {
		return matches(rec, accountID, planID) && rec.PlanDay == day
	}), nil
}

func (r recordRepo) SumForPlan(_ context.Context, accountID, planID uint) (float64, error) {
	return r.sum(func(rec *models.ExchangeRecord) bool { return matches(rec, accountID, planID) }), nil
}

func (r recordRepo) sum(keep func(*models.ExchangeRecord) bool) float64 {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var total float64
	for _, rec := range r.l.records {
		if rec.Status == models.ExchangeStatusSuccess && keep(rec) {
			total += rec.ConvertedAmount
		}
	}
	return total
}

func matches(rec *models.ExchangeRecord, accountID, planID uint) bool {
	return rec.AccountID != nil && *rec.AccountID == accountID && rec.PlanID != nil && *rec.PlanID == planID
}

func (r recordRepo) LastSuccessAt(_ context.Context, accountID uint) (*time.Time, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	var last *time.Time
	for _, rec := range r.l.records {
		if rec.Status != models.ExchangeStatusSuccess || rec.AccountID == nil || *rec.AccountID != accountID {
			continue
		}
		if last == nil || rec.CreatedAt.After(*last) {
			at := rec.CreatedAt
			last = &at
		}
	}
	return last, nil
}

// =============================================================================
// external tasks
// =============================================================================

type taskRepo struct{ l *Ledger }

func taskKey(requestID, taskType string) string { return requestID + "|" + taskType }

func (r taskRepo) Get(_ context.Context, requestID, taskType string) (*models.ExchangeTask, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	t, ok := r.l.tasks[taskKey(requestID, taskType)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *t
	return &cp, nil
}

func (r taskRepo) Create(_ context.Context, task *models.ExchangeTask) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	key := taskKey(task.RequestID, task.Type)
	if _, exists := r.l.tasks[key]; exists {
		return gorm.ErrDuplicatedKey
	}
	cp := *task
	cp.ID = r.l.id()
	if cp.Status == "" {
		cp.Status = models.TaskStatusPending
	}
	r.l.tasks[key] = &cp
	task.ID = cp.ID
	task.Status = cp.Status
	return nil
}

func (r taskRepo) Advance(_ context.Context, requestID, taskType, status string) error {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if t, ok := r.l.tasks[taskKey(requestID, taskType)]; ok && !models.IsTerminalTaskStatus(t.Status) {
		t.Status = status
	}
	return nil
}

func (r taskRepo) Finalize(_ context.Context, requestID, taskType, status, result string, at time.Time) (bool, error) {
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	t, ok := r.l.tasks[taskKey(requestID, taskType)]
	if !ok || models.IsTerminalTaskStatus(t.Status) {
		return false, nil
	}
	t.Status = status
	t.ResultPayload = result
	t.CompletedAt = &at
	return true, nil
}

// =============================================================================
// rates
// =============================================================================

type rateRepo struct{ l *Ledger }

func (r rateRepo) Find(_ context.Context, country string, cardType int) (*models.ExchangeRate, error) {
	r.l.mu.RLock()
	defer r.l.mu.RUnlock()
	rate, ok := r.l.rates[rateKey{country, cardType}]
	if !ok || !rate.Active {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rate
	return &cp, nil
}
