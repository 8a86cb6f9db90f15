//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"vibephoto/internal/domain"
	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/usecase"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// =============================
// In-memory store + tx manager
// =============================

// memStore backs all repositories. Transactions are serialised by
// MemTxManager, which stands in for row locks, and rolled back by
// restoring a snapshot.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	packages map[string]*model.CreditPackage
	history  []*model.CreditTransaction
	jobs     map[string]*model.Job
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[string]*model.Account{},
		packages: map[string]*model.CreditPackage{},
		jobs:     map[string]*model.Job{},
	}
}

type memSnapshot struct {
	accounts map[string]*model.Account
	packages map[string]*model.CreditPackage
	history  []*model.CreditTransaction
	jobs     map[string]*model.Job
}

func (s *memStore) snapshot() memSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := memSnapshot{
		accounts: make(map[string]*model.Account, len(s.accounts)),
		packages: make(map[string]*model.CreditPackage, len(s.packages)),
		history:  append([]*model.CreditTransaction(nil), s.history...),
		jobs:     make(map[string]*model.Job, len(s.jobs)),
	}
	for k, v := range s.accounts {
		snap.accounts[k] = cloneAccount(v)
	}
	for k, v := range s.packages {
		snap.packages[k] = clonePackage(v)
	}
	for k, v := range s.jobs {
		snap.jobs[k] = cloneJob(v)
	}
	return snap
}

func (s *memStore) restore(snap memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts, s.packages, s.history, s.jobs = snap.accounts, snap.packages, snap.history, snap.jobs
}

type memTx struct{}

type MemTxManager struct {
	store *memStore
	lock  sync.Mutex
	Calls int
}

var _ repository.TransactionManager = (*MemTxManager)(nil)

func (m *MemTxManager) WithTx(ctx context.Context, _ pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.Calls++
	snap := m.store.snapshot()
	if err := fn(ctx, &memTx{}); err != nil {
		m.store.restore(snap)
		return err
	}
	return nil
}

func requireTx(tx repository.Tx) error {
	if _, ok := tx.(*memTx); !ok {
		return domain.ErrInvalidExecContext
	}
	return nil
}

func cloneAccount(a *model.Account) *model.Account {
	c := *a
	if a.CreditsExpiresAt != nil {
		t := *a.CreditsExpiresAt
		c.CreditsExpiresAt = &t
	}
	return &c
}

func clonePackage(p *model.CreditPackage) *model.CreditPackage {
	c := *p
	return &c
}

func cloneJob(j *model.Job) *model.Job {
	c := *j
	c.ResultURLs = append([]string(nil), j.ResultURLs...)
	c.ThumbnailURLs = append([]string(nil), j.ThumbnailURLs...)
	return &c
}

// -----------------------------
// Accounts
// -----------------------------

type MemAccountRepo struct{ s *memStore }

var _ repository.AccountRepository = (*MemAccountRepo)(nil)

func (r *MemAccountRepo) Save(ctx context.Context, tx repository.Tx, a *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (r *MemAccountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneAccount(a), nil
}

func (r *MemAccountRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, tx, id)
}

func (r *MemAccountRepo) UpdateBalances(ctx context.Context, tx repository.Tx, a *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[a.ID]; !ok {
		return domain.ErrNotFound
	}
	r.s.accounts[a.ID] = cloneAccount(a)
	return nil
}

// -----------------------------
// Packages
// -----------------------------

type MemPackageRepo struct{ s *memStore }

var _ repository.CreditPackageRepository = (*MemPackageRepo)(nil)

func (r *MemPackageRepo) Save(ctx context.Context, tx repository.Tx, p *model.CreditPackage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.packages[p.ID] = clonePackage(p)
	return nil
}

func (r *MemPackageRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.CreditPackage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.packages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return clonePackage(p), nil
}

func (r *MemPackageRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.CreditPackage, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, tx, id)
}

func (r *MemPackageRepo) ListEligibleForUpdate(ctx context.Context, tx repository.Tx, accountID string, now time.Time) ([]*model.CreditPackage, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	return r.filter(func(p *model.CreditPackage) bool { return p.AccountID == accountID && p.Eligible(now) }, 0), nil
}

func (r *MemPackageRepo) ListByIDsForUpdate(ctx context.Context, tx repository.Tx, ids []string) ([]*model.CreditPackage, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	return r.filter(func(p *model.CreditPackage) bool { return want[p.ID] }, 0), nil
}

func (r *MemPackageRepo) ListLapsed(ctx context.Context, tx repository.Tx, now time.Time, limit int) ([]*model.CreditPackage, error) {
	return r.filter(func(p *model.CreditPackage) bool { return p.Lapsed(now) }, limit), nil
}

func (r *MemPackageRepo) UpdateUsage(ctx context.Context, tx repository.Tx, p *model.CreditPackage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.packages[p.ID]; !ok {
		return domain.ErrNotFound
	}
	r.s.packages[p.ID] = clonePackage(p)
	return nil
}

func (r *MemPackageRepo) ListByAccount(ctx context.Context, tx repository.Tx, accountID string) ([]*model.CreditPackage, error) {
	return r.filter(func(p *model.CreditPackage) bool { return p.AccountID == accountID }, 0), nil
}

func (r *MemPackageRepo) filter(keep func(*model.CreditPackage) bool, limit int) []*model.CreditPackage {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.CreditPackage
	for _, p := range r.s.packages {
		if keep(p) {
			out = append(out, clonePackage(p))
		}
	}
	model.SortPackagesForDebit(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// -----------------------------
// Credit transactions
// -----------------------------

type MemHistoryRepo struct {
	s         *memStore
	InsertErr error
}

var _ repository.CreditTransactionRepository = (*MemHistoryRepo)(nil)

func (r *MemHistoryRepo) Insert(ctx context.Context, tx repository.Tx, t *model.CreditTransaction) error {
	if r.InsertErr != nil {
		return r.InsertErr
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if t.Type == model.TransactionRefunded && t.ReferenceID != "" {
		for _, h := range r.s.history {
			if h.Type == model.TransactionRefunded && h.ReferenceID == t.ReferenceID {
				return domain.ErrAlreadyExists
			}
		}
	}
	c := *t
	r.s.history = append(r.s.history, &c)
	return nil
}

func (r *MemHistoryRepo) FindByReference(ctx context.Context, tx repository.Tx, accountID, referenceID string, typ model.TransactionType) (*model.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := len(r.s.history) - 1; i >= 0; i-- {
		h := r.s.history[i]
		if h.AccountID == accountID && h.ReferenceID == referenceID && h.Type == typ {
			c := *h
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemHistoryRepo) ListByAccount(ctx context.Context, tx repository.Tx, accountID string, limit int) ([]*model.CreditTransaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.CreditTransaction
	for i := len(r.s.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if h := r.s.history[i]; h.AccountID == accountID {
			c := *h
			out = append(out, &c)
		}
	}
	return out, nil
}

func (r *MemHistoryRepo) ofType(accountID string, typ model.TransactionType) []*model.CreditTransaction {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.CreditTransaction
	for _, h := range r.s.history {
		if h.AccountID == accountID && h.Type == typ {
			out = append(out, h)
		}
	}
	return out
}

// -----------------------------
// Jobs
// -----------------------------

type MemJobRepo struct {
	s *memStore
	// MarkErrs are returned by successive MarkSubmitted calls.
	MarkErrs []error
}

var _ repository.JobRepository = (*MemJobRepo)(nil)

func (r *MemJobRepo) Insert(ctx context.Context, tx repository.Tx, j *model.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.jobs[j.ID]; ok {
		return domain.ErrAlreadyExists
	}
	r.s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *MemJobRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	j, ok := r.s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *MemJobRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Job, error) {
	if err := requireTx(tx); err != nil {
		return nil, err
	}
	return r.FindByID(ctx, tx, id)
}

func (r *MemJobRepo) FindByExternalID(ctx context.Context, tx repository.Tx, provider, externalID string) (*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, j := range r.s.jobs {
		if j.Provider == provider && j.ExternalID == externalID {
			return cloneJob(j), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *MemJobRepo) MarkSubmitted(ctx context.Context, tx repository.Tx, id, provider, externalID string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.MarkErrs) > 0 {
		err := r.MarkErrs[0]
		r.MarkErrs = r.MarkErrs[1:]
		if err != nil {
			return err
		}
	}
	j, ok := r.s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Provider, j.ExternalID, j.UpdatedAt = provider, externalID, now
	if j.Status == model.JobStatusPending {
		j.Status = model.JobStatusProcessing
	}
	return nil
}

func (r *MemJobRepo) Update(ctx context.Context, tx repository.Tx, j *model.Job) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.jobs[j.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status.IsTerminal() {
		return domain.ErrReconciliationConflict
	}
	r.s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (r *MemJobRepo) ListStale(ctx context.Context, tx repository.Tx, status model.JobStatus, updatedBefore time.Time, limit int) ([]*model.Job, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Job
	for _, j := range r.s.jobs {
		if j.Status == status && j.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.Before(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================
// Adapters
// =============================

type MockBroadcaster struct {
	mu     sync.Mutex
	Events []model.Event
}

var _ adapter.Broadcaster = (*MockBroadcaster)(nil)

func (b *MockBroadcaster) Broadcast(ctx context.Context, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Events = append(b.Events, ev)
}

func (b *MockBroadcaster) OfType(typ model.EventType) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.Event
	for _, ev := range b.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type MockBalanceCache struct {
	mu          sync.Mutex
	Invalidated []string
}

func (c *MockBalanceCache) Invalidate(ctx context.Context, accountID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Invalidated = append(c.Invalidated, accountID)
	return nil
}

type MockProvider struct {
	mu       sync.Mutex
	name     string
	reliable bool
	Calls    int

	SubmitFunc func(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error)
	Requests   []adapter.SubmitRequest
}

var _ adapter.Provider = (*MockProvider)(nil)

func (p *MockProvider) Name() string                      { return p.name }
func (p *MockProvider) Supports(model.JobPayload) bool    { return true }
func (p *MockProvider) ReliableWebhooks() bool            { return p.reliable }
func (p *MockProvider) Submit(ctx context.Context, req adapter.SubmitRequest) (*adapter.Submission, error) {
	p.mu.Lock()
	p.Calls++
	p.Requests = append(p.Requests, req)
	p.mu.Unlock()
	if p.SubmitFunc != nil {
		return p.SubmitFunc(ctx, req)
	}
	return &adapter.Submission{ExternalID: "ext-" + req.JobID}, nil
}

type MockRouter struct {
	Provider adapter.Provider
	Err      error
}

var _ adapter.ProviderRouter = (*MockRouter)(nil)

func (r *MockRouter) Route(model.JobPayload) (adapter.Provider, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Provider, nil
}

func (r *MockRouter) Lookup(name string) (adapter.Provider, bool) {
	if r.Provider != nil && r.Provider.Name() == name {
		return r.Provider, true
	}
	return nil, false
}

type MockPersister struct {
	mu    sync.Mutex
	Calls int
	Err   error
}

var _ adapter.ResultPersister = (*MockPersister)(nil)

func (p *MockPersister) Persist(ctx context.Context, job *model.Job, outputs []adapter.Output) ([]string, []string, error) {
	p.mu.Lock()
	p.Calls++
	p.mu.Unlock()
	if p.Err != nil {
		return nil, nil, p.Err
	}
	var results, thumbs []string
	for i := range outputs {
		results = append(results, "https://cdn.example.com/"+job.ID+"/"+string(rune('a'+i))+".png")
		thumbs = append(thumbs, "https://cdn.example.com/"+job.ID+"/"+string(rune('a'+i))+"_thumb.jpg")
	}
	return results, thumbs, nil
}

type MockPollScheduler struct {
	mu   sync.Mutex
	Jobs []string
}

func (s *MockPollScheduler) Schedule(job *model.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Jobs = append(s.Jobs, job.ID)
}

var errBoom = errors.New("boom")

// =============================
// Fixture
// =============================

type fixture struct {
	store     *memStore
	tm        *MemTxManager
	accounts  *MemAccountRepo
	packages  *MemPackageRepo
	history   *MemHistoryRepo
	jobs      *MemJobRepo
	cache     *MockBalanceCache
	broadcast *MockBroadcaster
	persister *MockPersister
	provider  *MockProvider
	poller    *MockPollScheduler

	ledger     usecase.LedgerUseCase
	reconciler usecase.ReconcileUseCase
	dispatcher usecase.DispatchUseCase
}

var testPricing = usecase.Pricing{GenerationPerImage: 1, Training: 100, Edit: 5, Upscale2x: 5, Upscale4x: 10}

func newFixture(opts usecase.LedgerOptions) *fixture {
	s := newMemStore()
	f := &fixture{
		store:     s,
		tm:        &MemTxManager{store: s},
		accounts:  &MemAccountRepo{s: s},
		packages:  &MemPackageRepo{s: s},
		history:   &MemHistoryRepo{s: s},
		jobs:      &MemJobRepo{s: s},
		cache:     &MockBalanceCache{},
		broadcast: &MockBroadcaster{},
		persister: &MockPersister{},
		provider:  &MockProvider{name: "replicate"},
		poller:    &MockPollScheduler{},
	}
	log := newTestLogger()
	f.ledger = usecase.NewLedgerUseCase(f.tm, f.accounts, f.packages, f.history, f.cache, f.broadcast, nil, log, opts)
	f.reconciler = usecase.NewReconcileUseCase(f.tm, f.jobs, f.ledger, f.persister, f.broadcast, nil, log)
	f.dispatcher = usecase.NewDispatchUseCase(
		f.tm, f.jobs, f.ledger, f.reconciler, &MockRouter{Provider: f.provider}, f.poller,
		usecase.NewJobValidator(usecase.Limits{MaxInputBytes: 1 << 20, MaxPromptTokens: 50}, nil),
		testPricing, f.broadcast, nil, log,
		usecase.DispatchOptions{CallbackBase: "https://api.example.com/", MaxRetries: 3, RetryBackoff: time.Millisecond},
	)
	return f
}

func (f *fixture) seedAccount(limit, used int, expiresAt *time.Time) *model.Account {
	a, err := model.NewAccount("", "user@example.com", "pro", limit, expiresAt)
	if err != nil {
		panic(err)
	}
	a.CreditsUsed = used
	_ = f.accounts.Save(context.Background(), nil, a)
	return a
}

// seedPackage stores a confirmed package and adds its remaining capacity to
// the account pool, as ConfirmPackage would.
func (f *fixture) seedPackage(accountID string, amount, used int, validUntil time.Time) *model.CreditPackage {
	p, err := model.NewCreditPackage(accountID, "pack", amount, validUntil, "")
	if err != nil {
		panic(err)
	}
	p.Status = model.PackageStatusConfirmed
	p.UsedCredits = used
	_ = f.packages.Save(context.Background(), nil, p)

	f.store.mu.Lock()
	f.store.accounts[accountID].CreditsBalance += p.Remaining()
	f.store.mu.Unlock()
	return p
}

func (f *fixture) account(id string) *model.Account {
	a, _ := f.accounts.FindByID(context.Background(), nil, id)
	return a
}

func (f *fixture) pkg(id string) *model.CreditPackage {
	p, _ := f.packages.FindByID(context.Background(), nil, id)
	return p
}

func (f *fixture) job(id string) *model.Job {
	j, _ := f.jobs.FindByID(context.Background(), nil, id)
	return j
}

func ptrTime(t time.Time) *time.Time { return &t }
