package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/spec-kit/identity-service/internal/auth"
	"github.com/spec-kit/identity-service/internal/config"
	"github.com/spec-kit/identity-service/internal/domain"
	"github.com/spec-kit/identity-service/internal/events"
	"github.com/spec-kit/identity-service/internal/observability"
	"github.com/spec-kit/identity-service/internal/repository"
)

const testPassword = "Secret123"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordedEvents) handle(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

func (r *recordedEvents) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, evt := range r.events {
		if evt.Type == t {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	accounts repository.AccountStore
	store    *repository.MemoryAccountStore
	tokens   *repository.MemoryTokenStore
	// tokenStore is what the session service uses; tokens unless wrapped.
	tokenStore repository.TokenStore
	clock      *fakeClock
	sessions   *SessionService
	svc        *AccountService
	metrics    *observability.Metrics
	events     *recordedEvents
}

type harnessOption func(*harness)

// withAccountStore wraps the memory store, e.g. to inject faults.
func withAccountStore(wrap func(repository.AccountStore) repository.AccountStore) harnessOption {
	return func(h *harness) { h.accounts = wrap(h.accounts) }
}

func withTokenStore(wrap func(repository.TokenStore) repository.TokenStore) harnessOption {
	return func(h *harness) { h.tokenStore = wrap(h.tokenStore) }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		store:   repository.NewMemoryAccountStore(),
		tokens:  repository.NewMemoryTokenStore(),
		clock:   newFakeClock(),
		metrics: observability.NewMetrics(),
		events:  &recordedEvents{},
	}
	h.accounts = h.store
	h.tokenStore = h.tokens
	for _, opt := range opts {
		opt(h)
	}

	roles, err := auth.NewRoleHierarchy(auth.DefaultRoleTable())
	require.NoError(t, err)

	dispatcher := events.NewInMemoryDispatcher()
	for _, et := range []events.EventType{
		events.EventAccountRegistered,
		events.EventLoginSucceeded,
		events.EventLoginFailed,
		events.EventPasswordChanged,
		events.EventRoleChanged,
		events.EventStateChanged,
		events.EventAttributesUpdated,
		events.EventAccountRemoved,
	} {
		dispatcher.Subscribe(et, h.events.handle)
	}

	h.sessions = NewSessionService(config.AuthConfig{TokenTTLMinutes: 120}, SessionDependencies{
		Accounts: h.accounts,
		Tokens:   h.tokenStore,
		Now:      h.clock.Now,
	})
	h.svc = NewAccountService(AccountDependencies{
		Accounts:   h.accounts,
		Sessions:   h.sessions,
		Authorizer: auth.NewAuthorizer(roles),
		Hasher:     auth.NewPasswordHasher(bcrypt.MinCost),
		Policy:     auth.DefaultPasswordPolicy(),
		Dispatcher: dispatcher,
		Metrics:    h.metrics,
		Now:        h.clock.Now,
	})
	return h
}

func (h *harness) register(t *testing.T, id string) *domain.Account {
	t.Helper()
	acc, err := h.svc.Register(context.Background(), RegisterInput{
		ID:          id,
		DisplayName: "User " + id,
		Email:       id + "@example.com",
		Password:    testPassword,
	})
	require.NoError(t, err)
	return acc
}

// seedAccount registers id and then forces its role and state directly in
// the store, bypassing authorization.
func (h *harness) seedAccount(t *testing.T, id string, role domain.Role, state domain.AccountState) *domain.Account {
	t.Helper()
	h.register(t, id)
	var out *domain.Account
	err := h.store.RunInTx(context.Background(), func(ctx context.Context, tx repository.AccountTx) error {
		acc, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		acc.Role = role
		acc.State = state
		out = acc
		return tx.Update(ctx, acc)
	})
	require.NoError(t, err)
	return out
}

func (h *harness) login(t *testing.T, identifier string) string {
	t.Helper()
	res, err := h.svc.Login(context.Background(), LoginInput{
		Identifier: identifier,
		Password:   testPassword,
		Client:     ClientInfo{IP: "198.51.100.7", Host: "app.example.com"},
	})
	require.NoError(t, err)
	return res.Token.ID
}

// activeUser seeds an ACTIVE account with role and returns a live token.
func (h *harness) activeUser(t *testing.T, id string, role domain.Role) string {
	t.Helper()
	h.seedAccount(t, id, role, domain.AccountStateActive)
	return h.login(t, id)
}

func (h *harness) account(t *testing.T, id string) (*domain.Account, error) {
	t.Helper()
	var out *domain.Account
	err := h.store.RunInTx(context.Background(), func(ctx context.Context, tx repository.AccountTx) error {
		acc, err := tx.Get(ctx, id)
		out = acc
		return err
	})
	return out, err
}

func (h *harness) stats(t *testing.T, id string) *domain.AccountStats {
	t.Helper()
	var out *domain.AccountStats
	err := h.store.RunInTx(context.Background(), func(ctx context.Context, tx repository.AccountTx) error {
		st, err := tx.Stats(ctx, id)
		out = st
		return err
	})
	require.NoError(t, err)
	return out
}

func (h *harness) auditLog(t *testing.T, id string) []domain.AuditLogEntry {
	t.Helper()
	var out []domain.AuditLogEntry
	err := h.store.RunInTx(context.Background(), func(ctx context.Context, tx repository.AccountTx) error {
		entries, err := tx.AuditLog(ctx, id)
		out = entries
		return err
	})
	require.NoError(t, err)
	return out
}

// cyclicBarrier releases its parties together, once per round.
type cyclicBarrier struct {
	mu         sync.Mutex
	cond       *sync.Cond
	parties    int
	waiting    int
	generation int
}

func newCyclicBarrier(parties int) *cyclicBarrier {
	b := &cyclicBarrier{parties: parties}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *cyclicBarrier) await() {
	b.mu.Lock()
	defer b.mu.Unlock()
	gen := b.generation
	b.waiting++
	if b.waiting == b.parties {
		b.waiting = 0
		b.generation++
		b.cond.Broadcast()
		return
	}
	for gen == b.generation {
		b.cond.Wait()
	}
}

// barrierStore holds every transaction between its body and its commit
// until all parties have reached the same point.
type barrierStore struct {
	repository.AccountStore
	barrier *cyclicBarrier
	armed   bool
	mu      sync.Mutex
}

func (s *barrierStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *barrierStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.AccountTx) error) error {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if !armed {
		return s.AccountStore.RunInTx(ctx, fn)
	}
	return s.AccountStore.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		err := fn(ctx, tx)
		s.barrier.await()
		return err
	})
}

// failingCommitStore runs the body and then reports a conflict instead of
// committing, for every transaction that wrote. Read-only transactions pass.
type failingCommitStore struct {
	repository.AccountStore
	mu    sync.Mutex
	armed bool
}

func (s *failingCommitStore) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *failingCommitStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.AccountTx) error) error {
	s.mu.Lock()
	armed := s.armed
	s.mu.Unlock()
	if !armed {
		return s.AccountStore.RunInTx(ctx, fn)
	}
	return s.AccountStore.RunInTx(ctx, func(ctx context.Context, tx repository.AccountTx) error {
		tracked := &writeTrackingTx{AccountTx: tx}
		if err := fn(ctx, tracked); err != nil {
			return err
		}
		if tracked.wrote {
			return repository.ErrConflict
		}
		return nil
	})
}

type writeTrackingTx struct {
	repository.AccountTx
	wrote bool
}

func (tx *writeTrackingTx) Insert(ctx context.Context, account *domain.Account) error {
	tx.wrote = true
	return tx.AccountTx.Insert(ctx, account)
}

func (tx *writeTrackingTx) Update(ctx context.Context, account *domain.Account) error {
	tx.wrote = true
	return tx.AccountTx.Update(ctx, account)
}

func (tx *writeTrackingTx) Delete(ctx context.Context, id string) error {
	tx.wrote = true
	return tx.AccountTx.Delete(ctx, id)
}

func (tx *writeTrackingTx) PutStats(ctx context.Context, stats *domain.AccountStats) error {
	tx.wrote = true
	return tx.AccountTx.PutStats(ctx, stats)
}

func (tx *writeTrackingTx) AppendAudit(ctx context.Context, entry *domain.AuditLogEntry) error {
	tx.wrote = true
	return tx.AccountTx.AppendAudit(ctx, entry)
}

// recordingTokenStore remembers every token id ever stored.
type recordingTokenStore struct {
	repository.TokenStore
	mu  sync.Mutex
	ids []string
}

func (s *recordingTokenStore) Put(ctx context.Context, token *domain.SessionToken) error {
	s.mu.Lock()
	s.ids = append(s.ids, token.ID)
	s.mu.Unlock()
	return s.TokenStore.Put(ctx, token)
}
