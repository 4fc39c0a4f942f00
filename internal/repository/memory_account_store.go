package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spec-kit/identity-service/internal/domain"
)

const indexKey = "accounts"

func accountKey(id string) string  { return "a:" + id }
func emailKey(email string) string { return "e:" + email }
func statsKey(id string) string    { return "s:" + id }
func auditKey(id string) string    { return "l:" + id }

// MemoryAccountStore is an in-process AccountStore. Transactions are
// optimistic: every key a transaction touches is versioned, and a commit
// fails with ErrConflict if any of those versions moved in the meantime.
// Read-only transactions are not validated.
type MemoryAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*domain.Account
	emails   map[string]string
	stats    map[string]*domain.AccountStats
	audits   map[string][]domain.AuditLogEntry
	// versions survive deletes so a removed and re-created key still
	// conflicts with transactions that saw the old one.
	versions map[string]uint64
}

// NewMemoryAccountStore returns an empty store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{
		accounts: make(map[string]*domain.Account),
		emails:   make(map[string]string),
		stats:    make(map[string]*domain.AccountStats),
		audits:   make(map[string][]domain.AuditLogEntry),
		versions: make(map[string]uint64),
	}
}

// RunInTx implements AccountStore.
func (s *MemoryAccountStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx AccountTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memoryTx{
		store:     s,
		seen:      make(map[string]uint64),
		accounts:  make(map[string]*domain.Account),
		emails:    make(map[string]string),
		stats:     make(map[string]*domain.AccountStats),
		audits:    make(map[string][]domain.AuditLogEntry),
		dropAudit: make(map[string]bool),
	}
	// A panic in fn unwinds past this point and the buffered writes are
	// simply dropped.
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// Close implements AccountStore.
func (s *MemoryAccountStore) Close() error {
	return nil
}

type memoryTx struct {
	store *MemoryAccountStore
	seen  map[string]uint64

	// Buffered writes. A nil account or stats value marks a delete and an
	// empty email owner marks a released address.
	accounts     map[string]*domain.Account
	emails       map[string]string
	stats        map[string]*domain.AccountStats
	audits       map[string][]domain.AuditLogEntry
	dropAudit    map[string]bool
	indexChanged bool
	wrote        bool
}

// observe records the committed version of key the first time the
// transaction depends on it. Callers hold the store read lock.
func (tx *memoryTx) observe(key string) {
	if _, ok := tx.seen[key]; !ok {
		tx.seen[key] = tx.store.versions[key]
	}
}

func (tx *memoryTx) lookup(id string) (*domain.Account, bool) {
	if acc, ok := tx.accounts[id]; ok {
		return acc, acc != nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	tx.observe(accountKey(id))
	acc, ok := tx.store.accounts[id]
	return acc, ok
}

func (tx *memoryTx) emailOwner(email string) (string, bool) {
	if owner, ok := tx.emails[email]; ok {
		return owner, owner != ""
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	tx.observe(emailKey(email))
	owner, ok := tx.store.emails[email]
	return owner, ok
}

func (tx *memoryTx) Get(_ context.Context, id string) (*domain.Account, error) {
	acc, ok := tx.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	return acc.Clone(), nil
}

func (tx *memoryTx) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	owner, ok := tx.emailOwner(domain.NormalizeEmail(email))
	if !ok {
		return nil, ErrNotFound
	}
	return tx.Get(ctx, owner)
}

func (tx *memoryTx) Insert(_ context.Context, account *domain.Account) error {
	if _, exists := tx.lookup(account.ID); exists {
		return fmt.Errorf("%w: account %s already exists", ErrConflict, account.ID)
	}
	email := domain.NormalizeEmail(account.Email)
	if _, taken := tx.emailOwner(email); taken {
		return fmt.Errorf("%w: email already registered", ErrConflict)
	}
	cp := account.Clone()
	cp.Email = email
	tx.accounts[cp.ID] = cp
	tx.emails[email] = cp.ID
	tx.indexChanged = true
	tx.wrote = true
	return nil
}

func (tx *memoryTx) Update(_ context.Context, account *domain.Account) error {
	current, ok := tx.lookup(account.ID)
	if !ok {
		return ErrNotFound
	}
	email := domain.NormalizeEmail(account.Email)
	if email != current.Email {
		if owner, taken := tx.emailOwner(email); taken && owner != account.ID {
			return fmt.Errorf("%w: email already registered", ErrConflict)
		}
		tx.emails[current.Email] = ""
		tx.emails[email] = account.ID
	}
	cp := account.Clone()
	cp.Email = email
	tx.accounts[cp.ID] = cp
	tx.wrote = true
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, id string) error {
	current, ok := tx.lookup(id)
	if !ok {
		return ErrNotFound
	}
	tx.store.mu.RLock()
	tx.observe(statsKey(id))
	tx.observe(auditKey(id))
	tx.store.mu.RUnlock()

	tx.accounts[id] = nil
	tx.emails[current.Email] = ""
	tx.stats[id] = nil
	tx.dropAudit[id] = true
	delete(tx.audits, id)
	tx.indexChanged = true
	tx.wrote = true
	return nil
}

func (tx *memoryTx) List(_ context.Context, filter AccountFilter) ([]domain.Account, error) {
	tx.store.mu.RLock()
	tx.observe(indexKey)
	ids := make([]string, 0, len(tx.store.accounts)+len(tx.accounts))
	for id := range tx.store.accounts {
		ids = append(ids, id)
	}
	tx.store.mu.RUnlock()
	for id, acc := range tx.accounts {
		if acc != nil {
			ids = append(ids, id)
		}
	}

	seen := make(map[string]struct{}, len(ids))
	out := make([]domain.Account, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		acc, ok := tx.lookup(id)
		if !ok || !matches(acc, filter) {
			continue
		}
		out = append(out, *acc.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	limit, offset := filter.window()
	if offset >= len(out) {
		return []domain.Account{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(acc *domain.Account, f AccountFilter) bool {
	if len(f.Roles) > 0 {
		found := false
		for _, r := range f.Roles {
			if acc.Role == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.State != nil && acc.State != *f.State {
		return false
	}
	if f.Visibility != nil && acc.Visibility != *f.Visibility {
		return false
	}
	return true
}

func (tx *memoryTx) Stats(_ context.Context, accountID string) (*domain.AccountStats, error) {
	if st, ok := tx.stats[accountID]; ok {
		if st == nil {
			return nil, ErrNotFound
		}
		return st.Clone(), nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	tx.observe(statsKey(accountID))
	st, ok := tx.store.stats[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return st.Clone(), nil
}

func (tx *memoryTx) PutStats(_ context.Context, stats *domain.AccountStats) error {
	if _, ok := tx.lookup(stats.AccountID); !ok {
		return ErrNotFound
	}
	tx.store.mu.RLock()
	tx.observe(statsKey(stats.AccountID))
	tx.store.mu.RUnlock()
	tx.stats[stats.AccountID] = stats.Clone()
	tx.wrote = true
	return nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, entry *domain.AuditLogEntry) error {
	if _, ok := tx.lookup(entry.AccountID); !ok {
		return ErrNotFound
	}
	tx.store.mu.RLock()
	tx.observe(auditKey(entry.AccountID))
	tx.store.mu.RUnlock()
	tx.audits[entry.AccountID] = append(tx.audits[entry.AccountID], *entry)
	tx.wrote = true
	return nil
}

func (tx *memoryTx) AuditLog(_ context.Context, accountID string) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	if !tx.dropAudit[accountID] {
		tx.store.mu.RLock()
		tx.observe(auditKey(accountID))
		out = append(out, tx.store.audits[accountID]...)
		tx.store.mu.RUnlock()
	}
	return append(out, tx.audits[accountID]...), nil
}

func (tx *memoryTx) commit() error {
	if !tx.wrote {
		return nil
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, version := range tx.seen {
		if s.versions[key] != version {
			return fmt.Errorf("%w: concurrent modification of %s", ErrConflict, key)
		}
	}

	for id, acc := range tx.accounts {
		if acc == nil {
			delete(s.accounts, id)
		} else {
			s.accounts[id] = acc
		}
		s.versions[accountKey(id)]++
	}
	for email, owner := range tx.emails {
		if owner == "" {
			delete(s.emails, email)
		} else {
			s.emails[email] = owner
		}
		s.versions[emailKey(email)]++
	}
	for id, st := range tx.stats {
		if st == nil {
			delete(s.stats, id)
		} else {
			s.stats[id] = st
		}
		s.versions[statsKey(id)]++
	}
	for id := range tx.dropAudit {
		delete(s.audits, id)
		s.versions[auditKey(id)]++
	}
	for id, entries := range tx.audits {
		s.audits[id] = append(s.audits[id], entries...)
		s.versions[auditKey(id)]++
	}
	if tx.indexChanged {
		s.versions[indexKey]++
	}
	return nil
}
