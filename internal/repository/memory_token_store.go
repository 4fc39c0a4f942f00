package repository

import (
	"context"
	"sync"

	"github.com/spec-kit/identity-service/internal/domain"
)

// MemoryTokenStore is an in-process TokenStore. Expired entries are left
// for the session service to purge on access.
type MemoryTokenStore struct {
	mu        sync.RWMutex
	tokens    map[string]domain.SessionToken
	byAccount map[string]map[string]struct{}
}

// NewMemoryTokenStore returns an empty store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		tokens:    make(map[string]domain.SessionToken),
		byAccount: make(map[string]map[string]struct{}),
	}
}

// Put implements TokenStore.
func (s *MemoryTokenStore) Put(_ context.Context, token *domain.SessionToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = *token
	ids := s.byAccount[token.AccountID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byAccount[token.AccountID] = ids
	}
	ids[token.ID] = struct{}{}
	return nil
}

// Get implements TokenStore.
func (s *MemoryTokenStore) Get(_ context.Context, id string) (*domain.SessionToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &token, nil
}

// Delete implements TokenStore.
func (s *MemoryTokenStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok {
		return nil
	}
	delete(s.tokens, id)
	if ids := s.byAccount[token.AccountID]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(s.byAccount, token.AccountID)
		}
	}
	return nil
}

// DeleteAllForAccount implements TokenStore.
func (s *MemoryTokenStore) DeleteAllForAccount(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.byAccount[accountID] {
		delete(s.tokens, id)
	}
	delete(s.byAccount, accountID)
	return nil
}

// Close implements TokenStore.
func (s *MemoryTokenStore) Close() error {
	return nil
}
