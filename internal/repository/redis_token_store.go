package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/identity-service/internal/domain"
)

const defaultTokenPrefix = "identity:"

// RedisTokenStore keeps each token under its own key with a Redis expiry
// matching ExpiresAt, plus a per-account set used for bulk revocation.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisTokenStore returns a TokenStore backed by client. An empty prefix
// falls back to "identity:".
func NewRedisTokenStore(client *redis.Client, prefix string) *RedisTokenStore {
	if prefix == "" {
		prefix = defaultTokenPrefix
	}
	return &RedisTokenStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisTokenStore) tokenKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *RedisTokenStore) accountKey(accountID string) string {
	return s.prefix + "account_sessions:" + accountID
}

// Put implements TokenStore.
func (s *RedisTokenStore) Put(ctx context.Context, token *domain.SessionToken) error {
	ttl := token.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("token %s already expired", token.ID)
	}
	payload, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(token.ID), payload, ttl)
		pipe.SAdd(ctx, s.accountKey(token.AccountID), token.ID)
		pipe.Expire(ctx, s.accountKey(token.AccountID), ttl)
		return nil
	})
	return err
}

// Get implements TokenStore.
func (s *RedisTokenStore) Get(ctx context.Context, id string) (*domain.SessionToken, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var token domain.SessionToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &token, nil
}

// Delete implements TokenStore.
func (s *RedisTokenStore) Delete(ctx context.Context, id string) error {
	token, err := s.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.tokenKey(id))
		pipe.SRem(ctx, s.accountKey(token.AccountID), id)
		return nil
	})
	return err
}

// DeleteAllForAccount implements TokenStore.
func (s *RedisTokenStore) DeleteAllForAccount(ctx context.Context, accountID string) error {
	ids, err := s.client.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Del(ctx, s.tokenKey(id))
		}
		pipe.Del(ctx, s.accountKey(accountID))
		return nil
	})
	return err
}

// Close implements TokenStore. The client is owned by persistence.Redis.
func (s *RedisTokenStore) Close() error {
	return nil
}
