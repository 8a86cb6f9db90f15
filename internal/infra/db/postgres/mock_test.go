//go:build !integration

package postgres

import (
	"context"
	"sync"
	"time"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"

	"github.com/go-redis/redis/v8"
)

// --- Mocks for Cache Decorator Tests ---

type mockInnerAccountRepo struct {
	SaveFunc              func(ctx context.Context, tx repository.Tx, a *model.Account) error
	FindByIDFunc          func(ctx context.Context, tx repository.Tx, id string) (*model.Account, error)
	FindByIDForUpdateFunc func(ctx context.Context, tx repository.Tx, id string) (*model.Account, error)
	UpdateBalancesFunc    func(ctx context.Context, tx repository.Tx, a *model.Account) error
}

func (m *mockInnerAccountRepo) Save(ctx context.Context, tx repository.Tx, a *model.Account) error {
	return m.SaveFunc(ctx, tx, a)
}
func (m *mockInnerAccountRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	return m.FindByIDFunc(ctx, tx, id)
}
func (m *mockInnerAccountRepo) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	return m.FindByIDForUpdateFunc(ctx, tx, id)
}
func (m *mockInnerAccountRepo) UpdateBalances(ctx context.Context, tx repository.Tx, a *model.Account) error {
	return m.UpdateBalancesFunc(ctx, tx, a)
}

// mockRedisClient is an in-memory stand-in for red.RedisClient.
type mockRedisClient struct {
	mu   sync.Mutex
	data map[string]string
	dels []string
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{data: map[string]string{}}
}

func (m *mockRedisClient) Ping(ctx context.Context) error { return nil }
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	}
	return nil
}
func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}
func (m *mockRedisClient) Incr(ctx context.Context, key string) (int64, error) { return 1, nil }
func (m *mockRedisClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return nil
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		m.dels = append(m.dels, k)
	}
	return nil
}
func (m *mockRedisClient) Close() error { return nil }
