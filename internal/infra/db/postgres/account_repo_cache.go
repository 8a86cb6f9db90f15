package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vibephoto/internal/domain/model"
	"vibephoto/internal/domain/ports/repository"
	"vibephoto/internal/infra/metrics"
	red "vibephoto/internal/infra/redis"
)

var (
	_ repository.AccountRepository = (*accountRepoCacheDecorator)(nil)
	_ repository.BalanceCache      = (*accountRepoCacheDecorator)(nil)
)

// accountRepoCacheDecorator caches non-transactional account reads in Redis.
// Reads inside a transaction always hit the database.
type accountRepoCacheDecorator struct {
	inner   repository.AccountRepository
	cache   red.RedisClient
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *zerolog.Logger
}

func NewAccountRepoCacheDecorator(inner repository.AccountRepository, cache red.RedisClient, ttl time.Duration, m *metrics.Metrics, logger *zerolog.Logger) *accountRepoCacheDecorator {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &accountRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, metrics: m, logger: logger}
}

func accountKey(id string) string { return fmt.Sprintf("account:id:%s", id) }

func (d *accountRepoCacheDecorator) Invalidate(ctx context.Context, accountID string) error {
	return d.cache.Del(ctx, accountKey(accountID))
}

func (d *accountRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, a *model.Account) error {
	_ = d.cache.Del(ctx, accountKey(a.ID))
	return d.inner.Save(ctx, tx, a)
}

func (d *accountRepoCacheDecorator) UpdateBalances(ctx context.Context, tx repository.Tx, a *model.Account) error {
	_ = d.cache.Del(ctx, accountKey(a.ID))
	return d.inner.UpdateBalances(ctx, tx, a)
}

func (d *accountRepoCacheDecorator) FindByIDForUpdate(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	return d.inner.FindByIDForUpdate(ctx, tx, id)
}

func (d *accountRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Account, error) {
	if tx != nil {
		return d.inner.FindByID(ctx, tx, id)
	}

	key := accountKey(id)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var acc model.Account
		if json.Unmarshal([]byte(val), &acc) == nil {
			d.metrics.IncCacheRequest("account", "hit")
			return &acc, nil
		}
	} else if !errors.Is(err, red.Nil) {
		d.logger.Warn().Err(err).Str("key", key).Msg("account cache read failed")
	}

	d.metrics.IncCacheRequest("account", "miss")
	acc, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(acc); err == nil {
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return acc, nil
}
