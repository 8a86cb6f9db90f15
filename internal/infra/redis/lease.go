// File: internal/infra/redis/lease.go
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// ErrLeaseHeld is returned when another instance owns the lease.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Lease is an exclusive, expiring claim on a key.
type Lease interface {
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Leaser hands out redsync mutexes so that a single replica owns work such
// as polling one job.
type Leaser struct {
	rs     *redsync.Redsync
	prefix string
}

func NewLeaser(c *Client, prefix string) *Leaser {
	return &Leaser{
		rs:     redsync.New(goredis.NewPool(c.Raw())),
		prefix: prefix,
	}
}

// Acquire tries once to take the lease for key. It does not wait for a
// held lease to be released.
func (l *Leaser) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	m := l.rs.NewMutex(l.prefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := m.LockContext(ctx); err != nil {
		var takenPtr *redsync.ErrTaken
		var taken redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &takenPtr) || errors.As(err, &taken) {
			return nil, ErrLeaseHeld
		}
		return nil, err
	}
	return &mutexLease{m: m}, nil
}

type mutexLease struct {
	m *redsync.Mutex
}

func (l *mutexLease) Extend(ctx context.Context) error {
	ok, err := l.m.ExtendContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLeaseHeld
	}
	return nil
}

func (l *mutexLease) Release(ctx context.Context) error {
	_, err := l.m.UnlockContext(ctx)
	return err
}
