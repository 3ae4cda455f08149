package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/costing_backend/config"
)

var ErrLockNotObtained = errors.New("lock not obtained")

// Locker hands out short-lived exclusive locks across instances.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type RedisLocker struct {
	Client *redislock.Client
}

// NewRedisLocker returns nil when redis is not connected, which disables locking.
func NewRedisLocker(client *redislock.Client) Locker {
	if client == nil {
		return nil
	}
	return RedisLocker{Client: client}
}

func (l RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrLockNotObtained
	} else if err != nil {
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

func ledgerLockKey(eventId string) string {
	return fmt.Sprintf("ledger:%s", eventId)
}

// lockEvent takes the redis lock for one ledger event. Without a locker it is a no-op.
func (e *Engine) lockEvent(ctx context.Context, eventId string) (func(), error) {
	if e.Locker == nil {
		return func() {}, nil
	}
	ttl := e.Settings.StageTimeout + 30*time.Second
	release, err := e.Locker.Obtain(ctx, ledgerLockKey(eventId), ttl)
	if err != nil {
		if !errors.Is(err, ErrLockNotObtained) {
			config.LogError(e.logger(), "Cascade", "lockEvent", "obtain ledger lock", eventId, err)
		}
		return nil, err
	}
	return release, nil
}
