/*
Package redislock implements allocation.Locker on Redis.

PURPOSE:
  The in-process KeyedMutex only serializes requests handled by one
  server. When several instances share the same database, per-user
  mutual exclusion has to live outside the process.

PROTOCOL:
  Lock:   SET <prefix><key> <token> NX PX <ttl>, retried every RetryInterval
          until it succeeds or ctx is done
  Unlock: compare-and-delete script, so an instance whose lease expired
          never deletes a lock that another instance now holds

LEASE:
  TTL bounds how long a crashed holder can block a user. It must be longer
  than the slowest allocation transaction.
*/
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/slice/allocation-engine/allocation"
)

const (
	DefaultPrefix        = "slice:lock:user:"
	DefaultTTL           = 5 * time.Second
	DefaultRetryInterval = 50 * time.Millisecond
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var _ allocation.Locker = (*Locker)(nil)

// Options configures a Locker. Zero values get defaults.
type Options struct {
	Prefix        string
	TTL           time.Duration
	RetryInterval time.Duration
	Logger        *slog.Logger
}

type Locker struct {
	client redis.UniversalClient
	opts   Options
}

func New(client redis.UniversalClient, opts Options) *Locker {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Locker{client: client, opts: opts}
}

// NewClient connects to a single Redis node and pings it.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Lock blocks until the key is acquired or ctx is done.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.opts.Prefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.opts.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.opts.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(redisKey, token) })
	}, nil
}

// release runs on a fresh context: the request context may already be
// cancelled by the time the deferred unlock fires.
func (l *Locker) release(redisKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.TTL)
	defer cancel()

	n, err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Int()
	if err != nil {
		l.opts.Logger.Error("failed to release lock", slog.String("key", redisKey), slog.Any("err", err))
		return
	}
	if n == 0 {
		l.opts.Logger.Warn("lock expired before release", slog.String("key", redisKey))
	}
}
