package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tothemoon/internal/logger"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

const defaultPollInterval = 50 * time.Millisecond

// client is the part of go-redis the lock uses.
type client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Redis implements Locker with SETNX + TTL and a compare-and-delete unlock,
// so a holder whose TTL lapsed never releases somebody else's lock. While
// held, the TTL is extended every ttl/3 so slow holders keep it.
type Redis struct {
	rdb    client
	prefix string
	poll   time.Duration
	log    *logger.Component
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedis(opts RedisOptions) *Redis {
	c := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 3 * time.Second,
	})
	return NewRedisWithClient(c, opts.Prefix)
}

func NewRedisWithClient(rdb redis.UniversalClient, prefix string) *Redis {
	return newRedis(rdb, prefix)
}

func newRedis(rdb client, prefix string) *Redis {
	if prefix == "" {
		prefix = "tothemoon:lock:"
	}
	return &Redis{rdb: rdb, prefix: prefix, poll: defaultPollInterval, log: logger.With("lock")}
}

// Ping checks connectivity at startup.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }

// Acquire polls SETNX until it wins or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token := uuid.NewString()
	lk := r.prefix + key
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, key)
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(lk, token, ttl, stop, done)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.rdb.Eval(unlockCtx, unlockLua, []string{lk}, token).Err(); err != nil {
				r.log.Warnf("release %s failed, it expires with its ttl: %v", lk, err)
			}
		})
	}
	return unlock, nil
}

// keepAlive extends the TTL until stop closes or the token no longer owns
// the key.
func (r *Redis) keepAlive(lk, token string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
		n, err := r.rdb.Eval(ctx, renewLua, []string{lk}, token, ttl.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			r.log.Warnf("renew %s failed: %v", lk, err)
		case n == 0:
			r.log.Errorf("lock %s lost before release", lk)
			return
		}
	}
}

var _ Locker = (*Redis)(nil)
