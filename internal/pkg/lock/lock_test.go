package lock

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Acquire(context.Background(), "entry", 0)
			if !assert.NoError(t, err) {
				return
			}
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside.Load())
}

func TestLocal_TimesOutAndUnlockIsIdempotent(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "k", 0)
	assert.ErrorIs(t, err, ErrLockHeld)

	other, err := l.Acquire(context.Background(), "other", 0)
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := l.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
	again()
}

func TestRedis_UnreachableServerFails(t *testing.T) {
	r := NewRedis(RedisOptions{Addr: "127.0.0.1:1"})
	defer r.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.Acquire(ctx, "entry", time.Second)
	assert.Error(t, err)
}

// memRedis is an in-memory stand-in for the commands the lock sends,
// including key expiry.
type memRedis struct {
	mu      sync.Mutex
	vals    map[string]string
	expires map[string]time.Time
	renews  atomic.Int32
}

func newMemRedis() *memRedis {
	return &memRedis{vals: map[string]string{}, expires: map[string]time.Time{}}
}

func (m *memRedis) getLocked(key string) (string, bool) {
	v, ok := m.vals[key]
	if ok && time.Now().After(m.expires[key]) {
		delete(m.vals, key)
		delete(m.expires, key)
		return "", false
	}
	return v, ok
}

func (m *memRedis) value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key)
}

func (m *memRedis) SetNX(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.getLocked(key); ok {
		return redis.NewBoolResult(false, nil)
	}
	m.vals[key] = value.(string)
	m.expires[key] = time.Now().Add(expiration)
	return redis.NewBoolResult(true, nil)
}

func (m *memRedis) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.getLocked(keys[0])
	if !ok || cur != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch {
	case strings.Contains(script, "PEXPIRE"):
		m.expires[keys[0]] = time.Now().Add(time.Duration(args[1].(int64)) * time.Millisecond)
		m.renews.Add(1)
	case strings.Contains(script, "DEL"):
		delete(m.vals, keys[0])
		delete(m.expires, keys[0])
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (m *memRedis) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }
func (m *memRedis) Close() error { return nil }

func TestRedis_HolderKeepsLockPastTTL(t *testing.T) {
	mem := newMemRedis()
	r := newRedis(mem, "test:")
	r.poll = 5 * time.Millisecond

	unlock, err := r.Acquire(context.Background(), "entry", 60*time.Millisecond)
	require.NoError(t, err)

	// held for several TTLs; renewal keeps a second process out
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "entry", 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Positive(t, mem.renews.Load())

	unlock()
	unlock()
	_, held := mem.value("test:entry")
	assert.False(t, held)

	again, err := r.Acquire(context.Background(), "entry", time.Second)
	require.NoError(t, err)
	again()
}

func TestRedis_UnlockLeavesOtherHoldersToken(t *testing.T) {
	mem := newMemRedis()
	r := newRedis(mem, "test:")

	unlock, err := r.Acquire(context.Background(), "entry", time.Second)
	require.NoError(t, err)
	// the key changed hands, e.g. after an expiry
	mem.mu.Lock()
	mem.vals["test:entry"] = "someone-else"
	mem.mu.Unlock()

	unlock()
	v, held := mem.value("test:entry")
	assert.True(t, held)
	assert.Equal(t, "someone-else", v)
	require.NoError(t, r.Ping(context.Background()))
}
