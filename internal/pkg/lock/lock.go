// Package lock serializes admission across goroutines (Local) or processes
// (Redis) keyed by a string.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockHeld is returned when the lock could not be obtained before the
// context expired.
var ErrLockHeld = errors.New("lock: held by another holder")

// Locker acquires a named lock. The returned unlock func is safe to call more
// than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Local is an in-process keyed mutex. ttl is ignored.
type Local struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]chan struct{})}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *Local) Acquire(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Join(ErrLockHeld, ctx.Err())
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

var _ Locker = (*Local)(nil)
