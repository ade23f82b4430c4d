package state

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errLockWait marks a single acquisition attempt that ran out of time.
var errLockWait = errors.New("lock wait exceeded")

// Locker hands out exclusive per-key locks with a bounded wait. Unused keys
// are dropped from the table once their last holder or waiter leaves.
type Locker struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	timeout time.Duration
}

type keyLock struct {
	sem  chan struct{}
	refs int
}

// NewLocker creates a Locker whose Acquire waits at most timeout per attempt.
func NewLocker(timeout time.Duration) *Locker {
	return &Locker{locks: make(map[string]*keyLock), timeout: timeout}
}

// Timeout returns the per-attempt wait bound.
func (l *Locker) Timeout() time.Duration { return l.timeout }

// Acquire blocks until the lock for key is held, the per-attempt timeout
// elapses or ctx is done. On success the returned release func must be
// called exactly once.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), time.Duration, error) {
	start := time.Now()
	kl := l.ref(key)

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case kl.sem <- struct{}{}:
	case <-timeout:
		l.unref(key)
		return nil, time.Since(start), errLockWait
	case <-ctx.Done():
		l.unref(key)
		return nil, time.Since(start), ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-kl.sem
			l.unref(key)
		})
	}
	return release, time.Since(start), nil
}

// TryAcquire takes the lock only if it is free right now.
func (l *Locker) TryAcquire(key string) (func(), bool) {
	kl := l.ref(key)
	select {
	case kl.sem <- struct{}{}:
	default:
		l.unref(key)
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-kl.sem
			l.unref(key)
		})
	}, true
}

// Held reports how many keys currently have a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

func (l *Locker) ref(key string) *keyLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	return kl
}

func (l *Locker) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.locks[key]
	if !ok {
		return
	}
	kl.refs--
	if kl.refs <= 0 {
		delete(l.locks, key)
	}
}
