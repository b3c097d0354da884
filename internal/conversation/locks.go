package conversation

import (
	"context"
	"sync"
)

// sceneLocks serializes work per scene. Waiters block until the lock is free
// or their context ends.
type sceneLocks struct {
	mu    sync.Mutex
	locks map[string]*sceneLock
}

type sceneLock struct {
	sem  chan struct{}
	refs int
}

func newSceneLocks() *sceneLocks {
	return &sceneLocks{locks: make(map[string]*sceneLock)}
}

// acquire takes the lock for key and returns its release func
func (l *sceneLocks) acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sceneLock{sem: make(chan struct{}, 1)}
		l.locks[key] = lock
	}
	lock.refs++
	l.mu.Unlock()

	select {
	case lock.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-lock.sem
				l.unref(key, lock)
			})
		}, nil
	case <-ctx.Done():
		l.unref(key, lock)
		return nil, ctx.Err()
	}
}

func (l *sceneLocks) unref(key string, lock *sceneLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, key)
	}
}

// size returns how many scenes currently have holders or waiters
func (l *sceneLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
