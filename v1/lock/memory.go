package lock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type lockState struct {
	sem     *Semaphore
	timer   *time.Timer
	holding bool
	gen     uint64
}

// InMemory implements Locker with one capacity-1 Semaphore per key, so
// blocked Acquire calls are served in arrival order.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

// NewInMemory returns a new in-memory locker.
func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]*lockState)}
}

func (l *InMemory) state(key string) *lockState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	if !ok {
		st = &lockState{sem: NewMutex()}
		l.locks[key] = st
	}
	return st
}

func (l *InMemory) granted(key string, st *lockState, ttl time.Duration) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	st.holding = true
	st.gen++
	gen := st.gen
	if ttl > 0 {
		st.timer = time.AfterFunc(ttl, func() {
			l.release(key, gen)
		})
	}
	return gen
}

// TryLock attempts to obtain the lock without waiting. It returns true on success.
func (l *InMemory) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	st := l.state(key)
	if !st.sem.TryAcquire() {
		return false, nil
	}
	l.granted(key, st, ttl)
	return true, nil
}

// Acquire blocks until the lock is obtained or the context is cancelled.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := l.AcquireGrant(ctx, key, ttl)
	return err
}

// AcquireGrant is Acquire returning the generation of the new holding.
func (l *InMemory) AcquireGrant(ctx context.Context, key string, ttl time.Duration) (string, error) {
	st := l.state(key)
	if err := st.sem.Acquire(ctx); err != nil {
		return "", err
	}
	return strconv.FormatUint(l.granted(key, st, ttl), 10), nil
}

// Release frees the lock for the given key.
func (l *InMemory) Release(ctx context.Context, key string) error {
	l.release(key, 0)
	return nil
}

// ReleaseGrant frees key if grant is still its current holding.
func (l *InMemory) ReleaseGrant(ctx context.Context, key, grant string) error {
	gen, err := strconv.ParseUint(grant, 10, 64)
	if err != nil || gen == 0 {
		return fmt.Errorf("lock: invalid grant %q for %s", grant, key)
	}
	l.release(key, gen)
	return nil
}

// release frees key. A non-zero gen only matches the grant it was taken
// for, so a stale TTL timer cannot free a later holder.
func (l *InMemory) release(key string, gen uint64) {
	l.mu.Lock()
	st, ok := l.locks[key]
	if !ok || !st.holding || (gen != 0 && st.gen != gen) {
		l.mu.Unlock()
		return
	}
	st.holding = false
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	l.mu.Unlock()
	st.sem.Release()
}

// Held reports whether key is currently locked.
func (l *InMemory) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.locks[key]
	return ok && st.holding
}
