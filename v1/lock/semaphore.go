package lock

import (
	"container/list"
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
)

const (
	// Unbounded is the capacity of a semaphore that never blocks.
	Unbounded = math.MaxInt
	// Forever disables the timeout of AcquireTimeout.
	Forever time.Duration = math.MaxInt64
)

type semWaiter struct {
	ready chan struct{}
	err   error
}

// Semaphore is a counting lock with FIFO hand-off. A release passes its
// permit straight to the oldest waiter, so late callers never overtake
// queued ones.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	held     int
	waiters  list.List
	closed   bool
}

// NewSemaphore returns a semaphore with the given capacity. Values other than
// a positive number or Unbounded fall back to 1.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// NewMutex returns a semaphore of capacity 1.
func NewMutex() *Semaphore {
	return NewSemaphore(1)
}

// Capacity returns the maximum number of concurrent holders.
func (s *Semaphore) Capacity() int {
	return s.capacity
}

// Held returns the number of permits currently granted.
func (s *Semaphore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// Waiting returns the number of queued acquirers.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters.Len()
}

// TryAcquire grants a permit if one is free and never blocks.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.held >= s.capacity {
		return false
	}
	s.held++
	return true
}

// Acquire blocks until a permit is handed over or ctx is done. A free permit
// is granted even when ctx has already expired.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return tserrors.ErrClosed
	}
	if s.held < s.capacity {
		s.held++
		s.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %w", tserrors.ErrTimeout, err)
	}
	w := &semWaiter{ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-w.ready:
		// handed a permit while the deadline fired; keep it
		s.mu.Unlock()
		return w.err
	default:
	}
	s.waiters.Remove(elem)
	s.mu.Unlock()
	return fmt.Errorf("%w: %w", tserrors.ErrTimeout, ctx.Err())
}

// AcquireTimeout is Acquire bounded by d. Forever waits without limit; a
// zero or negative d fails immediately unless a permit is free.
func (s *Semaphore) AcquireTimeout(d time.Duration) bool {
	ctx := context.Background()
	if d != Forever {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return s.Acquire(ctx) == nil
}

// Release returns a permit. Releasing an idle semaphore is a no-op.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held == 0 {
		return
	}
	if front := s.waiters.Front(); front != nil {
		s.waiters.Remove(front)
		close(front.Value.(*semWaiter).ready)
		return
	}
	s.held--
}

// Close fails every queued acquirer with ErrClosed. Permits already granted
// stay valid and may still be released.
func (s *Semaphore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for e := s.waiters.Front(); e != nil; e = s.waiters.Front() {
		s.waiters.Remove(e)
		w := e.Value.(*semWaiter)
		w.err = tserrors.ErrClosed
		close(w.ready)
	}
}

// WithLock runs fn while holding a permit of s. When the permit cannot be
// obtained before ctx is done, fn is not called and acquired is false.
func WithLock[T any](ctx context.Context, s *Semaphore, fn func(context.Context) (T, error)) (acquired bool, result T, err error) {
	if err := s.Acquire(ctx); err != nil {
		return false, result, err
	}
	defer s.Release()
	result, err = fn(ctx)
	return true, result, err
}

// TryWithLock is the non-blocking form of WithLock.
func TryWithLock[T any](ctx context.Context, s *Semaphore, fn func(context.Context) (T, error)) (acquired bool, result T, err error) {
	if !s.TryAcquire() {
		return false, result, nil
	}
	defer s.Release()
	result, err = fn(ctx)
	return true, result, err
}
