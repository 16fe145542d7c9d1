package lock

import (
	"container/list"
	"context"
	"fmt"
	"sync"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
)

type condWaiter struct {
	token string
	ready chan struct{}
	err   error
}

// Cond is a FIFO wait/notify primitive paired with a Semaphore, with monitor
// semantics: the caller holds the semaphore before and after Wait.
//
// Waiters are queued before the semaphore is released, so a notifier that
// must first take the semaphore cannot miss them.
type Cond struct {
	mu      sync.Mutex
	waiters list.List
	closed  bool
}

// NewCond returns an empty Cond.
func NewCond() *Cond {
	return &Cond{}
}

// Pending returns the number of parties currently waiting.
func (c *Cond) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}

// Wait releases l, suspends until signalled or ctx is done, and re-acquires
// l before returning. It returns ErrTimeout when ctx ended first.
func (c *Cond) Wait(ctx context.Context, l *Semaphore) error {
	return c.WaitToken(ctx, l, "")
}

// WaitToken is Wait for a waiter that Notify can target by token.
func (c *Cond) WaitToken(ctx context.Context, l *Semaphore, token string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return tserrors.ErrClosed
	}
	w := &condWaiter{token: token, ready: make(chan struct{})}
	elem := c.waiters.PushBack(w)
	c.mu.Unlock()

	l.Release()

	var err error
	select {
	case <-w.ready:
		err = w.err
	case <-ctx.Done():
		c.mu.Lock()
		select {
		case <-w.ready:
			err = w.err
		default:
			c.waiters.Remove(elem)
			err = fmt.Errorf("%w: %w", tserrors.ErrTimeout, ctx.Err())
		}
		c.mu.Unlock()
	}

	if aerr := l.Acquire(context.WithoutCancel(ctx)); aerr != nil {
		return aerr
	}
	return err
}

// Signal wakes the oldest waiter. It is a no-op when nobody waits.
func (c *Cond) Signal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if front := c.waiters.Front(); front != nil {
		c.wake(front, nil)
	}
}

// Notify wakes the oldest waiter registered with token and reports whether
// one was found. Notifications nobody waits for are dropped.
func (c *Cond) Notify(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*condWaiter).token == token {
			c.wake(e, nil)
			return true
		}
	}
	return false
}

// Broadcast wakes every current waiter.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		c.wake(e, nil)
	}
}

// Close wakes every waiter with ErrClosed and rejects later waits.
func (c *Cond) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for e := c.waiters.Front(); e != nil; e = c.waiters.Front() {
		c.wake(e, tserrors.ErrClosed)
	}
}

func (c *Cond) wake(e *list.Element, err error) {
	c.waiters.Remove(e)
	w := e.Value.(*condWaiter)
	w.err = err
	close(w.ready)
}
