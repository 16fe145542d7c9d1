package eventbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerBus decorates a Bus so publishing stops hitting a broker
// that keeps failing. After threshold consecutive failures Publish returns
// ErrCircuitOpen until timeout has passed; then a single probe decides
// whether the circuit closes again.
type CircuitBreakerBus struct {
	bus       Bus
	mu        sync.Mutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker wraps bus. A threshold below 1 is treated as 1.
func NewCircuitBreaker(bus Bus, threshold int, timeout time.Duration) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreakerBus{bus: bus, threshold: threshold, timeout: timeout}
}

// IsHealthy reports whether Publish would reach the wrapped bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateOpen:
		return time.Since(cb.lastFail) > cb.timeout
	case stateHalfOpen:
		return false
	}
	return true
}

func (cb *CircuitBreakerBus) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
	}
	// half-open: the probe is already out
	return false
}

func (cb *CircuitBreakerBus) onSuccess() {
	cb.mu.Lock()
	cb.state = stateClosed
	cb.failures = 0
	cb.mu.Unlock()
}

func (cb *CircuitBreakerBus) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// Publish implements Bus.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, key, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Watch implements Bus.
func (cb *CircuitBreakerBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return cb.bus.Watch(ctx, key)
}

// Unwatch implements Bus.
func (cb *CircuitBreakerBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	return cb.bus.Unwatch(ctx, key, ch)
}
