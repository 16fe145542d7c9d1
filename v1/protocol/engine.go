package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/lock"
	"github.com/mirkobrombin/go-thingsync/v1/metrics"
	"github.com/mirkobrombin/go-thingsync/v1/transport"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-thingsync/v1/protocol")

const (
	DefaultLockTimeout  = 10 * time.Second
	DefaultPhaseTimeout = 10 * time.Second
)

// Mutation describes one property write.
type Mutation struct {
	// Href is the property endpoint every step is PUT to.
	Href     string
	Property string
	// Value must already be coerced to the property type.
	Value any
	// Apply receives the property snapshot acknowledged by the execute
	// step. When nil the engine emits a property-updated event itself.
	Apply func(ctx context.Context, snapshot map[string]any)
}

// outcome is the completion slot of one outstanding step, guarded by the
// engine mutex.
type outcome struct {
	raw json.RawMessage
	err error
}

// Engine runs mutation cycles for one resource. Cycles are serialized by a
// capacity-1 Semaphore and stepped through the phases with a Cond.
type Engine struct {
	thing string
	req   transport.Requester
	sink  eventbus.Sink
	log   *zap.Logger

	lockTimeout  time.Duration
	phaseTimeout time.Duration

	mu      *lock.Semaphore
	cond    *lock.Cond
	pending map[string]*outcome
	closed  atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithSink sets where cycle events are emitted.
func WithSink(s eventbus.Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithTimeouts overrides the mutex and per-step timeouts. Non-positive
// values keep the defaults.
func WithTimeouts(lockTimeout, phaseTimeout time.Duration) Option {
	return func(e *Engine) {
		if lockTimeout > 0 {
			e.lockTimeout = lockTimeout
		}
		if phaseTimeout > 0 {
			e.phaseTimeout = phaseTimeout
		}
	}
}

// NewEngine returns an engine for the resource identified by thing.
func NewEngine(thing string, req transport.Requester, opts ...Option) *Engine {
	e := &Engine{
		thing:        thing,
		req:          req,
		sink:         eventbus.Nop,
		log:          zap.NewNop(),
		lockTimeout:  DefaultLockTimeout,
		phaseTimeout: DefaultPhaseTimeout,
		mu:           lock.NewMutex(),
		cond:         lock.NewCond(),
		pending:      make(map[string]*outcome),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("protocol").With(zap.String("thing", thing))
	return e
}

// Close fails waiting steps with ErrClosed and rejects later cycles.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.cond.Close()
}

// Run performs one acquire/execute/release cycle for m against st, which
// must belong to the engine's resource. It returns the property snapshot
// acknowledged by the execute step.
//
// A cycle started while another one is in flight on st does nothing and
// returns (nil, nil). A failed execute step is returned once the release
// step has completed.
func (e *Engine) Run(ctx context.Context, st *State, m Mutation) (map[string]any, error) {
	if m.Property == "" || reserved(m.Property) {
		return nil, fmt.Errorf("%w: %q", tserrors.ErrUnknownProperty, m.Property)
	}
	if e.closed.Load() {
		return nil, tserrors.ErrClosed
	}
	if !st.admit() {
		e.log.Debug("cycle already in flight, request dropped", zap.String("property", m.Property))
		metrics.CycleCounter.WithLabelValues("rejected").Inc()
		return nil, nil
	}
	metrics.InFlightGauge.Inc()
	defer metrics.InFlightGauge.Dec()

	ctx, span := tracer.Start(ctx, "Engine.Run", trace.WithAttributes(
		attribute.String("thingsync.thing", e.thing),
		attribute.String("thingsync.property", m.Property),
	))
	defer span.End()

	start := time.Now()
	lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	err := e.mu.Acquire(lctx)
	cancel()
	metrics.LockWait.Observe(time.Since(start).Seconds())
	if err != nil {
		st.finish(false)
		metrics.CycleCounter.WithLabelValues("lock_timeout").Inc()
		err = fmt.Errorf("%w: %w", tserrors.ErrLockTimeout, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	seq := st.Sequence()
	span.SetAttributes(attribute.Int64("thingsync.sequence", int64(seq)))
	var (
		snapshot map[string]any
		execErr  error
		acked    bool
	)
	for _, p := range Phases {
		if err := st.enter(p); err != nil {
			e.mu.Release()
			st.finish(false)
			metrics.CycleCounter.WithLabelValues("failed").Inc()
			return nil, err
		}
		resp, err := e.step(ctx, st, p, seq, m)
		if errors.Is(err, tserrors.ErrWaitTimeout) || errors.Is(err, tserrors.ErrClosed) {
			if acked && p != PhaseRelease {
				e.releaseAsync(ctx, st, seq, m.Href)
			}
			e.mu.Release()
			st.finish(false)
			metrics.CycleCounter.WithLabelValues("wait_timeout").Inc()
			span.SetStatus(codes.Error, err.Error())
			e.log.Warn("cycle aborted", zap.Stringer("step", p), zap.Uint64("sequence", seq), zap.Error(err))
			return nil, err
		}
		if err != nil {
			e.log.Warn("step failed", zap.Stringer("step", p), zap.Uint64("sequence", seq), zap.Error(err))
			e.sink.Emit(ctx, eventbus.NewEvent(e.thing, eventbus.KindOperationFailed, eventbus.OperationFailure{
				Property: m.Property,
				Step:     p.String(),
				Error:    err.Error(),
			}))
		}
		switch p {
		case PhaseAcquire:
			acked = err == nil
		case PhaseExecute:
			if err != nil {
				execErr = err
				break
			}
			snapshot = resp.Properties
			e.apply(ctx, m, snapshot)
		case PhaseRelease:
		}
	}

	st.finish(true)
	e.mu.Release()
	if execErr != nil {
		metrics.CycleCounter.WithLabelValues("failed").Inc()
		span.SetStatus(codes.Error, execErr.Error())
		return snapshot, execErr
	}
	metrics.CycleCounter.WithLabelValues("completed").Inc()
	e.log.Debug("cycle completed", zap.String("property", m.Property), zap.Uint64("sequence", seq))
	return snapshot, nil
}

// step sends one request and waits for its completion. The engine mutex is
// held on entry and on return.
func (e *Engine) step(ctx context.Context, st *State, p Phase, seq uint64, m Mutation) (Response, error) {
	ctx, span := tracer.Start(ctx, "Engine.Step", trace.WithAttributes(
		attribute.String("thingsync.step", p.String()),
	))
	defer span.End()

	req := Request{Step: p, Sequence: seq, SessionID: st.SessionID()}
	if p == PhaseExecute {
		req.Property, req.Value = m.Property, m.Value
	}
	token := uuid.NewString()
	o := &outcome{}
	e.pending[token] = o
	defer delete(e.pending, token)

	start := time.Now()
	go e.dispatch(ctx, token, m.Href, req)

	wctx, cancel := context.WithTimeout(ctx, e.phaseTimeout)
	defer cancel()
	if err := e.cond.WaitToken(wctx, e.mu, token); err != nil {
		if !errors.Is(err, tserrors.ErrClosed) {
			err = fmt.Errorf("%w: %s: %w", tserrors.ErrWaitTimeout, p, err)
		}
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	metrics.PhaseLatency.WithLabelValues(p.String()).Observe(time.Since(start).Seconds())

	if o.err != nil {
		err := fmt.Errorf("%w: %s: %w", tserrors.ErrTransport, p, o.err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	resp, err := DecodeResponse(o.raw)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", tserrors.ErrTransport, p, err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	if resp.HasSequence && resp.ReturnSequence != seq {
		metrics.SequenceMismatchCounter.Inc()
		e.log.Warn("acknowledged sequence differs",
			zap.Stringer("step", p),
			zap.Uint64("sent", seq),
			zap.Uint64("returned", resp.ReturnSequence),
			zap.Error(tserrors.ErrSequenceMismatch))
	}
	return resp, nil
}

// dispatch performs the round trip of one step and hands the result to the
// waiting step under the engine mutex.
func (e *Engine) dispatch(ctx context.Context, token, href string, req Request) {
	raw, err := e.req.PutJSON(ctx, href, req)
	if aerr := e.mu.Acquire(context.WithoutCancel(ctx)); aerr != nil {
		return
	}
	defer e.mu.Release()
	if o, ok := e.pending[token]; ok {
		o.raw, o.err = raw, err
	}
	if !e.cond.Notify(token) {
		metrics.StaleNotifyCounter.Inc()
		e.log.Debug("late response ignored", zap.Stringer("step", req.Step), zap.Uint64("sequence", req.Sequence))
	}
}

// releaseAsync sends a release step nobody waits for, so the gateway lock
// taken by an aborted cycle does not linger until its TTL.
func (e *Engine) releaseAsync(ctx context.Context, st *State, seq uint64, href string) {
	req := Request{Step: PhaseRelease, Sequence: seq, SessionID: st.SessionID()}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.phaseTimeout)
	go func() {
		defer cancel()
		if _, err := e.req.PutJSON(ctx, href, req); err != nil {
			e.log.Debug("release after abort failed", zap.Uint64("sequence", seq), zap.Error(err))
		}
	}()
}

func (e *Engine) apply(ctx context.Context, m Mutation, snapshot map[string]any) {
	if m.Apply != nil {
		m.Apply(ctx, snapshot)
		return
	}
	e.sink.Emit(ctx, eventbus.NewEvent(e.thing, eventbus.KindPropertyUpdated, snapshot))
}
