package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/mirkobrombin/go-thingsync/v1/errors"
	"github.com/mirkobrombin/go-thingsync/v1/eventbus"
	"github.com/mirkobrombin/go-thingsync/v1/metrics"
)

// fakeGateway records every step and answers like a well-behaved gateway
// unless handle says otherwise.
type fakeGateway struct {
	mu     sync.Mutex
	calls  []Request
	handle func(req Request) (json.RawMessage, error)
}

func (f *fakeGateway) PutJSON(_ context.Context, _ string, payload any) (json.RawMessage, error) {
	req := payload.(Request)
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handle := f.handle
	f.mu.Unlock()
	if handle != nil {
		return handle(req)
	}
	return ack(req)
}

func (f *fakeGateway) GetJSON(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (f *fakeGateway) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.calls...)
}

func ack(req Request) (json.RawMessage, error) {
	props := map[string]any{}
	if req.Step == PhaseExecute {
		props[req.Property] = req.Value
	}
	return EncodeResponse(req.Sequence, props)
}

func steps(calls []Request) []Phase {
	out := make([]Phase, len(calls))
	for i, c := range calls {
		out[i] = c.Step
	}
	return out
}

func TestRunSetsBooleanAndAdvancesSequence(t *testing.T) {
	gw := &fakeGateway{}
	rec := &eventbus.Recorder{}
	e := NewEngine("lamp", gw, WithSink(rec))
	st := NewStateWithSession(42)

	snap, err := e.Run(context.Background(), st, Mutation{Href: "/things/lamp/properties/on", Property: "on", Value: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"on": true}, snap)
	assert.Equal(t, uint64(1), st.Sequence())
	assert.False(t, st.InFlight())
	assert.Equal(t, StageIdle, st.Snapshot().Stage)

	calls := gw.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []Phase{PhaseAcquire, PhaseExecute, PhaseRelease}, steps(calls))
	for _, c := range calls {
		assert.Equal(t, uint64(0), c.Sequence)
		assert.Equal(t, int64(42), c.SessionID)
	}
	assert.Equal(t, "on", calls[1].Property)
	assert.Equal(t, true, calls[1].Value)

	updated := rec.OfKind(eventbus.KindPropertyUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, map[string]any{"on": true}, updated[0].Payload)
}

func TestRunUsesNextSequenceOnSecondCycle(t *testing.T) {
	gw := &fakeGateway{}
	e := NewEngine("lamp", gw)
	st := NewState()

	for i := 0; i < 2; i++ {
		_, err := e.Run(context.Background(), st, Mutation{Property: "level", Value: float64(i)})
		require.NoError(t, err)
	}
	calls := gw.Calls()
	require.Len(t, calls, 6)
	assert.Equal(t, uint64(1), calls[3].Sequence)
	assert.Equal(t, uint64(2), st.Sequence())
}

func TestRunRejectsWhileInFlight(t *testing.T) {
	gate := make(chan struct{})
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		if req.Step == PhaseAcquire {
			<-gate
		}
		return ack(req)
	}
	e := NewEngine("lamp", gw)
	st := NewState()
	rejected := testutil.ToFloat64(metrics.CycleCounter.WithLabelValues("rejected"))

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(gw.Calls()) == 1 }, time.Second, time.Millisecond)

	snap, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: false})
	assert.NoError(t, err)
	assert.Nil(t, snap)
	assert.Len(t, gw.Calls(), 1)
	assert.Equal(t, rejected+1, testutil.ToFloat64(metrics.CycleCounter.WithLabelValues("rejected")))

	close(gate)
	require.NoError(t, <-done)
	assert.Len(t, gw.Calls(), 3)
	assert.Equal(t, uint64(1), st.Sequence())
}

func TestRunExecuteFailureCompletesCycle(t *testing.T) {
	boom := errors.New("500 internal")
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		if req.Step == PhaseExecute {
			return nil, boom
		}
		return ack(req)
	}
	rec := &eventbus.Recorder{}
	e := NewEngine("lamp", gw, WithSink(rec))
	st := NewState()

	snap, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, tserrors.ErrTransport)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, snap)

	assert.Equal(t, []Phase{PhaseAcquire, PhaseExecute, PhaseRelease}, steps(gw.Calls()))
	assert.Equal(t, uint64(1), st.Sequence())
	assert.False(t, st.InFlight())

	failed := rec.OfKind(eventbus.KindOperationFailed)
	require.Len(t, failed, 1)
	f, ok := failed[0].Payload.(eventbus.OperationFailure)
	require.True(t, ok)
	assert.Equal(t, "on", f.Property)
	assert.Equal(t, "execute", f.Step)
	assert.Empty(t, rec.OfKind(eventbus.KindPropertyUpdated))
}

func TestRunAcquireFailureStillExecutes(t *testing.T) {
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		if req.Step == PhaseAcquire {
			return nil, errors.New("refused")
		}
		return ack(req)
	}
	rec := &eventbus.Recorder{}
	e := NewEngine("lamp", gw, WithSink(rec))

	snap, err := e.Run(context.Background(), NewState(), Mutation{Property: "on", Value: true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"on": true}, snap)
	assert.Len(t, rec.OfKind(eventbus.KindOperationFailed), 1)
}

func TestRunSequenceMismatchIsNotFatal(t *testing.T) {
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		return EncodeResponse(req.Sequence+99, nil)
	}
	e := NewEngine("lamp", gw)
	st := NewState()
	before := testutil.ToFloat64(metrics.SequenceMismatchCounter)

	_, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sequence())
	assert.Equal(t, before+3, testutil.ToFloat64(metrics.SequenceMismatchCounter))
}

func TestRunPhaseTimeoutAbortsAndReleases(t *testing.T) {
	gate := make(chan struct{})
	var blocked atomic.Bool
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		if req.Step == PhaseExecute && blocked.CompareAndSwap(false, true) {
			<-gate
		}
		return ack(req)
	}
	e := NewEngine("lamp", gw, WithTimeouts(time.Second, 50*time.Millisecond))
	st := NewState()
	stale := testutil.ToFloat64(metrics.StaleNotifyCounter)

	_, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, tserrors.ErrWaitTimeout)
	assert.Equal(t, uint64(0), st.Sequence())
	assert.False(t, st.InFlight())

	// the acquired gateway lock is released without waiting
	require.Eventually(t, func() bool {
		return len(gw.Calls()) == 3 && gw.Calls()[2].Step == PhaseRelease
	}, time.Second, time.Millisecond)

	// the late execute answer finds nobody waiting for it
	close(gate)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StaleNotifyCounter) == stale+1
	}, time.Second, time.Millisecond)

	_, err = e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sequence())
}

func TestRunTimeoutBeforeAcquireSkipsRelease(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		<-gate
		return ack(req)
	}
	e := NewEngine("lamp", gw, WithTimeouts(time.Second, 20*time.Millisecond))

	_, err := e.Run(context.Background(), NewState(), Mutation{Property: "on", Value: true})
	assert.ErrorIs(t, err, tserrors.ErrWaitTimeout)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, gw.Calls(), 1)
}

func TestRunLockTimeout(t *testing.T) {
	gw := &fakeGateway{}
	e := NewEngine("lamp", gw, WithTimeouts(20*time.Millisecond, time.Second))
	st := NewState()

	require.True(t, e.mu.TryAcquire())
	_, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
	e.mu.Release()

	assert.ErrorIs(t, err, tserrors.ErrLockTimeout)
	assert.Empty(t, gw.Calls())
	assert.False(t, st.InFlight())
	assert.Equal(t, uint64(0), st.Sequence())
}

func TestRunRejectsBadProperty(t *testing.T) {
	gw := &fakeGateway{}
	e := NewEngine("lamp", gw)
	st := NewState()

	for _, name := range []string{"", FieldSequenceNumber} {
		_, err := e.Run(context.Background(), st, Mutation{Property: name, Value: 1})
		assert.ErrorIs(t, err, tserrors.ErrUnknownProperty)
	}
	assert.Empty(t, gw.Calls())
	assert.False(t, st.InFlight())
}

func TestRunApplyReceivesSnapshot(t *testing.T) {
	gw := &fakeGateway{}
	rec := &eventbus.Recorder{}
	e := NewEngine("lamp", gw, WithSink(rec))

	var got map[string]any
	_, err := e.Run(context.Background(), NewState(), Mutation{
		Property: "level",
		Value:    float64(3),
		Apply:    func(_ context.Context, s map[string]any) { got = s },
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"level": float64(3)}, got)
	assert.Empty(t, rec.Events())
}

func TestCloseRejectsCycles(t *testing.T) {
	e := NewEngine("lamp", &fakeGateway{})
	e.Close()
	e.Close()
	_, err := e.Run(context.Background(), NewState(), Mutation{Property: "on", Value: true})
	assert.ErrorIs(t, err, tserrors.ErrClosed)
}

func TestCloseAbortsWaitingStep(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	gw := &fakeGateway{}
	gw.handle = func(req Request) (json.RawMessage, error) {
		<-gate
		return ack(req)
	}
	e := NewEngine("lamp", gw)
	st := NewState()

	done := make(chan error, 1)
	go func() {
		_, err := e.Run(context.Background(), st, Mutation{Property: "on", Value: true})
		done <- err
	}()
	require.Eventually(t, func() bool { return e.cond.Pending() == 1 }, time.Second, time.Millisecond)
	e.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, tserrors.ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("cycle did not abort on close")
	}
	assert.False(t, st.InFlight())
}
