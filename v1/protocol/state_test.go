package protocol

import "testing"

func TestNewStateSessionIDFitsJSON(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewState().SessionID()
		if id < 0 || id >= maxSessionID {
			t.Fatalf("session id %d out of range", id)
		}
	}
}

func TestStateCycle(t *testing.T) {
	st := NewStateWithSession(5)
	if !st.admit() {
		t.Fatal("expected admission")
	}
	if st.admit() {
		t.Fatal("second admission must fail while in flight")
	}
	if err := st.enter(PhaseExecute); err == nil {
		t.Fatal("expected out of order step to fail")
	}
	for _, p := range Phases {
		if err := st.enter(p); err != nil {
			t.Fatalf("enter %s: %v", p, err)
		}
		if got := st.Snapshot().Stage; got != stageOf(p) {
			t.Fatalf("stage %s, want %s", got, stageOf(p))
		}
	}
	st.finish(true)
	snap := st.Snapshot()
	if snap.Sequence != 1 || snap.InFlight || snap.Stage != StageIdle || snap.SessionID != 5 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestStateAbortedCycleKeepsSequence(t *testing.T) {
	st := NewState()
	st.admit()
	if err := st.enter(PhaseAcquire); err != nil {
		t.Fatal(err)
	}
	st.finish(false)
	if st.Sequence() != 0 || st.InFlight() {
		t.Fatalf("unexpected state %+v", st.Snapshot())
	}
	if err := st.enter(PhaseAcquire); err == nil {
		t.Fatal("enter without admission must fail")
	}
}

func TestPhaseStrings(t *testing.T) {
	if PhaseAcquire.String() != "acquire" || PhaseRelease.String() != "release" {
		t.Fatal("unexpected phase names")
	}
	if Phase(9).Valid() || !PhaseExecute.Valid() {
		t.Fatal("unexpected validity")
	}
	if StageExecuting.String() != "executing" {
		t.Fatal("unexpected stage name")
	}
}
