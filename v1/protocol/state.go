package protocol

import (
	"fmt"
	"math/rand/v2"
	"sync"
)

// maxSessionID keeps session ids exactly representable as JSON numbers.
const maxSessionID = 1 << 53

// State is the per-resource bookkeeping of the handshake. One State belongs
// to one resource instance and is handed to Engine.Run for every cycle.
type State struct {
	mu        sync.Mutex
	sequence  uint64
	sessionID int64
	inFlight  bool
	stage     Stage
}

// NewState returns a State with a freshly drawn session id.
func NewState() *State {
	return NewStateWithSession(rand.Int64N(maxSessionID))
}

// NewStateWithSession returns a State using the given session id.
func NewStateWithSession(sessionID int64) *State {
	return &State{sessionID: sessionID}
}

// Snapshot is a consistent view of a State.
type Snapshot struct {
	Sequence  uint64
	SessionID int64
	InFlight  bool
	Stage     Stage
}

// Snapshot returns the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{Sequence: s.sequence, SessionID: s.sessionID, InFlight: s.inFlight, Stage: s.stage}
}

// Sequence returns the sequence number the next cycle will use.
func (s *State) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// SessionID returns the session id.
func (s *State) SessionID() int64 {
	return s.sessionID
}

// InFlight reports whether a cycle is running.
func (s *State) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// admit marks a cycle as started. It returns false when one already runs.
func (s *State) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

// enter moves the running cycle to the stage of p. Steps must be entered
// in order, starting from idle.
func (s *State) enter(p Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := StageIdle
	if p != PhaseAcquire {
		want = stageOf(p - 1)
	}
	if !s.inFlight || s.stage != want {
		return fmt.Errorf("protocol: cannot enter %s from %s", p, s.stage)
	}
	s.stage = stageOf(p)
	return nil
}

// finish ends the running cycle. Only a completed cycle consumes its
// sequence number.
func (s *State) finish(completed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if completed {
		s.sequence++
	}
	s.inFlight = false
	s.stage = StageIdle
}
