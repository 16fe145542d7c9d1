// Package protocol mutates a remote property exactly once through the
// gateway's acquire/execute/release handshake.
package protocol

import "fmt"

// Phase is one step of the three-step handshake. Its value is the
// protocolStep sent on the wire.
type Phase uint8

const (
	PhaseAcquire Phase = iota
	PhaseExecute
	PhaseRelease
)

// Phases lists the handshake steps in execution order.
var Phases = [...]Phase{PhaseAcquire, PhaseExecute, PhaseRelease}

func (p Phase) String() string {
	switch p {
	case PhaseAcquire:
		return "acquire"
	case PhaseExecute:
		return "execute"
	case PhaseRelease:
		return "release"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Valid reports whether p is a known step.
func (p Phase) Valid() bool {
	switch p {
	case PhaseAcquire, PhaseExecute, PhaseRelease:
		return true
	default:
		return false
	}
}

// Stage is the client-side state of a resource's mutation cycle.
type Stage uint8

const (
	StageIdle Stage = iota
	StageAcquiringRemoteLock
	StageExecuting
	StageReleasingRemoteLock
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageAcquiringRemoteLock:
		return "acquiring-remote-lock"
	case StageExecuting:
		return "executing"
	case StageReleasingRemoteLock:
		return "releasing-remote-lock"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// stageOf returns the stage a cycle is in while p is outstanding.
func stageOf(p Phase) Stage {
	switch p {
	case PhaseAcquire:
		return StageAcquiringRemoteLock
	case PhaseExecute:
		return StageExecuting
	case PhaseRelease:
		return StageReleasingRemoteLock
	default:
		panic(fmt.Sprintf("protocol: no stage for %s", p))
	}
}
