package events

import (
	"time"

	"github.com/procwatch/agent/internal/types"
)

// Kind is the canonical lifecycle vocabulary every backend is normalized to.
type Kind int

const (
	KindSpawn Kind = iota
	KindFork
	KindExec
	KindExit
)

var kindNames = map[Kind]string{
	KindSpawn: "spawn",
	KindFork:  "fork",
	KindExec:  "exec",
	KindExit:  "exit",
}

func (k Kind) String() string {
	name, found := kindNames[k]
	if !found {
		return "unknown"
	}
	return name
}

// RawTransition is a backend-specific transition code before normalization.
// The kernel channel reports creation without distinguishing clone from
// spawn; the normalizer infers that relation.
type RawTransition uint8

const (
	RawProcessCreated RawTransition = iota + 1
	RawProcessExec
	RawProcessExit
)

// RawEvent is a transition exactly as a backend reported it.
type RawEvent struct {
	Pid         uint32
	ParentPid   uint32
	Transition  RawTransition
	Name        string
	CommandLine string
	TimestampNs uint64
}

// LifecycleEvent is an immutable fact about a process transition. The merge
// engine derives record mutations from events; events themselves are never
// mutated after creation.
type LifecycleEvent struct {
	Pid         types.Pid
	ParentPid   types.Pid // 0 when unknown
	Kind        Kind
	Name        string
	CommandLine string
	Timestamp   time.Time
}
