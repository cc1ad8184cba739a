package registry

import (
	"encoding/json"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/procwatch/agent/internal/types"
)

// State is the lifecycle position of a process record.
type State int

const (
	// StatePending means the record was created by an event and has no
	// metrics yet.
	StatePending State = iota
	// StateAlive means the record has identity and at least one metric
	// snapshot (or aged past one snapshot interval in polling-only mode).
	StateAlive
	// StateExiting means an exit was observed; the record is retained
	// briefly so consumers get one more read.
	StateExiting
	// StateGone is terminal; the record is out of the active set.
	StateGone
)

var stateNames = map[State]string{
	StatePending: "pending",
	StateAlive:   "alive",
	StateExiting: "exiting",
	StateGone:    "gone",
}

func (s State) String() string {
	name, found := stateNames[s]
	if !found {
		return "unknown"
	}
	return name
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// OriginHint is the best-effort relation of a process to its parent. It is
// inferred, not authoritative, when the backend cannot distinguish clone from
// spawn.
type OriginHint int

const (
	OriginUnknown OriginHint = iota
	OriginSpawn
	OriginFork
)

var originNames = map[OriginHint]string{
	OriginUnknown: "unknown",
	OriginSpawn:   "spawn",
	OriginFork:    "fork",
}

func (o OriginHint) String() string {
	name, found := originNames[o]
	if !found {
		return "unknown"
	}
	return name
}

func (o OriginHint) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// ProcessRecord is the authoritative view of one logical process. Storage is
// keyed by (pid, generation) internally because pids are reused; external
// views key by pid only.
type ProcessRecord struct {
	Pid           types.Pid  `json:"pid"`
	Generation    uint64     `json:"-"`
	ParentPid     types.Pid  `json:"parent_pid"`
	Name          string     `json:"name"`
	CommandLine   string     `json:"command_line"`
	CPUPercent    float64    `json:"cpu_percent"`
	MemoryPercent float64    `json:"memory_percent"`
	ThreadCount   int32      `json:"thread_count"`
	FirstSeenAt   time.Time  `json:"first_seen_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
	ExitedAt      null.Time  `json:"exited_at"`
	State         State      `json:"state"`
	Origin        OriginHint `json:"origin"`

	// goneAt is stamped on the transition to StateGone; the purge pass uses
	// it to retain retired records for exactly one extra sweep.
	goneAt time.Time
}

// Statistics is an aggregate summary over the active set.
type Statistics struct {
	TotalProcesses     int     `json:"total_processes"`
	PendingProcesses   int     `json:"pending_processes"`
	AliveProcesses     int     `json:"alive_processes"`
	ExitingProcesses   int     `json:"exiting_processes"`
	TotalMemoryPercent float64 `json:"total_memory_percent"`
	AverageCPUPercent  float64 `json:"average_cpu_percent"`
	TotalThreads       int64   `json:"total_threads"`
}
