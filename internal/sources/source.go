package sources

import (
	"github.com/pkg/errors"
	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/types"
)

var (
	// ErrSourceInitFailed means an event backend could not start at all
	// (missing netlink family, insufficient privilege). The fallback
	// controller demotes to polling-only operation when it sees this.
	ErrSourceInitFailed = errors.New("event source initialization failed")

	// ErrSourceUnavailable means a single snapshot scan could not run because
	// the enumeration mechanism itself was inaccessible. The scan is retried
	// on the next cycle.
	ErrSourceUnavailable = errors.New("snapshot source unavailable")

	// ErrMalformedEvent means an event is missing required fields. Such
	// events are counted and dropped, never applied.
	ErrMalformedEvent = errors.New("malformed lifecycle event")
)

// SnapshotRow is one process observed by a full enumeration scan.
type SnapshotRow struct {
	Pid           types.Pid
	ParentPid     types.Pid
	Name          string
	CommandLine   string
	CPUPercent    float64
	MemoryPercent float64
	ThreadCount   int32
}

// SnapshotBatch is the result of one full scan. Besides the metric rows, a
// polling source synthesizes the lifecycle transitions it can observe by
// diffing consecutive scans, so the merge engine sees one event vocabulary
// regardless of backend.
type SnapshotBatch struct {
	Rows   []SnapshotRow
	Events []events.RawEvent
}

// SnapshotSource enumerates all live processes with their current resource
// metrics. Called on a fixed interval by the merge engine's polling loop; a
// single slow or unreadable process is skipped, not fatal to the scan.
type SnapshotSource interface {
	Snapshot() (*SnapshotBatch, error)
}

// EventSource is a push-based stream of raw lifecycle transitions. Events for
// a single pid are delivered in the order the backend observed them;
// cross-pid ordering is not guaranteed.
type EventSource interface {
	Subscribe() (<-chan events.RawEvent, error)
	Dropped() uint64
	Close() error
}
