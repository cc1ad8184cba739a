package registry

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"

	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/sources"
	"github.com/procwatch/agent/internal/types"
)

type recordKey struct {
	pid        types.Pid
	generation uint64
}

// Registry is the shared process state table. All mutations must come from a
// single writer (the merge engine's merge goroutine); readers may run
// concurrently and always observe fully-applied records.
type Registry struct {
	logger *zap.Logger
	lock   sync.RWMutex

	records     map[recordKey]*ProcessRecord
	live        map[types.Pid]recordKey // the one non-Gone generation per pid
	generations map[types.Pid]uint64    // last generation handed out per pid
	children    map[types.Pid][]types.Pid

	invariantViolations *atomic.Uint64
}

func NewRegistry(rootLogger *zap.Logger) *Registry {
	return &Registry{
		logger:              rootLogger.Named("process-registry"),
		records:             make(map[recordKey]*ProcessRecord),
		live:                make(map[types.Pid]recordKey),
		generations:         make(map[types.Pid]uint64),
		children:            make(map[types.Pid][]types.Pid),
		invariantViolations: atomic.NewUint64(0),
	}
}

// ApplyEvent folds one lifecycle event into the table. Events are facts;
// applying the same event twice must land on the same record.
func (r *Registry) ApplyEvent(lifecycleEvent events.LifecycleEvent, now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch lifecycleEvent.Kind {
	case events.KindSpawn, events.KindFork:
		r.applyCreationLocked(lifecycleEvent, now)
	case events.KindExec:
		r.applyExecLocked(lifecycleEvent, now)
	case events.KindExit:
		r.applyExitLocked(lifecycleEvent, now)
	}
}

func originFromKind(kind events.Kind) OriginHint {
	switch kind {
	case events.KindSpawn:
		return OriginSpawn
	case events.KindFork:
		return OriginFork
	default:
		return OriginUnknown
	}
}

func (r *Registry) applyCreationLocked(lifecycleEvent events.LifecycleEvent, now time.Time) {
	record, exists := r.liveRecordLocked(lifecycleEvent.Pid)
	if exists && record.State == StateExiting {
		// The pid was reused inside the grace window. The dying record must
		// not absorb the newcomer; retire it now and create a fresh logical
		// record with a bumped generation.
		r.retireLocked(lifecycleEvent.Pid, record)
		record.goneAt = now
		exists = false
	}
	if exists {
		// The snapshot scan may have created this record before the event
		// arrived; enrich it rather than re-create.
		if record.ParentPid == 0 && lifecycleEvent.ParentPid != 0 {
			record.ParentPid = lifecycleEvent.ParentPid
			r.addChildLocked(lifecycleEvent.ParentPid, record.Pid)
		}
		if record.Origin == OriginUnknown {
			record.Origin = originFromKind(lifecycleEvent.Kind)
		}
		if record.Name == "" {
			record.Name = lifecycleEvent.Name
		}
		if record.CommandLine == "" {
			record.CommandLine = lifecycleEvent.CommandLine
		}
		record.LastUpdatedAt = now
		return
	}

	r.createLocked(&ProcessRecord{
		Pid:         lifecycleEvent.Pid,
		ParentPid:   lifecycleEvent.ParentPid,
		Name:        lifecycleEvent.Name,
		CommandLine: lifecycleEvent.CommandLine,
		State:       StatePending,
		Origin:      originFromKind(lifecycleEvent.Kind),
	}, now)
}

func (r *Registry) applyExecLocked(lifecycleEvent events.LifecycleEvent, now time.Time) {
	record, exists := r.liveRecordLocked(lifecycleEvent.Pid)
	if !exists {
		// Missed the creation; the exec itself proves the process exists.
		r.createLocked(&ProcessRecord{
			Pid:         lifecycleEvent.Pid,
			ParentPid:   lifecycleEvent.ParentPid,
			Name:        lifecycleEvent.Name,
			CommandLine: lifecycleEvent.CommandLine,
			State:       StatePending,
			Origin:      OriginUnknown,
		}, now)
		return
	}

	// Exec rewrites identity in place; state and firstSeenAt are untouched.
	if lifecycleEvent.Name != "" {
		record.Name = lifecycleEvent.Name
	}
	if lifecycleEvent.CommandLine != "" {
		record.CommandLine = lifecycleEvent.CommandLine
	}
	record.LastUpdatedAt = now
}

func (r *Registry) applyExitLocked(lifecycleEvent events.LifecycleEvent, now time.Time) {
	record, exists := r.liveRecordLocked(lifecycleEvent.Pid)
	if !exists {
		r.logger.Debug("Exit event for unknown pid", zap.Uint32("Pid", lifecycleEvent.Pid.Uint32()))
		return
	}

	if record.State == StateExiting {
		return
	}

	record.State = StateExiting
	record.ExitedAt = null.TimeFrom(now)
	record.LastUpdatedAt = now
}

// ApplySnapshotRow folds one scanned metric row into the table. Metric fields
// only ever come from snapshots; identity set by events takes precedence over
// snapshot-derived identity.
func (r *Registry) ApplySnapshotRow(row sources.SnapshotRow, now time.Time) {
	r.lock.Lock()
	defer r.lock.Unlock()

	record, exists := r.liveRecordLocked(row.Pid)
	if !exists {
		created := r.createLocked(&ProcessRecord{
			Pid:         row.Pid,
			ParentPid:   row.ParentPid,
			Name:        row.Name,
			CommandLine: row.CommandLine,
			State:       StateAlive,
			Origin:      OriginUnknown,
		}, now)
		created.CPUPercent = row.CPUPercent
		created.MemoryPercent = row.MemoryPercent
		created.ThreadCount = row.ThreadCount
		return
	}

	if record.State == StatePending {
		record.State = StateAlive
	}

	record.CPUPercent = row.CPUPercent
	record.MemoryPercent = row.MemoryPercent
	record.ThreadCount = row.ThreadCount

	if record.Name == "" {
		record.Name = row.Name
	}
	if record.CommandLine == "" {
		record.CommandLine = row.CommandLine
	}
	if record.ParentPid == 0 && row.ParentPid != 0 {
		record.ParentPid = row.ParentPid
		r.addChildLocked(row.ParentPid, record.Pid)
	}

	record.LastUpdatedAt = now
}

// SweepConfig parameterizes one maintenance pass.
type SweepConfig struct {
	// LivenessTimeout forces records unrefreshed for longer than this into
	// Exiting, covering missed exit events. Zero disables the check.
	LivenessTimeout time.Duration
	// GracePeriod keeps Exiting records readable before they go terminal.
	GracePeriod time.Duration
	// PendingPromotionAfter promotes metric-less Pending records to Alive
	// after this age (polling-only mode). Zero disables promotion.
	PendingPromotionAfter time.Duration
}

// SweepResult reports what one maintenance pass did.
type SweepResult struct {
	TimedOut int // live records forced to Exiting by the liveness timeout
	Retired  int // Exiting records moved to Gone
	Purged   int // Gone records removed from storage
}

// Sweep runs the timeout and retirement pass. Gone records survive exactly
// one extra sweep before being purged so consumers get a final read.
func (r *Registry) Sweep(now time.Time, config SweepConfig) SweepResult {
	r.lock.Lock()
	defer r.lock.Unlock()

	var result SweepResult

	// Purge records retired by earlier sweeps first, so anything going Gone
	// below remains readable until the next pass.
	for key, record := range r.records {
		if record.State == StateGone && record.goneAt.Before(now) {
			delete(r.records, key)
			result.Purged++
		}
	}

	for pid, key := range r.live {
		record := r.records[key]
		if record == nil {
			// live index pointing at a missing record is an internal bug.
			r.noteInvariantViolationLocked("live index without record", pid)
			delete(r.live, pid)
			continue
		}

		if config.PendingPromotionAfter > 0 && record.State == StatePending &&
			now.Sub(record.FirstSeenAt) >= config.PendingPromotionAfter {
			record.State = StateAlive
		}

		if config.LivenessTimeout > 0 && record.State != StateExiting &&
			now.Sub(record.LastUpdatedAt) > config.LivenessTimeout {
			record.State = StateExiting
			record.ExitedAt = null.TimeFrom(now)
			result.TimedOut++
		}

		if record.State == StateExiting && now.Sub(record.ExitedAt.Time) >= config.GracePeriod {
			r.retireLocked(pid, record)
			record.goneAt = now
			result.Retired++
		}
	}

	return result
}

func (r *Registry) createLocked(record *ProcessRecord, now time.Time) *ProcessRecord {
	if staleKey, exists := r.live[record.Pid]; exists {
		// Two simultaneously live records for one pid must never happen;
		// correct by retiring the stale one and keep going.
		r.noteInvariantViolationLocked("duplicate live record", record.Pid)
		if stale := r.records[staleKey]; stale != nil {
			if !stale.ExitedAt.Valid {
				stale.ExitedAt = null.TimeFrom(now)
			}
			r.retireLocked(record.Pid, stale)
			stale.goneAt = now
		} else {
			delete(r.live, record.Pid)
		}
	}

	generation := r.generations[record.Pid] + 1
	r.generations[record.Pid] = generation

	record.Generation = generation
	record.FirstSeenAt = now
	record.LastUpdatedAt = now

	key := recordKey{pid: record.Pid, generation: generation}
	r.records[key] = record
	r.live[record.Pid] = key

	if record.ParentPid != 0 {
		r.addChildLocked(record.ParentPid, record.Pid)
	}

	return record
}

// retireLocked moves a record to Gone and drops it from the active indexes.
// Generation stays burned so a reused pid gets a fresh logical record.
func (r *Registry) retireLocked(pid types.Pid, record *ProcessRecord) {
	record.State = StateGone
	delete(r.live, pid)
	r.removeChildLocked(record.ParentPid, pid)
}

func (r *Registry) liveRecordLocked(pid types.Pid) (*ProcessRecord, bool) {
	key, exists := r.live[pid]
	if !exists {
		return nil, false
	}
	record := r.records[key]
	if record == nil {
		return nil, false
	}
	return record, true
}

func (r *Registry) noteInvariantViolationLocked(description string, pid types.Pid) {
	r.invariantViolations.Inc()
	r.logger.Error("Registry invariant violation, correcting",
		zap.String("Violation", description), zap.Uint32("Pid", pid.Uint32()))
}

func (r *Registry) addChildLocked(parentPid, childPid types.Pid) {
	for _, existing := range r.children[parentPid] {
		if existing == childPid {
			return
		}
	}
	r.children[parentPid] = append(r.children[parentPid], childPid)
}

func (r *Registry) removeChildLocked(parentPid, childPid types.Pid) {
	siblings := r.children[parentPid]
	for i, existing := range siblings {
		if existing != childPid {
			continue
		}
		r.children[parentPid] = append(siblings[:i], siblings[i+1:]...)
		if len(r.children[parentPid]) == 0 {
			delete(r.children, parentPid)
		}
		return
	}
}

// IsAlive reports whether a pid has a live (non-Gone) record. Implements the
// normalizer's liveness check for fork inference.
func (r *Registry) IsAlive(pid types.Pid) bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	_, exists := r.live[pid]
	return exists
}

// Get returns a copy of the live record for a pid.
func (r *Registry) Get(pid types.Pid) (ProcessRecord, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	record, exists := r.liveRecordLocked(pid)
	if !exists {
		return ProcessRecord{}, false
	}
	return *record, true
}

// Children returns the live child pids of a process.
func (r *Registry) Children(pid types.Pid) []types.Pid {
	r.lock.RLock()
	defer r.lock.RUnlock()

	childPids := r.children[pid]
	if len(childPids) == 0 {
		return nil
	}

	result := make([]types.Pid, len(childPids))
	copy(result, childPids)
	return result
}

// Statistics aggregates the active set.
func (r *Registry) Statistics() Statistics {
	r.lock.RLock()
	defer r.lock.RUnlock()

	var stats Statistics

	for _, key := range r.live {
		record := r.records[key]
		if record == nil {
			continue
		}

		stats.TotalProcesses++
		stats.TotalMemoryPercent += record.MemoryPercent
		stats.AverageCPUPercent += record.CPUPercent
		stats.TotalThreads += int64(record.ThreadCount)

		switch record.State {
		case StatePending:
			stats.PendingProcesses++
		case StateAlive:
			stats.AliveProcesses++
		case StateExiting:
			stats.ExitingProcesses++
		}
	}

	if stats.TotalProcesses > 0 {
		stats.AverageCPUPercent /= float64(stats.TotalProcesses)
	}

	return stats
}

// InvariantViolations reports how many internal anomalies were corrected.
func (r *Registry) InvariantViolations() uint64 {
	return r.invariantViolations.Load()
}
