package sources

import (
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	psUtil "github.com/shirou/gopsutil/process"
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/types"
)

// Filter decides which scanned processes are worth tracking. A nil filter
// includes everything.
type Filter struct {
	ImportantNames   []string
	ExcludedNames    []string
	MinCPUPercent    float64
	MinMemoryPercent float64
}

// NewFilter builds a filter from configuration values, nil when nothing is
// set so the zero configuration tracks everything. Names are matched
// case-insensitively as substrings.
func NewFilter(excludedNames, importantNames []string, minCPUPercent, minMemoryPercent float64) *Filter {
	if len(excludedNames) == 0 && len(importantNames) == 0 &&
		minCPUPercent <= 0 && minMemoryPercent <= 0 {
		return nil
	}

	filter := &Filter{
		MinCPUPercent:    minCPUPercent,
		MinMemoryPercent: minMemoryPercent,
	}
	for _, name := range excludedNames {
		filter.ExcludedNames = append(filter.ExcludedNames, strings.ToLower(name))
	}
	for _, name := range importantNames {
		filter.ImportantNames = append(filter.ImportantNames, strings.ToLower(name))
	}
	return filter
}

func (f *Filter) Include(name string, cpuPercent, memoryPercent float64) bool {
	if f == nil {
		return true
	}

	lowered := strings.ToLower(name)

	for _, excluded := range f.ExcludedNames {
		if strings.Contains(lowered, excluded) {
			return false
		}
	}

	for _, important := range f.ImportantNames {
		if strings.Contains(lowered, important) {
			return true
		}
	}

	if f.MinCPUPercent <= 0 && f.MinMemoryPercent <= 0 {
		return true
	}
	return cpuPercent >= f.MinCPUPercent || memoryPercent >= f.MinMemoryPercent
}

// PollingSource enumerates live processes on demand and synthesizes lifecycle
// transitions by diffing consecutive scans: a new pid is a creation, a
// vanished pid is an exit, a changed command name is an exec.
type PollingSource struct {
	logger        *zap.Logger
	filter        *Filter
	selfPid       types.Pid
	enumerate     func() ([]SnapshotRow, error)
	nowNs         func() uint64
	previousNames map[types.Pid]string
	scanned       bool
}

func NewPollingSource(rootLogger *zap.Logger, filter *Filter) *PollingSource {
	source := &PollingSource{
		logger:        rootLogger.Named("polling-source"),
		filter:        filter,
		selfPid:       types.Pid(os.Getpid()),
		nowNs:         func() uint64 { return uint64(time.Now().UnixNano()) },
		previousNames: make(map[types.Pid]string),
	}
	source.enumerate = source.enumerateLive
	return source
}

// Snapshot runs a full scan. Callers must serialize calls; the diff state is
// not safe for concurrent scans.
func (s *PollingSource) Snapshot() (*SnapshotBatch, error) {
	rows, err := s.enumerate()
	if err != nil {
		return nil, err
	}

	batch := &SnapshotBatch{Rows: make([]SnapshotRow, 0, len(rows))}
	currentNames := make(map[types.Pid]string, len(rows))

	for _, row := range rows {
		if row.Pid == s.selfPid { // Do not track the agent's own process.
			continue
		}
		if !s.filter.Include(row.Name, row.CPUPercent, row.MemoryPercent) {
			continue
		}

		batch.Rows = append(batch.Rows, row)
		currentNames[row.Pid] = row.Name
	}

	// The first scan only seeds the diff state. Synthesizing a spawn for
	// every pre-existing process would flood the merge queue; the initial
	// population is created from the metric rows instead.
	if s.scanned {
		batch.Events = s.diffTransitions(batch.Rows, currentNames)
	}

	s.previousNames = currentNames
	s.scanned = true

	return batch, nil
}

func (s *PollingSource) diffTransitions(rows []SnapshotRow, currentNames map[types.Pid]string) []events.RawEvent {
	var transitions []events.RawEvent
	timestampNs := s.nowNs()

	for _, row := range rows {
		previousName, seen := s.previousNames[row.Pid]
		if !seen {
			transitions = append(transitions, events.RawEvent{
				Pid:         row.Pid.Uint32(),
				ParentPid:   row.ParentPid.Uint32(),
				Transition:  events.RawProcessCreated,
				Name:        row.Name,
				CommandLine: row.CommandLine,
				TimestampNs: timestampNs,
			})
			continue
		}

		if previousName != "" && row.Name != "" && previousName != row.Name {
			transitions = append(transitions, events.RawEvent{
				Pid:         row.Pid.Uint32(),
				ParentPid:   row.ParentPid.Uint32(),
				Transition:  events.RawProcessExec,
				Name:        row.Name,
				CommandLine: row.CommandLine,
				TimestampNs: timestampNs,
			})
		}
	}

	for pid, name := range s.previousNames {
		if _, stillLive := currentNames[pid]; stillLive {
			continue
		}
		transitions = append(transitions, events.RawEvent{
			Pid:         pid.Uint32(),
			Transition:  events.RawProcessExit,
			Name:        name,
			TimestampNs: timestampNs,
		})
	}

	return transitions
}

func (s *PollingSource) enumerateLive() ([]SnapshotRow, error) {
	liveProcesses, err := psUtil.Processes()
	if err != nil {
		return nil, errors.WithMessage(ErrSourceUnavailable, err.Error())
	}

	rows := make([]SnapshotRow, 0, len(liveProcesses))

	var errs error

	for _, liveProcess := range liveProcesses {
		row, err := readProcess(liveProcess)
		if err != nil {
			if errors.Cause(err) == psUtil.ErrorProcessNotRunning {
				continue // Exited mid-scan.
			}
			errs = multierror.Append(errs, errors.WithMessagef(err, "read process '%d'", liveProcess.Pid))
			continue
		}
		rows = append(rows, row)
	}

	if errs != nil {
		// Partial failures are expected on a live host (privileges, races);
		// the scan itself still counts.
		s.logger.Debug("Skipped unreadable processes", zap.Error(errs))
	}

	return rows, nil
}

func readProcess(liveProcess *psUtil.Process) (SnapshotRow, error) {
	row := SnapshotRow{Pid: types.Pid(liveProcess.Pid)}

	parentPid, err := liveProcess.Ppid()
	if err != nil {
		return row, errors.WithMessage(err, "get parent pid")
	}
	row.ParentPid = types.Pid(parentPid)

	name, err := liveProcess.Name()
	if err != nil {
		return row, errors.WithMessage(err, "get name")
	}
	row.Name = name

	commandLine, err := liveProcess.Cmdline()
	if err != nil {
		return row, errors.WithMessage(err, "get command line")
	}
	row.CommandLine = commandLine

	cpuPercent, err := liveProcess.CPUPercent()
	if err != nil {
		return row, errors.WithMessage(err, "get cpu percent")
	}
	row.CPUPercent = cpuPercent

	memoryPercent, err := liveProcess.MemoryPercent()
	if err != nil {
		return row, errors.WithMessage(err, "get memory percent")
	}
	row.MemoryPercent = float64(memoryPercent)

	threadCount, err := liveProcess.NumThreads()
	if err != nil {
		return row, errors.WithMessage(err, "get thread count")
	}
	row.ThreadCount = threadCount

	return row, nil
}
