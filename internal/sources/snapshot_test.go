package sources

import (
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/types"
)

func newTestPollingSource(rows ...[]SnapshotRow) *PollingSource {
	source := NewPollingSource(zap.NewNop(), nil)
	source.selfPid = 0 // keep test pids visible regardless of the test runner's pid
	source.nowNs = func() uint64 { return 42 }

	scans := rows
	source.enumerate = func() ([]SnapshotRow, error) {
		if len(scans) == 0 {
			return nil, nil
		}
		next := scans[0]
		scans = scans[1:]
		return next, nil
	}
	return source
}

func TestFirstScanSynthesizesNoTransitions(t *testing.T) {
	source := newTestPollingSource([]SnapshotRow{
		{Pid: types.Pid(1), Name: "init"},
		{Pid: types.Pid(2), Name: "worker"},
	})

	batch, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(batch.Rows) != 2 {
		t.Errorf("rows = %d, want 2", len(batch.Rows))
	}
	if len(batch.Events) != 0 {
		t.Errorf("first scan synthesized %d transitions, want 0", len(batch.Events))
	}
}

func TestDiffSynthesizesCreatedExecAndExit(t *testing.T) {
	source := newTestPollingSource(
		[]SnapshotRow{
			{Pid: types.Pid(1), Name: "init"},
			{Pid: types.Pid(2), Name: "sh"},
		},
		[]SnapshotRow{
			{Pid: types.Pid(2), Name: "nginx"},                  // exec: sh -> nginx
			{Pid: types.Pid(3), ParentPid: 1, Name: "newcomer"}, // created
			// pid 1 vanished: exit
		},
	)

	if _, err := source.Snapshot(); err != nil {
		t.Fatalf("seed Snapshot() error: %v", err)
	}
	batch, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	byTransition := make(map[events.RawTransition][]events.RawEvent)
	for _, rawEvent := range batch.Events {
		byTransition[rawEvent.Transition] = append(byTransition[rawEvent.Transition], rawEvent)
	}

	created := byTransition[events.RawProcessCreated]
	if len(created) != 1 || created[0].Pid != 3 || created[0].ParentPid != 1 {
		t.Errorf("created transitions = %+v, want one for pid 3", created)
	}

	execs := byTransition[events.RawProcessExec]
	if len(execs) != 1 || execs[0].Pid != 2 || execs[0].Name != "nginx" {
		t.Errorf("exec transitions = %+v, want one for pid 2", execs)
	}

	exits := byTransition[events.RawProcessExit]
	if len(exits) != 1 || exits[0].Pid != 1 {
		t.Errorf("exit transitions = %+v, want one for pid 1", exits)
	}
}

func TestSnapshotSkipsOwnProcess(t *testing.T) {
	source := newTestPollingSource([]SnapshotRow{
		{Pid: types.Pid(77), Name: "self"},
		{Pid: types.Pid(78), Name: "other"},
	})
	source.selfPid = types.Pid(77)

	batch, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if len(batch.Rows) != 1 || batch.Rows[0].Pid != types.Pid(78) {
		t.Errorf("rows = %+v, want only pid 78", batch.Rows)
	}
}

func TestSnapshotAppliesFilter(t *testing.T) {
	source := newTestPollingSource([]SnapshotRow{
		{Pid: types.Pid(1), Name: "kworker/0:1", CPUPercent: 90},
		{Pid: types.Pid(2), Name: "idle-daemon", CPUPercent: 0.01, MemoryPercent: 0.01},
		{Pid: types.Pid(3), Name: "postgres", CPUPercent: 0.01, MemoryPercent: 0.01},
		{Pid: types.Pid(4), Name: "busy", CPUPercent: 5},
	})
	source.filter = &Filter{
		ImportantNames:   []string{"postgres"},
		ExcludedNames:    []string{"kworker"},
		MinCPUPercent:    1,
		MinMemoryPercent: 1,
	}

	batch, err := source.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}

	got := make(map[types.Pid]bool)
	for _, row := range batch.Rows {
		got[row.Pid] = true
	}

	if got[types.Pid(1)] {
		t.Error("excluded name passed the filter")
	}
	if got[types.Pid(2)] {
		t.Error("below-floor process passed the filter")
	}
	if !got[types.Pid(3)] {
		t.Error("important name rejected despite low usage")
	}
	if !got[types.Pid(4)] {
		t.Error("above-floor process rejected")
	}
}

func TestNewFilterFromConfigurationValues(t *testing.T) {
	if filter := NewFilter(nil, nil, 0, 0); filter != nil {
		t.Errorf("empty configuration built %+v, want nil (track everything)", filter)
	}

	filter := NewFilter([]string{"KWorker"}, []string{"Postgres"}, 1, 0)
	if filter == nil {
		t.Fatal("populated configuration built no filter")
	}
	if filter.Include("kworker/0:1", 99, 99) {
		t.Error("excluded name passed, case-insensitive match expected")
	}
	if !filter.Include("postgres", 0, 0) {
		t.Error("important name rejected, case-insensitive match expected")
	}
	if filter.Include("idle", 0.5, 0) {
		t.Error("below-floor process passed")
	}
	if !filter.Include("busy", 2, 0) {
		t.Error("above-floor process rejected")
	}
}

func TestSnapshotPropagatesUnavailableSource(t *testing.T) {
	source := NewPollingSource(zap.NewNop(), nil)
	source.enumerate = func() ([]SnapshotRow, error) {
		return nil, errors.WithMessage(ErrSourceUnavailable, "proc not mounted")
	}

	_, err := source.Snapshot()
	if errors.Cause(err) != ErrSourceUnavailable {
		t.Errorf("cause = %v, want ErrSourceUnavailable", err)
	}
}
