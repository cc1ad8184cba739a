package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/registry"
	"github.com/procwatch/agent/internal/sources"
	"github.com/procwatch/agent/internal/types"
)

type fakeSnapshotSource struct {
	mutex   sync.Mutex
	batches []*sources.SnapshotBatch
	last    *sources.SnapshotBatch
}

func (f *fakeSnapshotSource) Snapshot() (*sources.SnapshotBatch, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if len(f.batches) > 0 {
		f.last = f.batches[0]
		f.batches = f.batches[1:]
	}
	if f.last == nil {
		return &sources.SnapshotBatch{}, nil
	}
	return f.last, nil
}

type fakeEventSource struct {
	rawChan      chan events.RawEvent
	subscribeErr error
	closed       bool
}

func (f *fakeEventSource) Subscribe() (<-chan events.RawEvent, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	return f.rawChan, nil
}

func (f *fakeEventSource) Dropped() uint64 { return 0 }

func (f *fakeEventSource) Close() error {
	if !f.closed {
		f.closed = true
		if f.rawChan != nil {
			close(f.rawChan)
		}
	}
	return nil
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func shutdown(t *testing.T, mergeEngine *Engine) {
	t.Helper()

	if err := mergeEngine.Stop(); err != nil {
		t.Errorf("Stop() error: %v", err)
	}
	mergeEngine.WaitUntilCompletion()
}

func TestPollingOnlyPopulatesRegistryWithinOneCycle(t *testing.T) {
	processRegistry := registry.NewRegistry(zap.NewNop())
	snapshots := &fakeSnapshotSource{last: &sources.SnapshotBatch{
		Rows: []sources.SnapshotRow{
			{Pid: types.Pid(100), ParentPid: types.Pid(1), Name: "postgres", CPUPercent: 12.5},
		},
	}}

	config := &Config{Backend: BackendPolling, PollInterval: 100 * time.Millisecond}
	mergeEngine, err := NewEngine(context.Background(), zap.NewNop(), config, processRegistry,
		snapshots, &SourceSelection{})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	if !mergeEngine.PollingOnly() {
		t.Error("PollingOnly() = false for the polling backend")
	}

	if err := mergeEngine.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer shutdown(t, mergeEngine)

	waitFor(t, "pid 100 to appear alive", func() bool {
		record, found := processRegistry.Get(types.Pid(100))
		return found && record.State == registry.StateAlive
	})

	record, _ := processRegistry.Get(types.Pid(100))
	if record.Name != "postgres" {
		t.Errorf("Name = %q, want postgres", record.Name)
	}
	if record.CPUPercent != 12.5 {
		t.Errorf("CPUPercent = %v, want 12.5", record.CPUPercent)
	}

	stats := mergeEngine.Stats()
	if stats.Degraded {
		t.Error("polling backend reported as degraded")
	}
	if stats.SnapshotScans == 0 {
		t.Error("SnapshotScans = 0 after a populated view")
	}
}

func TestEventStreamEventsReachTheRegistry(t *testing.T) {
	processRegistry := registry.NewRegistry(zap.NewNop())
	snapshots := &fakeSnapshotSource{}
	eventSource := &fakeEventSource{rawChan: make(chan events.RawEvent, 8)}

	config := &Config{Backend: BackendEventDriven, PollInterval: 100 * time.Millisecond}
	mergeEngine, err := NewEngine(context.Background(), zap.NewNop(), config, processRegistry,
		snapshots, &SourceSelection{EventSource: eventSource})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	if err := mergeEngine.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer shutdown(t, mergeEngine)

	eventSource.rawChan <- events.RawEvent{
		Pid:         200,
		ParentPid:   1,
		Transition:  events.RawProcessCreated,
		Name:        "child",
		TimestampNs: uint64(time.Now().UnixNano()),
	}

	waitFor(t, "pid 200 to enter the table", func() bool {
		_, found := processRegistry.Get(types.Pid(200))
		return found
	})

	record, _ := processRegistry.Get(types.Pid(200))
	if record.State != registry.StatePending {
		t.Errorf("State = %s, want pending before snapshot confirmation", record.State)
	}
	if record.Origin != registry.OriginSpawn {
		t.Errorf("Origin = %s, want spawn for a creation with an unknown parent", record.Origin)
	}

	if mergeEngine.Degraded() {
		t.Error("healthy event stream reported as degraded")
	}
}

func TestEventCreationIsConfirmedAliveBySnapshot(t *testing.T) {
	processRegistry := registry.NewRegistry(zap.NewNop())
	snapshots := &fakeSnapshotSource{
		batches: []*sources.SnapshotBatch{
			{}, // seed scan sees nothing
			{Rows: []sources.SnapshotRow{
				{Pid: types.Pid(300), ParentPid: types.Pid(1), Name: "worker", MemoryPercent: 2.5},
			}},
		},
	}
	eventSource := &fakeEventSource{rawChan: make(chan events.RawEvent, 8)}

	config := &Config{Backend: BackendEventDriven, PollInterval: 100 * time.Millisecond}
	mergeEngine, err := NewEngine(context.Background(), zap.NewNop(), config, processRegistry,
		snapshots, &SourceSelection{EventSource: eventSource})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	if err := mergeEngine.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer shutdown(t, mergeEngine)

	eventSource.rawChan <- events.RawEvent{
		Pid:         300,
		ParentPid:   1,
		Transition:  events.RawProcessCreated,
		Name:        "worker",
		TimestampNs: uint64(time.Now().UnixNano()),
	}

	waitFor(t, "pid 300 to be confirmed alive", func() bool {
		record, found := processRegistry.Get(types.Pid(300))
		return found && record.State == registry.StateAlive
	})

	record, _ := processRegistry.Get(types.Pid(300))
	if record.Origin != registry.OriginSpawn {
		t.Errorf("Origin = %s, want the event-derived origin preserved", record.Origin)
	}
	if record.MemoryPercent != 2.5 {
		t.Errorf("MemoryPercent = %v, want snapshot metrics applied", record.MemoryPercent)
	}
}

func TestFactoryFailureDemotesToPollingWithDegradationNotice(t *testing.T) {
	config := &Config{Backend: BackendEventDriven, PollInterval: 100 * time.Millisecond}

	selection := SelectEventSource(zap.NewNop(), config, func() (sources.EventSource, error) {
		return nil, errors.WithMessage(sources.ErrSourceInitFailed, "kernel module not loaded")
	})
	if !selection.Degraded {
		t.Fatal("factory failure did not mark the selection degraded")
	}

	processRegistry := registry.NewRegistry(zap.NewNop())
	snapshots := &fakeSnapshotSource{last: &sources.SnapshotBatch{
		Rows: []sources.SnapshotRow{{Pid: types.Pid(400), Name: "survivor"}},
	}}

	mergeEngine, err := NewEngine(context.Background(), zap.NewNop(), config, processRegistry,
		snapshots, selection)
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}
	if !mergeEngine.PollingOnly() {
		t.Error("degraded engine is not polling-only")
	}

	if err := mergeEngine.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer shutdown(t, mergeEngine)

	waitFor(t, "pid 400 to appear despite degradation", func() bool {
		_, found := processRegistry.Get(types.Pid(400))
		return found
	})

	// The synthetic degradation marker never becomes a table entry.
	if _, found := processRegistry.Get(types.Pid(0)); found {
		t.Error("synthetic pid-0 marker leaked into the table")
	}

	stats := mergeEngine.Stats()
	if !stats.Degraded {
		t.Error("Stats().Degraded = false after demotion")
	}
	if !stats.DegradedAt.Valid {
		t.Error("Stats().DegradedAt unset after demotion")
	}
	if stats.DegradedReason == "" {
		t.Error("Stats().DegradedReason empty after demotion")
	}
}

func TestSubscribeInitFailureDemotesAtStart(t *testing.T) {
	processRegistry := registry.NewRegistry(zap.NewNop())
	snapshots := &fakeSnapshotSource{}
	eventSource := &fakeEventSource{
		subscribeErr: errors.WithMessage(sources.ErrSourceInitFailed, "netlink family missing"),
	}

	config := &Config{Backend: BackendEventDriven, PollInterval: 100 * time.Millisecond}
	mergeEngine, err := NewEngine(context.Background(), zap.NewNop(), config, processRegistry,
		snapshots, &SourceSelection{EventSource: eventSource})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	if err := mergeEngine.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer shutdown(t, mergeEngine)

	if !mergeEngine.PollingOnly() {
		t.Error("engine kept an event source whose subscription failed")
	}
	if !mergeEngine.Degraded() {
		t.Error("subscription init failure did not register as degradation")
	}
	if !eventSource.closed {
		t.Error("failed event source left open")
	}
}

func TestStartTwiceFails(t *testing.T) {
	processRegistry := registry.NewRegistry(zap.NewNop())
	config := &Config{Backend: BackendPolling, PollInterval: 100 * time.Millisecond}

	mergeEngine, err := NewEngine(context.Background(), zap.NewNop(), config, processRegistry,
		&fakeSnapshotSource{}, &SourceSelection{})
	if err != nil {
		t.Fatalf("NewEngine() error: %v", err)
	}

	if err := mergeEngine.Start(); err != nil {
		t.Fatalf("first Start() error: %v", err)
	}
	defer shutdown(t, mergeEngine)

	if err := mergeEngine.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
}
