package engine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"gopkg.in/guregu/null.v3"

	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/normalize"
	"github.com/procwatch/agent/internal/registry"
	"github.com/procwatch/agent/internal/sources"
)

// mergeItem is one unit of work for the merge goroutine: either a lifecycle
// event or a snapshot batch, applied in arrival order. The two streams are
// never ordered by wall clock, only by arrival at this boundary.
type mergeItem struct {
	event *events.LifecycleEvent
	batch *sources.SnapshotBatch
}

// fallbackMarkerName tags the synthetic pid-0 event injected when the event
// backend demotes to polling-only.
const fallbackMarkerName = "event-source-degraded"

// Engine is the hybrid merge core. Two producers (the event pump and the
// snapshot poller) feed one serialized merge queue; the merge goroutine is
// the registry's only writer.
type Engine struct {
	logger     *zap.Logger
	config     *Config
	context    context.Context
	cancel     context.CancelFunc
	producers  sync.WaitGroup
	waitGroup  sync.WaitGroup
	registry   *registry.Registry
	normalizer *normalize.Normalizer
	snapshots  sources.SnapshotSource

	eventSource sources.EventSource // nil in polling-only operation

	mergeChan chan mergeItem
	running   *atomic.Bool
	degraded  *atomic.Bool

	// Written once during Start, read-only afterwards.
	degradedAt     null.Time
	degradedReason string

	scans        *atomic.Uint64
	scanFailures *atomic.Uint64
	applied      *atomic.Uint64
}

// Stats is an observable summary of the engine's operation.
type Stats struct {
	Backend          string    `json:"backend"`
	Degraded         bool      `json:"degraded"`
	DegradedAt       null.Time `json:"degraded_at"`
	DegradedReason   string    `json:"degraded_reason,omitempty"`
	SnapshotScans    uint64    `json:"snapshot_scans"`
	SnapshotFailures uint64    `json:"snapshot_failures"`
	EventsApplied    uint64    `json:"events_applied"`
	EventsMalformed  uint64    `json:"events_malformed"`
	EventsDropped    uint64    `json:"events_dropped"`
}

func NewEngine(ctx context.Context, rootLogger *zap.Logger, config *Config, processRegistry *registry.Registry,
	snapshots sources.SnapshotSource, selection *SourceSelection) (*Engine, error) {
	if valid, err := config.Valid(); !valid {
		return nil, errors.WithMessage(err, "invalid engine config")
	}

	logger := rootLogger.Named("merge-engine")
	ctx, cancel := context.WithCancel(ctx)

	engine := &Engine{
		logger:       logger,
		config:       config,
		context:      ctx,
		cancel:       cancel,
		registry:     processRegistry,
		normalizer:   normalize.NewNormalizer(rootLogger, processRegistry),
		snapshots:    snapshots,
		eventSource:  selection.EventSource,
		mergeChan:    make(chan mergeItem, config.EffectiveEventBufferSize()),
		running:      atomic.NewBool(false),
		degraded:     atomic.NewBool(false),
		scans:        atomic.NewUint64(0),
		scanFailures: atomic.NewUint64(0),
		applied:      atomic.NewUint64(0),
	}

	if selection.Degraded {
		engine.noteDegradation(selection.Reason)
	}

	return engine, nil
}

func (e *Engine) Start() error {
	if e.running.Swap(true) {
		return errors.New("engine already started")
	}

	if e.eventSource != nil {
		rawChan, err := e.eventSource.Subscribe()
		if err != nil {
			if errors.Cause(err) != sources.ErrSourceInitFailed {
				return errors.WithMessage(err, "subscribe to event source")
			}
			_ = e.eventSource.Close()
			e.eventSource = nil
			e.noteDegradation(err.Error())
		} else {
			e.producers.Add(1)
			go e.pumpEvents(rawChan)
		}
	}

	e.producers.Add(1)
	go e.pollLoop()

	go func() {
		e.producers.Wait()
		close(e.mergeChan)
	}()

	e.waitGroup.Add(1)
	go e.mergeLoop()

	return nil
}

// noteDegradation records the demotion to polling-only operation exactly
// once: a structured notice plus a synthetic pid-0 lifecycle event through
// the merge queue so the transition is an observable fact of this run.
func (e *Engine) noteDegradation(reason string) {
	if e.degraded.Swap(true) {
		return
	}

	now := time.Now().UTC()
	e.degradedAt = null.TimeFrom(now)
	e.degradedReason = reason

	e.logger.Warn("Event backend unavailable, falling back to polling-only operation",
		zap.String("Reason", reason))

	syntheticEvent := events.LifecycleEvent{
		Pid:       0,
		Kind:      events.KindExit,
		Name:      fallbackMarkerName,
		Timestamp: now,
	}
	e.enqueue(mergeItem{event: &syntheticEvent})
}

func (e *Engine) pumpEvents(rawChan <-chan events.RawEvent) {
	defer e.producers.Done()

	e.logger.Debug("Start event pump")
	defer e.logger.Debug("Done event pump")

	for {
		select {
		case <-e.context.Done():
			return
		case rawEvent, ok := <-rawChan:
			if !ok {
				e.logger.Warn("Event stream closed")
				return
			}

			lifecycleEvent, err := e.normalizer.Normalize(rawEvent)
			if err != nil {
				e.logger.Debug("Dropped malformed event", zap.Error(err))
				continue
			}

			e.enqueue(mergeItem{event: &lifecycleEvent})
		}
	}
}

func (e *Engine) pollLoop() {
	defer e.producers.Done()

	e.logger.Debug("Start polling loop")
	defer e.logger.Debug("Done polling loop")

	// Seed the registry before the first tick so consumers never start from
	// an empty view.
	e.scan()

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.context.Done():
			return
		case <-ticker.C:
			e.scan()

			// A scan that outlasted the interval leaves a queued tick;
			// dropping it here skips the cycle instead of overlapping.
			select {
			case <-ticker.C:
			default:
			}
		}
	}
}

func (e *Engine) scan() {
	batch, err := e.snapshots.Snapshot()
	if err != nil {
		e.scanFailures.Inc()
		if errors.Cause(err) == sources.ErrSourceUnavailable {
			e.logger.Warn("Snapshot source unavailable, retrying next cycle", zap.Error(err))
		} else {
			e.logger.Error("Snapshot scan failed", zap.Error(err))
		}
		return
	}

	e.enqueue(mergeItem{batch: batch})
}

func (e *Engine) enqueue(item mergeItem) {
	select {
	case e.mergeChan <- item:
	case <-e.context.Done():
	}
}

// mergeLoop is the single registry writer. It drains the queue fully on
// shutdown so already-produced work is never lost.
func (e *Engine) mergeLoop() {
	defer e.waitGroup.Done()

	e.logger.Debug("Start merge loop")
	defer e.logger.Debug("Done merge loop")

	for item := range e.mergeChan {
		now := time.Now().UTC()

		if item.event != nil {
			e.applyEvent(*item.event, now)
		}
		if item.batch != nil {
			e.applyBatch(item.batch, now)
		}
	}
}

func (e *Engine) applyEvent(lifecycleEvent events.LifecycleEvent, now time.Time) {
	if lifecycleEvent.Pid == 0 {
		// Synthetic degradation marker; never enters the table.
		return
	}

	e.registry.ApplyEvent(lifecycleEvent, now)
	e.applied.Inc()
}

func (e *Engine) applyBatch(batch *sources.SnapshotBatch, now time.Time) {
	// Transitions first, then metric rows: a creation synthesized by this
	// very scan reaches Alive within the same merge cycle.
	for _, rawEvent := range batch.Events {
		lifecycleEvent, err := e.normalizer.Normalize(rawEvent)
		if err != nil {
			e.logger.Debug("Dropped malformed snapshot transition", zap.Error(err))
			continue
		}
		e.applyEvent(lifecycleEvent, now)
	}

	for _, row := range batch.Rows {
		e.registry.ApplySnapshotRow(row, now)
	}

	e.scans.Inc()
	e.registry.Sweep(now, e.sweepConfig())
}

func (e *Engine) sweepConfig() registry.SweepConfig {
	sweepConfig := registry.SweepConfig{
		LivenessTimeout: e.config.EffectiveLivenessTimeout(),
		GracePeriod:     e.config.ExitGracePeriod,
	}

	// Without an event stream nothing promotes Pending records, so age them
	// into Alive after one full poll interval.
	if e.PollingOnly() {
		sweepConfig.PendingPromotionAfter = e.config.PollInterval
	}

	return sweepConfig
}

// PollingOnly reports whether the engine runs without an event stream,
// whether configured that way or demoted by fallback.
func (e *Engine) PollingOnly() bool {
	return e.eventSource == nil
}

// Degraded reports whether the event backend was requested but had to be
// demoted.
func (e *Engine) Degraded() bool {
	return e.degraded.Load()
}

func (e *Engine) Stats() Stats {
	stats := Stats{
		Backend:          e.config.Backend.String(),
		Degraded:         e.degraded.Load(),
		DegradedAt:       e.degradedAt,
		DegradedReason:   e.degradedReason,
		SnapshotScans:    e.scans.Load(),
		SnapshotFailures: e.scanFailures.Load(),
		EventsApplied:    e.applied.Load(),
		EventsMalformed:  e.normalizer.MalformedCount(),
	}

	if e.eventSource != nil {
		stats.EventsDropped = e.eventSource.Dropped()
	}

	return stats
}

// Stop starts a coordinated shutdown: producers stop, the event subscription
// closes, and the merge loop drains what was already queued.
func (e *Engine) Stop() error {
	e.cancel()

	if e.eventSource != nil {
		if err := e.eventSource.Close(); err != nil {
			return errors.WithMessage(err, "close event source")
		}
	}

	return nil
}

func (e *Engine) WaitUntilCompletion() {
	e.waitGroup.Wait()
	e.running.Store(false)
}
