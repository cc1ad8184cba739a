package normalize

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/events"
	"github.com/procwatch/agent/internal/sources"
	"github.com/procwatch/agent/internal/types"
)

// LivenessChecker answers whether a pid currently has a live record. The
// registry implements it; the normalizer only needs this one question.
type LivenessChecker interface {
	IsAlive(pid types.Pid) bool
}

// Normalizer maps backend-specific transition codes onto the canonical
// lifecycle vocabulary. Backends report creation without distinguishing clone
// from spawn, so the fork relation is inferred: a creation whose parent pid
// has a live record at normalization time is tagged as a fork. This is a
// best-effort annotation, not a guarantee.
type Normalizer struct {
	logger    *zap.Logger
	liveness  LivenessChecker
	malformed *atomic.Uint64
}

func NewNormalizer(rootLogger *zap.Logger, liveness LivenessChecker) *Normalizer {
	return &Normalizer{
		logger:    rootLogger.Named("event-normalizer"),
		liveness:  liveness,
		malformed: atomic.NewUint64(0),
	}
}

// Normalize converts a raw transition into a lifecycle event. Malformed raw
// events (pid 0, unknown transition) are counted and rejected with
// ErrMalformedEvent; they must never reach the merge engine.
func (n *Normalizer) Normalize(rawEvent events.RawEvent) (events.LifecycleEvent, error) {
	lifecycleEvent := events.LifecycleEvent{
		Pid:         types.Pid(rawEvent.Pid),
		ParentPid:   types.Pid(rawEvent.ParentPid),
		Name:        rawEvent.Name,
		CommandLine: rawEvent.CommandLine,
		Timestamp:   timestampFromNs(rawEvent.TimestampNs),
	}

	if rawEvent.Pid == 0 {
		n.malformed.Inc()
		return lifecycleEvent, errors.WithMessage(sources.ErrMalformedEvent, "missing pid")
	}

	switch rawEvent.Transition {
	case events.RawProcessCreated:
		if n.liveness.IsAlive(lifecycleEvent.ParentPid) {
			lifecycleEvent.Kind = events.KindFork
		} else {
			lifecycleEvent.Kind = events.KindSpawn
		}
	case events.RawProcessExec:
		lifecycleEvent.Kind = events.KindExec
	case events.RawProcessExit:
		lifecycleEvent.Kind = events.KindExit
	default:
		n.malformed.Inc()
		return lifecycleEvent, errors.WithMessagef(sources.ErrMalformedEvent,
			"unknown transition code '%d'", rawEvent.Transition)
	}

	return lifecycleEvent, nil
}

// MalformedCount reports how many raw events were rejected so far.
func (n *Normalizer) MalformedCount() uint64 {
	return n.malformed.Load()
}

func timestampFromNs(timestampNs uint64) time.Time {
	if timestampNs == 0 {
		return time.Now().UTC()
	}
	return time.Unix(0, int64(timestampNs)).UTC()
}
