package engine

import (
	"go.uber.org/zap"

	"github.com/procwatch/agent/internal/sources"
)

// SourceSelection is the fallback controller's startup decision: which event
// source, if any, feeds the engine for the remainder of the run.
type SourceSelection struct {
	EventSource sources.EventSource // nil in polling-only operation
	Degraded    bool                // event backend was requested but could not start
	Reason      string
}

// EventSourceFactory builds the configured event backend. Kept as a factory
// so selection can be exercised without a live kernel channel.
type EventSourceFactory func() (sources.EventSource, error)

// SelectEventSource chooses event-driven vs polling-only operation. Any
// factory failure demotes to polling-only for the rest of the run; there is
// no automatic re-promotion.
func SelectEventSource(rootLogger *zap.Logger, config *Config, factory EventSourceFactory) *SourceSelection {
	logger := rootLogger.Named("fallback-controller")

	if config.Backend == BackendPolling {
		logger.Info("Polling-only backend selected")
		return &SourceSelection{}
	}

	eventSource, err := factory()
	if err != nil {
		return &SourceSelection{Degraded: true, Reason: err.Error()}
	}

	logger.Info("Event-driven backend initialized")
	return &SourceSelection{EventSource: eventSource}
}
