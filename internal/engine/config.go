package engine

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Backend selects how lifecycle facts are obtained. The choice is made once
// at startup; there is no runtime mixing within a merge cycle.
type Backend int

const (
	BackendEventDriven Backend = iota
	BackendPolling
)

var backendNames = map[Backend]string{
	BackendEventDriven: "event-driven",
	BackendPolling:     "polling",
}

func (b Backend) String() string {
	name, found := backendNames[b]
	if !found {
		return "unknown"
	}
	return name
}

func ParseBackend(value string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "event-driven", "events":
		return BackendEventDriven, nil
	case "polling", "poll":
		return BackendPolling, nil
	default:
		return 0, errors.Errorf("unknown backend '%s'", value)
	}
}

const (
	minPollInterval           = 100 * time.Millisecond
	defaultEventBufferSize    = 1024
	livenessTimeoutMultiplier = 3
)

type Config struct {
	Backend Backend

	// PollInterval is the fixed cadence of snapshot scans. Scans never
	// overlap; one that outlasts the interval skips the next tick.
	PollInterval time.Duration

	// LivenessTimeout forces records that stop receiving updates into
	// Exiting, covering missed exit events. Zero derives a default of
	// several poll intervals.
	LivenessTimeout time.Duration

	// ExitGracePeriod keeps Exiting records readable before they go
	// terminal; zero retires them on the next sweep.
	ExitGracePeriod time.Duration

	// EventBufferSize bounds the kernel event channel; zero uses a default.
	EventBufferSize int
}

func (c *Config) Valid() (bool, error) {
	if c.PollInterval <= 0 {
		return false, errors.New("uninitialized poll interval")
	} else if c.PollInterval < minPollInterval {
		return false, errors.Errorf("below minimum allowed poll interval (min: '%s')",
			minPollInterval.String())
	}

	if c.LivenessTimeout < 0 {
		return false, errors.New("negative liveness timeout")
	} else if c.LivenessTimeout > 0 && c.LivenessTimeout <= c.PollInterval {
		return false, errors.New("liveness timeout must span multiple poll intervals")
	}

	if c.ExitGracePeriod < 0 {
		return false, errors.New("negative exit grace period")
	}

	return true, nil
}

func (c *Config) EffectiveLivenessTimeout() time.Duration {
	if c.LivenessTimeout > 0 {
		return c.LivenessTimeout
	}
	return c.PollInterval * livenessTimeoutMultiplier
}

func (c *Config) EffectiveEventBufferSize() int {
	if c.EventBufferSize > 0 {
		return c.EventBufferSize
	}
	return defaultEventBufferSize
}
