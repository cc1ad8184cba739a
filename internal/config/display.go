package config

import (
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/procwatch/agent/internal/registry"
)

const (
	defaultRefreshInterval = time.Second
	defaultLimit           = 0 // unlimited
)

// Display is the projection configuration consumed by downstream layers: how
// many processes to show, ordered how, refreshed how often.
type Display struct {
	Limit           int
	SortBy          registry.SortField
	Order           registry.SortOrder
	RefreshInterval time.Duration
}

// displayFile is the on-disk YAML shape. Durations are written as strings
// ("2s", "500ms") and parsed on load.
type displayFile struct {
	Limit           int    `yaml:"limit"`
	SortBy          string `yaml:"sort_by"`
	SortOrder       string `yaml:"sort_order"`
	RefreshInterval string `yaml:"refresh_interval"`
}

func DefaultDisplay() *Display {
	return &Display{
		Limit:           defaultLimit,
		SortBy:          registry.SortFieldCPU,
		Order:           registry.SortOrderDesc,
		RefreshInterval: defaultRefreshInterval,
	}
}

// LoadDisplay reads a display configuration file. Unknown sort keys and
// orders fall back to their defaults (cpu, descending) rather than failing;
// a malformed file or duration is an error.
func LoadDisplay(path string) (*Display, error) {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "read display config '%s'", path)
	}
	return parseDisplay(contents)
}

func parseDisplay(contents []byte) (*Display, error) {
	var file displayFile
	if err := yaml.Unmarshal(contents, &file); err != nil {
		return nil, errors.WithMessage(err, "unmarshal display config")
	}

	display := DefaultDisplay()

	if file.Limit > 0 {
		display.Limit = file.Limit
	}
	display.SortBy = registry.ParseSortField(file.SortBy)
	display.Order = registry.ParseSortOrder(file.SortOrder)

	if file.RefreshInterval != "" {
		refreshInterval, err := time.ParseDuration(file.RefreshInterval)
		if err != nil {
			return nil, errors.WithMessagef(err, "parse refresh interval '%s'", file.RefreshInterval)
		}
		if refreshInterval <= 0 {
			return nil, errors.New("refresh interval must be positive")
		}
		display.RefreshInterval = refreshInterval
	}

	return display, nil
}

// ViewOptions translates the display configuration into a registry
// projection request.
func (d *Display) ViewOptions() registry.ViewOptions {
	return registry.ViewOptions{
		SortBy: d.SortBy,
		Order:  d.Order,
		Limit:  d.Limit,
	}
}
