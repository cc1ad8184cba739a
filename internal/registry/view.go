package registry

import (
	"sort"
	"strings"
)

// SortField selects the projection ordering key.
type SortField int

const (
	SortFieldCPU SortField = iota
	SortFieldMemory
	SortFieldName
	SortFieldPid
)

// SortOrder selects ascending or descending projection order.
type SortOrder int

const (
	SortOrderDesc SortOrder = iota
	SortOrderAsc
)

// ParseSortField maps a configuration string onto a sort field. Unknown or
// empty values fall back to cpu.
func ParseSortField(value string) SortField {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "memory", "mem":
		return SortFieldMemory
	case "name":
		return SortFieldName
	case "pid":
		return SortFieldPid
	default:
		return SortFieldCPU
	}
}

// ParseSortOrder maps a configuration string onto a sort order. Unknown or
// empty values fall back to descending.
func ParseSortOrder(value string) SortOrder {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "asc", "ascending":
		return SortOrderAsc
	default:
		return SortOrderDesc
	}
}

// ViewOptions shape one projection of the registry.
type ViewOptions struct {
	SortBy SortField
	Order  SortOrder
	// Limit truncates the projection after sorting; zero or negative means
	// unlimited, so a low limit still reflects the true top-N.
	Limit int
}

// CurrentView returns an ordered, read-only copy of the active set (Pending,
// Alive, and Exiting records). Sorting is stable with ties broken by
// ascending pid.
func (r *Registry) CurrentView(options ViewOptions) []ProcessRecord {
	r.lock.RLock()
	view := make([]ProcessRecord, 0, len(r.live))
	for _, key := range r.live {
		record := r.records[key]
		if record == nil {
			continue
		}
		view = append(view, *record)
	}
	r.lock.RUnlock()

	sortRecords(view, options.SortBy, options.Order)

	if options.Limit > 0 && options.Limit < len(view) {
		view = view[:options.Limit]
	}

	return view
}

func sortRecords(view []ProcessRecord, field SortField, order SortOrder) {
	sort.SliceStable(view, func(i, j int) bool {
		a, b := &view[i], &view[j]

		var less, equal bool
		switch field {
		case SortFieldMemory:
			less = a.MemoryPercent < b.MemoryPercent
			equal = a.MemoryPercent == b.MemoryPercent
		case SortFieldName:
			less = a.Name < b.Name
			equal = a.Name == b.Name
		case SortFieldPid:
			less = a.Pid < b.Pid
			equal = a.Pid == b.Pid
		default:
			less = a.CPUPercent < b.CPUPercent
			equal = a.CPUPercent == b.CPUPercent
		}

		if equal {
			return a.Pid < b.Pid // Ties always break by ascending pid.
		}
		if order == SortOrderAsc {
			return less
		}
		return !less
	})
}
