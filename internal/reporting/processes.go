package reporting

import (
	"encoding/json"
	"time"

	"gopkg.in/guregu/null.v3"

	"github.com/procwatch/agent/internal/registry"
)

// ProcessViewReport is one projection of the registry plus its aggregate
// statistics, as observed at a single refresh tick.
type ProcessViewReport struct {
	SessionId  string                   `json:"session_id"`
	MachineId  string                   `json:"machine_id"`
	ObservedAt null.Time                `json:"observed_at"`
	Processes  []registry.ProcessRecord `json:"processes"`
	Statistics registry.Statistics      `json:"statistics"`
}

func NewProcessViewReport(sessionId, machineId string, view []registry.ProcessRecord,
	statistics registry.Statistics) *ProcessViewReport {
	return &ProcessViewReport{
		SessionId:  sessionId,
		MachineId:  machineId,
		ObservedAt: null.TimeFrom(time.Now().UTC()),
		Processes:  view,
		Statistics: statistics,
	}
}

func (p *ProcessViewReport) ReportName() string {
	return "process-view-report"
}

func (p *ProcessViewReport) DumpReport() ([]byte, error) {
	return json.Marshal(p)
}
