package reporting

import (
	"encoding/json"

	externalip "github.com/glendc/go-external-ip"
	"github.com/pkg/errors"
	psUtilHost "github.com/shirou/gopsutil/host"
	"gopkg.in/guregu/null.v3"

	"github.com/procwatch/agent/internal/types"
)

var ipAddressResolver = externalip.DefaultConsensus(nil, nil)

// HostStatusReport identifies the host a monitoring session runs on. Emitted
// once at startup.
type HostStatusReport struct {
	SessionId       string    `json:"session_id"`
	MachineId       string    `json:"machine_id"`
	Hostname        string    `json:"hostname"`
	PublicIpAddress string    `json:"public_ip_address,omitempty"`
	LastBootTime    null.Time `json:"last_boot_at"`
	OS              string    `json:"operating_system"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platform_version"`
	KernelVersion   string    `json:"kernel_version"`
}

func NewHostStatusReport(sessionId, machineId string) (*HostStatusReport, error) {
	hostInfo, err := psUtilHost.Info()
	if err != nil {
		return nil, errors.WithMessage(err, "get host info")
	}

	report := &HostStatusReport{
		SessionId:       sessionId,
		MachineId:       machineId,
		Hostname:        hostInfo.Hostname,
		LastBootTime:    types.NullTimeFromTimestamp(int64(hostInfo.BootTime)),
		OS:              hostInfo.OS,
		Platform:        hostInfo.Platform,
		PlatformVersion: hostInfo.PlatformVersion,
		KernelVersion:   hostInfo.KernelVersion,
	}

	// Best-effort: a host without outbound connectivity still gets a report.
	if publicIpAddress, err := ipAddressResolver.ExternalIP(); err == nil {
		report.PublicIpAddress = publicIpAddress.String()
	}

	return report, nil
}

func (h *HostStatusReport) ReportName() string {
	return "host-status-report"
}

func (h *HostStatusReport) DumpReport() ([]byte, error) {
	return json.Marshal(h)
}
