package host

import (
	"os"

	"github.com/denisbrodbeck/machineid"
	"github.com/pkg/errors"
)

// MachineId returns a stable identifier for this host. When the platform
// machine id is unreadable (common inside minimal containers) the hostname is
// used instead so reports always carry some identity.
func MachineId() (string, error) {
	machineId, err := machineid.ID()
	if err == nil {
		return machineId, nil
	}

	hostname, hostnameErr := os.Hostname()
	if hostnameErr != nil {
		return "", errors.WithMessage(err, "get machine id")
	}
	return hostname, nil
}
