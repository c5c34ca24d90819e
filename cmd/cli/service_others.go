//go:build !windows

package cli

import (
	"os"
)

func hasElevatedPrivilege() (bool, error) {
	return os.Geteuid() == 0, nil
}

// configureServiceRecovery is a no-op, the unit files of kardianos/service
// already restart a crashed process.
func configureServiceRecovery(string) error { return nil }
