package cli

import (
	"errors"
	"os"

	"github.com/kardianos/service"
)

// newService wraps service.New, so every command builds the service the same way.
func newService(i service.Interface, c *service.Config) (service.Service, error) {
	return service.New(i, c)
}

// installService installs s unless it is already installed.
func installService(s service.Service) error {
	if _, err := s.Status(); err == nil {
		return nil
	} else if !errors.Is(err, service.ErrNotInstalled) {
		return err
	}
	if err := s.Install(); err != nil {
		return err
	}
	if err := configureServiceRecovery(svcConfig.Name); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not configure service recovery")
	}
	mainLog.Load().Notice().Msg("Service installed")
	return nil
}

func checkHasElevatedPrivilege() {
	ok, err := hasElevatedPrivilege()
	if err != nil {
		mainLog.Load().Error().Msgf("could not detect user privilege: %v", err)
		return
	}
	if !ok {
		mainLog.Load().Error().Msg("Please relaunch process with admin/root privilege.")
		os.Exit(1)
	}
}
