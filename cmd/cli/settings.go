package cli

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/session"
)

var errInvalidSettings = errors.New("invalid settings")

// viperSource loads the stored settings from a viper instance.
type viperSource struct {
	v        *viper.Viper
	validate *validator.Validate
	// reread makes every Load read the config file again. The daemon
	// watches the file instead.
	reread bool

	mu   sync.Mutex
	last *tunneld.Config
}

var _ session.SettingsSource = (*viperSource)(nil)

func newViperSource(v *viper.Viper, reread bool) *viperSource {
	return &viperSource{v: v, validate: validator.New(), reread: reread}
}

// Load returns the validated settings.
func (s *viperSource) Load() (*tunneld.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reread && s.v.ConfigFileUsed() != "" {
		if err := s.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", s.v.ConfigFileUsed(), err)
		}
	}
	c := new(tunneld.Config)
	if err := s.v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidSettings, err)
	}
	if err := tunneld.ValidateConfig(s.validate, c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				mainLog.Load().Error().Msgf("invalid setting %s: %s %s", fe.Namespace(), fe.Tag(), fe.Param())
			}
		}
		return nil, fmt.Errorf("%w: %v", errInvalidSettings, err)
	}
	s.last = c
	mainLog.Load().Debug().Msgf("loaded settings with %d upstreams", len(c.Upstream))
	return c, nil
}

// current returns the settings of the last successful Load, nil if none.
func (s *viperSource) current() *tunneld.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
