// Package tunneld_library exposes the tunnel session to mobile hosts, the
// android vpn service and the iOS network extension.
package tunneld_library

import (
	"errors"
	"strings"

	"github.com/Control-D-Inc/tunneld/cmd/cli"
	"github.com/Control-D-Inc/tunneld/internal/netwatch"
)

// Network change kinds passed to NetworkChanged.
const (
	NetworkConnectivityLost      = int(netwatch.ConnectivityLost)
	NetworkConnectivityAvailable = int(netwatch.ConnectivityAvailable)
	NetworkLinkChanged           = int(netwatch.LinkChanged)
)

var errNotStarted = errors.New("controller is not started")

// AppCallback provides access to app instance.
type AppCallback interface {
	// EstablishTunnel routes the comma separated dnsServers through the
	// tunnel, returning false when the vpn permission is missing.
	EstablishTunnel(name string, dnsServers string, ipv4, ipv6 bool) bool
	CloseTunnel()
	Notify(event string, detail string)
}

// Controller holds global state.
// It is not safe for concurrent use.
type Controller struct {
	AppCallback AppCallback
	Config      cli.AppConfig

	session *cli.MobileSession
}

// NewController returns a Controller managed by the host vpn service.
func NewController(appCallback AppCallback) *Controller {
	return &Controller{AppCallback: appCallback}
}

// Start starts the session with the config file at configPath.
func (c *Controller) Start(configPath string, homeDir string, logLevel int, logPath string) {
	if c.session == nil {
		cli.InitConsoleLogging()
		c.Config = cli.AppConfig{
			ConfigPath: configPath,
			HomeDir:    homeDir,
			Verbose:    logLevel,
			LogPath:    logPath,
		}
		appCallback := mapCallback(c.AppCallback)
		c.session = cli.StartMobileSession(&c.Config, &appCallback)
	}
	c.session.Start()
}

// As workaround to avoid circular dependency between cli and tunneld_library module.
func mapCallback(callback AppCallback) cli.AppCallback {
	return cli.AppCallback{
		EstablishTunnel: func(name string, dnsServers []string, ipv4, ipv6 bool) bool {
			return callback.EstablishTunnel(name, strings.Join(dnsServers, ","), ipv4, ipv6)
		},
		CloseTunnel: func() {
			callback.CloseTunnel()
		},
		Notify: func(event, detail string) {
			callback.Notify(event, detail)
		},
	}
}

func (c *Controller) Stop() {
	if c.session != nil {
		c.session.Stop()
	}
}

func (c *Controller) Pause() {
	if c.session != nil {
		c.session.Pause()
	}
}

func (c *Controller) Resume() {
	if c.session != nil {
		c.session.Resume()
	}
}

func (c *Controller) Restart(reload bool) {
	if c.session != nil {
		c.session.Restart(reload)
	}
}

func (c *Controller) InvalidateCache() {
	if c.session != nil {
		c.session.InvalidateCache()
	}
}

// NetworkChanged reports a network change of the given kind.
func (c *Controller) NetworkChanged(kind int, privateDNS bool) {
	if c.session != nil {
		c.session.NetworkChanged(netwatch.Kind(kind), privateDNS)
	}
}

// HandleQuery answers a wire format DNS query sent to one of the tunnel dns servers.
func (c *Controller) HandleQuery(packet []byte) ([]byte, error) {
	if c.session == nil {
		return nil, errNotStarted
	}
	return c.session.HandleQuery(packet)
}

// State returns the session state name.
func (c *Controller) State() string {
	if c.session == nil {
		return "stopped"
	}
	return c.session.State()
}

// Shutdown destroys the session, a later Start creates a new one.
func (c *Controller) Shutdown() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

func (c *Controller) IsRunning() bool {
	return c.session != nil
}
