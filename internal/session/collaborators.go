package session

import (
	"context"
	"errors"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/servercfg"
	"github.com/Control-D-Inc/tunneld/internal/trafficstats"
)

// ErrNotAuthorized is matched against establishment errors caused by
// insufficient platform permission. Such failures are never retried.
var ErrNotAuthorized = errors.New("not authorized to establish the tunnel")

// Params is what a transport is established with.
type Params struct {
	Config *servercfg.Config
	Stats  *trafficstats.Stats
	// OnQuery is called with the running total after every forwarded query.
	OnQuery func(total uint64)
}

// Transport is an established handle forwarding DNS queries upstream.
type Transport interface {
	IPv4Enabled() bool
	IPv6Enabled() bool
	Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
	Close() error
}

// TransportFactory establishes transports.
type TransportFactory interface {
	Establish(ctx context.Context, p Params) (Transport, error)
}

// TunnelParams is what the platform tunnel is established with.
type TunnelParams struct {
	Name string
	// DNSServers are the placeholder server addresses announced to the platform.
	DNSServers []netip.Addr
	IPv4       bool
	IPv6       bool
	Transport  Transport
	Stats      *trafficstats.Stats
}

// Tunnel is an established platform tunnel.
type Tunnel interface {
	Close() error
}

// TunnelBuilder establishes the platform tunnel.
type TunnelBuilder interface {
	Establish(ctx context.Context, p TunnelParams) (Tunnel, error)
}

// Cache is the response cache.
type Cache interface {
	Clear()
}

// Rules is the local rule engine.
type Rules interface {
	Cleanup()
	RefreshRuleCount() int
}

// SettingsSource loads the stored settings.
type SettingsSource interface {
	Load() (*tunneld.Config, error)
}

// Notifier receives the conditions surfaced to the operator. Every signal
// set to true is cleared again once the condition goes away.
type Notifier interface {
	DegradedConnectivity(degraded bool)
	BadConnection(bad bool)
	AuthorizationRequired()
	PrivateDNSConflict()
	Failure(err error)
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Source     SettingsSource
	Transports TransportFactory
	Tunnels    TunnelBuilder
	Cache      Cache
	Rules      Rules
	Notifier   Notifier
}

type nopNotifier struct{}

func (nopNotifier) DegradedConnectivity(bool) {}
func (nopNotifier) BadConnection(bool)        {}
func (nopNotifier) AuthorizationRequired()    {}
func (nopNotifier) PrivateDNSConflict()       {}
func (nopNotifier) Failure(error)             {}
