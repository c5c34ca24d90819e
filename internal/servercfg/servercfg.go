// Package servercfg builds the immutable DNS server configuration snapshot
// a tunnel session forwards to.
package servercfg

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/upstream"
)

var errNoUpstream = errors.New("no usable upstream")

// Server is one upstream of a group, with the address it resolves to.
type Server struct {
	Upstream *tunneld.UpstreamConfig
	Address  *upstream.Address
}

// Config is a snapshot of the DNS servers of a session.
//
// It is never mutated after Build returns; only the resolution state of its
// addresses changes.
type Config struct {
	Name    string
	HTTPS   []Server
	TLS     []Server
	QUIC    []Server
	Primary upstream.Kind
}

// Build creates a Config from cfg, resolving upstream hosts with lookup.
//
// Every call returns fresh addresses, nothing is shared with earlier snapshots.
// Upstreams with an explicit bootstrap ip use it instead of looking up their host.
func Build(cfg *tunneld.Config, lookup upstream.LookupFunc) (*Config, error) {
	sc := &Config{Name: cfg.Service.Name}
	primarySet := false
	switch cfg.Service.Primary {
	case tunneld.ResolverTypeDOH:
		sc.Primary, primarySet = upstream.KindHTTPS, true
	case tunneld.ResolverTypeDOT:
		sc.Primary, primarySet = upstream.KindTLS, true
	case tunneld.ResolverTypeDOQ:
		sc.Primary, primarySet = upstream.KindQUIC, true
	}

	rootCAs, err := cfg.RootCAs()
	if err != nil {
		return nil, fmt.Errorf("service.ca_cert_file: %w", err)
	}
	for _, n := range cfg.UpstreamNames() {
		uc := *cfg.Upstream[n]
		if err := uc.Init(); err != nil {
			return nil, fmt.Errorf("upstream.%s: %w", n, err)
		}
		uc.SetCertPool(rootCAs)
		kind, err := kindOf(uc.Type)
		if err != nil {
			return nil, fmt.Errorf("upstream.%s: %w", n, err)
		}
		host := uc.Domain
		if uc.BootstrapIP != "" {
			host = uc.BootstrapIP
		}
		s := Server{
			Upstream: &uc,
			Address:  upstream.NewAddress(kind, host, uc.Port, lookup),
		}
		switch kind {
		case upstream.KindHTTPS:
			sc.HTTPS = append(sc.HTTPS, s)
		case upstream.KindTLS:
			sc.TLS = append(sc.TLS, s)
		case upstream.KindQUIC:
			sc.QUIC = append(sc.QUIC, s)
		}
		if !primarySet {
			sc.Primary, primarySet = kind, true
		}
	}
	if len(sc.Group(sc.Primary)) == 0 {
		return nil, fmt.Errorf("%w: primary group %s is empty", errNoUpstream, sc.Primary)
	}
	return sc, nil
}

func kindOf(typ string) (upstream.Kind, error) {
	switch typ {
	case tunneld.ResolverTypeDOH, tunneld.ResolverTypeDOH3:
		return upstream.KindHTTPS, nil
	case tunneld.ResolverTypeDOT:
		return upstream.KindTLS, nil
	case tunneld.ResolverTypeDOQ:
		return upstream.KindQUIC, nil
	}
	return 0, fmt.Errorf("unsupported upstream type %q", typ)
}

// Group returns the servers of the given kind.
func (c *Config) Group(kind upstream.Kind) []Server {
	switch kind {
	case upstream.KindHTTPS:
		return c.HTTPS
	case upstream.KindTLS:
		return c.TLS
	case upstream.KindQUIC:
		return c.QUIC
	}
	return nil
}

// Servers returns all servers, the primary group first.
func (c *Config) Servers() []Server {
	servers := make([]Server, 0, len(c.HTTPS)+len(c.TLS)+len(c.QUIC))
	servers = append(servers, c.Group(c.Primary)...)
	for _, kind := range []upstream.Kind{upstream.KindHTTPS, upstream.KindTLS, upstream.KindQUIC} {
		if kind != c.Primary {
			servers = append(servers, c.Group(kind)...)
		}
	}
	return servers
}

// Addresses returns the addresses of all servers, the primary group first.
func (c *Config) Addresses() []*upstream.Address {
	servers := c.Servers()
	addrs := make([]*upstream.Address, len(servers))
	for i, s := range servers {
		addrs[i] = s.Address
	}
	return addrs
}

// ResetAddresses resets the resolution state of every address.
func (c *Config) ResetAddresses() {
	for _, a := range c.Addresses() {
		a.Reset()
	}
}

// DummyIPs returns the placeholder DNS server addresses announced to the
// platform tunnel, one per server and address family.
func (c *Config) DummyIPs(v4, v6 bool) []netip.Addr {
	var ips []netip.Addr
	for _, kind := range []upstream.Kind{upstream.KindHTTPS, upstream.KindTLS, upstream.KindQUIC} {
		for i := range c.Group(kind) {
			if v4 {
				if ip, ok := DummyIP(kind, i, false); ok {
					ips = append(ips, ip)
				}
			}
			if v6 {
				if ip, ok := DummyIP(kind, i, true); ok {
					ips = append(ips, ip)
				}
			}
		}
	}
	return ips
}
