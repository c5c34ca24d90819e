// Package transport forwards tunnel queries to the upstream resolvers of a
// server configuration.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"github.com/Control-D-Inc/tunneld"
	ctrldnet "github.com/Control-D-Inc/tunneld/internal/net"
	"github.com/Control-D-Inc/tunneld/internal/servercfg"
	"github.com/Control-D-Inc/tunneld/internal/session"
	"github.com/Control-D-Inc/tunneld/internal/upstream"
)

var (
	errNoUsableServer = errors.New("no upstream has a resolved address")
	errAllFailed      = errors.New("all upstreams failed")
	errClosed         = errors.New("transport is closed")
)

// Factory establishes transports over tunneld resolvers.
type Factory struct {
	// NewResolver builds the resolver of an upstream pinned to ip.
	NewResolver func(uc *tunneld.UpstreamConfig, ip netip.Addr) (tunneld.Resolver, error)
	// SupportsIPv6 reports whether the host can reach IPv6 upstreams.
	SupportsIPv6 func() bool
}

// NewFactory returns a Factory building real resolvers.
func NewFactory() *Factory {
	return &Factory{
		NewResolver:  tunneld.NewResolver,
		SupportsIPv6: ctrldnet.SupportsIPv6,
	}
}

var _ session.TransportFactory = (*Factory)(nil)

// Establish pins one resolver per server to its resolved address. Servers
// without an address yet are pinned once their resolution finishes.
func (f *Factory) Establish(ctx context.Context, p session.Params) (session.Transport, error) {
	t := &Transport{
		stats:        p.Stats,
		onQuery:      p.OnQuery,
		newResolver:  f.NewResolver,
		supportsIPv6: f.SupportsIPv6,
	}
	for _, s := range p.Config.Servers() {
		u := &pinnedUpstream{server: s}
		t.upstreams = append(t.upstreams, u)
		addrs, _, err := s.Address.Result()
		if err == nil && len(addrs) > 0 {
			t.pin(u, addrs)
		}
		u.listener = s.Address.WhenResolveFinished(func(r upstream.Result) {
			if r.Err == nil {
				t.pin(u, r.Addrs)
			}
		})
	}
	if !t.usable() {
		t.Close()
		return nil, errNoUsableServer
	}
	return t, nil
}

// pinnedUpstream is a server and the resolver pinned to its current address.
type pinnedUpstream struct {
	server   servercfg.Server
	listener upstream.ListenerHandle

	mu       sync.RWMutex
	ip       netip.Addr
	resolver tunneld.Resolver
}

func (u *pinnedUpstream) current() (tunneld.Resolver, netip.Addr) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.resolver, u.ip
}

// Transport is an established transport handle.
type Transport struct {
	stats        statsRecorder
	onQuery      func(total uint64)
	newResolver  func(uc *tunneld.UpstreamConfig, ip netip.Addr) (tunneld.Resolver, error)
	supportsIPv6 func() bool

	upstreams []*pinnedUpstream
	queries   atomic.Uint64
	closed    atomic.Bool
}

// statsRecorder is the part of the traffic counters the transport writes.
type statsRecorder interface {
	RecordQuery(n int)
	RecordAnswer(n int, latency time.Duration)
	RecordFailure(latency time.Duration)
	RecordExchange(desc string)
}

func (t *Transport) pin(u *pinnedUpstream, addrs []netip.Addr) {
	if t.closed.Load() {
		return
	}
	ip := pickAddr(addrs)
	if !ip.IsValid() {
		return
	}
	r, err := t.newResolver(u.server.Upstream, ip)
	if err != nil {
		tunneld.ProxyLogger.Load().Warn().Err(err).Msgf("transport: could not pin %s", u.server.Address)
		return
	}
	u.mu.Lock()
	old := u.resolver
	u.ip, u.resolver = ip, r
	u.mu.Unlock()
	closeIdle(old)
	tunneld.ProxyLogger.Load().Debug().Msgf("transport: %s pinned to %s", u.server.Address, ip)
}

// pickAddr prefers IPv4, an IPv6 address is used only when nothing else is known.
func pickAddr(addrs []netip.Addr) netip.Addr {
	var v6 netip.Addr
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap()
		}
		if !v6.IsValid() {
			v6 = a
		}
	}
	return v6
}

func (t *Transport) usable() bool {
	for _, u := range t.upstreams {
		if r, _ := u.current(); r != nil {
			return true
		}
	}
	return false
}

// IPv4Enabled reports whether the tunnel should announce IPv4 DNS servers.
func (t *Transport) IPv4Enabled() bool {
	v4, v6 := t.families()
	return v4 || !v6
}

// IPv6Enabled reports whether the tunnel should announce IPv6 DNS servers.
func (t *Transport) IPv6Enabled() bool {
	_, v6 := t.families()
	return v6 || (t.supportsIPv6 != nil && t.supportsIPv6())
}

func (t *Transport) families() (v4, v6 bool) {
	for _, u := range t.upstreams {
		_, ip := u.current()
		switch {
		case !ip.IsValid():
		case ip.Is4():
			v4 = true
		default:
			v6 = true
		}
	}
	return v4, v6
}

// Exchange forwards msg upstream, the primary group first.
func (t *Transport) Exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	if t.closed.Load() {
		return nil, errClosed
	}
	start := time.Now()
	t.stats.RecordQuery(msg.Len())
	total := t.queries.Add(1)
	if t.onQuery != nil {
		t.onQuery(total)
	}
	question := "."
	if len(msg.Question) > 0 {
		q := msg.Question[0]
		question = q.Name + " " + dns.TypeToString[q.Qtype]
	}

	var errs []error
	for _, u := range t.upstreams {
		r, ip := u.current()
		if r == nil {
			// Nudge the address, it is used once its resolution finishes.
			u.server.Address.ResolveOrResult(true)
			continue
		}
		answer, err := r.Resolve(ctx, msg)
		if err != nil {
			tunneld.Log(ctx, tunneld.ProxyLogger.Load().Debug().Err(err), "transport: %s via %s failed", question, u.server.Address)
			errs = append(errs, fmt.Errorf("%s: %w", u.server.Address, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		latency := time.Since(start)
		t.stats.RecordAnswer(answer.Len(), latency)
		t.stats.RecordExchange(fmt.Sprintf("%s via %s (%s) rcode=%s in %s",
			question, u.server.Address, ip, dns.RcodeToString[answer.Rcode], latency.Round(time.Millisecond)))
		return answer, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errNoUsableServer)
	}
	t.stats.RecordFailure(time.Since(start))
	t.stats.RecordExchange(fmt.Sprintf("%s failed", question))
	return nil, fmt.Errorf("%w: %w", errAllFailed, errors.Join(errs...))
}

// Close unregisters resolution listeners and drops idle connections.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	for _, u := range t.upstreams {
		u.server.Address.RemoveListener(u.listener)
		r, _ := u.current()
		closeIdle(r)
	}
	return nil
}

func closeIdle(r tunneld.Resolver) {
	if c, ok := r.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
}
