package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"

	"github.com/Control-D-Inc/tunneld/internal/dnscache"
	"github.com/Control-D-Inc/tunneld/internal/session"
	"github.com/Control-D-Inc/tunneld/internal/trafficstats"
)

// listenerBuilder establishes the desktop tunnel: a local DNS listener
// forwarding through the session transport.
type listenerBuilder struct {
	addr  func() string
	cache dnscache.Cacher
	rules blocker

	stats atomic.Pointer[trafficstats.Stats]
}

var _ session.TunnelBuilder = (*listenerBuilder)(nil)

// Establish starts the udp and tcp listeners.
func (b *listenerBuilder) Establish(ctx context.Context, p session.TunnelParams) (session.Tunnel, error) {
	addr := b.addr()
	if addr == "" {
		return nil, errors.New("no listen address")
	}
	f := newForwarder(p.Transport, b.cache, b.rules)
	handler := dns.HandlerFunc(func(w dns.ResponseWriter, m *dns.Msg) {
		if err := w.WriteMsg(f.answer(context.Background(), m)); err != nil {
			mainLog.Load().Debug().Err(err).Msg("could not write answer")
		}
	})
	l := &dnsListener{}
	for _, network := range []string{"udp", "tcp"} {
		s, errCh := runDNSServer(addr, network, handler)
		if err := <-errCh; err != nil {
			_ = l.Close()
			if errors.Is(err, os.ErrPermission) {
				return nil, fmt.Errorf("listening on %s: %w: %v", addr, session.ErrNotAuthorized, err)
			}
			return nil, fmt.Errorf("listening on %s/%s: %w", addr, network, err)
		}
		l.servers = append(l.servers, s)
	}
	b.stats.Store(p.Stats)
	mainLog.Load().Notice().Msgf("tunnel %q listening on %s", p.Name, addr)
	return l, nil
}

// currentStats returns the traffic counters of the last established tunnel.
func (b *listenerBuilder) currentStats() *trafficstats.Stats {
	return b.stats.Load()
}

type dnsListener struct {
	once    sync.Once
	servers []*dns.Server
	err     error
}

func (l *dnsListener) Close() error {
	l.once.Do(func() {
		var errs []error
		for _, s := range l.servers {
			errs = append(errs, s.Shutdown())
		}
		l.err = errors.Join(errs...)
	})
	return l.err
}

// runDNSServer starts s, the returned channel yields nil once it is serving,
// or the error preventing it to.
func runDNSServer(addr, network string, handler dns.Handler) (*dns.Server, <-chan error) {
	s := &dns.Server{
		Addr:    addr,
		Net:     network,
		Handler: handler,
	}
	errCh := make(chan error, 1)
	var once sync.Once
	s.NotifyStartedFunc = func() { once.Do(func() { errCh <- nil }) }
	go func() {
		if err := s.ListenAndServe(); err != nil {
			once.Do(func() { errCh <- err })
			mainLog.Load().Debug().Err(err).Msgf("dns server on %s/%s stopped", s.Addr, network)
		}
	}()
	return s, errCh
}
