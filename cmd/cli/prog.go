package cli

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/Control-D-Inc/tunneld/internal/dnscache"
	tunnelnet "github.com/Control-D-Inc/tunneld/internal/net"
	"github.com/Control-D-Inc/tunneld/internal/netwatch"
	"github.com/Control-D-Inc/tunneld/internal/resolvconffile"
	"github.com/Control-D-Inc/tunneld/internal/rules"
	"github.com/Control-D-Inc/tunneld/internal/session"
	"github.com/Control-D-Inc/tunneld/internal/transport"
	"github.com/Control-D-Inc/tunneld/internal/upstream"
)

const (
	controlSocketName = "tunneld_control.sock"
	defaultCacheSize  = 4096
	stopTimeout       = 10 * time.Second
)

var svcConfig = &service.Config{
	Name:        "tunneld",
	DisplayName: "tunneld Encrypted DNS Tunnel",
	Description: "Forwards the system DNS traffic through encrypted upstream resolvers",
}

type prog struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	source   *viperSource
	ctrl     sessionCommander
	notifier *logNotifier
	tunnels  *listenerBuilder
	reg      *prometheus.Registry
	cs       *controlServer
}

func (p *prog) Start(s service.Service) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		if err := p.run(ctx); err != nil {
			mainLog.Load().Fatal().Err(err).Msg("tunneld stopped")
		}
	}()
	return nil
}

func (p *prog) Stop(s service.Service) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		mainLog.Load().Warn().Msg("timed out waiting for the session to stop")
	}
	mainLog.Load().Notice().Msg("Service stopped")
	return nil
}

// newCache returns the response cache of the current settings, nil if disabled.
func newCache() dnscache.Cacher {
	if !cfg.Service.CacheEnable {
		return nil
	}
	size := cfg.Service.CacheSize
	if size == 0 {
		size = defaultCacheSize
	}
	c, err := dnscache.New(size)
	if err != nil {
		mainLog.Load().Error().Err(err).Msg("failed to create cacher, caching is disabled")
		return nil
	}
	return c
}

// newSessionDeps wires the collaborators of a session controller.
func newSessionDeps(source *viperSource, cache dnscache.Cacher, engine *rules.Engine, tunnels session.TunnelBuilder, notifier session.Notifier) session.Deps {
	deps := session.Deps{
		Source:     source,
		Transports: transport.NewFactory(),
		Tunnels:    tunnels,
		Rules:      engine,
		Notifier:   notifier,
	}
	if cache != nil {
		deps.Cache = cache
	}
	return deps
}

// bootstrapLookup resolves upstream hosts through the system nameservers
// first, then the built-in ones.
func bootstrapLookup() upstream.LookupFunc {
	ns := resolvconffile.NameServersWithPort()
	ns = append(ns, upstream.DefaultBootstrapNameservers...)
	return upstream.BootstrapLookup(ns)
}

func rulesOf(source *viperSource) func() map[string]string {
	return func() map[string]string {
		if c := source.current(); c != nil {
			return c.Rule
		}
		return nil
	}
}

func (p *prog) run(ctx context.Context) error {
	cache := newCache()
	p.source = newViperSource(v, false)
	engine := rules.New(rulesOf(p.source))
	p.notifier = &logNotifier{}
	p.tunnels = &listenerBuilder{
		addr: func() string {
			if c := p.source.current(); c != nil {
				return c.Service.ListenAddress
			}
			return cfg.Service.ListenAddress
		},
		cache: cache,
		rules: engine,
	}
	ctrl := session.NewController(
		newSessionDeps(p.source, cache, engine, p.tunnels, p.notifier),
		session.Options{Lookup: bootstrapLookup()},
	)
	p.ctrl = ctrl
	p.reg = newRegistry()

	if dir, err := socketDir(); err == nil {
		p.cs = newControlServer(filepath.Join(dir, controlSocketName))
		p.registerControlServerHandler()
		if err := p.cs.start(); err != nil {
			mainLog.Load().Warn().Err(err).Msg("could not start control server")
			p.cs = nil
		}
	} else {
		mainLog.Load().Warn().Err(err).Msg("could not find socket directory")
	}
	defer func() {
		if p.cs != nil {
			if err := p.cs.stop(); err != nil {
				mainLog.Load().Warn().Err(err).Msg("could not stop control server")
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return runMetricsServer(gctx, cfg.Service.MetricsListener, p.reg) })
	g.Go(func() error {
		logBroadcasts(gctx, ctrl)
		return nil
	})
	if w, err := netwatch.New(noPrivateDNS); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not monitor network changes")
	} else {
		defer w.Close()
		g.Go(func() error {
			forwardNetworkEvents(gctx, w.Events(), ctrl)
			return nil
		})
	}

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(in fsnotify.Event) {
			mainLog.Load().Notice().Msgf("config file changed (%s), reloading", in.Op)
			ctrl.Restart(true)
		})
		v.WatchConfig()
	}
	if !tunnelnet.Up() {
		mainLog.Load().Warn().Msg("network is down, upstreams are resolved once it is back")
	}
	ctrl.Start(nil)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// noPrivateDNS is the desktop private DNS probe, desktop systems have no
// override that bypasses the local listener.
func noPrivateDNS() bool { return false }

func forwardNetworkEvents(ctx context.Context, events <-chan netwatch.Event, ctrl interface{ NetworkChanged(netwatch.Event) }) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			mainLog.Load().Info().Msgf("network change: %s", ev.Kind)
			tunnelnet.ResetStack()
			ctrl.NetworkChanged(ev)
		}
	}
}

func logBroadcasts(ctx context.Context, ctrl *session.Controller) {
	ch, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-ch:
			mainLog.Load().Notice().Msgf("session: %s", b)
		}
	}
}
