package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/miekg/dns"
	"github.com/spf13/viper"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/dnscache"
	tunnelnet "github.com/Control-D-Inc/tunneld/internal/net"
	"github.com/Control-D-Inc/tunneld/internal/netwatch"
	"github.com/Control-D-Inc/tunneld/internal/rules"
	"github.com/Control-D-Inc/tunneld/internal/session"
)

var errNoTunnel = errors.New("tunnel is not established")

// AppCallback provides hooks for the mobile host to establish the platform
// tunnel and receive notifications.
type AppCallback struct {
	// EstablishTunnel asks the host to route the given dns servers through
	// the tunnel. A false return means the host lacks the VPN permission.
	EstablishTunnel func(name string, dnsServers []string, ipv4, ipv6 bool) bool
	CloseTunnel     func()
	// Notify receives session broadcasts and operator notifications.
	Notify func(event, detail string)
}

// AppConfig allows overwriting tunneld cli flags from mobile platforms.
type AppConfig struct {
	ConfigPath string
	HomeDir    string
	Verbose    int
	LogPath    string
}

// MobileSession is a tunnel session driven by a mobile host.
type MobileSession struct {
	ctrl    *session.Controller
	tunnels *appTunnelBuilder
	cancel  context.CancelFunc
	done    chan struct{}
}

// StartMobileSession starts the session machinery. Commands are accepted
// until Close is called.
func StartMobileSession(appCfg *AppConfig, cb *AppCallback) *MobileSession {
	homedir = appCfg.HomeDir
	verbose = appCfg.Verbose
	mv := viper.NewWithOptions(viper.KeyDelimiter("::"))
	tunneld.InitConfig(mv, "tunneld")
	if appCfg.ConfigPath != "" {
		mv.SetConfigFile(appCfg.ConfigPath)
	}
	if err := mv.ReadInConfig(); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not read config, using defaults")
	}
	if err := mv.Unmarshal(&cfg); err != nil {
		mainLog.Load().Warn().Err(err).Msg("could not unmarshal config")
	}
	if appCfg.LogPath != "" {
		cfg.Service.LogPath = appCfg.LogPath
	}
	initLoggingWithBackup(false)

	source := newViperSource(mv, true)
	cache := newCache()
	engine := rules.New(rulesOf(source))
	notifier := &logNotifier{forward: cb.Notify}
	tunnels := &appTunnelBuilder{cb: cb, cache: cache, rules: engine}
	ctrl := session.NewController(newSessionDeps(source, cache, engine, tunnels, notifier), session.Options{Lookup: bootstrapLookup()})

	ctx, cancel := context.WithCancel(context.Background())
	ms := &MobileSession{ctrl: ctrl, tunnels: tunnels, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(ms.done)
		if err := ctrl.Run(ctx); err != nil {
			mainLog.Load().Error().Err(err).Msg("session stopped")
		}
	}()
	go forwardBroadcasts(ctx, ctrl, cb.Notify)
	return ms
}

func forwardBroadcasts(ctx context.Context, ctrl *session.Controller, notify func(event, detail string)) {
	ch, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-ch:
			if notify != nil {
				notify(string(b), "")
			}
		}
	}
}

func (ms *MobileSession) Start() { ms.ctrl.Start(nil) }

func (ms *MobileSession) Stop() { ms.ctrl.Stop() }

func (ms *MobileSession) Pause() { ms.ctrl.Pause() }

func (ms *MobileSession) Resume() { ms.ctrl.Resume() }

func (ms *MobileSession) Restart(reload bool) { ms.ctrl.Restart(reload) }

func (ms *MobileSession) InvalidateCache() { ms.ctrl.InvalidateCache() }

func (ms *MobileSession) State() string { return ms.ctrl.State().String() }

func (ms *MobileSession) NetworkChanged(kind netwatch.Kind, privateDNS bool) {
	tunnelnet.ResetStack()
	ms.ctrl.NetworkChanged(netwatch.Event{Kind: kind, PrivateDNS: privateDNS})
}

// HandleQuery answers a wire format DNS query received on the tunnel.
func (ms *MobileSession) HandleQuery(packet []byte) ([]byte, error) {
	f := ms.tunnels.current.Load()
	if f == nil {
		return nil, errNoTunnel
	}
	req := new(dns.Msg)
	if err := req.Unpack(packet); err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}
	return f.answer(context.Background(), req).Pack()
}

// Close tears the session down and waits for it to finish.
func (ms *MobileSession) Close() {
	ms.cancel()
	<-ms.done
}

// appTunnelBuilder establishes the platform tunnel through the host.
type appTunnelBuilder struct {
	cb    *AppCallback
	cache dnscache.Cacher
	rules blocker

	mu      sync.Mutex
	current atomic.Pointer[forwarder]
}

var _ session.TunnelBuilder = (*appTunnelBuilder)(nil)

func (b *appTunnelBuilder) Establish(ctx context.Context, p session.TunnelParams) (session.Tunnel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	servers := make([]string, 0, len(p.DNSServers))
	for _, ip := range p.DNSServers {
		servers = append(servers, ip.String())
	}
	if b.cb.EstablishTunnel != nil && !b.cb.EstablishTunnel(p.Name, servers, p.IPv4, p.IPv6) {
		return nil, session.ErrNotAuthorized
	}
	f := newForwarder(p.Transport, b.cache, b.rules)
	b.current.Store(f)
	return &appTunnel{builder: b, f: f}, nil
}

type appTunnel struct {
	builder *appTunnelBuilder
	f       *forwarder
	once    sync.Once
}

func (t *appTunnel) Close() error {
	t.once.Do(func() {
		b := t.builder
		b.mu.Lock()
		defer b.mu.Unlock()
		// A newer tunnel may already be in place.
		if b.current.CompareAndSwap(t.f, nil) && b.cb.CloseTunnel != nil {
			b.cb.CloseTunnel()
		}
	})
	return nil
}
