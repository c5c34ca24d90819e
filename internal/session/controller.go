// Package session implements the tunnel session lifecycle: a command driven
// state machine establishing transports and the platform tunnel once the
// upstream addresses are resolved, and reacting to network changes, address
// resolution outcomes and connection health.
package session

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/netwatch"
	"github.com/Control-D-Inc/tunneld/internal/servercfg"
	"github.com/Control-D-Inc/tunneld/internal/supervisor"
	"github.com/Control-D-Inc/tunneld/internal/trafficstats"
	"github.com/Control-D-Inc/tunneld/internal/upstream"
	"github.com/Control-D-Inc/tunneld/internal/watchdog"
)

const (
	// defaultQuietPeriod is the minimum time between a teardown and the next establishment.
	defaultQuietPeriod = 750 * time.Millisecond
	commandsBuffer     = 32
	broadcastBuffer    = 16
)

var errNoConfig = errors.New("no configuration")

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdStop
	cmdRestart
	cmdPause
	cmdResume
	cmdInvalidateCache
	cmdNetworkChanged
)

var cmdNames = map[cmdKind]string{
	cmdStart:           "start",
	cmdStop:            "stop",
	cmdRestart:         "restart",
	cmdPause:           "pause",
	cmdResume:          "resume",
	cmdInvalidateCache: "invalidate_cache",
	cmdNetworkChanged:  "network_changed",
}

type command struct {
	kind   cmdKind
	cfg    *tunneld.Config
	reload bool
	event  netwatch.Event
}

// Inbox messages.
type (
	establishDue struct{ token uint64 }
	healthEvent  struct {
		instance uint64
		bad      bool
	}
)

// Options tunes a Controller.
type Options struct {
	// QuietPeriod defaults to 750ms.
	QuietPeriod time.Duration
	// Lookup resolves upstream hosts, defaults to the bootstrap nameservers.
	Lookup            upstream.LookupFunc
	SupervisorOptions []supervisor.Option
	WatchdogOptions   []watchdog.Option
	// OnFatal is the last resort handler of an unexpected failure.
	OnFatal func(error)
}

// instance is one established session.
type instance struct {
	id        uint64
	stats     *trafficstats.Stats
	transport Transport
	tunnel    Tunnel
	watchdog  *watchdog.Watchdog
}

// Controller drives the session state machine. Commands are queued and
// processed one at a time by Run.
type Controller struct {
	deps Deps
	opts Options

	cmds  chan command
	inbox *inbox
	done  chan struct{}

	stateMu sync.RWMutex
	state   State

	subMu sync.Mutex
	subs  map[chan Broadcast]struct{}

	// Owned by the Run goroutine.
	cfg            *tunneld.Config
	explicit       bool
	servers        *servercfg.Config
	sup            *supervisor.Supervisor
	gen            uint64
	outcomes       map[*upstream.Address]supervisor.EventKind
	inst           *instance
	instances      uint64
	resuming       bool
	lastTeardown   time.Time
	establishToken uint64
	establishTimer *time.Timer
	degraded       bool
	badConnection  bool
	now            func() time.Time
}

// NewController returns a Controller in StateStopped.
func NewController(deps Deps, opts Options) *Controller {
	if opts.QuietPeriod == 0 {
		opts.QuietPeriod = defaultQuietPeriod
	}
	if opts.Lookup == nil {
		opts.Lookup = upstream.BootstrapLookup(upstream.DefaultBootstrapNameservers)
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	c := &Controller{
		deps:  deps,
		opts:  opts,
		cmds:  make(chan command, commandsBuffer),
		inbox: newInbox(),
		done:  make(chan struct{}),
		subs:  make(map[chan Broadcast]struct{}),
		now:   time.Now,
	}
	c.sup = supervisor.New(func(ev supervisor.Event) { c.inbox.push(ev) }, opts.SupervisorOptions...)
	return c
}

// Start begins a session. A nil cfg uses the stored settings.
func (c *Controller) Start(cfg *tunneld.Config) { c.enqueue(command{kind: cmdStart, cfg: cfg}) }

// Stop tears the session down.
func (c *Controller) Stop() { c.enqueue(command{kind: cmdStop}) }

// Restart re-establishes the session, rebuilding its configuration when reload is true.
func (c *Controller) Restart(reload bool) { c.enqueue(command{kind: cmdRestart, reload: reload}) }

// Pause tears down a running session, keeping its configuration.
func (c *Controller) Pause() { c.enqueue(command{kind: cmdPause}) }

// Resume re-establishes a paused or destroyed session.
func (c *Controller) Resume() { c.enqueue(command{kind: cmdResume}) }

// InvalidateCache clears the response cache and restarts a live session.
func (c *Controller) InvalidateCache() { c.enqueue(command{kind: cmdInvalidateCache}) }

// NetworkChanged reports a change of the host network.
func (c *Controller) NetworkChanged(ev netwatch.Event) {
	c.enqueue(command{kind: cmdNetworkChanged, event: ev})
}

func (c *Controller) enqueue(cmd command) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
		tunneld.ProxyLogger.Load().Warn().Msgf("session: controller stopped, dropping %s", cmdNames[cmd.kind])
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// stats returns the traffic counters of the established session, if any.
func (c *Controller) stats() *trafficstats.Stats {
	if c.inst == nil {
		return nil
	}
	return c.inst.stats
}

// Subscribe returns a channel receiving every broadcast, and a function
// to stop receiving. Broadcasts to a full channel are dropped.
func (c *Controller) Subscribe() (<-chan Broadcast, func()) {
	ch := make(chan Broadcast, broadcastBuffer)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()
	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, ch)
		c.subMu.Unlock()
	}
}

func (c *Controller) broadcast(b Broadcast) {
	tunneld.ProxyLogger.Load().Debug().Msgf("session: broadcasting %s", b)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		select {
		case ch <- b:
		default:
			tunneld.ProxyLogger.Load().Warn().Msgf("session: subscriber is too slow, dropping %s", b)
		}
	}
}

func (c *Controller) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	statsState.Set(float64(s))
	if prev != s {
		tunneld.ProxyLogger.Load().Info().Msgf("session: %s -> %s", prev, s)
	}
}

// Run processes commands until ctx is done, then tears the session down.
// It returns an error only after an unexpected failure, once the session
// has been destroyed.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer close(c.done)
	defer func() {
		if r := recover(); r != nil {
			err = c.fatal(r)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			c.teardown(true)
			if c.State() != StateDestroyed {
				c.setState(StateDestroyed)
			}
			c.sup.Close()
			return nil
		case cmd := <-c.cmds:
			c.handle(ctx, cmd)
		case <-c.inbox.wake:
			for _, m := range c.inbox.drain() {
				c.dispatch(ctx, m)
			}
		}
	}
}

func (c *Controller) fatal(r any) error {
	err := fmt.Errorf("session: unexpected failure: %v", r)
	last := ""
	if s := c.stats(); s != nil {
		last = s.LastExchange()
	}
	tunneld.ProxyLogger.Load().Error().
		Str("last_exchange", last).
		Bytes("stack", debug.Stack()).
		Msg(err.Error())
	func() {
		defer func() {
			if r := recover(); r != nil {
				tunneld.ProxyLogger.Load().Error().Msgf("session: teardown after failure: %v", r)
			}
		}()
		c.teardown(true)
	}()
	c.setState(StateDestroyed)
	c.broadcast(VPNInactive)
	if c.opts.OnFatal != nil {
		c.opts.OnFatal(err)
	}
	return err
}

func (c *Controller) handle(ctx context.Context, cmd command) {
	statsCommands.WithLabelValues(cmdNames[cmd.kind]).Inc()
	state := c.State()
	logger := tunneld.ProxyLogger.Load()
	ignore := func() {
		logger.Debug().Msgf("session: ignoring %s in state %s", cmdNames[cmd.kind], state)
	}

	switch cmd.kind {
	case cmdStart:
		if state != StateStopped && state != StateDestroyed {
			ignore()
			return
		}
		if cmd.cfg != nil {
			c.cfg, c.explicit = cmd.cfg, true
		} else {
			c.explicit = false
			if err := c.loadConfig(); err != nil {
				c.fail(err)
				return
			}
		}
		if err := c.buildServers(); err != nil {
			c.fail(err)
			return
		}
		c.resuming = false
		c.beginResolve()

	case cmdStop:
		if state == StateDestroyed {
			return
		}
		c.teardown(true)
		c.setState(StateDestroyed)
		if state != StateStopped {
			c.broadcast(VPNInactive)
		}

	case cmdRestart:
		c.restart(cmd.reload)

	case cmdPause:
		if state != StateRunning {
			ignore()
			return
		}
		c.teardown(false)
		c.setState(StatePaused)
		c.broadcast(VPNPaused)

	case cmdResume:
		if state != StatePaused && state != StateDestroyed {
			ignore()
			return
		}
		if c.servers == nil {
			if c.cfg == nil {
				if err := c.loadConfig(); err != nil {
					c.fail(err)
					return
				}
			}
			if err := c.buildServers(); err != nil {
				c.fail(err)
				return
			}
		} else if state == StateDestroyed {
			c.servers.ResetAddresses()
		}
		c.resuming = true
		c.beginResolve()

	case cmdInvalidateCache:
		if c.deps.Cache != nil {
			c.deps.Cache.Clear()
		}
		logger.Info().Msg("session: response cache cleared")
		if state.live() {
			c.restart(false)
		}

	case cmdNetworkChanged:
		c.networkChanged(cmd.event)
	}
}

func (c *Controller) dispatch(ctx context.Context, m any) {
	switch m := m.(type) {
	case supervisor.Event:
		c.onResolution(ctx, m)
	case establishDue:
		if m.token == c.establishToken && c.State() == StateStarting {
			c.establish(ctx)
		}
	case healthEvent:
		if c.inst == nil || c.inst.id != m.instance {
			return
		}
		c.setBadConnection(m.bad)
	}
}

func (c *Controller) restart(reload bool) {
	c.teardown(false)
	if reload || c.cfg == nil {
		if !c.explicit {
			if err := c.loadConfig(); err != nil {
				c.fail(err)
				return
			}
		}
		if err := c.buildServers(); err != nil {
			c.fail(err)
			return
		}
	} else if c.servers == nil {
		if err := c.buildServers(); err != nil {
			c.fail(err)
			return
		}
	} else {
		c.servers.ResetAddresses()
	}
	c.resuming = false
	c.beginResolve()
}

func (c *Controller) networkChanged(ev netwatch.Event) {
	state := c.State()
	logger := tunneld.ProxyLogger.Load()
	logger.Debug().Msgf("session: network change %s in state %s", ev.Kind, state)

	if ev.PrivateDNS {
		if !state.live() {
			return
		}
		logger.Warn().Msg("session: system private DNS is active, tearing down")
		c.teardown(true)
		c.setState(StateDestroyed)
		c.broadcast(VPNInactive)
		c.deps.Notifier.PrivateDNSConflict()
		return
	}
	if c.servers == nil || !state.live() {
		return
	}
	if c.cfg != nil && c.cfg.Service.RestartOnNetworkChange {
		c.restart(false)
		return
	}
	c.servers.ResetAddresses()
	c.resolveGeneration()
}

func (c *Controller) loadConfig() error {
	if c.deps.Source == nil {
		return errNoConfig
	}
	cfg, err := c.deps.Source.Load()
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	c.cfg = cfg
	return nil
}

func (c *Controller) buildServers() error {
	if c.cfg == nil {
		return errNoConfig
	}
	sc, err := servercfg.Build(c.cfg, c.opts.Lookup)
	if err != nil {
		return fmt.Errorf("building server configuration: %w", err)
	}
	c.servers = sc
	return nil
}

func (c *Controller) beginResolve() {
	c.setState(StateStarting)
	c.resolveGeneration()
}

// resolveGeneration hands the addresses to a new supervisor generation.
func (c *Controller) resolveGeneration() {
	c.outcomes = make(map[*upstream.Address]supervisor.EventKind)
	c.gen = c.sup.Resolve(c.servers.Addresses())
}

func (c *Controller) onResolution(ctx context.Context, ev supervisor.Event) {
	if ev.Generation != c.gen || c.servers == nil {
		return
	}
	c.outcomes[ev.Address] = ev.Kind
	switch ev.Kind {
	case supervisor.EventResolved:
		if !c.anyUnreachable() {
			c.setDegraded(false)
		}
	case supervisor.EventUnreachable:
		tunneld.ProxyLogger.Load().Warn().Err(ev.Err).Msgf("session: upstream %s is unreachable", ev.Address)
		c.setDegraded(true)
	}

	if c.State() != StateStarting || len(c.outcomes) < len(c.servers.Addresses()) {
		return
	}
	for _, kind := range c.outcomes {
		if kind == supervisor.EventResolved {
			c.scheduleEstablish(ctx)
			return
		}
	}
	tunneld.ProxyLogger.Load().Warn().Msg("session: no upstream address could be resolved, waiting for a network change")
}

func (c *Controller) anyUnreachable() bool {
	for _, kind := range c.outcomes {
		if kind == supervisor.EventUnreachable {
			return true
		}
	}
	return false
}

// scheduleEstablish establishes the session now, or once the quiet period
// since the last teardown is over.
func (c *Controller) scheduleEstablish(ctx context.Context) {
	c.establishToken++
	wait := c.opts.QuietPeriod - c.now().Sub(c.lastTeardown)
	if c.lastTeardown.IsZero() || wait <= 0 {
		c.establish(ctx)
		return
	}
	tunneld.ProxyLogger.Load().Debug().Msgf("session: delaying establishment by %s", wait)
	token := c.establishToken
	c.establishTimer = time.AfterFunc(wait, func() { c.inbox.push(establishDue{token: token}) })
}

func (c *Controller) establish(ctx context.Context) {
	logger := tunneld.ProxyLogger.Load()
	stats := trafficstats.New()
	tr, err := c.deps.Transports.Establish(ctx, Params{
		Config:  c.servers,
		Stats:   stats,
		OnQuery: func(total uint64) { statsQueries.Inc() },
	})
	if err != nil {
		c.establishFailed(err)
		return
	}
	ipv4, ipv6 := tr.IPv4Enabled(), tr.IPv6Enabled()
	tun, err := c.deps.Tunnels.Establish(ctx, TunnelParams{
		Name:       c.servers.Name,
		DNSServers: c.servers.DummyIPs(ipv4, ipv6),
		IPv4:       ipv4,
		IPv6:       ipv6,
		Transport:  tr,
		Stats:      stats,
	})
	if err != nil {
		if cerr := tr.Close(); cerr != nil {
			logger.Debug().Err(cerr).Msg("session: closing transport")
		}
		c.establishFailed(err)
		return
	}

	c.instances++
	inst := &instance{id: c.instances, stats: stats, transport: tr, tunnel: tun}
	c.inst = inst
	if c.deps.Rules != nil {
		n := c.deps.Rules.RefreshRuleCount()
		logger.Debug().Msgf("session: %d local rules loaded", n)
		c.broadcast(RulesRefreshed)
	}
	if c.cfg.Watchdog.Enabled {
		id := inst.id
		inst.watchdog = watchdog.New(stats, watchdog.ConfigFrom(c.cfg.Watchdog),
			func() { c.inbox.push(healthEvent{instance: id, bad: true}) },
			func() { c.inbox.push(healthEvent{instance: id, bad: false}) },
			c.opts.WatchdogOptions...,
		)
		inst.watchdog.Start()
	}
	statsEstablished.Inc()
	c.setState(StateRunning)
	c.broadcast(VPNActive)
	if c.resuming {
		c.resuming = false
		c.broadcast(VPNResumed)
	}
	logger.Info().Msgf("session: %q established, ipv4=%t ipv6=%t", c.servers.Name, ipv4, ipv6)
}

func (c *Controller) establishFailed(err error) {
	logger := tunneld.ProxyLogger.Load()
	c.teardown(true)
	c.setState(StateDestroyed)
	c.broadcast(VPNInactive)
	if errors.Is(err, ErrNotAuthorized) {
		logger.Error().Err(err).Msg("session: authorization required, not retrying")
		c.deps.Notifier.AuthorizationRequired()
		return
	}
	logger.Error().Err(err).Msg("session: could not establish")
	c.deps.Notifier.Failure(err)
}

// fail reports an error preventing the session from starting.
func (c *Controller) fail(err error) {
	tunneld.ProxyLogger.Load().Error().Err(err).Msg("session: could not start")
	prev := c.State()
	c.teardown(true)
	c.setState(StateDestroyed)
	if prev != StateStopped && prev != StateDestroyed {
		c.broadcast(VPNInactive)
	}
	c.deps.Notifier.Failure(err)
}

// teardown releases the established instance and cancels pending work.
// When full is true, the rule engine is cleaned up as well.
func (c *Controller) teardown(full bool) {
	c.sup.Cancel()
	c.gen = 0
	c.establishToken++
	if c.establishTimer != nil {
		c.establishTimer.Stop()
		c.establishTimer = nil
	}
	if inst := c.inst; inst != nil {
		c.inst = nil
		if inst.watchdog != nil {
			inst.watchdog.Stop()
		}
		var errs []error
		if inst.tunnel != nil {
			errs = append(errs, inst.tunnel.Close())
		}
		if inst.transport != nil {
			errs = append(errs, inst.transport.Close())
		}
		if err := errors.Join(errs...); err != nil {
			tunneld.ProxyLogger.Load().Warn().Err(err).Msg("session: teardown")
		}
		c.lastTeardown = c.now()
	}
	c.setBadConnection(false)
	c.setDegraded(false)
	if full && c.deps.Rules != nil {
		c.deps.Rules.Cleanup()
	}
}

func (c *Controller) setDegraded(degraded bool) {
	if c.degraded == degraded {
		return
	}
	c.degraded = degraded
	c.deps.Notifier.DegradedConnectivity(degraded)
}

func (c *Controller) setBadConnection(bad bool) {
	if !bad && !c.badConnection {
		return
	}
	c.badConnection = bad
	c.deps.Notifier.BadConnection(bad)
}
