// Package netwatch turns network interface changes into connectivity events.
package netwatch

import (
	"fmt"
	"time"

	"tailscale.com/net/netmon"
	"tailscale.com/types/logger"

	"github.com/Control-D-Inc/tunneld"
	ctrldnet "github.com/Control-D-Inc/tunneld/internal/net"
)

// Kind is the kind of a network change.
type Kind int

const (
	ConnectivityLost Kind = iota
	ConnectivityAvailable
	LinkChanged
)

func (k Kind) String() string {
	switch k {
	case ConnectivityLost:
		return "connectivity_lost"
	case ConnectivityAvailable:
		return "connectivity_available"
	case LinkChanged:
		return "link_changed"
	}
	return "unknown"
}

// Event is a classified network change.
type Event struct {
	Kind Kind
	// PrivateDNS is true when the system resolves through a private DNS
	// override at the time of the change.
	PrivateDNS bool
	At         time.Time
}

// PrivateDNSProbe reports whether a system-wide private DNS override is active.
type PrivateDNSProbe func() bool

const eventsBuffer = 16

// classify maps an interface state change to an event kind.
// ok is false for changes that do not affect connectivity.
func classify(oldUp, newUp, major bool) (kind Kind, ok bool) {
	switch {
	case oldUp && !newUp:
		return ConnectivityLost, true
	case !oldUp && newUp:
		return ConnectivityAvailable, true
	case newUp && major:
		return LinkChanged, true
	}
	return 0, false
}

// Watcher delivers connectivity events of the host network.
type Watcher struct {
	mon        *netmon.Monitor
	unregister func()
	probe      PrivateDNSProbe
	events     chan Event
	now        func() time.Time
}

// New starts watching the host network. probe may be nil.
func New(probe PrivateDNSProbe) (*Watcher, error) {
	logf := logger.WithPrefix(func(format string, args ...any) {
		tunneld.ProxyLogger.Load().Debug().Msgf(format, args...)
	}, "netmon: ")
	mon, err := netmon.New(logf)
	if err != nil {
		return nil, fmt.Errorf("creating network monitor: %w", err)
	}
	w := newWatcher(probe)
	w.mon = mon
	w.unregister = mon.RegisterChangeCallback(func(delta *netmon.ChangeDelta) {
		oldUp := delta.Old != nil && delta.Old.AnyInterfaceUp()
		newUp := delta.New != nil && delta.New.AnyInterfaceUp()
		w.handle(oldUp, newUp, mon.IsMajorChangeFrom(delta.Old, delta.New))
	})
	mon.Start()
	return w, nil
}

func newWatcher(probe PrivateDNSProbe) *Watcher {
	if probe == nil {
		probe = func() bool { return false }
	}
	return &Watcher{
		probe:  probe,
		events: make(chan Event, eventsBuffer),
		now:    time.Now,
	}
}

func (w *Watcher) handle(oldUp, newUp, major bool) {
	kind, ok := classify(oldUp, newUp, major)
	if !ok {
		return
	}
	ctrldnet.ResetStack()
	ev := Event{Kind: kind, PrivateDNS: w.probe(), At: w.now()}
	tunneld.ProxyLogger.Load().Debug().
		Str("kind", kind.String()).
		Bool("private_dns", ev.PrivateDNS).
		Msg("network change detected")
	select {
	case w.events <- ev:
	default:
		tunneld.ProxyLogger.Load().Warn().Msgf("dropping network event %s, consumer is too slow", kind)
	}
}

// Events returns the channel events are delivered on.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.unregister != nil {
		w.unregister()
	}
	if w.mon != nil {
		return w.mon.Close()
	}
	return nil
}
