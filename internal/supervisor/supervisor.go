// Package supervisor drives address resolution with retries for a set of
// upstream addresses.
package supervisor

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Control-D-Inc/tunneld"
	"github.com/Control-D-Inc/tunneld/internal/upstream"
)

// EventKind is the kind of a resolution Event.
type EventKind int

const (
	// EventResolved means the address has usable IPs.
	EventResolved EventKind = iota
	// EventUnreachable means the address was abandoned.
	EventUnreachable
)

func (k EventKind) String() string {
	if k == EventResolved {
		return "resolved"
	}
	return "unreachable"
}

// Event reports the final outcome of one address in a generation.
type Event struct {
	Kind       EventKind
	Generation uint64
	Address    *upstream.Address
	Addrs      []netip.Addr
	Err        error
	// Transient is true when an unreachable address ran out of retries,
	// false when it failed with an error that is never retried.
	Transient bool
}

const defaultAttemptTimeout = 10 * time.Second

var (
	statsAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunneld_resolve_attempts_count",
		Help: "Total number of upstream address resolution attempts.",
	})
	statsRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tunneld_resolve_retries_count",
		Help: "Total number of scheduled resolution retries.",
	})
	statsAbandoned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tunneld_resolve_abandoned_count",
		Help: "Total number of upstream addresses given up on.",
	}, []string{"reason"})
)

// Collectors returns the prometheus collectors of the package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{statsAttempts, statsRetries, statsAbandoned}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithAfter replaces time.After for scheduling retries.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Supervisor) { s.after = after }
}

// WithBackoff replaces the backoff policy constructor.
func WithBackoff(newBackoff func() *Backoff) Option {
	return func(s *Supervisor) { s.newBackoff = newBackoff }
}

// WithAttemptTimeout sets the timeout of a single resolution attempt.
func WithAttemptTimeout(d time.Duration) Option {
	return func(s *Supervisor) { s.attemptTimeout = d }
}

// Supervisor resolves every address of a generation until it is resolved or
// abandoned. Addresses are supervised concurrently; the attempts of a single
// address are strictly sequential.
//
// The listener is called from supervisor goroutines and must not call back
// into the Supervisor synchronously.
type Supervisor struct {
	listener       func(Event)
	after          func(time.Duration) <-chan time.Time
	newBackoff     func() *Backoff
	attemptTimeout time.Duration

	// emitMu is held for reading while an event is delivered and for writing
	// while the generation changes, so no event of a superseded generation
	// is delivered once Resolve or Cancel has returned.
	emitMu sync.RWMutex
	gen    uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Supervisor reporting events to listener.
func New(listener func(Event), opts ...Option) *Supervisor {
	s := &Supervisor{
		listener:       listener,
		after:          time.After,
		newBackoff:     NewBackoff,
		attemptTimeout: defaultAttemptTimeout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Resolve cancels the current generation and starts supervising addrs in a
// new one. It returns immediately with the new generation number.
func (s *Supervisor) Resolve(addrs []*upstream.Address) uint64 {
	ctx, cancel := context.WithCancel(context.Background())
	s.emitMu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	s.cancel = cancel
	s.wg.Add(len(addrs))
	s.emitMu.Unlock()

	tunneld.Log(ctx, tunneld.ProxyLogger.Load().Debug(), "supervisor: generation %d resolving %d addresses", gen, len(addrs))
	for _, a := range addrs {
		go s.supervise(ctx, gen, a)
	}
	return gen
}

// Cancel stops the current generation without starting a new one.
func (s *Supervisor) Cancel() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
}

// Close cancels the current generation and waits for its goroutines to exit.
func (s *Supervisor) Close() {
	s.Cancel()
	s.wg.Wait()
}

// Generation returns the current generation number.
func (s *Supervisor) Generation() uint64 {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	return s.gen
}

func (s *Supervisor) emit(ev Event) bool {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if ev.Generation != s.gen {
		return false
	}
	if s.listener != nil {
		s.listener(ev)
	}
	return true
}

func (s *Supervisor) supervise(ctx context.Context, gen uint64, a *upstream.Address) {
	defer s.wg.Done()
	logger := tunneld.ProxyLogger.Load()

	if a.State() == upstream.StateResolved {
		if addrs, _, err := a.Result(); err == nil && len(addrs) > 0 {
			s.emit(Event{Kind: EventResolved, Generation: gen, Address: a, Addrs: addrs})
			return
		}
	}

	// Another caller, e.g. a transport asking for addresses, may finish a
	// successful attempt while this address waits for its next retry.
	resolvedElsewhere := make(chan []netip.Addr, 1)
	h := a.WhenResolveFinished(func(r upstream.Result) {
		if r.Err == nil {
			select {
			case resolvedElsewhere <- r.Addrs:
			default:
			}
		}
	})
	defer a.RemoveListener(h)

	b := s.newBackoff()
	for {
		statsAttempts.Inc()
		actx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
		addrs, err := a.Resolve(actx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, upstream.ErrReset) {
			// The address was reset under this generation, start over.
			continue
		}
		if err == nil {
			tunneld.Log(ctx, logger.Debug(), "supervisor: %s resolved to %v", a, addrs)
			s.emit(Event{Kind: EventResolved, Generation: gen, Address: a, Addrs: addrs})
			return
		}
		if !IsTransient(err) && !errors.Is(err, context.Canceled) {
			statsAbandoned.WithLabelValues("error").Inc()
			tunneld.Log(ctx, logger.Warn().Err(err), "supervisor: %s failed, not retrying", a)
			s.emit(Event{Kind: EventUnreachable, Generation: gen, Address: a, Err: err})
			return
		}
		delay, ok := b.Next()
		if !ok {
			statsAbandoned.WithLabelValues("exhausted").Inc()
			tunneld.Log(ctx, logger.Warn().Err(err), "supervisor: %s unreachable after %d attempts", a, b.Attempts())
			s.emit(Event{Kind: EventUnreachable, Generation: gen, Address: a, Err: err, Transient: true})
			return
		}
		statsRetries.Inc()
		tunneld.Log(ctx, logger.Debug().Err(err), "supervisor: retrying %s in %s", a, delay)
		select {
		case <-ctx.Done():
			return
		case addrs := <-resolvedElsewhere:
			s.emit(Event{Kind: EventResolved, Generation: gen, Address: a, Addrs: addrs})
			return
		case <-s.after(delay):
		}
	}
}
