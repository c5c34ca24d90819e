// Package upstream models a configured upstream endpoint and the resettable
// process resolving its host into IP addresses.
package upstream

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Kind is the transport protocol group of an upstream.
type Kind int

const (
	KindHTTPS Kind = iota
	KindTLS
	KindQUIC
)

func (k Kind) String() string {
	switch k {
	case KindHTTPS:
		return "https"
	case KindTLS:
		return "tls"
	case KindQUIC:
		return "quic"
	}
	return "unknown"
}

// State is the state of an address resolution process.
type State int

const (
	StateIdle State = iota
	StateResolving
	StateResolved
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ErrReset is returned by Resolve when the address was reset while the attempt was in flight.
var ErrReset = errors.New("address resolution was reset")

// LookupFunc resolves host into its IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Result is the outcome of a finished resolution attempt.
type Result struct {
	Addrs []netip.Addr
	Err   error
}

// ListenerHandle identifies a listener registered with WhenResolveFinished.
type ListenerHandle uint64

// Address is one configured upstream endpoint, identified by (Kind, Host, Port).
//
// The zero value is not usable, construct with NewAddress.
type Address struct {
	Kind Kind
	Host string
	Port uint16

	lookup  LookupFunc
	timeout time.Duration
	sf      singleflight.Group

	mu         sync.Mutex
	gen        uint64
	cancel     context.CancelFunc // cancels the lookup of the current generation
	running    chan struct{}      // closed when the last started attempt returns
	state      State
	addrs      []netip.Addr
	resolvedAt time.Time
	err        error
	listeners  map[ListenerHandle]func(Result)
	nextHandle ListenerHandle
}

// NewAddress returns an idle Address resolved with lookup.
// A host which is already an IP literal resolves without calling lookup.
func NewAddress(kind Kind, host string, port uint16, lookup LookupFunc) *Address {
	return &Address{
		Kind:      kind,
		Host:      host,
		Port:      port,
		lookup:    lookup,
		timeout:   defaultAttemptTimeout,
		listeners: make(map[ListenerHandle]func(Result)),
	}
}

const defaultAttemptTimeout = 10 * time.Second

// String returns the kind://host:port form of a.
func (a *Address) String() string {
	return a.Kind.String() + "://" + net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// State reports the current resolution state.
func (a *Address) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsResolving reports whether an attempt is in flight.
func (a *Address) IsResolving() bool {
	return a.State() == StateResolving
}

// Result returns the last resolved addresses and when they were resolved.
func (a *Address) Result() ([]netip.Addr, time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.addrs), a.resolvedAt, a.err
}

// Reset discards cached addresses and cancels any in-flight attempt.
// The cancelled attempt's result is dropped and its listeners are not fired.
func (a *Address) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gen++
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.state = StateIdle
	a.addrs = nil
	a.resolvedAt = time.Time{}
	a.err = nil
}

// WhenResolveFinished registers cb to be called after every finished attempt.
// cb runs on the goroutine which performed the attempt.
func (a *Address) WhenResolveFinished(cb func(Result)) ListenerHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	a.listeners[a.nextHandle] = cb
	return a.nextHandle
}

// RemoveListener unregisters the listener identified by h.
func (a *Address) RemoveListener(h ListenerHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.listeners, h)
}

// Listeners returns the number of registered listeners.
func (a *Address) Listeners() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// ResolveOrResult returns the resolved addresses if any. Otherwise it starts an
// asynchronous attempt, unless one is already in flight, or the last attempt
// failed and retryIfError is false, and returns nil.
func (a *Address) ResolveOrResult(retryIfError bool) []netip.Addr {
	a.mu.Lock()
	switch a.state {
	case StateResolved:
		addrs := slices.Clone(a.addrs)
		a.mu.Unlock()
		return addrs
	case StateResolving:
		a.mu.Unlock()
		return nil
	case StateFailed:
		if !retryIfError {
			a.mu.Unlock()
			return nil
		}
	}
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		_, _ = a.Resolve(ctx)
	}()
	return nil
}

// Resolve performs a resolution attempt and waits for its result, or until
// ctx is done.
//
// Concurrent callers share a single in-flight attempt. The attempt does not
// run under any caller's ctx: a caller giving up leaves it running for the
// others, and only Reset cancels it.
func (a *Address) Resolve(ctx context.Context) ([]netip.Addr, error) {
	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()

	ch := a.sf.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return a.attempt(gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]netip.Addr)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Address) attempt(gen uint64) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil, ErrReset
	}
	prev := a.running
	a.running = done
	a.cancel = cancel
	a.state = StateResolving
	a.mu.Unlock()

	// The attempt of a reset generation is already cancelled, wait for its
	// lookup to return so two lookups never overlap.
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
		}
	}

	var addrs []netip.Addr
	var err error
	if ip, perr := netip.ParseAddr(a.Host); perr == nil {
		addrs = []netip.Addr{ip}
	} else if err = ctx.Err(); err == nil {
		addrs, err = a.lookup(ctx, a.Host)
		if err == nil && len(addrs) == 0 {
			err = &net.DNSError{Err: "no addresses found", Name: a.Host, IsNotFound: true}
		}
	}

	a.mu.Lock()
	if a.running == done {
		a.running = nil
		a.cancel = nil
	}
	if a.gen != gen {
		a.mu.Unlock()
		return nil, ErrReset
	}
	if errors.Is(err, context.Canceled) {
		// Not an outcome of the lookup, the next attempt starts afresh.
		a.state = StateIdle
		a.mu.Unlock()
		return nil, err
	}
	if err != nil {
		a.state = StateFailed
		a.err = err
	} else {
		a.state = StateResolved
		a.addrs = addrs
		a.resolvedAt = time.Now()
		a.err = nil
	}
	listeners := make([]func(Result), 0, len(a.listeners))
	for _, cb := range a.listeners {
		listeners = append(listeners, cb)
	}
	a.mu.Unlock()

	res := Result{Addrs: slices.Clone(addrs), Err: err}
	for _, cb := range listeners {
		cb(res)
	}
	return addrs, err
}
