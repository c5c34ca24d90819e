// Package net probes the host network stack.
package net

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/logtail/backoff"
	"tailscale.com/types/logger"

	"github.com/Control-D-Inc/tunneld"
)

const (
	ipv6TestHost   = "ipv6.controld.io"
	v4BootstrapDNS = "76.76.2.0:53"
	v6BootstrapDNS = "[2606:1a40::]:53"

	probeTimeout = 2 * time.Second
	// maxProbeWait bounds how long Up keeps retrying before reporting the network down.
	maxProbeWait = 10 * time.Second
)

// Dialer resolves names through the bootstrap DNS servers, never through
// the system resolver, which may point at the tunnel itself.
var Dialer = &net.Dialer{
	Timeout: probeTimeout,
	Resolver: &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := ParallelDialer{}
			d.Timeout = probeTimeout
			return d.DialContext(ctx, "udp", []string{v4BootstrapDNS, v6BootstrapDNS})
		},
	},
}

// Stack caches the result of probing the network stack until Reset.
type Stack struct {
	once atomic.Pointer[sync.Once]
	up   atomic.Bool
	ipv6 atomic.Bool

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	logf logger.Logf
}

// NewStack returns a Stack probing through Dialer.
func NewStack() *Stack {
	s := &Stack{dial: Dialer.DialContext}
	s.logf = logger.WithPrefix(func(format string, args ...any) {
		tunneld.ProxyLogger.Load().Debug().Msgf(format, args...)
	}, "stack probe: ")
	s.once.Store(new(sync.Once))
	return s
}

var defaultStack = NewStack()

// Up reports whether the network looked up on the last probe.
func Up() bool { return defaultStack.Up() }

// SupportsIPv6 reports whether an IPv6 upstream was reachable on the last probe.
func SupportsIPv6() bool { return defaultStack.SupportsIPv6() }

// ResetStack forces the next call to probe again, after a network change.
func ResetStack() { defaultStack.Reset() }

// Up reports whether the network is up.
func (s *Stack) Up() bool {
	s.once.Load().Do(s.probe)
	return s.up.Load()
}

// SupportsIPv6 reports whether IPv6 upstreams are reachable.
func (s *Stack) SupportsIPv6() bool {
	s.once.Load().Do(s.probe)
	return s.ipv6.Load()
}

// Reset discards the cached probe result.
func (s *Stack) Reset() {
	s.once.Store(new(sync.Once))
}

func (s *Stack) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), maxProbeWait)
	defer cancel()

	b := backoff.NewBackoff("probeStack", s.logf, 2*time.Second)
	up := false
	for !up {
		for _, addr := range []string{v4BootstrapDNS, v6BootstrapDNS} {
			if conn, err := s.dial(ctx, "udp", addr); err == nil {
				conn.Close()
				up = true
				break
			}
		}
		if up || ctx.Err() != nil {
			break
		}
		b.BackOff(ctx, errors.New("network is down"))
	}
	s.up.Store(up)
	s.ipv6.Store(up && s.probeIPv6(ctx))
}

func (s *Stack) probeIPv6(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	conn, err := s.dial(ctx, "tcp6", net.JoinHostPort(ipv6TestHost, "443"))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

type parallelDialerResult struct {
	conn net.Conn
	err  error
}

// ParallelDialer dials several addresses at once and keeps the first connection.
type ParallelDialer struct {
	net.Dialer
}

// DialContext returns the first successful connection to one of addrs.
func (d *ParallelDialer) DialContext(ctx context.Context, network string, addrs []string) (net.Conn, error) {
	if len(addrs) == 0 {
		return nil, errors.New("empty addresses")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	ch := make(chan *parallelDialerResult, len(addrs))
	var wg sync.WaitGroup
	wg.Add(len(addrs))
	go func() {
		wg.Wait()
		close(ch)
	}()

	for _, addr := range addrs {
		go func(addr string) {
			defer wg.Done()
			conn, err := d.Dialer.DialContext(ctx, network, addr)
			select {
			case ch <- &parallelDialerResult{conn: conn, err: err}:
			case <-done:
				if conn != nil {
					conn.Close()
				}
			}
		}(addr)
	}

	errs := make([]error, 0, len(addrs))
	for res := range ch {
		if res.err == nil {
			return res.conn, nil
		}
		errs = append(errs, res.err)
	}
	return nil, errors.Join(errs...)
}
