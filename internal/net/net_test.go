package net

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error { return nil }

func TestStack_ProbeCachedUntilReset(t *testing.T) {
	var dials atomic.Int32
	s := NewStack()
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dials.Add(1)
		if network == "tcp6" {
			return nil, errors.New("network unreachable")
		}
		return fakeConn{}, nil
	}

	assert.True(t, s.Up())
	assert.False(t, s.SupportsIPv6())
	n := dials.Load()
	assert.True(t, s.Up())
	assert.Equal(t, n, dials.Load(), "result is cached")

	s.Reset()
	assert.True(t, s.Up())
	assert.Greater(t, dials.Load(), n)
}

func TestStack_IPv6(t *testing.T) {
	s := NewStack()
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return fakeConn{}, nil
	}
	assert.True(t, s.SupportsIPv6())
}

func TestProbeIPv6Timeout(t *testing.T) {
	s := NewStack()
	s.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	done := make(chan bool)
	go func() { done <- s.probeIPv6(context.Background()) }()
	select {
	case <-time.After(probeTimeout + time.Second):
		t.Error("probe timeout is not enforced")
	case ok := <-done:
		assert.False(t, ok)
	}
}

func TestParallelDialer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	// A port nothing listens on, taken from a closed listener.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadAddr := closed.Addr().String()
	closed.Close()

	d := ParallelDialer{}
	d.Timeout = time.Second
	conn, err := d.DialContext(context.Background(), "tcp", []string{deadAddr, ln.Addr().String()})
	require.NoError(t, err)
	conn.Close()

	_, err = d.DialContext(context.Background(), "tcp", []string{deadAddr})
	assert.Error(t, err)
	_, err = d.DialContext(context.Background(), "tcp", nil)
	assert.Error(t, err)
}
