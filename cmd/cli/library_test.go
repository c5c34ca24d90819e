package cli

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Control-D-Inc/tunneld/internal/session"
)

func TestAppTunnelBuilder(t *testing.T) {
	var (
		gotServers []string
		closed     int
		allow      = true
	)
	cb := &AppCallback{
		EstablishTunnel: func(name string, dnsServers []string, ipv4, ipv6 bool) bool {
			gotServers = dnsServers
			return allow
		},
		CloseTunnel: func() { closed++ },
	}
	b := &appTunnelBuilder{cb: cb, rules: testRules()}
	params := session.TunnelParams{
		Name:       "phone",
		DNSServers: []netip.Addr{netip.MustParseAddr("203.0.113.1"), netip.MustParseAddr("203.0.113.100")},
		IPv4:       true,
		Transport:  &fakeTransport{},
	}

	first, err := b.Establish(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.1", "203.0.113.100"}, gotServers)
	second, err := b.Establish(context.Background(), params)
	require.NoError(t, err)

	// Closing a replaced tunnel leaves the host tunnel up.
	require.NoError(t, first.Close())
	assert.Zero(t, closed)
	require.NoError(t, second.Close())
	require.NoError(t, second.Close())
	assert.Equal(t, 1, closed)
	assert.Nil(t, b.current.Load())

	allow = false
	_, err = b.Establish(context.Background(), params)
	assert.ErrorIs(t, err, session.ErrNotAuthorized)
}

func TestMobileSession_HandleQuery(t *testing.T) {
	b := &appTunnelBuilder{cb: &AppCallback{}, rules: testRules()}
	ms := &MobileSession{tunnels: b}
	_, err := ms.HandleQuery(nil)
	assert.ErrorIs(t, err, errNoTunnel)

	_, err = b.Establish(context.Background(), session.TunnelParams{Transport: &fakeTransport{}})
	require.NoError(t, err)
	_, err = ms.HandleQuery([]byte{0x01})
	assert.Error(t, err)

	packet, err := newQuery("example.com.").Pack()
	require.NoError(t, err)
	out, err := ms.HandleQuery(packet)
	require.NoError(t, err)
	assert.NotEmpty(t, out)
}
