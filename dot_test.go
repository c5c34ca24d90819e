package tunneld

import (
	"context"
	"crypto/tls"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_dotResolver(t *testing.T) {
	cert := generateTestCertificate(t)
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert.tlsCert}})
	require.NoError(t, err)

	started := make(chan struct{})
	srv := &dns.Server{
		Listener: ln,
		Net:      "tcp-tls",
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, m *dns.Msg) {
			_ = w.WriteMsg(testAnswer(m))
		}),
		NotifyStartedFunc: func() { close(started) },
	}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	<-started

	uc := &UpstreamConfig{Name: "dot", Type: ResolverTypeDOT, Endpoint: ln.Addr().String(), Timeout: 2000}
	r := newTestResolver(t, uc, cert.pool())

	query := testQuery()
	answer, err := r.Resolve(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, query.Id, answer.Id)
	require.Len(t, answer.Answer, 1)
	assert.Equal(t, "192.0.2.1", answer.Answer[0].(*dns.A).A.String())
}
