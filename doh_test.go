package tunneld

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go/http3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_wrapUrlError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr string
	}{
		{
			name:    "No wrapping for non-URL errors",
			err:     errors.New("plain error"),
			wantErr: "plain error",
		},
		{
			name: "URL error without TLS error",
			err: &url.Error{
				Op:  "Post",
				URL: "https://example.com",
				Err: errors.New("underlying error"),
			},
			wantErr: `Post "https://example.com": underlying error`,
		},
		{
			name: "TLS error with missing unverified certificate data",
			err: &url.Error{
				Op:  "Post",
				URL: "https://example.com",
				Err: &tls.CertificateVerificationError{
					Err: &x509.UnknownAuthorityError{},
				},
			},
			wantErr: `Post "https://example.com": tls: failed to verify certificate: x509: certificate signed by unknown authority`,
		},
		{
			name: "TLS error with valid certificate data",
			err: &url.Error{
				Op:  "Post",
				URL: "https://example.com",
				Err: &tls.CertificateVerificationError{
					UnverifiedCertificates: []*x509.Certificate{
						{
							Subject: pkix.Name{
								CommonName:   "BadSubjectCN",
								Organization: []string{"BadSubjectOrg"},
							},
							Issuer: pkix.Name{
								CommonName:   "BadIssuerCN",
								Organization: []string{"BadIssuerOrg"},
							},
						},
					},
					Err: &x509.UnknownAuthorityError{},
				},
			},
			wantErr: `Post "https://example.com": tls: failed to verify certificate: x509: certificate signed by unknown authority: BadSubjectCN, BadSubjectOrg, BadIssuerOrg`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.EqualError(t, wrapUrlError(tt.err), tt.wantErr)
		})
	}
}

// dnsHandler answers DoH POST requests with testAnswer.
func dnsHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/dns-query", r.URL.Path)
		buf, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := testAnswer(msg).Pack()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", headerApplicationDNS)
		_, _ = w.Write(resp)
	})
}

// testTLSServer creates an HTTPS test server with a self-signed certificate.
func testTLSServer(t *testing.T, handler http.Handler) (*httptest.Server, *testCertificate) {
	t.Helper()

	cert := generateTestCertificate(t)
	server := httptest.NewUnstartedServer(handler)
	server.TLS = &tls.Config{Certificates: []tls.Certificate{cert.tlsCert}}
	server.StartTLS()
	t.Cleanup(server.Close)
	return server, cert
}

type testHTTP3Server struct {
	cert *testCertificate
	addr string
}

// newTestHTTP3Server starts an HTTP/3 server serving handler on a local udp port.
func newTestHTTP3Server(t *testing.T, handler http.Handler) *testHTTP3Server {
	t.Helper()

	cert := generateTestCertificate(t)
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	server := &http3.Server{
		Handler: handler,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert.tlsCert},
			NextProtos:   []string{"h3"},
		},
	}
	go func() {
		if err := server.Serve(udpConn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.Logf("HTTP/3 server error: %v", err)
		}
	}()
	t.Cleanup(func() {
		server.Close()
		udpConn.Close()
	})
	// Wait a bit for the server to be ready.
	time.Sleep(100 * time.Millisecond)

	return &testHTTP3Server{cert: cert, addr: udpConn.LocalAddr().String()}
}

func newTestResolver(t *testing.T, uc *UpstreamConfig, cp *x509.CertPool) Resolver {
	t.Helper()
	require.NoError(t, uc.Init())
	uc.SetCertPool(cp)
	r, err := NewResolver(uc, netip.MustParseAddr("127.0.0.1"))
	require.NoError(t, err)
	return r
}

func Test_dohResolver(t *testing.T) {
	srv, cert := testTLSServer(t, dnsHandler(t))
	uc := &UpstreamConfig{Name: "doh", Type: ResolverTypeDOH, Endpoint: srv.URL + "/dns-query", Timeout: 2000}
	r := newTestResolver(t, uc, cert.pool())

	answer, err := r.Resolve(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, answer.Answer, 1)
	assert.Equal(t, "192.0.2.1", answer.Answer[0].(*dns.A).A.String())

	closer, ok := r.(interface{ CloseIdleConnections() })
	require.True(t, ok)
	closer.CloseIdleConnections()
}

func Test_dohResolver_BadStatus(t *testing.T) {
	srv, cert := testTLSServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such resolver", http.StatusNotFound)
	}))
	uc := &UpstreamConfig{Name: "doh", Type: ResolverTypeDOH, Endpoint: srv.URL + "/dns-query", Timeout: 2000}
	r := newTestResolver(t, uc, cert.pool())

	_, err := r.Resolve(context.Background(), testQuery())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status: 404")
}

func Test_doh3Resolver(t *testing.T) {
	srv := newTestHTTP3Server(t, dnsHandler(t))
	uc := &UpstreamConfig{Name: "doh3", Type: ResolverTypeDOH3, Endpoint: "https://" + srv.addr + "/dns-query", Timeout: 5000}
	r := newTestResolver(t, uc, srv.cert.pool())

	answer, err := r.Resolve(context.Background(), testQuery())
	require.NoError(t, err)
	require.Len(t, answer.Answer, 1)
	r.(*dohResolver).CloseIdleConnections()
}

func Test_ClientCertificateVerificationError(t *testing.T) {
	handler := dnsHandler(t)
	tlsServer, cert := testTLSServer(t, handler)
	tlsServerUrl, err := url.Parse(tlsServer.URL)
	require.NoError(t, err)
	quicServer := newTestQUICServer(t)
	http3Server := newTestHTTP3Server(t, handler)

	tests := []struct {
		name        string
		uc          *UpstreamConfig
		wantDetails bool
	}{
		{
			"doh",
			&UpstreamConfig{Name: "doh", Type: ResolverTypeDOH, Endpoint: tlsServer.URL + "/dns-query", Timeout: 1000},
			true,
		},
		{
			"doh3",
			&UpstreamConfig{Name: "doh3", Type: ResolverTypeDOH3, Endpoint: "https://" + http3Server.addr + "/dns-query", Timeout: 5000},
			false,
		},
		{
			"doq",
			&UpstreamConfig{Name: "doq", Type: ResolverTypeDOQ, Endpoint: quicServer.addr, Timeout: 5000},
			false,
		},
		{
			"dot",
			&UpstreamConfig{Name: "dot", Type: ResolverTypeDOT, Endpoint: net.JoinHostPort(tlsServerUrl.Hostname(), tlsServerUrl.Port()), Timeout: 1000},
			true,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			// The system roots never trust the test certificates.
			r := newTestResolver(t, tc.uc, nil)
			_, err := r.Resolve(context.Background(), testQuery())
			require.Error(t, err)
			if tc.wantDetails {
				assert.Contains(t, err.Error(), cert.cert.Subject.CommonName)
			}
		})
	}
}
