package tunneld

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	headerApplicationDNS = "application/dns-message"
	// maxDohResponseSize bounds the response body, a DNS message never exceeds 64KiB.
	maxDohResponseSize = 65535
)

func newDohResolver(uc *UpstreamConfig, target string) *dohResolver {
	dialerTimeout := 2 * time.Second
	if t := uc.timeout(); t < dialerTimeout {
		dialerTimeout = t
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.IdleConnTimeout = 5 * time.Second
	transport.TLSClientConfig = &tls.Config{ServerName: uc.Domain, RootCAs: uc.certPool}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   dialerTimeout,
			KeepAlive: dialerTimeout,
		}
		// Always dial the resolved ip, the upstream host is never looked up here.
		Log(ctx, ProxyLogger.Load().Debug(), "sending doh request to: %s", target)
		return dialer.DialContext(ctx, network, target)
	}
	return &dohResolver{
		uc:        uc,
		endpoint:  dohEndpoint(uc),
		transport: transport,
	}
}

// newDoh3Resolver is like newDohResolver, speaking HTTP/3 over QUIC.
func newDoh3Resolver(uc *UpstreamConfig, target string) *dohResolver {
	rt := &http3.RoundTripper{
		TLSClientConfig: &tls.Config{ServerName: uc.Domain, RootCAs: uc.certPool},
		Dial: func(ctx context.Context, addr string, tlsCfg *tls.Config, cfg *quic.Config) (quic.EarlyConnection, error) {
			Log(ctx, ProxyLogger.Load().Debug(), "sending doh3 request to: %s", target)
			return quic.DialAddrEarly(ctx, target, tlsCfg, cfg)
		},
	}
	return &dohResolver{
		uc:        uc,
		endpoint:  dohEndpoint(uc),
		transport: rt,
	}
}

func dohEndpoint(uc *UpstreamConfig) *url.URL {
	endpoint := &url.URL{
		Scheme: "https",
		Host:   net.JoinHostPort(uc.Domain, fmt.Sprint(uc.Port)),
	}
	if ref, err := url.Parse(uc.Path); err == nil {
		endpoint = endpoint.ResolveReference(ref)
	}
	return endpoint
}

type dohResolver struct {
	uc        *UpstreamConfig
	endpoint  *url.URL
	transport http.RoundTripper
}

// Resolve performs DNS query with given DNS message using DOH protocol.
func (r *dohResolver) Resolve(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	data, err := msg.Pack()
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.uc.withTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", headerApplicationDNS)
	req.Header.Set("Accept", headerApplicationDNS)

	c := http.Client{Transport: r.transport}
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not perform request: %w", wrapUrlError(err))
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxDohResponseSize))
	if err != nil {
		return nil, fmt.Errorf("could not read message from response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("wrong response from DOH server, got: %s, status: %d", string(buf), resp.StatusCode)
	}

	answer := new(dns.Msg)
	if err := answer.Unpack(buf); err != nil {
		return nil, fmt.Errorf("answer.Unpack: %w", err)
	}
	return answer, nil
}

// CloseIdleConnections closes any idle connections kept by the underlying transport.
func (r *dohResolver) CloseIdleConnections() {
	switch t := r.transport.(type) {
	case interface{ CloseIdleConnections() }:
		t.CloseIdleConnections()
	case io.Closer:
		_ = t.Close()
	}
}

// wrapCertificateVerificationError wraps a certificate verification error with additional context about the certificate issuer.
// If no certificate-related information is available, it simply returns the original error unmodified.
func wrapCertificateVerificationError(err error) error {
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		if len(tlsErr.UnverifiedCertificates) > 0 {
			cert := tlsErr.UnverifiedCertificates[0]
			var issuer string
			var organization string
			if len(cert.Issuer.Organization) > 0 {
				organization = cert.Issuer.Organization[0]
				issuer = organization
			} else if cert.Issuer.CommonName != "" {
				issuer = cert.Issuer.CommonName
			} else {
				issuer = cert.Issuer.String()
			}

			if len(cert.Subject.Organization) > 0 {
				organization = cert.Subject.Organization[0]
			}

			subjectCN := cert.Subject.CommonName
			if subjectCN == "" && len(cert.Subject.Organization) > 0 {
				subjectCN = cert.Subject.Organization[0]
			}
			return fmt.Errorf("%w: %s, %s, %s", tlsErr, subjectCN, organization, issuer)
		}
	}
	return err
}

// wrapUrlError inspects and wraps a URL error, focusing on certificate verification errors for detailed context.
func wrapUrlError(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var tlsErr *tls.CertificateVerificationError
		if errors.As(urlErr.Err, &tlsErr) {
			urlErr.Err = wrapCertificateVerificationError(tlsErr)
			return urlErr
		}
	}
	return err
}
