package tunneld

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/miekg/dns"
)

type dotResolver struct {
	uc     *UpstreamConfig
	target string
}

func (r *dotResolver) Resolve(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := r.uc.withTimeout(ctx)
	defer cancel()
	// target is already an ip:port pair, so the dialer never needs a resolver,
	// which would otherwise loop back into ourselves while the tunnel is up.
	dnsClient := &dns.Client{
		Net:       "tcp-tls",
		Dialer:    &net.Dialer{Timeout: r.uc.timeout()},
		TLSConfig: &tls.Config{ServerName: r.uc.Domain, RootCAs: r.uc.certPool},
	}
	answer, _, err := dnsClient.ExchangeContext(ctx, msg, r.target)
	if err != nil {
		return nil, wrapCertificateVerificationError(err)
	}
	return answer, nil
}
