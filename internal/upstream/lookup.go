package upstream

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/Control-D-Inc/tunneld"
)

// DefaultBootstrapNameservers are used when no nameserver was given to BootstrapLookup.
var DefaultBootstrapNameservers = []string{"76.76.2.0:53", "[2606:1a40::]:53"}

// BootstrapLookup returns a LookupFunc resolving hosts by querying nameservers
// directly over UDP, falling back to TCP on truncation.
//
// Querying nameservers directly keeps the lookup outside the tunnel: once the
// tunnel is up the system resolver may loop back to the upstream being resolved.
func BootstrapLookup(nameservers []string) LookupFunc {
	if len(nameservers) == 0 {
		nameservers = DefaultBootstrapNameservers
	}
	return func(ctx context.Context, host string) ([]netip.Addr, error) {
		var addrs []netip.Addr
		var errs []error
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			res, err := exchangeAny(ctx, nameservers, host, qtype)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			addrs = append(addrs, res...)
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
		if len(errs) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return nil, errors.Join(errs...)
	}
}

// exchangeAny asks each nameserver in turn until one answers.
func exchangeAny(ctx context.Context, nameservers []string, host string, qtype uint16) ([]netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var lastErr error
	for _, ns := range nameservers {
		c := &dns.Client{Net: "udp"}
		r, _, err := c.ExchangeContext(ctx, m, ns)
		if err == nil && r.Truncated {
			c.Net = "tcp"
			r, _, err = c.ExchangeContext(ctx, m, ns)
		}
		if err != nil {
			tunneld.ProxyLogger.Load().Debug().Err(err).Str("type", dns.TypeToString[qtype]).Msgf("could not resolve %s using %s", host, ns)
			lastErr = &net.DNSError{Err: err.Error(), Name: host, Server: ns, IsTimeout: isTimeout(err)}
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		switch r.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return nil, &net.DNSError{Err: "no such host", Name: host, Server: ns, IsNotFound: true}
		default:
			lastErr = &net.DNSError{Err: dns.RcodeToString[r.Rcode], Name: host, Server: ns, IsTemporary: r.Rcode == dns.RcodeServerFailure}
			continue
		}
		var addrs []netip.Addr
		for _, rr := range r.Answer {
			switch ar := rr.(type) {
			case *dns.A:
				if ip, ok := netip.AddrFromSlice(ar.A.To4()); ok {
					addrs = append(addrs, ip)
				}
			case *dns.AAAA:
				if ip, ok := netip.AddrFromSlice(ar.AAAA); ok {
					addrs = append(addrs, ip)
				}
			}
		}
		return addrs, nil
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
