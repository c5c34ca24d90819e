package tunneld

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

const (
	ResolverTypeDOH  = "doh"
	ResolverTypeDOH3 = "doh3"
	ResolverTypeDOT  = "dot"
	ResolverTypeDOQ  = "doq"
	ResolverTypeSDNS = "sdns"
)

const defaultResolveTimeout = 5 * time.Second

// Resolver is the interface that wraps the basic DNS operations.
//
// Resolve resolves the DNS query, return the result and the corresponding error.
type Resolver interface {
	Resolve(ctx context.Context, msg *dns.Msg) (*dns.Msg, error)
}

var (
	errUnknownResolver = errors.New("unknown resolver")
	errNoTargetIP      = errors.New("no target ip for upstream")
)

// NewResolver creates a Resolver based on the given upstream config.
//
// The returned resolver always connects to ip, never resolving the
// upstream host by itself. The host is still used for TLS server name
// verification and the DoH Host header.
func NewResolver(uc *UpstreamConfig, ip netip.Addr) (Resolver, error) {
	if !ip.IsValid() {
		return nil, fmt.Errorf("%w: %s", errNoTargetIP, uc.Name)
	}
	target := net.JoinHostPort(ip.Unmap().String(), strconv.Itoa(int(uc.Port)))
	switch uc.Type {
	case ResolverTypeDOH:
		return newDohResolver(uc, target), nil
	case ResolverTypeDOH3:
		return newDoh3Resolver(uc, target), nil
	case ResolverTypeDOT:
		return &dotResolver{uc: uc, target: target}, nil
	case ResolverTypeDOQ:
		return &doqResolver{uc: uc, target: target}, nil
	}
	return nil, fmt.Errorf("%w: %s", errUnknownResolver, uc.Type)
}

// timeout returns the per query timeout of uc.
func (uc *UpstreamConfig) timeout() time.Duration {
	if uc.Timeout > 0 {
		return time.Duration(uc.Timeout) * time.Millisecond
	}
	return defaultResolveTimeout
}

// withTimeout derives a context bounded by the upstream timeout,
// unless ctx already carries an earlier deadline.
func (uc *UpstreamConfig) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, uc.timeout())
}

// CanonicalName returns canonical name from FQDN with "." trimmed.
func CanonicalName(fqdn string) string {
	q := strings.TrimSpace(fqdn)
	q = strings.TrimSuffix(q, ".")
	// https://datatracker.ietf.org/doc/html/rfc4343
	q = strings.ToLower(q)

	return q
}
