package supervisor

import (
	"context"
	"errors"
	"net"
	"os"
)

// IsTransient reports whether a resolution error is worth retrying.
// Timeouts and name resolution failures are transient, anything else is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsNotFound || dnsErr.IsTemporary
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
