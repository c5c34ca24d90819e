package cli

import (
	"sync/atomic"

	"github.com/Control-D-Inc/tunneld/internal/session"
)

// Notification events passed to the mobile host.
const (
	notifyDegradedConnectivity = "DEGRADED_CONNECTIVITY"
	notifyBadConnection        = "BAD_CONNECTION"
	notifyAuthorization        = "AUTHORIZATION_REQUIRED"
	notifyPrivateDNS           = "PRIVATE_DNS_CONFLICT"
	notifyFailure              = "FAILURE"
)

// logNotifier surfaces session conditions in the log, and to the host if any.
type logNotifier struct {
	forward func(event, detail string)

	degraded      atomic.Bool
	badConnection atomic.Bool
}

var _ session.Notifier = (*logNotifier)(nil)

func (n *logNotifier) send(event, detail string) {
	if n.forward != nil {
		n.forward(event, detail)
	}
}

func (n *logNotifier) DegradedConnectivity(degraded bool) {
	n.degraded.Store(degraded)
	if degraded {
		mainLog.Load().Warn().Msg("connectivity is degraded, some upstreams could not be resolved")
		n.send(notifyDegradedConnectivity, "true")
		return
	}
	mainLog.Load().Notice().Msg("connectivity restored")
	n.send(notifyDegradedConnectivity, "false")
}

func (n *logNotifier) BadConnection(bad bool) {
	n.badConnection.Store(bad)
	if bad {
		mainLog.Load().Warn().Msg("bad connection detected, queries are slow or failing")
		n.send(notifyBadConnection, "true")
		return
	}
	mainLog.Load().Notice().Msg("connection recovered")
	n.send(notifyBadConnection, "false")
}

func (n *logNotifier) AuthorizationRequired() {
	mainLog.Load().Error().Msg("not authorized to establish the tunnel")
	n.send(notifyAuthorization, "")
}

func (n *logNotifier) PrivateDNSConflict() {
	mainLog.Load().Error().Msg("a private dns setting overrides the tunnel, disable it to continue")
	n.send(notifyPrivateDNS, "")
}

func (n *logNotifier) Failure(err error) {
	mainLog.Load().Error().Err(err).Msg("tunnel failed")
	n.send(notifyFailure, err.Error())
}
