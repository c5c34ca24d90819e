package session

// State is the lifecycle state of the tunnel session.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StatePaused
	// StateDestroyed is terminal for a session instance, a new instance is
	// created by Start, Resume or Restart.
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// live reports whether the session is establishing or established.
func (s State) live() bool {
	return s == StateStarting || s == StateRunning
}

// Broadcast is a session state notification.
type Broadcast string

const (
	VPNActive      Broadcast = "VPN_ACTIVE"
	VPNInactive    Broadcast = "VPN_INACTIVE"
	VPNPaused      Broadcast = "VPN_PAUSED"
	VPNResumed     Broadcast = "VPN_RESUMED"
	RulesRefreshed Broadcast = "RULES_REFRESHED"
)
