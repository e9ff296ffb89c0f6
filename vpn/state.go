package vpn

// State is the lifecycle state of a Controller. The numbering is part of the
// external interface and must not change.
type State int

const (
	StateInvalid State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateReasserting
	StateDisconnecting
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateInvalid:
		return "Invalid"
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReasserting:
		return "Reasserting"
	case StateDisconnecting:
		return "Disconnecting"
	default:
		return "Unknown"
	}
}

// IsActive reports whether a tunnel exists or is being set up or torn down.
func (s State) IsActive() bool {
	switch s {
	case StateConnecting, StateConnected, StateReasserting, StateDisconnecting:
		return true
	}
	return false
}

// ErrorState is the platform-reported error code carried by notifications.
type ErrorState int

const (
	NoError ErrorState = iota
	AuthFailed
	PeerAuthFailed
	LookupFailed
	Unreachable
	GenericError
	PasswordMissing
	CertificateUnavailable
	Undefined
)

// String returns the wire name of the error code.
func (e ErrorState) String() string {
	switch e {
	case NoError:
		return "NO_ERROR"
	case AuthFailed:
		return "AUTH_FAILED"
	case PeerAuthFailed:
		return "PEER_AUTH_FAILED"
	case LookupFailed:
		return "LOOKUP_FAILED"
	case Unreachable:
		return "UNREACHABLE"
	case GenericError:
		return "GENERIC_ERROR"
	case PasswordMissing:
		return "PASSWORD_MISSING"
	case CertificateUnavailable:
		return "CERTIFICATE_UNAVAILABLE"
	default:
		return "UNDEFINED"
	}
}

// PlatformStatus is the tunnel status as reported by a PlatformAdapter.
type PlatformStatus int

const (
	StatusInvalid PlatformStatus = iota
	StatusDisconnected
	StatusConnecting
	StatusConnected
	StatusReasserting
	StatusDisconnecting
)

// String returns a human-readable representation of the status.
func (s PlatformStatus) String() string {
	return State(s).String()
}

// StatusEvent is an asynchronous status change delivered by an adapter.
type StatusEvent struct {
	Status PlatformStatus
	// Error is set when the change was caused by a failure.
	Error ErrorState
}
