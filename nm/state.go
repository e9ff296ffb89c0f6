package nm

import (
	"errors"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/systemvpn/vpn"
)

// NMVpnConnectionState values.
const (
	vpnStateUnknown uint32 = iota
	vpnStatePrepare
	vpnStateNeedAuth
	vpnStateConnect
	vpnStateIPConfigGet
	vpnStateActivated
	vpnStateFailed
	vpnStateDisconnected
)

// NMActiveConnectionStateReason values used by VpnStateChanged.
const (
	reasonUnknown uint32 = iota
	reasonNone
	reasonUserDisconnected
	reasonDeviceDisconnected
	reasonServiceStopped
	reasonIPConfigInvalid
	reasonConnectTimeout
	reasonServiceStartTimeout
	reasonServiceStartFailed
	reasonNoSecrets
	reasonLoginFailed
	reasonConnectionRemoved
)

// MapVPNState converts a NetworkManager VPN state to a platform status.
// Setup states while a tunnel was already up mean it is being re-established.
func MapVPNState(state uint32, prev vpn.PlatformStatus) vpn.PlatformStatus {
	switch state {
	case vpnStatePrepare, vpnStateNeedAuth, vpnStateConnect, vpnStateIPConfigGet:
		if prev == vpn.StatusConnected || prev == vpn.StatusReasserting {
			return vpn.StatusReasserting
		}
		return vpn.StatusConnecting
	case vpnStateActivated:
		return vpn.StatusConnected
	case vpnStateFailed, vpnStateDisconnected:
		return vpn.StatusDisconnected
	default:
		return vpn.StatusInvalid
	}
}

// MapReason converts a state change reason to an error code. A FAILED state
// never maps to NoError.
func MapReason(state, reason uint32) vpn.ErrorState {
	var code vpn.ErrorState
	switch reason {
	case reasonUnknown, reasonNone, reasonUserDisconnected:
		code = vpn.NoError
	case reasonDeviceDisconnected, reasonConnectTimeout:
		code = vpn.Unreachable
	case reasonNoSecrets:
		code = vpn.PasswordMissing
	case reasonLoginFailed:
		code = vpn.AuthFailed
	default:
		code = vpn.GenericError
	}
	if state == vpnStateFailed && code == vpn.NoError {
		return vpn.GenericError
	}
	return code
}

// activationErrorCode classifies an ActivateConnection failure.
func activationErrorCode(err error) vpn.ErrorState {
	switch dbusErrorName(err) {
	case "org.freedesktop.NetworkManager.AgentManager.NoSecrets",
		"org.freedesktop.NetworkManager.Settings.Connection.NoSecrets":
		return vpn.PasswordMissing
	}
	return vpn.GenericError
}

// dbusErrorName returns the D-Bus error name carried by err, if any.
func dbusErrorName(err error) string {
	var e dbus.Error
	if errors.As(err, &e) {
		return e.Name
	}
	var pe *dbus.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Name
	}
	return ""
}
