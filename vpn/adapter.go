package vpn

import "context"

// PlatformAdapter is the boundary to the operating system's VPN facility.
// The controller is the only caller; implementations need not be safe for
// concurrent command calls, but CurrentStatus and Events may be used from
// any goroutine.
type PlatformAdapter interface {
	// RequestPermission asks the OS for permission to manage VPN
	// configurations. A refusal returns common.ErrPermissionDenied.
	RequestPermission(ctx context.Context) error
	// ApplyProfile installs p as the active configuration.
	ApplyProfile(ctx context.Context, p *Profile) error
	// StartTunnel starts the tunnel for the applied profile.
	StartTunnel(ctx context.Context) error
	// StopTunnel asks the tunnel to stop. Completion is reported on Events.
	StopTunnel(ctx context.Context) error
	// CurrentStatus returns the status as the platform currently sees it.
	CurrentStatus() PlatformStatus
	// Events delivers asynchronous status changes. The channel is closed
	// when the adapter shuts down.
	Events() <-chan StatusEvent
}
