// Package nm implements vpn.PlatformAdapter on top of NetworkManager's D-Bus
// API. IKEv2 profiles use the strongSwan VPN plugin and IPsec/XAuth profiles
// use the libreswan plugin.
package nm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/vpn"
)

const (
	nmDest                      = "org.freedesktop.NetworkManager"
	nmPath                      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface                 = "org.freedesktop.NetworkManager"
	settingsPath                = dbus.ObjectPath("/org/freedesktop/NetworkManager/Settings")
	settingsInterface           = "org.freedesktop.NetworkManager.Settings"
	settingsConnectionInterface = "org.freedesktop.NetworkManager.Settings.Connection"
	vpnConnectionInterface      = "org.freedesktop.NetworkManager.VPN.Connection"
	activeConnectionInterface   = "org.freedesktop.NetworkManager.Connection.Active"
	vpnStateChangedMember       = "VpnStateChanged"

	strongswanService = "org.freedesktop.NetworkManager.strongswan"
	libreswanService  = "org.freedesktop.NetworkManager.libreswan"

	permNetworkControl    = "org.freedesktop.NetworkManager.network-control"
	permSettingsModifyOwn = "org.freedesktop.NetworkManager.settings.modify.own"

	invalidConnectionError = "org.freedesktop.NetworkManager.Settings.InvalidConnection"

	noObject = dbus.ObjectPath("/")
)

// Conn is the part of *dbus.Conn the adapter uses.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
	Close() error
}

// Options configures an Adapter.
type Options struct {
	Logger common.Logger
	// IdentityDir receives client certificates handed to the strongSwan
	// plugin. It defaults to $XDG_RUNTIME_DIR/systemvpn.
	IdentityDir string
}

// Adapter drives a single NetworkManager VPN connection.
type Adapter struct {
	conn        Conn
	secrets     SecretSource
	logger      common.Logger
	identityDir string

	mu         sync.Mutex
	connPath   dbus.ObjectPath
	activePath dbus.ObjectPath
	status     vpn.PlatformStatus

	events    chan vpn.StatusEvent
	signals   chan *dbus.Signal
	done      chan struct{}
	closeOnce sync.Once
}

var _ vpn.PlatformAdapter = (*Adapter)(nil)

// Dial connects to the system bus and returns an adapter using it.
func Dial(secrets SecretSource, opts Options) (*Adapter, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	a, err := New(conn, secrets, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// New creates an adapter over an existing bus connection.
func New(conn Conn, secrets SecretSource, opts Options) (*Adapter, error) {
	if opts.Logger == nil {
		opts.Logger = common.NopLogger{}
	}
	if opts.IdentityDir == "" {
		opts.IdentityDir = defaultIdentityDir()
	}

	a := &Adapter{
		conn:        conn,
		secrets:     secrets,
		logger:      opts.Logger,
		identityDir: opts.IdentityDir,
		status:      vpn.StatusInvalid,
		events:      make(chan vpn.StatusEvent, 16),
		signals:     make(chan *dbus.Signal, 16),
		done:        make(chan struct{}),
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(vpnConnectionInterface),
		dbus.WithMatchMember(vpnStateChangedMember),
	); err != nil {
		return nil, fmt.Errorf("failed to subscribe to VPN state signals: %w", err)
	}
	conn.Signal(a.signals)

	go a.watch()
	return a, nil
}

func defaultIdentityDir() string {
	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, common.ConfigDirName)
}

// RequestPermission checks NetworkManager's polkit permissions. "auth"
// counts as granted because polkit prompts when the action is performed.
func (a *Adapter) RequestPermission(ctx context.Context) error {
	var perms map[string]string
	err := a.conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmInterface+".GetPermissions", 0).
		Store(&perms)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &vpn.PlatformError{Op: "request permission", Code: vpn.GenericError, Err: err}
	}

	for _, perm := range []string{permNetworkControl, permSettingsModifyOwn} {
		switch perms[perm] {
		case "yes", "auth":
		default:
			return fmt.Errorf("%w: %s is %q", common.ErrPermissionDenied, perm, perms[perm])
		}
	}

	a.mu.Lock()
	if a.status == vpn.StatusInvalid {
		a.status = vpn.StatusDisconnected
	}
	a.mu.Unlock()
	return nil
}

// ApplyProfile creates or updates the NetworkManager connection for p.
func (a *Adapter) ApplyProfile(ctx context.Context, p *vpn.Profile) error {
	settings, err := BuildSettings(p, a.secrets, a.writeIdentity)
	if err != nil {
		return err
	}

	uuid := ConnectionUUID(p.ID)
	var path dbus.ObjectPath
	lookupErr := a.conn.Object(nmDest, settingsPath).
		CallWithContext(ctx, settingsInterface+".GetConnectionByUuid", 0, uuid).
		Store(&path)
	if lookupErr != nil && dbusErrorName(lookupErr) != invalidConnectionError {
		return &vpn.PlatformError{Op: "apply profile", Code: vpn.GenericError, Err: lookupErr}
	}

	if lookupErr == nil {
		err = a.conn.Object(nmDest, path).
			CallWithContext(ctx, settingsConnectionInterface+".Update", 0, settings).Err
		if err != nil {
			return &vpn.PlatformError{Op: "apply profile", Code: vpn.GenericError, Err: err}
		}
		a.logger.Info("Updated NetworkManager connection %s (%s)", p.Name, uuid)
	} else {
		err = a.conn.Object(nmDest, settingsPath).
			CallWithContext(ctx, settingsInterface+".AddConnection", 0, settings).
			Store(&path)
		if err != nil {
			return &vpn.PlatformError{Op: "apply profile", Code: vpn.GenericError, Err: err}
		}
		a.logger.Info("Added NetworkManager connection %s (%s)", p.Name, uuid)
	}

	a.mu.Lock()
	a.connPath = path
	a.mu.Unlock()
	return nil
}

// Attach looks up the connection of profileID and, if NetworkManager has it
// active, adopts it so that StopTunnel and CurrentStatus act on it. It is used
// by processes that did not start the tunnel themselves.
func (a *Adapter) Attach(ctx context.Context, profileID string) (vpn.PlatformStatus, error) {
	var connPath dbus.ObjectPath
	err := a.conn.Object(nmDest, settingsPath).
		CallWithContext(ctx, settingsInterface+".GetConnectionByUuid", 0, ConnectionUUID(profileID)).
		Store(&connPath)
	if err != nil {
		if dbusErrorName(err) == invalidConnectionError {
			return vpn.StatusDisconnected, nil
		}
		return vpn.StatusInvalid, &vpn.PlatformError{Op: "attach", Code: vpn.GenericError, Err: err}
	}

	v, err := a.conn.Object(nmDest, nmPath).GetProperty(nmInterface + ".ActiveConnections")
	if err != nil {
		return vpn.StatusInvalid, &vpn.PlatformError{Op: "attach", Code: vpn.GenericError, Err: err}
	}
	actives, _ := v.Value().([]dbus.ObjectPath)

	a.mu.Lock()
	a.connPath = connPath
	a.mu.Unlock()

	for _, active := range actives {
		cv, err := a.conn.Object(nmDest, active).GetProperty(activeConnectionInterface + ".Connection")
		if err != nil {
			continue
		}
		if path, ok := cv.Value().(dbus.ObjectPath); !ok || path != connPath {
			continue
		}

		a.mu.Lock()
		a.activePath = active
		a.status = vpn.StatusConnecting
		a.mu.Unlock()

		status := a.CurrentStatus()
		a.mu.Lock()
		a.status = status
		if status == vpn.StatusDisconnected {
			a.activePath = ""
		}
		a.mu.Unlock()
		return status, nil
	}
	return vpn.StatusDisconnected, nil
}

// Forget deletes the NetworkManager connection of profileID, together with
// the secrets NetworkManager keeps for it, and removes its identity file.
// Forgetting a profile that was never applied is not an error.
func (a *Adapter) Forget(ctx context.Context, profileID string) error {
	var connPath dbus.ObjectPath
	err := a.conn.Object(nmDest, settingsPath).
		CallWithContext(ctx, settingsInterface+".GetConnectionByUuid", 0, ConnectionUUID(profileID)).
		Store(&connPath)
	switch {
	case err == nil:
		err = a.conn.Object(nmDest, connPath).
			CallWithContext(ctx, settingsConnectionInterface+".Delete", 0).Err
		if err != nil && dbusErrorName(err) != invalidConnectionError {
			return &vpn.PlatformError{Op: "forget", Code: vpn.GenericError, Err: err}
		}
		a.logger.Info("Deleted NetworkManager connection %s", ConnectionUUID(profileID))
	case dbusErrorName(err) != invalidConnectionError:
		return &vpn.PlatformError{Op: "forget", Code: vpn.GenericError, Err: err}
	}

	a.mu.Lock()
	if connPath != "" && a.connPath == connPath {
		a.connPath = ""
	}
	a.mu.Unlock()

	if err := os.Remove(a.identityPath(profileID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove client identity: %w", err)
	}
	return nil
}

// StartTunnel activates the applied connection.
func (a *Adapter) StartTunnel(ctx context.Context) error {
	a.mu.Lock()
	connPath := a.connPath
	a.mu.Unlock()
	if connPath == "" {
		return &vpn.PlatformError{Op: "start tunnel", Code: vpn.GenericError, Err: errors.New("no profile applied")}
	}

	var active dbus.ObjectPath
	err := a.conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmInterface+".ActivateConnection", 0, connPath, noObject, noObject).
		Store(&active)
	if err != nil {
		return &vpn.PlatformError{Op: "start tunnel", Code: activationErrorCode(err), Err: err}
	}

	a.mu.Lock()
	a.activePath = active
	a.status = vpn.StatusConnecting
	a.mu.Unlock()
	a.logger.Debug("Activated %s as %s", connPath, active)
	return nil
}

// StopTunnel deactivates the active connection. Without one it reports
// Disconnected right away.
func (a *Adapter) StopTunnel(ctx context.Context) error {
	a.mu.Lock()
	active := a.activePath
	a.mu.Unlock()

	if active == "" {
		a.setStatus(vpn.StatusDisconnected, vpn.NoError)
		return nil
	}

	err := a.conn.Object(nmDest, nmPath).
		CallWithContext(ctx, nmInterface+".DeactivateConnection", 0, active).Err
	if err != nil {
		if dbusErrorName(err) == "org.freedesktop.NetworkManager.ConnectionNotActive" {
			a.clearActive(active)
			a.setStatus(vpn.StatusDisconnected, vpn.NoError)
			return nil
		}
		return &vpn.PlatformError{Op: "stop tunnel", Code: vpn.GenericError, Err: err}
	}

	a.mu.Lock()
	if a.activePath == active {
		a.status = vpn.StatusDisconnecting
	}
	a.mu.Unlock()
	return nil
}

// CurrentStatus reads the VPN state of the active connection from the bus.
func (a *Adapter) CurrentStatus() vpn.PlatformStatus {
	a.mu.Lock()
	active, cached := a.activePath, a.status
	a.mu.Unlock()

	if active == "" {
		return cached
	}
	v, err := a.conn.Object(nmDest, active).GetProperty(vpnConnectionInterface + ".VpnState")
	if err != nil {
		// The active connection object disappears once NetworkManager tears it down.
		return vpn.StatusDisconnected
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return cached
	}
	if state == vpnStateDisconnected || state == vpnStateFailed {
		return vpn.StatusDisconnected
	}
	return MapVPNState(state, cached)
}

// Events delivers status changes parsed from VpnStateChanged signals.
func (a *Adapter) Events() <-chan vpn.StatusEvent {
	return a.events
}

// Close stops signal processing and releases the bus connection. The Events
// channel stays open; consumers stop reading on their own shutdown.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		a.conn.RemoveSignal(a.signals)
		_ = a.conn.RemoveMatchSignal(
			dbus.WithMatchInterface(vpnConnectionInterface),
			dbus.WithMatchMember(vpnStateChangedMember),
		)
		err = a.conn.Close()
	})
	return err
}

func (a *Adapter) watch() {
	for {
		select {
		case <-a.done:
			return
		case sig, ok := <-a.signals:
			if !ok {
				return
			}
			a.handleSignal(sig)
		}
	}
}

func (a *Adapter) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != vpnConnectionInterface+"."+vpnStateChangedMember || len(sig.Body) < 2 {
		return
	}
	state, ok1 := sig.Body[0].(uint32)
	reason, ok2 := sig.Body[1].(uint32)
	if !ok1 || !ok2 {
		return
	}

	a.mu.Lock()
	if sig.Path != a.activePath {
		a.mu.Unlock()
		return
	}
	prev := a.status
	status := MapVPNState(state, prev)
	code := vpn.NoError
	if status == vpn.StatusDisconnected {
		code = MapReason(state, reason)
		a.activePath = ""
	}
	a.mu.Unlock()

	a.logger.Debug("VPN state %d (reason %d) on %s", state, reason, sig.Path)
	if status != prev || code != vpn.NoError {
		a.setStatus(status, code)
	}
}

func (a *Adapter) clearActive(path dbus.ObjectPath) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.activePath == path {
		a.activePath = ""
	}
}

// setStatus records and publishes a status. Events are dropped when nobody
// drains the channel; a poller will pick the change up from CurrentStatus.
func (a *Adapter) setStatus(status vpn.PlatformStatus, code vpn.ErrorState) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()

	select {
	case a.events <- vpn.StatusEvent{Status: status, Error: code}:
	case <-a.done:
	default:
		a.logger.Warn("Dropped VPN status event %s", status)
	}
}

// writeIdentity stores a base64 PKCS#12 identity as a private file and
// returns its path.
func (a *Adapter) writeIdentity(id, data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("certificate is not base64 encoded: %w", err)
	}
	if err := os.MkdirAll(a.identityDir, 0700); err != nil {
		return "", err
	}
	path := a.identityPath(id)
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return "", err
	}
	return path, nil
}

// identityPath names identity files by connection UUID so that profile ids
// never become path components.
func (a *Adapter) identityPath(id string) string {
	return filepath.Join(a.identityDir, ConnectionUUID(id)+".p12")
}
