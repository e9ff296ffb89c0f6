// Package notify shows desktop notifications for connection events.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/vpn"
)

// Type represents the kind of notification.
type Type int

const (
	TypeInfo Type = iota
	TypeSuccess
	TypeWarning
	TypeError
)

// Urgency hint values understood by org.freedesktop.Notifications.
const (
	urgencyLow      byte = 0
	urgencyNormal   byte = 1
	urgencyCritical byte = 2
)

// Notification represents a desktop notification.
type Notification struct {
	Title   string
	Message string
	Type    Type
	Icon    string
}

func (n Notification) icon() string {
	if n.Icon != "" {
		return n.Icon
	}
	switch n.Type {
	case TypeWarning:
		return "dialog-warning"
	case TypeError:
		return "dialog-error"
	default:
		return "network-vpn"
	}
}

func (n Notification) urgency() byte {
	switch n.Type {
	case TypeError:
		return urgencyCritical
	case TypeWarning:
		return urgencyNormal
	default:
		return urgencyLow
	}
}

// Sender delivers a notification. replaces is the ID of a previous
// notification to update in place, or 0; the returned ID can be passed back.
type Sender interface {
	Send(n Notification, replaces uint32) (uint32, error)
}

// FromState describes a controller notification for the user. The boolean is
// false for transitions that are not worth a desktop notification.
func FromState(n vpn.Notification, name string) (Notification, bool) {
	if name == "" {
		name = "VPN"
	}
	switch n.State {
	case vpn.StateConnecting:
		return Notification{
			Title:   "Connecting VPN",
			Message: "Connecting to " + name + "...",
			Type:    TypeInfo,
			Icon:    "network-vpn-acquiring",
		}, true
	case vpn.StateConnected:
		return Notification{
			Title:   "VPN Connected",
			Message: "Connected to " + name,
			Type:    TypeSuccess,
			Icon:    "network-vpn",
		}, true
	case vpn.StateReasserting:
		return Notification{
			Title:   "VPN Reconnecting",
			Message: "Re-establishing the tunnel to " + name,
			Type:    TypeWarning,
			Icon:    "network-vpn-acquiring",
		}, true
	case vpn.StateDisconnected:
		if n.ErrorCode != vpn.NoError {
			return Notification{
				Title:   "Connection Error",
				Message: fmt.Sprintf("%s: %s", name, Describe(n.ErrorCode)),
				Type:    TypeError,
				Icon:    "network-vpn-error",
			}, true
		}
		return Notification{
			Title:   "VPN Disconnected",
			Message: "Disconnected from " + name,
			Type:    TypeInfo,
			Icon:    "network-vpn-disconnected",
		}, true
	}
	return Notification{}, false
}

// Describe returns a user-facing sentence for an error code.
func Describe(code vpn.ErrorState) string {
	switch code {
	case vpn.NoError:
		return "no error"
	case vpn.AuthFailed:
		return "authentication failed"
	case vpn.PeerAuthFailed:
		return "the server could not be authenticated"
	case vpn.LookupFailed:
		return "the server address could not be resolved"
	case vpn.Unreachable:
		return "the server is unreachable"
	case vpn.PasswordMissing:
		return "a password is required"
	case vpn.CertificateUnavailable:
		return "the client certificate is unavailable"
	default:
		return "the connection failed"
	}
}

// Notifier turns controller notifications into desktop notifications.
type Notifier struct {
	sender Sender
	names  func(connectionID string) string
	logger common.Logger

	mu   sync.Mutex
	last map[string]uint32
}

// NewNotifier creates a notifier. names resolves a connection ID to a
// display name and may be nil.
func NewNotifier(sender Sender, names func(string) string, logger common.Logger) *Notifier {
	if logger == nil {
		logger = common.NopLogger{}
	}
	if names == nil {
		names = func(string) string { return "" }
	}
	return &Notifier{
		sender: sender,
		names:  names,
		logger: logger,
		last:   make(map[string]uint32),
	}
}

// Observer returns a vpn.Observer. Consecutive notifications for the same
// connection replace each other on screen.
func (nt *Notifier) Observer() vpn.Observer {
	return func(n vpn.Notification) {
		msg, ok := FromState(n, nt.names(n.ConnectionID))
		if !ok {
			return
		}

		nt.mu.Lock()
		replaces := nt.last[n.ConnectionID]
		nt.mu.Unlock()

		id, err := nt.sender.Send(msg, replaces)
		if err != nil {
			nt.logger.Warn("Error showing notification: %v", err)
			return
		}

		nt.mu.Lock()
		nt.last[n.ConnectionID] = id
		nt.mu.Unlock()
	}
}

// DBusSender sends notifications over org.freedesktop.Notifications.
type DBusSender struct {
	obj     dbus.BusObject
	appName string
	timeout int32
}

// NewDBusSender connects to the session bus.
func NewDBusSender() (*DBusSender, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return NewDBusSenderWithObject(conn.Object("org.freedesktop.Notifications", "/org/freedesktop/Notifications")), nil
}

// NewDBusSenderWithObject uses an existing notification daemon object.
func NewDBusSenderWithObject(obj dbus.BusObject) *DBusSender {
	return &DBusSender{obj: obj, appName: common.AppName, timeout: -1}
}

// Send implements Sender.
func (s *DBusSender) Send(n Notification, replaces uint32) (uint32, error) {
	hints := map[string]dbus.Variant{
		"urgency":  dbus.MakeVariant(n.urgency()),
		"category": dbus.MakeVariant("network"),
	}
	var id uint32
	err := s.obj.Call("org.freedesktop.Notifications.Notify", 0,
		s.appName, replaces, n.icon(), n.Title, n.Message, []string{}, hints, s.timeout,
	).Store(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}
