package tui

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/systemvpn/vpn"
)

type fakeController struct {
	session     vpn.Session
	observer    vpn.Observer
	unsubscribe int
	disconnects int
	disconnErr  error
}

func (f *fakeController) CurrentState() vpn.Session { return f.session }

func (f *fakeController) Subscribe(fn vpn.Observer) vpn.SubscriptionID {
	f.observer = fn
	return "sub"
}

func (f *fakeController) Unsubscribe(vpn.SubscriptionID) bool {
	f.unsubscribe++
	return true
}

func (f *fakeController) Disconnect(context.Context) error {
	f.disconnects++
	return f.disconnErr
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func connectedSession() vpn.Session {
	return vpn.Session{
		Profile:     &vpn.Profile{Name: "Office", Protocol: vpn.ProtocolIKEv2, Address: "vpn.example.com"},
		State:       vpn.StateConnected,
		ConnectedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSubscribe(t *testing.T) {
	ctrl := &fakeController{}
	ch, cancel := Subscribe(ctrl)
	require.NotNil(t, ctrl.observer)

	ctrl.observer(vpn.Notification{State: vpn.StateConnecting})
	assert.Equal(t, vpn.StateConnecting, (<-ch).State)

	cancel()
	assert.Equal(t, 1, ctrl.unsubscribe)
}

func TestModel_QuitKeys(t *testing.T) {
	m := New(&fakeController{}, make(chan vpn.Notification))
	for _, k := range []tea.KeyMsg{key("q"), {Type: tea.KeyCtrlC}, {Type: tea.KeyEsc}} {
		_, cmd := m.Update(k)
		require.NotNil(t, cmd)
		assert.Equal(t, tea.QuitMsg{}, cmd())
	}
}

func TestModel_Notification(t *testing.T) {
	ctrl := &fakeController{session: vpn.Session{State: vpn.StateDisconnected}}
	updates := make(chan vpn.Notification, 1)
	m := New(ctrl, updates)

	ctrl.session = connectedSession()
	next, cmd := m.Update(notificationMsg(vpn.Notification{State: vpn.StateConnected}))
	require.NotNil(t, cmd, "must keep listening")

	model := next.(Model)
	assert.Equal(t, vpn.StateConnected, model.session.State)
	assert.Len(t, model.events, 1)

	updates <- vpn.Notification{State: vpn.StateReasserting}
	assert.Equal(t, notificationMsg(vpn.Notification{State: vpn.StateReasserting}), cmd())
}

func TestModel_EventsAreBounded(t *testing.T) {
	m := New(&fakeController{}, make(chan vpn.Notification))
	for i := 0; i < maxEvents+3; i++ {
		next, _ := m.Update(notificationMsg(vpn.Notification{State: vpn.StateConnecting}))
		m = next.(Model)
	}
	assert.Len(t, m.events, maxEvents)
}

func TestModel_Disconnect(t *testing.T) {
	ctrl := &fakeController{session: connectedSession(), disconnErr: errors.New("bus gone")}
	m := New(ctrl, make(chan vpn.Notification))

	_, cmd := m.Update(key("d"))
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, 1, ctrl.disconnects)

	next, _ := m.Update(msg)
	assert.Contains(t, next.(Model).View(), "Disconnect failed: bus gone")
}

func TestModel_DisconnectIgnoredWhenIdle(t *testing.T) {
	m := New(&fakeController{session: vpn.Session{State: vpn.StateDisconnected}}, make(chan vpn.Notification))
	_, cmd := m.Update(key("d"))
	assert.Nil(t, cmd)
}

func TestModel_View(t *testing.T) {
	ctrl := &fakeController{session: connectedSession()}
	m := New(ctrl, make(chan vpn.Notification))
	m.now = func() time.Time { return ctrl.session.ConnectedAt.Add(90 * time.Second) }

	view := m.View()
	assert.Contains(t, view, "Office (ikev2, vpn.example.com)")
	assert.Contains(t, view, "Connected")
	assert.Contains(t, view, "1m30s")

	ctrl.session = vpn.Session{State: vpn.StateDisconnected, LastError: &vpn.PlatformError{Op: "start tunnel", Code: vpn.AuthFailed}}
	next, _ := m.Update(notificationMsg(vpn.Notification{State: vpn.StateDisconnected, ErrorCode: vpn.AuthFailed}))
	view = next.(Model).View()
	assert.Contains(t, view, "(no profile)")
	assert.Contains(t, view, "AUTH_FAILED")
	assert.NotContains(t, view, "Uptime")
}
