// Package tui renders a live terminal view of a connection using bubbletea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/systemvpn/vpn"
)

// maxEvents is how many transitions the view keeps.
const maxEvents = 8

// Controller is the part of vpn.Controller the watcher needs.
type Controller interface {
	CurrentState() vpn.Session
	Subscribe(fn vpn.Observer) vpn.SubscriptionID
	Unsubscribe(id vpn.SubscriptionID) bool
	Disconnect(ctx context.Context) error
}

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	connectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	pendingStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	idleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	boxStyle       = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// notificationMsg carries a controller notification into the update loop.
type notificationMsg vpn.Notification

// tickMsg refreshes the connected duration.
type tickMsg time.Time

// disconnectedMsg reports the result of a disconnect request.
type disconnectedMsg struct{ err error }

// Model is the bubbletea model of the watcher.
type Model struct {
	ctrl    Controller
	updates <-chan vpn.Notification
	now     func() time.Time

	spinner spinner.Model
	session vpn.Session
	events  []vpn.Notification
	err     error
	width   int
}

// New creates a model reading notifications from updates. Use Subscribe to
// obtain a channel fed by the controller.
func New(ctrl Controller, updates <-chan vpn.Notification) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = pendingStyle
	return Model{
		ctrl:    ctrl,
		updates: updates,
		now:     time.Now,
		spinner: s,
		session: ctrl.CurrentState(),
	}
}

// Subscribe registers a buffered channel with ctrl. The returned function
// unsubscribes; it does not close the channel.
func Subscribe(ctrl Controller) (<-chan vpn.Notification, func()) {
	ch := make(chan vpn.Notification, 32)
	id := ctrl.Subscribe(func(n vpn.Notification) {
		select {
		case ch <- n:
		default:
		}
	})
	return ch, func() { ctrl.Unsubscribe(id) }
}

// Run subscribes to ctrl and runs the watcher until the user quits.
func Run(ctrl Controller) error {
	updates, cancel := Subscribe(ctrl)
	defer cancel()
	_, err := tea.NewProgram(New(ctrl, updates)).Run()
	return err
}

func waitForNotification(ch <-chan vpn.Notification) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return nil
		}
		return notificationMsg(n)
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) disconnect() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return disconnectedMsg{err: m.ctrl.Disconnect(ctx)}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForNotification(m.updates), tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "d":
			if m.session.State.IsActive() {
				return m, m.disconnect()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case notificationMsg:
		n := vpn.Notification(msg)
		m.events = append(m.events, n)
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		m.session = m.ctrl.CurrentState()
		return m, waitForNotification(m.updates)

	case disconnectedMsg:
		m.err = msg.err
		m.session = m.ctrl.CurrentState()
		return m, nil

	case tickMsg:
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("systemvpn"))
	b.WriteString("\n\n")

	name := "(no profile)"
	if p := m.session.Profile; p != nil {
		name = fmt.Sprintf("%s (%s, %s)", p.Name, p.Protocol, p.Address)
	}
	status := m.renderState()
	body := fmt.Sprintf("Profile: %s\nStatus:  %s", name, status)
	if m.session.State == vpn.StateConnected || m.session.State == vpn.StateReasserting {
		body += "\nUptime:  " + m.session.ConnectedFor(m.now()).Truncate(time.Second).String()
	}
	if m.session.LastError != nil {
		body += "\n" + errorStyle.Render("Error:   "+m.session.ErrorState().String())
	}
	b.WriteString(boxStyle.Render(body))
	b.WriteString("\n")

	if len(m.events) > 0 {
		b.WriteString("\nRecent events:\n")
		for _, n := range m.events {
			line := fmt.Sprintf("  %s  %-13s", n.At.Format("15:04:05"), n.State)
			if n.ErrorCode != vpn.NoError {
				line += " " + errorStyle.Render(n.ErrorCode.String())
			}
			b.WriteString(line + "\n")
		}
	}

	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render("Disconnect failed: "+m.err.Error()) + "\n")
	}

	b.WriteString("\n" + helpStyle.Render("d: disconnect • q: quit") + "\n")
	return b.String()
}

func (m Model) renderState() string {
	state := m.session.State
	switch state {
	case vpn.StateConnected:
		return connectedStyle.Render(state.String())
	case vpn.StateConnecting, vpn.StateReasserting, vpn.StateDisconnecting:
		return m.spinner.View() + " " + pendingStyle.Render(state.String())
	default:
		return idleStyle.Render(state.String())
	}
}
