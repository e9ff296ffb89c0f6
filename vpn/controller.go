package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/yllada/systemvpn/common"
)

// ControllerConfig holds the tunables of a Controller.
type ControllerConfig struct {
	// PermissionTimeout bounds Prepare.
	PermissionTimeout time.Duration
	Logger            common.Logger
	// Now is the clock used for ConnectedAt and notifications.
	Now func() time.Time
}

// DefaultControllerConfig returns the configuration used by the CLI.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		PermissionTimeout: common.PermissionTimeout,
		Logger:            common.NopLogger{},
		Now:               time.Now,
	}
}

// Session is a snapshot of the controller's connection state.
type Session struct {
	Profile   *Profile
	State     State
	LastError error
	// ConnectedAt is the zero time unless a tunnel has been established.
	ConnectedAt time.Time
}

// ConnectedFor returns how long the tunnel has been up at now.
func (s Session) ConnectedFor(now time.Time) time.Duration {
	if s.ConnectedAt.IsZero() || now.Before(s.ConnectedAt) {
		return 0
	}
	return now.Sub(s.ConnectedAt)
}

// ErrorState maps LastError onto the platform error codes.
func (s Session) ErrorState() ErrorState {
	return errorStateOf(s.LastError)
}

func errorStateOf(err error) ErrorState {
	if err == nil {
		return NoError
	}
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return GenericError
}

// Controller drives a single VPN connection through its lifecycle.
//
// Commands (Prepare, Connect, SaveConfig, Disconnect) are serialized; adapter
// events are applied as they arrive. Every transition happens in one
// critical section and produces exactly one Notification.
type Controller struct {
	adapter PlatformAdapter
	store   CredentialStore
	builder *Builder
	config  ControllerConfig
	logger  common.Logger

	cmdMu sync.Mutex

	mu      sync.Mutex
	session Session
	closed  bool

	dispatcher *dispatcher
	stopPump   chan struct{}
	pumpDone   chan struct{}
	closeOnce  sync.Once
}

// NewController creates a controller in the Invalid state and starts
// consuming adapter events.
func NewController(adapter PlatformAdapter, store CredentialStore, config ControllerConfig) *Controller {
	if config.Logger == nil {
		config.Logger = common.NopLogger{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.PermissionTimeout <= 0 {
		config.PermissionTimeout = common.PermissionTimeout
	}

	c := &Controller{
		adapter:    adapter,
		store:      store,
		builder:    NewBuilder(store, config.Logger),
		config:     config,
		logger:     config.Logger,
		dispatcher: newDispatcher(config.Logger),
		stopPump:   make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
	go c.pump(adapter.Events())
	return c
}

// Builder returns the profile builder used by Connect and SaveConfig.
func (c *Controller) Builder() *Builder {
	return c.builder
}

func (c *Controller) pump(events <-chan StatusEvent) {
	defer close(c.pumpDone)
	for {
		select {
		case <-c.stopPump:
			return
		case ev, ok := <-events:
			if !ok {
				c.logger.Debug("Adapter event stream closed")
				return
			}
			c.HandleEvent(ev)
		}
	}
}

// Subscribe registers fn for all future notifications.
func (c *Controller) Subscribe(fn Observer) SubscriptionID {
	return c.dispatcher.subscribe(fn)
}

// Unsubscribe removes an observer. It reports whether id was registered.
func (c *Controller) Unsubscribe(id SubscriptionID) bool {
	return c.dispatcher.unsubscribe(id)
}

// CurrentState returns a snapshot of the session.
func (c *Controller) CurrentState() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.session
	s.Profile = s.Profile.Clone()
	return s
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

// transitionLocked moves to a new state and publishes it. c.mu must be held.
func (c *Controller) transitionLocked(to State) {
	from := c.session.State
	c.session.State = to
	n := Notification{
		State:     to,
		ErrorCode: errorStateOf(c.session.LastError),
		At:        c.config.Now(),
	}
	if c.session.Profile != nil {
		n.ConnectionID = c.session.Profile.ID
	}
	if n.ErrorCode != NoError {
		c.logger.Info("State %s -> %s (%s)", from, to, n.ErrorCode)
	} else {
		c.logger.Info("State %s -> %s", from, to)
	}
	c.dispatcher.publish(n)
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.LastError = err
}

// Prepare obtains permission to manage VPN configurations. It is a no-op
// once prepared. If the platform does not answer within PermissionTimeout
// it fails with common.ErrPermissionTimeout and the state stays Invalid.
func (c *Controller) Prepare(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return common.ErrClosed
	}
	if c.session.State != StateInvalid {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, c.config.PermissionTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		result <- c.adapter.RequestPermission(pctx)
	}()

	var err error
	select {
	case err = <-result:
	case <-pctx.Done():
		err = pctx.Err()
	}
	if err != nil && errors.Is(pctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %v", common.ErrPermissionTimeout, c.config.PermissionTimeout)
	}
	if err != nil {
		c.logger.Warn("Permission request failed: %v", err)
		c.recordError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.session.LastError = nil
	c.transitionLocked(StateDisconnected)
	return nil
}

// checkIdleLocked rejects commands that need a prepared, inactive session.
func (c *Controller) checkIdleLocked() error {
	switch {
	case c.closed:
		return common.ErrClosed
	case c.session.State == StateInvalid:
		return common.ErrNotPrepared
	case c.session.State.IsActive():
		return fmt.Errorf("%w: state is %s", common.ErrAlreadyActive, c.session.State)
	}
	return nil
}

func (c *Controller) checkIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkIdleLocked()
}

// Connect builds a profile from raw, applies it and starts the tunnel.
// It returns once the tunnel start has been requested; the outcome is
// reported through notifications.
func (c *Controller) Connect(ctx context.Context, raw RawConfig) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.checkIdle(); err != nil {
		return err
	}
	p, err := c.builder.Build(raw)
	if err != nil {
		c.recordError(err)
		return err
	}
	return c.start(ctx, p)
}

// ConnectProfile connects a profile built earlier, for example one loaded
// from a ProfileStore.
func (c *Controller) ConnectProfile(ctx context.Context, p *Profile) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.checkIdle(); err != nil {
		return err
	}
	if p == nil {
		err := invalid(CodeMissingField, "profile", "no profile given")
		c.recordError(err)
		return err
	}
	return c.start(ctx, p.Clone())
}

// SaveConfig builds and applies a profile without starting the tunnel.
func (c *Controller) SaveConfig(ctx context.Context, raw RawConfig) (*Profile, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.checkIdle(); err != nil {
		return nil, err
	}
	p, err := c.builder.Build(raw)
	if err != nil {
		c.recordError(err)
		return nil, err
	}
	if err := c.adapter.ApplyProfile(ctx, p); err != nil {
		perr := asPlatformError("apply profile", err)
		c.recordError(perr)
		return nil, perr
	}

	c.mu.Lock()
	c.session.Profile = p
	c.session.LastError = nil
	c.mu.Unlock()
	c.logger.Info("Saved profile %s (%s)", p.ID, p.Name)
	return p.Clone(), nil
}

func (c *Controller) start(ctx context.Context, p *Profile) error {
	if err := c.adapter.ApplyProfile(ctx, p); err != nil {
		perr := asPlatformError("apply profile", err)
		c.recordError(perr)
		return perr
	}

	c.mu.Lock()
	if err := c.checkIdleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.session.Profile = p
	c.session.LastError = nil
	c.session.ConnectedAt = time.Time{}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	if err := c.adapter.StartTunnel(ctx); err != nil {
		perr := asPlatformError("start tunnel", err)
		c.mu.Lock()
		c.session.LastError = perr
		if c.session.State == StateConnecting {
			c.transitionLocked(StateDisconnected)
		}
		c.mu.Unlock()
		return perr
	}
	return nil
}

// Disconnect asks the tunnel to stop. It succeeds without doing anything when
// there is no tunnel or one is already being torn down.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return common.ErrClosed
	}
	switch c.session.State {
	case StateInvalid, StateDisconnected, StateDisconnecting:
		c.mu.Unlock()
		return nil
	}
	c.transitionLocked(StateDisconnecting)
	c.mu.Unlock()

	if err := c.adapter.StopTunnel(ctx); err != nil {
		perr := asPlatformError("stop tunnel", err)
		status := c.adapter.CurrentStatus()

		c.mu.Lock()
		defer c.mu.Unlock()
		c.session.LastError = perr
		if c.session.State == StateDisconnecting && (status == StatusDisconnected || status == StatusInvalid) {
			c.session.ConnectedAt = time.Time{}
			c.transitionLocked(StateDisconnected)
		}
		return perr
	}
	return nil
}

// HandleEvent applies an adapter status change. Events that do not match a
// transition from the current state are ignored.
func (c *Controller) HandleEvent(ev StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	from := c.session.State
	switch {
	case from == StateConnecting && ev.Status == StatusConnected:
		c.session.ConnectedAt = c.config.Now()
		c.session.LastError = nil
		c.transitionLocked(StateConnected)

	case from == StateConnecting && ev.Status == StatusDisconnected:
		c.session.LastError = &PlatformError{Op: "connect", Code: failureCode(ev.Error)}
		c.transitionLocked(StateDisconnected)

	case from == StateConnected && ev.Status == StatusReasserting:
		c.transitionLocked(StateReasserting)

	case from == StateReasserting && ev.Status == StatusConnected:
		c.session.LastError = nil
		c.transitionLocked(StateConnected)

	case (from == StateConnected || from == StateReasserting) && ev.Status == StatusDisconnected:
		c.session.LastError = &PlatformError{Op: "tunnel", Code: failureCode(ev.Error)}
		c.session.ConnectedAt = time.Time{}
		c.transitionLocked(StateDisconnected)

	case (from == StateConnected || from == StateReasserting) && ev.Status == StatusDisconnecting:
		c.transitionLocked(StateDisconnecting)

	case from == StateDisconnecting && ev.Status == StatusDisconnected:
		c.session.ConnectedAt = time.Time{}
		c.session.LastError = nil
		if ev.Error != NoError {
			c.session.LastError = &PlatformError{Op: "disconnect", Code: ev.Error}
		}
		c.transitionLocked(StateDisconnected)

	default:
		c.logger.Debug("Ignoring adapter status %s in state %s", ev.Status, from)
	}
}

func failureCode(e ErrorState) ErrorState {
	if e == NoError {
		return GenericError
	}
	return e
}

// asPlatformError keeps an adapter's PlatformError and wraps anything else.
func asPlatformError(op string, err error) *PlatformError {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe
	}
	return &PlatformError{Op: op, Code: GenericError, Err: err}
}

// Reset forgets the profile and last error of an inactive session.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.State.IsActive() {
		return fmt.Errorf("%w: state is %s", common.ErrAlreadyActive, c.session.State)
	}
	c.session.Profile = nil
	c.session.LastError = nil
	c.session.ConnectedAt = time.Time{}
	return nil
}

// PurgeCredentials removes every stored secret of a connection.
func (c *Controller) PurgeCredentials(connectionID string) error {
	if err := c.store.Purge(connectionID); err != nil {
		c.recordError(err)
		return err
	}
	c.logger.Info("Purged credentials for %s", connectionID)
	return nil
}

// Close stops event processing and delivers pending notifications. It does
// not stop the tunnel. Close must not be called from an observer.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		close(c.stopPump)
		<-c.pumpDone
		c.dispatcher.close()
	})
}
