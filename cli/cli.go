// Package cli implements the systemvpn command-line host. It wires the
// credential store, the NetworkManager adapter, the connection controller,
// saved profiles and the history journal together.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/config"
	"github.com/yllada/systemvpn/history"
	"github.com/yllada/systemvpn/keyring"
	"github.com/yllada/systemvpn/nm"
	"github.com/yllada/systemvpn/notify"
	"github.com/yllada/systemvpn/tui"
	"github.com/yllada/systemvpn/vpn"
)

// Platform is a PlatformAdapter that can also adopt tunnels started by
// another process. *nm.Adapter implements it.
type Platform interface {
	vpn.PlatformAdapter
	Attach(ctx context.Context, profileID string) (vpn.PlatformStatus, error)
	// Forget removes everything the platform keeps for profileID,
	// including the secrets handed to it.
	Forget(ctx context.Context, profileID string) error
	Close() error
}

// Deps are the collaborators of a CLI. Journal and Notifier may be nil.
type Deps struct {
	Config   *config.Config
	Logger   common.Logger
	Store    *keyring.Store
	Platform Platform
	Profiles *vpn.ProfileStore
	Journal  *history.Journal
	Notifier *notify.Notifier
	Out      io.Writer
}

// CLI represents the command-line interface.
type CLI struct {
	cfg      *config.Config
	logger   common.Logger
	store    *keyring.Store
	platform Platform
	ctrl     *vpn.Controller
	profiles *vpn.ProfileStore
	journal  *history.Journal
	out      io.Writer

	// AskPassword prompts for secrets missing from a configuration file.
	AskPassword bool

	prompt         func(label string) (string, error)
	connectTimeout time.Duration
	pollInterval   time.Duration
	now            func() time.Time
}

// New opens every collaborator described by cfg.
func New(cfg *config.Config) (*CLI, error) {
	logger := common.GetLogger()

	store, err := keyring.Open(keyring.Options{
		Backend:  cfg.CredentialBackend,
		FilePath: cfg.CredentialFile,
		Logger:   logger.Named("keyring"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	configDir, err := common.GetConfigDir()
	if err != nil {
		return nil, err
	}
	profiles, err := vpn.NewProfileStore(configDir)
	if err != nil {
		return nil, err
	}

	adapter, err := nm.Dial(store, nm.Options{Logger: logger.Named("nm")})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize NetworkManager adapter: %w", err)
	}

	deps := Deps{
		Config:   cfg,
		Logger:   logger.Named("cli"),
		Store:    store,
		Platform: adapter,
		Profiles: profiles,
		Out:      os.Stdout,
	}

	if cfg.HistoryEnabled {
		path, err := cfg.ResolvedHistoryPath()
		if err == nil {
			deps.Journal, err = history.Open(path, logger.Named("history"))
		}
		if err != nil {
			// The journal is optional; commands other than --history still work.
			logger.Warn("History disabled: %v", err)
		} else if _, err := deps.Journal.Cleanup(context.Background(), cfg.HistoryRetention); err != nil {
			logger.Warn("History cleanup failed: %v", err)
		}
	}

	if cfg.DesktopNotifications {
		sender, err := notify.NewDBusSender()
		if err != nil {
			logger.Warn("Desktop notifications disabled: %v", err)
		} else {
			deps.Notifier = notify.NewNotifier(sender, profileName(profiles), logger.Named("notify"))
		}
	}

	return NewWithDeps(deps), nil
}

// NewWithDeps creates a CLI from explicit collaborators.
func NewWithDeps(d Deps) *CLI {
	if d.Config == nil {
		d.Config = config.DefaultConfig()
	}
	if d.Logger == nil {
		d.Logger = common.NopLogger{}
	}
	if d.Out == nil {
		d.Out = os.Stdout
	}

	ctrl := vpn.NewController(d.Platform, d.Store, vpn.ControllerConfig{
		PermissionTimeout: d.Config.PermissionTimeout,
		Logger:            d.Logger,
	})
	if d.Journal != nil {
		ctrl.Subscribe(d.Journal.Observer())
	}
	if d.Notifier != nil {
		ctrl.Subscribe(d.Notifier.Observer())
	}

	return &CLI{
		cfg:            d.Config,
		logger:         d.Logger,
		store:          d.Store,
		platform:       d.Platform,
		ctrl:           ctrl,
		profiles:       d.Profiles,
		journal:        d.Journal,
		out:            d.Out,
		prompt:         terminalPrompt,
		connectTimeout: common.ConnectionTimeout,
		pollInterval:   500 * time.Millisecond,
		now:            time.Now,
	}
}

// Close releases the controller, the adapter and the journal.
func (c *CLI) Close() {
	c.ctrl.Close()
	if err := c.platform.Close(); err != nil {
		c.logger.Warn("Closing adapter: %v", err)
	}
	if c.journal != nil {
		c.journal.Close()
	}
}

func profileName(profiles *vpn.ProfileStore) func(string) string {
	return func(id string) string {
		if p, err := profiles.Get(id); err == nil {
			return p.Name
		}
		return ""
	}
}

func terminalPrompt(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("cannot prompt for secrets: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// loadConfigFile reads a connection file and fills in missing secrets when
// AskPassword is set.
func (c *CLI) loadConfigFile(path string) (vpn.RawConfig, error) {
	raw, err := vpn.LoadRawConfig(path)
	if err != nil {
		return raw, err
	}
	c.logger.Debug("Loaded %s: %+v", path, raw.Redacted())
	if !c.AskPassword {
		return raw, nil
	}

	auth := -1
	if raw.AuthenticationMethod != nil {
		auth = *raw.AuthenticationMethod
	}
	if auth == int(vpn.AuthSharedSecret) && raw.Secret == "" {
		if raw.Secret, err = c.prompt("Shared secret: "); err != nil {
			return raw, err
		}
	}
	if auth != int(vpn.AuthCertificate) && raw.Password == "" && raw.Username != "" {
		if raw.Password, err = c.prompt(fmt.Sprintf("Password for %s: ", raw.Username)); err != nil {
			return raw, err
		}
	}
	return raw, nil
}

// Connect connects using a configuration file or a saved profile name/ID and
// waits until the tunnel is up.
func (c *CLI) Connect(ctx context.Context, target string) error {
	if err := c.ctrl.Prepare(ctx); err != nil {
		return fmt.Errorf("cannot obtain VPN permission: %w", err)
	}

	updates := make(chan vpn.Notification, 16)
	sub := c.ctrl.Subscribe(func(n vpn.Notification) {
		select {
		case updates <- n:
		default:
		}
	})
	defer c.ctrl.Unsubscribe(sub)

	var err error
	if common.FileExists(target) {
		var raw vpn.RawConfig
		raw, err = c.loadConfigFile(target)
		if err != nil {
			return err
		}
		err = c.ctrl.Connect(ctx, raw)
	} else {
		var p *vpn.Profile
		p, err = c.profiles.Lookup(strings.TrimSpace(target))
		if err != nil {
			return err
		}
		err = c.ctrl.ConnectProfile(ctx, p)
	}
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}

	session := c.ctrl.CurrentState()
	if session.Profile != nil {
		if err := c.profiles.Put(session.Profile); err != nil {
			c.logger.Warn("Could not save profile: %v", err)
		} else if err := c.profiles.MarkUsed(session.Profile.ID, c.now()); err != nil {
			c.logger.Warn("Could not update profile: %v", err)
		}
		fmt.Fprintf(c.out, "Connecting to %s...\n", session.Profile.Name)
	}

	if poller := c.startPoller(); poller != nil {
		defer poller.Stop()
	}
	return c.waitConnected(ctx, updates)
}

func (c *CLI) startPoller() *vpn.StatusPoller {
	if c.cfg.StatusPollInterval <= 0 {
		return nil
	}
	p := vpn.NewStatusPoller(c.platform, c.ctrl, c.cfg.StatusPollInterval, c.logger)
	p.Start()
	return p
}

func (c *CLI) waitConnected(ctx context.Context, updates <-chan vpn.Notification) error {
	timeout := time.NewTimer(c.connectTimeout)
	defer timeout.Stop()

	for {
		switch s := c.ctrl.CurrentState(); s.State {
		case vpn.StateConnected:
			fmt.Fprintf(c.out, "✓ Connected to %s\n", s.Profile.Name)
			return nil
		case vpn.StateDisconnected:
			if s.LastError != nil {
				return fmt.Errorf("connection failed: %s: %w", notify.Describe(s.ErrorState()), s.LastError)
			}
			return errors.New("connection closed")
		}

		select {
		case <-updates:
		case <-timeout.C:
			c.abort()
			return errors.New("connection timed out")
		case <-ctx.Done():
			c.abort()
			return ctx.Err()
		}
	}
}

// abort tears down a connection attempt with a fresh context.
func (c *CLI) abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.ctrl.Disconnect(ctx); err != nil {
		c.logger.Warn("Disconnect after failed attempt: %v", err)
	}
}

// Save validates a configuration file, stores its secrets and registers it
// with the platform without connecting.
func (c *CLI) Save(ctx context.Context, path string) error {
	if err := c.ctrl.Prepare(ctx); err != nil {
		return fmt.Errorf("cannot obtain VPN permission: %w", err)
	}
	raw, err := c.loadConfigFile(path)
	if err != nil {
		return err
	}
	p, err := c.ctrl.SaveConfig(ctx, raw)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if err := c.profiles.Put(p); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "✓ Saved %s (%s)\n", p.Name, p.ID)
	return nil
}

// Watch connects to target and shows the live status view until the user quits.
func (c *CLI) Watch(ctx context.Context, target string) error {
	if err := c.Connect(ctx, target); err != nil {
		return err
	}
	if poller := c.startPoller(); poller != nil {
		defer poller.Stop()
	}
	return tui.Run(c.ctrl)
}

// resolveProfile finds a saved profile by name or ID, or the most recently
// used one when target is empty.
func (c *CLI) resolveProfile(target string) (*vpn.Profile, error) {
	if target != "" {
		return c.profiles.Lookup(strings.TrimSpace(target))
	}
	var latest *vpn.SavedProfile
	for _, sp := range c.profiles.List() {
		if latest == nil || sp.LastUsed.After(latest.LastUsed) {
			sp := sp
			latest = &sp
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: no saved profiles", common.ErrProfileNotFound)
	}
	return latest.Profile, nil
}

// Disconnect stops the tunnel of a saved profile (the most recently used one
// when target is empty), even if another process started it.
func (c *CLI) Disconnect(ctx context.Context, target string) error {
	p, err := c.resolveProfile(target)
	if err != nil {
		return err
	}

	status, err := c.platform.Attach(ctx, p.ID)
	if err != nil {
		return err
	}
	if status == vpn.StatusDisconnected || status == vpn.StatusInvalid {
		fmt.Fprintf(c.out, "Not connected to %s.\n", p.Name)
		return nil
	}

	fmt.Fprintf(c.out, "Disconnecting from %s...\n", p.Name)
	if err := c.platform.StopTunnel(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}

	timeout := time.After(c.connectTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		switch c.platform.CurrentStatus() {
		case vpn.StatusDisconnected, vpn.StatusInvalid:
			fmt.Fprintf(c.out, "✓ Disconnected from %s\n", p.Name)
			return nil
		}
		select {
		case <-ticker.C:
		case <-timeout:
			return errors.New("disconnect timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status lists saved profiles with their current platform status.
func (c *CLI) Status(ctx context.Context) error {
	profiles := c.profiles.List()
	if len(profiles) == 0 {
		fmt.Fprintln(c.out, "No VPN profiles saved.")
		fmt.Fprintln(c.out, "Use --save FILE or --connect FILE to add one.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tADDRESS\tSTATUS\tLAST CONNECTED")
	fmt.Fprintln(w, "--\t----\t----\t-------\t------\t--------------")

	for _, sp := range profiles {
		p := sp.Profile
		status := "unknown"
		if s, err := c.platform.Attach(ctx, p.ID); err != nil {
			c.logger.Debug("Status of %s: %v", p.Name, err)
		} else {
			status = s.String()
		}

		last := "-"
		if c.journal != nil {
			if at, ok, err := c.journal.LastConnected(ctx, p.ID); err == nil && ok {
				last = formatAgo(c.now().Sub(at))
			}
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(p.ID), p.Name, p.Protocol, p.Address, status, last)
	}
	return w.Flush()
}

// Purge deletes the platform connection, the stored credentials and the
// saved profile of target.
func (c *CLI) Purge(ctx context.Context, target string) error {
	id := target
	if p, err := c.profiles.Lookup(target); err == nil {
		id = p.ID
	}

	if err := c.platform.Forget(ctx, id); err != nil {
		return fmt.Errorf("failed to remove the NetworkManager connection: %w", err)
	}
	if err := c.ctrl.PurgeCredentials(id); err != nil {
		return fmt.Errorf("failed to purge credentials: %w", err)
	}
	if err := c.profiles.Remove(id); err != nil && !errors.Is(err, common.ErrProfileNotFound) {
		return err
	}
	fmt.Fprintf(c.out, "✓ Purged %s\n", id)
	return nil
}

// History prints the last n recorded transitions.
func (c *CLI) History(ctx context.Context, n int) error {
	if c.journal == nil {
		return errors.New("history is disabled in the configuration")
	}
	entries, err := c.journal.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "No recorded connection events.")
		return nil
	}

	names := profileName(c.profiles)
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tPROFILE\tSTATE\tERROR")
	for _, e := range entries {
		name := names(e.ConnectionID)
		if name == "" {
			name = shortID(e.ConnectionID)
		}
		errCol := "-"
		if e.ErrorCode != vpn.NoError {
			errCol = e.ErrorCode.String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.At.Format("2006-01-02 15:04:05"), name, e.State, errCol)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}

// formatAgo formats a duration in a human-readable format.
func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh %dm ago", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours())/24)
	}
}

// PrintHelp prints CLI usage help.
func PrintHelp() {
	fmt.Println(`systemvpn - IPsec/IKEv2 VPN sessions over NetworkManager

Usage:
  systemvpn [OPTIONS] [PROFILE]

Options:
  --connect TARGET  Connect using a configuration file or a saved profile
  --save FILE       Validate and save a configuration without connecting
  --disconnect      Disconnect PROFILE (the last used profile if omitted)
  --status          Show saved profiles and their status
  --purge ID        Delete the stored credentials and profile ID
  --history N       Show the last N connection events
  --watch           With --connect, show a live status view
  --ask-password    Prompt for secrets missing from the configuration file
  --config PATH     Use an alternative configuration file
  --verbose         Enable verbose logging
  --version         Show version and exit
  --help            Show this help message

Examples:
  systemvpn --connect office.yaml --ask-password
  systemvpn --connect "Office" --watch
  systemvpn --disconnect
  systemvpn --history 20

Notes:
  - Secrets are kept in the system keyring, or in an encrypted file
    when no keyring is available
  - Configuration files are YAML or JSON; unknown keys are rejected`)
}
