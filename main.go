// Package main provides the entry point for systemvpn.
// systemvpn manages IPsec (XAuth) and IKEv2 VPN sessions through
// NetworkManager from the command line.
//
// Features:
//   - Profiles built from YAML/JSON connection files
//   - Secure credential storage using the system keyring
//   - Connection lifecycle tracking with a local event history
//   - Live terminal status view
//
// Usage:
//
//	systemvpn [options] [profile]
//
// Environment:
//
//	NetworkManager with the strongSwan (IKEv2) or libreswan (IPsec) VPN
//	plugin must be installed on the system.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/systemvpn/cli"
	"github.com/yllada/systemvpn/common"
	"github.com/yllada/systemvpn/config"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

var (
	showVersion = flag.Bool("version", false, "Show version and exit")
	verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	showHelp    = flag.Bool("help", false, "Show help message")
	configPath  = flag.String("config", "", "Path to the configuration file")

	connectTarget = flag.String("connect", "", "Connect using a configuration file or saved profile")
	saveFile      = flag.String("save", "", "Validate and save a configuration file")
	disconnectVPN = flag.Bool("disconnect", false, "Disconnect a profile (last used if omitted)")
	showStatus    = flag.Bool("status", false, "Show saved profiles and their status")
	purgeID       = flag.String("purge", "", "Delete stored credentials of a profile")
	historyCount  = flag.Int("history", 0, "Show the last N connection events")
	watch         = flag.Bool("watch", false, "Show a live status view after connecting")
	askPassword   = flag.Bool("ask-password", false, "Prompt for missing secrets")
)

func main() {
	flag.Parse()

	if *showHelp {
		cli.PrintHelp()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("%s v%s\n", common.AppName, appVersion)
		if buildTime != "unknown" {
			fmt.Printf("  Build:  %s\n", buildTime)
			fmt.Printf("  Commit: %s\n", commitSHA)
		}
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		if cfg == nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	logLevel := common.ParseLogLevel(cfg.LogLevel)
	if *verbose {
		logLevel = common.LevelDebug
	}
	if err := common.InitLogger(common.LogConfig{
		Level:       logLevel,
		EnableFile:  cfg.LogToFile,
		MaxFileSize: 5 * 1024 * 1024, // 5MB
		MaxBackups:  5,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Could not initialize file logging: %v\n", err)
	}

	if *watch && *connectTarget == "" {
		fmt.Fprintln(os.Stderr, "Error: --watch requires --connect")
		os.Exit(2)
	}
	if *connectTarget == "" && *saveFile == "" && !*disconnectVPN && !*showStatus &&
		*purgeID == "" && *historyCount <= 0 {
		cli.PrintHelp()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	setupSignalHandler(cancel)

	code := run(ctx, cfg)
	cancel()
	common.CloseLogger()
	os.Exit(code)
}

func loadConfig() (*config.Config, error) {
	if *configPath != "" {
		return config.LoadFrom(*configPath)
	}
	return config.Load()
}

// run executes the selected command and returns the process exit code.
func run(ctx context.Context, cfg *config.Config) int {
	common.LogInfo("Starting %s v%s", common.AppName, appVersion)

	cliApp, err := cli.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer cliApp.Close()
	cliApp.AskPassword = *askPassword

	var cliErr error
	switch {
	case *connectTarget != "" && *watch:
		cliErr = cliApp.Watch(ctx, *connectTarget)
	case *connectTarget != "":
		cliErr = cliApp.Connect(ctx, *connectTarget)
	case *saveFile != "":
		cliErr = cliApp.Save(ctx, *saveFile)
	case *disconnectVPN:
		cliErr = cliApp.Disconnect(ctx, flag.Arg(0))
	case *showStatus:
		cliErr = cliApp.Status(ctx)
	case *purgeID != "":
		cliErr = cliApp.Purge(ctx, *purgeID)
	case *historyCount > 0:
		cliErr = cliApp.History(ctx, *historyCount)
	}

	if cliErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", cliErr)
		return 1
	}
	return 0
}

// setupSignalHandler configures graceful shutdown on SIGINT/SIGTERM.
// When a signal is received, it cancels the context to allow cleanup.
func setupSignalHandler(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		common.LogInfo("Received signal %v, initiating graceful shutdown...", sig)
		cancel()
	}()
}
