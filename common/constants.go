package common

import "time"

// Application metadata.
const (
	// AppID is the reverse-DNS identifier of the application.
	AppID = "io.systemvpn.core"
	// AppName is the display name of the application.
	AppName = "System VPN"
	// ConfigDirName is the name of the configuration directory.
	ConfigDirName = "systemvpn"
	// KeyringService is the service name used for system keyring entries.
	KeyringService = "systemvpn"
)

// File names used by the application.
const (
	ProfilesFileName    = "profiles.yaml"
	ConfigFileName      = "config.yaml"
	CredentialsFileName = ".credentials"
	HistoryFileName     = "history.db"
	LogFileName         = "systemvpn.log"
)

// Default timeouts and intervals.
const (
	// PermissionTimeout bounds how long Prepare waits for user consent.
	PermissionTimeout = 60 * time.Second
	// ConnectionTimeout is how long the CLI waits for a tunnel to come up.
	ConnectionTimeout = 30 * time.Second
	// StatusPollInterval is how often the adapter status is reconciled.
	StatusPollInterval = 5 * time.Second
	// HistoryRetention is how long journal rows are kept.
	HistoryRetention = 30 * 24 * time.Hour
)

// Credential backend names accepted in the configuration file.
const (
	BackendAuto   = "auto"
	BackendSystem = "system"
	BackendFile   = "file"
)
