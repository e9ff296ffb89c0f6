package common

import (
	"os"
	"path/filepath"
)

// GetConfigDir returns $XDG_CONFIG_HOME/systemvpn (~/.config/systemvpn by
// default), creating it if needed.
func GetConfigDir() (string, error) {
	return appDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns $XDG_DATA_HOME/systemvpn (~/.local/share/systemvpn by
// default), creating it if needed.
func GetDataDir() (string, error) {
	return appDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

func appDir(env, fallback string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", WrapError(err, "failed to get home directory")
		}
		base = filepath.Join(homeDir, fallback)
	}

	dir := filepath.Join(base, ConfigDirName)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", WrapError(err, "failed to create "+dir)
	}
	return dir, nil
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
