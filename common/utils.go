// Package common provides shared constants, types, and utilities
// used across the vpnd daemon and its command-line client.
package common

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// GenerateID generates a unique identifier for requests and tunnel attempts.
func GenerateID() string {
	return uuid.NewString()
}

// ShortID returns the first eight characters of an identifier for log lines.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist. The daemon running as root
// uses /etc; everything else uses the user's XDG config directory.
func GetConfigDir() (string, error) {
	configDir := filepath.Join("/etc", ConfigDirName)
	if os.Geteuid() != 0 {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", WrapError(err, "failed to get home directory")
		}
		configDir = filepath.Join(homeDir, ".config", ConfigDirName)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}

	return configDir, nil
}

// GetDataDir returns the path to the application data directory.
func GetDataDir() (string, error) {
	dataDir := filepath.Join("/var/lib", ConfigDirName)
	if os.Geteuid() != 0 {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", WrapError(err, "failed to get home directory")
		}
		dataDir = filepath.Join(homeDir, ".local", "share", ConfigDirName)
	}

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", WrapError(err, "failed to create data directory")
	}

	return dataDir, nil
}

// GetRuntimeDir returns the directory holding the control socket.
func GetRuntimeDir() string {
	if os.Geteuid() == 0 {
		return filepath.Join("/run", ConfigDirName)
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, ConfigDirName)
	}
	return filepath.Join(os.TempDir(), ConfigDirName)
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// EnsureDir ensures a directory exists, creating it if necessary.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
