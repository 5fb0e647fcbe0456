// Package common provides shared constants, types, and utilities
// used across ocvpn.
package common

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

var (
	homeMu       sync.RWMutex
	homeOverride string
)

// GenerateID generates a unique identifier for sessions and history rows.
func GenerateID() string {
	return uuid.NewString()
}

// SetHomeDir pins the configuration directory. The daemon uses it so that
// an elevated process keeps reading the invoking user's files.
func SetHomeDir(dir string) {
	homeMu.Lock()
	defer homeMu.Unlock()
	homeOverride = dir
}

// GetConfigDir returns the path to the application configuration directory.
// It creates the directory if it doesn't exist.
func GetConfigDir() (string, error) {
	dir, err := configDirPath()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", WrapError(err, "failed to create config directory")
	}
	return dir, nil
}

func configDirPath() (string, error) {
	homeMu.RLock()
	override := homeOverride
	homeMu.RUnlock()
	if override != "" {
		return override, nil
	}
	if env := os.Getenv(HomeEnv); env != "" {
		return env, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", WrapError(err, "failed to get home directory")
	}
	return filepath.Join(homeDir, ".config", ConfigDirName), nil
}

// ConfigPath joins name onto the configuration directory.
func ConfigPath(name string) (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// FileExists checks if a file exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// InvokingUID returns the uid of the user that ran sudo, if any.
func InvokingUID() (int, bool) {
	raw := os.Getenv("SUDO_UID")
	if raw == "" {
		return 0, false
	}
	uid, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return uid, true
}

// ChownToInvoker hands path back to the user that ran sudo so files the
// daemon creates in their home stay readable by them. No-op without sudo.
func ChownToInvoker(path string) error {
	uid, ok := InvokingUID()
	if !ok {
		return nil
	}
	gid := -1
	if raw := os.Getenv("SUDO_GID"); raw != "" {
		if g, err := strconv.Atoi(raw); err == nil {
			gid = g
		}
	}
	return os.Chown(path, uid, gid)
}
