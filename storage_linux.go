//go:build linux

package modelsync

import (
	"os"
	"path/filepath"
)

// sharedDataDir returns the preferred shared location for Linux:
// /usr/local/share/<appName>/models. Usually writable only for
// administrators; the write probe decides whether it is usable.
func sharedDataDir(appName string) (string, error) {
	return filepath.Join("/usr", "local", "share", appName, "models"), nil
}

// supportDataDir returns the application-private data directory.
// Uses $XDG_DATA_HOME/<appName>/models if set,
// otherwise ~/.local/share/<appName>/models
func supportDataDir(appName string) (string, error) {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, appName, "models"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", appName, "models"), nil
}
