//go:build darwin

package modelsync

import (
	"os"
	"path/filepath"
)

// sharedDataDir returns the preferred shared location for macOS:
// /Users/Shared/<appName>/models. Shared so multiple users of the machine
// reuse one copy of large model bundles.
func sharedDataDir(appName string) (string, error) {
	return filepath.Join("/Users", "Shared", appName, "models"), nil
}

// supportDataDir returns the application-private support directory:
// ~/Library/Application Support/<appName>/models
func supportDataDir(appName string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "Application Support", appName, "models"), nil
}
