//go:build windows

package modelsync

import (
	"errors"
	"os"
	"path/filepath"
)

// sharedDataDir returns the preferred shared location for Windows:
// %ProgramData%\<appName>\models
func sharedDataDir(appName string) (string, error) {
	programData := os.Getenv("ProgramData")
	if programData == "" {
		return "", errors.New("ProgramData environment variable not set")
	}
	return filepath.Join(programData, appName, "models"), nil
}

// supportDataDir returns the application-private data directory:
// %APPDATA%\<appName>\models
func supportDataDir(appName string) (string, error) {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		appData = filepath.Join(home, "AppData", "Roaming")
	}
	return filepath.Join(appData, appName, "models"), nil
}
