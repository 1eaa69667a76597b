// Command pocketcloud-models manages local copies of multi-file ML model
// artifacts: pulling them from the hub, verifying their integrity, and
// repairing damaged files.
//
// Configuration is loaded from environment variables:
//   - POCKETCLOUD_HUB_URL: Base URL of the model hub (default: https://huggingface.co)
//   - POCKETCLOUD_MODELS_DIR: Override for the preferred storage root (optional)
package main

import (
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	modelsync "github.com/steven-moon/pocket-cloud-mlx-sub003"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments.
	ExitInvalidArgs = 2

	// ExitArtifactNotFound indicates the artifact was not found on the hub.
	ExitArtifactNotFound = 3

	// ExitNotInstalled indicates the artifact is not installed locally.
	ExitNotInstalled = 4

	// ExitNetworkError indicates a network or connection failure.
	ExitNetworkError = 5

	// ExitIntegrityError indicates a file failed its integrity check and
	// could not be repaired.
	ExitIntegrityError = 6

	// ExitStorageError indicates a filesystem operation failed.
	ExitStorageError = 7
)

func main() {
	level := slog.LevelWarn
	if os.Getenv("POCKETCLOUD_DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))

	cfg := modelsync.Config{
		AppName: "pocketcloud",
		// HubURL and the storage root can be set via POCKETCLOUD_HUB_URL
		// and POCKETCLOUD_MODELS_DIR (handled by the engine).
	}

	cmd := modelsync.NewCommand(cfg, modelsync.WithLogger(modelsync.NewSlogLogger(logger)))
	if err := cmd.Execute(); err != nil {
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case errors.Is(err, modelsync.ErrArtifactNotFound):
		return ExitArtifactNotFound
	case errors.Is(err, modelsync.ErrNotInstalled):
		return ExitNotInstalled
	case errors.Is(err, modelsync.ErrNetwork):
		return ExitNetworkError
	case errors.Is(err, modelsync.ErrHashMismatch),
		errors.Is(err, modelsync.ErrSizeMismatch),
		errors.Is(err, modelsync.ErrUnrepairable):
		return ExitIntegrityError
	case errors.Is(err, modelsync.ErrStorage),
		errors.Is(err, modelsync.ErrStorageExhausted):
		return ExitStorageError
	case errors.Is(err, modelsync.ErrInvalidRef):
		return ExitInvalidArgs
	default:
		return ExitGeneralError
	}
}
