package modelsync

import "errors"

// Sentinel errors for acquisition and integrity operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrInvalidRef indicates an invalid artifact reference format.
	ErrInvalidRef = errors.New("modelsync: invalid artifact reference")

	// ErrArtifactNotFound indicates the artifact does not exist on the hub.
	ErrArtifactNotFound = errors.New("modelsync: artifact not found on hub")

	// ErrNotInstalled indicates the artifact is not recorded locally.
	ErrNotInstalled = errors.New("modelsync: artifact not installed")

	// ErrNetwork indicates a transient network failure: transport errors,
	// timeouts, and 5xx-class hub responses. Retried up to the attempt
	// ceiling before being surfaced.
	ErrNetwork = errors.New("modelsync: network error")

	// ErrHubResponse indicates the hub returned invalid or unparseable
	// data. Never retried by the engine itself.
	ErrHubResponse = errors.New("modelsync: invalid hub response")

	// ErrWriteDenied indicates a structural write failure (permission
	// denied, read-only volume). Triggers the one-way storage fallback
	// instead of a retry against the same root.
	ErrWriteDenied = errors.New("modelsync: storage root not writable")

	// ErrStorageExhausted indicates every root in the fallback chain
	// failed its write probe. This is a fatal configuration error.
	ErrStorageExhausted = errors.New("modelsync: no writable storage root")

	// ErrStorage indicates a filesystem operation failed.
	ErrStorage = errors.New("modelsync: storage error")

	// ErrHashMismatch indicates downloaded data failed hash verification.
	ErrHashMismatch = errors.New("modelsync: hash verification failed")

	// ErrSizeMismatch indicates a downloaded file does not match its
	// expected byte size.
	ErrSizeMismatch = errors.New("modelsync: size verification failed")

	// ErrUnrepairable indicates missing or corrupt files remain after the
	// single permitted repair cycle of a Verify call.
	ErrUnrepairable = errors.New("modelsync: artifact unrepairable after repair cycle")

	// ErrVerifyActive indicates a verification session is already running
	// for the artifact id.
	ErrVerifyActive = errors.New("modelsync: verification already active for artifact")
)
