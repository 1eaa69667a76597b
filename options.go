package modelsync

import (
	"net/http"
	"time"
)

// Concurrency constants for per-file downloads.
const (
	// DefaultConcurrency is the default number of concurrent file downloads.
	DefaultConcurrency = 4

	// MaxConcurrency is the maximum allowed concurrent file downloads.
	MaxConcurrency = 16

	// DefaultRequestTimeout is the default timeout for a single hub request.
	DefaultRequestTimeout = 30 * time.Second
)

// Retry configuration constants for transient download failures.
const (
	// MaxAttempts is the attempt ceiling for transient failures. After it
	// is exhausted the session reports terminal failure.
	MaxAttempts = 3

	// InitialBackoff is the backoff duration before the first retry.
	InitialBackoff = 1 * time.Second

	// MaxBackoff is the maximum backoff duration between retries.
	MaxBackoff = 4 * time.Second
)

// sessionRetention is how long a finished verification session stays
// queryable so late observers can still read its final state.
const sessionRetention = 5 * time.Second

// Config configures the engine.
type Config struct {
	// AppName determines the storage directory names.
	// Example: "pocketcloud" → ~/Library/Application Support/pocketcloud/models
	AppName string

	// HubURL is the base URL of the model hub.
	// Example: "https://huggingface.co"
	HubURL string

	// PreferredDir overrides the preferred shared storage location.
	// If empty, the platform default is used. Can also be set via
	// environment variable: <APPNAME>_MODELS_DIR. Whatever the source,
	// the directory must pass a write probe or the resolver falls
	// through to the next root in the chain.
	PreferredDir string
}

// Option configures an Engine.
type Option func(*engineConfig)

// engineConfig holds configuration for Engine construction.
type engineConfig struct {
	// httpClient is used for all HTTP requests to the hub.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger

	// concurrency is the number of concurrent file downloads per session.
	concurrency int
}

// newEngineConfig returns an engineConfig with default values.
func newEngineConfig() *engineConfig {
	return &engineConfig{
		httpClient:  http.DefaultClient,
		concurrency: DefaultConcurrency,
	}
}

// WithHTTPClient sets a custom HTTP client for hub requests.
// Useful for testing with mock servers or customizing timeouts.
// If not set, http.DefaultClient is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(c *engineConfig) {
		c.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithConcurrency sets the number of concurrent file downloads per session.
// Values are clamped to the range [1, MaxConcurrency].
// Default is DefaultConcurrency (4).
func WithConcurrency(n int) Option {
	return func(c *engineConfig) {
		if n < 1 {
			n = 1
		}
		if n > MaxConcurrency {
			n = MaxConcurrency
		}
		c.concurrency = n
	}
}

// EnsureOption configures an EnsureDownloaded call.
type EnsureOption func(*ensureConfig)

// ensureConfig holds configuration for a single ensure operation.
type ensureConfig struct {
	// force re-fetches every file even if the local copy passes checks.
	force bool
}

// WithForce forces re-download of all files even if the local copies pass
// their integrity checks.
func WithForce() EnsureOption {
	return func(c *ensureConfig) {
		c.force = true
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap, logrus, and other structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}
