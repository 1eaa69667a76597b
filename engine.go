package modelsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Defaults used when Config fields are left empty.
const (
	DefaultAppName = "pocketcloud"
	DefaultHubURL  = "https://huggingface.co"
)

// Engine acquires model artifacts from the hub, keeps them intact on local
// storage, and reports everything it does on the event bus.
//
// All methods are safe for concurrent use. Operations on different
// artifacts never block each other; operations on the same artifact follow
// the per-id session discipline described in the package documentation.
type Engine interface {
	// EnsureDownloaded makes every manifest file of ref present locally.
	// If a download or verification of ref is already running the call
	// attaches to it and shares its result. The returned Outcome
	// distinguishes completion, failure and cooperative cancellation.
	EnsureDownloaded(ctx context.Context, ref ArtifactRef, opts ...EnsureOption) (Outcome, error)

	// CancelDownload requests cooperative cancellation of the active
	// download session for ref. It reports whether a session was
	// signalled; the session itself terminates at the next file boundary.
	CancelDownload(ref ArtifactRef) bool

	// Verify runs the phase-ordered integrity protocol for ref, repairing
	// missing or corrupt files by targeted re-download. Progress is
	// observable on the bus; the call blocks until the terminal event.
	Verify(ctx context.Context, ref ArtifactRef) (VerifyStatus, error)

	// VerifyAsync starts a verification in the background. Results are
	// observed on the event bus only.
	VerifyAsync(ref ArtifactRef)

	// IsPresent reports whether ref was downloaded and its directory
	// still exists. It answers from local state without hub round-trips.
	IsPresent(ref ArtifactRef) (bool, error)

	// CurrentPhase reports the verification phase for ref, if a session
	// is active or recently finished.
	CurrentPhase(ref ArtifactRef) (Phase, bool)

	// List returns the locally recorded artifacts sorted by id.
	List() ([]LocalArtifact, error)

	// Path returns the local directory of an installed artifact.
	// Returns ErrNotInstalled if ref is not recorded.
	Path(ref ArtifactRef) (string, error)

	// Remove deletes ref's files and its state entry.
	Remove(ref ArtifactRef) error

	// Root returns the currently resolved storage root.
	Root() (string, error)

	// Events returns the engine's event bus.
	Events() *Bus
}

type engine struct {
	cfg      Config
	logger   Logger
	bus      *Bus
	hub      *hubClient
	store    *store
	coord    *coordinator
	verifier *verifier
}

// New creates an Engine. Empty Config fields fall back to the environment
// (<APPNAME>_HUB_URL, <APPNAME>_MODELS_DIR) and then to package defaults.
func New(cfg Config, opts ...Option) (Engine, error) {
	ec := newEngineConfig()
	for _, opt := range opts {
		opt(ec)
	}

	if cfg.AppName == "" {
		cfg.AppName = DefaultAppName
	}
	if cfg.HubURL == "" {
		cfg.HubURL = os.Getenv(hubEnvVarName(cfg.AppName))
	}
	if cfg.HubURL == "" {
		cfg.HubURL = DefaultHubURL
	}

	resolver, err := newRootResolver(cfg, ec.logger)
	if err != nil {
		return nil, err
	}

	bus := NewBus()
	st := newStore(resolver, cfg.AppName)
	hub := newHubClient(cfg.HubURL, ec.httpClient, ec.logger)
	coord := newCoordinator(hub, st, bus, ec.logger, ec.concurrency)

	return &engine{
		cfg:      cfg,
		logger:   ec.logger,
		bus:      bus,
		hub:      hub,
		store:    st,
		coord:    coord,
		verifier: newVerifier(hub, st, coord, bus, ec.logger),
	}, nil
}

// hubEnvVarName returns the environment variable that overrides the hub
// base URL, e.g. "POCKETCLOUD_HUB_URL".
func hubEnvVarName(appName string) string {
	return strings.ToUpper(strings.ReplaceAll(appName, "-", "_")) + "_HUB_URL"
}

func (e *engine) EnsureDownloaded(ctx context.Context, ref ArtifactRef, opts ...EnsureOption) (Outcome, error) {
	var ec ensureConfig
	for _, opt := range opts {
		opt(&ec)
	}

	err := e.coord.download(ctx, ref, ec.force)
	switch {
	case err == nil:
		return OutcomeCompleted, nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return OutcomeCancelled, err
	default:
		return OutcomeFailed, err
	}
}

func (e *engine) CancelDownload(ref ArtifactRef) bool {
	return e.coord.cancelDownload(ref)
}

func (e *engine) Verify(ctx context.Context, ref ArtifactRef) (VerifyStatus, error) {
	return e.verifier.verify(ctx, ref)
}

func (e *engine) VerifyAsync(ref ArtifactRef) {
	go func() {
		if _, err := e.verifier.verify(context.Background(), ref); err != nil && e.logger != nil {
			e.logger.Error("background verification failed", "artifact", ref.ID(), "error", err)
		}
	}()
}

func (e *engine) IsPresent(ref ArtifactRef) (bool, error) {
	st, err := e.store.loadState()
	if err != nil {
		return false, err
	}
	if _, ok := st.Artifacts[ref.ID()]; !ok {
		return false, nil
	}
	dir, err := e.store.artifactPath(ref)
	if err != nil {
		return false, err
	}
	return dirExists(dir), nil
}

func (e *engine) CurrentPhase(ref ArtifactRef) (Phase, bool) {
	return e.verifier.currentPhase(ref)
}

func (e *engine) List() ([]LocalArtifact, error) {
	st, err := e.store.loadState()
	if err != nil {
		return nil, err
	}

	artifacts := make([]LocalArtifact, 0, len(st.Artifacts))
	for id, entry := range st.Artifacts {
		ref, err := ParseArtifactRef(id)
		if err != nil {
			continue
		}
		dir, err := e.store.artifactPath(ref)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, LocalArtifact{
			Ref:          ref,
			TotalSize:    entry.TotalSize,
			FileCount:    entry.FileCount,
			DownloadedAt: entry.DownloadedAt,
			Path:         dir,
		})
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].Ref.ID() < artifacts[j].Ref.ID()
	})
	return artifacts, nil
}

func (e *engine) Path(ref ArtifactRef) (string, error) {
	st, err := e.store.loadState()
	if err != nil {
		return "", err
	}
	if _, ok := st.Artifacts[ref.ID()]; !ok {
		return "", fmt.Errorf("artifact %s: %w", ref, ErrNotInstalled)
	}
	return e.store.artifactPath(ref)
}

func (e *engine) Remove(ref ArtifactRef) error {
	st, err := e.store.loadState()
	if err != nil {
		return err
	}
	if _, ok := st.Artifacts[ref.ID()]; !ok {
		return fmt.Errorf("artifact %s: %w", ref, ErrNotInstalled)
	}
	if err := e.store.removeArtifactDir(ref); err != nil {
		return err
	}
	return e.store.forgetArtifact(ref)
}

func (e *engine) Root() (string, error) {
	return e.store.resolver.Resolve()
}

func (e *engine) Events() *Bus {
	return e.bus
}
