package modelsync

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLockTimeout is the default timeout for acquiring file locks.
const DefaultLockTimeout = 30 * time.Second

// rootResolver determines the writable root directory for all artifacts.
// It probes a preferred shared location first and falls through a
// deterministic chain on failure. The switch to a fallback is one-way: a
// root that failed its probe or produced a structural write error is never
// retried within the same process.
type rootResolver struct {
	mu sync.Mutex

	// chain is the ordered list of candidate roots.
	chain []string

	// next is the index of the first candidate not yet ruled out.
	next int

	// resolved is the currently chosen root, empty until first Resolve.
	resolved string

	// logger receives diagnostic messages. May be nil.
	logger Logger
}

// envVarName constructs the override environment variable name from the
// app name. Example: envVarName("pocketcloud") returns
// "POCKETCLOUD_MODELS_DIR".
func envVarName(appName string) string {
	return strings.ToUpper(appName) + "_MODELS_DIR"
}

// newRootResolver builds the candidate chain for the configuration.
// Priority for the preferred root: env var > Config.PreferredDir >
// platform shared default. The fallbacks are always the platform support
// directory and a process-temporary directory, in that order.
func newRootResolver(cfg Config, logger Logger) (*rootResolver, error) {
	var preferred string
	if envDir := os.Getenv(envVarName(cfg.AppName)); envDir != "" {
		preferred = envDir
	} else if cfg.PreferredDir != "" {
		preferred = cfg.PreferredDir
	} else {
		dir, err := sharedDataDir(cfg.AppName)
		if err != nil {
			return nil, fmt.Errorf("%w: no shared data dir: %v", ErrStorage, err)
		}
		preferred = dir
	}

	support, err := supportDataDir(cfg.AppName)
	if err != nil {
		return nil, fmt.Errorf("%w: no support data dir: %v", ErrStorage, err)
	}

	tmp := filepath.Join(os.TempDir(), cfg.AppName+"-models")

	return &rootResolver{
		chain:  []string{preferred, support, tmp},
		logger: logger,
	}, nil
}

// Resolve returns the storage root for the process, probing candidates in
// chain order on first use. Returns ErrStorageExhausted if no candidate
// passes the write probe.
func (r *rootResolver) Resolve() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked()
}

func (r *rootResolver) resolveLocked() (string, error) {
	if r.resolved != "" {
		return r.resolved, nil
	}

	for r.next < len(r.chain) {
		candidate := r.chain[r.next]
		if err := probeWritable(candidate); err != nil {
			if r.logger != nil {
				r.logger.Warn("storage root failed write probe", "root", candidate, "error", err)
			}
			r.next++
			continue
		}
		r.resolved = candidate
		if r.logger != nil {
			r.logger.Info("storage root resolved", "root", candidate)
		}
		return candidate, nil
	}

	return "", ErrStorageExhausted
}

// Fallback abandons the current root after a structural write failure and
// resolves the next candidate in the chain. The abandoned root is not
// retried for the remainder of the process lifetime.
func (r *rootResolver) Fallback() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != "" {
		if r.logger != nil {
			r.logger.Warn("abandoning storage root", "root", r.resolved)
		}
		r.resolved = ""
		r.next++
	}

	return r.resolveLocked()
}

// Current returns the resolved root without probing, or "" if Resolve has
// not run yet.
func (r *rootResolver) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// probeWritable confirms the directory is actually writable, not merely
// present: it creates the directory if needed, writes a uniquely-named
// probe file, and removes it.
func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	probe := filepath.Join(dir, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, []byte("probe"), 0644); err != nil {
		return err
	}

	return os.Remove(probe)
}

// stateEntry records one downloaded artifact in the local state file.
type stateEntry struct {
	// TotalSize is the total size of all artifact files in bytes.
	TotalSize int64 `json:"total_size"`

	// FileCount is the number of files in the artifact.
	FileCount int `json:"file_count"`

	// DownloadedAt is when the artifact last completed a download.
	DownloadedAt time.Time `json:"downloaded_at"`
}

// localState is the contents of the state.json file under the storage
// root. It remembers what was downloaded and where, so presence queries
// answer without hub round-trips and a later process can find the last
// resolved root.
type localState struct {
	// Root is the storage root this state file was last written under.
	Root string `json:"root"`

	// Artifacts maps "owner/name" to its entry.
	Artifacts map[string]stateEntry `json:"artifacts"`
}

// store handles all local filesystem operations for the engine.
type store struct {
	// resolver supplies the storage root; the root can move once per
	// process via the fallback chain, so it is read on every operation.
	resolver *rootResolver

	// appName is used for metadata file naming.
	appName string

	// lockTimeout is the maximum duration to wait for file lock acquisition.
	lockTimeout time.Duration

	// stateMu protects concurrent in-process access to state.json.
	stateMu sync.RWMutex
}

func newStore(resolver *rootResolver, appName string) *store {
	return &store{
		resolver:    resolver,
		appName:     appName,
		lockTimeout: DefaultLockTimeout,
	}
}

// artifactPath returns the absolute path to an artifact's directory under
// the current root.
func (s *store) artifactPath(ref ArtifactRef) (string, error) {
	root, err := s.resolver.Resolve()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, ref.Owner, ref.Name), nil
}

func (s *store) statePath() (string, error) {
	root, err := s.resolver.Resolve()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "state.json"), nil
}

// loadState reads and parses state.json under the current root.
// Returns an empty state if the file doesn't exist.
func (s *store) loadState() (localState, error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	empty := localState{Artifacts: make(map[string]stateEntry)}

	path, err := s.statePath()
	if err != nil {
		return empty, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	var st localState
	if err := json.Unmarshal(data, &st); err != nil {
		return empty, fmt.Errorf("%w: invalid state.json: %v", ErrStorage, err)
	}
	if st.Artifacts == nil {
		st.Artifacts = make(map[string]stateEntry)
	}

	return st, nil
}

// saveState atomically writes state.json under the current root, stamping
// it with the root it was written under. Uses cross-process file locking
// to prevent concurrent writes from multiple processes.
func (s *store) saveState(st localState) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	path, err := s.statePath()
	if err != nil {
		return err
	}
	st.Root = filepath.Dir(path)

	lock, err := newFileLock(path+".lock", s.lockTimeout)
	if err != nil {
		return fmt.Errorf("%w: failed to create lock: %v", ErrStorage, err)
	}
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("%w: failed to acquire lock: %v", ErrStorage, err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal state: %v", ErrStorage, err)
	}

	return s.atomicWrite(path, data)
}

// recordArtifact upserts the state entry for a completed download.
func (s *store) recordArtifact(ref ArtifactRef, totalSize int64, fileCount int) error {
	st, err := s.loadState()
	if err != nil {
		return err
	}

	st.Artifacts[ref.ID()] = stateEntry{
		TotalSize:    totalSize,
		FileCount:    fileCount,
		DownloadedAt: time.Now(),
	}

	return s.saveState(st)
}

// forgetArtifact drops the state entry for a removed artifact.
// Dropping an absent entry is not an error.
func (s *store) forgetArtifact(ref ArtifactRef) error {
	st, err := s.loadState()
	if err != nil {
		return err
	}

	delete(st.Artifacts, ref.ID())
	return s.saveState(st)
}

// atomicWrite writes data to a file using write-then-rename so readers
// never observe a partially-written file.
func (s *store) atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory: %v", ErrStorage, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %v", ErrStorage, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp) // cleanup on failure
		return fmt.Errorf("%w: failed to rename temp file: %v", ErrStorage, err)
	}

	return nil
}

// ensureDir creates a directory and all parent directories if they don't
// exist.
func (s *store) ensureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// removeArtifactDir removes an artifact's directory and all its contents.
func (s *store) removeArtifactDir(ref ArtifactRef) error {
	path, err := s.artifactPath(ref)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("%w: failed to remove artifact directory: %v", ErrStorage, err)
	}
	return nil
}

// listTargetFiles enumerates the files under an artifact directory,
// returning relative slash-separated names mapped to observed byte sizes.
// Partial downloads (*.part) and metadata are excluded; they are transfer
// residue, not artifact content. A missing directory yields an empty map.
func (s *store) listTargetFiles(ref ArtifactRef) (map[string]int64, error) {
	dir, err := s.artifactPath(ref)
	if err != nil {
		return nil, err
	}

	files := make(map[string]int64)
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if strings.HasSuffix(rel, ".part") || strings.HasPrefix(rel, "."+s.appName+"/") {
			return nil
		}
		files[rel] = info.Size()
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	return files, nil
}
