package modelsync

import (
	"strings"
	"time"
)

// ArtifactRef identifies a model bundle on the hub.
type ArtifactRef struct {
	// Owner is the hub namespace, e.g. "mlx-community".
	Owner string

	// Name is the model name within the namespace, e.g. "Qwen2.5-0.5B".
	Name string
}

// String returns the canonical string form: "owner/name".
func (r ArtifactRef) String() string {
	return r.Owner + "/" + r.Name
}

// ID returns the stable artifact key used for session tracking and event
// routing. It is the same as String and exists for call-site clarity.
func (r ArtifactRef) ID() string {
	return r.String()
}

// ParseArtifactRef parses "owner/name" into an ArtifactRef.
// Returns ErrInvalidRef if the format is invalid.
func ParseArtifactRef(s string) (ArtifactRef, error) {
	if s == "" {
		return ArtifactRef{}, ErrInvalidRef
	}

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ArtifactRef{}, ErrInvalidRef
	}

	return ArtifactRef{Owner: parts[0], Name: parts[1]}, nil
}

// FileEntry describes one file of an artifact as declared by the hub.
type FileEntry struct {
	// Name is the relative path within the artifact directory.
	Name string

	// Size is the expected file size in bytes.
	Size int64

	// SHA256 is the lowercase hex content hash, when the hub publishes one
	// (large files stored via LFS carry it). Empty means size-only checks.
	SHA256 string
}

// Manifest is the authoritative file list for an artifact, sourced from
// the hub.
type Manifest struct {
	// Files lists every file of the artifact in hub order.
	Files []FileEntry
}

// TotalSize returns the sum of all expected file sizes.
func (m Manifest) TotalSize() int64 {
	var total int64
	for _, f := range m.Files {
		total += f.Size
	}
	return total
}

// Names returns the set of file names the manifest requires.
func (m Manifest) Names() map[string]struct{} {
	names := make(map[string]struct{}, len(m.Files))
	for _, f := range m.Files {
		names[f.Name] = struct{}{}
	}
	return names
}

// FileStatus classifies a local file against its manifest entry.
type FileStatus int

const (
	// FileCorrect means the file is present and matches size (and hash,
	// when the manifest carries one).
	FileCorrect FileStatus = iota

	// FileCorrupt means the file is present but its size or content hash
	// does not match the manifest. A zero-byte file that should be
	// non-zero is corrupt, not missing.
	FileCorrupt

	// FileMissing means the file does not exist locally.
	FileMissing
)

// String returns the status name used in events and log lines.
func (s FileStatus) String() string {
	switch s {
	case FileCorrect:
		return "correct"
	case FileCorrupt:
		return "corrupt"
	case FileMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a download session.
type Outcome int

const (
	// OutcomeCompleted means all requested files are present and pass
	// their integrity check.
	OutcomeCompleted Outcome = iota

	// OutcomeFailed means the transfer hit a terminal error after
	// exhausting the retry and fallback policy.
	OutcomeFailed

	// OutcomeCancelled means the session was cancelled cooperatively.
	// Cancellation is a distinct terminal state, never conflated with
	// failure.
	OutcomeCancelled
)

// String returns the outcome name used in events and log lines.
func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// VerifyStatus is the final status string of a verification run.
type VerifyStatus string

const (
	// VerifyClean means the first scan found no missing or corrupt files.
	VerifyClean VerifyStatus = "clean"

	// VerifyRepaired means a repair cycle ran and the rescan came back
	// clean.
	VerifyRepaired VerifyStatus = "repaired"

	// VerifyUnrepaired means missing or corrupt files remain after the
	// single permitted repair cycle. A fresh Verify call is required.
	VerifyUnrepaired VerifyStatus = "unrepaired"
)

// LocalArtifact describes an artifact recorded in the local state file.
type LocalArtifact struct {
	// Ref identifies the artifact.
	Ref ArtifactRef

	// TotalSize is the total size in bytes of all artifact files.
	TotalSize int64

	// FileCount is the number of files in the artifact.
	FileCount int

	// DownloadedAt is when the artifact last completed a download.
	DownloadedAt time.Time

	// Path is the absolute path to the artifact directory.
	Path string
}
