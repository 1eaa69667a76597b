package modelsync

import (
	"fmt"
	"sync"
	"time"
)

// Phase names a step of the verification state machine. Phases are strictly
// ordered; for a single artifact id events are published in phase order.
type Phase string

const (
	PhaseStart                 Phase = "start"
	PhaseDirectoryStatus       Phase = "directory_status"
	PhaseDirectoryCompleteness Phase = "directory_completeness"
	PhaseScanStart             Phase = "scan_start"
	PhaseScanSource            Phase = "scan_source"
	PhaseScanTarget            Phase = "scan_target"
	PhaseScanFileProgress      Phase = "scan_file_progress"
	PhaseScanResult            Phase = "scan_result"
	PhaseMissingFiles          Phase = "missing_files"
	PhaseRepairProgress        Phase = "repair_progress"
	PhaseRepairComplete        Phase = "repair_complete"
	PhaseRedownloadComplete    Phase = "redownload_complete"
	PhaseResult                Phase = "result"
	PhaseFinished              Phase = "finished"
)

// Event is one element of the closed set of lifecycle notifications
// published by the download coordinator and the verifier. Each variant
// carries only the fields relevant to its phase, so consumers can
// type-switch exhaustively instead of probing an info dictionary.
type Event interface {
	// Artifact returns the id the event belongs to.
	Artifact() ArtifactRef

	// String renders the event as a human-readable log line.
	String() string

	// sealed keeps the variant set closed to this package.
	sealed()
}

// DownloadStarted is published once when a download session begins its
// transfer. Concurrent ensure calls that attach to an existing session do
// not produce additional DownloadStarted events.
type DownloadStarted struct {
	Ref        ArtifactRef
	FileCount  int
	TotalBytes int64
}

// DownloadProgress reports the cumulative transfer fraction in [0,1] for a
// session. Fractions are non-decreasing within a session, except for an
// explicit Reset event after a structural storage fallback.
type DownloadProgress struct {
	Ref        ArtifactRef
	Fraction   float64
	BytesDone  int64
	BytesTotal int64

	// Reset marks the fraction restart that follows a switch to a
	// fallback storage root. Observers must treat it as a fresh session
	// start, not a regression.
	Reset bool
}

// DownloadComplete is the successful terminal event of a download session.
type DownloadComplete struct {
	Ref     ArtifactRef
	Bytes   int64
	Elapsed time.Duration
}

// DownloadFailed is the terminal event after the retry and fallback policy
// is exhausted. Reason carries the last error rendered for humans.
type DownloadFailed struct {
	Ref    ArtifactRef
	Reason string
}

// DownloadCancelled is the terminal event of a cooperatively cancelled
// session. Distinct from DownloadFailed.
type DownloadCancelled struct {
	Ref ArtifactRef
}

// VerifyStarted opens a verification session.
type VerifyStarted struct {
	Ref ArtifactRef
}

// DirectoryStatus reports whether the source description and the target
// directory exist, checked independently.
type DirectoryStatus struct {
	Ref      ArtifactRef
	SourceOK bool
	TargetOK bool
}

// DirectoryCompleteness reports the coarse name-set pre-check: whether the
// target holds every file name the manifest requires. No byte comparison
// has happened yet.
type DirectoryCompleteness struct {
	Ref          ArtifactRef
	Complete     bool
	MissingNames int
}

// ScanStarted records the canonical source and target paths for this pass.
type ScanStarted struct {
	Ref        ArtifactRef
	SourcePath string
	TargetPath string
}

// SourceScanned reports the manifest enumeration.
type SourceScanned struct {
	Ref   ArtifactRef
	Files int
	Bytes int64
}

// TargetScanned reports the target directory enumeration.
type TargetScanned struct {
	Ref   ArtifactRef
	Files int
	Bytes int64
}

// FileScanned reports the classification of one manifest file, with a
// 1-based index over the scan total.
type FileScanned struct {
	Ref    ArtifactRef
	Index  int
	Total  int
	Name   string
	Status FileStatus
}

// ScanResult aggregates a completed scan pass.
type ScanResult struct {
	Ref         ArtifactRef
	Missing     int
	Corrupt     int
	SourceBytes int64
	TargetBytes int64
}

// MissingFiles announces the repair set size and resets the per-session
// progress counter for the repair loop.
type MissingFiles struct {
	Ref   ArtifactRef
	Count int
}

// RepairProgress reports one completed repair-set file, with a 1-based
// index over the repair total.
type RepairProgress struct {
	Ref   ArtifactRef
	Index int
	Total int
	Name  string
}

// RepairComplete is published once every repair-set file has been
// attempted. Success is true only if every targeted file now passes its
// integrity check.
type RepairComplete struct {
	Ref     ArtifactRef
	Success bool
}

// RedownloadComplete signals that a fresh scan pass is warranted. It is
// published at most once per Verify call.
type RedownloadComplete struct {
	Ref ArtifactRef
}

// VerifyResult carries the final status string for logging.
type VerifyResult struct {
	Ref    ArtifactRef
	Status VerifyStatus
}

// VerifyFinished is the terminal verification event. The session is
// retained briefly afterwards so late observers can still read final state.
type VerifyFinished struct {
	Ref     ArtifactRef
	Success bool
	Elapsed time.Duration
	Reason  string
}

func (e DownloadStarted) Artifact() ArtifactRef       { return e.Ref }
func (e DownloadProgress) Artifact() ArtifactRef      { return e.Ref }
func (e DownloadComplete) Artifact() ArtifactRef      { return e.Ref }
func (e DownloadFailed) Artifact() ArtifactRef        { return e.Ref }
func (e DownloadCancelled) Artifact() ArtifactRef     { return e.Ref }
func (e VerifyStarted) Artifact() ArtifactRef         { return e.Ref }
func (e DirectoryStatus) Artifact() ArtifactRef       { return e.Ref }
func (e DirectoryCompleteness) Artifact() ArtifactRef { return e.Ref }
func (e ScanStarted) Artifact() ArtifactRef           { return e.Ref }
func (e SourceScanned) Artifact() ArtifactRef         { return e.Ref }
func (e TargetScanned) Artifact() ArtifactRef         { return e.Ref }
func (e FileScanned) Artifact() ArtifactRef           { return e.Ref }
func (e ScanResult) Artifact() ArtifactRef            { return e.Ref }
func (e MissingFiles) Artifact() ArtifactRef          { return e.Ref }
func (e RepairProgress) Artifact() ArtifactRef        { return e.Ref }
func (e RepairComplete) Artifact() ArtifactRef        { return e.Ref }
func (e RedownloadComplete) Artifact() ArtifactRef    { return e.Ref }
func (e VerifyResult) Artifact() ArtifactRef          { return e.Ref }
func (e VerifyFinished) Artifact() ArtifactRef        { return e.Ref }

func (e DownloadStarted) String() string {
	return fmt.Sprintf("%s: download started (%d files, %s)", e.Ref, e.FileCount, formatSize(e.TotalBytes))
}

func (e DownloadProgress) String() string {
	if e.Reset {
		return fmt.Sprintf("%s: progress reset after storage fallback", e.Ref)
	}
	return fmt.Sprintf("%s: %.0f%% (%s / %s)", e.Ref, e.Fraction*100, formatSize(e.BytesDone), formatSize(e.BytesTotal))
}

func (e DownloadComplete) String() string {
	return fmt.Sprintf("%s: download complete (%s in %s)", e.Ref, formatSize(e.Bytes), e.Elapsed.Round(time.Millisecond))
}

func (e DownloadFailed) String() string {
	return fmt.Sprintf("%s: download failed: %s", e.Ref, e.Reason)
}

func (e DownloadCancelled) String() string {
	return fmt.Sprintf("%s: download cancelled", e.Ref)
}

func (e VerifyStarted) String() string {
	return fmt.Sprintf("%s: verification started", e.Ref)
}

func (e DirectoryStatus) String() string {
	return fmt.Sprintf("%s: directory status: source=%v target=%v", e.Ref, e.SourceOK, e.TargetOK)
}

func (e DirectoryCompleteness) String() string {
	if e.Complete {
		return fmt.Sprintf("%s: target holds all manifest file names", e.Ref)
	}
	return fmt.Sprintf("%s: target is missing %d file name(s)", e.Ref, e.MissingNames)
}

func (e ScanStarted) String() string {
	return fmt.Sprintf("%s: scanning source=%s target=%s", e.Ref, e.SourcePath, e.TargetPath)
}

func (e SourceScanned) String() string {
	return fmt.Sprintf("%s: source has %d files (%s)", e.Ref, e.Files, formatSize(e.Bytes))
}

func (e TargetScanned) String() string {
	return fmt.Sprintf("%s: target has %d files (%s)", e.Ref, e.Files, formatSize(e.Bytes))
}

func (e FileScanned) String() string {
	return fmt.Sprintf("%s: [%d/%d] %s: %s", e.Ref, e.Index, e.Total, e.Name, e.Status)
}

func (e ScanResult) String() string {
	return fmt.Sprintf("%s: scan result: missing=%d corrupt=%d source=%s target=%s",
		e.Ref, e.Missing, e.Corrupt, formatSize(e.SourceBytes), formatSize(e.TargetBytes))
}

func (e MissingFiles) String() string {
	return fmt.Sprintf("%s: repairing %d file(s)", e.Ref, e.Count)
}

func (e RepairProgress) String() string {
	return fmt.Sprintf("%s: repaired [%d/%d] %s", e.Ref, e.Index, e.Total, e.Name)
}

func (e RepairComplete) String() string {
	return fmt.Sprintf("%s: repair complete: success=%v", e.Ref, e.Success)
}

func (e RedownloadComplete) String() string {
	return fmt.Sprintf("%s: re-download complete, rescanning", e.Ref)
}

func (e VerifyResult) String() string {
	return fmt.Sprintf("%s: verification result: %s", e.Ref, e.Status)
}

func (e VerifyFinished) String() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: verification finished: success=%v elapsed=%s (%s)",
			e.Ref, e.Success, e.Elapsed.Round(time.Millisecond), e.Reason)
	}
	return fmt.Sprintf("%s: verification finished: success=%v elapsed=%s",
		e.Ref, e.Success, e.Elapsed.Round(time.Millisecond))
}

func (DownloadStarted) sealed()       {}
func (DownloadProgress) sealed()      {}
func (DownloadComplete) sealed()      {}
func (DownloadFailed) sealed()        {}
func (DownloadCancelled) sealed()     {}
func (VerifyStarted) sealed()         {}
func (DirectoryStatus) sealed()       {}
func (DirectoryCompleteness) sealed() {}
func (ScanStarted) sealed()           {}
func (SourceScanned) sealed()         {}
func (TargetScanned) sealed()         {}
func (FileScanned) sealed()           {}
func (ScanResult) sealed()            {}
func (MissingFiles) sealed()          {}
func (RepairProgress) sealed()        {}
func (RepairComplete) sealed()        {}
func (RedownloadComplete) sealed()    {}
func (VerifyResult) sealed()          {}
func (VerifyFinished) sealed()        {}

// HistoryLimit is the per-artifact capacity of the rendered log line ring.
const HistoryLimit = 200

// subscriberBuffer is the channel capacity per subscriber. A subscriber
// that falls this far behind loses events rather than stalling publishers;
// the history ring remains available to recover context.
const subscriberBuffer = 128

// Bus delivers events to subscribers keyed by artifact id. Publishing never
// blocks. For a given artifact id events are delivered in publish order; no
// ordering is guaranteed across ids.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs []chan Event

	// history holds the most recent rendered log lines, capped at
	// HistoryLimit, so a late subscriber can reconstruct recent state.
	history []string
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(id string) *topic {
	t, ok := b.topics[id]
	if !ok {
		t = &topic{}
		b.topics[id] = t
	}
	return t
}

// Publish delivers the event to all subscribers of its artifact id and
// appends its rendered form to the history ring. Subscribers whose buffer
// is full are skipped; publishers are never blocked.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicFor(e.Artifact().ID())

	t.history = append(t.history, e.String())
	if len(t.history) > HistoryLimit {
		t.history = t.history[len(t.history)-HistoryLimit:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber: drop rather than stall the producer.
		}
	}
}

// Subscribe returns a channel of events for the artifact id and a cancel
// function. The channel is closed when cancel is called. Events published
// before Subscribe are not replayed; use History for that.
func (b *Bus) Subscribe(ref ArtifactRef) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	t := b.topicFor(ref.ID())
	t.subs = append(t.subs, ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			for i, sub := range t.subs {
				if sub == ch {
					t.subs = append(t.subs[:i], t.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// History returns a copy of the retained rendered log lines for the
// artifact id, oldest first.
func (b *Bus) History(ref ArtifactRef) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ref.ID()]
	if !ok {
		return nil
	}

	out := make([]string, len(t.history))
	copy(out, t.history)
	return out
}
