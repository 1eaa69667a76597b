package modelsync

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// sessionKind distinguishes the operation that owns an artifact session.
type sessionKind int

const (
	sessionDownload sessionKind = iota
	sessionVerify
)

// session tracks one in-flight operation on an artifact. Download callers
// that find an existing session attach to it: they wait on done and share
// the owner's result instead of starting a second transfer. Only a second
// verification of the same id is rejected outright.
type session struct {
	kind   sessionKind
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// coordinator serializes operations per artifact and drives downloads.
// At most one session exists per artifact id at any time.
type coordinator struct {
	hub         *hubClient
	store       *store
	bus         *Bus
	logger      Logger
	concurrency int

	mu       sync.Mutex
	sessions map[string]*session
}

func newCoordinator(hub *hubClient, st *store, bus *Bus, logger Logger, concurrency int) *coordinator {
	return &coordinator{
		hub:         hub,
		store:       st,
		bus:         bus,
		logger:      logger,
		concurrency: concurrency,
		sessions:    make(map[string]*session),
	}
}

// begin claims a session for ref. When a session already exists the
// existing one is returned with owner=false and the caller must not
// mutate it.
func (c *coordinator) begin(ref ArtifactRef, kind sessionKind) (s *session, owner bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sessions[ref.ID()]; ok {
		return existing, false
	}
	s = &session{kind: kind, done: make(chan struct{})}
	c.sessions[ref.ID()] = s
	return s, true
}

// finish records the session result, wakes attached waiters and releases
// the artifact id for the next operation.
func (c *coordinator) finish(ref ArtifactRef, s *session, err error) {
	s.err = err
	close(s.done)

	c.mu.Lock()
	if c.sessions[ref.ID()] == s {
		delete(c.sessions, ref.ID())
	}
	c.mu.Unlock()
}

// download ensures every manifest file of ref is present locally. A second
// concurrent call for the same artifact attaches to the running session,
// whether that session is another download or a verification whose repair
// activity already holds the id.
func (c *coordinator) download(ctx context.Context, ref ArtifactRef, force bool) error {
	s, owner := c.begin(ref, sessionDownload)
	if !owner {
		select {
		case <-s.done:
			return s.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.cancel = cancel

	err := c.run(ctx, ref, force)
	c.finish(ref, s, err)
	return err
}

// cancelDownload requests cooperative cancellation of the active download
// session for ref, if any. It reports whether a session was signalled.
func (c *coordinator) cancelDownload(ref ArtifactRef) bool {
	c.mu.Lock()
	s, ok := c.sessions[ref.ID()]
	c.mu.Unlock()
	if !ok || s.kind != sessionDownload || s.cancel == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.cancel()
	return true
}

// run performs the download owned by a fresh session.
func (c *coordinator) run(ctx context.Context, ref ArtifactRef, force bool) error {
	start := time.Now()

	mf, err := c.fetchManifest(ctx, ref)
	if err != nil {
		if ctx.Err() != nil {
			c.bus.Publish(DownloadCancelled{Ref: ref})
		} else {
			c.bus.Publish(DownloadFailed{Ref: ref, Reason: err.Error()})
		}
		return err
	}

	c.bus.Publish(DownloadStarted{Ref: ref, FileCount: len(mf.Files), TotalBytes: mf.TotalSize()})

	tracker := newProgressTracker(c.bus, ref, mf.TotalSize())
	err = c.downloadAll(ctx, ref, mf.Files, force, tracker, nil)
	if err != nil {
		if ctx.Err() != nil {
			c.bus.Publish(DownloadCancelled{Ref: ref})
			return err
		}
		c.bus.Publish(DownloadFailed{Ref: ref, Reason: err.Error()})
		return err
	}
	tracker.flush()

	if err := c.store.recordArtifact(ref, mf.TotalSize(), len(mf.Files)); err != nil {
		c.bus.Publish(DownloadFailed{Ref: ref, Reason: err.Error()})
		return err
	}

	c.bus.Publish(DownloadComplete{Ref: ref, Bytes: mf.TotalSize(), Elapsed: time.Since(start)})
	if c.logger != nil {
		c.logger.Info("artifact downloaded", "artifact", ref.ID(), "files", len(mf.Files), "bytes", mf.TotalSize(), "elapsed", time.Since(start))
	}
	return nil
}

// fetchManifest retrieves the manifest, retrying transient failures with
// the same backoff schedule used for file transfers.
func (c *coordinator) fetchManifest(ctx context.Context, ref ArtifactRef) (Manifest, error) {
	backoff := InitialBackoff
	for attempt := 1; ; attempt++ {
		mf, err := c.hub.fetchManifest(ctx, ref)
		if err == nil {
			return mf, nil
		}
		if !errors.Is(err, ErrNetwork) || attempt >= MaxAttempts {
			return Manifest{}, err
		}
		if c.logger != nil {
			c.logger.Warn("manifest fetch failed, retrying", "artifact", ref.ID(), "attempt", attempt, "error", err)
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return Manifest{}, err
		}
		backoff = nextBackoff(backoff)
	}
}

// downloadAll transfers the given files into the artifact's directory under
// the current storage root. Transient errors are retried with exponential
// backoff; a structural write failure switches the storage root one way and
// restarts the transfer from zero, which is surfaced as a progress reset.
func (c *coordinator) downloadAll(ctx context.Context, ref ArtifactRef, files []FileEntry, force bool, tracker *progressTracker, onFile func(FileEntry)) error {
	attempt := 1
	backoff := InitialBackoff
	for {
		dir, err := c.store.artifactPath(ref)
		if err != nil {
			return err
		}

		err = c.downloadBatch(ctx, ref, dir, files, force, tracker, onFile)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if isStructuralError(err) {
			newRoot, ferr := c.store.resolver.Fallback()
			if ferr != nil {
				return ferr
			}
			if c.logger != nil {
				c.logger.Warn("storage root unusable, switching", "artifact", ref.ID(), "root", newRoot, "cause", err)
			}
			// Everything written so far lives under the abandoned
			// root; start over and make the restart visible.
			tracker.reset()
			attempt = 1
			backoff = InitialBackoff
			continue
		}

		if errors.Is(err, ErrNetwork) && attempt < MaxAttempts {
			if c.logger != nil {
				c.logger.Warn("download attempt failed, retrying", "artifact", ref.ID(), "attempt", attempt, "backoff", backoff, "error", err)
			}
			if serr := sleepCtx(ctx, backoff); serr != nil {
				return serr
			}
			backoff = nextBackoff(backoff)
			attempt++
			continue
		}

		return err
	}
}

// downloadBatch fetches the given files concurrently with a bounded worker
// pool. Files already present with the expected size are credited without
// a transfer unless force is set.
func (c *coordinator) downloadBatch(ctx context.Context, ref ArtifactRef, dir string, files []FileEntry, force bool, tracker *progressTracker, onFile func(FileEntry)) error {
	if err := c.store.ensureDir(dir); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, entry := range files {
		entry := entry
		g.Go(func() error {
			dest := filepath.Join(dir, filepath.FromSlash(entry.Name))
			if !force && entry.Size > 0 {
				if stat, err := os.Stat(dest); err == nil && stat.Size() == entry.Size {
					tracker.add(entry.Size)
					if onFile != nil {
						onFile(entry)
					}
					return nil
				}
			}
			if err := c.hub.fetchFile(gctx, ref, entry, dir, tracker.add); err != nil {
				return err
			}
			if onFile != nil {
				onFile(entry)
			}
			return nil
		})
	}

	return g.Wait()
}

// ensureFiles re-fetches a specific set of files for an artifact whose
// session the caller already owns. It shares the retry, backoff and storage
// fallback behavior of a full download but emits no download events.
func (c *coordinator) ensureFiles(ctx context.Context, ref ArtifactRef, files []FileEntry, onFile func(FileEntry)) error {
	return c.downloadAll(ctx, ref, files, true, nil, onFile)
}

// isStructuralError reports whether err indicates the storage root itself
// cannot accept writes, as opposed to a transient transfer failure.
func isStructuralError(err error) bool {
	return errors.Is(err, ErrWriteDenied) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.ENOSPC)
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// nextBackoff doubles the delay up to the configured ceiling.
func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > MaxBackoff {
		d = MaxBackoff
	}
	return d
}

// progressTracker accumulates downloaded bytes and publishes fraction
// updates. Updates are throttled and the reported fraction never decreases
// within a storage root; only an explicit reset after a root switch moves
// it back to zero. A nil tracker discards updates.
type progressTracker struct {
	bus   *Bus
	ref   ArtifactRef
	total int64

	mu       sync.Mutex
	done     int64
	fraction float64
	lastEmit time.Time
}

const progressInterval = 100 * time.Millisecond

func newProgressTracker(bus *Bus, ref ArtifactRef, total int64) *progressTracker {
	return &progressTracker{bus: bus, ref: ref, total: total}
}

func (p *progressTracker) add(delta int64) {
	if p == nil || delta <= 0 {
		return
	}
	p.mu.Lock()
	p.done += delta
	f := p.fractionLocked()
	if f > p.fraction {
		p.fraction = f
	}
	now := time.Now()
	emit := now.Sub(p.lastEmit) >= progressInterval || p.fraction >= 1
	if emit {
		p.lastEmit = now
	}
	ev := DownloadProgress{Ref: p.ref, Fraction: p.fraction, BytesDone: p.done, BytesTotal: p.total}
	p.mu.Unlock()

	if emit {
		p.bus.Publish(ev)
	}
}

// fractionLocked computes done/total clamped to [0, 1]. Callers hold p.mu.
func (p *progressTracker) fractionLocked() float64 {
	if p.total <= 0 {
		return 0
	}
	f := float64(p.done) / float64(p.total)
	if f > 1 {
		f = 1
	}
	return f
}

// reset clears accumulated progress after a storage root switch and
// publishes an explicit zero so observers see the restart.
func (p *progressTracker) reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.done = 0
	p.fraction = 0
	p.lastEmit = time.Time{}
	p.mu.Unlock()

	p.bus.Publish(DownloadProgress{Ref: p.ref, Fraction: 0, BytesDone: 0, BytesTotal: p.total, Reset: true})
}

// flush publishes the final fraction regardless of throttling.
func (p *progressTracker) flush() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.fraction < 1 && p.total > 0 && p.done >= p.total {
		p.fraction = 1
	}
	ev := DownloadProgress{Ref: p.ref, Fraction: p.fraction, BytesDone: p.done, BytesTotal: p.total}
	p.mu.Unlock()

	p.bus.Publish(ev)
}
