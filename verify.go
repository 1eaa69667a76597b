package modelsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// verifySession holds the observable state of one verification run. It is
// retained for a short grace period after the terminal event so late
// readers can still query the final phase.
type verifySession struct {
	mu      sync.Mutex
	phase   Phase
	started time.Time
}

func (s *verifySession) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *verifySession) currentPhase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// scanOutcome aggregates one scan pass over an artifact. The repair set
// preserves manifest order.
type scanOutcome struct {
	missing     int
	corrupt     int
	repair      []FileEntry
	targetBytes int64
}

func (o scanOutcome) clean() bool {
	return o.missing == 0 && o.corrupt == 0
}

// verifier drives the phase-ordered verification and repair protocol.
// It never writes artifact files itself; all repairs are delegated to the
// coordinator, which reuses the download retry and fallback policy.
type verifier struct {
	hub    *hubClient
	store  *store
	coord  *coordinator
	bus    *Bus
	logger Logger

	mu       sync.Mutex
	sessions map[string]*verifySession
}

func newVerifier(hub *hubClient, st *store, coord *coordinator, bus *Bus, logger Logger) *verifier {
	return &verifier{
		hub:      hub,
		store:    st,
		coord:    coord,
		bus:      bus,
		logger:   logger,
		sessions: make(map[string]*verifySession),
	}
}

// currentPhase reports the phase of the active (or recently finished)
// verification session for ref.
func (v *verifier) currentPhase(ref ArtifactRef) (Phase, bool) {
	v.mu.Lock()
	s, ok := v.sessions[ref.ID()]
	v.mu.Unlock()
	if !ok {
		return "", false
	}
	return s.currentPhase(), true
}

// verify runs the full protocol for ref. The outcome is reported both on
// the bus (as the strictly ordered phase events ending in VerifyFinished)
// and as the returned status. A second verification of the same artifact
// is rejected while one is active; an active download is waited out so the
// scan never races a writer.
func (v *verifier) verify(ctx context.Context, ref ArtifactRef) (VerifyStatus, error) {
	var coordSess *session
	for {
		s, owner := v.coord.begin(ref, sessionVerify)
		if owner {
			coordSess = s
			break
		}
		if s.kind == sessionVerify {
			return "", fmt.Errorf("artifact %s: %w", ref, ErrVerifyActive)
		}
		select {
		case <-s.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	sess := &verifySession{started: time.Now()}
	v.mu.Lock()
	v.sessions[ref.ID()] = sess
	v.mu.Unlock()

	status, err := v.run(ctx, ref, sess)

	v.coord.finish(ref, coordSess, err)
	time.AfterFunc(sessionRetention, func() {
		v.mu.Lock()
		if v.sessions[ref.ID()] == sess {
			delete(v.sessions, ref.ID())
		}
		v.mu.Unlock()
	})

	return status, err
}

func (v *verifier) run(ctx context.Context, ref ArtifactRef, sess *verifySession) (VerifyStatus, error) {
	start := time.Now()

	fail := func(err error) (VerifyStatus, error) {
		reason := err.Error()
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		v.bus.Publish(VerifyFinished{Ref: ref, Success: false, Elapsed: time.Since(start), Reason: reason})
		sess.setPhase(PhaseFinished)
		return "", err
	}

	sess.setPhase(PhaseStart)
	v.bus.Publish(VerifyStarted{Ref: ref})

	dir, err := v.store.artifactPath(ref)
	if err != nil {
		return fail(err)
	}

	// Source and target existence are checked independently; a missing
	// target is not fatal, the scan will classify every file missing.
	mf, mfErr := v.coord.fetchManifest(ctx, ref)
	targetOK := dirExists(dir)

	sess.setPhase(PhaseDirectoryStatus)
	v.bus.Publish(DirectoryStatus{Ref: ref, SourceOK: mfErr == nil, TargetOK: targetOK})
	if mfErr != nil {
		return fail(fmt.Errorf("source unavailable: %w", mfErr))
	}

	names, err := v.store.listTargetFiles(ref)
	if err != nil {
		return fail(err)
	}
	missingNames := 0
	for _, entry := range mf.Files {
		if _, ok := names[entry.Name]; !ok {
			missingNames++
		}
	}
	sess.setPhase(PhaseDirectoryCompleteness)
	v.bus.Publish(DirectoryCompleteness{Ref: ref, Complete: missingNames == 0, MissingNames: missingNames})

	outcome, err := v.scanPass(ctx, ref, mf, dir, sess)
	if err != nil {
		return fail(err)
	}

	status := VerifyClean
	if !outcome.clean() {
		repairSet := outcome.repair

		sess.setPhase(PhaseMissingFiles)
		v.bus.Publish(MissingFiles{Ref: ref, Count: len(repairSet)})

		if err := v.repair(ctx, ref, dir, repairSet, sess); err != nil {
			return fail(err)
		}

		sess.setPhase(PhaseRedownloadComplete)
		v.bus.Publish(RedownloadComplete{Ref: ref})

		// One fresh scan pass per repair cycle, never more.
		outcome, err = v.scanPass(ctx, ref, mf, dir, sess)
		if err != nil {
			return fail(err)
		}
		if outcome.clean() {
			status = VerifyRepaired
		} else {
			status = VerifyUnrepaired
		}
	}

	sess.setPhase(PhaseResult)
	v.bus.Publish(VerifyResult{Ref: ref, Status: status})

	sess.setPhase(PhaseFinished)
	success := status != VerifyUnrepaired
	reason := ""
	var runErr error
	if !success {
		runErr = fmt.Errorf("artifact %s: %d missing, %d corrupt after repair: %w",
			ref, outcome.missing, outcome.corrupt, ErrUnrepairable)
		reason = runErr.Error()
	}
	v.bus.Publish(VerifyFinished{Ref: ref, Success: success, Elapsed: time.Since(start), Reason: reason})

	if v.logger != nil {
		v.logger.Info("verification finished", "artifact", ref.ID(), "status", string(status), "elapsed", time.Since(start))
	}

	return status, runErr
}

// scanPass enumerates both sides and classifies every manifest file.
// Files present on target but absent from the manifest are ignored.
func (v *verifier) scanPass(ctx context.Context, ref ArtifactRef, mf Manifest, dir string, sess *verifySession) (scanOutcome, error) {
	sess.setPhase(PhaseScanStart)
	v.bus.Publish(ScanStarted{Ref: ref, SourcePath: v.hub.baseURL + "/" + ref.ID(), TargetPath: dir})

	sess.setPhase(PhaseScanSource)
	v.bus.Publish(SourceScanned{Ref: ref, Files: len(mf.Files), Bytes: mf.TotalSize()})

	targetFiles, err := v.store.listTargetFiles(ref)
	if err != nil {
		return scanOutcome{}, err
	}
	var targetBytes int64
	for _, size := range targetFiles {
		targetBytes += size
	}
	sess.setPhase(PhaseScanTarget)
	v.bus.Publish(TargetScanned{Ref: ref, Files: len(targetFiles), Bytes: targetBytes})

	sess.setPhase(PhaseScanFileProgress)
	outcome := scanOutcome{targetBytes: targetBytes}
	total := len(mf.Files)
	for i, entry := range mf.Files {
		if err := ctx.Err(); err != nil {
			return scanOutcome{}, err
		}

		status := v.classify(dir, entry, targetFiles)
		switch status {
		case FileMissing:
			outcome.missing++
			outcome.repair = append(outcome.repair, entry)
		case FileCorrupt:
			outcome.corrupt++
			outcome.repair = append(outcome.repair, entry)
		}
		v.bus.Publish(FileScanned{Ref: ref, Index: i + 1, Total: total, Name: entry.Name, Status: status})
	}

	sess.setPhase(PhaseScanResult)
	v.bus.Publish(ScanResult{
		Ref:         ref,
		Missing:     outcome.missing,
		Corrupt:     outcome.corrupt,
		SourceBytes: mf.TotalSize(),
		TargetBytes: targetBytes,
	})

	return outcome, nil
}

// classify decides a single file's status. A zero-byte file that should be
// non-zero is corrupt, not missing. When the manifest carries a sha256 the
// content hash decides; otherwise size alone does.
func (v *verifier) classify(dir string, entry FileEntry, targetFiles map[string]int64) FileStatus {
	size, present := targetFiles[entry.Name]
	if !present {
		return FileMissing
	}
	if entry.Size > 0 && size != entry.Size {
		return FileCorrupt
	}
	if entry.SHA256 != "" {
		sum, err := hashFile(filepath.Join(dir, filepath.FromSlash(entry.Name)))
		if err != nil || sum != entry.SHA256 {
			return FileCorrupt
		}
	}
	return FileCorrect
}

// repair re-fetches the repair set one file at a time through the
// coordinator. Every file is attempted even if an earlier one fails; the
// aggregate success is reported once at the end.
func (v *verifier) repair(ctx context.Context, ref ArtifactRef, dir string, repairSet []FileEntry, sess *verifySession) error {
	sess.setPhase(PhaseRepairProgress)

	success := true
	total := len(repairSet)
	for i, entry := range repairSet {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Drop the bad copy so the transfer starts clean instead of
		// resuming corrupt bytes.
		dest := filepath.Join(dir, filepath.FromSlash(entry.Name))
		os.Remove(dest)
		os.Remove(dest + ".part")

		if err := v.coord.ensureFiles(ctx, ref, []FileEntry{entry}, nil); err != nil {
			if ctx.Err() != nil {
				return err
			}
			if v.logger != nil {
				v.logger.Warn("repair failed for file", "artifact", ref.ID(), "file", entry.Name, "error", err)
			}
			success = false
		}
		v.bus.Publish(RepairProgress{Ref: ref, Index: i + 1, Total: total, Name: entry.Name})
	}

	// Re-check the targeted files before reporting; a transfer that
	// completed but still mismatches counts as a failed repair.
	if success {
		targetFiles, err := v.store.listTargetFiles(ref)
		if err != nil {
			return err
		}
		for _, entry := range repairSet {
			if v.classify(dir, entry, targetFiles) != FileCorrect {
				success = false
				break
			}
		}
	}

	sess.setPhase(PhaseRepairComplete)
	v.bus.Publish(RepairComplete{Ref: ref, Success: success})
	return nil
}

func dirExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && stat.IsDir()
}
