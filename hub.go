package modelsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// hubClient handles HTTP communication with the remote model hub.
type hubClient struct {
	// baseURL is the base URL of the hub (e.g. "https://huggingface.co").
	baseURL string

	// httpClient is used for HTTP requests.
	httpClient HTTPClient

	// logger receives diagnostic messages. May be nil.
	logger Logger
}

// newHubClient creates a new hub client.
// The baseURL is normalized by removing any trailing slashes.
func newHubClient(baseURL string, client HTTPClient, logger Logger) *hubClient {
	return &hubClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: client,
		logger:     logger,
	}
}

// hubArtifactMeta mirrors the subset of hub repository metadata we need.
// The siblings list enumerates files at the repository root; LFS-backed
// files carry their true byte size and a sha256 oid there.
type hubArtifactMeta struct {
	Siblings []struct {
		RFilename string `json:"rfilename"`
		Size      int64  `json:"size"`
		LFS       struct {
			Size int64  `json:"size"`
			OID  string `json:"oid"`
		} `json:"lfs"`
	} `json:"siblings"`
}

// fetchManifest fetches and parses the artifact's file manifest from
// api/models/<owner>/<name>.
func (h *hubClient) fetchManifest(ctx context.Context, ref ArtifactRef) (Manifest, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRequestTimeout)
	defer cancel()

	url := h.baseURL + "/api/models/" + ref.Owner + "/" + ref.Name

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("creating request: %w", err)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetching manifest for %s: %w", ref, ErrNetwork)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Manifest{}, fmt.Errorf("manifest for %s: %w", ref, ErrArtifactNotFound)
	case resp.StatusCode >= 500:
		return Manifest{}, fmt.Errorf("fetching manifest for %s: status %d: %w", ref, resp.StatusCode, ErrNetwork)
	case resp.StatusCode != http.StatusOK:
		return Manifest{}, fmt.Errorf("fetching manifest for %s: status %d: %w", ref, resp.StatusCode, ErrHubResponse)
	}

	var meta hubArtifactMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest for %s: %w", ref, ErrHubResponse)
	}

	var mf Manifest
	for _, sib := range meta.Siblings {
		if sib.RFilename == "" {
			continue
		}
		entry := FileEntry{Name: sib.RFilename, Size: sib.Size}
		if sib.LFS.Size > 0 {
			entry.Size = sib.LFS.Size
		}
		if oid := strings.TrimSpace(sib.LFS.OID); len(oid) == 64 {
			entry.SHA256 = strings.ToLower(oid)
		}
		mf.Files = append(mf.Files, entry)
	}

	if len(mf.Files) == 0 {
		return Manifest{}, fmt.Errorf("manifest for %s lists no files: %w", ref, ErrHubResponse)
	}

	return mf, nil
}

// fileURL returns the retrieval URL for one artifact file.
func (h *hubClient) fileURL(ref ArtifactRef, name string) string {
	return h.baseURL + "/" + ref.Owner + "/" + ref.Name + "/resolve/main/" + name
}

// fetchFile downloads one file into destDir, resuming a partial transfer
// via an HTTP Range request when a .part file from an earlier attempt
// exists. The completed file is moved into place with an atomic rename, so
// a partially-written file is never mistaken for a complete one.
//
// onProgress receives byte deltas as they become durable, including the
// already-present bytes of a resumed .part file, so progress accounting
// restarts from durable bytes rather than zero.
func (h *hubClient) fetchFile(ctx context.Context, ref ArtifactRef, entry FileEntry, destDir string, onProgress func(delta int64)) error {
	destPath := filepath.Join(destDir, filepath.FromSlash(entry.Name))
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	tmpPath := destPath + ".part"

	// Resume bookkeeping: a leftover .part that already matches the
	// expected size only needs the rename; one that overshot is garbage.
	var existing int64
	if stat, err := os.Stat(tmpPath); err == nil {
		existing = stat.Size()
		if entry.Size > 0 && existing == entry.Size {
			if err := h.finishFile(tmpPath, destPath, entry); err != nil {
				return err
			}
			if onProgress != nil {
				onProgress(entry.Size)
			}
			return nil
		}
		if entry.Size > 0 && existing > entry.Size {
			os.Remove(tmpPath)
			existing = 0
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.fileURL(ref, entry.Name), nil)
	if err != nil {
		return err
	}
	if existing > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existing))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("fetching %s: %w", entry.Name, ErrNetwork)
	}
	defer resp.Body.Close()

	var out *os.File
	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Server honored the Range request; append and credit the
		// bytes already on disk.
		out, err = os.OpenFile(tmpPath, os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(existing)
		}
	case resp.StatusCode == http.StatusOK:
		if existing > 0 {
			os.Remove(tmpPath)
		}
		out, err = os.Create(tmpPath)
		if err != nil {
			return err
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		io.Copy(io.Discard, resp.Body)
		os.Remove(tmpPath)
		return h.fetchFile(ctx, ref, entry, destDir, onProgress)
	case resp.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("file %s: %w", entry.Name, ErrArtifactNotFound)
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetching %s: status %d: %w", entry.Name, resp.StatusCode, ErrNetwork)
	default:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("fetching %s: status %d: %w", entry.Name, resp.StatusCode, ErrHubResponse)
	}

	var reader io.Reader = resp.Body
	if onProgress != nil {
		reader = &progressReader{reader: resp.Body, onProgress: onProgress}
	}

	_, copyErr := io.Copy(out, reader)
	closeErr := out.Close()
	if copyErr != nil {
		// Keep the .part file so a retry resumes instead of restarting.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("reading %s: %w", entry.Name, ErrNetwork)
	}
	if closeErr != nil {
		return closeErr
	}

	if err := h.finishFile(tmpPath, destPath, entry); err != nil {
		return err
	}

	if h.logger != nil {
		h.logger.Debug("file downloaded", "artifact", ref.ID(), "file", entry.Name, "size", entry.Size)
	}

	return nil
}

// finishFile verifies the completed .part file against the manifest entry
// and moves it into place atomically. A verification failure removes the
// .part so the next attempt starts clean.
func (h *hubClient) finishFile(tmpPath, destPath string, entry FileEntry) error {
	stat, err := os.Stat(tmpPath)
	if err != nil {
		return err
	}
	if entry.Size > 0 && stat.Size() != entry.Size {
		os.Remove(tmpPath)
		return fmt.Errorf("file %s: got %d bytes, expected %d: %w", entry.Name, stat.Size(), entry.Size, ErrSizeMismatch)
	}

	if entry.SHA256 != "" {
		sum, err := hashFile(tmpPath)
		if err != nil {
			return err
		}
		if sum != entry.SHA256 {
			os.Remove(tmpPath)
			return fmt.Errorf("file %s: %w", entry.Name, ErrHashMismatch)
		}
	}

	return os.Rename(tmpPath, destPath)
}

// hashFile computes the lowercase hex SHA-256 of a file's contents.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// progressReader wraps an io.Reader and reports progress as bytes are read.
type progressReader struct {
	reader     io.Reader
	onProgress func(delta int64)
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 && pr.onProgress != nil {
		pr.onProgress(int64(n))
	}
	return
}
