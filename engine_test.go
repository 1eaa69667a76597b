package modelsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// hubFixture is a fake model hub backed by httptest. It serves a single
// artifact's manifest and files, with optional per-file failure injection
// and Range resume support.
type hubFixture struct {
	mu sync.Mutex

	// files maps file name to content.
	files map[string]string

	// hashes controls whether the manifest carries sha256 oids.
	hashes bool

	// failFile maps file name to a count of 500 responses to serve
	// before succeeding.
	failFile map[string]int

	// missingFile marks files the server 404s forever.
	missingFile map[string]bool

	// manifestFails is a count of 500 responses for the manifest.
	manifestFails int

	// fileRequests counts file (not manifest) requests served.
	fileRequests int
}

func newHubFixture(files map[string]string) *hubFixture {
	return &hubFixture{
		files:       files,
		hashes:      true,
		failFile:    make(map[string]int),
		missingFile: make(map[string]bool),
	}
}

func (f *hubFixture) fileRequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileRequests
}

func (f *hubFixture) server(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/models/") {
			f.serveManifest(w)
			return
		}
		f.serveFile(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (f *hubFixture) serveManifest(w http.ResponseWriter) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.manifestFails > 0 {
		f.manifestFails--
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	type lfs struct {
		Size int64  `json:"size"`
		OID  string `json:"oid"`
	}
	type sibling struct {
		RFilename string `json:"rfilename"`
		Size      int64  `json:"size"`
		LFS       lfs    `json:"lfs"`
	}

	names := make([]string, 0, len(f.files))
	for name := range f.files {
		names = append(names, name)
	}
	// Deterministic manifest order keeps event assertions simple.
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			if names[j] < names[i] {
				names[i], names[j] = names[j], names[i]
			}
		}
	}

	var siblings []sibling
	for _, name := range names {
		content := f.files[name]
		s := sibling{RFilename: name, Size: int64(len(content))}
		if f.hashes {
			s.LFS = lfs{Size: int64(len(content)), OID: sha256Hex(content)}
		}
		siblings = append(siblings, s)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"siblings": siblings})
}

func (f *hubFixture) serveFile(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(r.URL.Path, "/resolve/main/", 2)
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := parts[1]

	f.mu.Lock()
	f.fileRequests++
	content, ok := f.files[name]
	if f.missingFile[name] {
		ok = false
	}
	shouldFail := f.failFile[name] > 0
	if shouldFail {
		f.failFile[name]--
	}
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if shouldFail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	data := []byte(content)
	if rng := r.Header.Get("Range"); rng != "" {
		var start int64
		fmt.Sscanf(rng, "bytes=%d-", &start)
		if start >= int64(len(data)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(data)-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start:])
		return
	}
	w.Write(data)
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// newTestEngine builds an Engine rooted in a temp directory against the
// given hub server.
func newTestEngine(t *testing.T, hubURL string) Engine {
	t.Helper()

	eng, err := New(Config{
		AppName:      "testapp",
		HubURL:       hubURL,
		PreferredDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return eng
}

// drainEvents cancels the subscription and collects everything buffered.
// The operation under test must have completed first.
func drainEvents(events <-chan Event, cancel func()) []Event {
	cancel()
	var got []Event
	for e := range events {
		got = append(got, e)
	}
	return got
}

func mustRef(t *testing.T, s string) ArtifactRef {
	t.Helper()
	ref, err := ParseArtifactRef(s)
	if err != nil {
		t.Fatalf("ParseArtifactRef(%q) error = %v", s, err)
	}
	return ref
}

func writeArtifactFile(t *testing.T, eng Engine, ref ArtifactRef, name, content string) {
	t.Helper()

	root, err := eng.Root()
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	path := filepath.Join(root, ref.Owner, ref.Name, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func readArtifactFile(t *testing.T, eng Engine, ref ArtifactRef, name string) string {
	t.Helper()

	root, err := eng.Root()
	if err != nil {
		t.Fatalf("Root() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, ref.Owner, ref.Name, filepath.FromSlash(name)))
	if err != nil {
		t.Fatalf("reading artifact file %s: %v", name, err)
	}
	return string(data)
}

func TestEngineLifecycle(t *testing.T) {
	fixture := newHubFixture(map[string]string{
		"config.json":       `{"layers": 32}`,
		"model.safetensors": strings.Repeat("w", 4096),
		"tokenizer.json":    `{"vocab": {}}`,
	})
	srv := fixture.server(t)
	eng := newTestEngine(t, srv.URL)
	ref := mustRef(t, "demo/7b")

	t.Run("not present before pull", func(t *testing.T) {
		present, err := eng.IsPresent(ref)
		if err != nil {
			t.Fatalf("IsPresent() error = %v", err)
		}
		if present {
			t.Error("expected artifact to be absent")
		}
	})

	t.Run("pull", func(t *testing.T) {
		outcome, err := eng.EnsureDownloaded(context.Background(), ref)
		if err != nil {
			t.Fatalf("EnsureDownloaded() error = %v", err)
		}
		if outcome != OutcomeCompleted {
			t.Errorf("outcome = %v, want %v", outcome, OutcomeCompleted)
		}

		if got := readArtifactFile(t, eng, ref, "config.json"); got != `{"layers": 32}` {
			t.Errorf("config.json content = %q", got)
		}
	})

	t.Run("present after pull", func(t *testing.T) {
		present, err := eng.IsPresent(ref)
		if err != nil {
			t.Fatalf("IsPresent() error = %v", err)
		}
		if !present {
			t.Error("expected artifact to be present")
		}
	})

	t.Run("list", func(t *testing.T) {
		artifacts, err := eng.List()
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(artifacts) != 1 {
			t.Fatalf("len(artifacts) = %d, want 1", len(artifacts))
		}
		a := artifacts[0]
		if a.Ref != ref {
			t.Errorf("ref = %v, want %v", a.Ref, ref)
		}
		if a.FileCount != 3 {
			t.Errorf("file count = %d, want 3", a.FileCount)
		}
		wantSize := int64(len(`{"layers": 32}`) + 4096 + len(`{"vocab": {}}`))
		if a.TotalSize != wantSize {
			t.Errorf("total size = %d, want %d", a.TotalSize, wantSize)
		}
	})

	t.Run("path", func(t *testing.T) {
		path, err := eng.Path(ref)
		if err != nil {
			t.Fatalf("Path() error = %v", err)
		}
		if filepath.Base(path) != "7b" {
			t.Errorf("path = %q, want leaf %q", path, "7b")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact path does not exist: %v", err)
		}
	})

	t.Run("remove", func(t *testing.T) {
		if err := eng.Remove(ref); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}

		present, err := eng.IsPresent(ref)
		if err != nil {
			t.Fatalf("IsPresent() error = %v", err)
		}
		if present {
			t.Error("expected artifact to be gone")
		}

		if _, err := eng.Path(ref); !errors.Is(err, ErrNotInstalled) {
			t.Errorf("Path() after remove error = %v, want ErrNotInstalled", err)
		}
	})

	t.Run("remove not installed", func(t *testing.T) {
		err := eng.Remove(mustRef(t, "nobody/nothing"))
		if !errors.Is(err, ErrNotInstalled) {
			t.Errorf("Remove() error = %v, want ErrNotInstalled", err)
		}
	})
}

func TestEnsureDownloadedOutcomes(t *testing.T) {
	t.Run("unknown artifact fails", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		eng := newTestEngine(t, srv.URL)
		outcome, err := eng.EnsureDownloaded(context.Background(), mustRef(t, "demo/7b"))
		if !errors.Is(err, ErrArtifactNotFound) {
			t.Errorf("error = %v, want ErrArtifactNotFound", err)
		}
		if outcome != OutcomeFailed {
			t.Errorf("outcome = %v, want %v", outcome, OutcomeFailed)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		fixture := newHubFixture(map[string]string{"weights.bin": strings.Repeat("x", 100)})
		srv := fixture.server(t)
		eng := newTestEngine(t, srv.URL)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		outcome, err := eng.EnsureDownloaded(ctx, mustRef(t, "demo/7b"))
		if err == nil {
			t.Fatal("expected error from cancelled context")
		}
		if outcome != OutcomeCancelled {
			t.Errorf("outcome = %v, want %v", outcome, OutcomeCancelled)
		}
	})
}

func TestHubEnvVarName(t *testing.T) {
	if got := hubEnvVarName("pocketcloud"); got != "POCKETCLOUD_HUB_URL" {
		t.Errorf("hubEnvVarName() = %q, want POCKETCLOUD_HUB_URL", got)
	}
	if got := hubEnvVarName("my-app"); got != "MY_APP_HUB_URL" {
		t.Errorf("hubEnvVarName() = %q, want MY_APP_HUB_URL", got)
	}
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("TESTAPP_HUB_URL", "http://hub.example")

	eng, err := New(Config{AppName: "testapp", PreferredDir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	e := eng.(*engine)
	if e.hub.baseURL != "http://hub.example" {
		t.Errorf("hub URL = %q, want env override", e.hub.baseURL)
	}
	if e.cfg.AppName != "testapp" {
		t.Errorf("app name = %q", e.cfg.AppName)
	}
}
