package modelsync

import (
	"bytes"
	"strings"
	"testing"
)

func TestFormatSize(t *testing.T) {
	cases := []struct {
		bytes int64
		want  string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1048576, "1.00 MB"},
		{1073741824, "1.00 GB"},
		{5368709120, "5.00 GB"},
	}

	for _, tc := range cases {
		if got := formatSize(tc.bytes); got != tc.want {
			t.Errorf("formatSize(%d) = %q, want %q", tc.bytes, got, tc.want)
		}
	}
}

func TestConfirmPrompt(t *testing.T) {
	cases := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"Y\n", true},
		{"yes\n", true},
		{"YES\n", true},
		{"  y  \n", true},
		{"n\n", false},
		{"no\n", false},
		{"\n", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := confirmPrompt(strings.NewReader(tc.input)); got != tc.want {
			t.Errorf("confirmPrompt(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

type cobraHarness struct {
	t   *testing.T
	cfg Config
}

func newTestCommand(t *testing.T, hubURL string) *cobraHarness {
	t.Helper()
	return &cobraHarness{t: t, cfg: Config{
		AppName:      "testapp",
		HubURL:       hubURL,
		PreferredDir: t.TempDir(),
	}}
}

// run executes one invocation against a fresh command tree, the way each
// CLI process would. Persistent flag values parsed by cobra survive
// Execute, so reusing a tree would leak flags between invocations.
func (h *cobraHarness) run(args ...string) (string, error) {
	h.t.Helper()
	cmd := NewCommand(h.cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	fixture := newHubFixture(map[string]string{
		"config.json": `{"layers": 32}`,
		"weights.bin": strings.Repeat("w", 2048),
	})
	srv := fixture.server(t)
	h := newTestCommand(t, srv.URL)

	t.Run("list with nothing installed", func(t *testing.T) {
		out, err := h.run("list")
		if err != nil {
			t.Fatalf("list error = %v", err)
		}
		if !strings.Contains(out, "No artifacts installed") {
			t.Errorf("list output = %q", out)
		}
	})

	t.Run("pull", func(t *testing.T) {
		out, err := h.run("pull", "demo/7b", "--quiet")
		if err != nil {
			t.Fatalf("pull error = %v (output: %s)", err, out)
		}
	})

	t.Run("list shows the artifact", func(t *testing.T) {
		out, err := h.run("list")
		if err != nil {
			t.Fatalf("list error = %v", err)
		}
		if !strings.Contains(out, "demo/7b") {
			t.Errorf("list output = %q, want demo/7b", out)
		}
	})

	t.Run("verify", func(t *testing.T) {
		out, err := h.run("verify", "demo/7b", "--quiet")
		if err != nil {
			t.Fatalf("verify error = %v (output: %s)", err, out)
		}
	})

	t.Run("path", func(t *testing.T) {
		out, err := h.run("path", "demo/7b")
		if err != nil {
			t.Fatalf("path error = %v", err)
		}
		if !strings.Contains(out, "demo") {
			t.Errorf("path output = %q", out)
		}
	})

	t.Run("status json", func(t *testing.T) {
		out, err := h.run("status", "demo/7b", "--json")
		if err != nil {
			t.Fatalf("status error = %v", err)
		}
		if !strings.Contains(out, `"present": true`) {
			t.Errorf("status output = %q, want present true", out)
		}
	})

	t.Run("root", func(t *testing.T) {
		out, err := h.run("root")
		if err != nil {
			t.Fatalf("root error = %v", err)
		}
		if strings.TrimSpace(out) == "" {
			t.Error("root output is empty")
		}
	})

	t.Run("remove with confirmation", func(t *testing.T) {
		out, err := h.run("remove", "demo/7b", "--yes")
		if err != nil {
			t.Fatalf("remove error = %v (output: %s)", err, out)
		}
		if !strings.Contains(out, "Removed demo/7b") {
			t.Errorf("remove output = %q", out)
		}
	})

	t.Run("invalid ref", func(t *testing.T) {
		if _, err := h.run("pull", "not-a-ref"); err == nil {
			t.Error("expected error for invalid ref")
		}
	})
}
