package modelsync

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func TestEngineOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		ec := newEngineConfig()
		if ec.httpClient != http.DefaultClient {
			t.Error("default http client is not http.DefaultClient")
		}
		if ec.concurrency != DefaultConcurrency {
			t.Errorf("default concurrency = %d, want %d", ec.concurrency, DefaultConcurrency)
		}
		if ec.logger != nil {
			t.Error("logging should be disabled by default")
		}
	})

	t.Run("concurrency clamping", func(t *testing.T) {
		cases := []struct {
			in   int
			want int
		}{
			{0, 1},
			{-3, 1},
			{8, 8},
			{MaxConcurrency + 10, MaxConcurrency},
		}
		for _, tc := range cases {
			ec := newEngineConfig()
			WithConcurrency(tc.in)(ec)
			if ec.concurrency != tc.want {
				t.Errorf("WithConcurrency(%d) = %d, want %d", tc.in, ec.concurrency, tc.want)
			}
		}
	})

	t.Run("with force", func(t *testing.T) {
		var cfg ensureConfig
		WithForce()(&cfg)
		if !cfg.force {
			t.Error("WithForce() did not set force")
		}
	})
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	logger.Debug("debug line", "k", "v1")
	logger.Info("info line", "k", "v2")
	logger.Warn("warn line", "k", "v3")
	logger.Error("error line", "k", "v4")

	out := buf.String()
	for _, want := range []string{"debug line", "info line", "warn line", "error line", "k=v2"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
