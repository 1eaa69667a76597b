package modelsync

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrInvalidRef,
		ErrArtifactNotFound,
		ErrNotInstalled,
		ErrNetwork,
		ErrHubResponse,
		ErrWriteDenied,
		ErrStorageExhausted,
		ErrStorage,
		ErrHashMismatch,
		ErrSizeMismatch,
		ErrUnrepairable,
		ErrVerifyActive,
	}

	t.Run("wrapping preserves identity", func(t *testing.T) {
		for _, sentinel := range sentinels {
			wrapped := fmt.Errorf("context for %s: %w", "demo/7b", sentinel)
			if !errors.Is(wrapped, sentinel) {
				t.Errorf("errors.Is failed for wrapped %v", sentinel)
			}

			doubleWrapped := fmt.Errorf("outer: %w", wrapped)
			if !errors.Is(doubleWrapped, sentinel) {
				t.Errorf("errors.Is failed for double-wrapped %v", sentinel)
			}
		}
	})

	t.Run("sentinels are distinct", func(t *testing.T) {
		for i, a := range sentinels {
			for j, b := range sentinels {
				if i != j && errors.Is(a, b) {
					t.Errorf("sentinel %v matches unrelated sentinel %v", a, b)
				}
			}
		}
	})

	t.Run("messages carry the package prefix", func(t *testing.T) {
		for _, sentinel := range sentinels {
			if !strings.HasPrefix(sentinel.Error(), "modelsync: ") {
				t.Errorf("message %q lacks package prefix", sentinel.Error())
			}
		}
	})
}
