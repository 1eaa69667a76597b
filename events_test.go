package modelsync

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestBusDeliveryOrder(t *testing.T) {
	bus := NewBus()
	ref := mustRef(t, "demo/7b")

	events, cancel := bus.Subscribe(ref)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(FileScanned{Ref: ref, Index: i + 1, Total: n, Name: "f", Status: FileCorrect})
	}

	got := drainEvents(events, cancel)
	if len(got) != n {
		t.Fatalf("delivered %d events, want %d", len(got), n)
	}
	for i, e := range got {
		fs, ok := e.(FileScanned)
		if !ok {
			t.Fatalf("event %d = %T, want FileScanned", i, e)
		}
		if fs.Index != i+1 {
			t.Fatalf("event %d has index %d, delivery out of order", i, fs.Index)
		}
	}
}

func TestBusIsolatesArtifacts(t *testing.T) {
	bus := NewBus()
	a := mustRef(t, "demo/7b")
	b := mustRef(t, "demo/13b")

	eventsA, cancelA := bus.Subscribe(a)
	bus.Publish(VerifyStarted{Ref: a})
	bus.Publish(VerifyStarted{Ref: b})

	got := drainEvents(eventsA, cancelA)
	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].Artifact() != a {
		t.Errorf("event artifact = %v, want %v", got[0].Artifact(), a)
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	ref := mustRef(t, "demo/7b")

	// Subscribe but never read, then overflow the buffer.
	_, cancel := bus.Subscribe(ref)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			bus.Publish(DownloadProgress{Ref: ref, Fraction: float64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus()
	ref := mustRef(t, "demo/7b")

	t.Run("empty for unknown artifact", func(t *testing.T) {
		if got := bus.History(ref); got != nil {
			t.Errorf("History() = %v, want nil", got)
		}
	})

	t.Run("retains rendered lines", func(t *testing.T) {
		bus.Publish(VerifyStarted{Ref: ref})
		bus.Publish(MissingFiles{Ref: ref, Count: 2})

		got := bus.History(ref)
		if len(got) != 2 {
			t.Fatalf("history length = %d, want 2", len(got))
		}
		if !strings.Contains(got[1], "2") {
			t.Errorf("history line = %q, want rendered count", got[1])
		}
	})

	t.Run("ring is bounded", func(t *testing.T) {
		for i := 0; i < HistoryLimit+25; i++ {
			bus.Publish(RepairProgress{Ref: ref, Index: i + 1, Total: HistoryLimit + 25, Name: "f"})
		}

		got := bus.History(ref)
		if len(got) != HistoryLimit {
			t.Fatalf("history length = %d, want %d", len(got), HistoryLimit)
		}
		// Oldest entries are evicted first.
		if !strings.Contains(got[len(got)-1], fmt.Sprintf("%d/%d", HistoryLimit+25, HistoryLimit+25)) {
			t.Errorf("newest line = %q, want the last published event", got[len(got)-1])
		}
	})
}

func TestBusCancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	ref := mustRef(t, "demo/7b")

	events, cancel := bus.Subscribe(ref)
	cancel()
	cancel() // must not panic or double-close

	if _, ok := <-events; ok {
		t.Error("expected closed channel after cancel")
	}

	// Publishing after cancel reaches no one but must not panic.
	bus.Publish(VerifyStarted{Ref: ref})
}

func TestEventStrings(t *testing.T) {
	ref := mustRef(t, "demo/7b")

	cases := []struct {
		event Event
		want  []string
	}{
		{DownloadStarted{Ref: ref, FileCount: 3, TotalBytes: 350}, []string{"demo/7b", "3 files"}},
		{DownloadProgress{Ref: ref, Fraction: 0.5, BytesDone: 175, BytesTotal: 350}, []string{"50%"}},
		{DownloadFailed{Ref: ref, Reason: "boom"}, []string{"boom"}},
		{DownloadCancelled{Ref: ref}, []string{"cancel"}},
		{DirectoryStatus{Ref: ref, SourceOK: true, TargetOK: false}, []string{"demo/7b"}},
		{FileScanned{Ref: ref, Index: 2, Total: 3, Name: "b.bin", Status: FileCorrupt}, []string{"b.bin", "corrupt"}},
		{ScanResult{Ref: ref, Missing: 1, Corrupt: 1}, []string{"demo/7b"}},
		{MissingFiles{Ref: ref, Count: 2}, []string{"2"}},
		{RepairProgress{Ref: ref, Index: 1, Total: 2, Name: "b.bin"}, []string{"1/2", "b.bin"}},
		{VerifyResult{Ref: ref, Status: VerifyRepaired}, []string{"repaired"}},
		{VerifyFinished{Ref: ref, Success: true, Elapsed: time.Second}, []string{"demo/7b"}},
	}

	for _, tc := range cases {
		s := tc.event.String()
		for _, want := range tc.want {
			if !strings.Contains(s, want) {
				t.Errorf("%T.String() = %q, want substring %q", tc.event, s, want)
			}
		}
	}
}
