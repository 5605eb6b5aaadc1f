package inbox

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsDebouncedProjectChanges(t *testing.T) {
	store := newTestStore(t)
	w, err := NewWatcher(store, WatcherOptions{Debounce: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	for _, id := range []string{"alpha", "beta"} {
		if err := w.Add(id); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	dir := store.InboxDir("alpha")
	for i := 0; i < 3; i++ {
		writeFile(t, filepath.Join(dir, "note"+string(rune('a'+i))+".md"), "hello")
	}
	writeFile(t, filepath.Join(dir, "ignored.png"), "x")

	select {
	case id := <-w.Changes():
		if id != "alpha" {
			t.Fatalf("expected alpha, got %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for change")
	}
	select {
	case id := <-w.Changes():
		t.Fatalf("expected a single debounced change, got another for %q", id)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, ok := <-w.Changes(); ok {
		t.Fatalf("expected changes channel to close")
	}
}
