package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/logging"
	"github.com/agentworkforce/inboxsync/internal/syncengine"
)

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

type recordingWatcher struct {
	added   []string
	failing map[string]bool
}

func (w *recordingWatcher) Add(projectID string) error {
	if w.failing[projectID] {
		return fmt.Errorf("watch %s: too many open files", projectID)
	}
	w.added = append(w.added, projectID)
	return nil
}

func TestSyncWatchesPicksUpNewProjects(t *testing.T) {
	loop := &watchLoop{logger: logging.Discard()}
	watcher := &recordingWatcher{failing: map[string]bool{"beta": true}}

	loop.syncWatches(watcher, []inbox.Project{{ID: "alpha"}, {ID: "beta"}, {ID: "off", Disabled: true}})
	if fmt.Sprint(watcher.added) != "[alpha]" {
		t.Fatalf("unexpected initial watches: %v", watcher.added)
	}

	delete(watcher.failing, "beta")
	loop.syncWatches(watcher, []inbox.Project{{ID: "alpha"}, {ID: "beta"}, {ID: "gamma"}, {ID: "off", Disabled: true}})
	if fmt.Sprint(watcher.added) != "[alpha beta gamma]" {
		t.Fatalf("expected failed and new projects to be watched once, got %v", watcher.added)
	}

	loop.syncWatches(watcher, []inbox.Project{{ID: "alpha", Disabled: true}, {ID: "beta"}, {ID: "gamma"}})
	if loop.watched["alpha"] || !loop.watched["gamma"] || len(watcher.added) != 3 {
		t.Fatalf("unexpected watch set %v after disabling alpha, adds %v", loop.watched, watcher.added)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	cases := []struct {
		ratio, sample float64
		want          time.Duration
	}{
		{0, 0.2, base},
		{0.2, 0, 8 * time.Second},
		{0.2, 0.5, 10 * time.Second},
		{0.2, 1, 12 * time.Second},
		{0.2, 7, 12 * time.Second},
	}
	for _, tc := range cases {
		if got := jitteredIntervalWithSample(base, tc.ratio, tc.sample); got != tc.want {
			t.Fatalf("ratio=%v sample=%v: expected %s, got %s", tc.ratio, tc.sample, tc.want, got)
		}
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

type cliEnv struct {
	dataDir string
	config  string
	creates atomic.Int32
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	env := &cliEnv{dataDir: t.TempDir()}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"object":"error","status":401,"code":"unauthorized","message":"bad token"}`))
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/pages":
			n := env.creates.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"object":           "page",
				"id":               fmt.Sprintf("page-%d", n),
				"last_edited_time": "2026-03-01T09:00:00.000Z",
				"parent":           map[string]string{"type": "database_id", "database_id": "db-alpha"},
			})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	env.config = filepath.Join(env.dataDir, "config.yaml")
	writeTestFile(t, env.config, "data_dir: "+env.dataDir+"\nnotion:\n  token: test-token\n  base_url: "+server.URL+"\n  max_attempts: 1\n")
	writeTestFile(t, filepath.Join(env.dataDir, "projects.yaml"), "projects:\n  - id: alpha\n    database_id: db-alpha\n")
	writeTestFile(t, filepath.Join(env.dataDir, "projects", "alpha", "inbox", "note.md"), "Water the plants\n")
	return env
}

func (env *cliEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append(args, "--config", env.config))
	err := cmd.Execute()
	return stdout.String(), err
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRunCommandSyncsOnce(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.execute(t, "run")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var results []syncengine.RunResult
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode output: %v (%q)", err, out)
	}
	if len(results) != 1 || results[0].Synced != 1 || results[0].Status != syncengine.StatusOK {
		t.Fatalf("unexpected results %+v", results)
	}

	out, err = env.execute(t, "run", "--project", "alpha")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	results = nil
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if results[0].Skipped != 1 || env.creates.Load() != 1 {
		t.Fatalf("second run must skip: %+v creates=%d", results, env.creates.Load())
	}

	out, err = env.execute(t, "stats", "--refresh")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats []ledger.Stats
	if err := json.Unmarshal([]byte(out), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats) != 1 || stats[0].Synced != 1 || stats[0].Skipped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRunCommandRejectsUnknownProject(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.execute(t, "run", "--project", "ghost"); err == nil || !strings.Contains(err.Error(), "unknown project") {
		t.Fatalf("expected unknown project error, got %v", err)
	}
}

func TestReverseRequiresProject(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.execute(t, "reverse"); err == nil {
		t.Fatalf("expected missing --project to fail")
	}
}

func TestRunCommandNeedsToken(t *testing.T) {
	env := newCLIEnv(t)
	writeTestFile(t, env.config, "data_dir: "+env.dataDir+"\n")
	t.Setenv("INBOXSYNC_NOTION_TOKEN", "")
	if _, err := env.execute(t, "run"); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("expected token error, got %v", err)
	}
}
