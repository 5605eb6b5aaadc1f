package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
)

func testBackends(t *testing.T) map[string]Backend {
	t.Helper()
	fileBackend, err := NewFileBackend(filepath.Join(t.TempDir(), "ledger"))
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	sqliteBackend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("new sqlite backend: %v", err)
	}
	t.Cleanup(func() { _ = sqliteBackend.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
	}
}

func TestLedgerUpsertLookupAcrossBackends(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			l := New(backend, Options{})
			fp := fingerprint.Compute("alpha", "buy milk")
			attempt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

			if _, ok, err := l.Lookup(ctx, "alpha", fp); err != nil || ok {
				t.Fatalf("expected no record before upsert, ok=%v err=%v", ok, err)
			}
			pending := Record{Fingerprint: fp, ProjectID: "alpha", ItemID: "item-1", State: StatePending, LastAttemptAt: attempt}
			if err := l.Upsert(ctx, pending); err != nil {
				t.Fatalf("upsert pending: %v", err)
			}
			synced := pending
			synced.State = StateSynced
			synced.RemoteID = "page-1"
			synced.Attempts = 1
			synced.LastEditedAt = attempt.Add(time.Second)
			synced.MetaHash = "meta-1"
			if err := l.Upsert(ctx, synced); err != nil {
				t.Fatalf("upsert synced: %v", err)
			}

			got, ok, err := l.Lookup(ctx, "alpha", fp)
			if err != nil || !ok {
				t.Fatalf("lookup after upsert: ok=%v err=%v", ok, err)
			}
			if got.State != StateSynced || got.RemoteID != "page-1" || got.Attempts != 1 || got.ItemID != "item-1" || got.MetaHash != "meta-1" {
				t.Fatalf("unexpected record: %+v", got)
			}
			if !got.LastAttemptAt.Equal(attempt) || !got.LastEditedAt.Equal(synced.LastEditedAt) {
				t.Fatalf("timestamps not preserved: %+v", got)
			}

			records, err := l.List(ctx, "alpha")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(records) != 1 {
				t.Fatalf("expected exactly one record per fingerprint, got %d", len(records))
			}
		})
	}
}

func TestLedgerProjectsAreIsolated(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			l := New(backend, Options{})
			fpA := fingerprint.Compute("alpha", "same text")
			fpB := fingerprint.Compute("beta", "same text")
			if err := l.Upsert(ctx, Record{Fingerprint: fpA, ProjectID: "alpha", State: StateSynced, RemoteID: "a"}); err != nil {
				t.Fatalf("upsert alpha: %v", err)
			}
			if err := l.Upsert(ctx, Record{Fingerprint: fpB, ProjectID: "beta", State: StateFailed, LastError: "boom"}); err != nil {
				t.Fatalf("upsert beta: %v", err)
			}
			if _, ok, _ := l.Lookup(ctx, "beta", fpA); ok {
				t.Fatalf("alpha fingerprint leaked into beta")
			}
			alpha, _ := l.List(ctx, "alpha")
			beta, _ := l.List(ctx, "beta")
			if len(alpha) != 1 || len(beta) != 1 {
				t.Fatalf("expected one record per project, got alpha=%d beta=%d", len(alpha), len(beta))
			}
			if beta[0].LastError != "boom" {
				t.Fatalf("expected beta last error to persist, got %+v", beta[0])
			}
		})
	}
}

func TestLedgerRejectsInvalidRecords(t *testing.T) {
	l := New(nil, Options{})
	ctx := context.Background()
	fp := fingerprint.Compute("alpha", "x")
	cases := []Record{
		{Fingerprint: fp, State: StatePending},
		{ProjectID: "alpha", State: StatePending},
		{Fingerprint: fp, ProjectID: "alpha", State: "done"},
		{Fingerprint: fp, ProjectID: "alpha", State: StateSynced},
	}
	for i, rec := range cases {
		if err := l.Upsert(ctx, rec); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("case %d: expected ErrInvalidRecord, got %v", i, err)
		}
	}
	if _, _, err := l.Lookup(ctx, " ", fp); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank project, got %v", err)
	}
}

func TestLedgerWrapsBackendErrorsAsStorage(t *testing.T) {
	l := New(failingBackend{err: errors.New("disk on fire")}, Options{})
	_, _, err := l.Lookup(context.Background(), "alpha", "abc")
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.ProjectID != "alpha" || storageErr.Op != "lookup" {
		t.Fatalf("expected StorageError with context, got %#v", err)
	}
}

func TestLedgerStatsCacheAndRefresh(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(NewMemoryBackend(), Options{StatsTTL: time.Minute, Now: func() time.Time { return now }})

	for i, state := range []State{StateSynced, StateSynced, StateFailed, StatePending} {
		rec := Record{
			Fingerprint: fingerprint.Compute("alpha", fmt.Sprintf("item %d", i)),
			ProjectID:   "alpha",
			State:       state,
		}
		if state == StateSynced {
			rec.RemoteID = fmt.Sprintf("page-%d", i)
		}
		if err := l.Upsert(ctx, rec); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	if err := l.RecordRun(ctx, "alpha", now, 5); err != nil {
		t.Fatalf("record run: %v", err)
	}

	stats, err := l.StatsFor(ctx, "alpha")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Synced != 2 || stats.Failed != 1 || stats.Pending != 1 || stats.Skipped != 5 || stats.Total != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !stats.LastRunAt.Equal(now) {
		t.Fatalf("expected lastRunAt %v, got %v", now, stats.LastRunAt)
	}

	// Writing through the ledger invalidates the cache.
	if err := l.Upsert(ctx, Record{Fingerprint: fingerprint.Compute("alpha", "later"), ProjectID: "alpha", State: StateFailed}); err != nil {
		t.Fatalf("upsert later: %v", err)
	}
	stats, _ = l.StatsFor(ctx, "alpha")
	if stats.Failed != 2 {
		t.Fatalf("expected cache invalidation after upsert, got %+v", stats)
	}
}

func TestLedgerStatsServedFromCacheWithinTTL(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := New(backend, Options{StatsTTL: time.Minute, Now: func() time.Time { return now }})

	if _, err := l.StatsFor(ctx, "alpha"); err != nil {
		t.Fatalf("stats: %v", err)
	}
	// Bypass the ledger so the cache is not invalidated.
	if err := backend.Put(ctx, Record{Fingerprint: "f1", ProjectID: "alpha", State: StateFailed}); err != nil {
		t.Fatalf("backend put: %v", err)
	}
	stats, _ := l.StatsFor(ctx, "alpha")
	if stats.Failed != 0 {
		t.Fatalf("expected cached stats, got %+v", stats)
	}
	now = now.Add(2 * time.Minute)
	stats, _ = l.StatsFor(ctx, "alpha")
	if stats.Failed != 1 {
		t.Fatalf("expected stats recomputed after ttl, got %+v", stats)
	}
	backend.Put(ctx, Record{Fingerprint: "f2", ProjectID: "alpha", State: StateFailed})
	stats, err := l.RefreshStats(ctx, "alpha")
	if err != nil || stats.Failed != 2 {
		t.Fatalf("expected forced refresh to see 2 failures, got %+v err=%v", stats, err)
	}
}

// listHookBackend runs afterList once, after a List has read its records.
type listHookBackend struct {
	Backend
	afterList func()
}

func (b *listHookBackend) List(ctx context.Context, projectID string) ([]Record, error) {
	records, err := b.Backend.List(ctx, projectID)
	if hook := b.afterList; hook != nil {
		b.afterList = nil
		hook()
	}
	return records, err
}

func TestLedgerRefreshRacingWriteIsNotCached(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	backend := &listHookBackend{Backend: NewMemoryBackend()}
	l := New(backend, Options{StatsTTL: time.Hour, Now: func() time.Time { return now }})

	backend.afterList = func() {
		if err := l.Upsert(ctx, Record{Fingerprint: "f1", ProjectID: "alpha", State: StateFailed}); err != nil {
			t.Errorf("upsert during refresh: %v", err)
		}
	}
	stale, err := l.RefreshStats(ctx, "alpha")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if stale.Total != 0 {
		t.Fatalf("refresh should reflect the records it listed, got %+v", stale)
	}
	stats, err := l.StatsFor(ctx, "alpha")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Failed != 1 {
		t.Fatalf("stale refresh was cached over a newer write: %+v", stats)
	}
}

func TestLedgerReverseWatermarkIsMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			l := New(backend, Options{})
			t1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
			t2 := t1.Add(time.Hour)
			if err := l.SetReverseWatermark(ctx, "alpha", t2, t2); err != nil {
				t.Fatalf("set watermark: %v", err)
			}
			if err := l.SetReverseWatermark(ctx, "alpha", t1, t2.Add(time.Minute)); err != nil {
				t.Fatalf("set older watermark: %v", err)
			}
			state, err := l.ProjectState(ctx, "alpha")
			if err != nil {
				t.Fatalf("project state: %v", err)
			}
			if !state.ReverseWatermark.Equal(t2) {
				t.Fatalf("expected watermark to stay at %v, got %v", t2, state.ReverseWatermark)
			}
			if !state.LastReverseAt.Equal(t2.Add(time.Minute)) {
				t.Fatalf("expected lastReverseAt to advance, got %v", state.LastReverseAt)
			}
			if err := l.RecordRun(ctx, "alpha", t2, 3); err != nil {
				t.Fatalf("record run: %v", err)
			}
			state, _ = l.ProjectState(ctx, "alpha")
			if !state.ReverseWatermark.Equal(t2) || state.LastSkipped != 3 {
				t.Fatalf("record run clobbered reverse state: %+v", state)
			}
		})
	}
}

func TestLedgerProjectStateDefaultsToEmpty(t *testing.T) {
	l := New(nil, Options{})
	state, err := l.ProjectState(context.Background(), "fresh")
	if err != nil {
		t.Fatalf("project state: %v", err)
	}
	if state.ProjectID != "fresh" || !state.LastRunAt.IsZero() || !state.ReverseWatermark.IsZero() {
		t.Fatalf("expected empty state, got %+v", state)
	}
}

func TestLedgerConcurrentProjects(t *testing.T) {
	ctx := context.Background()
	for name, backend := range testBackends(t) {
		t.Run(name, func(t *testing.T) {
			l := New(backend, Options{})
			var wg sync.WaitGroup
			errs := make(chan error, 64)
			for _, project := range []string{"alpha", "beta", "gamma", "delta"} {
				for i := 0; i < 8; i++ {
					wg.Add(1)
					go func(project string, i int) {
						defer wg.Done()
						fp := fingerprint.Compute(project, fmt.Sprintf("note %d", i))
						errs <- l.Upsert(ctx, Record{Fingerprint: fp, ProjectID: project, State: StateSynced, RemoteID: fmt.Sprintf("%s-%d", project, i)})
					}(project, i)
				}
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("concurrent upsert: %v", err)
				}
			}
			for _, project := range []string{"alpha", "beta", "gamma", "delta"} {
				stats, err := l.RefreshStats(ctx, project)
				if err != nil {
					t.Fatalf("stats %s: %v", project, err)
				}
				if stats.Synced != 8 {
					t.Fatalf("expected 8 synced for %s, got %+v", project, stats)
				}
			}
		})
	}
}

type failingBackend struct {
	err error
}

func (b failingBackend) Get(context.Context, string, fingerprint.Fingerprint) (Record, bool, error) {
	return Record{}, false, b.err
}
func (b failingBackend) Put(context.Context, Record) error               { return b.err }
func (b failingBackend) List(context.Context, string) ([]Record, error) { return nil, b.err }
func (b failingBackend) GetProject(context.Context, string) (ProjectState, bool, error) {
	return ProjectState{}, false, b.err
}
func (b failingBackend) PutProject(context.Context, ProjectState) error { return b.err }
func (b failingBackend) Close() error                                  { return nil }
