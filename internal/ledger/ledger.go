// Package ledger persists the per-project mapping from content fingerprint to
// sync outcome. It is the only record of whether an inbox item reached the
// remote workspace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
)

var (
	ErrStorage        = errors.New("ledger storage failure")
	ErrInvalidRecord  = errors.New("invalid ledger record")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

type State string

const (
	StatePending State = "pending"
	StateSynced  State = "synced"
	StateFailed  State = "failed"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateSynced, StateFailed:
		return true
	default:
		return false
	}
}

type Record struct {
	Fingerprint   fingerprint.Fingerprint `json:"fingerprint"`
	ProjectID     string                  `json:"projectId"`
	ItemID        string                  `json:"itemId,omitempty"`
	RemoteID      string                  `json:"remoteId,omitempty"`
	State         State                   `json:"state"`
	Attempts      int                     `json:"attempts"`
	LastAttemptAt time.Time               `json:"lastAttemptAt"`
	LastError     string                  `json:"lastError,omitempty"`
	LastEditedAt  time.Time               `json:"lastEditedAt"`
	// MetaHash is the remote metadata digest as of LastEditedAt. The remote
	// edit time is coarse, so equal times alone do not prove no change.
	MetaHash string `json:"metaHash,omitempty"`
}

// ProjectState is the persisted per-project run summary.
type ProjectState struct {
	ProjectID        string    `json:"projectId"`
	LastRunAt        time.Time `json:"lastRunAt"`
	LastSkipped      int       `json:"lastSkipped"`
	ReverseWatermark time.Time `json:"reverseWatermark"`
	LastReverseAt    time.Time `json:"lastReverseAt"`
}

type Stats struct {
	ProjectID  string    `json:"projectId"`
	Synced     int       `json:"synced"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Pending    int       `json:"pending"`
	Total      int       `json:"total"`
	LastRunAt  time.Time `json:"lastRunAt"`
	ComputedAt time.Time `json:"computedAt"`
}

type StorageError struct {
	Op        string
	ProjectID string
	Err       error
}

func (e *StorageError) Error() string {
	if e.ProjectID == "" {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s (project %s): %v", e.Op, e.ProjectID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Backend is the persistence layer behind a Ledger. Implementations must be
// safe for concurrent use across projects; the Ledger serializes writers
// within a project.
type Backend interface {
	Get(ctx context.Context, projectID string, fp fingerprint.Fingerprint) (Record, bool, error)
	Put(ctx context.Context, rec Record) error
	List(ctx context.Context, projectID string) ([]Record, error)
	GetProject(ctx context.Context, projectID string) (ProjectState, bool, error)
	PutProject(ctx context.Context, state ProjectState) error
	Close() error
}

type Options struct {
	// StatsTTL bounds how long aggregated stats are served from cache.
	StatsTTL time.Duration
	Now      func() time.Time
}

type Ledger struct {
	backend  Backend
	statsTTL time.Duration
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	statsMu sync.Mutex
	stats   map[string]Stats
	// statsGen counts writes per project so a refresh that raced with one
	// is not cached.
	statsGen map[string]uint64
}

func New(backend Backend, opts Options) *Ledger {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	statsTTL := opts.StatsTTL
	if statsTTL <= 0 {
		statsTTL = 30 * time.Second
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		backend:  backend,
		statsTTL: statsTTL,
		now:      now,
		locks:    map[string]*sync.Mutex{},
		stats:    map[string]Stats{},
		statsGen: map[string]uint64{},
	}
}

func (l *Ledger) Close() error {
	if l == nil || l.backend == nil {
		return nil
	}
	return l.backend.Close()
}

func (l *Ledger) Lookup(ctx context.Context, projectID string, fp fingerprint.Fingerprint) (Record, bool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || fp == "" {
		return Record{}, false, ErrInvalidInput
	}
	rec, ok, err := l.backend.Get(ctx, projectID, fp)
	if err != nil {
		return Record{}, false, &StorageError{Op: "lookup", ProjectID: projectID, Err: err}
	}
	return rec, ok, nil
}

// Upsert replaces the record stored for (ProjectID, Fingerprint).
func (l *Ledger) Upsert(ctx context.Context, rec Record) error {
	rec.ProjectID = strings.TrimSpace(rec.ProjectID)
	if err := validateRecord(rec); err != nil {
		return err
	}
	unlock := l.lockProject(rec.ProjectID)
	defer unlock()
	if err := l.backend.Put(ctx, rec); err != nil {
		return &StorageError{Op: "upsert", ProjectID: rec.ProjectID, Err: err}
	}
	l.invalidateStats(rec.ProjectID)
	return nil
}

func (l *Ledger) List(ctx context.Context, projectID string) ([]Record, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, ErrInvalidInput
	}
	records, err := l.backend.List(ctx, projectID)
	if err != nil {
		return nil, &StorageError{Op: "list", ProjectID: projectID, Err: err}
	}
	return records, nil
}

func (l *Ledger) ProjectState(ctx context.Context, projectID string) (ProjectState, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ProjectState{}, ErrInvalidInput
	}
	state, ok, err := l.backend.GetProject(ctx, projectID)
	if err != nil {
		return ProjectState{}, &StorageError{Op: "project state", ProjectID: projectID, Err: err}
	}
	if !ok {
		return ProjectState{ProjectID: projectID}, nil
	}
	return state, nil
}

// RecordRun persists the summary of a completed (or canceled) forward run.
func (l *Ledger) RecordRun(ctx context.Context, projectID string, at time.Time, skipped int) error {
	return l.updateProject(ctx, projectID, "record run", func(state *ProjectState) {
		state.LastRunAt = at.UTC()
		state.LastSkipped = skipped
	})
}

func (l *Ledger) SetReverseWatermark(ctx context.Context, projectID string, watermark, at time.Time) error {
	return l.updateProject(ctx, projectID, "set reverse watermark", func(state *ProjectState) {
		if watermark.After(state.ReverseWatermark) {
			state.ReverseWatermark = watermark.UTC()
		}
		state.LastReverseAt = at.UTC()
	})
}

func (l *Ledger) updateProject(ctx context.Context, projectID, op string, mutate func(*ProjectState)) error {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return ErrInvalidInput
	}
	unlock := l.lockProject(projectID)
	defer unlock()
	state, ok, err := l.backend.GetProject(ctx, projectID)
	if err != nil {
		return &StorageError{Op: op, ProjectID: projectID, Err: err}
	}
	if !ok {
		state = ProjectState{ProjectID: projectID}
	}
	mutate(&state)
	if err := l.backend.PutProject(ctx, state); err != nil {
		return &StorageError{Op: op, ProjectID: projectID, Err: err}
	}
	l.invalidateStats(projectID)
	return nil
}

// StatsFor returns aggregated counters, served from cache while fresh.
func (l *Ledger) StatsFor(ctx context.Context, projectID string) (Stats, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Stats{}, ErrInvalidInput
	}
	l.statsMu.Lock()
	cached, ok := l.stats[projectID]
	l.statsMu.Unlock()
	if ok && l.now().Sub(cached.ComputedAt) < l.statsTTL {
		return cached, nil
	}
	return l.RefreshStats(ctx, projectID)
}

// RefreshStats recomputes counters from the stored records. The result is
// cached only if no write landed while it was computed.
func (l *Ledger) RefreshStats(ctx context.Context, projectID string) (Stats, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return Stats{}, ErrInvalidInput
	}
	l.statsMu.Lock()
	gen := l.statsGen[projectID]
	l.statsMu.Unlock()
	records, err := l.List(ctx, projectID)
	if err != nil {
		return Stats{}, err
	}
	state, err := l.ProjectState(ctx, projectID)
	if err != nil {
		return Stats{}, err
	}
	stats := aggregate(projectID, records, state)
	stats.ComputedAt = l.now()
	l.statsMu.Lock()
	if l.statsGen[projectID] == gen {
		l.stats[projectID] = stats
	}
	l.statsMu.Unlock()
	return stats, nil
}

func aggregate(projectID string, records []Record, state ProjectState) Stats {
	stats := Stats{
		ProjectID: projectID,
		Skipped:   state.LastSkipped,
		LastRunAt: state.LastRunAt,
		Total:     len(records),
	}
	for _, rec := range records {
		switch rec.State {
		case StateSynced:
			stats.Synced++
		case StateFailed:
			stats.Failed++
		case StatePending:
			stats.Pending++
		}
	}
	return stats
}

func (l *Ledger) invalidateStats(projectID string) {
	l.statsMu.Lock()
	delete(l.stats, projectID)
	l.statsGen[projectID]++
	l.statsMu.Unlock()
}

func (l *Ledger) lockProject(projectID string) func() {
	l.locksMu.Lock()
	mu, ok := l.locks[projectID]
	if !ok {
		mu = &sync.Mutex{}
		l.locks[projectID] = mu
	}
	l.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func validateRecord(rec Record) error {
	if rec.ProjectID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidRecord)
	}
	if rec.Fingerprint == "" {
		return fmt.Errorf("%w: fingerprint is required", ErrInvalidRecord)
	}
	if !rec.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", ErrInvalidRecord, rec.State)
	}
	if rec.State == StateSynced && strings.TrimSpace(rec.RemoteID) == "" {
		return fmt.Errorf("%w: synced record requires a remote id", ErrInvalidRecord)
	}
	return nil
}
