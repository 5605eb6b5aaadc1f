package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
)

// MemoryBackend keeps one shard per project so that projects never contend
// on the same mutex.
type MemoryBackend struct {
	mu     sync.Mutex
	shards map[string]*memoryShard
}

type memoryShard struct {
	mu      sync.RWMutex
	records map[fingerprint.Fingerprint]Record
	project *ProjectState
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{shards: map[string]*memoryShard{}}
}

func (b *MemoryBackend) shard(projectID string) *memoryShard {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.shards[projectID]
	if !ok {
		s = &memoryShard{records: map[fingerprint.Fingerprint]Record{}}
		b.shards[projectID] = s
	}
	return s
}

func (b *MemoryBackend) Get(ctx context.Context, projectID string, fp fingerprint.Fingerprint) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s := b.shard(projectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[fp]
	return rec, ok, nil
}

func (b *MemoryBackend) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := b.shard(rec.ProjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Fingerprint] = rec
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, projectID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := b.shard(projectID)
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sortRecords(out)
	return out, nil
}

func (b *MemoryBackend) GetProject(ctx context.Context, projectID string) (ProjectState, bool, error) {
	if err := ctx.Err(); err != nil {
		return ProjectState{}, false, err
	}
	s := b.shard(projectID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.project == nil {
		return ProjectState{}, false, nil
	}
	return *s.project, true, nil
}

func (b *MemoryBackend) PutProject(ctx context.Context, state ProjectState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := b.shard(state.ProjectID)
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := state
	s.project = &clone
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].LastAttemptAt.Equal(records[j].LastAttemptAt) {
			return records[i].LastAttemptAt.Before(records[j].LastAttemptAt)
		}
		return records[i].Fingerprint < records[j].Fingerprint
	})
}
