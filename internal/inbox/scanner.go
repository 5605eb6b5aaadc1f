package inbox

import (
	"context"
	"sort"
)

type ScanResult struct {
	ProjectID string    `json:"projectId"`
	Items     []Item    `json:"items"`
	Warnings  []Warning `json:"warnings,omitempty"`
}

// Source is the storage the scanner reads from.
type Source interface {
	ReadInboxItems(ctx context.Context, projectID string) ([]Item, []Warning, error)
}

// Scanner re-reads the inbox on every call and holds no cursor between calls.
type Scanner struct {
	source Source
}

func NewScanner(source Source) *Scanner {
	return &Scanner{source: source}
}

// Scan returns the project's items oldest first. Equal timestamps are
// ordered by id so the sequence is deterministic.
func (s *Scanner) Scan(ctx context.Context, projectID string) (ScanResult, error) {
	items, warnings, err := s.source.ReadInboxItems(ctx, projectID)
	if err != nil {
		return ScanResult{}, err
	}
	sorted := append([]Item(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	return ScanResult{ProjectID: projectID, Items: sorted, Warnings: warnings}, nil
}
