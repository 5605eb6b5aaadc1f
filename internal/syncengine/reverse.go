package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/logging"
	"github.com/agentworkforce/inboxsync/internal/notion"
)

const (
	ResolutionRemote = "remote"
	ResolutionLocal  = "local"
)

// Conflict is a field where local and remote disagreed during a pull.
type Conflict struct {
	ItemID      string `json:"itemId"`
	Fingerprint string `json:"fingerprint"`
	RemoteID    string `json:"remoteId"`
	Field       string `json:"field"`
	LocalValue  string `json:"localValue"`
	RemoteValue string `json:"remoteValue"`
	Resolution  string `json:"resolution"`
}

type ReverseResult struct {
	ProjectID string      `json:"projectId"`
	Pulled    int         `json:"pulled"`
	Unchanged int         `json:"unchanged"`
	Ignored   int         `json:"ignored"`
	Conflicts []Conflict  `json:"conflicts,omitempty"`
	Errors    []ItemError `json:"errors,omitempty"`
	Watermark time.Time   `json:"watermark"`
}

type ReverseOptions struct {
	Store             Store
	Ledger            *ledger.Ledger
	Pages             PageSource
	DefaultDatabaseID string
	Gate              *ProjectGate
	Logger            *slog.Logger
	Now               func() time.Time
}

// ReverseSyncer pulls workflow metadata from remote pages into item meta.
// Remote wins on status, title, tags and properties; local wins on content.
type ReverseSyncer struct {
	store             Store
	ledger            *ledger.Ledger
	pages             PageSource
	defaultDatabaseID string
	gate              *ProjectGate
	logger            *slog.Logger
	now               func() time.Time
}

func NewReverseSyncer(opts ReverseOptions) (*ReverseSyncer, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Pages == nil {
		return nil, fmt.Errorf("%w: store, ledger and page source are required", ErrValidation)
	}
	gate := opts.Gate
	if gate == nil {
		gate = NewProjectGate()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &ReverseSyncer{
		store:             opts.Store,
		ledger:            opts.Ledger,
		pages:             opts.Pages,
		defaultDatabaseID: strings.TrimSpace(opts.DefaultDatabaseID),
		gate:              gate,
		logger:            logger,
		now:               now,
	}, nil
}

// Reverse pulls pages edited since the project's watermark. The watermark
// only advances after a complete pass.
func (r *ReverseSyncer) Reverse(ctx context.Context, projectID string) (ReverseResult, error) {
	projectID = strings.TrimSpace(projectID)
	result := ReverseResult{ProjectID: projectID}
	if err := inbox.ValidateProjectID(projectID); err != nil {
		return result, newError(KindValidation, "reverse", projectID, "", err)
	}
	projects, err := r.store.ReadProjects(ctx)
	if err != nil {
		return result, newError(KindStorage, "read projects", "", "", err)
	}
	project, ok := findProject(projects, projectID)
	if !ok {
		return result, newError(KindValidation, "reverse", projectID, "", fmt.Errorf("unknown project %q", projectID))
	}
	databaseID := databaseFor(project, r.defaultDatabaseID)
	if databaseID == "" {
		return result, newError(KindValidation, "reverse", projectID, "", errors.New("no database configured for project"))
	}

	release, err := r.gate.Acquire(ctx, projectID)
	if err != nil {
		return result, newError(KindCanceled, "reverse", projectID, "", err)
	}
	defer release()

	state, err := r.ledger.ProjectState(ctx, projectID)
	if err != nil {
		return result, newError(KindStorage, "reverse", projectID, "", err)
	}
	records, err := r.ledger.List(ctx, projectID)
	if err != nil {
		return result, newError(KindStorage, "reverse", projectID, "", err)
	}
	byFingerprint := make(map[string]ledger.Record, len(records))
	byRemoteID := make(map[string]ledger.Record, len(records))
	for _, rec := range records {
		byFingerprint[string(rec.Fingerprint)] = rec
		if rec.RemoteID != "" {
			byRemoteID[rec.RemoteID] = rec
		}
	}

	logger := r.logger.With("project", projectID)
	watermark := state.ReverseWatermark
	result.Watermark = watermark
	pulledAt := r.now().UTC()

	it := r.pages.Pages(databaseID, state.ReverseWatermark)
	for {
		page, ok := it.Next(ctx)
		if !ok {
			break
		}
		if page.LastEditedAt.After(watermark) {
			watermark = page.LastEditedAt
		}
		rec, known := byFingerprint[page.Fingerprint]
		if !known {
			rec, known = byRemoteID[page.ID]
		}
		if !known {
			result.Ignored++
			continue
		}
		if rec.RemoteID != "" && rec.RemoteID != page.ID {
			result.Ignored++
			result.Errors = append(result.Errors, ItemError{
				ItemID:      rec.ItemID,
				Fingerprint: string(rec.Fingerprint),
				Kind:        KindRemote,
				Message:     fmt.Sprintf("remote page %s duplicates %s for this item", page.ID, rec.RemoteID),
			})
			continue
		}
		if unchangedSince(rec, page) {
			result.Unchanged++
			continue
		}

		next, conflicts, pulled, err := r.pull(ctx, projectID, rec, page, pulledAt)
		if err != nil {
			logger.Error("reverse pull aborted", "item", rec.ItemID, "error", err)
			return result, err
		}
		if !pulled {
			result.Ignored++
			continue
		}
		result.Pulled++
		result.Conflicts = append(result.Conflicts, conflicts...)
		// Later pages in the same listing must see the updated record.
		byFingerprint[string(next.Fingerprint)] = next
		byRemoteID[next.RemoteID] = next
	}
	if err := it.Err(); err != nil {
		kind := Classify(err)
		if kind != KindAuth && kind != KindTransientRemote && kind != KindCanceled {
			kind = KindRemote
		}
		return result, newError(kind, "list pages", projectID, "", err)
	}

	if err := r.ledger.SetReverseWatermark(ctx, projectID, watermark, pulledAt); err != nil {
		return result, newError(KindStorage, "reverse", projectID, "", err)
	}
	result.Watermark = watermark
	logger.Info("reverse sync finished",
		"pulled", result.Pulled, "unchanged", result.Unchanged, "ignored", result.Ignored, "conflicts", len(result.Conflicts))
	return result, nil
}

// unchangedSince reports whether page carries nothing newer than rec. Remote
// edit times are coarse, so a page edited within the same tick as the last
// write or pull is compared by metadata digest.
func unchangedSince(rec ledger.Record, page notion.Page) bool {
	if page.LastEditedAt.Before(rec.LastEditedAt) {
		return true
	}
	if page.LastEditedAt.Equal(rec.LastEditedAt) {
		return rec.MetaHash != "" && rec.MetaHash == page.MetadataHash()
	}
	return false
}

// pull writes one page into the item's meta and returns the advanced record.
// pulled is false when the local item no longer exists.
func (r *ReverseSyncer) pull(ctx context.Context, projectID string, rec ledger.Record, page notion.Page, pulledAt time.Time) (ledger.Record, []Conflict, bool, error) {
	item, err := r.store.ReadItem(ctx, projectID, rec.ItemID)
	if errors.Is(err, inbox.ErrNotFound) {
		return rec, nil, false, nil
	}
	if err != nil {
		return rec, nil, false, newError(KindStorage, "read item", projectID, rec.ItemID, err)
	}
	meta, hasMeta, err := r.store.ReadItemMeta(ctx, projectID, rec.ItemID)
	if err != nil {
		return rec, nil, false, newError(KindStorage, "read meta", projectID, rec.ItemID, err)
	}

	conflict := func(field, local, remote, resolution string) Conflict {
		return Conflict{
			ItemID:      rec.ItemID,
			Fingerprint: string(rec.Fingerprint),
			RemoteID:    page.ID,
			Field:       field,
			LocalValue:  local,
			RemoteValue: remote,
			Resolution:  resolution,
		}
	}
	var conflicts []Conflict
	if page.Content != "" && !fingerprint.Equivalent(page.Content, item.RawContent) {
		conflicts = append(conflicts, conflict("content", item.RawContent, page.Content, ResolutionLocal))
	}
	if hasMeta && meta.LocallyEdited() {
		if meta.Status != page.Status {
			conflicts = append(conflicts, conflict("status", meta.Status, page.Status, ResolutionRemote))
		}
		if meta.Title != page.Title {
			conflicts = append(conflicts, conflict("title", meta.Title, page.Title, ResolutionRemote))
		}
		if local, remote := joinTags(meta.Tags), joinTags(page.Tags); local != remote {
			conflicts = append(conflicts, conflict("tags", local, remote, ResolutionRemote))
		}
		for _, key := range unionKeys(meta.Properties, page.Properties) {
			if meta.Properties[key] != page.Properties[key] {
				conflicts = append(conflicts, conflict("properties."+key, meta.Properties[key], page.Properties[key], ResolutionRemote))
			}
		}
	}

	next := inbox.ItemMeta{
		Status:         page.Status,
		Title:          page.Title,
		Tags:           append([]string(nil), page.Tags...),
		Properties:     page.Properties,
		RemoteID:       page.ID,
		RemoteEditedAt: page.LastEditedAt,
		LocalEditedAt:  meta.LocalEditedAt,
		PulledAt:       pulledAt,
	}
	if err := r.store.WriteItemMeta(ctx, projectID, rec.ItemID, next); err != nil {
		return rec, nil, false, newError(KindStorage, "write meta", projectID, rec.ItemID, err)
	}

	rec.LastEditedAt = page.LastEditedAt
	rec.MetaHash = page.MetadataHash()
	if rec.RemoteID == "" {
		// The page exists remotely even though the forward pass never
		// recorded it; adopt it so the next run updates instead of creating.
		rec.RemoteID = page.ID
		rec.State = ledger.StateSynced
		rec.LastError = ""
	}
	if err := r.ledger.Upsert(ctx, rec); err != nil {
		return rec, nil, false, newError(KindStorage, "ledger write", projectID, rec.ItemID, err)
	}
	return rec, conflicts, true, nil
}

func joinTags(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}

func unionKeys(a, b map[string]string) []string {
	seen := map[string]bool{}
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []map[string]string{a, b} {
		for key := range m {
			if !seen[key] {
				seen[key] = true
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys
}
