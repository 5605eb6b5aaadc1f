package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/inboxsync/internal/classify"
	"github.com/agentworkforce/inboxsync/internal/fingerprint"
	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/logging"
	"github.com/agentworkforce/inboxsync/internal/notion"
)

const (
	defaultConcurrency = 4
	defaultItemTimeout = 2 * time.Minute

	failureWriteTimeout = 10 * time.Second
)

type Phase string

const (
	PhaseInit       Phase = "INIT"
	PhaseScanning   Phase = "SCANNING"
	PhaseProcessing Phase = "PROCESSING_ITEMS"
	PhaseFinalizing Phase = "FINALIZING"
	PhaseDone       Phase = "DONE"
)

// PhaseEvent reports a state transition. ProjectID is empty for the event
// that closes the whole run.
type PhaseEvent struct {
	RunID     string
	ProjectID string
	Phase     Phase
	At        time.Time
}

type Status string

const (
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusAuthFailed Status = "auth_failed"
)

type ItemError struct {
	ItemID      string `json:"itemId,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
}

type RunResult struct {
	RunID      string          `json:"runId"`
	ProjectID  string          `json:"projectId"`
	Status     Status          `json:"status"`
	Synced     int             `json:"synced"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Errors     []ItemError     `json:"errors,omitempty"`
	Warnings   []inbox.Warning `json:"warnings,omitempty"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Stats      ledger.Stats    `json:"stats"`
}

type Options struct {
	Store      Store
	Ledger     *ledger.Ledger
	Workspace  Workspace
	Classifier *classify.Classifier
	// DefaultDatabaseID is used for projects without their own database.
	DefaultDatabaseID string
	// Concurrency bounds how many projects run at once.
	Concurrency int
	// ItemTimeout bounds one item's classify and upsert, independent of the
	// run context.
	ItemTimeout time.Duration
	Gate        *ProjectGate
	Logger      *slog.Logger
	Now         func() time.Time
	OnPhase     func(PhaseEvent)
}

type Processor struct {
	store             Store
	ledger            *ledger.Ledger
	workspace         Workspace
	classifier        *classify.Classifier
	defaultDatabaseID string
	concurrency       int
	itemTimeout       time.Duration
	gate              *ProjectGate
	logger            *slog.Logger
	now               func() time.Time
	onPhase           func(PhaseEvent)
}

func NewProcessor(opts Options) (*Processor, error) {
	if opts.Store == nil || opts.Ledger == nil || opts.Workspace == nil {
		return nil, fmt.Errorf("%w: store, ledger and workspace are required", ErrValidation)
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	itemTimeout := opts.ItemTimeout
	if itemTimeout <= 0 {
		itemTimeout = defaultItemTimeout
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
	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.New(classify.Options{Logger: logger})
	}
	return &Processor{
		store:             opts.Store,
		ledger:            opts.Ledger,
		workspace:         opts.Workspace,
		classifier:        classifier,
		defaultDatabaseID: strings.TrimSpace(opts.DefaultDatabaseID),
		concurrency:       concurrency,
		itemTimeout:       itemTimeout,
		gate:              gate,
		logger:            logger,
		now:               now,
		onPhase:           opts.OnPhase,
	}, nil
}

// Run syncs one project, or every enabled project when scope is empty.
// Partial failures are reported in the results; an error is returned only
// for an unknown scope or an unreadable project registry.
func (p *Processor) Run(ctx context.Context, scope string) ([]RunResult, error) {
	scope = strings.TrimSpace(scope)
	if scope != "" {
		if err := inbox.ValidateProjectID(scope); err != nil {
			return nil, newError(KindValidation, "run", scope, "", err)
		}
	}
	projects, err := p.store.ReadProjects(ctx)
	if err != nil {
		return nil, newError(KindStorage, "read projects", "", "", err)
	}
	selected, err := selectProjects(projects, scope)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID)
	logger.Info("sync run started", "scope", scope, "projects", len(selected))

	session := p.classifier.Begin()
	results := make([]RunResult, len(selected))
	var authFailed atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, project := range selected {
		g.Go(func() error {
			results[i] = p.runProject(ctx, runID, project, session, &authFailed, logger.With("project", project.ID))
			return nil
		})
	}
	_ = g.Wait()

	p.emit(runID, "", PhaseDone)
	logger.Info("sync run finished", "projects", len(results), "classifier_calls", session.Calls(), "classifier_fallbacks", session.Fallbacks())
	return results, nil
}

func selectProjects(projects []inbox.Project, scope string) ([]inbox.Project, error) {
	if scope == "" {
		out := make([]inbox.Project, 0, len(projects))
		for _, project := range projects {
			if !project.Disabled {
				out = append(out, project)
			}
		}
		return out, nil
	}
	project, ok := findProject(projects, scope)
	if !ok {
		return nil, newError(KindValidation, "run", scope, "", fmt.Errorf("unknown project %q", scope))
	}
	if project.Disabled {
		return nil, newError(KindValidation, "run", scope, "", fmt.Errorf("project %q is disabled", scope))
	}
	return []inbox.Project{project}, nil
}

func (p *Processor) emit(runID, projectID string, phase Phase) {
	if p.onPhase != nil {
		p.onPhase(PhaseEvent{RunID: runID, ProjectID: projectID, Phase: phase, At: p.now().UTC()})
	}
}

type itemOutcome int

const (
	outcomeSynced itemOutcome = iota
	outcomeSkipped
	outcomeFailed
)

func (p *Processor) runProject(ctx context.Context, runID string, project inbox.Project, session *classify.Session, authFailed *atomic.Bool, logger *slog.Logger) RunResult {
	result := RunResult{RunID: runID, ProjectID: project.ID, StartedAt: p.now().UTC()}
	finish := func(status Status) RunResult {
		result.Status = status
		result.FinishedAt = p.now().UTC()
		p.emit(runID, project.ID, PhaseDone)
		logger.Info("project sync finished",
			"status", status, "synced", result.Synced, "skipped", result.Skipped, "failed", result.Failed)
		return result
	}
	projectError := func(err error) {
		result.Errors = append(result.Errors, ItemError{Kind: Classify(err), Message: err.Error()})
	}

	p.emit(runID, project.ID, PhaseInit)
	if authFailed.Load() {
		projectError(newError(KindAuth, "run", project.ID, "", errors.New("skipped after authentication failure in this run")))
		return finish(StatusAuthFailed)
	}
	release, err := p.gate.Acquire(ctx, project.ID)
	if err != nil {
		return finish(StatusCanceled)
	}
	defer release()

	databaseID := databaseFor(project, p.defaultDatabaseID)
	if databaseID == "" {
		projectError(newError(KindValidation, "run", project.ID, "", errors.New("no database configured for project")))
		return finish(StatusFailed)
	}

	p.emit(runID, project.ID, PhaseScanning)
	scan, err := inbox.NewScanner(p.store).Scan(ctx, project.ID)
	if err != nil {
		logger.Error("inbox scan failed", "error", err)
		if errors.Is(err, context.Canceled) {
			return finish(StatusCanceled)
		}
		projectError(newError(KindStorage, "scan", project.ID, "", err))
		return finish(StatusFailed)
	}
	for _, warning := range scan.Warnings {
		logger.Warn("skipping unreadable inbox entry", "path", warning.Path, "reason", warning.Message)
	}
	result.Warnings = scan.Warnings

	p.emit(runID, project.ID, PhaseProcessing)
	status := StatusOK
	for _, item := range scan.Items {
		if ctx.Err() != nil {
			status = StatusCanceled
			break
		}
		if authFailed.Load() {
			status = StatusAuthFailed
			break
		}
		outcome, itemErr, fatal := p.processItem(ctx, databaseID, item, session, logger)
		switch outcome {
		case outcomeSynced:
			result.Synced++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failed++
		}
		if itemErr != nil {
			result.Errors = append(result.Errors, *itemErr)
		}
		if fatal != nil {
			if Classify(fatal) == KindAuth {
				authFailed.Store(true)
				status = StatusAuthFailed
			} else {
				status = StatusFailed
			}
			break
		}
	}

	p.emit(runID, project.ID, PhaseFinalizing)
	// Stats are persisted even when the run was canceled.
	finalCtx := context.WithoutCancel(ctx)
	if err := p.ledger.RecordRun(finalCtx, project.ID, p.now().UTC(), result.Skipped); err != nil {
		logger.Error("persist run summary failed", "error", err)
		projectError(newError(KindStorage, "record run", project.ID, "", err))
		if status == StatusOK || status == StatusCanceled {
			status = StatusFailed
		}
	}
	stats, err := p.ledger.RefreshStats(finalCtx, project.ID)
	if err != nil {
		logger.Error("refresh stats failed", "error", err)
	}
	result.Stats = stats
	return finish(status)
}

// processItem syncs one item. fatal is non-nil when the project must stop:
// an authentication failure or a ledger write that could not be persisted.
func (p *Processor) processItem(ctx context.Context, databaseID string, item inbox.Item, session *classify.Session, logger *slog.Logger) (itemOutcome, *ItemError, error) {
	itemCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.itemTimeout)
	defer cancel()

	fp := item.Fingerprint()
	logger = logger.With("item", item.ID, "fingerprint", fp.Short())
	itemError := func(err error) *ItemError {
		return &ItemError{ItemID: item.ID, Fingerprint: string(fp), Kind: Classify(err), Message: err.Error()}
	}

	prior, found, err := p.ledger.Lookup(itemCtx, item.ProjectID, fp)
	if err != nil {
		err = newError(KindStorage, "ledger lookup", item.ProjectID, item.ID, err)
		return outcomeFailed, itemError(err), err
	}
	if found && prior.State == ledger.StateSynced {
		logger.Debug("item already synced", "remote_id", prior.RemoteID)
		return outcomeSkipped, nil, nil
	}

	remoteID := prior.RemoteID
	attempts := prior.Attempts
	if found && remoteID == "" {
		// A previous attempt may have created the page before it could be
		// recorded.
		page, ok, err := p.workspace.FindByFingerprint(itemCtx, databaseID, string(fp))
		if err != nil {
			return p.recordFailure(itemCtx, item, fp, prior, remoteID, attempts, err, logger)
		}
		if ok {
			logger.Info("recovered remote page from earlier attempt", "remote_id", page.ID)
			remoteID = page.ID
		}
	}

	pending := ledger.Record{
		Fingerprint:   fp,
		ProjectID:     item.ProjectID,
		ItemID:        item.ID,
		RemoteID:      remoteID,
		State:         ledger.StatePending,
		Attempts:      attempts,
		LastAttemptAt: p.now().UTC(),
		LastError:     prior.LastError,
		LastEditedAt:  prior.LastEditedAt,
		MetaHash:      prior.MetaHash,
	}
	if err := p.ledger.Upsert(itemCtx, pending); err != nil {
		err = newError(KindStorage, "ledger write", item.ProjectID, item.ID, err)
		return outcomeFailed, itemError(err), err
	}

	classification := session.Classify(itemCtx, item.RawContent)
	page, err := p.workspace.Upsert(itemCtx, databaseID, remoteID, notion.PageInput{
		Title:       classification.Title,
		Tags:        classification.Tags,
		Fingerprint: string(fp),
		Content:     item.RawContent,
		ProjectID:   item.ProjectID,
		CapturedAt:  item.CreatedAt,
		Properties:  classification.Properties,
	})
	if err != nil {
		return p.recordFailure(itemCtx, item, fp, pending, remoteID, attempts, err, logger)
	}

	synced := pending
	synced.State = ledger.StateSynced
	synced.RemoteID = page.ID
	synced.Attempts = attempts + 1
	synced.LastError = ""
	synced.LastEditedAt = page.LastEditedAt
	synced.MetaHash = page.MetadataHash()
	if err := p.ledger.Upsert(itemCtx, synced); err != nil {
		err = newError(KindStorage, "ledger write", item.ProjectID, item.ID, err)
		return outcomeFailed, itemError(err), err
	}
	logger.Info("item synced", "remote_id", page.ID, "classified_by", classification.Source)
	return outcomeSynced, nil, nil
}

func (p *Processor) recordFailure(ctx context.Context, item inbox.Item, fp fingerprint.Fingerprint, base ledger.Record, remoteID string, attempts int, cause error, logger *slog.Logger) (itemOutcome, *ItemError, error) {
	kind := Classify(cause)
	cause = newError(kind, "upsert", item.ProjectID, item.ID, cause)
	logger.Warn("item sync failed", "kind", kind, "error", cause)

	failed := ledger.Record{
		Fingerprint:   fp,
		ProjectID:     item.ProjectID,
		ItemID:        item.ID,
		RemoteID:      remoteID,
		State:         ledger.StateFailed,
		Attempts:      attempts + 1,
		LastAttemptAt: p.now().UTC(),
		LastError:     cause.Error(),
		LastEditedAt:  base.LastEditedAt,
		MetaHash:      base.MetaHash,
	}
	itemErr := &ItemError{ItemID: item.ID, Fingerprint: string(fp), Kind: kind, Message: cause.Error()}
	// ctx may be the item context that just timed out.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := p.ledger.Upsert(writeCtx, failed); err != nil {
		err = newError(KindStorage, "ledger write", item.ProjectID, item.ID, err)
		return outcomeFailed, itemErr, err
	}
	if kind == KindAuth {
		return outcomeFailed, itemErr, cause
	}
	return outcomeFailed, itemErr, nil
}
