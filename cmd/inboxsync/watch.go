package main

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/syncengine"
)

func newWatchCmd(flags *rootFlags) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sync continuously on inbox changes and on a jittered interval",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app) error {
			p, err := a.processor()
			if err != nil {
				return err
			}
			var r *syncengine.ReverseSyncer
			if a.cfg.Watch.Reverse {
				if r, err = a.reverser(); err != nil {
					return err
				}
			}
			w := &watchLoop{
				app:       a,
				processor: p,
				reverser:  r,
				logger:    a.logger.With("component", "watch"),
			}
			if once {
				w.cycle(cmd.Context(), "")
				return nil
			}
			return w.run(cmd.Context())
		}),
	}
	cmd.Flags().BoolVar(&once, "once", false, "run one full cycle and exit")
	return cmd
}

type watchLoop struct {
	app       *app
	processor *syncengine.Processor
	reverser  *syncengine.ReverseSyncer
	logger    *slog.Logger
	watched   map[string]bool
}

type projectWatcher interface {
	Add(projectID string) error
}

func (w *watchLoop) run(ctx context.Context) error {
	cfg := w.app.cfg.Watch
	watcher, err := inbox.NewWatcher(w.app.store, inbox.WatcherOptions{Debounce: cfg.Debounce, Logger: w.logger})
	if err != nil {
		return err
	}
	projects, err := w.app.store.ReadProjects(ctx)
	if err != nil {
		_ = watcher.Close()
		return err
	}
	w.syncWatches(watcher, projects)

	watchCtx, stopWatcher := context.WithCancel(ctx)
	defer stopWatcher()
	go func() {
		if err := watcher.Run(watchCtx); err != nil {
			w.logger.Error("inbox watcher stopped", "error", err)
		}
	}()

	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	jitter := clampJitterRatio(cfg.IntervalJitter)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	w.cycle(ctx, "")
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	changes := watcher.Changes()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch stopping", "reason", ctx.Err())
			return nil
		case projectID, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if w.watched[projectID] {
				w.cycle(ctx, projectID)
			}
		case <-timer.C:
			// Projects registered since startup get a watch here.
			if projects, err := w.app.store.ReadProjects(ctx); err != nil {
				w.logger.Warn("cannot re-read project registry", "error", err)
			} else {
				w.syncWatches(watcher, projects)
			}
			w.cycle(ctx, "")
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

// syncWatches watches every enabled project not watched yet and forgets
// disabled ones. A failed watch is retried on the next call.
func (w *watchLoop) syncWatches(watcher projectWatcher, projects []inbox.Project) {
	if w.watched == nil {
		w.watched = map[string]bool{}
	}
	for _, project := range projects {
		if project.Disabled {
			delete(w.watched, project.ID)
			continue
		}
		if w.watched[project.ID] {
			continue
		}
		if err := watcher.Add(project.ID); err != nil {
			w.logger.Warn("cannot watch project inbox", "project", project.ID, "error", err)
			continue
		}
		w.watched[project.ID] = true
		w.logger.Info("watching project inbox", "project", project.ID)
	}
}

// cycle runs one forward pass, then a reverse pass for each project that
// finished cleanly when reverse pulling is enabled.
func (w *watchLoop) cycle(ctx context.Context, scope string) {
	runCtx, cancel := runContext(ctx, w.app)
	defer cancel()
	results, err := w.processor.Run(runCtx, scope)
	if err != nil {
		w.logger.Error("sync cycle failed", "scope", scope, "error", err)
		return
	}
	for _, result := range results {
		w.logger.Info("sync cycle project",
			"project", result.ProjectID, "status", result.Status,
			"synced", result.Synced, "skipped", result.Skipped, "failed", result.Failed)
		if w.reverser == nil || result.Status != syncengine.StatusOK {
			continue
		}
		pulled, err := w.reverser.Reverse(runCtx, result.ProjectID)
		if err != nil {
			w.logger.Warn("reverse pull failed", "project", result.ProjectID, "error", err)
			continue
		}
		if len(pulled.Conflicts) > 0 {
			w.logger.Info("reverse pull resolved conflicts", "project", result.ProjectID, "conflicts", len(pulled.Conflicts))
		}
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by +/- jitterRatio; sample in
// [0,1] picks the point in that window.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := max(1+((sample*2)-1)*jitterRatio, 0)
	return max(time.Duration(float64(base)*factor), time.Millisecond)
}
