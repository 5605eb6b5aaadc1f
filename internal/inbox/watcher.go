package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/inboxsync/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

type WatcherOptions struct {
	// Debounce is the quiet period after the last event before a project is
	// reported as changed.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher reports projects whose inbox directory changed.
type Watcher struct {
	store    *FileStore
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
	changes  chan string

	mu      sync.Mutex
	dirs    map[string]string
	running bool
}

func NewWatcher(store *FileStore, opts WatcherOptions) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		store:    store,
		watcher:  w,
		debounce: debounce,
		logger:   logger,
		changes:  make(chan string, 16),
		dirs:     map[string]string{},
	}, nil
}

// Add starts watching a project's inbox, creating the directory if needed.
func (w *Watcher) Add(projectID string) error {
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	dir := w.store.InboxDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &StorageError{Op: "watch inbox", Path: dir, Err: err}
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch inbox %s: %w", dir, err)
	}
	w.mu.Lock()
	w.dirs[filepath.Clean(dir)] = projectID
	w.mu.Unlock()
	return nil
}

// Changes emits project ids, one per debounced burst. It is closed when Run
// returns.
func (w *Watcher) Changes() <-chan string {
	return w.changes
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	w.running = true
	w.mu.Unlock()
	defer close(w.changes)
	defer w.watcher.Close()

	pending := map[string]bool{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			projectID, relevant := w.projectFor(event)
			if !relevant {
				continue
			}
			pending[projectID] = true
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		case <-timer.C:
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			pending = map[string]bool{}
			for _, id := range ids {
				select {
				case w.changes <- id:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (w *Watcher) projectFor(event fsnotify.Event) (string, bool) {
	if event.Op == fsnotify.Chmod {
		return "", false
	}
	name := filepath.Base(event.Name)
	if len(name) == 0 || name[0] == '.' || !supportedExt(name) {
		return "", false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	projectID, ok := w.dirs[filepath.Clean(filepath.Dir(event.Name))]
	return projectID, ok
}

// Close releases the watcher without running it.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
