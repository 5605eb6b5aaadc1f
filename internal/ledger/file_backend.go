package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
)

// FileBackend stores one JSON document per project under a directory.
// Writes go through a temp file and rename, under an advisory file lock so
// that separate processes sharing the directory do not interleave.
type FileBackend struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type fileProjectDocument struct {
	Records map[fingerprint.Fingerprint]Record `json:"records"`
	Project *ProjectState                      `json:"project,omitempty"`
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{dir: dir, locks: map[string]*sync.Mutex{}}, nil
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Get(ctx context.Context, projectID string, fp fingerprint.Fingerprint) (Record, bool, error) {
	var rec Record
	var ok bool
	err := b.withDocument(ctx, projectID, false, func(doc *fileProjectDocument) error {
		rec, ok = doc.Records[fp]
		return nil
	})
	return rec, ok, err
}

func (b *FileBackend) Put(ctx context.Context, rec Record) error {
	return b.withDocument(ctx, rec.ProjectID, true, func(doc *fileProjectDocument) error {
		doc.Records[rec.Fingerprint] = rec
		return nil
	})
}

func (b *FileBackend) List(ctx context.Context, projectID string) ([]Record, error) {
	var out []Record
	err := b.withDocument(ctx, projectID, false, func(doc *fileProjectDocument) error {
		out = make([]Record, 0, len(doc.Records))
		for _, rec := range doc.Records {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (b *FileBackend) GetProject(ctx context.Context, projectID string) (ProjectState, bool, error) {
	var state ProjectState
	var ok bool
	err := b.withDocument(ctx, projectID, false, func(doc *fileProjectDocument) error {
		if doc.Project != nil {
			state, ok = *doc.Project, true
		}
		return nil
	})
	return state, ok, err
}

func (b *FileBackend) PutProject(ctx context.Context, state ProjectState) error {
	return b.withDocument(ctx, state.ProjectID, true, func(doc *fileProjectDocument) error {
		clone := state
		doc.Project = &clone
		return nil
	})
}

func (b *FileBackend) Close() error {
	return nil
}

func (b *FileBackend) withDocument(ctx context.Context, projectID string, write bool, fn func(*fileProjectDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(projectID) == "" {
		return ErrInvalidInput
	}
	mu := b.projectMutex(projectID)
	mu.Lock()
	defer mu.Unlock()

	path := b.documentPath(projectID)
	release, err := lockFile(path + ".lock")
	if err != nil {
		return err
	}
	defer release()

	doc, err := readProjectDocument(path)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if !write {
		return nil
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func (b *FileBackend) projectMutex(projectID string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	mu, ok := b.locks[projectID]
	if !ok {
		mu = &sync.Mutex{}
		b.locks[projectID] = mu
	}
	return mu
}

func (b *FileBackend) documentPath(projectID string) string {
	return filepath.Join(b.dir, url.PathEscape(projectID)+".json")
}

func readProjectDocument(path string) (*fileProjectDocument, error) {
	doc := &fileProjectDocument{Records: map[fingerprint.Fingerprint]Record{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, err
	}
	if doc.Records == nil {
		doc.Records = map[fingerprint.Fingerprint]Record{}
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
