// Package inbox reads captured items and project definitions from local
// storage and keeps the per-item metadata written back by reverse sync.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/inboxsync/internal/fingerprint"
)

var (
	ErrStorage     = errors.New("inbox storage failure")
	ErrNotFound    = errors.New("not found")
	ErrInvalidItem = errors.New("invalid inbox item")
)

type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("inbox %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

type Project struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	DatabaseID string `yaml:"database_id" json:"databaseId"`
	Disabled   bool   `yaml:"disabled" json:"disabled"`
}

type Item struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"projectId"`
	RawContent string    `json:"rawContent"`
	CreatedAt  time.Time `json:"createdAt"`
	SourcePath string    `json:"sourcePath"`
}

func (i Item) Fingerprint() fingerprint.Fingerprint {
	return fingerprint.Compute(i.ProjectID, i.RawContent)
}

// ItemMeta is workflow metadata pulled from the remote page. A collaborator
// that edits it locally must bump LocalEditedAt.
type ItemMeta struct {
	Status         string            `json:"status,omitempty"`
	Title          string            `json:"title,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Properties     map[string]string `json:"properties,omitempty"`
	RemoteID       string            `json:"remoteId,omitempty"`
	RemoteEditedAt time.Time         `json:"remoteEditedAt"`
	LocalEditedAt  time.Time         `json:"localEditedAt"`
	PulledAt       time.Time         `json:"pulledAt"`
}

// LocallyEdited reports whether the meta changed locally since the last pull.
func (m ItemMeta) LocallyEdited() bool {
	return m.LocalEditedAt.After(m.PulledAt)
}

// Warning is a non-fatal problem with a single inbox entry.
type Warning struct {
	ProjectID string `json:"projectId"`
	Path      string `json:"path"`
	Message   string `json:"message"`
}

type registryDocument struct {
	Projects []Project `yaml:"projects"`
}

type jsonItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
	Source    string `json:"source"`
}

// FileStore is the on-disk layout rooted at one directory:
//
//	<root>/projects.yaml
//	<root>/projects/<id>/inbox/*.json|*.md|*.txt
//	<root>/projects/<id>/meta/<item>.json
type FileStore struct {
	root string

	mu        sync.Mutex
	metaLocks map[string]*sync.Mutex
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("inbox root is required")
	}
	if _, err := itemSchema(); err != nil {
		return nil, err
	}
	return &FileStore{root: filepath.Clean(root), metaLocks: map[string]*sync.Mutex{}}, nil
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) RegistryPath() string {
	return filepath.Join(s.root, "projects.yaml")
}

func (s *FileStore) ProjectDir(projectID string) string {
	return filepath.Join(s.root, "projects", projectID)
}

func (s *FileStore) InboxDir(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "inbox")
}

func (s *FileStore) MetaDir(projectID string) string {
	return filepath.Join(s.ProjectDir(projectID), "meta")
}

// ReadProjects returns the registry in file order. A missing registry means
// no projects.
func (s *FileStore) ReadProjects(ctx context.Context) ([]Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := s.RegistryPath()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return []Project{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "read registry", Path: path, Err: err}
	}
	var doc registryDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &StorageError{Op: "parse registry", Path: path, Err: err}
	}
	seen := map[string]bool{}
	out := make([]Project, 0, len(doc.Projects))
	for i, project := range doc.Projects {
		project.ID = strings.TrimSpace(project.ID)
		if err := ValidateProjectID(project.ID); err != nil {
			return nil, &StorageError{Op: "parse registry", Path: path, Err: fmt.Errorf("project %d: %w", i, err)}
		}
		if seen[project.ID] {
			return nil, &StorageError{Op: "parse registry", Path: path, Err: fmt.Errorf("duplicate project id %q", project.ID)}
		}
		seen[project.ID] = true
		if project.Name == "" {
			project.Name = project.ID
		}
		out = append(out, project)
	}
	return out, nil
}

// WriteProjects replaces the registry.
func (s *FileStore) WriteProjects(ctx context.Context, projects []Project) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, project := range projects {
		if err := ValidateProjectID(project.ID); err != nil {
			return err
		}
	}
	data, err := yaml.Marshal(registryDocument{Projects: projects})
	if err != nil {
		return err
	}
	path := s.RegistryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "write registry", Path: path, Err: err}
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return &StorageError{Op: "write registry", Path: path, Err: err}
	}
	return nil
}

func ValidateProjectID(id string) error {
	switch {
	case id == "", id == ".", id == "..":
		return fmt.Errorf("invalid project id %q", id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("project id %q must not contain path separators", id)
	}
	return nil
}

// ReadInboxItems reads every entry in the project's inbox. Entries that
// cannot be read or parsed are reported as warnings. A missing inbox
// directory is empty; any other directory failure is a StorageError.
func (s *FileStore) ReadInboxItems(ctx context.Context, projectID string) ([]Item, []Warning, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, nil, err
	}
	dir := s.InboxDir(projectID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return []Item{}, nil, nil
	}
	if err != nil {
		return nil, nil, &StorageError{Op: "read inbox", Path: dir, Err: err}
	}
	items := make([]Item, 0, len(entries))
	var warnings []Warning
	seen := map[string]string{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !supportedExt(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		item, err := s.readItemFile(projectID, path)
		if err != nil {
			warnings = append(warnings, Warning{ProjectID: projectID, Path: path, Message: err.Error()})
			continue
		}
		if other, dup := seen[item.ID]; dup {
			warnings = append(warnings, Warning{ProjectID: projectID, Path: path, Message: fmt.Sprintf("duplicate item id %q (also %s)", item.ID, other)})
			continue
		}
		seen[item.ID] = path
		items = append(items, item)
	}
	return items, warnings, nil
}

// ReadItem finds one item by id.
func (s *FileStore) ReadItem(ctx context.Context, projectID, itemID string) (Item, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return Item{}, err
	}
	for _, ext := range []string{".json", ".md", ".txt"} {
		path := filepath.Join(s.InboxDir(projectID), itemID+ext)
		if filepath.Dir(path) != s.InboxDir(projectID) {
			break
		}
		item, err := s.readItemFile(projectID, path)
		if err == nil && item.ID == itemID {
			return item, nil
		}
	}
	items, _, err := s.ReadInboxItems(ctx, projectID)
	if err != nil {
		return Item{}, err
	}
	for _, item := range items {
		if item.ID == itemID {
			return item, nil
		}
	}
	return Item{}, fmt.Errorf("%w: item %q in project %q", ErrNotFound, itemID, projectID)
}

func (s *FileStore) readItemFile(projectID, path string) (Item, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Item{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Item{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	item := Item{ID: stem, ProjectID: projectID, SourcePath: path}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		parsed, err := decodeJSONItem(data)
		if err != nil {
			return Item{}, err
		}
		if parsed.ID != "" {
			item.ID = parsed.ID
		}
		item.RawContent = parsed.Content
		if item.CreatedAt, err = time.Parse(time.RFC3339Nano, parsed.CreatedAt); err != nil {
			return Item{}, fmt.Errorf("%w: createdAt: %v", ErrInvalidItem, err)
		}
		item.CreatedAt = item.CreatedAt.UTC()
		return item, nil
	}
	item.RawContent = string(data)
	item.CreatedAt = info.ModTime().UTC()
	return item, nil
}

func decodeJSONItem(data []byte) (jsonItem, error) {
	schema, err := itemSchema()
	if err != nil {
		return jsonItem{}, err
	}
	instance, err := unmarshalInstance(data)
	if err != nil {
		return jsonItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if err := schema.Validate(instance); err != nil {
		return jsonItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	var parsed jsonItem
	if err := json.Unmarshal(data, &parsed); err != nil {
		return jsonItem{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	return parsed, nil
}

func supportedExt(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".md", ".txt":
		return true
	}
	return false
}

func (s *FileStore) metaPath(projectID, itemID string) string {
	return filepath.Join(s.MetaDir(projectID), url.PathEscape(itemID)+".json")
}

// ReadItemMeta returns the stored meta for an item; ok is false when none
// has been written yet.
func (s *FileStore) ReadItemMeta(ctx context.Context, projectID, itemID string) (ItemMeta, bool, error) {
	if err := ctx.Err(); err != nil {
		return ItemMeta{}, false, err
	}
	if err := ValidateProjectID(projectID); err != nil {
		return ItemMeta{}, false, err
	}
	path := s.metaPath(projectID, itemID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ItemMeta{}, false, nil
	}
	if err != nil {
		return ItemMeta{}, false, &StorageError{Op: "read meta", Path: path, Err: err}
	}
	var meta ItemMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ItemMeta{}, false, &StorageError{Op: "parse meta", Path: path, Err: err}
	}
	return meta, true, nil
}

func (s *FileStore) WriteItemMeta(ctx context.Context, projectID, itemID string, meta ItemMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateProjectID(projectID); err != nil {
		return err
	}
	if strings.TrimSpace(itemID) == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidItem)
	}
	path := s.metaPath(projectID, itemID)
	mu := s.metaLock(path)
	mu.Lock()
	defer mu.Unlock()

	sort.Strings(meta.Tags)
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &StorageError{Op: "write meta", Path: path, Err: err}
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return &StorageError{Op: "write meta", Path: path, Err: err}
	}
	return nil
}

func (s *FileStore) metaLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.metaLocks[path]
	if !ok {
		mu = &sync.Mutex{}
		s.metaLocks[path] = mu
	}
	return mu
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
