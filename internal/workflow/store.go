package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store errors. The HTTP collaborator maps these to 404 / 403.
var (
	ErrNotFound         = errors.New("workflow not found")
	ErrTemplateReadOnly = errors.New("template workflows are read-only")
)

// Store is the persistence collaborator for workflow definitions.
type Store interface {
	Save(w *Workflow) error
	Load(id string) (*Workflow, error)
	ListAll() ([]*Workflow, error)
	ListTemplates() ([]*Workflow, error)
	Delete(id string) error
}

// validWorkflowID keeps ids filesystem-safe.
var validWorkflowID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// FileStore keeps one YAML document per workflow id under a directory.
// Template writes are rejected unless performed through InstallTemplate.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("workflow store: dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("workflow store: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".yaml")
}

// Save writes a user workflow. Overwriting a template, or saving a
// definition flagged as template, fails with ErrTemplateReadOnly.
func (s *FileStore) Save(w *Workflow) error {
	if err := checkID(w.ID); err != nil {
		return err
	}
	if w.IsTemplate {
		return ErrTemplateReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, err := s.read(w.ID); err == nil && existing.IsTemplate {
		return ErrTemplateReadOnly
	}
	return s.write(w)
}

// InstallTemplate writes a built-in template, overwriting any previous
// version. Only startup seeding calls this.
func (s *FileStore) InstallTemplate(w *Workflow) error {
	if err := checkID(w.ID); err != nil {
		return err
	}
	if !w.IsTemplate {
		return fmt.Errorf("workflow store: %q is not a template", w.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(w)
}

func (s *FileStore) write(w *Workflow) error {
	b, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("workflow store: encode %q: %w", w.ID, err)
	}
	tmp := s.path(w.ID) + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("workflow store: write %q: %w", w.ID, err)
	}
	return os.Rename(tmp, s.path(w.ID))
}

func (s *FileStore) Load(id string) (*Workflow, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *FileStore) read(id string) (*Workflow, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workflow %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("workflow store: read %q: %w", id, err)
	}
	var w Workflow
	if err := yaml.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("workflow store: decode %q: %w", id, err)
	}
	return &w, nil
}

func (s *FileStore) ListAll() ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("workflow store: list: %w", err)
	}
	var out []*Workflow
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		w, err := s.read(strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) ListTemplates() ([]*Workflow, error) {
	all, err := s.ListAll()
	if err != nil {
		return nil, err
	}
	var out []*Workflow
	for _, w := range all {
		if w.IsTemplate {
			out = append(out, w)
		}
	}
	return out, nil
}

// Delete removes a user workflow. Templates fail with ErrTemplateReadOnly.
func (s *FileStore) Delete(id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, err := s.read(id)
	if err != nil {
		return err
	}
	if w.IsTemplate {
		return ErrTemplateReadOnly
	}
	return os.Remove(s.path(id))
}

func checkID(id string) error {
	if !validWorkflowID.MatchString(strings.TrimSpace(id)) {
		return fmt.Errorf("workflow id %q must be alphanumeric with dashes/underscores, 1-128 chars", id)
	}
	return nil
}
