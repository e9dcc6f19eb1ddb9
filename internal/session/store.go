package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Status of a session.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Role in the manager/worker topology.
type Role string

const (
	RoleManager Role = "manager"
	RoleWorker  Role = "worker"
)

// Record is the session metadata snapshot exposed to external APIs and
// persisted by the store.
type Record struct {
	SessionID         string        `json:"session_id" yaml:"session_id"`
	SessionName       string        `json:"session_name" yaml:"session_name"`
	CreatedAt         time.Time     `json:"created_at" yaml:"created_at"`
	LastActivity      time.Time     `json:"last_activity" yaml:"last_activity"`
	Status            Status        `json:"status" yaml:"status"`
	ErrorMessage      string        `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	ModelName         string        `json:"model_name" yaml:"model_name"`
	MaxTurns          int           `json:"max_turns" yaml:"max_turns"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	Autonomous        bool          `json:"autonomous" yaml:"autonomous"`
	MaxIterations     int           `json:"max_iterations" yaml:"max_iterations"`
	Role              Role          `json:"role" yaml:"role"`
	ManagerID         string        `json:"manager_id,omitempty" yaml:"manager_id,omitempty"`
	WorkflowID        string        `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	StoragePath       string        `json:"storage_path" yaml:"storage_path"`
	ProcessIdentifier string        `json:"process_identifier,omitempty" yaml:"process_identifier,omitempty"`
}

// StoredSession is one persistence entry: the last known record, the
// deletion flag, and the creation parameters needed to restore.
type StoredSession struct {
	Record    Record        `yaml:"record"`
	IsDeleted bool          `yaml:"is_deleted"`
	Params    CreateRequest `yaml:"params"`
}

// PersistenceStore is the durability collaborator for session metadata.
// Invoked only from registry operations; must be at-least-once durable.
type PersistenceStore interface {
	Register(rec Record, params CreateRequest) error
	Update(rec Record) error
	Get(id string) (StoredSession, error)
	ListActive() ([]StoredSession, error)
	ListDeleted() ([]StoredSession, error)
	ListAll() ([]StoredSession, error)
	SoftDelete(id string) error
	Restore(id string) error
	PermanentDelete(id string) error
	GetCreationParams(id string) (CreateRequest, error)
}

// FileStore keeps all session records in one YAML document. Writes are
// atomic (temp file + rename) and serialized by a mutex.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore loads (or initializes) the store at dir/sessions.yaml.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	return &FileStore{path: filepath.Join(dir, "sessions.yaml")}, nil
}

func (s *FileStore) load() (map[string]StoredSession, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]StoredSession{}, nil
		}
		return nil, fmt.Errorf("session store: read: %w", err)
	}
	out := map[string]StoredSession{}
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("session store: decode: %w", err)
	}
	return out, nil
}

func (s *FileStore) save(m map[string]StoredSession) error {
	b, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("session store: encode: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("session store: write: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileStore) Register(rec Record, params CreateRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	m[rec.SessionID] = StoredSession{Record: rec, Params: params}
	return s.save(m)
}

// Update refreshes the stored record of a known session, preserving the
// deletion flag and creation parameters.
func (s *FileStore) Update(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	entry, ok := m[rec.SessionID]
	if !ok {
		return fmt.Errorf("session %q: %w", rec.SessionID, ErrNotFound)
	}
	entry.Record = rec
	m[rec.SessionID] = entry
	return s.save(m)
}

func (s *FileStore) Get(id string) (StoredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return StoredSession{}, err
	}
	entry, ok := m[id]
	if !ok {
		return StoredSession{}, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return entry, nil
}

func (s *FileStore) ListActive() ([]StoredSession, error) {
	return s.list(func(e StoredSession) bool { return !e.IsDeleted })
}

func (s *FileStore) ListDeleted() ([]StoredSession, error) {
	return s.list(func(e StoredSession) bool { return e.IsDeleted })
}

func (s *FileStore) ListAll() ([]StoredSession, error) {
	return s.list(func(StoredSession) bool { return true })
}

func (s *FileStore) list(keep func(StoredSession) bool) ([]StoredSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []StoredSession
	for _, e := range m {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Record.CreatedAt.Before(out[j].Record.CreatedAt)
	})
	return out, nil
}

func (s *FileStore) SoftDelete(id string) error {
	return s.setDeleted(id, true)
}

func (s *FileStore) Restore(id string) error {
	return s.setDeleted(id, false)
}

func (s *FileStore) setDeleted(id string, deleted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	entry, ok := m[id]
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	entry.IsDeleted = deleted
	if deleted {
		entry.Record.Status = StatusStopped
	}
	m[id] = entry
	return s.save(m)
}

func (s *FileStore) PermanentDelete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	delete(m, id)
	return s.save(m)
}

func (s *FileStore) GetCreationParams(id string) (CreateRequest, error) {
	entry, err := s.Get(id)
	if err != nil {
		return CreateRequest{}, err
	}
	return entry.Params, nil
}
