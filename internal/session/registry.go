package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/logging"
	"github.com/vsavkov/maestro/internal/memory"
	"github.com/vsavkov/maestro/internal/model"
	"github.com/vsavkov/maestro/internal/workflow"
)

// RegistryConfig wires the registry's collaborators.
type RegistryConfig struct {
	// DataDir is the root for per-session storage directories.
	DataDir string
	// Workflows resolves workflow ids at session creation.
	Workflows workflow.Store
	// Nodes resolves node types at graph compile time.
	Nodes *graph.Registry
	// Persistence records session metadata. Required.
	Persistence PersistenceStore
	// Freshness thresholds applied to every session.
	Freshness FreshnessConfig
	// DefaultCommand is the assistant executable when a request names
	// none. Defaults to "claude".
	DefaultCommand string
	Logger         zerolog.Logger
}

func (c *RegistryConfig) applyDefaults() {
	if strings.TrimSpace(c.DefaultCommand) == "" {
		c.DefaultCommand = "claude"
	}
	c.Freshness.applyDefaults()
}

// Registry owns the live sessions. All map access is under one mutex;
// the mutex is never held across model calls or Session methods.
type Registry struct {
	cfg RegistryConfig
	log zerolog.Logger

	mu   sync.Mutex
	live map[string]*Session
	// creating reserves ids between the duplicate check and the insert,
	// so concurrent Creates with the same pinned id cannot both succeed.
	creating map[string]bool
}

// NewRegistry validates cfg and returns an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("session registry: data dir is required")
	}
	if cfg.Persistence == nil {
		return nil, fmt.Errorf("session registry: persistence store is required")
	}
	if cfg.Nodes == nil {
		return nil, fmt.Errorf("session registry: node registry is required")
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		live:     map[string]*Session{},
		creating: map[string]bool{},
	}, nil
}

// Create builds a session, registers its metadata, and adds it to the
// live map. The caller may pin the session id (restore path); otherwise
// one is allocated.
func (r *Registry) Create(req CreateRequest) (*Session, error) {
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	req.SessionID = id

	r.mu.Lock()
	if _, exists := r.live[id]; exists || r.creating[id] {
		r.mu.Unlock()
		return nil, fmt.Errorf("session %q already exists", id)
	}
	r.creating[id] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.creating, id)
		r.mu.Unlock()
	}()

	sess, err := r.build(req)
	if err != nil {
		return nil, err
	}

	if err := r.cfg.Persistence.Register(sess.Info(), req); err != nil {
		sess.Stop()
		return nil, fmt.Errorf("register session %q: %w", id, err)
	}

	r.mu.Lock()
	r.live[id] = sess
	r.mu.Unlock()

	r.log.Info().Str("session_id", id).Str("name", req.SessionName).
		Bool("autonomous", req.Autonomous).Str("role", string(sess.rec.Role)).
		Msg("session created")
	return sess, nil
}

// build constructs the session object: storage, logger, model adapter,
// memory, compiled graph. No registry mutex held here.
func (r *Registry) build(req CreateRequest) (*Session, error) {
	storage := strings.TrimSpace(req.StoragePath)
	if storage == "" {
		storage = filepath.Join(r.cfg.DataDir, "sessions", req.SessionID)
	}
	if err := os.MkdirAll(storage, 0o755); err != nil {
		return nil, fmt.Errorf("session storage: %w", err)
	}

	log, closer, err := logging.ForSession(r.log, req.SessionID, storage)
	if err != nil {
		return nil, fmt.Errorf("session logger: %w", err)
	}

	command := req.Command
	if command == "" {
		command = r.cfg.DefaultCommand
	}
	adapter, err := model.NewCLIModel(model.CLIConfig{
		Command:      command,
		WorkingDir:   storage,
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
		Timeout:      req.Timeout,
		MaxTurns:     req.MaxTurns,
	})
	if err != nil {
		closer.Close()
		return nil, err
	}

	mem, err := memory.NewFileManager(storage)
	if err != nil {
		closer.Close()
		return nil, err
	}

	role := req.Role
	if role == "" {
		role = RoleManager
	}
	rec := Record{
		SessionID:         req.SessionID,
		SessionName:       req.SessionName,
		CreatedAt:         time.Now(),
		LastActivity:      time.Now(),
		Status:            StatusStarting,
		ModelName:         req.ModelName,
		MaxTurns:          req.MaxTurns,
		Timeout:           req.Timeout,
		Autonomous:        req.Autonomous,
		MaxIterations:     req.MaxIterations,
		Role:              role,
		ManagerID:         req.ManagerID,
		WorkflowID:        req.WorkflowID,
		StoragePath:       storage,
		ProcessIdentifier: command,
	}

	sess := &Session{
		rec:    rec,
		model:  adapter,
		mem:    mem,
		log:    log,
		closer: closer,
		fresh:  r.cfg.Freshness,
	}

	if wf, machine, err := r.compileWorkflow(req); err != nil {
		sess.Stop()
		return nil, err
	} else if machine != nil {
		sess.wf = wf
		sess.machine = machine
		sess.rec.WorkflowID = wf.ID
	}

	sess.rec.Status = StatusRunning
	return sess, nil
}

// compileWorkflow resolves and compiles the session's graph. An explicit
// workflow id must resolve; without one the built-in template matching
// the autonomy flag is used.
func (r *Registry) compileWorkflow(req CreateRequest) (*workflow.Workflow, *graph.Machine, error) {
	id := strings.TrimSpace(req.WorkflowID)
	if id == "" {
		if req.Autonomous {
			id = "template-autonomous"
		} else {
			id = "template-simple"
		}
	}
	if r.cfg.Workflows == nil {
		return nil, nil, fmt.Errorf("no workflow store configured")
	}
	wf, err := r.cfg.Workflows.Load(id)
	if err != nil {
		return nil, nil, fmt.Errorf("load workflow %q: %w", id, err)
	}
	machine, err := graph.Compile(wf, r.cfg.Nodes)
	if err != nil {
		return nil, nil, err
	}
	return wf, machine, nil
}

// Get returns a live session.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.live[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	return sess, nil
}

// List snapshots every live session's record, ordered by creation time.
func (r *Registry) List() []Record {
	sessions := r.snapshot()
	out := make([]Record, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sortRecords(out)
	return out
}

// ListManagers returns the live manager sessions.
func (r *Registry) ListManagers() []Record {
	var out []Record
	for _, s := range r.snapshot() {
		if rec := s.Info(); rec.Role == RoleManager {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

// WorkersOf returns the live workers naming managerID. The reference is
// weak: a worker may outlive its manager.
func (r *Registry) WorkersOf(managerID string) []Record {
	var out []Record
	for _, s := range r.snapshot() {
		if rec := s.Info(); rec.Role == RoleWorker && rec.ManagerID == managerID {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		out = append(out, s)
	}
	return out
}

func sortRecords(recs []Record) {
	for i := 1; i < len(recs); i++ {
		for j := i; j > 0 && recs[j].CreatedAt.Before(recs[j-1].CreatedAt); j-- {
			recs[j], recs[j-1] = recs[j-1], recs[j]
		}
	}
}

// Delete soft-deletes: stop the session, drop it from the live map, and
// mark the metadata deleted. The storage directory is preserved unless
// cleanupStorage is set.
func (r *Registry) Delete(id string, cleanupStorage bool) error {
	r.mu.Lock()
	sess, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %q: %w", id, ErrNotFound)
	}

	storage := sess.Info().StoragePath
	sess.Stop()
	if err := r.cfg.Persistence.SoftDelete(id); err != nil {
		return err
	}
	if cleanupStorage {
		if err := os.RemoveAll(storage); err != nil {
			r.log.Warn().Str("session_id", id).Err(err).Msg("storage cleanup failed")
		}
	}
	r.log.Info().Str("session_id", id).Bool("storage_removed", cleanupStorage).Msg("session deleted")
	return nil
}

// PermanentDelete stops the session if live, removes its storage, and
// erases the metadata.
func (r *Registry) PermanentDelete(id string) error {
	r.mu.Lock()
	sess, live := r.live[id]
	if live {
		delete(r.live, id)
	}
	r.mu.Unlock()
	if live {
		sess.Stop()
	}

	stored, err := r.cfg.Persistence.Get(id)
	if err != nil {
		return err
	}
	if stored.Record.StoragePath != "" {
		if err := os.RemoveAll(stored.Record.StoragePath); err != nil {
			r.log.Warn().Str("session_id", id).Err(err).Msg("storage removal failed")
		}
	}
	if err := r.cfg.Persistence.PermanentDelete(id); err != nil {
		return err
	}
	r.log.Info().Str("session_id", id).Msg("session permanently deleted")
	return nil
}

// Restore re-creates a soft-deleted session with its original id so the
// preserved storage directory is reused.
func (r *Registry) Restore(id string) (*Session, error) {
	params, err := r.cfg.Persistence.GetCreationParams(id)
	if err != nil {
		return nil, err
	}
	params.SessionID = id
	if err := r.cfg.Persistence.Restore(id); err != nil {
		return nil, err
	}
	sess, err := r.Create(params)
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("session_id", id).Msg("session restored")
	return sess, nil
}

// Upgrade converts a raw-model session into a graph-wrapped one in
// place. Fails with ErrBusy while a run is in flight.
func (r *Registry) Upgrade(id, workflowID string, maxIterations int) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	if !sess.runMu.TryLock() {
		return fmt.Errorf("%w: cannot upgrade during a run", ErrBusy)
	}
	defer sess.runMu.Unlock()

	wf, machine, err := r.compileWorkflow(CreateRequest{
		WorkflowID: workflowID,
		Autonomous: true,
	})
	if err != nil {
		return err
	}

	sess.mu.Lock()
	sess.wf = wf
	sess.machine = machine
	sess.rec.WorkflowID = wf.ID
	sess.rec.Autonomous = true
	if maxIterations > 0 {
		sess.rec.MaxIterations = maxIterations
	}
	rec := sess.rec
	sess.mu.Unlock()

	if err := r.cfg.Persistence.Update(rec); err != nil {
		r.log.Warn().Str("session_id", id).Err(err).Msg("persist upgrade failed")
	}
	r.log.Info().Str("session_id", id).Str("workflow_id", wf.ID).Msg("session upgraded")
	return nil
}

// CleanupDead sweeps sessions that are no longer alive out of the live
// map, soft-deleting each. Returns how many were removed.
func (r *Registry) CleanupDead() int {
	var dead []string
	for _, s := range r.snapshot() {
		if !s.IsAlive() {
			dead = append(dead, s.ID())
		}
	}
	for _, id := range dead {
		if err := r.Delete(id, false); err != nil {
			r.log.Warn().Str("session_id", id).Err(err).Msg("dead session cleanup failed")
		}
	}
	if len(dead) > 0 {
		r.log.Info().Int("count", len(dead)).Msg("dead sessions cleaned up")
	}
	return len(dead)
}

// StopAll stops every live session. Used at process shutdown.
func (r *Registry) StopAll() {
	for _, s := range r.snapshot() {
		s.Stop()
	}
}
