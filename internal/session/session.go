package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/memory"
	"github.com/vsavkov/maestro/internal/model"
	"github.com/vsavkov/maestro/internal/workflow"
)

// CreateRequest carries everything needed to build a session. Persisted
// verbatim so a soft-deleted session can be restored later.
type CreateRequest struct {
	SessionID     string        `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	SessionName   string        `json:"session_name" yaml:"session_name"`
	Command       string        `json:"command,omitempty" yaml:"command,omitempty"`
	ModelName     string        `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	SystemPrompt  string        `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTurns      int           `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Autonomous    bool          `json:"autonomous,omitempty" yaml:"autonomous,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Role          Role          `json:"role,omitempty" yaml:"role,omitempty"`
	ManagerID     string        `json:"manager_id,omitempty" yaml:"manager_id,omitempty"`
	WorkflowID    string        `json:"workflow_id,omitempty" yaml:"workflow_id,omitempty"`
	StoragePath   string        `json:"storage_path,omitempty" yaml:"storage_path,omitempty"`
}

// StreamEvent is one element of a streamed run: the node that completed
// and the state delta it produced. Err is set on the final element when
// the run failed at the Go level (cancellation, runaway).
type StreamEvent struct {
	NodeID string      `json:"node_id"`
	Delta  graph.Delta `json:"delta"`
	Err    error       `json:"-"`
}

// ExecResult is the legacy single-shot passthrough result.
type ExecResult struct {
	Output     string  `json:"output"`
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ToolCalls  []any   `json:"tool_calls,omitempty"`
}

// Session owns one agent identity: its model adapter, compiled graph,
// memory manager, and execution state. The registry is the only creator;
// callers obtain sessions through it.
type Session struct {
	mu  sync.Mutex // guards record and machine swaps
	rec Record

	model   model.Model
	machine *graph.Machine
	wf      *workflow.Workflow
	mem     memory.Manager
	log     zerolog.Logger
	closer  io.Closer
	fresh   FreshnessConfig

	// runMu serializes graph runs; TryLock failure means Busy.
	runMu      sync.Mutex
	runCancel  context.CancelCauseFunc
	runDone    chan struct{}
	stopped    bool
	totalIters int

	lastRunID string
	lastState graph.State
}

// Info returns a point-in-time metadata snapshot.
func (s *Session) Info() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

// ID returns the session id.
func (s *Session) ID() string { return s.rec.SessionID }

// IsAlive reports whether the session can still accept work.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && (s.rec.Status == StatusStarting || s.rec.Status == StatusRunning)
}

// checkFresh runs the freshness evaluator. On a trigger the session is
// marked errored and the caller gets ErrStale.
func (s *Session) checkFresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgCount := 0
	if s.lastState != nil {
		msgCount = len(s.lastState.Messages())
	}
	reset, reason := s.fresh.Evaluate(s.rec.CreatedAt, s.rec.LastActivity, s.totalIters, msgCount)
	if !reset {
		return nil
	}
	s.rec.Status = StatusError
	s.rec.ErrorMessage = "stale: " + reason
	s.log.Warn().Str("reason", reason).Msg("session stale")
	return fmt.Errorf("%w: %s", ErrStale, reason)
}

// beginRun acquires the single-run slot and the cancellable run context.
func (s *Session) beginRun(ctx context.Context) (context.Context, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, ErrStopped
	}
	if err := s.checkFresh(); err != nil {
		return nil, err
	}
	if !s.runMu.TryLock() {
		return nil, fmt.Errorf("%w: a run is already in flight", ErrBusy)
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.runCancel = cancel
	s.runDone = make(chan struct{})
	s.mu.Unlock()
	return runCtx, nil
}

func (s *Session) endRun(st graph.State, runID string, steps int) {
	s.mu.Lock()
	s.lastState = st
	s.lastRunID = runID
	s.totalIters += steps
	s.rec.LastActivity = time.Now()
	s.runCancel = nil
	close(s.runDone)
	s.mu.Unlock()
	s.runMu.Unlock()
}

// Invoke runs the graph to completion and returns the final textual
// answer. Blocks the caller; re-entry while a run is in flight fails
// with ErrBusy.
func (s *Session) Invoke(ctx context.Context, input string, maxIterations int) (string, error) {
	runCtx, err := s.beginRun(ctx)
	if err != nil {
		return "", err
	}
	runID := graph.NewRunID()
	st, runErr := s.runGraph(runCtx, input, maxIterations, runID, nil)
	s.endRun(st, runID, st.Int(graph.KeyIteration))
	if runErr != nil {
		return "", runErr
	}
	return finalText(st), nil
}

// Stream runs the graph, yielding one event per node completion. The
// channel closes when the run ends; a Go-level failure arrives as the
// final event's Err.
func (s *Session) Stream(ctx context.Context, input string, maxIterations int) (<-chan StreamEvent, error) {
	runCtx, err := s.beginRun(ctx)
	if err != nil {
		return nil, err
	}
	runID := graph.NewRunID()
	ch := make(chan StreamEvent, 16)
	go func() {
		defer close(ch)
		st, runErr := s.runGraph(runCtx, input, maxIterations, runID, func(nodeID string, delta graph.Delta) {
			select {
			case ch <- StreamEvent{NodeID: nodeID, Delta: delta}:
			case <-runCtx.Done():
			}
		})
		s.endRun(st, runID, st.Int(graph.KeyIteration))
		if runErr != nil {
			ch <- StreamEvent{Err: runErr}
		}
	}()
	return ch, nil
}

func (s *Session) runGraph(ctx context.Context, input string, maxIterations int, runID string, onEvent func(string, graph.Delta)) (graph.State, error) {
	s.mu.Lock()
	machine := s.machine
	if maxIterations <= 0 {
		maxIterations = s.rec.MaxIterations
	}
	storage := s.rec.StoragePath
	s.mu.Unlock()

	st := graph.NewInitialState(input, maxIterations)
	if machine == nil {
		graph.Merge(st, graph.Delta{
			graph.KeyError:      "session has no workflow attached",
			graph.KeyIsComplete: true,
		})
		return st, nil
	}

	ckpt, err := graph.NewCheckpointer(storage, runID)
	if err != nil {
		s.log.Warn().Err(err).Msg("checkpointing disabled for run")
		ckpt = nil
	}
	ec := &graph.ExecContext{
		SessionID: s.rec.SessionID,
		Model:     s.model,
		Memory:    s.mem,
		Logger:    s.log,
		Retry:     model.DefaultRetryPolicy(),
	}
	return machine.Run(ctx, st, ec, graph.RunOptions{
		RunID:      runID,
		OnEvent:    onEvent,
		Checkpoint: ckpt,
	})
}

// finalText extracts the caller-facing answer from a finished state.
func finalText(st graph.State) string {
	if msg := st.Str(graph.KeyError); msg != "" {
		return "Error: " + msg
	}
	if ans := strings.TrimSpace(st.Str(graph.KeyFinalAnswer)); ans != "" {
		return ans
	}
	return st.Str(graph.KeyLastOutput)
}

// Execute is the legacy single-shot passthrough to the model adapter,
// bypassing the graph.
func (s *Session) Execute(ctx context.Context, prompt string, timeout time.Duration) (ExecResult, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ExecResult{}, ErrStopped
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	started := time.Now()
	resp, err := model.InvokeWithRetry(ctx, s.model,
		[]model.Message{{Role: model.RoleUser, Content: prompt}}, model.DefaultRetryPolicy())
	if err != nil {
		return ExecResult{}, err
	}
	s.mu.Lock()
	s.rec.LastActivity = time.Now()
	s.mu.Unlock()

	res := ExecResult{
		Output:     resp.Text(),
		DurationMS: time.Since(started).Milliseconds(),
	}
	if cost, ok := resp.Meta["cost_usd"].(float64); ok {
		res.CostUSD = cost
	}
	if calls, ok := resp.Meta["tool_calls"].([]any); ok {
		res.ToolCalls = calls
	}
	return res, nil
}

// stopWait bounds how long Stop blocks for an in-flight run.
const stopWait = 10 * time.Second

// Stop cancels any in-flight run, flushes memory, and marks the session
// stopped. Idempotent; the second call is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel := s.runCancel
	done := s.runDone
	s.mu.Unlock()

	// Delete wins: cancel the run and give it a bounded window to observe
	// the cancellation at its next between-node check.
	if cancel != nil {
		cancel(ErrStopped)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(stopWait):
			s.log.Warn().Msg("in-flight run did not stop in time")
		}
	}

	if s.mem != nil {
		if err := s.mem.Flush(); err != nil {
			s.log.Warn().Err(err).Msg("memory flush failed")
		}
	}
	s.mu.Lock()
	s.rec.Status = StatusStopped
	s.mu.Unlock()
	s.log.Info().Msg("session stopped")
	if s.closer != nil {
		s.closer.Close()
	}
	return nil
}

// GetState returns the latest checkpointed state of a run; an empty run
// id means the most recent run. Falls back to the in-memory final state
// when no checkpoint survived.
func (s *Session) GetState(runID string) (map[string]any, error) {
	s.mu.Lock()
	storage := s.rec.StoragePath
	last := s.lastRunID
	lastState := s.lastState
	s.mu.Unlock()

	if runID == "" {
		runID = last
	}
	if runID != "" {
		if snap, err := graph.LatestCheckpoint(storage, runID); err == nil && snap != nil {
			return snap, nil
		}
	}
	if lastState == nil {
		return nil, fmt.Errorf("no run state: %w", ErrNotFound)
	}
	return map[string]any(lastState.Clone()), nil
}

// GetHistory returns the conversation of a run.
func (s *Session) GetHistory(runID string) ([]model.Message, error) {
	st, err := s.GetState(runID)
	if err != nil {
		return nil, err
	}
	switch msgs := st[graph.KeyMessages].(type) {
	case []model.Message:
		return msgs, nil
	case []any:
		out := make([]model.Message, 0, len(msgs))
		for _, e := range msgs {
			if m, ok := e.(map[string]any); ok {
				gm := graph.State(m)
				out = append(out, model.Message{
					Role:    model.Role(gm.Str("role")),
					Content: gm.Str("content"),
				})
			}
		}
		return out, nil
	default:
		return nil, nil
	}
}

// Visualize renders the attached workflow as a Mermaid flowchart.
func (s *Session) Visualize() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wf == nil {
		return "", fmt.Errorf("no workflow attached: %w", ErrNotFound)
	}
	return workflow.Mermaid(s.wf), nil
}

// Runs lists the run ids with persisted checkpoints, oldest first.
func (s *Session) Runs() ([]string, error) {
	s.mu.Lock()
	storage := s.rec.StoragePath
	s.mu.Unlock()
	return graph.ListRuns(storage)
}
