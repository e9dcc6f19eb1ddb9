package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vsavkov/maestro/internal/graph"
	"github.com/vsavkov/maestro/internal/session"
	"github.com/vsavkov/maestro/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.sessions.List()),
	})
}

// createSessionRequest is the wire form of session creation.
type createSessionRequest struct {
	SessionID     string  `json:"session_id,omitempty"`
	SessionName   string  `json:"session_name"`
	Command       string  `json:"command,omitempty"`
	ModelName     string  `json:"model_name,omitempty"`
	SystemPrompt  string  `json:"system_prompt,omitempty"`
	MaxTurns      int     `json:"max_turns,omitempty"`
	TimeoutSec    float64 `json:"timeout_seconds,omitempty"`
	Autonomous    bool    `json:"autonomous,omitempty"`
	MaxIterations int     `json:"max_iterations,omitempty"`
	Role          string  `json:"role,omitempty"`
	ManagerID     string  `json:"manager_id,omitempty"`
	WorkflowID    string  `json:"workflow_id,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SessionName == "" {
		writeError(w, http.StatusBadRequest, "session_name is required")
		return
	}
	sess, err := s.sessions.Create(session.CreateRequest{
		SessionID:     req.SessionID,
		SessionName:   req.SessionName,
		Command:       req.Command,
		ModelName:     req.ModelName,
		SystemPrompt:  req.SystemPrompt,
		MaxTurns:      req.MaxTurns,
		Timeout:       time.Duration(req.TimeoutSec * float64(time.Second)),
		Autonomous:    req.Autonomous,
		MaxIterations: req.MaxIterations,
		Role:          session.Role(req.Role),
		ManagerID:     req.ManagerID,
		WorkflowID:    req.WorkflowID,
	})
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleListManagers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.ListManagers()})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.WorkersOf(r.PathValue("id"))})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

type invokeRequest struct {
	Input         string `json:"input"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	var req invokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Input == "" {
		writeError(w, http.StatusBadRequest, "input is required")
		return
	}
	// Connection close is the caller's cancellation signal; the request
	// context propagates it into the run.
	answer, err := sess.Invoke(r.Context(), req.Input, req.MaxIterations)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"answer": answer})
}

// handleStream runs the graph and streams one SSE event per completed
// node. Events are fanned out through a broadcaster so the payload shape
// matches what replayed clients would see.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	input := r.URL.Query().Get("input")
	if input == "" {
		writeError(w, http.StatusBadRequest, "input query parameter is required")
		return
	}

	events, err := sess.Stream(r.Context(), input, 0)
	if err != nil {
		writeCoreError(w, err)
		return
	}

	b := NewBroadcaster()
	go func() {
		defer b.Close()
		for ev := range events {
			if ev.Err != nil {
				b.Send(map[string]any{"event": "error", "error": ev.Err.Error()})
				continue
			}
			b.Send(map[string]any{
				"event":   "node_complete",
				"node_id": ev.NodeID,
				"delta":   ev.Delta,
			})
		}
	}()
	WriteSSE(w, r, b)
}

type executeRequest struct {
	Prompt     string  `json:"prompt"`
	TimeoutSec float64 `json:"timeout_seconds,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	res, err := sess.Execute(r.Context(), req.Prompt, time.Duration(req.TimeoutSec*float64(time.Second)))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	sess.Stop()
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	cleanup := r.URL.Query().Get("cleanup_storage") == "true"
	if err := s.sessions.Delete(r.PathValue("id"), cleanup); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.PermanentDelete(r.PathValue("id")); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "permanent": true})
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Restore(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

type upgradeRequest struct {
	WorkflowID    string `json:"workflow_id,omitempty"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

func (s *Server) handleUpgradeSession(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	id := r.PathValue("id")
	if err := s.sessions.Upgrade(id, req.WorkflowID, req.MaxIterations); err != nil {
		writeCoreError(w, err)
		return
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleCleanupDead(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"removed": s.sessions.CleanupDead()})
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	st, err := sess.GetState(r.URL.Query().Get("run_id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": st})
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	msgs, err := sess.GetHistory(r.URL.Query().Get("run_id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleVisualize(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	diagram, err := sess.Visualize()
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mermaid": diagram})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	runs, err := sess.Runs()
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// writeCoreError maps core error kinds to HTTP status codes.
func writeCoreError(w http.ResponseWriter, err error) {
	var verr *graph.ValidationError
	switch {
	case errors.Is(err, session.ErrNotFound) || errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrStale) || errors.Is(err, session.ErrStopped):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, session.ErrForbidden) || errors.Is(err, workflow.ErrTemplateReadOnly):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "workflow validation failed",
			"issues": verr.Issues,
		})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
