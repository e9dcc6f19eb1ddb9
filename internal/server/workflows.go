package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vsavkov/maestro/internal/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	all, err := s.workflows.ListAll()
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": all})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.workflows.ListTemplates()
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": templates})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.Load(r.PathValue("id"))
	if err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

// decodeWorkflow reads and schema-validates the wire form.
func decodeWorkflow(body io.Reader) (*workflow.Workflow, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return workflow.DecodeWire(b)
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := decodeWorkflow(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.saveWorkflow(w, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := decodeWorkflow(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if id := r.PathValue("id"); wf.ID != id {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("workflow id %q does not match path id %q", wf.ID, id))
		return
	}
	s.saveWorkflow(w, wf)
}

func (s *Server) saveWorkflow(w http.ResponseWriter, wf *workflow.Workflow) {
	if issues := workflow.Validate(wf, s.nodes); len(issues) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "workflow validation failed",
			"issues": issues,
		})
		return
	}
	if err := s.workflows.Save(wf); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := s.workflows.Delete(r.PathValue("id")); err != nil {
		writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// handleValidateWorkflow validates the stored definition, or the body
// when one is posted.
func (s *Server) handleValidateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf *workflow.Workflow
	if r.ContentLength > 0 {
		decoded, err := decodeWorkflow(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		wf = decoded
	} else {
		loaded, err := s.workflows.Load(r.PathValue("id"))
		if err != nil {
			writeCoreError(w, err)
			return
		}
		wf = loaded
	}
	issues := workflow.Validate(wf, s.nodes)
	if issues == nil {
		issues = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}

// handleNodeCatalog serves the editor's node palette. When node_type and
// config query parameters are present, the concrete ports for that
// instance config are returned instead.
func (s *Server) handleNodeCatalog(w http.ResponseWriter, r *http.Request) {
	nodeType := r.URL.Query().Get("node_type")
	if nodeType == "" {
		writeJSON(w, http.StatusOK, map[string]any{"nodes": s.nodes.Catalog()})
		return
	}
	cfg := map[string]any{}
	if raw := r.URL.Query().Get("config"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid config: %v", err))
			return
		}
	}
	ports, ok := s.nodes.InstancePorts(nodeType, cfg)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown node type %q", nodeType))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"node_type": nodeType, "output_ports": ports})
}
