package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/sandbridge/internal/protocol"
	"github.com/mattjoyce/sandbridge/internal/tasks"
)

const maxListLimit = 1000

// handleHealthz handles GET /healthz
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.logger.Error("failed to count tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to count tasks")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Tasks:         counts,
	})
}

// handleListTasks handles GET /tasks?state=&limit=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter tasks.ListFilter
	if v := r.URL.Query().Get("state"); v != "" {
		st := protocol.State(v)
		if !st.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown state: "+v)
			return
		}
		filter.State = st
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = n
	}

	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list tasks", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}

	resp := ListTasksResponse{Tasks: make([]TaskResponse, 0, len(list))}
	for i := range list {
		resp.Tasks = append(resp.Tasks, taskResponse(&list[i]))
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetTask handles GET /tasks/{childAgentID}
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "childAgentID")

	t, err := s.store.Get(r.Context(), id)
	if errors.Is(err, tasks.ErrTaskNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get task", "child_agent_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	resp := taskResponse(t)
	entries, err := s.store.BridgeLog(r.Context(), id)
	if err != nil {
		s.logger.Warn("failed to read bridge log", "child_agent_id", id, "error", err)
	}
	for _, e := range entries {
		resp.BridgeLog = append(resp.BridgeLog, bridgeLogResponse(e))
	}
	respondJSON(w, http.StatusOK, resp)
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
