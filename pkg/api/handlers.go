package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/tcmartin/scarfeed/pkg/executor"
	"github.com/tcmartin/scarfeed/pkg/logging"
	"github.com/tcmartin/scarfeed/pkg/middleware"
	"github.com/tcmartin/scarfeed/pkg/models"
	"github.com/tcmartin/scarfeed/pkg/storage"
)

// ExecuteRequest is the body of POST /projects/{id}/executions
type ExecuteRequest struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// CreateProjectRequest is the body of POST /projects
type CreateProjectRequest struct {
	Name          string               `json:"name"`
	Description   string               `json:"description,omitempty"`
	GitHubRepoURL string               `json:"github_repo_url,omitempty"`
	Status        models.ProjectStatus `json:"status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps storage errors to status codes
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrProjectNotFound), errors.Is(err, storage.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("Request failed", logging.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().Format(time.RFC3339),
		"ws_clients":  s.ws.GetConnectedClients(),
		"storage":     s.config.Storage.Type,
		"scar_target": s.config.Scar.BaseURL,
	})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.provider.GetProjectStore().ListProjects(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	project, err := s.provider.GetProjectStore().CreateProject(r.Context(), models.Project{
		Name:          req.Name,
		Description:   req.Description,
		GitHubRepoURL: req.GitHubRepoURL,
		Status:        req.Status,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.provider.GetProjectStore().GetProject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.GetProjectStore().DeleteProject(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleExecute runs a command synchronously and returns its CommandResult
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	command, err := models.ParseCommandType(req.Command)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.executor.Execute(r.Context(), mux.Vars(r)["id"], command, req.Args)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, executor.ErrNoRepository):
		writeJSON(w, http.StatusNotFound, result)
	case errors.Is(err, executor.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, result)
	case errors.Is(err, executor.ErrSuperseded):
		writeJSON(w, http.StatusConflict, result)
	default:
		s.logger.Error("Execution failed", logging.Err(err))
		writeJSON(w, http.StatusInternalServerError, result)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := executor.DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := s.executor.History(r.Context(), mux.Vars(r)["id"], limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleLastSuccessful(w http.ResponseWriter, r *http.Request) {
	command, err := models.ParseCommandType(r.URL.Query().Get("command"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	execution, err := s.executor.LastSuccessful(r.Context(), mux.Vars(r)["id"], command)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.provider.GetExecutionStore().GetExecution(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

func (s *Server) handleListActivities(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.provider.GetExecutionStore().GetExecution(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}

	activities, err := s.provider.GetActivityStore().ListActivities(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	items := make([]models.FeedItem, 0, len(activities))
	for _, a := range activities {
		items = append(items, models.NewFeedItem(a))
	}
	writeJSON(w, http.StatusOK, items)
}

// parseVerbosity reads ?verbosity=, falling back to the configured default
func (s *Server) parseVerbosity(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("verbosity")
	if raw == "" {
		if models.ValidVerbosity(s.config.Feed.DefaultVerbosity) {
			return s.config.Feed.DefaultVerbosity, nil
		}
		return models.VerbosityMedium, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || !models.ValidVerbosity(v) {
		return 0, errors.New("verbosity must be 1, 2 or 3")
	}
	return v, nil
}

// subjectFrom returns the authenticated subject, or "anonymous" when auth is off
func subjectFrom(r *http.Request) string {
	if subject, ok := middleware.GetSubject(r); ok {
		return subject
	}
	return "anonymous"
}
