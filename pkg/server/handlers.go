package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/pkg/domain"
	"github.com/fabrica-dev/fabrica/pkg/sandbox"
	"github.com/fabrica-dev/fabrica/pkg/view"
)

// --- Projects ---

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.projects.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, projects)
}

type createProjectRequest struct {
	Name string `json:"name"`
	// Prompt, when set, seeds the project with an initial user message
	// and kicks off the first generation turn.
	Prompt string `json:"prompt"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}

	project := &domain.Project{
		ID:   uuid.New().String(),
		Name: req.Name,
	}
	if err := s.projects.Create(r.Context(), project); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	if req.Prompt != "" {
		err := s.messages.Append(r.Context(), &domain.Message{
			ID:        uuid.New().String(),
			ProjectID: project.ID,
			Role:      domain.RoleUser,
			Type:      domain.TypeResult,
			Content:   req.Prompt,
		})
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.jsonResponse(w, http.StatusCreated, project)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, project)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.projects.Delete(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Message log ---

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.projects.Get(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	msgs, err := s.messages.List(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}

	st := view.Derive(msgs)
	interval := view.PollInterval(st.Processing)
	w.Header().Set("X-Poll-Interval", strconv.FormatInt(interval.Milliseconds(), 10))
	s.jsonResponse(w, http.StatusOK, msgs)
}

type createMessageRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.projects.Get(r.Context(), id); err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}

	var req createMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}

	// One turn at a time. Reject new prompts while the current turn is
	// still deriving as processing.
	msgs, err := s.messages.List(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if view.Derive(msgs).Processing {
		s.errorResponse(w, http.StatusConflict, errors.New("a turn is already in progress"))
		return
	}

	msg := &domain.Message{
		ID:        uuid.New().String(),
		ProjectID: id,
		Role:      domain.RoleUser,
		Type:      domain.TypeResult,
		Content:   req.Content,
	}
	if err := s.messages.Append(r.Context(), msg); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, msg)
}

// --- Fragments ---

func (s *Server) handleGetFragment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	fragment, err := s.fragments.GetFragment(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, fragment)
}

// --- Sandbox ---

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	project, err := s.projects.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err)
		return
	}
	if project.SandboxID == "" {
		s.jsonResponse(w, http.StatusOK, map[string]string{"status": "none"})
		return
	}

	sess, err := s.sandbox.Connect(r.Context(), project.SandboxID)
	if errors.Is(err, sandbox.ErrUnavailable) {
		s.jsonResponse(w, http.StatusOK, map[string]string{"status": "unavailable"})
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, fmt.Errorf("failed to check sandbox: %w", err))
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{
		"status":      "running",
		"preview_url": sess.PreviewURL(),
	})
}
