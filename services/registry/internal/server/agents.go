package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentregistry/pkg/domain"
)

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	form, ok := s.stageForm(w, r, agentResource)
	if !ok {
		return
	}
	defer cleanupForm(r.Context(), form)

	agent, err := s.app.CreateAgent(r.Context(), form)
	if err != nil {
		s.writeAppError(w, r, agentResource, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Agent created successfully", "agent": agent})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.app.ListAgents(r.Context())
	if err != nil {
		s.writeAppError(w, r, agentResource, err)
		return
	}
	if agents == nil {
		agents = []domain.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Agents fetched successfully", "agents": agents})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.app.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeAppError(w, r, agentResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Agent fetched successfully", "agent": agent})
}

// handleUpdateAgent accepts a JSON partial update. Multipart bodies carry
// documents and are handed to the documents update.
func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	if isMultipart(r) {
		s.handleUpdateAgentDocuments(w, r)
		return
	}
	var patch domain.AgentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	agent, err := s.app.PatchAgent(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		s.writeAppError(w, r, agentResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Agent updated successfully", "agent": agent})
}

func (s *Server) handleUpdateAgentDocuments(w http.ResponseWriter, r *http.Request) {
	form, ok := s.stageForm(w, r, agentResource)
	if !ok {
		return
	}
	defer cleanupForm(r.Context(), form)

	agent, err := s.app.UpdateAgentDocuments(r.Context(), chi.URLParam(r, "id"), form)
	if err != nil {
		s.writeAppError(w, r, agentResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Agent updated successfully", "agent": agent})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteAgent(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeAppError(w, r, agentResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Agent deleted successfully"})
}
