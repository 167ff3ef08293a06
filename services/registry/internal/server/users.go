package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"agentregistry/pkg/domain"
	"agentregistry/services/registry/internal/app"
)

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req app.CreateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.CreateUser(r.Context(), req)
	if err != nil {
		s.writeAppError(w, r, userResource, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "User created successfully", "userId": user.UserID})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.app.ListUsers(r.Context())
	if err != nil {
		s.writeAppError(w, r, userResource, err)
		return
	}
	if users == nil {
		users = []domain.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Users fetched successfully", "users": users})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.app.GetUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.writeAppError(w, r, userResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User fetched successfully", "user": user})
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req app.UpdateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.app.UpdateUser(r.Context(), chi.URLParam(r, "userId"), req)
	if err != nil {
		s.writeAppError(w, r, userResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "User updated successfully", "user": user})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteUser(r.Context(), chi.URLParam(r, "userId")); err != nil {
		s.writeAppError(w, r, userResource, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted successfully"})
}
