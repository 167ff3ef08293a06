package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agentregistry/internal/ratelimit"
	"agentregistry/internal/util"
	"agentregistry/services/registry/internal/app"
)

const maxJSONBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	StagingDir     string
	MaxUploadBytes int64
	AllowedOrigins []string
	TrustedProxies *util.TrustedProxies
	// CreateLimiter is the shared limiter for create endpoints. When nil and
	// CreatePerMinute is positive a per-replica limiter is used instead.
	CreateLimiter     ratelimit.Limiter
	CreatePerMinute   int
	RateLimitFailOpen bool
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server exposes the agent and user registry over HTTP.
type Server struct {
	app            *app.App
	router         chi.Router
	stagingDir     string
	maxUploadBytes int64
	origins        []string
	trusted        *util.TrustedProxies
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	if strings.TrimSpace(cfg.StagingDir) == "" {
		return nil, errors.New("staging dir required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		app:            cfg.App,
		router:         chi.NewRouter(),
		stagingDir:     cfg.StagingDir,
		maxUploadBytes: maxUploadBytes,
		origins:        cfg.AllowedOrigins,
		trusted:        cfg.TrustedProxies,
	}
	s.routes(s.createLimit(cfg), cfg.Metrics)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("registry", s.trusted, util.WithSecurityHeaders(util.CORS(s.origins)(s.router))))
}

func (s *Server) createLimit(cfg Config) func(http.Handler) http.Handler {
	key := ratelimit.ByClientIP(cfg.TrustedProxies)
	switch {
	case cfg.CreateLimiter != nil:
		return ratelimit.Middleware(cfg.CreateLimiter, key, cfg.RateLimitFailOpen, tooManyRequests)
	case cfg.CreatePerMinute > 0:
		return ratelimit.Local(cfg.CreatePerMinute, time.Minute, key, tooManyRequests)
	default:
		return func(next http.Handler) http.Handler { return next }
	}
}

func (s *Server) routes(createLimit func(http.Handler) http.Handler, metrics http.Handler) {
	r := s.router
	r.Use(recoverer)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", "", "SYSTEM_NOT_FOUND")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed", "", "SYSTEM_METHOD_NOT_ALLOWED")
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	// agents
	r.With(createLimit).Post("/api/agents/create", s.handleCreateAgent)
	r.Get("/api/agents", s.handleListAgents)
	r.Get("/api/agents/{id}", s.handleGetAgent)
	r.Put("/api/agents/{id}", s.handleUpdateAgent)
	r.Put("/api/agents/{id}/documents", s.handleUpdateAgentDocuments)
	r.Delete("/api/agents/{id}", s.handleDeleteAgent)

	// users
	r.With(createLimit).Post("/api/addUsers/saveCreateUser", s.handleCreateUser)
	r.Get("/api/addUsers/getUser", s.handleListUsers)
	r.Get("/api/addUsers/getUser/{userId}", s.handleGetUser)
	r.Put("/api/addUsers/updateUser/{userId}", s.handleUpdateUser)
	r.Delete("/api/addUsers/deleteUser/{userId}", s.handleDeleteUser)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.app.Ready(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "Record store unavailable", "", "SYSTEM_NOT_READY")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// stageForm spools a multipart body to disk. It writes the error response
// itself and reports false when the body could not be staged.
func (s *Server) stageForm(w http.ResponseWriter, r *http.Request, res resource) (*app.AgentForm, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeAppError(w, r, res, &app.ParseError{Reason: "invalid form data", Err: err})
		return nil, false
	}
	form, err := app.StageMultipart(mr, s.stagingDir)
	if err != nil {
		s.writeAppError(w, r, res, err)
		return nil, false
	}
	return form, true
}

func cleanupForm(ctx context.Context, form *app.AgentForm) {
	if err := form.Cleanup(); err != nil {
		util.LoggerFromContext(ctx).Warn("staged file cleanup failed", "err", err)
	}
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.HasPrefix(mediaType, "multipart/")
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are ignored.
// It writes the error response itself and reports false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", "", "REQUEST_TOO_LARGE")
		return false
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", "invalid json body", "REQUEST_INVALID_BODY")
	return false
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			util.LoggerFromContext(r.Context()).Error("panic serving request", "panic", fmt.Sprint(rec), "path", r.URL.Path)
			writeError(w, http.StatusInternalServerError, "Internal Server Error", "", "SYSTEM_INTERNAL_ERROR")
		}()
		next.ServeHTTP(w, r)
	})
}

func tooManyRequests(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusTooManyRequests, "Too many requests", "", "RATE_LIMITED")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, detail, code string) {
	writeJSON(w, status, errorResponse{
		Message:   msg,
		Error:     detail,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}
