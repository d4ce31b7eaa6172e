// Package server exposes sessions, their operations and the sync channel over HTTP.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"habitcal/internal/models"
	"habitcal/internal/session"
	"habitcal/internal/stage"
	"habitcal/internal/syncchannel"
)

const maxBodyBytes = 1 << 20

// Server holds the HTTP handlers.
type Server struct {
	logger        *slog.Logger
	sessions      *session.Manager
	ws            *syncchannel.WebSocketHandler
	allowedOrigin string
}

// New creates a Server.
func New(logger *slog.Logger, sessions *session.Manager, ws *syncchannel.WebSocketHandler, allowedOrigin string) *Server {
	return &Server{logger: logger, sessions: sessions, ws: ws, allowedOrigin: allowedOrigin}
}

// Router builds the chi router with global middleware and every route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(cors(s.allowedOrigin))

	r.Route("/api", func(r chi.Router) {
		r.Get("/operations", s.listOperations)
		r.Post("/sessions", s.createSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.endSession)
			r.Post("/tools/{name}", s.invokeTool)
		})
	})
	r.Get("/ws/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		s.ws.Serve(w, r, chi.URLParam(r, "id"))
	})
	return r
}

// JSON writes a JSON response.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type operationInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	ValidFrom   []models.Stage `json:"valid_from,omitempty"`
	Resulting   models.Stage   `json:"resulting,omitempty"`
}

func (s *Server) listOperations(w http.ResponseWriter, _ *http.Request) {
	ops := s.sessions.Operations()
	out := make([]operationInfo, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationInfo{Name: op.Name, Description: op.Description, ValidFrom: op.ValidFrom, Resulting: op.Resulting})
	}
	JSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			Error(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sess, err := s.sessions.Create(r.Context(), req.UserID, req.SessionID, req.Timezone)
	if err != nil {
		s.logger.Warn("Failed to create session", "error", err)
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	JSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.Get(chi.URLParam(r, "id"))
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) endSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.End(chi.URLParam(r, "id")); err != nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toolResponse struct {
	Message string       `json:"message"`
	Stage   models.Stage `json:"stage"`
	Data    any          `json:"data,omitempty"`
}

type violationResponse struct {
	Error    string       `json:"error"`
	Guidance string       `json:"guidance"`
	Stage    models.Stage `json:"stage"`
}

func (s *Server) invokeTool(w http.ResponseWriter, r *http.Request) {
	id, name := chi.URLParam(r, "id"), chi.URLParam(r, "name")
	sess, ok := s.sessions.Get(id)
	if !ok {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	args, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		Error(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(args) > 0 && !json.Valid(args) {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := sess.Invoke(r.Context(), name, args)
	if err != nil {
		var v *stage.Violation
		switch {
		case errors.As(err, &v):
			JSON(w, http.StatusConflict, violationResponse{Error: v.Error(), Guidance: v.Guidance, Stage: v.Stage})
		case errors.Is(err, stage.ErrUnknownOperation):
			Error(w, http.StatusNotFound, err.Error())
		case errors.Is(err, session.ErrInboxFull):
			Error(w, http.StatusTooManyRequests, err.Error())
		case errors.Is(err, session.ErrClosed):
			Error(w, http.StatusGone, err.Error())
		default:
			s.logger.Warn("Operation failed", "session_id", id, "operation", name, "error", err)
			Error(w, http.StatusUnprocessableEntity, err.Error())
		}
		return
	}
	JSON(w, http.StatusOK, toolResponse{Message: res.Message, Stage: sess.Snapshot().Stage, Data: res.Data})
}

// cors handles CORS headers for the configured origin.
func cors(allowedOrigin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowedOrigin == "*" || allowedOrigin == origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
