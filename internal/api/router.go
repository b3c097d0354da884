package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/qninhdt/scene-loom/server/internal/agents"
	"github.com/qninhdt/scene-loom/server/internal/apperr"
	"github.com/qninhdt/scene-loom/server/internal/conversation"
	"github.com/qninhdt/scene-loom/server/internal/db"
	mw "github.com/qninhdt/scene-loom/server/internal/middleware"
	"github.com/qninhdt/scene-loom/server/internal/story"
)

const maxBodySize = 1024 * 1024 // 1MB

// Options wires a Server
type Options struct {
	DB                *db.DB
	Manager           *conversation.Manager
	Selection         *agents.ModelSelection
	Models            map[story.Tier]string
	Hub               *Hub
	AdminSecret       string
	RequestsPerSecond float64
	Logger            *zap.Logger
}

// Server handles HTTP requests
type Server struct {
	router      chi.Router
	db          *db.DB
	manager     *conversation.Manager
	selection   *agents.ModelSelection
	models      map[story.Tier]string
	hub         *Hub
	rateLimiter *mw.RateLimiter
	adminSecret string
	logger      *zap.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	rps := opts.RequestsPerSecond
	if rps == 0 {
		rps = 100
	}

	s := &Server{
		router:      chi.NewRouter(),
		db:          opts.DB,
		manager:     opts.Manager,
		selection:   opts.Selection,
		models:      opts.Models,
		hub:         hub,
		rateLimiter: mw.NewRateLimiter(rps, int(rps)),
		adminSecret: opts.AdminSecret,
		logger:      logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.rateLimiter.Middleware)
	s.router.Use(mw.SecurityHeadersMiddleware)
	s.router.Use(mw.MaxBodySizeMiddleware(maxBodySize))

	s.router.Get("/ws/scenes/{id}", s.sceneFeed)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.SetHeader("Content-Type", "application/json"))

		r.Get("/healthz", s.health)

		r.Post("/api/characters", s.createCharacter)
		r.Get("/api/characters", s.listCharacters)
		r.Get("/api/characters/{id}", s.getCharacter)
		r.Get("/api/characters/{id}/memories", s.characterMemories)

		r.Post("/api/scenes", s.createScene)
		r.Get("/api/scenes", s.listScenes)
		r.Get("/api/scenes/{id}", s.getScene)
		r.Get("/api/scenes/{id}/interactions", s.sceneInteractions)
		r.Get("/api/scenes/{id}/memories", s.sceneMemories)
		r.Post("/api/scenes/{id}/generate", s.generate)
		r.Get("/api/scenes/{id}/conversation", s.getConversation)
		r.Post("/api/scenes/{id}/conversation/save", s.saveConversation)
		r.Post("/api/scenes/{id}/conversation/discard", s.discardConversation)

		r.Get("/api/ai/model", s.getModel)

		// Admin endpoints
		r.Group(func(r chi.Router) {
			r.Use(mw.AdminMiddleware(s.adminSecret))
			r.Put("/api/ai/model", s.setModel)
		})
	})
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run performs background maintenance until ctx ends, then disconnects
// websocket subscribers.
func (s *Server) Run(ctx context.Context) {
	s.rateLimiter.Run(ctx, 0)
	s.hub.Close()
}

// Hub returns the websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Response wraps API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeOK writes a success envelope
func writeOK(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, Response{Success: true, Data: data})
}

// writeError writes an error response (sanitized)
func writeError(w http.ResponseWriter, status int, message, code string) {
	if status >= 500 {
		message = "Internal server error"
		code = apperr.CodeOf(apperr.KindInternal)
	}
	writeJSON(w, status, Response{
		Success: false,
		Error:   message,
		Code:    code,
	})
}

// statusFor maps an error kind to its HTTP status
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidArgument:
		return http.StatusBadRequest
	case apperr.KindInvalidState:
		return http.StatusConflict
	case apperr.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindProviderRejected, apperr.KindProviderEmpty, apperr.KindGenerationUnusable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err using its kind. Only the typed message is
// exposed; causes and untyped errors stay in the log.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)

	var e *apperr.Error
	if kind == apperr.KindInternal || !errors.As(err, &e) {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, status, "", "")
		return
	}

	if status >= 500 {
		s.logger.Warn("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", e.Code()),
			zap.Error(err))
	}
	writeJSON(w, status, Response{Success: false, Error: e.Message, Code: e.Code()})
}

// decodeJSON decodes the request body into v, writing a 400 on failure
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large", "BODY_TOO_LARGE")
			return false
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", apperr.CodeOf(apperr.KindInvalidArgument))
		return false
	}
	return true
}
