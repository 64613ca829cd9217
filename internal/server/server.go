// Package server provides the HTTP query API used by the web client.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bryan-buckman/tabs/internal/archive"
	"github.com/bryan-buckman/tabs/internal/auth"
	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// DefaultMaxUploadBytes caps a multipart post body.
const DefaultMaxUploadBytes = 50 << 20

// Previewer scrapes link metadata.
type Previewer interface {
	Fetch(ctx context.Context, rawURL string) (*model.LinkPreview, error)
}

// Options configures the HTTP surface.
type Options struct {
	CORSOrigins    []string
	MaxUploadBytes int64
	// StaticDir is served under /static. Empty disables it.
	StaticDir string
}

// Server is the main HTTP server.
type Server struct {
	archive   *archive.Service
	auth      *auth.Service
	preview   Previewer
	opts      Options
	validator *previewValidator
	router    chi.Router
	log       zerolog.Logger
}

// New creates a new server.
func New(archiveSvc *archive.Service, authSvc *auth.Service, preview Previewer, opts Options, log zerolog.Logger) (*Server, error) {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	validator, err := newPreviewValidator()
	if err != nil {
		return nil, fmt.Errorf("compile link preview schema: %w", err)
	}

	s := &Server{
		archive:   archiveSvc,
		auth:      authSvc,
		preview:   preview,
		opts:      opts,
		validator: validator,
		log:       log.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	if s.opts.StaticDir != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(s.opts.StaticDir))))
	}

	r.Post("/auth/init", s.handleAuthInit)
	r.Get("/auth/status", s.handleAuthStatus)
	r.Get("/utils/link-preview", s.handleLinkPreview)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Route("/posts", func(r chi.Router) {
			r.Get("/", s.handleListPosts)
			r.Post("/", s.handleCreatePost)
			r.Put("/reorder", s.handleReorderPosts)
			r.Get("/{postID}", s.handleGetPost)
			r.Delete("/{postID}", s.handleDeletePost)
			r.Patch("/{postID}/move", s.handleMovePost)
		})

		r.Route("/tabs", func(r chi.Router) {
			r.Get("/", s.handleListTabs)
			r.Post("/", s.handleCreateTab)
			r.Put("/reorder", s.handleReorderTabs)
			r.Patch("/{tabID}", s.handleRenameTab)
			r.Delete("/{tabID}", s.handleDeleteTab)
		})
	})

	s.router = r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info().Str("addr", addr).Msg("Server starting")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info().Msg("Server stopped")
	return nil
}

// --- Auth ---

type ctxKey int

const userKey ctxKey = iota

// requireUser resolves the bearer token into the caller's user id.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			token = ""
		}
		userID, err := s.auth.Resolve(r.Context(), strings.TrimSpace(token))
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Int64("user", userID)
		})
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userKey).(int64)
	return id
}

func (s *Server) handleAuthInit(w http.ResponseWriter, r *http.Request) {
	login, err := s.auth.Init(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, login)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.writeErr(w, r, fmt.Errorf("%w: token required", model.ErrValidation))
		return
	}
	st, err := s.auth.Status(r.Context(), token)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// --- Utils ---

func (s *Server) handleLinkPreview(w http.ResponseWriter, r *http.Request) {
	if s.preview == nil {
		writeError(w, http.StatusNotFound, "not_found", "link previews are disabled")
		return
	}
	p, err := s.preview.Fetch(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			s.writeErr(w, r, err)
			return
		}
		hlog.FromRequest(r).Warn().Err(err).Msg("Link preview failed")
		writeError(w, http.StatusBadGateway, "preview_failed", "could not fetch link preview")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

// writeErr maps the error taxonomy onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, model.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid access token")
	case errors.Is(err, model.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "login has not been completed")
	case errors.Is(err, model.ErrValidation):
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, model.ErrConstraintViolation):
		writeError(w, http.StatusConflict, "conflict", "duplicate item")
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json body", model.ErrValidation)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid %s", model.ErrValidation, name)
	}
	return id, nil
}
