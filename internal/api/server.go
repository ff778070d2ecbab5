package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"deckgen/internal/artifacts"
	"deckgen/internal/bus"
	"deckgen/internal/config"
	"deckgen/internal/controller"
	"deckgen/internal/ratelimit"
	"deckgen/internal/store"
	"deckgen/internal/telemetry"
)

// Server wires the HTTP surface: deck CRUD, progress websocket, downloads.
type Server struct {
	cfg        config.Config
	controller *controller.Controller
	store      store.Store
	bus        bus.Bus
	artifacts  artifacts.Storage
	limiter    *ratelimit.Limiter
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, ctrl *controller.Controller, st store.Store, b bus.Bus, files artifacts.Storage, limiter *ratelimit.Limiter) *Server {
	return &Server{
		cfg:        cfg,
		controller: ctrl,
		store:      st,
		bus:        b,
		artifacts:  files,
		limiter:    limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api/decks", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/active", s.handleListActive)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/restart", s.handleRestart)
		r.Get("/{id}/progress", s.handleProgress)
	})
	r.Get("/decks/{id}/files/{index}/download", s.handleDownload)
	r.Head("/decks/{id}/files/{index}/download", s.handleDownload)
	return r
}

type submitResponse struct {
	controller.DeckView
	Skipped bool `json:"skipped"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limiter unavailable")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var req controller.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json payload")
		return
	}

	view, created, err := s.controller.Submit(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{DeckView: view, Skipped: !created})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.controller.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	view, err := s.controller.Restart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	views, err := s.controller.ListActive(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decks": views})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusNotFound, "artifact not found")
		return
	}

	name, err := s.controller.ResolveArtifact(r.Context(), id, index)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	if r.Method == http.MethodHead {
		size, err := s.artifacts.Stat(r.Context(), name)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		w.Header().Set("Content-Type", contentTypeFor(name))
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		return
	}

	body, size, err := s.artifacts.Open(r.Context(), name)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentTypeFor(name))
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(name)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		log.Warn().Err(err).Str("deck_id", id).Int("index", index).Msg("artifact download aborted")
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *controller.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, artifacts.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, controller.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func contentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".pdf":
		return "application/pdf"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
