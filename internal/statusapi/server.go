package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/gitops-loop/internal/models"
)

const defaultArtifactsLimit = 50

type Reconciler interface {
	Statuses() []models.TargetStatus
	Status(target models.TargetRef) (models.TargetStatus, bool)
	Retrigger(target models.TargetRef) error
}

type Manifests interface {
	History(ctx context.Context, target models.TargetRef) ([]models.Revision, error)
}

type Rollbacker interface {
	Rollback(ctx context.Context, target models.TargetRef, seq uint64) (models.Revision, bool, error)
}

type ArtifactHistory interface {
	List(ctx context.Context, repository string, limit uint64) ([]models.Observation, error)
}

type RollbackResponse struct {
	Revision models.Revision `json:"revision"`
	Written  bool            `json:"written"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type Server struct {
	reconciler Reconciler
	manifests  Manifests
	rollbacker Rollbacker
	artifacts  ArtifactHistory
	health     *Health
	log        zerolog.Logger
}

func NewServer(
	reconciler Reconciler,
	manifests Manifests,
	rollbacker Rollbacker,
	artifacts ArtifactHistory,
	health *Health,
	logger zerolog.Logger,
) *Server {
	return &Server{
		reconciler: reconciler,
		manifests:  manifests,
		rollbacker: rollbacker,
		artifacts:  artifacts,
		health:     health,
		log:        logger.With().Str("component", "status-api").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", s.ready)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("POST /retrigger", s.retrigger)
	mux.HandleFunc("GET /history", s.history)
	mux.HandleFunc("POST /rollback", s.rollback)
	mux.HandleFunc("GET /artifacts", s.listArtifacts)
	return mux
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	if !s.health.Serving(r.Context(), "") {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// status returns every target, or one when ?target=kind/name is given.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("target")
	if raw == "" {
		s.writeJSON(w, http.StatusOK, s.reconciler.Statuses())
		return
	}
	target, err := models.ParseTargetRef(raw)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status, ok := s.reconciler.Status(target)
	if !ok {
		s.writeError(w, models.ErrNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) retrigger(w http.ResponseWriter, r *http.Request) {
	target, err := models.ParseTargetRef(r.URL.Query().Get("target"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err = s.reconciler.Retrigger(target); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Msgf("retrigger of %s requested", target)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	target, err := models.ParseTargetRef(r.URL.Query().Get("target"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	revisions, err := s.manifests.History(r.Context(), target)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, revisions)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	target, err := models.ParseTargetRef(query.Get("target"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	seq, err := strconv.ParseUint(query.Get("seq"), 10, 64)
	if err != nil || seq == 0 {
		s.writeError(w, models.ErrValidation)
		return
	}
	rev, written, err := s.rollbacker.Rollback(r.Context(), target, seq)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Msgf("rollback of %s to revision %d requested, written: %t", target, seq, written)
	s.writeJSON(w, http.StatusOK, RollbackResponse{Revision: rev, Written: written})
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	repository := query.Get("repository")
	if repository == "" {
		s.writeError(w, models.ErrValidation)
		return
	}
	limit := uint64(defaultArtifactsLimit)
	if raw := query.Get("limit"); raw != "" {
		var err error
		if limit, err = strconv.ParseUint(raw, 10, 64); err != nil {
			s.writeError(w, models.ErrValidation)
			return
		}
	}
	observations, err := s.artifacts.List(r.Context(), repository, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, observations)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, models.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, models.ErrTransientIO):
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, ErrorResponse{Error: err.Error()})
}
