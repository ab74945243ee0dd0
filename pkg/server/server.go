// Package server exposes the pipeline control surface over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/pipeline"
)

// Pipeline is the scheduler surface the server drives.
type Pipeline interface {
	RunStage(ctx context.Context, pctx *pipeline.ProcessingContext, stageName string) pipeline.StageOutcome
	RunStages(ctx context.Context, pctx *pipeline.ProcessingContext, stageNames []string, fireAndForget bool) ([]pipeline.StageOutcome, error)
	RunAll(ctx context.Context, pctx *pipeline.ProcessingContext, fireAndForget bool) ([]pipeline.StageOutcome, error)
	SmartResume(ctx context.Context, pctx *pipeline.ProcessingContext) ([]pipeline.StageOutcome, error)
}

// StatusReader reads persisted stage statuses.
type StatusReader interface {
	Statuses(ctx context.Context, documentID string) (map[string]pipeline.StageInfo, error)
}

// Server is the chi-routed control surface.
type Server struct {
	pipeline Pipeline
	statuses StatusReader
	logger   zerolog.Logger
}

func New(p Pipeline, statuses StatusReader, logger zerolog.Logger) *Server {
	return &Server{
		pipeline: p,
		statuses: statuses,
		logger:   logger.With().Str("component", "http_server").Logger(),
	}
}

// Router builds the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/stages", s.handleListStages)
	r.Route("/documents/{documentID}", func(r chi.Router) {
		r.Post("/run", s.handleRunDocument)
		r.Post("/resume", s.handleResume)
		r.Get("/stages", s.handleStageStatus)
		r.Post("/stages/{stageName}/run", s.handleRunStage)
	})
	return r
}

// runRequest is the shared body for the run endpoints.
type runRequest struct {
	FilePath      string                 `json:"file_path,omitempty"`
	DocumentType  string                 `json:"document_type,omitempty"`
	Stages        []string               `json:"stages,omitempty"`
	FireAndForget bool                   `json:"fire_and_forget,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListStages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"stages": pipeline.CanonicalStages()})
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request) {
	stageName := chi.URLParam(r, "stageName")
	if !pipeline.IsKnownStage(stageName) {
		writeError(w, errs.Newf(errs.CategoryValidation, "unknown stage %q", stageName))
		return
	}

	_, pctx, err := s.decodeRun(r)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome := s.pipeline.RunStage(r.Context(), pctx, stageName)
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleRunDocument(w http.ResponseWriter, r *http.Request) {
	req, pctx, err := s.decodeRun(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var outcomes []pipeline.StageOutcome
	if len(req.Stages) > 0 {
		outcomes, err = s.pipeline.RunStages(r.Context(), pctx, req.Stages, req.FireAndForget)
	} else {
		outcomes, err = s.pipeline.RunAll(r.Context(), pctx, req.FireAndForget)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	_, pctx, err := s.decodeRun(r)
	if err != nil {
		writeError(w, err)
		return
	}

	outcomes, err := s.pipeline.SmartResume(r.Context(), pctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

func (s *Server) handleStageStatus(w http.ResponseWriter, r *http.Request) {
	documentID := chi.URLParam(r, "documentID")
	statuses, err := s.statuses.Statuses(r.Context(), documentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document_id": documentID,
		"stages":      statuses,
	})
}

// decodeRun builds the processing context for one request. An empty body is
// valid for resume and status-driven runs.
func (s *Server) decodeRun(r *http.Request) (runRequest, *pipeline.ProcessingContext, error) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, nil, errs.Wrap(err, errs.CategoryValidation, "malformed request body")
	}

	pctx := &pipeline.ProcessingContext{
		DocumentID:   chi.URLParam(r, "documentID"),
		FilePath:     req.FilePath,
		DocumentType: req.DocumentType,
		RequestID:    uuid.NewString(),
		Metadata:     req.Metadata,
	}
	return req, pctx, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var coreErr *errs.Error
	if errors.As(err, &coreErr) {
		switch coreErr.Category {
		case errs.CategoryValidation:
			status = http.StatusBadRequest
		case errs.CategoryNotFound:
			status = http.StatusNotFound
		case errs.CategoryAuthentication:
			status = http.StatusUnauthorized
		case errs.CategoryAuthorization:
			status = http.StatusForbidden
		case errs.CategoryRateLimit:
			status = http.StatusTooManyRequests
		}
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ListenAndServe runs the HTTP server until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("control surface listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
