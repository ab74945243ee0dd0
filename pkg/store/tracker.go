package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/pipeline"
)

// Tracker persists stage_status rows, one per (document, stage).
type Tracker struct {
	db       Querier
	errorLog pipeline.ErrorRecorder
	logger   zerolog.Logger

	// Minimum interval between persisted progress writes per handle.
	progressInterval time.Duration

	now func() time.Time
}

func NewTracker(db Querier, errorLog pipeline.ErrorRecorder, logger zerolog.Logger, progressInterval time.Duration) *Tracker {
	if progressInterval <= 0 {
		progressInterval = 250 * time.Millisecond
	}
	return &Tracker{
		db:               db,
		errorLog:         errorLog,
		logger:           logger.With().Str("component", "stage_tracker").Logger(),
		progressInterval: progressInterval,
		now:              time.Now,
	}
}

const startStageQuery = `
INSERT INTO stage_status (document_id, stage_name, status, progress_percent, attempt, started_at, completed_at, last_error_id)
VALUES ($1, $2, 'processing', 0, 1, $3, NULL, NULL)
ON CONFLICT (document_id, stage_name) DO UPDATE
SET status = 'processing',
    progress_percent = 0,
    attempt = stage_status.attempt + 1,
    started_at = $3,
    completed_at = NULL,
    last_error_id = NULL
WHERE stage_status.status <> 'completed'
RETURNING attempt`

// StartStage transitions the row to processing and increments the attempt
// counter. A row left in processing by a crashed or abandoned worker is
// first failed with an internal-category error record so the lost attempt
// stays traceable. Re-starting a completed stage is rejected; completed is
// terminal and reprocessing goes through the upload force path instead.
func (t *Tracker) StartStage(ctx context.Context, documentID, stageName string) (pipeline.StageHandle, error) {
	if err := t.failAbandoned(ctx, documentID, stageName); err != nil {
		return nil, err
	}

	var attempt int
	err := t.db.GetContext(ctx, &attempt, startStageQuery, documentID, stageName, t.now().UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Newf(errs.CategoryValidation, "stage %s already completed for document %s", stageName, documentID)
	}
	if err != nil {
		return nil, fmt.Errorf("starting stage %s: %w", stageName, err)
	}

	return &stageHandle{
		tracker:    t,
		documentID: documentID,
		stageName:  stageName,
		attempt:    attempt,
	}, nil
}

// failAbandoned reconciles a row stranded in processing before a new
// attempt starts. The previous worker never wrote a terminal status, so
// the lost attempt gets an internal-category error record and the row
// moves to failed, same as the stale sweeper would do eventually.
func (t *Tracker) failAbandoned(ctx context.Context, documentID, stageName string) error {
	var prior struct {
		Status  string `db:"status"`
		Attempt int    `db:"attempt"`
	}
	err := t.db.GetContext(ctx, &prior,
		`SELECT status, attempt FROM stage_status WHERE document_id = $1 AND stage_name = $2`,
		documentID, stageName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking prior status for stage %s: %w", stageName, err)
	}
	if prior.Status != pipeline.StatusProcessing {
		return nil
	}

	abandonedErr := errs.Newf(errs.CategoryInternal,
		"stage %s was left in processing, previous attempt presumed crashed", stageName)
	errorID := t.errorLog.Record(ctx, pipeline.ErrorRecord{
		Context: &pipeline.ProcessingContext{
			DocumentID: documentID,
			RequestID:  "restart_recovery",
		},
		Err:            abandonedErr,
		Classification: errs.Classify(abandonedErr, stageName),
		Attempt:        prior.Attempt,
		CorrelationID:  pipeline.GenerateCorrelationID("restart_recovery", stageName, 0),
		StageName:      stageName,
	})

	if _, err := t.db.ExecContext(ctx,
		`UPDATE stage_status SET status = 'failed', completed_at = $1, last_error_id = $2
		 WHERE document_id = $3 AND stage_name = $4 AND status = 'processing'`,
		t.now().UTC(), errorID, documentID, stageName); err != nil {
		return fmt.Errorf("failing abandoned stage %s: %w", stageName, err)
	}

	t.logger.Warn().
		Str("document_id", documentID).
		Str("stage", stageName).
		Int("abandoned_attempt", prior.Attempt).
		Str("error_id", errorID).
		Msg("reconciled stage abandoned in processing")
	return nil
}

// ResetToPending moves a failed row back to pending so a scheduled retry
// can pick it up. Only failed rows are eligible.
func (t *Tracker) ResetToPending(ctx context.Context, documentID, stageName string) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE stage_status SET status = 'pending' WHERE document_id = $1 AND stage_name = $2 AND status = 'failed'`,
		documentID, stageName)
	if err != nil {
		return fmt.Errorf("resetting stage %s to pending: %w", stageName, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("stage %s for document %s is not in failed state", stageName, documentID)
	}
	return nil
}

// Statuses returns the persisted stage map for one document.
func (t *Tracker) Statuses(ctx context.Context, documentID string) (map[string]pipeline.StageInfo, error) {
	var rows []StageStatusRow
	if err := t.db.SelectContext(ctx, &rows,
		`SELECT document_id, stage_name, status, progress_percent, attempt, started_at, completed_at, last_error_id
		 FROM stage_status WHERE document_id = $1`, documentID); err != nil {
		return nil, fmt.Errorf("loading stage statuses: %w", err)
	}

	out := make(map[string]pipeline.StageInfo, len(rows))
	for _, row := range rows {
		info := pipeline.StageInfo{
			Status:   row.Status,
			Progress: row.ProgressPercent,
			Attempt:  row.Attempt,
		}
		if row.LastErrorID.Valid {
			info.LastErrorID = row.LastErrorID.String
		}
		if row.StartedAt.Valid {
			info.StartedAt = row.StartedAt.Time
		}
		if row.CompletedAt.Valid {
			info.CompletedAt = row.CompletedAt.Time
		}
		out[row.StageName] = info
	}
	return out, nil
}

// stageHandle scopes writes to one running attempt.
type stageHandle struct {
	tracker    *Tracker
	documentID string
	stageName  string
	attempt    int

	mu        sync.Mutex
	lastWrite time.Time
	terminal  bool
}

func (h *stageHandle) Attempt() int { return h.attempt }

// UpdateProgress persists a clamped progress value. Writes are rate-limited
// per handle; dropped intermediate values are not an error because the next
// write or the terminal transition supersedes them.
func (h *stageHandle) UpdateProgress(ctx context.Context, percent float64, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	h.mu.Lock()
	now := h.tracker.now()
	if h.terminal || (!h.lastWrite.IsZero() && now.Sub(h.lastWrite) < h.tracker.progressInterval) {
		h.mu.Unlock()
		return
	}
	h.lastWrite = now
	h.mu.Unlock()

	_, err := h.tracker.db.ExecContext(ctx,
		`UPDATE stage_status SET progress_percent = $1 WHERE document_id = $2 AND stage_name = $3 AND status = 'processing'`,
		percent, h.documentID, h.stageName)
	if err != nil {
		h.tracker.logger.Warn().Err(err).
			Str("document_id", h.documentID).
			Str("stage", h.stageName).
			Float64("progress", percent).
			Msg("progress write failed")
		return
	}
	if message != "" {
		h.tracker.logger.Debug().
			Str("document_id", h.documentID).
			Str("stage", h.stageName).
			Float64("progress", percent).
			Msg(message)
	}
}

func (h *stageHandle) Complete(ctx context.Context) error {
	return h.finish(ctx,
		`UPDATE stage_status SET status = 'completed', progress_percent = 100, completed_at = $1 WHERE document_id = $2 AND stage_name = $3`,
		h.tracker.now().UTC(), h.documentID, h.stageName)
}

func (h *stageHandle) Fail(ctx context.Context, errorID string) error {
	return h.finish(ctx,
		`UPDATE stage_status SET status = 'failed', completed_at = $1, last_error_id = $2 WHERE document_id = $3 AND stage_name = $4`,
		h.tracker.now().UTC(), errorID, h.documentID, h.stageName)
}

func (h *stageHandle) Skip(ctx context.Context, reason string) error {
	h.tracker.logger.Info().
		Str("document_id", h.documentID).
		Str("stage", h.stageName).
		Str("reason", reason).
		Msg("stage skipped")
	return h.finish(ctx,
		`UPDATE stage_status SET status = 'skipped', completed_at = $1 WHERE document_id = $2 AND stage_name = $3`,
		h.tracker.now().UTC(), h.documentID, h.stageName)
}

// finish is the terminal write. It always goes to the database regardless
// of the progress rate limit, and it latches the handle closed.
func (h *stageHandle) finish(ctx context.Context, query string, args ...interface{}) error {
	h.mu.Lock()
	if h.terminal {
		h.mu.Unlock()
		return fmt.Errorf("stage %s attempt already finished", h.stageName)
	}
	h.terminal = true
	h.mu.Unlock()

	if _, err := h.tracker.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("finishing stage %s: %w", h.stageName, err)
	}
	return nil
}
