package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/logging"
	"github.com/techdocs/docpipe/pkg/pipeline"
)

// NewErrorID returns a fresh error identifier: "err_" plus 16 lowercase
// hex characters.
func NewErrorID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing means the platform entropy source is broken;
		// fall back to a timestamp-derived id rather than losing the record.
		return fmt.Sprintf("err_%016x", time.Now().UnixNano())
	}
	return "err_" + hex.EncodeToString(b[:])
}

// ErrorLog is the dual-sink error logger: every failure becomes a
// pipeline_errors row and an ERROR log line sharing one error_id. The two
// sinks are independent; a database outage never suppresses the log line.
type ErrorLog struct {
	db     Querier
	logger zerolog.Logger
	newID  func() string
	now    func() time.Time
}

func NewErrorLog(db Querier, logger zerolog.Logger) *ErrorLog {
	return &ErrorLog{
		db:     db,
		logger: logger.With().Str("component", "error_log").Logger(),
		newID:  NewErrorID,
		now:    time.Now,
	}
}

const insertErrorQuery = `
INSERT INTO pipeline_errors (
	error_id, document_id, stage_name, error_type, error_category,
	error_message, stack_trace, context, retry_count, max_retries,
	status, is_transient, correlation_id, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`

// Record persists one failed attempt and emits the matching log line. It
// always returns a usable error id, even when the database insert fails.
func (e *ErrorLog) Record(ctx context.Context, rec pipeline.ErrorRecord) string {
	errorID := e.newID()
	now := e.now().UTC()
	stack := string(debug.Stack())

	var documentID, requestID string
	sanitized := map[string]interface{}{}
	if rec.Context != nil {
		documentID = rec.Context.DocumentID
		requestID = rec.Context.RequestID
		sanitized = logging.Redact(rec.Context.ToMap())
	}

	message := ""
	if rec.Err != nil {
		message = rec.Err.Error()
	}

	_, insertErr := e.db.ExecContext(ctx, insertErrorQuery,
		errorID, documentID, rec.StageName,
		rec.Classification.ErrorType, string(rec.Classification.Category),
		message, stack, JSONMap(sanitized),
		rec.Attempt, rec.MaxAttempts,
		ErrorStatusPending, rec.Classification.IsTransient,
		rec.CorrelationID, now)
	if insertErr != nil {
		// Meta-error: the failure to persist gets its own id so the original
		// record can be reconstructed from logs alone.
		e.logger.Error().
			Str("error_id", e.newID()).
			Str("failed_error_id", errorID).
			Str("correlation_id", rec.CorrelationID).
			Err(insertErr).
			Msg("failed to persist pipeline error record")
	}

	e.logger.Error().
		Str("error_id", errorID).
		Str("correlation_id", rec.CorrelationID).
		Str("request_id", requestID).
		Str("document_id", documentID).
		Str("stage", rec.StageName).
		Str("error_type", rec.Classification.ErrorType).
		Str("error_category", string(rec.Classification.Category)).
		Bool("is_transient", rec.Classification.IsTransient).
		Int("retry_count", rec.Attempt).
		Int("max_retries", rec.MaxAttempts).
		Str("stack_trace", stack).
		Interface("context", sanitized).
		Msg(message)

	return errorID
}

// UpdateStatus moves an error record through its lifecycle. nextRetryAt is
// only meaningful for the retrying status.
func (e *ErrorLog) UpdateStatus(ctx context.Context, errorID, status string, nextRetryAt *time.Time) error {
	var at sql.NullTime
	if nextRetryAt != nil {
		at = sql.NullTime{Time: nextRetryAt.UTC(), Valid: true}
	}
	_, err := e.db.ExecContext(ctx,
		`UPDATE pipeline_errors SET status = $1, next_retry_at = $2, updated_at = $3 WHERE error_id = $4`,
		status, at, e.now().UTC(), errorID)
	if err != nil {
		return fmt.Errorf("updating error %s to %s: %w", errorID, status, err)
	}
	return nil
}

func (e *ErrorLog) MarkRetrying(ctx context.Context, errorID string, nextRetryAt time.Time) error {
	return e.UpdateStatus(ctx, errorID, ErrorStatusRetrying, &nextRetryAt)
}

func (e *ErrorLog) MarkFailed(ctx context.Context, errorID string) error {
	return e.UpdateStatus(ctx, errorID, ErrorStatusFailed, nil)
}

// MarkResolved closes one record, recording who resolved it and why.
func (e *ErrorLog) MarkResolved(ctx context.Context, errorID, resolvedBy, notes string) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE pipeline_errors
		 SET status = 'resolved', resolved_at = $1, resolved_by = $2, resolution_notes = $3, updated_at = $1
		 WHERE error_id = $4`,
		e.now().UTC(), resolvedBy, notes, errorID)
	if err != nil {
		return fmt.Errorf("resolving error %s: %w", errorID, err)
	}
	return nil
}

// ResolveRetrying closes every retrying record for a (document, stage)
// pair. Called when a retried attempt finally succeeds, so the whole retry
// chain reaches a terminal status.
func (e *ErrorLog) ResolveRetrying(ctx context.Context, documentID, stageName, resolvedBy string) error {
	_, err := e.db.ExecContext(ctx,
		`UPDATE pipeline_errors
		 SET status = 'resolved', resolved_at = $1, resolved_by = $2, resolution_notes = 'retry succeeded', updated_at = $1
		 WHERE document_id = $3 AND stage_name = $4 AND status = 'retrying'`,
		e.now().UTC(), resolvedBy, documentID, stageName)
	if err != nil {
		return fmt.Errorf("resolving retrying errors for %s/%s: %w", documentID, stageName, err)
	}
	return nil
}

func (e *ErrorLog) ByID(ctx context.Context, errorID string) (*PipelineError, error) {
	var rec PipelineError
	err := e.db.GetContext(ctx, &rec, `SELECT * FROM pipeline_errors WHERE error_id = $1`, errorID)
	if err != nil {
		return nil, fmt.Errorf("loading error %s: %w", errorID, err)
	}
	return &rec, nil
}

// ByCorrelationID returns the records for one exact correlation id, oldest
// first.
func (e *ErrorLog) ByCorrelationID(ctx context.Context, correlationID string) ([]PipelineError, error) {
	var recs []PipelineError
	err := e.db.SelectContext(ctx, &recs,
		`SELECT * FROM pipeline_errors WHERE correlation_id = $1 ORDER BY created_at`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("loading errors for correlation %s: %w", correlationID, err)
	}
	return recs, nil
}

// ByCorrelationPrefix returns every record in a retry chain. Attempts share
// the "{request_id}.stage_{stage}." prefix and differ only in the trailing
// retry counter.
func (e *ErrorLog) ByCorrelationPrefix(ctx context.Context, requestID, stageName string) ([]PipelineError, error) {
	prefix := requestID + ".stage_" + stageName + ".retry_%"
	var recs []PipelineError
	err := e.db.SelectContext(ctx, &recs,
		`SELECT * FROM pipeline_errors WHERE correlation_id LIKE $1 ORDER BY created_at`, prefix)
	if err != nil {
		return nil, fmt.Errorf("loading retry chain for %s/%s: %w", requestID, stageName, err)
	}
	return recs, nil
}

// ListUnresolved returns pending and retrying records, oldest first.
func (e *ErrorLog) ListUnresolved(ctx context.Context, limit int) ([]PipelineError, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []PipelineError
	err := e.db.SelectContext(ctx, &recs,
		`SELECT * FROM pipeline_errors WHERE status IN ('pending', 'retrying') ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing unresolved errors: %w", err)
	}
	return recs, nil
}
