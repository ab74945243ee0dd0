package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/pipeline"
)

// Sweeper recovers stage_status rows stranded in processing by a crashed
// worker. A row older than the stale timeout is moved to failed with an
// error record, which makes it eligible for smart resume.
type Sweeper struct {
	db       Querier
	errorLog pipeline.ErrorRecorder
	logger   zerolog.Logger
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewSweeper(db Querier, errorLog pipeline.ErrorRecorder, logger zerolog.Logger, timeout, interval time.Duration) *Sweeper {
	if timeout <= 0 {
		timeout = time.Hour
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		db:       db,
		errorLog: errorLog,
		logger:   logger.With().Str("component", "stale_sweeper").Logger(),
		timeout:  timeout,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("timeout", s.timeout).
		Dur("interval", s.interval).
		Msg("stale recovery enabled")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error().Err(err).Msg("stale sweep failed")
			} else if n > 0 {
				s.logger.Warn().Int("recovered", n).Msg("recovered stale processing stages")
			}
		}
	}
}

// SweepOnce fails every stale processing row and returns how many it
// recovered.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.timeout)

	var rows []StageStatusRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT document_id, stage_name, status, progress_percent, attempt, started_at, completed_at, last_error_id
		 FROM stage_status WHERE status = 'processing' AND started_at < $1`, cutoff); err != nil {
		return 0, fmt.Errorf("finding stale stages: %w", err)
	}

	recovered := 0
	for _, row := range rows {
		staleErr := errs.Newf(errs.CategoryInternal,
			"stage %s abandoned in processing since %s, presumed worker crash",
			row.StageName, row.StartedAt.Time.UTC().Format(time.RFC3339))

		errorID := s.errorLog.Record(ctx, pipeline.ErrorRecord{
			Context: &pipeline.ProcessingContext{
				DocumentID: row.DocumentID,
				RequestID:  "stale_sweeper",
			},
			Err:            staleErr,
			Classification: errs.Classify(staleErr, row.StageName),
			Attempt:        row.Attempt,
			CorrelationID:  pipeline.GenerateCorrelationID("stale_sweeper", row.StageName, 0),
			StageName:      row.StageName,
		})

		if _, err := s.db.ExecContext(ctx,
			`UPDATE stage_status SET status = 'failed', completed_at = $1, last_error_id = $2
			 WHERE document_id = $3 AND stage_name = $4 AND status = 'processing'`,
			s.now().UTC(), errorID, row.DocumentID, row.StageName); err != nil {
			s.logger.Error().Err(err).
				Str("document_id", row.DocumentID).
				Str("stage", row.StageName).
				Msg("failed to mark stale stage as failed")
			continue
		}
		recovered++
	}
	return recovered, nil
}
