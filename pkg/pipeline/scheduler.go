package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/techdocs/docpipe/pkg/errs"
)

// SchedulerConfig carries the scheduler's operational knobs.
type SchedulerConfig struct {
	// Component keys retry-policy lookups.
	Component              string
	DefaultStageTimeout    time.Duration
	ShutdownGrace          time.Duration
	MaxConcurrentDocuments int64
}

// Scheduler drives documents through their stages: one attempt of one
// stage is lock -> tracker start -> processor -> tracker end, with the
// retry orchestrator handling failures. It is re-entrant across documents
// and serialises only on the advisory lock per (document, stage).
type Scheduler struct {
	logger       zerolog.Logger
	locks        LockManager
	tracker      StageTracker
	errorLog     ErrorRecorder
	policies     PolicyProvider
	registry     *Registry
	orchestrator *Orchestrator
	cfg          SchedulerConfig
	sem          *semaphore.Weighted
}

func NewScheduler(
	logger zerolog.Logger,
	locks LockManager,
	tracker StageTracker,
	errorLog ErrorRecorder,
	policies PolicyProvider,
	registry *Registry,
	orchestrator *Orchestrator,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.Component == "" {
		cfg.Component = "pipeline"
	}
	if cfg.DefaultStageTimeout <= 0 {
		cfg.DefaultStageTimeout = 5 * time.Minute
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 30 * time.Second
	}

	s := &Scheduler{
		logger:       logger.With().Str("component", "scheduler").Logger(),
		locks:        locks,
		tracker:      tracker,
		errorLog:     errorLog,
		policies:     policies,
		registry:     registry,
		orchestrator: orchestrator,
		cfg:          cfg,
	}
	if cfg.MaxConcurrentDocuments > 0 {
		s.sem = semaphore.NewWeighted(cfg.MaxConcurrentDocuments)
	}
	return s
}

// RunStage executes one attempt of one stage for one document.
func (s *Scheduler) RunStage(ctx context.Context, pctx *ProcessingContext, stageName string) StageOutcome {
	if release, err := s.acquireSlot(ctx); err != nil {
		return s.cancelledOutcome(pctx, stageName, err)
	} else {
		defer release()
	}
	return s.runOne(ctx, pctx, stageName)
}

// RunStages runs an explicit ordered stage list. The sequence stops at the
// first stage that did not complete; with fireAndForget set, a stage whose
// failure spawned a retry counts as handled and the sequence continues.
func (s *Scheduler) RunStages(ctx context.Context, pctx *ProcessingContext, stageNames []string, fireAndForget bool) ([]StageOutcome, error) {
	for _, name := range stageNames {
		if !IsKnownStage(name) {
			return nil, fmt.Errorf("unknown stage %q", name)
		}
	}

	release, err := s.acquireSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	outcomes := make([]StageOutcome, 0, len(stageNames))
	for _, name := range stageNames {
		outcome := s.runOne(ctx, pctx, name)
		outcomes = append(outcomes, outcome)

		switch outcome.Status {
		case OutcomeCompleted:
			continue
		case OutcomeRetryScheduled:
			if fireAndForget {
				continue
			}
			return outcomes, nil
		default:
			return outcomes, nil
		}
	}
	return outcomes, nil
}

// RunAll drives the document through the full canonical stage list.
func (s *Scheduler) RunAll(ctx context.Context, pctx *ProcessingContext, fireAndForget bool) ([]StageOutcome, error) {
	return s.RunStages(ctx, pctx, CanonicalStages(), fireAndForget)
}

// SmartResume restarts from persisted stage_status: stages recorded as
// pending or failed run in canonical order; completed, skipped, and
// in-flight stages are left alone.
func (s *Scheduler) SmartResume(ctx context.Context, pctx *ProcessingContext) ([]StageOutcome, error) {
	statuses, err := s.tracker.Statuses(ctx, pctx.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("loading stage statuses: %w", err)
	}

	var toRun []string
	for _, name := range CanonicalStages() {
		info, ok := statuses[name]
		if !ok {
			continue
		}
		if info.Status == StatusPending || info.Status == StatusFailed {
			toRun = append(toRun, name)
		}
	}

	s.logger.Info().
		Str("document_id", pctx.DocumentID).
		Strs("stages", toRun).
		Msg("smart resume plan")

	return s.RunStages(ctx, pctx, toRun, false)
}

func (s *Scheduler) acquireSlot(ctx context.Context) (func(), error) {
	if s.sem == nil {
		return func() {}, nil
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { s.sem.Release(1) }, nil
}

func (s *Scheduler) cancelledOutcome(pctx *ProcessingContext, stageName string, err error) StageOutcome {
	now := time.Now().UTC()
	return StageOutcome{
		StageName:     stageName,
		Status:        OutcomeFailed,
		CorrelationID: GenerateCorrelationID(pctx.RequestID, stageName, pctx.RetryAttempt),
		StartedAt:     now,
		EndedAt:       now,
		Error:         err.Error(),
	}
}

type processorReturn struct {
	result ProcessingResult
	err    error
}

// runOne is one attempt of one stage: the lock/track/process/record
// sequence from which every outcome derives.
func (s *Scheduler) runOne(ctx context.Context, pctx *ProcessingContext, stageName string) StageOutcome {
	pctx.CorrelationID = GenerateCorrelationID(pctx.RequestID, stageName, pctx.RetryAttempt)

	outcome := StageOutcome{
		StageName:     stageName,
		CorrelationID: pctx.CorrelationID,
		StartedAt:     time.Now().UTC(),
	}
	logger := s.logger.With().
		Str("document_id", pctx.DocumentID).
		Str("stage", stageName).
		Str("correlation_id", pctx.CorrelationID).
		Logger()

	// No new stage starts after cancellation.
	if err := ctx.Err(); err != nil {
		outcome.Status = OutcomeFailed
		outcome.Error = err.Error()
		outcome.EndedAt = time.Now().UTC()
		return outcome
	}

	acquired, err := s.locks.TryAcquire(ctx, pctx.DocumentID, stageName)
	if err != nil {
		return s.recordFailure(ctx, pctx, stageName, nil, err, outcome, logger)
	}
	if !acquired {
		logger.Info().Msg("stage already locked by another worker")
		outcome.Status = OutcomeSkippedLock
		outcome.EndedAt = time.Now().UTC()
		return outcome
	}
	defer func() {
		if _, err := s.locks.Release(context.WithoutCancel(ctx), pctx.DocumentID, stageName); err != nil {
			logger.Error().Err(err).Msg("advisory lock release failed")
		}
	}()

	handle, err := s.tracker.StartStage(ctx, pctx.DocumentID, stageName)
	if err != nil {
		return s.recordFailure(ctx, pctx, stageName, nil, err, outcome, logger)
	}

	processor, ok := s.registry.Get(stageName)
	if !ok {
		err := errs.Newf(errs.CategoryValidation, "no processor registered for stage %s", stageName)
		return s.recordFailure(ctx, pctx, stageName, handle, err, outcome, logger)
	}

	policy := s.policies.GetPolicy(ctx, s.cfg.Component, stageName)
	timeout := s.cfg.DefaultStageTimeout
	if bound := 10 * policy.MaxDelay; bound > 0 && timeout > bound {
		timeout = bound
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan processorReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- processorReturn{err: errs.Newf(errs.CategoryInternal, "stage processor panicked: %v", r)}
			}
		}()
		result, err := processor.Process(runCtx, pctx)
		ch <- processorReturn{result: result, err: err}
	}()

	var ret processorReturn
	select {
	case ret = <-ch:
	case <-runCtx.Done():
		// The processor holds the cancellation signal; give it the grace
		// window to unwind before abandoning the attempt.
		select {
		case ret = <-ch:
		case <-time.After(s.cfg.ShutdownGrace):
			logger.Warn().Msg("stage did not return within grace window, abandoning attempt")
			outcome.Status = OutcomeFailed
			outcome.Error = "stage abandoned: did not return after cancellation"
			outcome.EndedAt = time.Now().UTC()
			// The stage_status row is intentionally left in processing;
			// the stale sweeper or the next start reconciles it.
			return outcome
		}
	}

	if ret.err == nil && ret.result.Success {
		if err := handle.Complete(ctx); err != nil {
			logger.Error().Err(err).Msg("failed to persist stage completion")
		}
		if pctx.RetryAttempt > 0 {
			if err := s.errorLog.ResolveRetrying(ctx, pctx.DocumentID, stageName, "retry_orchestrator"); err != nil {
				logger.Error().Err(err).Msg("failed to resolve retried error records")
			}
		}
		logger.Info().
			Str("request_id", pctx.RequestID).
			Int("attempt", handle.Attempt()).
			Msg("stage completed")

		outcome.Status = OutcomeCompleted
		outcome.Outputs = ret.result.Data
		outcome.EndedAt = time.Now().UTC()
		return outcome
	}

	stageErr := ret.err
	if stageErr == nil {
		stageErr = errors.New(ret.result.Error)
	}
	return s.recordFailure(ctx, pctx, stageName, handle, stageErr, outcome, logger)
}

// recordFailure classifies, persists, and either schedules a retry or
// finalises the failure. It always produces a well-formed outcome.
func (s *Scheduler) recordFailure(
	ctx context.Context,
	pctx *ProcessingContext,
	stageName string,
	handle StageHandle,
	stageErr error,
	outcome StageOutcome,
	logger zerolog.Logger,
) StageOutcome {
	cls := errs.Classify(stageErr, stageName)
	policy := s.policies.GetPolicy(ctx, s.cfg.Component, stageName)

	errorID := s.errorLog.Record(ctx, ErrorRecord{
		Context:        pctx,
		Err:            stageErr,
		Classification: cls,
		Attempt:        pctx.RetryAttempt,
		MaxAttempts:    policy.MaxRetries,
		CorrelationID:  pctx.CorrelationID,
		StageName:      stageName,
	})
	outcome.ErrorID = errorID
	outcome.Error = stageErr.Error()

	if handle != nil {
		if err := handle.Fail(ctx, errorID); err != nil {
			logger.Error().Err(err).Msg("failed to persist stage failure")
		}
	}

	if s.orchestrator.ShouldRetry(cls, pctx.RetryAttempt, policy) {
		nextRetryAt := s.orchestrator.SpawnBackgroundRetry(ctx, pctx, stageName, errorID, cls, policy, s)
		outcome.Status = OutcomeRetryScheduled
		outcome.NextRetryAt = &nextRetryAt
		outcome.EndedAt = time.Now().UTC()
		return outcome
	}

	if err := s.errorLog.MarkFailed(ctx, errorID); err != nil {
		logger.Error().Err(err).Str("error_id", errorID).Msg("failed to finalise error record")
	}
	logger.Error().
		Str("error_id", errorID).
		Str("error_category", string(cls.Category)).
		Bool("is_transient", cls.IsTransient).
		Msg("stage failed permanently")

	outcome.Status = OutcomeFailed
	outcome.EndedAt = time.Now().UTC()
	return outcome
}
