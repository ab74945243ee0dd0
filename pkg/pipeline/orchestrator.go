package pipeline

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/techdocs/docpipe/pkg/errs"
)

// Orchestrator decides whether a classified failure is retried, computes
// the backoff delay, and schedules background retries. Retries are always
// background: the original request returns as soon as the retry is
// scheduled.
type Orchestrator struct {
	logger  zerolog.Logger
	errors  ErrorRecorder
	tracker StageTracker

	// uniform is the jitter source, injectable for deterministic tests.
	uniform func() float64

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewOrchestrator(logger zerolog.Logger, errors ErrorRecorder, tracker StageTracker) *Orchestrator {
	return &Orchestrator{
		logger:  logger.With().Str("component", "retry_orchestrator").Logger(),
		errors:  errors,
		tracker: tracker,
		uniform: rand.Float64,
		stopCh:  make(chan struct{}),
	}
}

// ShouldRetry reports whether a failed attempt gets another one: the error
// must be transient, its category must be in the policy's retry set, and
// the attempt budget must not be spent.
func (o *Orchestrator) ShouldRetry(cls errs.Classification, attempt int, policy RetryPolicy) bool {
	return cls.IsTransient && policy.Retries(cls.Category) && attempt < policy.MaxRetries
}

// ComputeDelay returns the wait before the next attempt. Exponential
// backoff capped at the policy maximum, raised to any retry-after hint,
// then full-jittered by the policy's jitter fraction.
func (o *Orchestrator) ComputeDelay(attempt int, cls errs.Classification, policy RetryPolicy) time.Duration {
	// Cap in float space before converting: at high attempt counts the
	// exponential term overflows int64 and a Duration cast would go
	// negative. The inverted comparison also catches Inf and NaN.
	base := float64(policy.BaseDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt))
	if !(base < float64(policy.MaxDelay)) {
		base = float64(policy.MaxDelay)
	}
	if retryAfter := float64(cls.RetryAfter); retryAfter > 0 && base < retryAfter {
		base = retryAfter
	}

	j := policy.JitterFraction
	delay := time.Duration(base * (1 - j + 2*j*o.uniform()))
	if delay < 0 {
		delay = 0
	}
	if ceiling := time.Duration(float64(policy.MaxDelay) * (1 + j)); delay > ceiling {
		delay = ceiling
	}
	return delay
}

// GenerateCorrelationID formats the correlation id for one stage attempt.
func (o *Orchestrator) GenerateCorrelationID(requestID, stageName string, attempt int) string {
	return GenerateCorrelationID(requestID, stageName, attempt)
}

// SpawnBackgroundRetry schedules the next attempt of a failed stage. It
// synchronously marks the error record retrying and resets the stage row
// to pending, then hands the delayed re-invocation to a background task.
// The returned time is when the retry fires.
func (o *Orchestrator) SpawnBackgroundRetry(
	ctx context.Context,
	pctx *ProcessingContext,
	stageName string,
	errorID string,
	cls errs.Classification,
	policy RetryPolicy,
	runner StageRunner,
) time.Time {
	delay := o.ComputeDelay(pctx.RetryAttempt, cls, policy)
	nextRetryAt := time.Now().UTC().Add(delay)

	if err := o.errors.MarkRetrying(ctx, errorID, nextRetryAt); err != nil {
		o.logger.Error().Err(err).Str("error_id", errorID).Msg("failed to mark error record retrying")
	}
	if err := o.tracker.ResetToPending(ctx, pctx.DocumentID, stageName); err != nil {
		o.logger.Error().Err(err).
			Str("document_id", pctx.DocumentID).
			Str("stage", stageName).
			Msg("failed to reset stage status for retry")
	}

	// Fresh copy per attempt: the retry owns its context exclusively.
	next := pctx.Clone()
	next.RetryAttempt = pctx.RetryAttempt + 1
	next.CorrelationID = GenerateCorrelationID(next.RequestID, stageName, next.RetryAttempt)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		o.logger.Warn().
			Str("document_id", pctx.DocumentID).
			Str("stage", stageName).
			Msg("orchestrator stopped, dropping scheduled retry")
		return nextRetryAt
	}
	o.wg.Add(1)
	o.mu.Unlock()

	o.logger.Info().
		Str("document_id", pctx.DocumentID).
		Str("stage", stageName).
		Str("error_id", errorID).
		Str("correlation_id", next.CorrelationID).
		Int("attempt", next.RetryAttempt).
		Dur("delay", delay).
		Time("next_retry_at", nextRetryAt).
		Msg("scheduled background retry")

	go func() {
		defer o.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-o.stopCh:
			o.logger.Info().
				Str("document_id", next.DocumentID).
				Str("stage", stageName).
				Msg("shutdown before retry fired")
			return
		}

		// The retry runs detached from the original request but re-enters
		// the full scheduler path, advisory lock included.
		outcome := runner.RunStage(context.Background(), next, stageName)
		o.logger.Info().
			Str("document_id", next.DocumentID).
			Str("stage", stageName).
			Str("correlation_id", next.CorrelationID).
			Str("status", string(outcome.Status)).
			Msg("background retry finished")
	}()

	return nextRetryAt
}

// Stop prevents new retries from being scheduled and waits for in-flight
// scheduled retries to finish or be abandoned.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		close(o.stopCh)
	}
	o.mu.Unlock()
	o.wg.Wait()
}
