package pipeline

import (
	"context"
	"time"

	"github.com/techdocs/docpipe/pkg/errs"
)

// Stage statuses persisted in stage_status rows. Transitions follow
// pending -> processing -> {completed | failed | skipped}; only the retry
// orchestrator resets a failed row to pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// LockManager serialises work per (document, stage) via database advisory
// locks. A false TryAcquire is a control-flow signal, not an error.
type LockManager interface {
	TryAcquire(ctx context.Context, documentID, stageName string) (bool, error)
	Release(ctx context.Context, documentID, stageName string) (bool, error)
}

// StageHandle is the scoped handle for one running stage attempt. Exactly
// one of Complete, Fail, or Skip terminates it.
type StageHandle interface {
	UpdateProgress(ctx context.Context, percent float64, message string)
	Complete(ctx context.Context) error
	Fail(ctx context.Context, errorID string) error
	Skip(ctx context.Context, reason string) error
	Attempt() int
}

// StageInfo is the persisted view of one (document, stage) pair.
type StageInfo struct {
	Status      string    `json:"status"`
	Progress    float64   `json:"progress"`
	Attempt     int       `json:"attempt"`
	LastErrorID string    `json:"last_error_id,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// StageTracker persists per-(document, stage) status, progress and timing.
type StageTracker interface {
	StartStage(ctx context.Context, documentID, stageName string) (StageHandle, error)
	ResetToPending(ctx context.Context, documentID, stageName string) error
	Statuses(ctx context.Context, documentID string) (map[string]StageInfo, error)
}

// ErrorRecord is everything the error logger needs to persist one failure.
type ErrorRecord struct {
	Context        *ProcessingContext
	Err            error
	Classification errs.Classification
	Attempt        int
	MaxAttempts    int
	CorrelationID  string
	StageName      string
}

// ErrorRecorder is the dual-sink error logger. Record always returns a
// generated error id; persistence is best-effort and never blocks the
// scheduler's bookkeeping.
type ErrorRecorder interface {
	Record(ctx context.Context, rec ErrorRecord) string
	MarkRetrying(ctx context.Context, errorID string, nextRetryAt time.Time) error
	MarkFailed(ctx context.Context, errorID string) error
	ResolveRetrying(ctx context.Context, documentID, stageName, resolvedBy string) error
}

// PolicyProvider resolves the retry policy for a (component, stage) pair.
// Lookup failures fall back to the code default and are never fatal.
type PolicyProvider interface {
	GetPolicy(ctx context.Context, component, stageName string) RetryPolicy
}

// StageRunner re-enters the scheduler for one stage; the retry
// orchestrator uses it to run the next attempt through the full path,
// advisory lock included.
type StageRunner interface {
	RunStage(ctx context.Context, pctx *ProcessingContext, stageName string) StageOutcome
}

// OutcomeStatus is the terminal status of one scheduler attempt.
type OutcomeStatus string

const (
	OutcomeCompleted      OutcomeStatus = "completed"
	OutcomeFailed         OutcomeStatus = "failed"
	OutcomeSkippedLock    OutcomeStatus = "skipped_due_to_lock"
	OutcomeRetryScheduled OutcomeStatus = "retry_scheduled"
)

// StageOutcome is what a caller of run_stage receives.
type StageOutcome struct {
	StageName     string                 `json:"stage_name"`
	Status        OutcomeStatus          `json:"status"`
	ErrorID       string                 `json:"error_id,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	StartedAt     time.Time              `json:"started_at"`
	EndedAt       time.Time              `json:"ended_at"`
	NextRetryAt   *time.Time             `json:"next_retry_at,omitempty"`
	Outputs       map[string]interface{} `json:"outputs,omitempty"`
	Error         string                 `json:"error,omitempty"`
}
