package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/techdocs/docpipe/pkg/errs"
	"github.com/techdocs/docpipe/pkg/logging"
)

// --- fakes -----------------------------------------------------------------

type fakeLocks struct {
	mu       sync.Mutex
	denied   map[string]bool
	acquired []string
	released []string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{denied: map[string]bool{}}
}

func (f *fakeLocks) key(doc, stage string) string { return doc + ":" + stage }

func (f *fakeLocks) TryAcquire(_ context.Context, doc, stage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[f.key(doc, stage)] {
		return false, nil
	}
	f.acquired = append(f.acquired, f.key(doc, stage))
	return true, nil
}

func (f *fakeLocks) Release(_ context.Context, doc, stage string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, f.key(doc, stage))
	return true, nil
}

type fakeHandle struct {
	mu        sync.Mutex
	attempt   int
	completed bool
	failedID  string
	skipped   string
	progress  []float64
}

func (h *fakeHandle) UpdateProgress(_ context.Context, pct float64, _ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progress = append(h.progress, pct)
}

func (h *fakeHandle) Complete(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = true
	return nil
}

func (h *fakeHandle) Fail(_ context.Context, errorID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failedID = errorID
	return nil
}

func (h *fakeHandle) Skip(_ context.Context, reason string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.skipped = reason
	return nil
}

func (h *fakeHandle) Attempt() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempt
}

type fakeTracker struct {
	mu       sync.Mutex
	statuses map[string]StageInfo
	handles  map[string][]*fakeHandle
	resets   []string
	attempts map[string]int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{
		statuses: map[string]StageInfo{},
		handles:  map[string][]*fakeHandle{},
		attempts: map[string]int{},
	}
}

func (f *fakeTracker) StartStage(_ context.Context, doc, stage string) (StageHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := doc + ":" + stage
	f.attempts[key]++
	h := &fakeHandle{attempt: f.attempts[key]}
	f.handles[key] = append(f.handles[key], h)
	return h, nil
}

func (f *fakeTracker) ResetToPending(_ context.Context, doc, stage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, doc+":"+stage)
	return nil
}

func (f *fakeTracker) Statuses(_ context.Context, _ string) (map[string]StageInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]StageInfo, len(f.statuses))
	for k, v := range f.statuses {
		out[k] = v
	}
	return out, nil
}

func (f *fakeTracker) handleFor(doc, stage string, i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	hs := f.handles[doc+":"+stage]
	if i >= len(hs) {
		return nil
	}
	return hs[i]
}

type fakeErrorLog struct {
	mu       sync.Mutex
	records  []ErrorRecord
	ids      []string
	retrying map[string]time.Time
	failed   []string
	resolved []string
	seq      int
}

func newFakeErrorLog() *fakeErrorLog {
	return &fakeErrorLog{retrying: map[string]time.Time{}}
}

func (f *fakeErrorLog) Record(_ context.Context, rec ErrorRecord) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("err_%016x", f.seq)
	f.records = append(f.records, rec)
	f.ids = append(f.ids, id)
	return id
}

func (f *fakeErrorLog) MarkRetrying(_ context.Context, errorID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retrying[errorID] = at
	return nil
}

func (f *fakeErrorLog) MarkFailed(_ context.Context, errorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, errorID)
	return nil
}

func (f *fakeErrorLog) ResolveRetrying(_ context.Context, doc, stage, by string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, doc+":"+stage)
	return nil
}

func (f *fakeErrorLog) snapshot() ([]ErrorRecord, []string, []string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ErrorRecord(nil), f.records...),
		append([]string(nil), f.ids...),
		append([]string(nil), f.failed...),
		append([]string(nil), f.resolved...)
}

type fakePolicies struct {
	policy RetryPolicy
}

func (f *fakePolicies) GetPolicy(context.Context, string, string) RetryPolicy {
	return f.policy
}

type funcProcessor struct {
	name string
	fn   func(ctx context.Context, pctx *ProcessingContext) (ProcessingResult, error)
}

func (p *funcProcessor) Name() string                     { return p.name }
func (p *funcProcessor) RequiredInputs() []string         { return nil }
func (p *funcProcessor) Outputs() []string                { return nil }
func (p *funcProcessor) ResourceProfile() ResourceProfile { return ResourceProfile{ParallelSafe: true} }
func (p *funcProcessor) Process(ctx context.Context, pctx *ProcessingContext) (ProcessingResult, error) {
	return p.fn(ctx, pctx)
}

// --- harness ---------------------------------------------------------------

type schedulerFixture struct {
	scheduler *Scheduler
	locks     *fakeLocks
	tracker   *fakeTracker
	errorLog  *fakeErrorLog
	policies  *fakePolicies
	registry  *Registry
}

func newFixture(t *testing.T, policy RetryPolicy) *schedulerFixture {
	t.Helper()
	logger := logging.NewTest()
	locks := newFakeLocks()
	tracker := newFakeTracker()
	errorLog := newFakeErrorLog()
	policies := &fakePolicies{policy: policy}
	registry := NewRegistry()
	orchestrator := NewOrchestrator(logger, errorLog, tracker)
	t.Cleanup(orchestrator.Stop)

	scheduler := NewScheduler(logger, locks, tracker, errorLog, policies, registry, orchestrator, SchedulerConfig{
		DefaultStageTimeout: 5 * time.Second,
		ShutdownGrace:       200 * time.Millisecond,
	})
	return &schedulerFixture{
		scheduler: scheduler,
		locks:     locks,
		tracker:   tracker,
		errorLog:  errorLog,
		policies:  policies,
		registry:  registry,
	}
}

func fastPolicy(maxRetries int, retryOn ...errs.Category) RetryPolicy {
	on := map[errs.Category]bool{}
	for _, c := range retryOn {
		on[c] = true
	}
	return RetryPolicy{
		MaxRetries:        maxRetries,
		BaseDelay:         time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		JitterFraction:    0,
		RetryOn:           on,
	}
}

func testContext(doc string) *ProcessingContext {
	return &ProcessingContext{
		DocumentID: doc,
		RequestID:  "req-1",
		FilePath:   "/tmp/" + doc + ".pdf",
	}
}

// --- tests -----------------------------------------------------------------

func TestRunStageHappyPath(t *testing.T) {
	fx := newFixture(t, fastPolicy(3, errs.CategoryTimeout))
	require.NoError(t, fx.registry.Register(&funcProcessor{
		name: StageUpload,
		fn: func(_ context.Context, pctx *ProcessingContext) (ProcessingResult, error) {
			return ProcessingResult{Success: true, Data: map[string]interface{}{"file_hash": "abc"}}, nil
		},
	}))

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageUpload)

	assert.Equal(t, OutcomeCompleted, outcome.Status)
	assert.Equal(t, "req-1.stage_upload.retry_0", outcome.CorrelationID)
	assert.Equal(t, "abc", outcome.Outputs["file_hash"])
	assert.Empty(t, outcome.ErrorID)

	h := fx.tracker.handleFor("doc-1", StageUpload, 0)
	require.NotNil(t, h)
	assert.True(t, h.completed)
	assert.Equal(t, 1, h.Attempt())

	// Lock released on the success path.
	assert.Equal(t, []string{"doc-1:" + StageUpload}, fx.locks.released)

	records, _, _, _ := fx.errorLog.snapshot()
	assert.Empty(t, records)
}

func TestRunStageSkippedDueToLock(t *testing.T) {
	fx := newFixture(t, fastPolicy(3))
	processorCalled := false
	require.NoError(t, fx.registry.Register(&funcProcessor{
		name: StageTextExtraction,
		fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
			processorCalled = true
			return ProcessingResult{Success: true}, nil
		},
	}))
	fx.locks.denied["doc-1:"+StageTextExtraction] = true

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageTextExtraction)

	assert.Equal(t, OutcomeSkippedLock, outcome.Status)
	assert.False(t, processorCalled)
	assert.Nil(t, fx.tracker.handleFor("doc-1", StageTextExtraction, 0))
	assert.Empty(t, fx.locks.released)
}

func TestRunStagePermanentFailure(t *testing.T) {
	fx := newFixture(t, fastPolicy(3, errs.CategoryTimeout))
	require.NoError(t, fx.registry.Register(&funcProcessor{
		name: StageClassification,
		fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
			return ProcessingResult{}, errs.Validation("unsupported document type")
		},
	}))

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageClassification)

	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.NotEmpty(t, outcome.ErrorID)
	assert.Nil(t, outcome.NextRetryAt)

	records, ids, failed, _ := fx.errorLog.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, errs.CategoryValidation, records[0].Classification.Category)
	assert.Equal(t, 0, records[0].Attempt)
	// Permanent failures finalise the record; it never goes to retrying.
	assert.Equal(t, ids, failed)
	assert.Empty(t, fx.errorLog.retrying)

	h := fx.tracker.handleFor("doc-1", StageClassification, 0)
	require.NotNil(t, h)
	assert.Equal(t, outcome.ErrorID, h.failedID)
	assert.Equal(t, []string{"doc-1:" + StageClassification}, fx.locks.released)
}

func TestRunStageTransientFailureThenSuccess(t *testing.T) {
	fx := newFixture(t, fastPolicy(3, errs.CategoryTimeout))

	var mu sync.Mutex
	calls := 0
	require.NoError(t, fx.registry.Register(&funcProcessor{
		name: StageEmbedding,
		fn: func(_ context.Context, pctx *ProcessingContext) (ProcessingResult, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return ProcessingResult{}, errs.Timeout("embedding backend stalled")
			}
			return ProcessingResult{Success: true}, nil
		},
	}))

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageEmbedding)

	require.Equal(t, OutcomeRetryScheduled, outcome.Status)
	require.NotNil(t, outcome.NextRetryAt)
	assert.NotEmpty(t, outcome.ErrorID)
	assert.WithinDuration(t, time.Now(), *outcome.NextRetryAt, time.Second)

	// Error record moved to retrying and the stage row was reset.
	fx.errorLog.mu.Lock()
	_, isRetrying := fx.errorLog.retrying[outcome.ErrorID]
	fx.errorLog.mu.Unlock()
	assert.True(t, isRetrying)

	require.Eventually(t, func() bool {
		h := fx.tracker.handleFor("doc-1", StageEmbedding, 1)
		return h != nil && func() bool { h.mu.Lock(); defer h.mu.Unlock(); return h.completed }()
	}, 2*time.Second, 5*time.Millisecond, "retry attempt should complete")

	// Second attempt carried the bumped correlation id and resolved the chain.
	_, _, _, resolved := fx.errorLog.snapshot()
	assert.Contains(t, resolved, "doc-1:"+StageEmbedding)
	assert.Contains(t, fx.tracker.resets, "doc-1:"+StageEmbedding)

	h := fx.tracker.handleFor("doc-1", StageEmbedding, 1)
	assert.Equal(t, 2, h.Attempt())
}

func TestRunStageRetryBudgetExhausted(t *testing.T) {
	fx := newFixture(t, fastPolicy(2, errs.CategoryNetwork))

	var mu sync.Mutex
	calls := 0
	require.NoError(t, fx.registry.Register(&funcProcessor{
		name: StageStorage,
		fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return ProcessingResult{}, errs.Network("object store unreachable")
		},
	}))

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageStorage)
	require.Equal(t, OutcomeRetryScheduled, outcome.Status)

	// Attempts 0, 1, 2 each record an error; attempt 2 finalises as failed.
	require.Eventually(t, func() bool {
		_, _, failed, _ := fx.errorLog.snapshot()
		return len(failed) == 1
	}, 2*time.Second, 5*time.Millisecond)

	records, ids, failed, _ := fx.errorLog.snapshot()
	assert.Len(t, records, 3)
	assert.Equal(t, []int{0, 1, 2}, []int{records[0].Attempt, records[1].Attempt, records[2].Attempt})
	assert.Equal(t, ids[2], failed[0])

	// No attempt 3.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 3, calls)
	mu.Unlock()

	h := fx.tracker.handleFor("doc-1", StageStorage, 2)
	require.NotNil(t, h)
	assert.Equal(t, ids[2], h.failedID)
}

func TestRunStagesStopsAtFailure(t *testing.T) {
	fx := newFixture(t, fastPolicy(0))
	ran := []string{}
	var mu sync.Mutex
	mk := func(name string, fail bool) *funcProcessor {
		return &funcProcessor{name: name, fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			if fail {
				return ProcessingResult{Success: false, Error: "validation failed: bad input"}, nil
			}
			return ProcessingResult{Success: true}, nil
		}}
	}
	require.NoError(t, fx.registry.Register(mk(StageUpload, false)))
	require.NoError(t, fx.registry.Register(mk(StageTextExtraction, true)))
	require.NoError(t, fx.registry.Register(mk(StageTableExtraction, false)))

	outcomes, err := fx.scheduler.RunStages(context.Background(), testContext("doc-1"),
		[]string{StageUpload, StageTextExtraction, StageTableExtraction}, false)
	require.NoError(t, err)

	require.Len(t, outcomes, 2)
	assert.Equal(t, OutcomeCompleted, outcomes[0].Status)
	assert.Equal(t, OutcomeFailed, outcomes[1].Status)
	assert.Equal(t, []string{StageUpload, StageTextExtraction}, ran)
}

func TestRunStagesRejectsUnknownStage(t *testing.T) {
	fx := newFixture(t, fastPolicy(0))
	_, err := fx.scheduler.RunStages(context.Background(), testContext("doc-1"), []string{"transmogrify"}, false)
	assert.Error(t, err)
}

func TestSmartResumeOrdering(t *testing.T) {
	fx := newFixture(t, fastPolicy(0))
	ran := []string{}
	var mu sync.Mutex
	for _, name := range []string{StageTextExtraction, StageImageProcessing} {
		name := name
		require.NoError(t, fx.registry.Register(&funcProcessor{name: name, fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return ProcessingResult{Success: true}, nil
		}}))
	}

	fx.tracker.statuses = map[string]StageInfo{
		StageUpload:          {Status: StatusCompleted},
		StageTextExtraction:  {Status: StatusFailed},
		StageImageProcessing: {Status: StatusPending},
		StageSVGProcessing:   {Status: StatusProcessing}, // owned by another worker
	}

	outcomes, err := fx.scheduler.SmartResume(context.Background(), testContext("doc-2"))
	require.NoError(t, err)

	require.Len(t, outcomes, 2)
	assert.Equal(t, StageTextExtraction, outcomes[0].StageName)
	assert.Equal(t, StageImageProcessing, outcomes[1].StageName)
	assert.Equal(t, []string{StageTextExtraction, StageImageProcessing}, ran)
}

func TestRunStageAfterCancellation(t *testing.T) {
	fx := newFixture(t, fastPolicy(0))
	called := false
	require.NoError(t, fx.registry.Register(&funcProcessor{name: StageUpload, fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
		called = true
		return ProcessingResult{Success: true}, nil
	}}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := fx.scheduler.RunStage(ctx, testContext("doc-1"), StageUpload)
	assert.Equal(t, OutcomeFailed, outcome.Status)
	assert.False(t, called)
}

func TestRunStageProcessorPanicIsClassifiedInternal(t *testing.T) {
	fx := newFixture(t, fastPolicy(3, errs.CategoryTimeout))
	require.NoError(t, fx.registry.Register(&funcProcessor{name: StageUpload, fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
		panic("boom")
	}}))

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageUpload)

	assert.Equal(t, OutcomeFailed, outcome.Status)
	records, _, _, _ := fx.errorLog.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, errs.CategoryInternal, records[0].Classification.Category)

	// The lock is still released after a panic.
	assert.Equal(t, []string{"doc-1:" + StageUpload}, fx.locks.released)
}

func TestRunStageResultErrorEquivalentToRaisedError(t *testing.T) {
	fx := newFixture(t, fastPolicy(0))
	require.NoError(t, fx.registry.Register(&funcProcessor{name: StageUpload, fn: func(context.Context, *ProcessingContext) (ProcessingResult, error) {
		return ProcessingResult{Success: false, Error: "document not found in staging area"}, nil
	}}))

	outcome := fx.scheduler.RunStage(context.Background(), testContext("doc-1"), StageUpload)

	assert.Equal(t, OutcomeFailed, outcome.Status)
	records, _, _, _ := fx.errorLog.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, errs.CategoryNotFound, records[0].Classification.Category)
	assert.EqualError(t, records[0].Err, "document not found in staging area")
}
