package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vodsum/internal/admission"
	"vodsum/internal/config"
	"vodsum/internal/fanout"
	"vodsum/internal/logging"
	"vodsum/internal/queue"
	"vodsum/internal/quota"
	"vodsum/internal/services"
	"vodsum/internal/stage"
	"vodsum/internal/testsupport"
	"vodsum/internal/workflow"
)

type stubStage struct {
	name        string
	executeHook func(*queue.Item)
	prepareErr  error
	executeErr  error
	calls       int
}

func newStubStage(name string) *stubStage {
	return &stubStage{name: name}
}

func (s *stubStage) Prepare(_ context.Context, _ *queue.Item) error {
	return s.prepareErr
}

func (s *stubStage) Execute(_ context.Context, item *queue.Item) error {
	s.calls++
	if s.executeHook != nil {
		s.executeHook(item)
	}
	return s.executeErr
}

func (s *stubStage) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(s.name)
}

type stubDistributor struct {
	calls  int
	result fanout.Result
	err    error
}

func (s *stubDistributor) Distribute(_ context.Context, _ *queue.Item) (fanout.Result, error) {
	s.calls++
	return s.result, s.err
}

type stubNotifier struct {
	completed      []string
	failed         []string
	quotaExhausted int
}

func (s *stubNotifier) NotifyVideoCompleted(_ context.Context, title string, _, _ int) error {
	s.completed = append(s.completed, title)
	return nil
}

func (s *stubNotifier) NotifyVideoFailed(_ context.Context, title, _ string, _ error) error {
	s.failed = append(s.failed, title)
	return nil
}

func (s *stubNotifier) NotifyQuotaExhausted(_ context.Context, _ string, _ int) error {
	s.quotaExhausted++
	return nil
}

func (s *stubNotifier) TestNotification(context.Context) error { return nil }

type harness struct {
	cfg         *config.Config
	store       *queue.Store
	limiter     *quota.Limiter
	manager     *workflow.Manager
	notifier    *stubNotifier
	distributor *stubDistributor
	acquirer    *stubStage
	transcriber *stubStage
	summarizer  *stubStage
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	store := testsupport.MustOpenStore(t, cfg)
	limiter := quota.NewLimiter(store.DB(), quota.ResourceSummarizer, cfg.Quota.DailyCallLimit, logging.NewNop())
	notifier := &stubNotifier{}
	distributor := &stubDistributor{result: fanout.Result{Attempted: 1, Delivered: 1}}

	h := &harness{
		cfg:         cfg,
		store:       store,
		limiter:     limiter,
		notifier:    notifier,
		distributor: distributor,
		acquirer:    newStubStage("acquire"),
		transcriber: newStubStage("transcribe"),
		summarizer:  newStubStage("summarize"),
	}
	h.manager = workflow.NewManager(cfg, store, logging.NewNop(), notifier, limiter, distributor)
	h.manager.ConfigureStages(workflow.StageSet{
		Admission:   admission.NewHandler(cfg, logging.NewNop()),
		Acquirer:    h.acquirer,
		Transcriber: h.transcriber,
		Summarizer:  h.summarizer,
	})
	return h
}

// advanceUntil drives the job through the pipeline one phase at a time until
// it settles in the wanted status or stops making progress.
func (h *harness) advanceUntil(t *testing.T, id int64, want queue.Status) *queue.Item {
	t.Helper()
	ctx := context.Background()
	var prev queue.Status
	for i := 0; i < 12; i++ {
		item, err := h.manager.Advance(ctx, id)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if item.Status == want {
			return item
		}
		if item.Status == prev && !item.IsProcessing() {
			t.Fatalf("job stalled in %s, wanted %s", item.Status, want)
		}
		prev = item.Status
	}
	t.Fatalf("job never reached %s", want)
	return nil
}

func TestPipelineCompletesVideoUnderCeiling(t *testing.T) {
	h := newHarness(t)
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 1800)

	h.advanceUntil(t, item.ID, queue.StatusCompleted)

	// Completion and distribution are separate commits.
	got, err := h.manager.Advance(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.DistributedAt == nil {
		t.Fatal("expected distribution stamp after completion")
	}
	if h.distributor.calls != 1 {
		t.Fatalf("distributor calls = %d, want 1", h.distributor.calls)
	}
	if len(h.notifier.completed) != 1 {
		t.Fatalf("completion notifications = %d, want 1", len(h.notifier.completed))
	}

	times := got.PhaseTimes()
	for _, status := range []queue.Status{queue.StatusAdmitted, queue.StatusAcquiring, queue.StatusTranscribing, queue.StatusSummarizing, queue.StatusCompleted} {
		if _, ok := times[status]; !ok {
			t.Fatalf("missing phase stamp for %s", status)
		}
	}
}

func TestPipelineAdmitsVideoExactlyAtCeiling(t *testing.T) {
	h := newHarness(t)
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", h.cfg.Admission.MaxDurationSeconds)

	got := h.advanceUntil(t, item.ID, queue.StatusCompleted)
	if got.SkipReason != "" {
		t.Fatalf("unexpected skip reason %q", got.SkipReason)
	}
}

func TestPipelineSkipsOverlongVideoWithoutQuotaUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 5000)

	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != queue.StatusSkipped {
		t.Fatalf("status = %s, want skipped", got.Status)
	}
	if got.SkipReason != queue.SkipReasonDuration {
		t.Fatalf("skip reason = %q, want %q", got.SkipReason, queue.SkipReasonDuration)
	}
	detail, ok := got.SkipDetail()
	if !ok {
		t.Fatal("expected structured skip detail")
	}
	if detail.ActualSeconds != 5000 || detail.CeilingSeconds != h.cfg.Admission.MaxDurationSeconds {
		t.Fatalf("skip detail = %+v", detail)
	}

	// No acquisition, no transcription, and no quota consumption.
	if h.acquirer.calls != 0 || h.transcriber.calls != 0 || h.summarizer.calls != 0 {
		t.Fatal("skipped job must not run heavy phases")
	}
	window, err := h.limiter.Today(ctx)
	if err != nil {
		t.Fatalf("quota window: %v", err)
	}
	if window.CallsUsed != 0 {
		t.Fatalf("quota calls used = %d, want 0", window.CallsUsed)
	}

	// A skipped job is terminal: further advances are no-ops.
	again, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance terminal: %v", err)
	}
	if again.Status != queue.StatusSkipped {
		t.Fatalf("terminal job moved to %s", again.Status)
	}
}

func TestCeilingIsReCheckedAfterAdmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// An over-ceiling job that slipped past admission, as if it was admitted
	// under an older, higher ceiling.
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 5000)
	item.Status = queue.StatusAdmitted
	testsupport.MustUpdate(t, h.store, item)

	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != queue.StatusSkipped {
		t.Fatalf("status = %s, want skipped", got.Status)
	}
	if got.SkipReason != queue.SkipReasonDuration {
		t.Fatalf("skip reason = %q, want %q", got.SkipReason, queue.SkipReasonDuration)
	}
	detail, ok := got.SkipDetail()
	if !ok {
		t.Fatal("expected structured skip detail")
	}
	if detail.ActualSeconds != 5000 || detail.CeilingSeconds != h.cfg.Admission.MaxDurationSeconds {
		t.Fatalf("skip detail = %+v", detail)
	}
	if h.acquirer.calls != 0 {
		t.Fatalf("acquire ran %d times for an over-ceiling job", h.acquirer.calls)
	}
}

func TestQuotaDenialParksJobUntilNextDay(t *testing.T) {
	h := newHarness(t, testsupport.WithDailyCallLimit(1))
	ctx := context.Background()

	day := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	h.limiter.WithClock(func() time.Time { return day })

	first := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)
	second := testsupport.NewJob(t, h.store, "channel-a", "vid-2", 700)

	h.advanceUntil(t, first.ID, queue.StatusCompleted)

	got := h.advanceUntil(t, second.ID, queue.StatusAwaitingQuota)
	if got.QuotaWaitSince == nil {
		t.Fatal("expected quota wait stamp")
	}
	if h.notifier.quotaExhausted == 0 {
		t.Fatal("expected quota exhaustion notification")
	}
	waitSince := *got.QuotaWaitSince

	// A parked job stays parked while the budget is exhausted.
	again, err := h.manager.Advance(ctx, second.ID)
	if err != nil {
		t.Fatalf("advance parked: %v", err)
	}
	if again.Status != queue.StatusAwaitingQuota {
		t.Fatalf("parked job moved to %s", again.Status)
	}

	// Next day the window refreshes and the scheduler re-offers the job.
	h.limiter.WithClock(func() time.Time { return day.Add(24 * time.Hour) })
	released, err := h.store.ReofferAwaitingQuota(ctx, 10)
	if err != nil {
		t.Fatalf("reoffer: %v", err)
	}
	if len(released) != 1 || released[0].ID != second.ID {
		t.Fatalf("released = %+v", released)
	}

	done := h.advanceUntil(t, second.ID, queue.StatusCompleted)
	if done.QuotaWaitSince == nil || !done.QuotaWaitSince.Equal(waitSince) {
		t.Fatal("first-entry quota wait stamp must survive re-offer")
	}
}

func TestTransientFailureRollsBackThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)

	h.acquirer.executeErr = services.Wrap(services.ErrTransient, "acquire", "fetch", "network hiccup", nil)

	h.advanceUntil(t, item.ID, queue.StatusAdmitted)
	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != queue.StatusAdmitted {
		t.Fatalf("status = %s, want rollback to admitted", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}
	if got.LeaseToken != "" {
		t.Fatal("rollback must release the lease")
	}

	h.acquirer.executeErr = nil
	done := h.advanceUntil(t, item.ID, queue.StatusCompleted)
	if done.ErrorMessage != "" {
		t.Fatalf("unexpected error message %q", done.ErrorMessage)
	}
}

func TestTransientFailuresExhaustAttemptBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)

	h.transcriber.executeErr = services.Wrap(services.ErrExternalTool, "transcribe", "run", "crashed", nil)

	h.advanceUntil(t, item.ID, queue.StatusAcquired)
	var got *queue.Item
	var err error
	for i := 0; i < h.cfg.Workflow.MaxAttempts; i++ {
		got, err = h.manager.Advance(ctx, item.ID)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed after %d attempts", got.Status, h.cfg.Workflow.MaxAttempts)
	}
	if got.FailedFrom != queue.StatusTranscribing {
		t.Fatalf("failed from = %s, want transcribing", got.FailedFrom)
	}
	if len(h.notifier.failed) != 1 {
		t.Fatalf("failure notifications = %d, want 1", len(h.notifier.failed))
	}
}

func TestPermanentFailureFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)

	h.acquirer.executeErr = services.Wrap(services.ErrValidation, "acquire", "fetch", "video removed", nil)

	h.advanceUntil(t, item.ID, queue.StatusAdmitted)
	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed on first permanent error", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", got.AttemptCount)
	}
}

func TestRetryFailedReturnsJobToPhaseStart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)

	h.transcriber.executeErr = services.Wrap(services.ErrPermanent, "transcribe", "run", "bad media", nil)
	h.advanceUntil(t, item.ID, queue.StatusAcquired)
	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != queue.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}

	if _, err := h.store.RetryFailed(ctx, item.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	h.transcriber.executeErr = nil
	done := h.advanceUntil(t, item.ID, queue.StatusCompleted)
	if done.AttemptCount != 0 {
		t.Fatalf("operator retry must reset the attempt counter, got %d", done.AttemptCount)
	}
}

func TestCleanupRemovesArtifactsPerOutcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staging := h.cfg.Paths.StagingDir
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}

	writeFile := func(name string) string {
		t.Helper()
		path := filepath.Join(staging, name)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}

	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)
	h.acquirer.executeHook = func(i *queue.Item) {
		i.MediaFile = writeFile("vid-1.m4a")
	}
	h.transcriber.executeHook = func(i *queue.Item) {
		i.TranscriptFile = writeFile("vid-1.txt")
	}

	mediaPath := filepath.Join(staging, "vid-1.m4a")
	transcriptPath := filepath.Join(staging, "vid-1.txt")

	got := h.advanceUntil(t, item.ID, queue.StatusTranscribed)
	if _, err := os.Stat(mediaPath); !os.IsNotExist(err) {
		t.Fatal("media file must be removed after successful transcription")
	}
	if got.MediaFile != "" {
		t.Fatalf("media reference = %q, want cleared", got.MediaFile)
	}

	done := h.advanceUntil(t, item.ID, queue.StatusCompleted)
	if _, err := os.Stat(transcriptPath); !os.IsNotExist(err) {
		t.Fatal("transcript must be removed after successful summarization")
	}
	if done.TranscriptFile != "" {
		t.Fatalf("transcript reference = %q, want cleared", done.TranscriptFile)
	}

	// A failed download leaves no partial media behind.
	partial := testsupport.NewJob(t, h.store, "channel-a", "vid-2", 600)
	var partialPath string
	h.acquirer.executeHook = func(i *queue.Item) {
		partialPath = writeFile("vid-2.m4a.part")
		i.MediaFile = partialPath
	}
	h.acquirer.executeErr = services.Wrap(services.ErrTransient, "acquire", "fetch", "interrupted", nil)
	h.advanceUntil(t, partial.ID, queue.StatusAdmitted)
	if _, err := h.manager.Advance(ctx, partial.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if _, err := os.Stat(partialPath); !os.IsNotExist(err) {
		t.Fatal("partial media must be removed after failed acquisition")
	}
}

func TestFailedTranscriptionKeepsMediaForRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	staging := h.cfg.Paths.StagingDir
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatal(err)
	}
	mediaPath := filepath.Join(staging, "vid-1.m4a")
	if err := os.WriteFile(mediaPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)
	h.acquirer.executeHook = func(i *queue.Item) {
		i.MediaFile = mediaPath
	}
	h.transcriber.executeErr = services.Wrap(services.ErrTransient, "transcribe", "run", "oom", nil)

	h.advanceUntil(t, item.ID, queue.StatusAcquired)
	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.Status != queue.StatusAcquired {
		t.Fatalf("status = %s, want rollback to acquired", got.Status)
	}
	if _, err := os.Stat(mediaPath); err != nil {
		t.Fatal("media must survive a failed transcription so the retry skips the download")
	}
	if got.MediaFile != mediaPath {
		t.Fatalf("media reference = %q, want retained", got.MediaFile)
	}
}

func TestDistributionIsSeparateFromCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item := testsupport.NewJob(t, h.store, "channel-a", "vid-1", 600)

	h.advanceUntil(t, item.ID, queue.StatusCompleted)
	if h.distributor.calls != 0 {
		t.Fatalf("distributor calls = %d before distribution advance, want 0", h.distributor.calls)
	}

	got, err := h.manager.Advance(ctx, item.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.DistributedAt == nil {
		t.Fatal("expected distribution stamp")
	}
	if h.distributor.calls != 1 {
		t.Fatalf("distributor calls = %d, want 1", h.distributor.calls)
	}

	// Distribution already stamped, so another advance is a no-op.
	if _, err := h.manager.Advance(ctx, item.ID); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if h.distributor.calls != 1 {
		t.Fatalf("distributor calls = %d after terminal advance, want 1", h.distributor.calls)
	}
}

func TestHealthChecksReportEveryPhase(t *testing.T) {
	h := newHarness(t)
	checks := h.manager.HealthChecks(context.Background())
	if len(checks) != 4 {
		t.Fatalf("health checks = %d, want 4", len(checks))
	}
	for _, check := range checks {
		if !check.Ready {
			t.Fatalf("phase %s unexpectedly unhealthy: %s", check.Name, check.Detail)
		}
		if check.Name == "" {
			t.Fatal("health check missing phase name")
		}
	}
}
