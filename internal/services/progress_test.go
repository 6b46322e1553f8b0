package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos/testutil"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/domain/stories"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
)

type captureBus struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (b *captureBus) PublishProgress(_ context.Context, ev ProgressEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *captureBus) last() (ProgressEvent, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.events) == 0 {
		return ProgressEvent{}, false
	}
	return b.events[len(b.events)-1], true
}

// flakyStoryRepo fails UpdateFields with a transient error a fixed number of
// times before delegating.
type flakyStoryRepo struct {
	repos.StoryRepo
	mu       sync.Mutex
	failures int
	calls    int
}

func (r *flakyStoryRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	r.calls++
	fail := r.calls <= r.failures
	r.mu.Unlock()
	if fail {
		return false, fmt.Errorf("dial tcp: connection refused")
	}
	return r.StoryRepo.UpdateFields(dbc, id, updates)
}

type progressFixture struct {
	dbc      dbctx.Context
	ledger   LedgerService
	stories  repos.StoryRepo
	service  *progressService
	bus      *captureBus
	storyRow *types.Story
	run      *types.WorkflowRun
}

func newProgressFixture(t *testing.T, chapterCount *int, storyRepo repos.StoryRepo) *progressFixture {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)
	dbc := dbctx.WithTx(context.Background(), tx)

	ledger := NewLedgerService(db, log, repos.NewRunRepo(db, log), repos.NewStepRepo(db, log))
	if storyRepo == nil {
		storyRepo = repos.NewStoryRepo(db, log)
	}
	bus := &captureBus{}
	svc := NewProgressService(db, log, ledger, storyRepo, nil, bus).(*progressService)
	svc.retrySleep = func(time.Duration) {}

	story := testutil.SeedStory(t, dbc.Ctx, dbc.Tx, chapterCount)
	run := testutil.SeedRun(t, dbc.Ctx, dbc.Tx, story.ID, wf.RunStatusRunning)
	return &progressFixture{
		dbc:      dbc,
		ledger:   ledger,
		stories:  storyRepo,
		service:  svc,
		bus:      bus,
		storyRow: story,
		run:      run,
	}
}

func (f *progressFixture) completeStep(t *testing.T, name, detail string) {
	t.Helper()
	testutil.SeedCompletedStep(t, f.dbc.Ctx, f.dbc.Tx, f.run.ID, name, detail)
}

func (f *progressFixture) storyPercentage(t *testing.T) int {
	t.Helper()
	story, err := f.stories.GetByID(f.dbc, f.storyRow.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if story == nil {
		t.Fatal("story vanished")
	}
	return story.CompletionPercentage
}

const fiveChapterOutline = `{"title":"T","chapters":[{"title":"1"},{"title":"2"},{"title":"3"},{"title":"4"},{"title":"5"}]}`

func TestCalculateProgressUsesOutlineChapterCount(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	f.completeStep(t, "generate_outline", fiveChapterOutline)
	f.completeStep(t, "write_chapter_1", "")
	f.completeStep(t, "write_chapter_2", "")
	f.completeStep(t, "write_chapter_3", "")

	// outline 60 + three chapters at 90 = 330 elapsed out of
	// 60 + 5*90 + 5*60 + 45 + 30 + 30 + 120 + 10 = 1045 total.
	pct, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	if pct != 32 {
		t.Errorf("percentage = %d, want 32", pct)
	}
}

func TestCalculateProgressDefaultsToFourChapters(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	f.completeStep(t, "write_chapter_1", "")

	// No outline and no story chapter count: total assumes 4 chapters,
	// 60 + 4*90 + 4*60 + 45 + 30 + 30 + 120 + 10 = 895; elapsed 90.
	pct, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	if pct != 10 {
		t.Errorf("percentage = %d, want 10", pct)
	}
}

func TestCalculateProgressPrefersStoryChapterCount(t *testing.T) {
	two := 2
	f := newProgressFixture(t, &two, nil)
	f.completeStep(t, "write_chapter_1", "")
	f.completeStep(t, "write_chapter_2", "")

	// total for 2 chapters = 60 + 180 + 120 + 45 + 30 + 30 + 120 + 10 = 595
	pct, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	if pct != 30 {
		t.Errorf("percentage = %d, want 30", pct)
	}
}

func TestCalculateProgressNeverExceedsHundred(t *testing.T) {
	one := 1
	f := newProgressFixture(t, &one, nil)
	// Complete far more chapter work than one chapter's model allows.
	f.completeStep(t, "generate_outline", "")
	for i := 1; i <= 9; i++ {
		f.completeStep(t, fmt.Sprintf("write_chapter_%d", i), "")
		f.completeStep(t, fmt.Sprintf("generate_image_chapter_%d", i), "")
	}

	pct, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	if pct > 100 {
		t.Errorf("percentage = %d, exceeds 100", pct)
	}
}

func TestCalculateProgressMonotonic(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	names := []string{
		"generate_outline",
		"write_chapter_1", "write_chapter_2", "write_chapter_3", "write_chapter_4",
		"generate_image_chapter_1", "generate_image_chapter_2",
		"generate_image_chapter_3", "generate_image_chapter_4",
		"generate_front_cover", "generate_back_cover",
		"assemble_book", "generate_audiobook",
	}
	prev := -1
	for _, name := range names {
		detail := ""
		if name == "generate_outline" {
			detail = `{"chapters":[{},{},{},{}]}`
		}
		f.completeStep(t, name, detail)
		pct, err := f.service.CalculateProgress(f.dbc, f.run.ID)
		if err != nil {
			t.Fatalf("CalculateProgress after %s: %v", name, err)
		}
		if pct < prev {
			t.Fatalf("progress went backwards after %s: %d < %d", name, pct, prev)
		}
		prev = pct
	}
}

func TestCalculateProgressIdempotent(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	f.completeStep(t, "generate_outline", fiveChapterOutline)
	f.completeStep(t, "write_chapter_1", "")

	first, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	for i := 0; i < 3; i++ {
		again, err := f.service.CalculateProgress(f.dbc, f.run.ID)
		if err != nil {
			t.Fatalf("CalculateProgress: %v", err)
		}
		if again != first {
			t.Fatalf("same inputs gave %d then %d", first, again)
		}
	}
}

func TestTerminalRunReportsExactlyHundred(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	// Only a fraction of the modelled work is recorded, but the run is
	// terminally complete.
	f.completeStep(t, "generate_outline", "")
	if _, err := f.ledger.UpdateRun(f.dbc, f.run.ID, RunUpdate{
		Status:      ptr(wf.RunStatusCompleted),
		CurrentStep: ptr(wf.TerminalStepName),
	}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	pct, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	if pct != 100 {
		t.Errorf("terminal run percentage = %d, want 100", pct)
	}
}

func TestUpdateStoryProgressWritesThroughAndPublishes(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	f.completeStep(t, "generate_outline", fiveChapterOutline)
	f.completeStep(t, "write_chapter_1", "")

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err != nil {
		t.Fatalf("UpdateStoryProgress: %v", err)
	}

	want, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	if got := f.storyPercentage(t); got != want {
		t.Errorf("story percentage = %d, want %d", got, want)
	}
	ev, ok := f.bus.last()
	if !ok {
		t.Fatal("no progress event published")
	}
	if ev.RunID != f.run.ID || ev.Percentage != want {
		t.Errorf("event = %+v", ev)
	}
}

func TestUpdateStoryProgressPublishesStoryOnTerminalRun(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	if _, err := f.ledger.UpdateRun(f.dbc, f.run.ID, RunUpdate{
		Status:      ptr(wf.RunStatusCompleted),
		CurrentStep: ptr(wf.TerminalStepName),
	}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err != nil {
		t.Fatalf("UpdateStoryProgress: %v", err)
	}
	story, err := f.stories.GetByID(f.dbc, f.storyRow.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if story.CompletionPercentage != 100 {
		t.Errorf("percentage = %d, want 100", story.CompletionPercentage)
	}
	if story.Status != stories.StoryStatusPublished {
		t.Errorf("status = %q, want published", story.Status)
	}
}

func TestUpdateStoryProgressSkipsFailedRun(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	f.completeStep(t, "generate_outline", "")
	if _, err := f.ledger.UpdateRun(f.dbc, f.run.ID, RunUpdate{
		Status: ptr(wf.RunStatusFailed),
	}); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err != nil {
		t.Fatalf("UpdateStoryProgress: %v", err)
	}
	if got := f.storyPercentage(t); got != 0 {
		t.Errorf("failed run still wrote percentage %d", got)
	}
	if _, ok := f.bus.last(); ok {
		t.Error("failed run published a progress event")
	}
}

func TestUpdateStoryProgressConcurrentCallSkips(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	f.completeStep(t, "generate_outline", "")

	// Simulate an in-flight recompute for this run.
	f.service.inflightMu.Lock()
	f.service.inflight[f.run.ID] = struct{}{}
	f.service.inflightMu.Unlock()

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err != nil {
		t.Fatalf("UpdateStoryProgress: %v", err)
	}
	if got := f.storyPercentage(t); got != 0 {
		t.Errorf("skipped recompute still wrote percentage %d", got)
	}

	f.service.inflightMu.Lock()
	delete(f.service.inflight, f.run.ID)
	f.service.inflightMu.Unlock()

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err != nil {
		t.Fatalf("UpdateStoryProgress after release: %v", err)
	}
	if got := f.storyPercentage(t); got == 0 {
		t.Error("released guard should allow the recompute")
	}
}

func TestUpdateStoryProgressRetriesTransientFailures(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	flaky := &flakyStoryRepo{StoryRepo: repos.NewStoryRepo(db, log), failures: 2}

	f := newProgressFixture(t, nil, flaky)
	f.completeStep(t, "generate_outline", "")

	var sleeps []time.Duration
	f.service.retrySleep = func(d time.Duration) { sleeps = append(sleeps, d) }

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err != nil {
		t.Fatalf("UpdateStoryProgress: %v", err)
	}
	if flaky.calls != 3 {
		t.Errorf("UpdateFields called %d times, want 3", flaky.calls)
	}
	for _, d := range sleeps {
		if d != progressRetryBackoff {
			t.Errorf("retry backoff = %v, want %v", d, progressRetryBackoff)
		}
	}
	if got := f.storyPercentage(t); got == 0 {
		t.Error("retried recompute never landed")
	}
}

func TestUpdateStoryProgressGivesUpAfterRetries(t *testing.T) {
	db := testutil.DB(t)
	log := testutil.Logger(t)
	flaky := &flakyStoryRepo{StoryRepo: repos.NewStoryRepo(db, log), failures: 99}

	f := newProgressFixture(t, nil, flaky)
	f.completeStep(t, "generate_outline", "")

	if err := f.service.UpdateStoryProgress(f.dbc, f.run.ID); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if flaky.calls != progressRetryAttempts {
		t.Errorf("UpdateFields called %d times, want %d", flaky.calls, progressRetryAttempts)
	}
}

func TestUpdateStoryProgressMissingRunNotRetried(t *testing.T) {
	f := newProgressFixture(t, nil, nil)
	attempts := 0
	f.service.retrySleep = func(time.Duration) { attempts++ }

	err := f.service.UpdateStoryProgress(f.dbc, uuid.New())
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if attempts != 0 {
		t.Errorf("not-found error was retried %d times", attempts)
	}
}

func TestChapterCountCacheRespectsTTL(t *testing.T) {
	f := newProgressFixture(t, nil, nil)

	clock := time.Now()
	f.service.now = func() time.Time { return clock }

	// First resolve caches the default.
	pct1, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}

	// The outline lands, but inside the TTL the cached count still rules.
	f.completeStep(t, "generate_outline", fiveChapterOutline)
	pct2, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	// elapsed changed (outline completed) but the denominator is still the
	// four-chapter total.
	if pct2 <= pct1 {
		t.Errorf("outline completion did not move progress: %d -> %d", pct1, pct2)
	}

	// Past the TTL the count is re-resolved from the outline.
	clock = clock.Add(chapterCountCacheTTL + time.Second)
	pct3, err := f.service.CalculateProgress(f.dbc, f.run.ID)
	if err != nil {
		t.Fatalf("CalculateProgress: %v", err)
	}
	// Five-chapter denominator (1045) vs four-chapter (895) with elapsed 60.
	if pct3 >= pct2 {
		t.Errorf("expired cache should lower the ratio: %d -> %d", pct2, pct3)
	}
}

func ptr[T any](v T) *T { return &v }
