package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/domain/stories"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// defaultChapterCount is the documented business default used when neither
// the outline step nor the story record carries a chapter count.
const defaultChapterCount = 4

const (
	chapterCountCacheTTL    = 5 * time.Minute
	progressRetryAttempts   = 3
	progressRetryBackoff    = 500 * time.Millisecond
	maxCompletionPercentage = 100
)

// ProgressEvent is published after every successful story write-back.
type ProgressEvent struct {
	StoryID    uuid.UUID `json:"story_id"`
	RunID      uuid.UUID `json:"run_id"`
	RunStatus  string    `json:"run_status"`
	Percentage int       `json:"percentage"`
	At         time.Time `json:"at"`
}

// ProgressPublisher pushes progress events to interested listeners.
// Publication is best-effort; failures never fail a recompute.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, ev ProgressEvent) error
}

// ProgressService turns the run's completed-step set into a bounded
// percentage on the parent story.
type ProgressService interface {
	// CalculateProgress computes the percentage without persisting anything.
	CalculateProgress(dbc dbctx.Context, runID uuid.UUID) (int, error)
	// UpdateStoryProgress recomputes and writes the percentage (and, on a
	// terminally completed run, the published status) onto the story.
	// At most one recompute runs per run id at a time; a concurrent second
	// call is a logged no-op.
	UpdateStoryProgress(dbc dbctx.Context, runID uuid.UUID) error
}

type progressService struct {
	db      *gorm.DB
	log     *logger.Logger
	ledger  LedgerService
	stories repos.StoryRepo
	model   StepTimeModel
	bus     ProgressPublisher

	// chapter-count cache, one entry per run id
	cacheMu    sync.Mutex
	cache      map[uuid.UUID]chapterCacheEntry
	cacheTTL   time.Duration
	lookup     singleflight.Group
	now        func() time.Time
	retrySleep func(time.Duration)

	// single-flight skip guard
	inflightMu sync.Mutex
	inflight   map[uuid.UUID]struct{}
}

type chapterCacheEntry struct {
	count     int
	expiresAt time.Time
}

func NewProgressService(
	db *gorm.DB,
	baseLog *logger.Logger,
	ledger LedgerService,
	storyRepo repos.StoryRepo,
	model StepTimeModel,
	bus ProgressPublisher,
) ProgressService {
	if model == nil {
		model = DefaultStepTimeModel()
	}
	return &progressService{
		db:         db,
		log:        baseLog.With("service", "ProgressService"),
		ledger:     ledger,
		stories:    storyRepo,
		model:      model,
		bus:        bus,
		cache:      map[uuid.UUID]chapterCacheEntry{},
		cacheTTL:   chapterCountCacheTTL,
		now:        time.Now,
		retrySleep: func(d time.Duration) { time.Sleep(d) },
		inflight:   map[uuid.UUID]struct{}{},
	}
}

func (s *progressService) CalculateProgress(dbc dbctx.Context, runID uuid.UUID) (int, error) {
	run, err := s.ledger.GetRun(dbc, runID)
	if err != nil {
		return 0, err
	}
	return s.calculateForRun(dbc, run)
}

func (s *progressService) calculateForRun(dbc dbctx.Context, run *types.WorkflowRun) (int, error) {
	// A finished pipeline is 100% whatever the time table says; this guards
	// against model drift after the terminal step.
	if run.Status == wf.RunStatusCompleted && run.CurrentStep == wf.TerminalStepName {
		return maxCompletionPercentage, nil
	}

	chapterCount, err := s.chapterCount(dbc, run)
	if err != nil {
		return 0, err
	}
	total := s.model.TotalSeconds(chapterCount)
	if total <= 0 {
		return 0, fmt.Errorf("step time model totals zero")
	}

	steps, err := s.ledger.GetRunSteps(dbc, run.ID)
	if err != nil {
		return 0, err
	}
	elapsed := s.model.ElapsedSeconds(steps)

	pct := int(math.Round(100 * elapsed / total))
	if pct > maxCompletionPercentage {
		pct = maxCompletionPercentage
	}
	if pct < 0 {
		pct = 0
	}
	return pct, nil
}

func (s *progressService) UpdateStoryProgress(dbc dbctx.Context, runID uuid.UUID) error {
	if runID == uuid.Nil {
		return ErrRunNotFound
	}

	s.inflightMu.Lock()
	if _, busy := s.inflight[runID]; busy {
		s.inflightMu.Unlock()
		s.log.Debug("progress recompute already in flight, skipping", "run_id", runID.String())
		return nil
	}
	s.inflight[runID] = struct{}{}
	s.inflightMu.Unlock()
	defer func() {
		s.inflightMu.Lock()
		delete(s.inflight, runID)
		s.inflightMu.Unlock()
	}()

	var lastErr error
	for attempt := 1; attempt <= progressRetryAttempts; attempt++ {
		err := s.recomputeOnce(dbc, runID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransient(err) {
			return err
		}
		s.log.Warn("progress recompute failed, retrying",
			"run_id", runID.String(), "attempt", attempt, "error", err)
		if attempt < progressRetryAttempts {
			s.retrySleep(progressRetryBackoff)
		}
	}
	return fmt.Errorf("progress recompute exhausted retries: %w", lastErr)
}

func (s *progressService) recomputeOnce(dbc dbctx.Context, runID uuid.UUID) error {
	run, err := s.ledger.GetRun(dbc, runID)
	if err != nil {
		return err
	}

	// A failed run will not resume; recomputing its percentage forever is
	// wasted work.
	if run.Status == wf.RunStatusFailed {
		s.log.Debug("run failed, skipping progress recompute", "run_id", runID.String())
		return nil
	}

	pct, err := s.calculateForRun(dbc, run)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"completion_percentage": pct,
	}
	terminal := run.Status == wf.RunStatusCompleted && run.CurrentStep == wf.TerminalStepName
	if terminal {
		updates["status"] = stories.StoryStatusPublished
	}
	ok, err := s.stories.UpdateFields(dbc, run.StoryID, updates)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoryNotFound
	}

	if s.bus != nil {
		ev := ProgressEvent{
			StoryID:    run.StoryID,
			RunID:      run.ID,
			RunStatus:  run.Status,
			Percentage: pct,
			At:         s.now().UTC(),
		}
		if err := s.bus.PublishProgress(dbc.Ctx, ev); err != nil {
			s.log.Warn("progress event publish failed", "run_id", runID.String(), "error", err)
		}
	}

	s.log.Debug("story progress updated",
		"run_id", runID.String(), "story_id", run.StoryID.String(), "percentage", pct)
	return nil
}

// chapterCount resolves the run's chapter count: the completed outline
// step's chapters array, else the story's chapter_count column, else the
// default. Cached per run for a bounded window; concurrent lookups for the
// same run are deduplicated.
func (s *progressService) chapterCount(dbc dbctx.Context, run *types.WorkflowRun) (int, error) {
	s.cacheMu.Lock()
	if entry, ok := s.cache[run.ID]; ok && s.now().Before(entry.expiresAt) {
		s.cacheMu.Unlock()
		return entry.count, nil
	}
	delete(s.cache, run.ID)
	s.cacheMu.Unlock()

	v, err, _ := s.lookup.Do(run.ID.String(), func() (interface{}, error) {
		count, err := s.resolveChapterCount(dbc, run)
		if err != nil {
			return 0, err
		}
		s.cacheMu.Lock()
		s.cache[run.ID] = chapterCacheEntry{count: count, expiresAt: s.now().Add(s.cacheTTL)}
		s.cacheMu.Unlock()
		return count, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (s *progressService) resolveChapterCount(dbc dbctx.Context, run *types.WorkflowRun) (int, error) {
	step, err := s.ledger.GetStepResult(dbc, run.ID, string(wf.KindOutline))
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return 0, err
	}
	if step != nil && step.Status == wf.StepStatusCompleted {
		if n := chaptersInOutline(step.Detail); n > 0 {
			return n, nil
		}
	}

	story, err := s.stories.GetByID(dbc, run.StoryID)
	if err != nil {
		return 0, err
	}
	if story != nil && story.ChapterCount != nil && *story.ChapterCount > 0 {
		return *story.ChapterCount, nil
	}

	return defaultChapterCount, nil
}

func chaptersInOutline(detail []byte) int {
	if len(detail) == 0 {
		return 0
	}
	var payload struct {
		Chapters []json.RawMessage `json:"chapters"`
	}
	if err := json.Unmarshal(detail, &payload); err != nil {
		return 0
	}
	return len(payload.Chapters)
}
