package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// OutlineService runs the first pipeline step: plan the story as a chapter
// outline. Its result is the anchor every chapter-indexed step reads back.
type OutlineService interface {
	RunOutline(dbc dbctx.Context, runID uuid.UUID, chapterCount int) (*types.WorkflowStep, error)
}

type outlineService struct {
	stepCore
	gen TextGenerator
}

func NewOutlineService(
	baseLog *logger.Logger,
	ledger LedgerService,
	contexts ContextManager,
	stories repos.StoryRepo,
	progress ProgressService,
	gen TextGenerator,
) OutlineService {
	return &outlineService{
		stepCore: stepCore{
			log:      baseLog.With("service", "OutlineService"),
			ledger:   ledger,
			contexts: contexts,
			stories:  stories,
			progress: progress,
		},
		gen: gen,
	}
}

func (s *outlineService) RunOutline(dbc dbctx.Context, runID uuid.UUID, chapterCount int) (*types.WorkflowStep, error) {
	ref := wf.StepRef{Kind: wf.KindOutline}
	run, contextID, systemPrompt, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}

	text, err := GenerateWithFallback(s.log, s.gen, dbc, contextID, systemPrompt, OutlinePrompt(chapterCount))
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	var outline Outline
	if err := ParseModelJSON(text, &outline); err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	if len(outline.Chapters) == 0 {
		err := fmt.Errorf("outline has no chapters")
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	// Persist the discovered chapter count so the estimator and the story
	// record agree even after a restart.
	if _, err := s.stories.UpdateFields(dbc, run.StoryID, map[string]interface{}{
		"chapter_count": len(outline.Chapters),
	}); err != nil {
		s.log.Warn("could not persist chapter count", "story_id", run.StoryID.String(), "error", err)
	}

	step, err := s.completeStep(dbc, runID, ref, outline)
	if err != nil {
		return nil, err
	}
	s.log.Info("outline generated", "run_id", runID.String(), "chapters", len(outline.Chapters))
	return step, nil
}

// loadOutline reads the completed outline step back from the ledger for
// downstream steps.
func loadOutline(ledger LedgerService, dbc dbctx.Context, runID uuid.UUID) (Outline, error) {
	step, err := ledger.GetStepResult(dbc, runID, string(wf.KindOutline))
	if err != nil {
		return Outline{}, err
	}
	if step == nil || step.Status != wf.StepStatusCompleted {
		return Outline{}, fmt.Errorf("outline step has not completed for run %s", runID)
	}
	var outline Outline
	if err := ParseModelJSON(string(step.Detail), &outline); err != nil {
		return Outline{}, err
	}
	return outline, nil
}
