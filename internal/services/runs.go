package services

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/apierr"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// RunView is a run joined with its steps and current completion percentage,
// the shape the read API serves.
type RunView struct {
	Run        *types.WorkflowRun    `json:"run"`
	Steps      []*types.WorkflowStep `json:"steps"`
	Percentage int                   `json:"percentage"`
}

// RunService owns run lifecycle: start (or resume the active run), read,
// cancel, and the terminal finalize step.
type RunService interface {
	Start(dbc dbctx.Context, storyID uuid.UUID, metadata map[string]interface{}) (*types.WorkflowRun, error)
	Get(dbc dbctx.Context, runID uuid.UUID) (*RunView, error)
	Cancel(dbc dbctx.Context, runID uuid.UUID, reason string) (*types.WorkflowRun, error)
	Finalize(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowRun, error)
}

type runService struct {
	log      *logger.Logger
	ledger   LedgerService
	contexts ContextManager
	stories  repos.StoryRepo
	progress ProgressService
}

func NewRunService(
	baseLog *logger.Logger,
	ledger LedgerService,
	contexts ContextManager,
	stories repos.StoryRepo,
	progress ProgressService,
) RunService {
	return &runService{
		log:      baseLog.With("service", "RunService"),
		ledger:   ledger,
		contexts: contexts,
		stories:  stories,
		progress: progress,
	}
}

// Start returns the story's active run when one exists so a second trigger
// resumes instead of forking a duplicate pipeline.
func (s *runService) Start(dbc dbctx.Context, storyID uuid.UUID, metadata map[string]interface{}) (*types.WorkflowRun, error) {
	story, err := s.stories.GetByID(dbc, storyID)
	if err != nil {
		return nil, err
	}
	if story == nil {
		return nil, ErrStoryNotFound
	}
	run, err := s.ledger.CreateOrGetRun(dbc, storyID, metadata)
	if err != nil {
		return nil, err
	}
	s.log.Info("run started", "story_id", storyID.String(), "run_id", run.ID.String(), "status", run.Status)
	return run, nil
}

func (s *runService) Get(dbc dbctx.Context, runID uuid.UUID) (*RunView, error) {
	run, err := s.ledger.GetRun(dbc, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.ledger.GetRunSteps(dbc, runID)
	if err != nil {
		return nil, err
	}
	pct, err := s.progress.CalculateProgress(dbc, runID)
	if err != nil {
		// The run itself is readable even when the estimate is not.
		s.log.Warn("progress estimate unavailable", "run_id", runID.String(), "error", err)
		pct = 0
	}
	return &RunView{Run: run, Steps: steps, Percentage: pct}, nil
}

// Cancel is advisory: it flips the status so new steps are refused, but any
// step already in flight finishes on its own.
func (s *runService) Cancel(dbc dbctx.Context, runID uuid.UUID, reason string) (*types.WorkflowRun, error) {
	run, err := s.ledger.GetRun(dbc, runID)
	if err != nil {
		return nil, err
	}
	if wf.IsTerminalRunStatus(run.Status) {
		return nil, apierr.New(http.StatusConflict, "run_already_terminal",
			fmt.Errorf("run %s is already %s", runID, run.Status))
	}

	status := wf.RunStatusCancelled
	now := time.Now().UTC()
	update := RunUpdate{Status: &status, EndedAt: &now}
	if reason != "" {
		update.ErrorMessage = &reason
	}
	run, err = s.ledger.UpdateRun(dbc, runID, update)
	if err != nil {
		return nil, err
	}
	if err := s.contexts.ClearContext(dbc, wf.ContextID(run.StoryID, run.ID)); err != nil {
		s.log.Warn("context cleanup after cancel failed", "run_id", runID.String(), "error", err)
	}
	s.log.Info("run cancelled", "run_id", runID.String(), "reason", reason)
	return run, nil
}

// Finalize records the terminal step, completes the run and releases the
// run's conversation context. After it the run reports exactly 100 percent.
func (s *runService) Finalize(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowRun, error) {
	run, err := s.ledger.GetRun(dbc, runID)
	if err != nil {
		return nil, err
	}
	if wf.IsTerminalRunStatus(run.Status) {
		return nil, apierr.New(http.StatusConflict, "run_already_terminal",
			fmt.Errorf("run %s is already %s", runID, run.Status))
	}

	if err := s.ledger.StoreStepResult(dbc, runID, wf.TerminalStepName, StepResultInput{
		Status: wf.StepStatusCompleted,
	}); err != nil {
		return nil, err
	}

	status := wf.RunStatusCompleted
	currentStep := wf.TerminalStepName
	now := time.Now().UTC()
	run, err = s.ledger.UpdateRun(dbc, runID, RunUpdate{
		Status:      &status,
		CurrentStep: &currentStep,
		EndedAt:     &now,
	})
	if err != nil {
		return nil, err
	}

	if err := s.progress.UpdateStoryProgress(dbc, runID); err != nil {
		s.log.Warn("final progress recompute failed", "run_id", runID.String(), "error", err)
	}
	if err := s.contexts.ClearContext(dbc, wf.ContextID(run.StoryID, run.ID)); err != nil {
		s.log.Warn("context cleanup after finalize failed", "run_id", runID.String(), "error", err)
	}
	s.log.Info("run finalized", "run_id", runID.String(), "story_id", run.StoryID.String())
	return run, nil
}
