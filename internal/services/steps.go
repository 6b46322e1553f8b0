package services

import (
	"encoding/json"
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

// stepCore is the plumbing every step service shares: resolve-or-create the
// run's conversation context, mark the run, record the outcome, trigger a
// best-effort progress recompute.
type stepCore struct {
	log      *logger.Logger
	ledger   LedgerService
	contexts ContextManager
	stories  repos.StoryRepo
	progress ProgressService
}

// beginStep loads the run, reuses its conversation context when one exists
// (the same context record serves the reuse path and the fresh-create path),
// and moves the run onto the step. Returns the run, the context id and the
// system prompt in effect.
func (c *stepCore) beginStep(dbc dbctx.Context, runID uuid.UUID, ref wf.StepRef) (*types.WorkflowRun, string, string, error) {
	run, err := c.ledger.GetRun(dbc, runID)
	if err != nil {
		return nil, "", "", err
	}
	if wf.IsTerminalRunStatus(run.Status) {
		return nil, "", "", apierr.New(http.StatusConflict, "run_already_terminal",
			fmt.Errorf("run %s is %s, refusing step %s", runID, run.Status, ref))
	}

	contextID := wf.ContextID(run.StoryID, run.ID)
	row, err := c.contexts.GetContext(dbc, contextID)
	if err != nil {
		return nil, "", "", err
	}
	systemPrompt := ""
	if row != nil {
		systemPrompt = row.SystemPrompt
	} else {
		story, err := c.stories.GetByID(dbc, run.StoryID)
		if err != nil {
			return nil, "", "", err
		}
		if story == nil {
			return nil, "", "", ErrStoryNotFound
		}
		systemPrompt = BuildStorySystemPrompt(story)
		if err := c.contexts.InitializeContext(dbc, contextID, run.StoryID, systemPrompt); err != nil {
			return nil, "", "", err
		}
	}

	stepName := ref.StepName()
	status := wf.RunStatusRunning
	update := RunUpdate{Status: &status, CurrentStep: &stepName}
	if run.StartedAt == nil {
		now := time.Now().UTC()
		update.StartedAt = &now
	}
	if _, err := c.ledger.UpdateRun(dbc, runID, update); err != nil {
		return nil, "", "", err
	}
	return run, contextID, systemPrompt, nil
}

// completeStep records the step result (fatal on failure) and then triggers
// the progress recompute, which is best-effort relative to the write.
func (c *stepCore) completeStep(dbc dbctx.Context, runID uuid.UUID, ref wf.StepRef, result any) (*types.WorkflowStep, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode step result: %w", err)
	}
	stepName := ref.StepName()
	if err := c.ledger.StoreStepResult(dbc, runID, stepName, StepResultInput{
		Status: wf.StepStatusCompleted,
		Result: raw,
	}); err != nil {
		return nil, err
	}

	if err := c.progress.UpdateStoryProgress(dbc, runID); err != nil {
		c.log.Warn("progress recompute failed after step write",
			"run_id", runID.String(), "step", stepName, "error", err)
	}
	return c.ledger.GetStepResult(dbc, runID, stepName)
}

// failStep marks the run failed with the cause. The original error is what
// the caller propagates; bookkeeping failures here only get logged.
func (c *stepCore) failStep(dbc dbctx.Context, runID uuid.UUID, ref wf.StepRef, cause error) {
	raw, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if err := c.ledger.StoreStepResult(dbc, runID, ref.StepName(), StepResultInput{
		Status: wf.StepStatusFailed,
		Result: raw,
	}); err != nil {
		c.log.Error("failed step could not be recorded", "run_id", runID.String(), "step", ref.String(), "error", err)
	}
	status := wf.RunStatusFailed
	msg := cause.Error()
	now := time.Now().UTC()
	if _, err := c.ledger.UpdateRun(dbc, runID, RunUpdate{
		Status:       &status,
		ErrorMessage: &msg,
		EndedAt:      &now,
	}); err != nil {
		c.log.Error("failed run could not be marked", "run_id", runID.String(), "error", err)
	}
}
