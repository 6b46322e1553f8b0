package services

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// RunUpdate carries the partial fields UpdateRun merges into a run. Nil
// pointers are left untouched; updated_at always bumps.
type RunUpdate struct {
	Status       *string
	CurrentStep  *string
	ErrorMessage *string
	Metadata     map[string]interface{}
	StartedAt    *time.Time
	EndedAt      *time.Time
}

// StepResultInput is what a handler records once its external call finished.
type StepResultInput struct {
	Status string
	Result json.RawMessage
}

// LedgerService is the durable record of runs and their named steps.
// Operations are side-effecting and not internally retried; callers decide
// what a transient failure means for them.
type LedgerService interface {
	CreateOrGetRun(dbc dbctx.Context, storyID uuid.UUID, metadata map[string]interface{}) (*types.WorkflowRun, error)
	UpdateRun(dbc dbctx.Context, runID uuid.UUID, update RunUpdate) (*types.WorkflowRun, error)
	GetRun(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowRun, error)
	StoreStepResult(dbc dbctx.Context, runID uuid.UUID, stepName string, in StepResultInput) error
	GetRunSteps(dbc dbctx.Context, runID uuid.UUID) ([]*types.WorkflowStep, error)
	GetStepResult(dbc dbctx.Context, runID uuid.UUID, stepName string) (*types.WorkflowStep, error)
}

type ledgerService struct {
	db    *gorm.DB
	log   *logger.Logger
	runs  repos.RunRepo
	steps repos.StepRepo
}

func NewLedgerService(db *gorm.DB, baseLog *logger.Logger, runs repos.RunRepo, steps repos.StepRepo) LedgerService {
	return &ledgerService{
		db:    db,
		log:   baseLog.With("service", "LedgerService"),
		runs:  runs,
		steps: steps,
	}
}

// CreateOrGetRun hands back the story's active run when one exists,
// otherwise opens a new queued run. Read-check-then-insert; a concurrent
// duplicate insert is a benign race the next read resolves (newest active
// row wins).
func (s *ledgerService) CreateOrGetRun(dbc dbctx.Context, storyID uuid.UUID, metadata map[string]interface{}) (*types.WorkflowRun, error) {
	if storyID == uuid.Nil {
		return nil, fmt.Errorf("missing story id")
	}
	existing, err := s.runs.GetActiveByStory(dbc, storyID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	meta := datatypes.JSON([]byte("{}"))
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("encode run metadata: %w", err)
		}
		meta = datatypes.JSON(raw)
	}
	run := &types.WorkflowRun{
		ID:       uuid.New(),
		StoryID:  storyID,
		Status:   wf.RunStatusQueued,
		Metadata: meta,
	}
	created, err := s.runs.Create(dbc, run)
	if err != nil {
		return nil, err
	}
	s.log.Info("workflow run created", "run_id", created.ID.String(), "story_id", storyID.String())
	return created, nil
}

func (s *ledgerService) UpdateRun(dbc dbctx.Context, runID uuid.UUID, update RunUpdate) (*types.WorkflowRun, error) {
	if runID == uuid.Nil {
		return nil, ErrRunNotFound
	}
	updates := map[string]interface{}{}
	if update.Status != nil {
		updates["status"] = *update.Status
	}
	if update.CurrentStep != nil {
		updates["current_step"] = *update.CurrentStep
	}
	if update.ErrorMessage != nil {
		updates["error_message"] = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		updates["started_at"] = *update.StartedAt
	}
	if update.EndedAt != nil {
		updates["ended_at"] = *update.EndedAt
	}
	if update.Metadata != nil {
		raw, err := json.Marshal(update.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode run metadata: %w", err)
		}
		updates["metadata"] = datatypes.JSON(raw)
	}
	ok, err := s.runs.UpdateFields(dbc, runID, updates)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunNotFound
	}
	return s.GetRun(dbc, runID)
}

func (s *ledgerService) GetRun(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowRun, error) {
	run, err := s.runs.GetByID(dbc, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	return run, nil
}

// StoreStepResult upserts the step row. Replays overwrite; only the latest
// payload stays retrievable.
func (s *ledgerService) StoreStepResult(dbc dbctx.Context, runID uuid.UUID, stepName string, in StepResultInput) error {
	if runID == uuid.Nil {
		return ErrRunNotFound
	}
	if stepName == "" {
		return fmt.Errorf("missing step name")
	}
	status := in.Status
	if status == "" {
		status = wf.StepStatusCompleted
	}
	detail := datatypes.JSON([]byte("{}"))
	if len(in.Result) > 0 {
		detail = datatypes.JSON(in.Result)
	}
	now := time.Now().UTC()
	step := &types.WorkflowStep{
		RunID:     runID,
		StepName:  stepName,
		Status:    status,
		Detail:    detail,
		StartedAt: &now,
		EndedAt:   &now,
	}
	return s.steps.Upsert(dbc, step)
}

func (s *ledgerService) GetRunSteps(dbc dbctx.Context, runID uuid.UUID) ([]*types.WorkflowStep, error) {
	return s.steps.ListByRun(dbc, runID)
}

func (s *ledgerService) GetStepResult(dbc dbctx.Context, runID uuid.UUID, stepName string) (*types.WorkflowStep, error) {
	step, err := s.steps.Get(dbc, runID, stepName)
	if err != nil {
		return nil, err
	}
	if step == nil {
		return nil, ErrStepNotFound
	}
	return step, nil
}
