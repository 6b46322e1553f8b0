package workflows

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

type StepRepo interface {
	Upsert(dbc dbctx.Context, step *types.WorkflowStep) error
	ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.WorkflowStep, error)
	Get(dbc dbctx.Context, runID uuid.UUID, stepName string) (*types.WorkflowStep, error)
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{
		db:  db,
		log: baseLog.With("repo", "StepRepo"),
	}
}

// Upsert writes the step row with overwrite semantics on (run_id, step_name).
// A replayed handler leaves only its latest payload behind.
func (r *stepRepo) Upsert(dbc dbctx.Context, step *types.WorkflowStep) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if step == nil || step.RunID == uuid.Nil || step.StepName == "" {
		return nil
	}
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = now
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "run_id"}, {Name: "step_name"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "detail", "started_at", "ended_at", "updated_at",
			}),
		}).
		Create(step).Error
}

// ListByRun returns the run's steps in creation order; ties on the insert
// timestamp fall back to the step name.
func (r *stepRepo) ListByRun(dbc dbctx.Context, runID uuid.UUID) ([]*types.WorkflowStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.WorkflowStep
	if runID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, step_name ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepRepo) Get(dbc dbctx.Context, runID uuid.UUID, stepName string) (*types.WorkflowStep, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if runID == uuid.Nil || stepName == "" {
		return nil, nil
	}
	var step types.WorkflowStep
	err := transaction.WithContext(dbc.Ctx).
		Where("run_id = ? AND step_name = ?", runID, stepName).
		Limit(1).
		Find(&step).Error
	if err != nil {
		return nil, err
	}
	if step.RunID == uuid.Nil {
		return nil, nil
	}
	return &step, nil
}
