package workflows

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

type RunRepo interface {
	Create(dbc dbctx.Context, run *types.WorkflowRun) (*types.WorkflowRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowRun, error)
	GetActiveByStory(dbc dbctx.Context, storyID uuid.UUID) (*types.WorkflowRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) Create(dbc dbctx.Context, run *types.WorkflowRun) (*types.WorkflowRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if run == nil {
		return nil, nil
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if err := transaction.WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WorkflowRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var run types.WorkflowRun
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

// GetActiveByStory returns the most recent queued/running run for the story,
// or nil. Exclusivity of active runs is caller discipline, not a constraint
// of this table; on a benign race the newest active row wins.
func (r *runRepo) GetActiveByStory(dbc dbctx.Context, storyID uuid.UUID) (*types.WorkflowRun, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if storyID == uuid.Nil {
		return nil, nil
	}
	var run types.WorkflowRun
	err := transaction.WithContext(dbc.Ctx).
		Where("story_id = ? AND status IN ?", storyID, wf.ActiveRunStatuses).
		Order("created_at DESC").
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *runRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := transaction.WithContext(dbc.Ctx).
		Model(&types.WorkflowRun{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
