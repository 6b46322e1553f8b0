package stories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

type StoryRepo interface {
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Story, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
}

type storyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStoryRepo(db *gorm.DB, baseLog *logger.Logger) StoryRepo {
	return &storyRepo{
		db:  db,
		log: baseLog.With("repo", "StoryRepo"),
	}
}

func (r *storyRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Story, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var story types.Story
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&story).Error
	if err != nil {
		return nil, err
	}
	if story.ID == uuid.Nil {
		return nil, nil
	}
	return &story, nil
}

func (r *storyRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
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
		Model(&types.Story{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
