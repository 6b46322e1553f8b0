package workflows

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

type ContextRepo interface {
	Init(dbc dbctx.Context, row *types.StoryContext) error
	Get(dbc dbctx.Context, contextID string) (*types.StoryContext, error)
	MergeProviderSlot(dbc dbctx.Context, contextID string, providerKey string, payload json.RawMessage) error
	Delete(dbc dbctx.Context, contextID string) error
}

type contextRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContextRepo(db *gorm.DB, baseLog *logger.Logger) ContextRepo {
	return &contextRepo{
		db:  db,
		log: baseLog.With("repo", "ContextRepo"),
	}
}

// Init creates the context row. Called twice with the same id it refreshes
// the system prompt and leaves the provider slots untouched.
func (r *contextRepo) Init(dbc dbctx.Context, row *types.StoryContext) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if row == nil || row.ContextID == "" {
		return nil
	}
	now := time.Now().UTC()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	row.UpdatedAt = now
	if len(row.ProviderData) == 0 {
		row.ProviderData = []byte("{}")
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "context_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"system_prompt", "updated_at"}),
		}).
		Create(row).Error
}

func (r *contextRepo) Get(dbc dbctx.Context, contextID string) (*types.StoryContext, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if contextID == "" {
		return nil, nil
	}
	var row types.StoryContext
	err := transaction.WithContext(dbc.Ctx).
		Where("context_id = ?", contextID).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ContextID == "" {
		return nil, nil
	}
	return &row, nil
}

// MergeProviderSlot rewrites exactly one provider's continuation slot inside
// the provider_data document, leaving every other slot as it was. The
// read-modify-write runs in its own transaction so two providers updating
// the same context do not clobber each other.
func (r *contextRepo) MergeProviderSlot(dbc dbctx.Context, contextID string, providerKey string, payload json.RawMessage) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if contextID == "" || providerKey == "" {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var row types.StoryContext
		if err := txx.
			Where("context_id = ?", contextID).
			Limit(1).
			Find(&row).Error; err != nil {
			return err
		}
		if row.ContextID == "" {
			return gorm.ErrRecordNotFound
		}
		slots := map[string]json.RawMessage{}
		if len(row.ProviderData) > 0 {
			if err := json.Unmarshal(row.ProviderData, &slots); err != nil {
				return err
			}
		}
		slots[providerKey] = payload
		merged, err := json.Marshal(slots)
		if err != nil {
			return err
		}
		return txx.Model(&types.StoryContext{}).
			Where("context_id = ?", contextID).
			Updates(map[string]interface{}{
				"provider_data": merged,
				"updated_at":    time.Now().UTC(),
			}).Error
	})
}

func (r *contextRepo) Delete(dbc dbctx.Context, contextID string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if contextID == "" {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("context_id = ?", contextID).
		Delete(&types.StoryContext{}).Error
}
