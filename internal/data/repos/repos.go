package repos

import (
	"gorm.io/gorm"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos/stories"
	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

type RunRepo = workflows.RunRepo
type StepRepo = workflows.StepRepo
type ContextRepo = workflows.ContextRepo
type StoryRepo = stories.StoryRepo

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return workflows.NewRunRepo(db, baseLog)
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return workflows.NewStepRepo(db, baseLog)
}

func NewContextRepo(db *gorm.DB, baseLog *logger.Logger) ContextRepo {
	return workflows.NewContextRepo(db, baseLog)
}

func NewStoryRepo(db *gorm.DB, baseLog *logger.Logger) StoryRepo {
	return stories.NewStoryRepo(db, baseLog)
}
