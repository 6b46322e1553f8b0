package db

import (
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
)

func (s *PostgresService) AutoMigrateAll() error {
	return s.db.AutoMigrate(
		&types.Story{},
		&types.WorkflowRun{},
		&types.WorkflowStep{},
		&types.StoryContext{},
	)
}
