package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/domain/stories"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
)

func SeedStory(tb testing.TB, ctx context.Context, tx *gorm.DB, chapterCount *int) *types.Story {
	tb.Helper()
	s := &types.Story{
		ID:           uuid.New(),
		Title:        "The Moon Garden",
		Status:       stories.StoryStatusWriting,
		ChapterCount: chapterCount,
		Attributes:   datatypes.JSON([]byte("{}")),
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed story: %v", err)
	}
	return s
}

func SeedRun(tb testing.TB, ctx context.Context, tx *gorm.DB, storyID uuid.UUID, status string) *types.WorkflowRun {
	tb.Helper()
	r := &types.WorkflowRun{
		ID:        uuid.New(),
		StoryID:   storyID,
		Status:    status,
		Metadata:  datatypes.JSON([]byte("{}")),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(r).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return r
}

func SeedCompletedStep(tb testing.TB, ctx context.Context, tx *gorm.DB, runID uuid.UUID, stepName string, detail string) *types.WorkflowStep {
	tb.Helper()
	if detail == "" {
		detail = "{}"
	}
	now := time.Now().UTC()
	s := &types.WorkflowStep{
		RunID:     runID,
		StepName:  stepName,
		Status:    wf.StepStatusCompleted,
		Detail:    datatypes.JSON([]byte(detail)),
		StartedAt: &now,
		EndedAt:   &now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed step %s: %v", stepName, err)
	}
	return s
}
