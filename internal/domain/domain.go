package domain

import (
	"github.com/mythoria-pt/story-generation-workflow/internal/domain/stories"
	"github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
)

type Story = stories.Story
type WorkflowRun = workflows.WorkflowRun
type WorkflowStep = workflows.WorkflowStep
type StoryContext = workflows.StoryContext
type StepRef = workflows.StepRef
type StepKind = workflows.StepKind
