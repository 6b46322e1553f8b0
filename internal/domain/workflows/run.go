package workflows

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Run statuses. A run is terminal at completed, failed or cancelled and is
// never deleted afterwards; the row is the audit trail of the attempt.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusFailed    = "failed"
	RunStatusCompleted = "completed"
	RunStatusCancelled = "cancelled"
)

// ActiveRunStatuses are the statuses under which CreateOrGetRun will hand
// back an existing run instead of opening a new one.
var ActiveRunStatuses = []string{RunStatusQueued, RunStatusRunning}

func IsTerminalRunStatus(status string) bool {
	switch status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRun is one story-generation attempt. Step handlers mutate it via
// the ledger's UpdateRun; nothing deletes it.
type WorkflowRun struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	StoryID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"story_id"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStep  string         `gorm:"column:current_step" json:"current_step,omitempty"`
	ErrorMessage string         `gorm:"column:error_message" json:"error_message,omitempty"`
	Metadata     datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	StartedAt    *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt      *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (WorkflowRun) TableName() string { return "workflow_run" }
