package workflows

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StepStatusPending   = "pending"
	StepStatusRunning   = "running"
	StepStatusFailed    = "failed"
	StepStatusCompleted = "completed"
)

// WorkflowStep is one named unit of work inside a run, keyed by
// (run_id, step_name). Steps are recorded post-hoc by the handler that
// performed the work; a replayed handler overwrites the existing row.
type WorkflowStep struct {
	RunID     uuid.UUID      `gorm:"type:uuid;primaryKey" json:"run_id"`
	StepName  string         `gorm:"column:step_name;primaryKey" json:"step_name"`
	Status    string         `gorm:"column:status;not null;index" json:"status"`
	Detail    datatypes.JSON `gorm:"column:detail;type:jsonb" json:"detail,omitempty"`
	StartedAt *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	EndedAt   *time.Time     `gorm:"column:ended_at" json:"ended_at,omitempty"`
	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (WorkflowStep) TableName() string { return "workflow_step" }
