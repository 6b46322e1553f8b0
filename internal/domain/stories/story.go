package stories

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	StoryStatusDraft     = "draft"
	StoryStatusWriting   = "writing"
	StoryStatusPublished = "published"
)

// Story is the parent record a run generates content for. This service owns
// only the progress and publication fields; the rest belongs to the catalog.
type Story struct {
	ID                   uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Title                string         `gorm:"column:title" json:"title"`
	Status               string         `gorm:"column:status;not null;index" json:"status"`
	ChapterCount         *int           `gorm:"column:chapter_count" json:"chapter_count,omitempty"`
	CompletionPercentage int            `gorm:"column:completion_percentage;not null;default:0" json:"completion_percentage"`
	Attributes           datatypes.JSON `gorm:"column:attributes;type:jsonb" json:"attributes,omitempty"`
	CreatedAt            time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"not null" json:"updated_at"`
}

func (Story) TableName() string { return "stories" }
