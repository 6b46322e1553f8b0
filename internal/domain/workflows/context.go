package workflows

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Provider keys for continuation slots. Each provider adapter reads and
// writes only its own slot.
const (
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// ContextID builds the conventional conversation-context identifier for a
// run: "<storyId>-<runId>".
func ContextID(storyID, runID uuid.UUID) string {
	return fmt.Sprintf("%s-%s", storyID, runID)
}

// OpenAIContinuation is the durable continuation variant: the identifier of
// the previous response, persisted and passed back to resume the
// conversation. Survives process restarts.
type OpenAIContinuation struct {
	ResponseID string `json:"response_id"`
	Model      string `json:"model,omitempty"`
}

// GoogleAIContinuation is the marker persisted for the session-handle
// provider. The handle itself lives in process memory only; after a restart
// the marker tells the adapter a session existed but is gone, so it must
// rebuild from the system prompt.
type GoogleAIContinuation struct {
	SessionStartedAt time.Time `json:"session_started_at"`
	Turns            int       `json:"turns"`
}

// StoryContext is the continuity record for one run's AI conversation.
// ProviderData maps provider key to that provider's continuation payload;
// slots are independently overwritten, never merged destructively.
type StoryContext struct {
	ContextID    string         `gorm:"column:context_id;primaryKey" json:"context_id"`
	StoryID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"story_id"`
	SystemPrompt string         `gorm:"column:system_prompt;type:text" json:"system_prompt"`
	ProviderData datatypes.JSON `gorm:"column:provider_data;type:jsonb" json:"provider_data,omitempty"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
}

func (StoryContext) TableName() string { return "story_context" }

// ProviderSlot decodes one provider's continuation payload into out.
// Returns false when the slot is absent.
func (c *StoryContext) ProviderSlot(providerKey string, out any) (bool, error) {
	if c == nil || len(c.ProviderData) == 0 {
		return false, nil
	}
	var slots map[string]json.RawMessage
	if err := json.Unmarshal(c.ProviderData, &slots); err != nil {
		return false, fmt.Errorf("decode provider data: %w", err)
	}
	raw, ok := slots[providerKey]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s slot: %w", providerKey, err)
	}
	return true, nil
}
