package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// ContextManager gives every step handler one way to run a multi-turn AI
// conversation regardless of the provider's continuity model. Durable
// continuation payloads (e.g. a previous-response id) live in the context
// row, one JSON slot per provider key. Non-serializable continuation handles
// (a provider SDK's live chat session) live in a process-local registry
// keyed the same way; they are lost on restart and callers must tolerate a
// cold slot.
type ContextManager interface {
	InitializeContext(dbc dbctx.Context, contextID string, storyID uuid.UUID, systemPrompt string) error
	GetContext(dbc dbctx.Context, contextID string) (*types.StoryContext, error)
	UpdateProviderData(dbc dbctx.Context, contextID string, providerKey string, payload any) error
	ClearContext(dbc dbctx.Context, contextID string) error

	// Process-memory continuation handles.
	Handle(contextID, providerKey string) (any, bool)
	StoreHandle(contextID, providerKey string, handle any)
}

type contextManager struct {
	db       *gorm.DB
	log      *logger.Logger
	contexts repos.ContextRepo

	mu      sync.Mutex
	handles map[string]any
}

func NewContextManager(db *gorm.DB, baseLog *logger.Logger, contexts repos.ContextRepo) ContextManager {
	return &contextManager{
		db:       db,
		log:      baseLog.With("service", "ContextManager"),
		contexts: contexts,
		handles:  map[string]any{},
	}
}

// InitializeContext creates the context record. Idempotent: a second call
// with the same id refreshes the system prompt and keeps the provider slots.
func (m *contextManager) InitializeContext(dbc dbctx.Context, contextID string, storyID uuid.UUID, systemPrompt string) error {
	if contextID == "" {
		return fmt.Errorf("missing context id")
	}
	if storyID == uuid.Nil {
		return fmt.Errorf("missing story id")
	}
	row := &types.StoryContext{
		ContextID:    contextID,
		StoryID:      storyID,
		SystemPrompt: systemPrompt,
	}
	if err := m.contexts.Init(dbc, row); err != nil {
		return err
	}
	m.log.Debug("context initialized", "context_id", contextID, "story_id", storyID.String())
	return nil
}

// GetContext returns nil when the context does not exist.
func (m *contextManager) GetContext(dbc dbctx.Context, contextID string) (*types.StoryContext, error) {
	return m.contexts.Get(dbc, contextID)
}

// UpdateProviderData merges a continuation payload into the named provider's
// slot without disturbing the other providers' slots.
func (m *contextManager) UpdateProviderData(dbc dbctx.Context, contextID string, providerKey string, payload any) error {
	if contextID == "" || providerKey == "" {
		return fmt.Errorf("missing context id or provider key")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s continuation: %w", providerKey, err)
	}
	if err := m.contexts.MergeProviderSlot(dbc, contextID, providerKey, raw); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrContextNotFound
		}
		return err
	}
	return nil
}

// ClearContext removes continuation state, durable and in-memory both.
func (m *contextManager) ClearContext(dbc dbctx.Context, contextID string) error {
	if contextID == "" {
		return nil
	}
	if err := m.contexts.Delete(dbc, contextID); err != nil {
		return err
	}
	m.mu.Lock()
	for key := range m.handles {
		if handleContext(key) == contextID {
			delete(m.handles, key)
		}
	}
	m.mu.Unlock()
	m.log.Debug("context cleared", "context_id", contextID)
	return nil
}

func (m *contextManager) Handle(contextID, providerKey string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[handleKey(contextID, providerKey)]
	return h, ok
}

func (m *contextManager) StoreHandle(contextID, providerKey string, handle any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := handleKey(contextID, providerKey)
	if handle == nil {
		delete(m.handles, key)
		return
	}
	m.handles[key] = handle
}

// Handle keys are "<contextID>\x00<providerKey>"; context ids never contain
// a NUL so the split is unambiguous.
func handleKey(contextID, providerKey string) string {
	return contextID + "\x00" + providerKey
}

func handleContext(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}
