package googleai

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"github.com/mythoria-pt/story-generation-workflow/internal/platform/envutil"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// Client wraps a Gemini chat model. Continuity here is a live ChatSession:
// the accumulated message history is a process-memory handle, not something
// that can be persisted. Callers must tolerate it disappearing across
// restarts and rebuild from the system prompt.
type Client interface {
	NewSession(systemPrompt string) *ChatSession
	Complete(ctx context.Context, systemPrompt, prompt string) (string, error)
}

type client struct {
	log   *logger.Logger
	model llms.Model
}

func NewClient(ctx context.Context, log *logger.Logger) (Client, error) {
	apiKey := os.Getenv("GOOGLE_AI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("missing GOOGLE_AI_API_KEY")
	}
	model, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(envutil.String("GOOGLE_AI_MODEL", "gemini-1.5-pro")),
	)
	if err != nil {
		return nil, fmt.Errorf("init googleai model: %w", err)
	}
	return &client{log: log.With("service", "GoogleAIClient"), model: model}, nil
}

func (c *client) NewSession(systemPrompt string) *ChatSession {
	s := &ChatSession{model: c.model, startedAt: time.Now().UTC()}
	if systemPrompt != "" {
		s.history = append(s.history, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	return s
}

// Complete is the stateless path: system prompt plus the current turn only.
func (c *client) Complete(ctx context.Context, systemPrompt, prompt string) (string, error) {
	var messages []llms.MessageContent
	if systemPrompt != "" {
		messages = append(messages, llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt))
	}
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
	return generate(ctx, c.model, messages)
}

// ChatSession accumulates the conversation client-side and replays it on
// every turn. Safe for sequential use per run; the mutex covers the rare
// concurrent replay of the same step.
type ChatSession struct {
	model     llms.Model
	startedAt time.Time

	mu      sync.Mutex
	history []llms.MessageContent
	turns   int
}

func (s *ChatSession) StartedAt() time.Time { return s.startedAt }

func (s *ChatSession) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

func (s *ChatSession) Send(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := append([]llms.MessageContent{}, s.history...)
	messages = append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))

	text, err := generate(ctx, s.model, messages)
	if err != nil {
		return "", err
	}
	s.history = append(messages, llms.TextParts(llms.ChatMessageTypeAI, text))
	s.turns++
	return text, nil
}

func generate(ctx context.Context, model llms.Model, messages []llms.MessageContent) (string, error) {
	resp, err := model.GenerateContent(ctx, messages)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}
