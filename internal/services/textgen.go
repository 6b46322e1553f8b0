package services

import (
	"context"
	"errors"
	"fmt"

	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/googleai"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/openai"
)

// TextGenerator is one AI provider seen through the context manager. Each
// implementation reads and writes only its own continuation slot.
type TextGenerator interface {
	ProviderKey() string
	// ContinueConversation runs one turn against the run's conversation
	// context, resuming whatever continuation state the provider keeps.
	ContinueConversation(dbc dbctx.Context, contextID string, prompt string) (string, error)
	// CompleteStateless runs one turn with no conversation state at all.
	CompleteStateless(ctx context.Context, systemPrompt, prompt string) (string, error)
}

// GenerateWithFallback is the recovery policy every step handler applies: a
// degenerate stateful result triggers exactly one stateless retry; an empty
// result is never propagated as success.
func GenerateWithFallback(log *logger.Logger, gen TextGenerator, dbc dbctx.Context, contextID, systemPrompt, prompt string) (string, error) {
	text, err := gen.ContinueConversation(dbc, contextID, prompt)
	if err == nil && text != "" {
		return text, nil
	}
	if err != nil && !errors.Is(err, ErrDegenerateCompletion) {
		return "", err
	}

	log.Warn("stateful generation returned no usable content, falling back to stateless call",
		"provider", gen.ProviderKey(), "context_id", contextID)
	text, err = gen.CompleteStateless(dbc.Ctx, systemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("stateless fallback: %w", err)
	}
	if text == "" {
		return "", fmt.Errorf("generation failed: %w", ErrDegenerateCompletion)
	}
	return text, nil
}

// --- OpenAI: durable previous-response-id continuation ---

type openAITextGenerator struct {
	log      *logger.Logger
	client   openai.Client
	contexts ContextManager
}

func NewOpenAITextGenerator(baseLog *logger.Logger, client openai.Client, contexts ContextManager) TextGenerator {
	return &openAITextGenerator{
		log:      baseLog.With("service", "OpenAITextGenerator"),
		client:   client,
		contexts: contexts,
	}
}

func (g *openAITextGenerator) ProviderKey() string { return wf.ProviderOpenAI }

func (g *openAITextGenerator) ContinueConversation(dbc dbctx.Context, contextID string, prompt string) (string, error) {
	row, err := g.contexts.GetContext(dbc, contextID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", ErrContextNotFound
	}

	var cont wf.OpenAIContinuation
	resuming, err := row.ProviderSlot(wf.ProviderOpenAI, &cont)
	if err != nil {
		return "", err
	}

	req := openai.TextRequest{Input: prompt}
	if resuming && cont.ResponseID != "" {
		req.PreviousResponseID = cont.ResponseID
	} else {
		req.Instructions = row.SystemPrompt
	}

	res, err := g.client.GenerateText(dbc.Ctx, req)
	if err != nil {
		return "", err
	}
	if res.Text == "" {
		return "", ErrDegenerateCompletion
	}
	if err := g.contexts.UpdateProviderData(dbc, contextID, wf.ProviderOpenAI, wf.OpenAIContinuation{ResponseID: res.ResponseID}); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (g *openAITextGenerator) CompleteStateless(ctx context.Context, systemPrompt, prompt string) (string, error) {
	res, err := g.client.GenerateText(ctx, openai.TextRequest{Instructions: systemPrompt, Input: prompt})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// --- Google AI: process-local chat-session continuation ---

type googleAITextGenerator struct {
	log      *logger.Logger
	client   googleai.Client
	contexts ContextManager
}

func NewGoogleAITextGenerator(baseLog *logger.Logger, client googleai.Client, contexts ContextManager) TextGenerator {
	return &googleAITextGenerator{
		log:      baseLog.With("service", "GoogleAITextGenerator"),
		client:   client,
		contexts: contexts,
	}
}

func (g *googleAITextGenerator) ProviderKey() string { return wf.ProviderGoogleAI }

func (g *googleAITextGenerator) ContinueConversation(dbc dbctx.Context, contextID string, prompt string) (string, error) {
	row, err := g.contexts.GetContext(dbc, contextID)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", ErrContextNotFound
	}

	var session *googleai.ChatSession
	if h, ok := g.contexts.Handle(contextID, wf.ProviderGoogleAI); ok {
		session, _ = h.(*googleai.ChatSession)
	}
	if session == nil {
		// Cold slot: either a fresh context or the handle died with a
		// previous process. Rebuild from the system prompt.
		session = g.client.NewSession(row.SystemPrompt)
		g.contexts.StoreHandle(contextID, wf.ProviderGoogleAI, session)
	}

	text, err := session.Send(dbc.Ctx, prompt)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrDegenerateCompletion
	}
	marker := wf.GoogleAIContinuation{SessionStartedAt: session.StartedAt(), Turns: session.Turns()}
	if err := g.contexts.UpdateProviderData(dbc, contextID, wf.ProviderGoogleAI, marker); err != nil {
		return "", err
	}
	return text, nil
}

func (g *googleAITextGenerator) CompleteStateless(ctx context.Context, systemPrompt, prompt string) (string, error) {
	return g.client.Complete(ctx, systemPrompt, prompt)
}
