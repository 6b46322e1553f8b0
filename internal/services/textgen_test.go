package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos/testutil"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
)

// fakeTextGenerator scripts the stateful and stateless paths independently.
type fakeTextGenerator struct {
	statefulText  string
	statefulErr   error
	statelessText string
	statelessErr  error

	statefulCalls  int
	statelessCalls int
}

func (g *fakeTextGenerator) ProviderKey() string { return wf.ProviderOpenAI }

func (g *fakeTextGenerator) ContinueConversation(dbctx.Context, string, string) (string, error) {
	g.statefulCalls++
	return g.statefulText, g.statefulErr
}

func (g *fakeTextGenerator) CompleteStateless(context.Context, string, string) (string, error) {
	g.statelessCalls++
	return g.statelessText, g.statelessErr
}

func TestGenerateWithFallbackHappyPath(t *testing.T) {
	gen := &fakeTextGenerator{statefulText: "once upon a time"}
	got, err := GenerateWithFallback(testutil.Logger(t), gen, dbctx.New(context.Background()), "ctx", "sys", "prompt")
	if err != nil {
		t.Fatalf("GenerateWithFallback: %v", err)
	}
	if got != "once upon a time" {
		t.Errorf("text = %q", got)
	}
	if gen.statelessCalls != 0 {
		t.Errorf("stateless path used on a good stateful result")
	}
}

func TestGenerateWithFallbackDegenerateTriggersOneStatelessRetry(t *testing.T) {
	gen := &fakeTextGenerator{statefulErr: ErrDegenerateCompletion, statelessText: "recovered"}
	got, err := GenerateWithFallback(testutil.Logger(t), gen, dbctx.New(context.Background()), "ctx", "sys", "prompt")
	if err != nil {
		t.Fatalf("GenerateWithFallback: %v", err)
	}
	if got != "recovered" {
		t.Errorf("text = %q", got)
	}
	if gen.statefulCalls != 1 || gen.statelessCalls != 1 {
		t.Errorf("calls = %d stateful / %d stateless, want 1/1", gen.statefulCalls, gen.statelessCalls)
	}
}

func TestGenerateWithFallbackEmptyStatefulResult(t *testing.T) {
	gen := &fakeTextGenerator{statefulText: "", statelessText: "recovered"}
	got, err := GenerateWithFallback(testutil.Logger(t), gen, dbctx.New(context.Background()), "ctx", "sys", "prompt")
	if err != nil {
		t.Fatalf("GenerateWithFallback: %v", err)
	}
	if got != "recovered" {
		t.Errorf("text = %q", got)
	}
}

func TestGenerateWithFallbackNeverReturnsEmptySuccess(t *testing.T) {
	gen := &fakeTextGenerator{statefulErr: ErrDegenerateCompletion, statelessText: ""}
	_, err := GenerateWithFallback(testutil.Logger(t), gen, dbctx.New(context.Background()), "ctx", "sys", "prompt")
	if !errors.Is(err, ErrDegenerateCompletion) {
		t.Fatalf("expected ErrDegenerateCompletion, got %v", err)
	}
	if gen.statelessCalls != 1 {
		t.Errorf("stateless retries = %d, want exactly 1", gen.statelessCalls)
	}
}

func TestGenerateWithFallbackHardErrorNotRetried(t *testing.T) {
	hard := fmt.Errorf("provider rejected the request")
	gen := &fakeTextGenerator{statefulErr: hard}
	_, err := GenerateWithFallback(testutil.Logger(t), gen, dbctx.New(context.Background()), "ctx", "sys", "prompt")
	if !errors.Is(err, hard) {
		t.Fatalf("expected the hard error, got %v", err)
	}
	if gen.statelessCalls != 0 {
		t.Errorf("hard failure took the stateless path")
	}
}
