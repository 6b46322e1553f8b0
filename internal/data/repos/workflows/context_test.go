package workflows_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gorm.io/gorm"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos/testutil"
	wfrepo "github.com/mythoria-pt/story-generation-workflow/internal/data/repos/workflows"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
)

func TestContextRepoInitIsIdempotentOnSlots(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.WithTx(ctx, tx)
	repo := wfrepo.NewContextRepo(db, testutil.Logger(t))

	story := testutil.SeedStory(t, ctx, tx, nil)
	run := testutil.SeedRun(t, ctx, tx, story.ID, wf.RunStatusRunning)
	contextID := wf.ContextID(story.ID, run.ID)

	if err := repo.Init(dbc, &types.StoryContext{
		ContextID:    contextID,
		StoryID:      story.ID,
		SystemPrompt: "You are a storyteller.",
	}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := repo.MergeProviderSlot(dbc, contextID, wf.ProviderOpenAI,
		json.RawMessage(`{"response_id":"resp_1"}`)); err != nil {
		t.Fatalf("MergeProviderSlot: %v", err)
	}

	// Re-initializing refreshes the prompt but keeps the provider slots.
	if err := repo.Init(dbc, &types.StoryContext{
		ContextID:    contextID,
		StoryID:      story.ID,
		SystemPrompt: "You are a better storyteller.",
	}); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	row, err := repo.Get(dbc, contextID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil {
		t.Fatal("context row missing after re-init")
	}
	if row.SystemPrompt != "You are a better storyteller." {
		t.Errorf("system prompt not refreshed: %q", row.SystemPrompt)
	}
	var cont wf.OpenAIContinuation
	ok, err := row.ProviderSlot(wf.ProviderOpenAI, &cont)
	if err != nil || !ok {
		t.Fatalf("openai slot lost on re-init: ok=%v err=%v", ok, err)
	}
	if cont.ResponseID != "resp_1" {
		t.Errorf("slot payload = %+v", cont)
	}
}

func TestContextRepoSlotsAreIndependent(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.WithTx(ctx, tx)
	repo := wfrepo.NewContextRepo(db, testutil.Logger(t))

	story := testutil.SeedStory(t, ctx, tx, nil)
	run := testutil.SeedRun(t, ctx, tx, story.ID, wf.RunStatusRunning)
	contextID := wf.ContextID(story.ID, run.ID)

	if err := repo.Init(dbc, &types.StoryContext{ContextID: contextID, StoryID: story.ID}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := repo.MergeProviderSlot(dbc, contextID, wf.ProviderOpenAI,
		json.RawMessage(`{"response_id":"resp_a"}`)); err != nil {
		t.Fatalf("merge openai: %v", err)
	}
	if err := repo.MergeProviderSlot(dbc, contextID, wf.ProviderGoogleAI,
		json.RawMessage(`{"turns":3}`)); err != nil {
		t.Fatalf("merge googleai: %v", err)
	}
	// Overwrite one slot; the other must survive untouched.
	if err := repo.MergeProviderSlot(dbc, contextID, wf.ProviderOpenAI,
		json.RawMessage(`{"response_id":"resp_b"}`)); err != nil {
		t.Fatalf("re-merge openai: %v", err)
	}

	row, err := repo.Get(dbc, contextID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	var oc wf.OpenAIContinuation
	if ok, _ := row.ProviderSlot(wf.ProviderOpenAI, &oc); !ok || oc.ResponseID != "resp_b" {
		t.Errorf("openai slot = %+v ok=%v", oc, ok)
	}
	var gc wf.GoogleAIContinuation
	if ok, _ := row.ProviderSlot(wf.ProviderGoogleAI, &gc); !ok || gc.Turns != 3 {
		t.Errorf("googleai slot = %+v ok=%v", gc, ok)
	}
}

func TestContextRepoMergeMissingRow(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.WithTx(context.Background(), tx)
	repo := wfrepo.NewContextRepo(db, testutil.Logger(t))

	err := repo.MergeProviderSlot(dbc, "nope", wf.ProviderOpenAI, json.RawMessage(`{}`))
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected ErrRecordNotFound, got %v", err)
	}
}

func TestContextRepoDelete(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	ctx := context.Background()
	dbc := dbctx.WithTx(ctx, tx)
	repo := wfrepo.NewContextRepo(db, testutil.Logger(t))

	story := testutil.SeedStory(t, ctx, tx, nil)
	run := testutil.SeedRun(t, ctx, tx, story.ID, wf.RunStatusRunning)
	contextID := wf.ContextID(story.ID, run.ID)

	if err := repo.Init(dbc, &types.StoryContext{ContextID: contextID, StoryID: story.ID}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := repo.Delete(dbc, contextID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	row, err := repo.Get(dbc, contextID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row != nil {
		t.Errorf("context still present after delete: %+v", row)
	}
	// Deleting again is a no-op.
	if err := repo.Delete(dbc, contextID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}
