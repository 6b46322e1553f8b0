package services

import (
	"os"
	"path/filepath"
	"testing"

	"gorm.io/datatypes"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
)

func TestTotalSecondsGrowsWithChapterCount(t *testing.T) {
	model := DefaultStepTimeModel()
	prev := model.TotalSeconds(1)
	for n := 2; n <= 12; n++ {
		total := model.TotalSeconds(n)
		if total <= prev {
			t.Fatalf("TotalSeconds(%d) = %v, not greater than TotalSeconds(%d) = %v", n, total, n-1, prev)
		}
		prev = total
	}
	// Degenerate counts clamp to one chapter rather than dividing by zero
	// downstream.
	if got := model.TotalSeconds(0); got != model.TotalSeconds(1) {
		t.Errorf("TotalSeconds(0) = %v, want %v", got, model.TotalSeconds(1))
	}
	if got := model.TotalSeconds(-3); got != model.TotalSeconds(1) {
		t.Errorf("TotalSeconds(-3) = %v, want %v", got, model.TotalSeconds(1))
	}
}

func completedStep(name string) *types.WorkflowStep {
	return &types.WorkflowStep{
		StepName: name,
		Status:   wf.StepStatusCompleted,
		Detail:   datatypes.JSON([]byte("{}")),
	}
}

func TestElapsedSeconds(t *testing.T) {
	model := DefaultStepTimeModel()

	steps := []*types.WorkflowStep{
		completedStep("generate_outline"),
		completedStep("write_chapter_1"),
		completedStep("write_chapter_2"),
		completedStep("generate_image_chapter_1"),
		{StepName: "write_chapter_3", Status: wf.StepStatusFailed},
		completedStep("some_unknown_step"),
	}
	want := 60.0 + 90 + 90 + 60
	if got := model.ElapsedSeconds(steps); got != want {
		t.Errorf("ElapsedSeconds = %v, want %v", got, want)
	}

	if got := model.ElapsedSeconds(nil); got != 0 {
		t.Errorf("ElapsedSeconds(nil) = %v, want 0", got)
	}
}

func TestLoadStepTimeModelOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steptimes.yaml")
	content := "write_chapters:\n  seconds: 120\n  per_chapter: true\ngenerate_audiobook:\n  seconds: 300\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	model, err := LoadStepTimeModel(path)
	if err != nil {
		t.Fatalf("LoadStepTimeModel: %v", err)
	}
	if got := model[wf.KindWriteChapter]; got.Seconds != 120 || !got.PerChapter {
		t.Errorf("write_chapters overlay not applied: %+v", got)
	}
	if got := model[wf.KindAudiobook]; got.Seconds != 300 {
		t.Errorf("generate_audiobook overlay not applied: %+v", got)
	}
	// Untouched kinds keep the shipped defaults.
	if got := model[wf.KindOutline]; got.Seconds != 60 {
		t.Errorf("generate_outline default lost: %+v", got)
	}
}

func TestLoadStepTimeModelRejectsNonPositive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steptimes.yaml")
	if err := os.WriteFile(path, []byte("finalize:\n  seconds: 0\n"), 0o600); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	if _, err := LoadStepTimeModel(path); err == nil {
		t.Fatal("expected error for zero seconds")
	}
}

func TestLoadStepTimeModelEmptyPath(t *testing.T) {
	model, err := LoadStepTimeModel("")
	if err != nil {
		t.Fatalf("LoadStepTimeModel(\"\"): %v", err)
	}
	if len(model) != len(DefaultStepTimeModel()) {
		t.Errorf("empty path should return defaults")
	}
}
