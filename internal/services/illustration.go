package services

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/openai"
)

// ImageResult is what every illustration step records: where the rendered
// image lives and the prompt that produced it.
type ImageResult struct {
	Chapter   int    `json:"chapter,omitempty"`
	Prompt    string `json:"prompt"`
	ObjectKey string `json:"object_key"`
	URL       string `json:"url"`
	MimeType  string `json:"mime_type"`
}

// IllustrationService renders chapter and cover images and stores them in
// the bucket. Image generation is stateless, so it never touches the
// conversation context beyond ensuring one exists for the run.
type IllustrationService interface {
	GenerateChapterImage(dbc dbctx.Context, runID uuid.UUID, chapter int) (*types.WorkflowStep, error)
	GenerateFrontCover(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error)
	GenerateBackCover(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error)
}

type illustrationService struct {
	stepCore
	images openai.Client
	bucket BucketService
}

func NewIllustrationService(
	baseLog *logger.Logger,
	ledger LedgerService,
	contexts ContextManager,
	stories repos.StoryRepo,
	progress ProgressService,
	images openai.Client,
	bucket BucketService,
) IllustrationService {
	return &illustrationService{
		stepCore: stepCore{
			log:      baseLog.With("service", "IllustrationService"),
			ledger:   ledger,
			contexts: contexts,
			stories:  stories,
			progress: progress,
		},
		images: images,
		bucket: bucket,
	}
}

func (s *illustrationService) GenerateChapterImage(dbc dbctx.Context, runID uuid.UUID, chapter int) (*types.WorkflowStep, error) {
	if chapter < 1 {
		return nil, fmt.Errorf("chapter index must be >= 1, got %d", chapter)
	}
	ref := wf.ChapterImageStep(chapter)
	run, _, _, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}

	prompt, err := s.chapterImagePrompt(dbc, runID, chapter)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	return s.renderAndRecord(dbc, run, ref, prompt, chapter)
}

func (s *illustrationService) GenerateFrontCover(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error) {
	ref := wf.StepRef{Kind: wf.KindFrontCover}
	run, _, _, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}
	outline, err := loadOutline(s.ledger, dbc, runID)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	return s.renderAndRecord(dbc, run, ref, FrontCoverPrompt(outline), 0)
}

func (s *illustrationService) GenerateBackCover(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error) {
	ref := wf.StepRef{Kind: wf.KindBackCover}
	run, _, _, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}
	outline, err := loadOutline(s.ledger, dbc, runID)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	return s.renderAndRecord(dbc, run, ref, BackCoverPrompt(outline), 0)
}

// chapterImagePrompt prefers the brief the chapter step refined over the
// outline's original one.
func (s *illustrationService) chapterImagePrompt(dbc dbctx.Context, runID uuid.UUID, chapter int) (string, error) {
	step, err := s.ledger.GetStepResult(dbc, runID, wf.WriteChapterStep(chapter).StepName())
	if err != nil && !errors.Is(err, ErrStepNotFound) {
		return "", err
	}
	if step != nil && step.Status == wf.StepStatusCompleted {
		var ch ChapterResult
		if err := ParseModelJSON(string(step.Detail), &ch); err == nil && ch.ImagePrompt != "" {
			return ch.ImagePrompt, nil
		}
	}

	outline, err := loadOutline(s.ledger, dbc, runID)
	if err != nil {
		return "", err
	}
	if chapter > len(outline.Chapters) {
		return "", fmt.Errorf("chapter %d out of range, outline has %d chapters", chapter, len(outline.Chapters))
	}
	brief := outline.Chapters[chapter-1]
	if brief.ImagePrompt != "" {
		return brief.ImagePrompt, nil
	}
	return fmt.Sprintf("Children's book illustration for the chapter %q: %s", brief.Title, brief.Summary), nil
}

func (s *illustrationService) renderAndRecord(dbc dbctx.Context, run *types.WorkflowRun, ref wf.StepRef, prompt string, chapter int) (*types.WorkflowStep, error) {
	img, err := s.images.GenerateImage(dbc.Ctx, prompt)
	if err != nil {
		s.failStep(dbc, run.ID, ref, err)
		return nil, err
	}

	key := imageObjectKey(run, ref)
	if err := s.bucket.UploadFile(dbc.Ctx, key, img.MimeType, bytes.NewReader(img.Bytes)); err != nil {
		err = fmt.Errorf("upload %s: %w", key, err)
		s.failStep(dbc, run.ID, ref, err)
		return nil, err
	}

	result := ImageResult{
		Chapter:   chapter,
		Prompt:    prompt,
		ObjectKey: key,
		URL:       s.bucket.GetPublicURL(key),
		MimeType:  img.MimeType,
	}
	step, err := s.completeStep(dbc, run.ID, ref, result)
	if err != nil {
		return nil, err
	}
	s.log.Info("image rendered", "run_id", run.ID.String(), "step", ref.String(), "object_key", key)
	return step, nil
}

func imageObjectKey(run *types.WorkflowRun, ref wf.StepRef) string {
	name := strings.ReplaceAll(ref.StepName(), "_", "-")
	return fmt.Sprintf("stories/%s/runs/%s/%s.png", run.StoryID, run.ID, name)
}
