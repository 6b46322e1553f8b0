package services

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/apierr"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// ChapterResult is what the chapter step records: prose plus the
// illustration brief the image step consumes.
type ChapterResult struct {
	Chapter     int    `json:"chapter"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	ImagePrompt string `json:"image_prompt"`
}

// ChapterService writes one chapter per call, continuing the run's
// conversation so the model keeps names and plot details straight.
type ChapterService interface {
	WriteChapter(dbc dbctx.Context, runID uuid.UUID, chapter int) (*types.WorkflowStep, error)
}

type chapterService struct {
	stepCore
	gen TextGenerator
}

func NewChapterService(
	baseLog *logger.Logger,
	ledger LedgerService,
	contexts ContextManager,
	stories repos.StoryRepo,
	progress ProgressService,
	gen TextGenerator,
) ChapterService {
	return &chapterService{
		stepCore: stepCore{
			log:      baseLog.With("service", "ChapterService"),
			ledger:   ledger,
			contexts: contexts,
			stories:  stories,
			progress: progress,
		},
		gen: gen,
	}
}

func (s *chapterService) WriteChapter(dbc dbctx.Context, runID uuid.UUID, chapter int) (*types.WorkflowStep, error) {
	if chapter < 1 {
		return nil, apierr.New(http.StatusBadRequest, "invalid_chapter",
			fmt.Errorf("chapter index must be >= 1, got %d", chapter))
	}
	ref := wf.WriteChapterStep(chapter)
	_, contextID, systemPrompt, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}

	outline, err := loadOutline(s.ledger, dbc, runID)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	if chapter > len(outline.Chapters) {
		err := apierr.New(http.StatusBadRequest, "chapter_out_of_range",
			fmt.Errorf("chapter %d out of range, outline has %d chapters", chapter, len(outline.Chapters)))
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	brief := outline.Chapters[chapter-1]

	text, err := GenerateWithFallback(s.log, s.gen, dbc, contextID, systemPrompt, ChapterPrompt(chapter, brief))
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	result := ChapterResult{Chapter: chapter, Title: brief.Title, ImagePrompt: brief.ImagePrompt}
	var body struct {
		Text        string `json:"text"`
		ImagePrompt string `json:"image_prompt"`
	}
	if err := ParseModelJSON(text, &body); err == nil && body.Text != "" {
		result.Text = body.Text
		if body.ImagePrompt != "" {
			result.ImagePrompt = body.ImagePrompt
		}
	} else {
		// Some models answer with bare prose despite the JSON ask. Prose is
		// still a usable chapter.
		result.Text = strings.TrimSpace(text)
	}
	if result.Text == "" {
		err := fmt.Errorf("chapter %d: %w", chapter, ErrDegenerateCompletion)
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	step, err := s.completeStep(dbc, runID, ref, result)
	if err != nil {
		return nil, err
	}
	s.log.Info("chapter written", "run_id", runID.String(), "chapter", chapter)
	return step, nil
}
