package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/data/repos"
	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
)

// BookManifest is the assembled book: ordered chapters joined with their
// images and covers, written to the bucket as one JSON document.
type BookManifest struct {
	StoryID    string            `json:"story_id"`
	RunID      string            `json:"run_id"`
	Title      string            `json:"title"`
	Synopsis   string            `json:"synopsis"`
	FrontCover string            `json:"front_cover_url,omitempty"`
	BackCover  string            `json:"back_cover_url,omitempty"`
	Chapters   []ManifestChapter `json:"chapters"`
}

type ManifestChapter struct {
	Chapter  int    `json:"chapter"`
	Title    string `json:"title"`
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

// AssemblyResult is the ledger record for the assembly step.
type AssemblyResult struct {
	ObjectKey string `json:"object_key"`
	URL       string `json:"url"`
	Chapters  int    `json:"chapters"`
}

// AssemblyService folds every completed chapter, image and cover step into
// one book manifest. It reads only the ledger, never the providers.
type AssemblyService interface {
	AssembleBook(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error)
}

type assemblyService struct {
	stepCore
	bucket BucketService
}

func NewAssemblyService(
	baseLog *logger.Logger,
	ledger LedgerService,
	contexts ContextManager,
	stories repos.StoryRepo,
	progress ProgressService,
	bucket BucketService,
) AssemblyService {
	return &assemblyService{
		stepCore: stepCore{
			log:      baseLog.With("service", "AssemblyService"),
			ledger:   ledger,
			contexts: contexts,
			stories:  stories,
			progress: progress,
		},
		bucket: bucket,
	}
}

func (s *assemblyService) AssembleBook(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error) {
	ref := wf.StepRef{Kind: wf.KindAssembleBook}
	run, _, _, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}

	manifest, err := s.buildManifest(dbc, run)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	key := fmt.Sprintf("stories/%s/runs/%s/book.json", run.StoryID, run.ID)
	if err := s.bucket.UploadFile(dbc.Ctx, key, "application/json", bytes.NewReader(raw)); err != nil {
		err = fmt.Errorf("upload %s: %w", key, err)
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	step, err := s.completeStep(dbc, runID, ref, AssemblyResult{
		ObjectKey: key,
		URL:       s.bucket.GetPublicURL(key),
		Chapters:  len(manifest.Chapters),
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("book assembled", "run_id", runID.String(), "chapters", len(manifest.Chapters))
	return step, nil
}

func (s *assemblyService) buildManifest(dbc dbctx.Context, run *types.WorkflowRun) (BookManifest, error) {
	outline, err := loadOutline(s.ledger, dbc, run.ID)
	if err != nil {
		return BookManifest{}, err
	}

	steps, err := s.ledger.GetRunSteps(dbc, run.ID)
	if err != nil {
		return BookManifest{}, err
	}

	manifest := BookManifest{
		StoryID:  run.StoryID.String(),
		RunID:    run.ID.String(),
		Title:    outline.Title,
		Synopsis: outline.Synopsis,
	}
	images := map[int]string{}
	chapters := map[int]ManifestChapter{}
	for _, step := range steps {
		if step.Status != wf.StepStatusCompleted {
			continue
		}
		ref := wf.ParseStepName(step.StepName)
		switch ref.Kind {
		case wf.KindWriteChapter:
			var ch ChapterResult
			if err := json.Unmarshal(step.Detail, &ch); err != nil {
				return BookManifest{}, fmt.Errorf("decode %s: %w", step.StepName, err)
			}
			chapters[ref.Chapter] = ManifestChapter{Chapter: ref.Chapter, Title: ch.Title, Text: ch.Text}
		case wf.KindChapterImage:
			var img ImageResult
			if err := json.Unmarshal(step.Detail, &img); err != nil {
				return BookManifest{}, fmt.Errorf("decode %s: %w", step.StepName, err)
			}
			images[ref.Chapter] = img.URL
		case wf.KindFrontCover:
			var img ImageResult
			if err := json.Unmarshal(step.Detail, &img); err == nil {
				manifest.FrontCover = img.URL
			}
		case wf.KindBackCover:
			var img ImageResult
			if err := json.Unmarshal(step.Detail, &img); err == nil {
				manifest.BackCover = img.URL
			}
		}
	}
	if len(chapters) == 0 {
		return BookManifest{}, fmt.Errorf("no completed chapters to assemble for run %s", run.ID)
	}

	nums := make([]int, 0, len(chapters))
	for n := range chapters {
		nums = append(nums, n)
	}
	sort.Ints(nums)
	for _, n := range nums {
		ch := chapters[n]
		ch.ImageURL = images[n]
		manifest.Chapters = append(manifest.Chapters, ch)
	}
	return manifest, nil
}
