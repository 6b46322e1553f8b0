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
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/envutil"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/logger"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/openai"
)

// AudiobookResult is the ledger record for the audiobook step: one narrated
// track per chapter.
type AudiobookResult struct {
	Voice  string           `json:"voice"`
	Tracks []AudiobookTrack `json:"tracks"`
}

type AudiobookTrack struct {
	Chapter   int    `json:"chapter"`
	ObjectKey string `json:"object_key"`
	URL       string `json:"url"`
}

// AudiobookService narrates every completed chapter and stores the audio in
// the bucket.
type AudiobookService interface {
	GenerateAudiobook(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error)
}

type audiobookService struct {
	stepCore
	speech openai.Client
	bucket BucketService
	voice  string
}

func NewAudiobookService(
	baseLog *logger.Logger,
	ledger LedgerService,
	contexts ContextManager,
	stories repos.StoryRepo,
	progress ProgressService,
	speech openai.Client,
	bucket BucketService,
) AudiobookService {
	return &audiobookService{
		stepCore: stepCore{
			log:      baseLog.With("service", "AudiobookService"),
			ledger:   ledger,
			contexts: contexts,
			stories:  stories,
			progress: progress,
		},
		speech: speech,
		bucket: bucket,
		voice:  envutil.String("AUDIOBOOK_VOICE", "fable"),
	}
}

func (s *audiobookService) GenerateAudiobook(dbc dbctx.Context, runID uuid.UUID) (*types.WorkflowStep, error) {
	ref := wf.StepRef{Kind: wf.KindAudiobook}
	run, _, _, err := s.beginStep(dbc, runID, ref)
	if err != nil {
		return nil, err
	}

	chapters, err := s.completedChapters(dbc, runID)
	if err != nil {
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}
	if len(chapters) == 0 {
		err := fmt.Errorf("no completed chapters to narrate for run %s", runID)
		s.failStep(dbc, runID, ref, err)
		return nil, err
	}

	result := AudiobookResult{Voice: s.voice}
	for _, ch := range chapters {
		audio, err := s.speech.GenerateSpeech(dbc.Ctx, ch.Text, s.voice)
		if err != nil {
			err = fmt.Errorf("narrate chapter %d: %w", ch.Chapter, err)
			s.failStep(dbc, runID, ref, err)
			return nil, err
		}
		key := fmt.Sprintf("stories/%s/runs/%s/audio/chapter-%d.mp3", run.StoryID, run.ID, ch.Chapter)
		if err := s.bucket.UploadFile(dbc.Ctx, key, "audio/mpeg", bytes.NewReader(audio)); err != nil {
			err = fmt.Errorf("upload %s: %w", key, err)
			s.failStep(dbc, runID, ref, err)
			return nil, err
		}
		result.Tracks = append(result.Tracks, AudiobookTrack{
			Chapter:   ch.Chapter,
			ObjectKey: key,
			URL:       s.bucket.GetPublicURL(key),
		})
	}

	step, err := s.completeStep(dbc, runID, ref, result)
	if err != nil {
		return nil, err
	}
	s.log.Info("audiobook generated", "run_id", runID.String(), "tracks", len(result.Tracks))
	return step, nil
}

func (s *audiobookService) completedChapters(dbc dbctx.Context, runID uuid.UUID) ([]ChapterResult, error) {
	steps, err := s.ledger.GetRunSteps(dbc, runID)
	if err != nil {
		return nil, err
	}
	var chapters []ChapterResult
	for _, step := range steps {
		if step.Status != wf.StepStatusCompleted {
			continue
		}
		if wf.ParseStepName(step.StepName).Kind != wf.KindWriteChapter {
			continue
		}
		var ch ChapterResult
		if err := json.Unmarshal(step.Detail, &ch); err != nil {
			return nil, fmt.Errorf("decode %s: %w", step.StepName, err)
		}
		if ch.Text != "" {
			chapters = append(chapters, ch)
		}
	}
	sort.Slice(chapters, func(i, j int) bool { return chapters[i].Chapter < chapters[j].Chapter })
	return chapters, nil
}
