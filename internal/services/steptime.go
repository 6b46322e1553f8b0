package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
	wf "github.com/mythoria-pt/story-generation-workflow/internal/domain/workflows"
)

// StepTimeEntry is one row of the static step-time table. PerChapter entries
// are multiplied by the discovered chapter count when totalling, and counted
// once per matched step when summing elapsed work.
type StepTimeEntry struct {
	Seconds    float64 `yaml:"seconds"`
	PerChapter bool    `yaml:"per_chapter"`
}

type StepTimeModel map[wf.StepKind]StepTimeEntry

// DefaultStepTimeModel is the shipped estimate of how long each step kind
// takes. The absolute numbers only matter relative to each other.
func DefaultStepTimeModel() StepTimeModel {
	return StepTimeModel{
		wf.KindOutline:      {Seconds: 60},
		wf.KindWriteChapter: {Seconds: 90, PerChapter: true},
		wf.KindChapterImage: {Seconds: 60, PerChapter: true},
		wf.KindFrontCover:   {Seconds: 45},
		wf.KindBackCover:    {Seconds: 30},
		wf.KindAssembleBook: {Seconds: 30},
		wf.KindAudiobook:    {Seconds: 120},
		wf.KindFinalize:     {Seconds: 10},
	}
}

// LoadStepTimeModel overlays a YAML file onto the defaults so operators can
// retune estimates without a rebuild. Empty path returns the defaults.
func LoadStepTimeModel(path string) (StepTimeModel, error) {
	model := DefaultStepTimeModel()
	if path == "" {
		return model, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read step time model: %w", err)
	}
	overlay := map[string]StepTimeEntry{}
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("parse step time model: %w", err)
	}
	for kind, entry := range overlay {
		if entry.Seconds <= 0 {
			return nil, fmt.Errorf("step time model: %q needs seconds > 0", kind)
		}
		model[wf.StepKind(kind)] = entry
	}
	return model, nil
}

// TotalSeconds is the estimated duration of the whole pipeline for the given
// chapter count. Strictly increasing in chapterCount as long as the model
// has a per-chapter entry.
func (m StepTimeModel) TotalSeconds(chapterCount int) float64 {
	if chapterCount < 1 {
		chapterCount = 1
	}
	var total float64
	for _, entry := range m {
		if entry.PerChapter {
			total += entry.Seconds * float64(chapterCount)
		} else {
			total += entry.Seconds
		}
	}
	return total
}

// ElapsedSeconds maps each completed step back onto the table: exact kind
// match for fixed steps, per-chapter entry counted once per matched chapter
// step. Unknown step names contribute nothing.
func (m StepTimeModel) ElapsedSeconds(steps []*types.WorkflowStep) float64 {
	var elapsed float64
	for _, step := range steps {
		if step == nil || step.Status != wf.StepStatusCompleted {
			continue
		}
		ref := wf.ParseStepName(step.StepName)
		entry, ok := m[ref.Kind]
		if !ok {
			continue
		}
		elapsed += entry.Seconds
	}
	return elapsed
}
