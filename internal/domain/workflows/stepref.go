package workflows

import (
	"fmt"
	"strconv"
	"strings"
)

// StepKind names one kind of pipeline work. Chapter-indexed kinds expand to
// an open-ended family of step names ("write_chapter_3", ...) only known
// once the outline step has reported how many chapters the story has.
type StepKind string

const (
	KindOutline      StepKind = "generate_outline"
	KindWriteChapter StepKind = "write_chapters"
	KindChapterImage StepKind = "generate_images"
	KindFrontCover   StepKind = "generate_front_cover"
	KindBackCover    StepKind = "generate_back_cover"
	KindAssembleBook StepKind = "assemble_book"
	KindAudiobook    StepKind = "generate_audiobook"
	KindFinalize     StepKind = "finalize"
	KindUnknown      StepKind = ""
)

const (
	writeChapterPrefix = "write_chapter_"
	chapterImagePrefix = "generate_image_chapter_"
)

// TerminalStepName marks the end of the pipeline; a completed run sitting on
// it always reports exactly 100 percent.
const TerminalStepName = string(KindFinalize)

// StepRef is a step name parsed once at the boundary: kind plus optional
// 1-based chapter index. Consumers match on Kind instead of re-deriving the
// prefix parse at every call site.
type StepRef struct {
	Kind    StepKind
	Chapter int
}

func (r StepRef) PerChapter() bool {
	return r.Kind == KindWriteChapter || r.Kind == KindChapterImage
}

// StepName renders the ledger step name for this ref.
func (r StepRef) StepName() string {
	switch r.Kind {
	case KindWriteChapter:
		return writeChapterPrefix + strconv.Itoa(r.Chapter)
	case KindChapterImage:
		return chapterImagePrefix + strconv.Itoa(r.Chapter)
	default:
		return string(r.Kind)
	}
}

func WriteChapterStep(chapter int) StepRef {
	return StepRef{Kind: KindWriteChapter, Chapter: chapter}
}

func ChapterImageStep(chapter int) StepRef {
	return StepRef{Kind: KindChapterImage, Chapter: chapter}
}

// ParseStepName maps a recorded step name back onto its kind. Unrecognized
// names come back as KindUnknown; the estimator ignores them rather than
// guessing a duration.
func ParseStepName(name string) StepRef {
	name = strings.TrimSpace(name)
	switch StepKind(name) {
	case KindOutline, KindFrontCover, KindBackCover, KindAssembleBook, KindAudiobook, KindFinalize:
		return StepRef{Kind: StepKind(name)}
	}
	if n, ok := chapterSuffix(name, writeChapterPrefix); ok {
		return StepRef{Kind: KindWriteChapter, Chapter: n}
	}
	if n, ok := chapterSuffix(name, chapterImagePrefix); ok {
		return StepRef{Kind: KindChapterImage, Chapter: n}
	}
	return StepRef{Kind: KindUnknown}
}

func chapterSuffix(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

func (r StepRef) String() string {
	if r.PerChapter() {
		return fmt.Sprintf("%s[%d]", r.Kind, r.Chapter)
	}
	return string(r.Kind)
}
