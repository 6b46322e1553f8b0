package services

import (
	"encoding/json"
	"fmt"
	"strings"

	types "github.com/mythoria-pt/story-generation-workflow/internal/domain"
)

// Outline is the structured result of the outline step. Chapter-indexed
// steps downstream read it back from the ledger.
type Outline struct {
	Title    string           `json:"title"`
	Synopsis string           `json:"synopsis"`
	Chapters []OutlineChapter `json:"chapters"`
}

type OutlineChapter struct {
	Title       string `json:"title"`
	Summary     string `json:"summary"`
	ImagePrompt string `json:"image_prompt"`
}

// BuildStorySystemPrompt is the system prompt that anchors the whole run's
// conversation. Every step's turn builds on it.
func BuildStorySystemPrompt(story *types.Story) string {
	title := "an untitled story"
	if story != nil && story.Title != "" {
		title = fmt.Sprintf("%q", story.Title)
	}
	return strings.TrimSpace(fmt.Sprintf(`You are a children's book author and illustrator's assistant writing %s.
Write warm, age-appropriate prose for readers aged 4 to 8. Keep characters,
names and established plot details consistent across every chapter. When
asked for JSON, answer with JSON only, no commentary.`, title))
}

func OutlinePrompt(chapterCount int) string {
	if chapterCount < 1 {
		chapterCount = defaultChapterCount
	}
	return fmt.Sprintf(`Plan the story as a JSON object with fields "title", "synopsis" and
"chapters": an array of exactly %d chapters, each with "title", "summary"
and "image_prompt" (a vivid single-scene illustration brief).`, chapterCount)
}

func ChapterPrompt(n int, ch OutlineChapter) string {
	return fmt.Sprintf(`Write chapter %d, titled %q. Chapter brief: %s
Return a JSON object with "text" (600-900 words of story prose) and
"image_prompt" (an illustration brief for this chapter's key scene).`, n, ch.Title, ch.Summary)
}

func FrontCoverPrompt(outline Outline) string {
	return fmt.Sprintf("Children's book front cover illustration for %q: %s. Whimsical, bright, no text.",
		outline.Title, outline.Synopsis)
}

func BackCoverPrompt(outline Outline) string {
	return fmt.Sprintf("Children's book back cover illustration for %q, a gentle closing scene. Whimsical, bright, no text.",
		outline.Title)
}

// ParseModelJSON decodes a model response that should be JSON but may be
// wrapped in a markdown code fence.
func ParseModelJSON(raw string, out any) error {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		if i := strings.LastIndex(raw, "```"); i >= 0 {
			raw = raw[:i]
		}
		raw = strings.TrimSpace(raw)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("model response is not valid JSON: %w", err)
	}
	return nil
}
