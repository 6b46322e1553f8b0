package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/http/response"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/services"
)

// StepHandler exposes one endpoint per pipeline step. Each one is a thin
// pass-through; sequencing decisions stay with the caller.
type StepHandler struct {
	outline    services.OutlineService
	chapters   services.ChapterService
	images     services.IllustrationService
	assembly   services.AssemblyService
	audiobooks services.AudiobookService
}

func NewStepHandler(
	outline services.OutlineService,
	chapters services.ChapterService,
	images services.IllustrationService,
	assembly services.AssemblyService,
	audiobooks services.AudiobookService,
) *StepHandler {
	return &StepHandler{
		outline:    outline,
		chapters:   chapters,
		images:     images,
		assembly:   assembly,
		audiobooks: audiobooks,
	}
}

func runIDParam(c *gin.Context) (uuid.UUID, bool) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return uuid.Nil, false
	}
	return runID, true
}

func chapterParam(c *gin.Context) (int, bool) {
	n, err := strconv.Atoi(c.Param("chapter"))
	if err != nil || n < 1 {
		response.RespondError(c, http.StatusBadRequest, "invalid_chapter", err)
		return 0, false
	}
	return n, true
}

// POST /api/runs/:id/steps/outline
func (h *StepHandler) GenerateOutline(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	var body struct {
		ChapterCount int `json:"chapter_count"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	step, err := h.outline.RunOutline(dbctx.New(c.Request.Context()), runID, body.ChapterCount)
	if err != nil {
		respondServiceError(c, "outline_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}

// POST /api/runs/:id/steps/chapters/:chapter
func (h *StepHandler) WriteChapter(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	chapter, ok := chapterParam(c)
	if !ok {
		return
	}
	step, err := h.chapters.WriteChapter(dbctx.New(c.Request.Context()), runID, chapter)
	if err != nil {
		respondServiceError(c, "write_chapter_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}

// POST /api/runs/:id/steps/images/:chapter
func (h *StepHandler) GenerateChapterImage(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	chapter, ok := chapterParam(c)
	if !ok {
		return
	}
	step, err := h.images.GenerateChapterImage(dbctx.New(c.Request.Context()), runID, chapter)
	if err != nil {
		respondServiceError(c, "chapter_image_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}

// POST /api/runs/:id/steps/front-cover
func (h *StepHandler) GenerateFrontCover(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	step, err := h.images.GenerateFrontCover(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "front_cover_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}

// POST /api/runs/:id/steps/back-cover
func (h *StepHandler) GenerateBackCover(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	step, err := h.images.GenerateBackCover(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "back_cover_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}

// POST /api/runs/:id/steps/assemble
func (h *StepHandler) AssembleBook(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	step, err := h.assembly.AssembleBook(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "assemble_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}

// POST /api/runs/:id/steps/audiobook
func (h *StepHandler) GenerateAudiobook(c *gin.Context) {
	runID, ok := runIDParam(c)
	if !ok {
		return
	}
	step, err := h.audiobooks.GenerateAudiobook(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "audiobook_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"step": step})
}
