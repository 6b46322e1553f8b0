package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mythoria-pt/story-generation-workflow/internal/http/response"
	"github.com/mythoria-pt/story-generation-workflow/internal/pkg/dbctx"
	"github.com/mythoria-pt/story-generation-workflow/internal/services"
)

type RunHandler struct {
	runs     services.RunService
	progress services.ProgressService
}

func NewRunHandler(runs services.RunService, progress services.ProgressService) *RunHandler {
	return &RunHandler{runs: runs, progress: progress}
}

// POST /api/stories/:id/runs
func (h *RunHandler) StartRun(c *gin.Context) {
	storyID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_story_id", err)
		return
	}
	var body struct {
		Metadata map[string]interface{} `json:"metadata"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	run, err := h.runs.Start(dbctx.New(c.Request.Context()), storyID, body.Metadata)
	if err != nil {
		respondServiceError(c, "start_run_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	view, err := h.runs.Get(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "run_not_found", err)
		return
	}
	response.RespondOK(c, view)
}

// GET /api/runs/:id/progress
func (h *RunHandler) GetProgress(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	pct, err := h.progress.CalculateProgress(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "progress_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"percentage": pct})
}

// POST /api/runs/:id/cancel
func (h *RunHandler) CancelRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_body", err)
			return
		}
	}
	run, err := h.runs.Cancel(dbctx.New(c.Request.Context()), runID, body.Reason)
	if err != nil {
		respondServiceError(c, "cancel_run_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}

// POST /api/runs/:id/finalize
func (h *RunHandler) FinalizeRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_run_id", err)
		return
	}
	run, err := h.runs.Finalize(dbctx.New(c.Request.Context()), runID)
	if err != nil {
		respondServiceError(c, "finalize_run_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"run": run})
}
