package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mythoria-pt/story-generation-workflow/internal/http/response"
	"github.com/mythoria-pt/story-generation-workflow/internal/platform/apierr"
	"github.com/mythoria-pt/story-generation-workflow/internal/services"
)

// respondServiceError prefers the status/code a service attached to the
// error; otherwise it falls back to the sentinel mapping with the handler's
// own code.
func respondServiceError(c *gin.Context, code string, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		response.RespondError(c, ae.Status, ae.Code, ae.Err)
		return
	}
	response.RespondError(c, statusFor(err), code, err)
}

// statusFor maps service errors onto HTTP statuses. Anything unrecognized is
// a 500 so provider and storage failures do not masquerade as caller bugs.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrRunNotFound),
		errors.Is(err, services.ErrStepNotFound),
		errors.Is(err, services.ErrStoryNotFound),
		errors.Is(err, services.ErrContextNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
