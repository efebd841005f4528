package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/pipeline"
	"github.com/fableforge/storyrun/pkg/services"
	"github.com/fableforge/storyrun/pkg/story"
)

// errorDetail is the single error shape clients see.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorEnvelope wraps the detail the way every endpoint returns errors.
type errorEnvelope struct {
	Detail errorDetail `json:"detail"`
}

// respondError writes the envelope for a status, code and message.
func respondError(c *echo.Context, status int, code, message string) error {
	return c.JSON(status, errorEnvelope{Detail: errorDetail{Code: code, Message: message}})
}

// respondStepError maps a pipeline failure onto the wire.
func respondStepError(c *echo.Context, serr *pipeline.StepError) error {
	return respondError(c, serr.Status, serr.Code, serr.Message)
}

// mapServiceError translates service-layer errors into the envelope.
// notFoundCode picks the stable code for a missing resource, since the same
// sentinel covers stories, sessions, snapshots and replay reports.
func mapServiceError(c *echo.Context, err error, notFoundCode string) error {
	var vErr *services.ValidationError
	if errors.As(err, &vErr) {
		return respondError(c, http.StatusBadRequest, pipeline.CodeStoryRequired, vErr.Message)
	}
	if errors.Is(err, story.ErrInvalidStartNode) {
		return respondError(c, http.StatusBadRequest, pipeline.CodeInvalidStartNode, err.Error())
	}
	if errors.Is(err, story.ErrPackFormat) {
		return respondError(c, http.StatusBadRequest, pipeline.CodePackV10Required, err.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return respondError(c, http.StatusNotFound, notFoundCode, err.Error())
	}
	if errors.Is(err, services.ErrAlreadyExists) {
		return respondError(c, http.StatusConflict, "ALREADY_EXISTS", err.Error())
	}
	slog.Error("Unhandled service error", "error", err)
	return respondError(c, http.StatusInternalServerError, pipeline.CodeInternalError, "internal error")
}
