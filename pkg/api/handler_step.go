package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/events"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/pipeline"
)

// headerIdempotencyKey carries the optional client replay token.
const headerIdempotencyKey = "X-Idempotency-Key"

// stepHandler runs one player turn synchronously.
// POST /api/v1/sessions/:id/step
func (s *Server) stepHandler(c *echo.Context) error {
	req, serr := decodeStepRequest(c)
	if serr != nil {
		return respondStepError(c, serr)
	}

	resp, serr := s.engine.Step(c.Request().Context(), req, events.NopEmitter{})
	if serr != nil {
		return respondStepError(c, serr)
	}
	return c.JSON(http.StatusOK, resp)
}

// decodeStepRequest binds the step body, keeping the absent-versus-empty
// distinction for player_input.
func decodeStepRequest(c *echo.Context) (*models.StepRequest, *pipeline.StepError) {
	var body stepRequestBody
	if err := c.Bind(&body); err != nil {
		return nil, pipeline.NewStepError(http.StatusUnprocessableEntity,
			pipeline.CodeInputConflict, "invalid request body")
	}

	req := &models.StepRequest{
		SessionID:      c.Param("id"),
		IdempotencyKey: c.Request().Header.Get(headerIdempotencyKey),
	}
	if body.ChoiceID != nil {
		req.ChoiceID = *body.ChoiceID
	}
	if body.PlayerInput != nil {
		req.PlayerInput = *body.PlayerInput
		req.HasPlayerInput = true
	}
	return req, nil
}
