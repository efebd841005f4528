package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/pipeline"
	"github.com/fableforge/storyrun/pkg/story"
)

// debugSessionView is the full inspector payload: the raw state and the
// complete audit trail, none of which is safe to expose outside dev.
type debugSessionView struct {
	Session    *models.Session     `json:"session"`
	State      *story.State        `json:"state"`
	ActionLogs []*models.ActionLog `json:"action_logs"`
}

// debugSessionHandler exposes the session inspector in dev only. Everywhere
// else the route answers as if it did not exist.
// GET /api/v1/debug/sessions/:id
func (s *Server) debugSessionHandler(c *echo.Context) error {
	if !s.cfg.IsDev() {
		return respondError(c, http.StatusNotFound, pipeline.CodeDebugDisabled,
			"debug endpoints are disabled")
	}

	ctx := c.Request().Context()
	session, err := s.sessions.Get(ctx, c.Param("id"))
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	logs, err := s.sessions.ActionLogs(ctx, session.ID)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	return c.JSON(http.StatusOK, debugSessionView{
		Session:    session,
		State:      session.State,
		ActionLogs: logs,
	})
}
