package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/pipeline"
)

// createSessionHandler starts a session on a story.
// POST /api/v1/sessions
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, pipeline.CodeStoryRequired,
			"invalid request body")
	}

	session, err := s.sessions.Create(c.Request().Context(), req.StoryID, req.Version)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeStoryNotFound)
	}
	node, err := s.sessions.CurrentNodeView(c.Request().Context(), session)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeStoryNotFound)
	}
	return c.JSON(http.StatusCreated, sessionToResponse(session, node))
}

// getSessionHandler returns a session with its current node view.
// GET /api/v1/sessions/:id
func (s *Server) getSessionHandler(c *echo.Context) error {
	session, err := s.sessions.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	node, err := s.sessions.CurrentNodeView(c.Request().Context(), session)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	return c.JSON(http.StatusOK, sessionToResponse(session, node))
}
