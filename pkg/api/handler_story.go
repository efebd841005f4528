package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/pipeline"
)

// publishStoryHandler validates and publishes a story pack version. The body
// is the raw pack JSON.
// POST /api/v1/stories
func (s *Server) publishStoryHandler(c *echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, http.StatusBadRequest, pipeline.CodePackV10Required,
			"unreadable request body")
	}
	if len(raw) == 0 {
		return respondError(c, http.StatusBadRequest, pipeline.CodePackV10Required,
			"request body must be a story pack")
	}

	row, err := s.stories.Publish(c.Request().Context(), raw)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeStoryNotFound)
	}
	return c.JSON(http.StatusCreated, storyResponse{
		StoryID:     row.StoryID,
		Version:     row.Version,
		IsPublished: row.IsPublished,
		CreatedAt:   row.CreatedAt,
	})
}
