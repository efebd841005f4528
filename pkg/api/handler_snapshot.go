package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/fableforge/storyrun/pkg/pipeline"
)

// snapshotHandler captures a manual restore point for a session.
// POST /api/v1/sessions/:id/snapshot
func (s *Server) snapshotHandler(c *echo.Context) error {
	snap, err := s.sessions.Snapshot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	return c.JSON(http.StatusCreated, snapshotResponse{
		SnapshotID: snap.ID,
		SessionID:  snap.SessionID,
		CreatedAt:  snap.CreatedAt,
	})
}

// rollbackHandler restores a session to a snapshot, pruning the audit rows
// written after it.
// POST /api/v1/sessions/:id/rollback?snapshot_id=...
func (s *Server) rollbackHandler(c *echo.Context) error {
	snapshotID := c.QueryParam("snapshot_id")
	if snapshotID == "" {
		return respondError(c, http.StatusBadRequest, pipeline.CodeSessionNotFound,
			"snapshot_id query parameter is required")
	}

	session, err := s.sessions.Rollback(c.Request().Context(), c.Param("id"), snapshotID)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	node, err := s.sessions.CurrentNodeView(c.Request().Context(), session)
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	return c.JSON(http.StatusOK, sessionToResponse(session, node))
}

// endSessionHandler finishes a run manually and returns its replay report.
// POST /api/v1/sessions/:id/end
func (s *Server) endSessionHandler(c *echo.Context) error {
	report, err := s.sessions.End(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	return c.JSON(http.StatusOK, report)
}

// replayHandler returns the stored replay report for an ended session.
// GET /api/v1/sessions/:id/replay
func (s *Server) replayHandler(c *echo.Context) error {
	report, err := s.replay.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err, pipeline.CodeSessionNotFound)
	}
	return c.JSON(http.StatusOK, report)
}
