package api

import (
	"time"

	"github.com/fableforge/storyrun/pkg/models"
)

// createSessionRequest starts a run on a story. Version pins an exact pack
// version; empty selects the latest published one.
type createSessionRequest struct {
	StoryID string `json:"story_id"`
	Version string `json:"version,omitempty"`
}

// stepRequestBody is the wire form of one turn. Pointers distinguish absent
// fields from empty ones; an empty player_input is a valid degraded turn
// while an absent one is a client error.
type stepRequestBody struct {
	ChoiceID    *string `json:"choice_id"`
	PlayerInput *string `json:"player_input"`
}

// sessionResponse is the session summary returned on create and read.
type sessionResponse struct {
	ID           string              `json:"id"`
	Status       string              `json:"status"`
	StoryID      string              `json:"story_id"`
	StoryVersion string              `json:"story_version"`
	CurrentNode  *models.NodeView    `json:"current_node,omitempty"`
	StateExcerpt models.StateExcerpt `json:"state_excerpt"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// storyResponse acknowledges a published pack.
type storyResponse struct {
	StoryID     string    `json:"story_id"`
	Version     string    `json:"version"`
	IsPublished bool      `json:"is_published"`
	CreatedAt   time.Time `json:"created_at"`
}

// snapshotResponse acknowledges a manual snapshot.
type snapshotResponse struct {
	SnapshotID string    `json:"snapshot_id"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
}

func sessionToResponse(s *models.Session, node *models.NodeView) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		Status:       string(s.Status),
		StoryID:      s.StoryID,
		StoryVersion: s.StoryVersion,
		CurrentNode:  node,
		StateExcerpt: models.ExcerptOf(s.State),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
