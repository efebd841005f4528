// Package models holds persisted row types and API payload types shared by
// the services, pipeline and API layers.
package models

import (
	"time"

	"github.com/fableforge/storyrun/pkg/story"
)

// SessionStatus is the lifecycle status of a player session.
type SessionStatus string

// Session statuses.
const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is one player run through a story. The session exclusively owns
// its state blob, current node and audit rows; it is mutated only inside a
// step, rollback or end transaction.
type Session struct {
	ID           string        `json:"id"`
	Status       SessionStatus `json:"status"`
	StoryID      string        `json:"story_id"`
	StoryVersion string        `json:"story_version"`
	StoryNodeID  string        `json:"story_node_id"`
	State        *story.State  `json:"state_json"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Story is a published, versioned story pack row. The runtime reads it,
// never writes it.
type Story struct {
	StoryID     string    `json:"story_id"`
	Version     string    `json:"version"`
	IsPublished bool      `json:"is_published"`
	PackJSON    []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionSnapshot is a manual save point: a frozen copy of the session
// fields plus the ids of the action logs that existed at capture time.
type SessionSnapshot struct {
	ID        string        `json:"snapshot_id"`
	SessionID string        `json:"session_id"`
	StateBlob SnapshotState `json:"state_blob"`
	CreatedAt time.Time     `json:"created_at"`
}

// SnapshotState is the frozen content of a snapshot.
type SnapshotState struct {
	Status       SessionStatus `json:"status"`
	StoryNodeID  string        `json:"story_node_id"`
	State        *story.State  `json:"state_json"`
	ActionLogIDs []string      `json:"action_log_ids"`
}
