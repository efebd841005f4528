package models

import (
	"time"

	"github.com/fableforge/storyrun/pkg/story"
)

// StepRequest is one player turn. Exactly one of ChoiceID or PlayerInput
// must be provided; HasPlayerInput distinguishes an empty player_input
// (which degrades to a fallback) from an absent one (which is rejected).
type StepRequest struct {
	SessionID      string `json:"-"`
	ChoiceID       string `json:"choice_id,omitempty"`
	PlayerInput    string `json:"player_input,omitempty"`
	HasPlayerInput bool   `json:"-"`
	IdempotencyKey string `json:"-"`
}

// ChoiceView is one visible choice with precomputed prerequisite gating,
// returned to the client alongside the current node.
type ChoiceView struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Available    bool          `json:"available"`
	LockedReason *LockedReason `json:"locked_reason,omitempty"`
}

// LockedReason explains why a visible choice cannot currently execute.
type LockedReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NodeView is the client-facing view of the session's current node.
type NodeView struct {
	NodeID     string       `json:"node_id"`
	SceneBrief string       `json:"scene_brief"`
	IsEnd      bool         `json:"is_end"`
	Choices    []ChoiceView `json:"choices"`
}

// StateExcerpt is the compact numeric state surfaced on step responses.
type StateExcerpt struct {
	Day       int    `json:"day"`
	Slot      string `json:"slot"`
	Energy    int    `json:"energy"`
	Money     int    `json:"money"`
	Knowledge int    `json:"knowledge"`
	Affection int    `json:"affection"`
}

// ExcerptOf projects the response excerpt out of a full state.
func ExcerptOf(st *story.State) StateExcerpt {
	return StateExcerpt{
		Day:       st.Day,
		Slot:      string(st.Slot),
		Energy:    st.Energy,
		Money:     st.Money,
		Knowledge: st.Knowledge,
		Affection: st.Affection,
	}
}

// StepResponse is the committed result of one step. Key set is fixed;
// legacy fields like cost or route_type are deliberately absent.
type StepResponse struct {
	NarrativeText  string        `json:"narrative_text"`
	StoryNodeID    string        `json:"story_node_id"`
	SessionStatus  SessionStatus `json:"session_status"`
	RunEnded       bool          `json:"run_ended"`
	EndingID       string        `json:"ending_id,omitempty"`
	EndingOutcome  string        `json:"ending_outcome,omitempty"`
	EndingEpilogue string        `json:"ending_epilogue,omitempty"`

	CurrentNode  *NodeView    `json:"current_node,omitempty"`
	StateExcerpt StateExcerpt `json:"state_excerpt"`

	AttemptedChoiceID string   `json:"attempted_choice_id,omitempty"`
	ExecutedChoiceID  string   `json:"executed_choice_id"`
	ResolvedChoiceID  string   `json:"resolved_choice_id"`
	FallbackUsed      bool     `json:"fallback_used"`
	FallbackReason    string   `json:"fallback_reason,omitempty"`
	SelectionSource   string   `json:"selection_source"`
	MappingConfidence *float64 `json:"mapping_confidence,omitempty"`
	StepIndex         int      `json:"step_index"`
}

// IdempotencyStatus is the lifecycle of a step idempotency record.
type IdempotencyStatus string

// Idempotency statuses.
const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencySucceeded  IdempotencyStatus = "succeeded"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is the two-phase step idempotency row keyed by
// (session_id, idempotency_key).
type IdempotencyRecord struct {
	SessionID      string            `json:"session_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	RequestHash    string            `json:"request_hash"`
	Status         IdempotencyStatus `json:"status"`
	ResponseJSON   []byte            `json:"-"`
	ErrorCode      string            `json:"error_code,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}
