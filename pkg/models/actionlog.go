package models

import (
	"time"

	"github.com/fableforge/storyrun/pkg/story"
)

// MatchedRule is one quest/event/ending witness recorded on an action log
// and surfaced to the narrator as an impact source.
type MatchedRule struct {
	Type          string         `json:"type"` // quest_progress | runtime_event | ending
	QuestID       string         `json:"quest_id,omitempty"`
	StageID       string         `json:"stage_id,omitempty"`
	MilestoneID   string         `json:"milestone_id,omitempty"`
	EventID       string         `json:"event_id,omitempty"`
	EndingID      string         `json:"ending_id,omitempty"`
	Title         string         `json:"title,omitempty"`
	NarrationHint string         `json:"narration_hint,omitempty"`
	Effects       map[string]int `json:"effects,omitempty"`
	Detail        string         `json:"detail,omitempty"`
}

// MatchedRule types.
const (
	RuleQuestProgress = "quest_progress"
	RuleRuntimeEvent  = "runtime_event"
	RuleEnding        = "ending"
)

// Classification captures how the selection layer arrived at the executed
// action. Stored on the action log for the debug inspector and replay.
type Classification struct {
	SelectionSource string   `json:"selection_source"` // explicit | rule | llm | fallback
	LayerDebug      []string `json:"layer_debug,omitempty"`
	IntentID        string   `json:"intent_id,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

// ActionLog is the append-only per-step audit record.
type ActionLog struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	StoryNodeID      string         `json:"story_node_id"`   // node before executing
	StoryChoiceID    string         `json:"story_choice_id"` // executed choice id
	PlayerInput      string         `json:"player_input"`    // selector text
	UserRawInput     string         `json:"user_raw_input"`  // verbatim
	ProposedAction   string         `json:"proposed_action"`
	FinalAction      string         `json:"final_action"`
	FallbackUsed     bool           `json:"fallback_used"`
	FallbackReasons  []string       `json:"fallback_reasons"`
	ActionConfidence *float64       `json:"action_confidence,omitempty"`
	KeyDecision      bool           `json:"key_decision"`
	Classification   Classification `json:"classification"`
	StateBefore      *story.State   `json:"state_before"`
	StateAfter       *story.State   `json:"state_after"`
	StateDelta       map[string]any `json:"state_delta"`
	MatchedRules     []MatchedRule  `json:"matched_rules"`
	CreatedAt        time.Time      `json:"created_at"`
}

// ReplayReport is the post-run summary built from a session's action logs.
type ReplayReport struct {
	SessionID       string         `json:"session_id"`
	StoryID         string         `json:"story_id"`
	StoryVersion    string         `json:"story_version"`
	Steps           int            `json:"steps"`
	FallbackSteps   int            `json:"fallback_steps"`
	KeyDecisions    []KeyDecision  `json:"key_decisions"`
	CompletedQuests []string       `json:"completed_quests"`
	TriggeredEvents []string       `json:"triggered_events"`
	EndingID        string         `json:"ending_id,omitempty"`
	EndingOutcome   string         `json:"ending_outcome,omitempty"`
	FinalState      map[string]int `json:"final_state"`
	CreatedAt       time.Time      `json:"created_at"`
}

// KeyDecision is one key-decision step surfaced in the replay report.
type KeyDecision struct {
	StepIndex int    `json:"step_index"`
	ChoiceID  string `json:"choice_id"`
	NodeID    string `json:"node_id"`
}
