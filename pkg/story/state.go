// Package story defines the runtime story-pack model and the per-session
// semantic state, plus normalization and validation for both.
package story

import (
	"encoding/json"
	"fmt"
)

// Slot is the time-of-day slot within a story day.
type Slot string

// Slot values, in day order.
const (
	SlotMorning   Slot = "morning"
	SlotAfternoon Slot = "afternoon"
	SlotNight     Slot = "night"
)

// Canonical defaults for a fresh session state.
const (
	DefaultDay       = 1
	DefaultEnergy    = 80
	DefaultMoney     = 50
	DefaultKnowledge = 0
	DefaultAffection = 0
)

// Numeric axes addressable by effects, requirements and triggers.
const (
	AxisEnergy    = "energy"
	AxisMoney     = "money"
	AxisKnowledge = "knowledge"
	AxisAffection = "affection"
)

// NumericAxes lists the axes effects may touch, in canonical order.
var NumericAxes = []string{AxisEnergy, AxisMoney, AxisKnowledge, AxisAffection}

// State is the session's semantic state blob (Session.state_json).
type State struct {
	Day       int  `json:"day"`
	Slot      Slot `json:"slot"`
	Energy    int  `json:"energy"`
	Money     int  `json:"money"`
	Knowledge int  `json:"knowledge"`
	Affection int  `json:"affection"`

	NPCState   map[string]*NPCState `json:"npc_state"`
	QuestState QuestState           `json:"quest_state"`
	RunState   RunState             `json:"run_state"`
}

// NPCState tracks one NPC's relationship and memory.
type NPCState struct {
	Relation       map[string]int `json:"relation"`
	Mood           string         `json:"mood,omitempty"`
	Beliefs        map[string]any `json:"beliefs,omitempty"`
	ActiveGoals    []string       `json:"active_goals,omitempty"`
	StatusEffects  []string       `json:"status_effects,omitempty"`
	ShortMemory    []string       `json:"short_memory,omitempty"`
	LongMemoryRefs []string       `json:"long_memory_refs,omitempty"`
	LastSeenStep   int            `json:"last_seen_step"`
}

// QuestState tracks quest progression across the whole session.
type QuestState struct {
	ActiveQuests    []string                  `json:"active_quests"`
	CompletedQuests []string                  `json:"completed_quests"`
	Quests          map[string]*QuestProgress `json:"quests"`
	RecentEvents    []QuestProgressEvent      `json:"recent_events"`
}

// QuestProgress is the progression record of a single quest.
type QuestProgress struct {
	CurrentStageID string                    `json:"current_stage_id"`
	Stages         map[string]*StageProgress `json:"stages"`
}

// StageProgress is the progression record of a single quest stage.
type StageProgress struct {
	Done       bool                          `json:"done"`
	Milestones map[string]*MilestoneProgress `json:"milestones"`
}

// MilestoneProgress marks a one-shot milestone completion.
type MilestoneProgress struct {
	Done   bool `json:"done"`
	AtStep *int `json:"at_step,omitempty"`
}

// Quest progress event types (QuestProgressEvent.Type).
const (
	QuestEventStageActivated     = "stage_activated"
	QuestEventMilestoneCompleted = "milestone_completed"
	QuestEventStageCompleted     = "stage_completed"
	QuestEventQuestCompleted     = "quest_completed"
)

// QuestProgressEvent is one entry in quest_state.recent_events.
type QuestProgressEvent struct {
	Type        string `json:"type"`
	QuestID     string `json:"quest_id"`
	StageID     string `json:"stage_id,omitempty"`
	MilestoneID string `json:"milestone_id,omitempty"`
	AtStep      int    `json:"at_step"`
}

// RunState tracks per-run bookkeeping (step counter, fallbacks, events, ending).
type RunState struct {
	StepIndex         int            `json:"step_index"`
	FallbackCount     int            `json:"fallback_count"`
	TriggeredEventIDs []string       `json:"triggered_event_ids"`
	EventCooldowns    map[string]int `json:"event_cooldowns"`
	EndingID          *string        `json:"ending_id"`
	EndingOutcome     *string        `json:"ending_outcome"`
	EndedAtStep       *int           `json:"ended_at_step"`
}

// DefaultInitialState returns a fresh state with all canonical defaults.
func DefaultInitialState() *State {
	return &State{
		Day:       DefaultDay,
		Slot:      SlotMorning,
		Energy:    DefaultEnergy,
		Money:     DefaultMoney,
		Knowledge: DefaultKnowledge,
		Affection: DefaultAffection,
		NPCState:  map[string]*NPCState{},
		QuestState: QuestState{
			ActiveQuests:    []string{},
			CompletedQuests: []string{},
			Quests:          map[string]*QuestProgress{},
			RecentEvents:    []QuestProgressEvent{},
		},
		RunState: RunState{
			TriggeredEventIDs: []string{},
			EventCooldowns:    map[string]int{},
		},
	}
}

// Normalize fills missing sub-objects and clamps malformed values so the
// rest of the runtime can rely on a well-formed state.
func (s *State) Normalize() {
	if s.Day < 1 {
		s.Day = DefaultDay
	}
	switch s.Slot {
	case SlotMorning, SlotAfternoon, SlotNight:
	default:
		s.Slot = SlotMorning
	}
	if s.NPCState == nil {
		s.NPCState = map[string]*NPCState{}
	}
	for _, npc := range s.NPCState {
		if npc.Relation == nil {
			npc.Relation = map[string]int{}
		}
	}
	if s.QuestState.ActiveQuests == nil {
		s.QuestState.ActiveQuests = []string{}
	}
	if s.QuestState.CompletedQuests == nil {
		s.QuestState.CompletedQuests = []string{}
	}
	if s.QuestState.Quests == nil {
		s.QuestState.Quests = map[string]*QuestProgress{}
	}
	if s.QuestState.RecentEvents == nil {
		s.QuestState.RecentEvents = []QuestProgressEvent{}
	}
	for _, q := range s.QuestState.Quests {
		if q.Stages == nil {
			q.Stages = map[string]*StageProgress{}
		}
		for _, st := range q.Stages {
			if st.Milestones == nil {
				st.Milestones = map[string]*MilestoneProgress{}
			}
		}
	}
	if s.RunState.StepIndex < 0 {
		s.RunState.StepIndex = 0
	}
	if s.RunState.FallbackCount < 0 {
		s.RunState.FallbackCount = 0
	}
	if s.RunState.TriggeredEventIDs == nil {
		s.RunState.TriggeredEventIDs = []string{}
	}
	if s.RunState.EventCooldowns == nil {
		s.RunState.EventCooldowns = map[string]int{}
	}
}

// Clone returns a deep copy via a JSON round-trip.
func (s *State) Clone() *State {
	raw, err := json.Marshal(s)
	if err != nil {
		// State is a plain JSON-serializable struct; this cannot fail.
		panic(fmt.Sprintf("story: clone marshal: %v", err))
	}
	var out State
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("story: clone unmarshal: %v", err))
	}
	out.Normalize()
	return &out
}

// Axis returns the value of a numeric axis, or 0 for an unknown name.
func (s *State) Axis(name string) int {
	switch name {
	case AxisEnergy:
		return s.Energy
	case AxisMoney:
		return s.Money
	case AxisKnowledge:
		return s.Knowledge
	case AxisAffection:
		return s.Affection
	}
	return 0
}

// AddAxis adds delta to a numeric axis. Unknown names are ignored; pack
// validation rejects them before they can reach here.
func (s *State) AddAxis(name string, delta int) {
	switch name {
	case AxisEnergy:
		s.Energy += delta
	case AxisMoney:
		s.Money += delta
	case AxisKnowledge:
		s.Knowledge += delta
	case AxisAffection:
		s.Affection += delta
	}
}

// AdvanceSlot moves time forward one slot, rolling into the next day
// after night.
func (s *State) AdvanceSlot() {
	switch s.Slot {
	case SlotMorning:
		s.Slot = SlotAfternoon
	case SlotAfternoon:
		s.Slot = SlotNight
	default:
		s.Slot = SlotMorning
		s.Day++
	}
}

// Ended reports whether an ending has been frozen into the run state.
func (s *State) Ended() bool {
	return s.RunState.EndingID != nil
}
