package prompt

import (
	"github.com/fableforge/storyrun/pkg/story"
)

const narratorInstructions = `You are the narrator of an interactive story. Write the next beat.
Reply with strict JSON matching: {"narrative_text": string}
Rules:
- 2 to 4 concise sentences, written in second person, present tense.
- Acknowledge what the player MEANT separately from what actually HAPPENED;
  never imply the intent caused effects it did not cause.
- When fallback_used is true, write exactly two sentences: one acknowledging
  the attempt, one redirecting to what actually happened.
- When runtime_event is set, keep the event beat as its own clause or sentence.
- When quest_nudge.enabled is true and mode is "cadence", weave in at most one
  subtle in-world hint from the provided hints.
- Never leak internal tokens such as choice ids, node ids, reason codes or
  JSON keys into the prose.`

// Input modes.
const (
	InputModeChoiceClick = "choice_click"
	InputModeFreeInput   = "free_input"
)

// Intent/action alignment markers.
const (
	AlignmentAligned  = "aligned"
	AlignmentMismatch = "mismatch"
	AlignmentUnknown  = "unknown"
)

// Quest nudge modes.
const (
	NudgeEventDriven = "event_driven"
	NudgeCadence     = "cadence"
	NudgeOff         = "off"
)

// NarratorResolution mirrors the resolver output the narrator needs.
type NarratorResolution struct {
	AttemptedChoiceID   string   `json:"attempted_choice_id"`
	ExecutedChoiceID    string   `json:"executed_choice_id"`
	ResolvedChoiceID    string   `json:"resolved_choice_id"`
	SelectedChoiceLabel string   `json:"selected_choice_label"`
	SelectedActionID    string   `json:"selected_action_id"`
	MappingConfidence   *float64 `json:"mapping_confidence"`
	FallbackUsed        bool     `json:"fallback_used"`
	FallbackReason      string   `json:"fallback_reason"`
}

// NarratorQuestSummary is the compacted quest view.
type NarratorQuestSummary struct {
	ActiveQuests []ActiveQuestBrief `json:"active_quests"`
	RecentEvents []string           `json:"recent_events"`
}

// ActiveQuestBrief names one active quest and its current stage.
type ActiveQuestBrief struct {
	QuestID    string `json:"quest_id"`
	Title      string `json:"title"`
	Line       string `json:"line"`
	StageID    string `json:"stage_id"`
	StageTitle string `json:"stage_title"`
}

// NarratorNudge is the quest-nudge block.
type NarratorNudge struct {
	Enabled      bool   `json:"enabled"`
	Mode         string `json:"mode"`
	MainlineHint string `json:"mainline_hint,omitempty"`
	SidelineHint string `json:"sideline_hint,omitempty"`
}

// NarratorEvent is the fired runtime event, if any.
type NarratorEvent struct {
	EventID       string         `json:"event_id"`
	Title         string         `json:"title"`
	NarrationHint string         `json:"narration_hint"`
	Effects       map[string]int `json:"effects"`
}

// NarratorEnding is the run-ending block.
type NarratorEnding struct {
	RunEnded       bool   `json:"run_ended"`
	EndingID       string `json:"ending_id,omitempty"`
	EndingOutcome  string `json:"ending_outcome,omitempty"`
	EndingTitle    string `json:"ending_title,omitempty"`
	EndingEpilogue string `json:"ending_epilogue,omitempty"`
}

// NarratorInput is everything the pipeline hands the narrator builder.
type NarratorInput struct {
	InputMode      string
	PlayerInputRaw string

	FromNode *story.Node
	ToNode   *story.Node

	Resolution NarratorResolution

	StateBefore *story.State
	StateAfter  *story.State
	Delta       map[string]int

	ActionEffects map[string]int
	EventEffects  map[string]int

	Event        *NarratorEvent
	QuestSummary NarratorQuestSummary
	Nudge        NarratorNudge
	Ending       NarratorEnding

	// NudgeSuppressedByEvent is set by the pipeline when active quests would
	// have earned a hint but a fired runtime event claimed the beat. The
	// nudge block itself arrives disabled in that case.
	NudgeSuppressedByEvent bool
}

type nodeTransition struct {
	FromNodeID string `json:"from_node_id"`
	ToNodeID   string `json:"to_node_id"`
	FromScene  string `json:"from_scene"`
	ToScene    string `json:"to_scene"`
}

type impactSources struct {
	ActionEffects map[string]int `json:"action_effects"`
	EventEffects  map[string]int `json:"event_effects"`
	TotalEffects  map[string]int `json:"total_effects"`
}

type stateSnapshot struct {
	StoryNodeID string `json:"story_node_id,omitempty"`
	Day         int    `json:"day"`
	Slot        string `json:"slot"`
	Energy      int    `json:"energy"`
	Money       int    `json:"money"`
	Knowledge   int    `json:"knowledge"`
	Affection   int    `json:"affection"`
}

type narratorContext struct {
	InputMode                  string               `json:"input_mode"`
	PlayerInputRaw             string               `json:"player_input_raw"`
	NodeTransition             nodeTransition       `json:"node_transition"`
	SelectionResolution        NarratorResolution   `json:"selection_resolution"`
	CausalPolicy               string               `json:"causal_policy"`
	IntentActionAlignment      string               `json:"intent_action_alignment"`
	StateSnapshotBefore        *stateSnapshot       `json:"state_snapshot_before,omitempty"`
	StateSnapshotAfter         stateSnapshot        `json:"state_snapshot_after"`
	StateDelta                 map[string]int       `json:"state_delta"`
	ImpactBrief                []string             `json:"impact_brief"`
	ImpactSources              *impactSources       `json:"impact_sources,omitempty"`
	EventPresent               bool                 `json:"event_present"`
	QuestSummary               NarratorQuestSummary `json:"quest_summary"`
	QuestNudge                 NarratorNudge        `json:"quest_nudge"`
	QuestNudgeSuppressedByEvnt bool                 `json:"quest_nudge_suppressed_by_event"`
	RuntimeEvent               *NarratorEvent       `json:"runtime_event"`
	RunEnding                  NarratorEnding       `json:"run_ending"`
}

func snapshot(st *story.State) stateSnapshot {
	return stateSnapshot{
		Day:       st.Day,
		Slot:      string(st.Slot),
		Energy:    st.Energy,
		Money:     st.Money,
		Knowledge: st.Knowledge,
		Affection: st.Affection,
	}
}

// Narrator renders the narration prompt. Compaction happens in stages until
// the prompt fits maxChars: scene briefs shrink first, then the before
// snapshot and impact sources drop.
func Narrator(in *NarratorInput, maxChars int) (string, error) {
	total := map[string]int{}
	for k, v := range in.ActionEffects {
		total[k] += v
	}
	for k, v := range in.EventEffects {
		total[k] += v
	}

	before := snapshot(in.StateBefore)
	nc := narratorContext{
		InputMode:      in.InputMode,
		PlayerInputRaw: in.PlayerInputRaw,
		NodeTransition: nodeTransition{
			FromNodeID: in.FromNode.NodeID,
			ToNodeID:   in.ToNode.NodeID,
			FromScene:  in.FromNode.SceneBrief,
			ToScene:    in.ToNode.SceneBrief,
		},
		SelectionResolution:   in.Resolution,
		CausalPolicy:          "strict_separation",
		IntentActionAlignment: alignment(in),
		StateSnapshotBefore:   &before,
		StateSnapshotAfter:    snapshot(in.StateAfter),
		StateDelta:            nonZero(in.Delta),
		ImpactBrief:           impactBrief(total),
		ImpactSources: &impactSources{
			ActionEffects: nonZero(in.ActionEffects),
			EventEffects:  nonZero(in.EventEffects),
			TotalEffects:  nonZero(total),
		},
		EventPresent:               in.Event != nil,
		QuestSummary:               in.QuestSummary,
		QuestNudge:                 in.Nudge,
		QuestNudgeSuppressedByEvnt: in.NudgeSuppressedByEvent,
		RuntimeEvent:               in.Event,
		RunEnding:                  in.Ending,
	}

	out, err := renderWithContext(narratorInstructions, nc)
	if err != nil {
		return "", err
	}
	if maxChars <= 0 || len(out) <= maxChars {
		return out, nil
	}

	nc.NodeTransition.FromScene = truncateRunes(nc.NodeTransition.FromScene, 120)
	nc.NodeTransition.ToScene = truncateRunes(nc.NodeTransition.ToScene, 120)
	nc.PlayerInputRaw = truncateRunes(nc.PlayerInputRaw, 500)
	out, err = renderWithContext(narratorInstructions, nc)
	if err != nil {
		return "", err
	}
	if len(out) <= maxChars {
		return out, nil
	}

	nc.StateSnapshotBefore = nil
	nc.ImpactSources = nil
	out, err = renderWithContext(narratorInstructions, nc)
	if err != nil {
		return "", err
	}
	if len(out) > maxChars {
		out = out[:maxChars]
	}
	return out, nil
}

func alignment(in *NarratorInput) string {
	switch {
	case in.Resolution.FallbackUsed:
		return AlignmentMismatch
	case in.InputMode == InputModeChoiceClick:
		return AlignmentAligned
	case in.Resolution.AttemptedChoiceID != "" &&
		in.Resolution.AttemptedChoiceID != in.Resolution.ExecutedChoiceID:
		return AlignmentMismatch
	case in.Resolution.ExecutedChoiceID != "":
		return AlignmentAligned
	default:
		return AlignmentUnknown
	}
}
