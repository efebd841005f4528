// Package engine implements the deterministic step rules: requirement and
// effect evaluation, quest progression, runtime events and ending detection.
package engine

import (
	"fmt"

	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// Stable requirement failure codes.
const (
	ReasonMinMoney     = "REQUIRES_MIN_MONEY"
	ReasonMinEnergy    = "REQUIRES_MIN_ENERGY"
	ReasonMinAffection = "REQUIRES_MIN_AFFECTION"
	ReasonDayAtLeast   = "REQUIRES_DAY_AT_LEAST"
	ReasonSlotIn       = "REQUIRES_SLOT_IN"
)

// RequiresMet evaluates the enumerated constraints against the state.
// It returns the first failing constraint's stable reason code.
func RequiresMet(st *story.State, r *story.Requires) (bool, string) {
	if r == nil {
		return true, ""
	}
	if r.MinMoney != nil && st.Money < *r.MinMoney {
		return false, ReasonMinMoney
	}
	if r.MinEnergy != nil && st.Energy < *r.MinEnergy {
		return false, ReasonMinEnergy
	}
	if r.MinAffection != nil && st.Affection < *r.MinAffection {
		return false, ReasonMinAffection
	}
	if r.DayAtLeast != nil && st.Day < *r.DayAtLeast {
		return false, ReasonDayAtLeast
	}
	if len(r.SlotIn) > 0 {
		ok := false
		for _, s := range r.SlotIn {
			if story.Slot(s) == st.Slot {
				ok = true
				break
			}
		}
		if !ok {
			return false, ReasonSlotIn
		}
	}
	return true, ""
}

// ApplyEffects adds the effect values onto the state's numeric axes and
// accumulates them into delta. Axis names were validated at pack load.
func ApplyEffects(st *story.State, effects map[string]int, delta map[string]int) {
	for _, axis := range story.NumericAxes {
		v, ok := effects[axis]
		if !ok || v == 0 {
			continue
		}
		st.AddAxis(axis, v)
		delta[axis] += v
	}
}

// CompactDelta returns a copy of delta without zero-valued keys, for prompt
// compaction.
func CompactDelta(delta map[string]int) map[string]int {
	out := make(map[string]int, len(delta))
	for k, v := range delta {
		if v != 0 {
			out[k] = v
		}
	}
	return out
}

// StepFacts are the observed facts of one step, fed to the trigger
// predicates after effects were applied and the node transition is known.
type StepFacts struct {
	FromNodeID       string
	ToNodeID         string
	ExecutedChoiceID string
	ActionID         string
	FallbackUsed     bool
	State            *story.State   // state after effects
	Delta            map[string]int // this step's numeric delta so far
}

// TriggerMatches evaluates the shared predicate vocabulary: an omitted key
// is a wildcard, all provided keys must match.
func TriggerMatches(t *story.Trigger, f *StepFacts) bool {
	if t.NodeIDIs != "" && t.NodeIDIs != f.FromNodeID {
		return false
	}
	if t.NextNodeIDIs != "" && t.NextNodeIDIs != f.ToNodeID {
		return false
	}
	if t.ExecutedChoiceIDIs != "" && t.ExecutedChoiceIDIs != f.ExecutedChoiceID {
		return false
	}
	if t.ActionIDIs != "" && t.ActionIDIs != f.ActionID {
		return false
	}
	if t.FallbackUsedIs != nil && *t.FallbackUsedIs != f.FallbackUsed {
		return false
	}
	for axis, min := range t.StateAtLeast {
		if f.State.Axis(axis) < min {
			return false
		}
	}
	for axis, min := range t.StateDeltaAtLeast {
		if f.Delta[axis] < min {
			return false
		}
	}
	if len(t.DayIn) > 0 {
		ok := false
		for _, d := range t.DayIn {
			if d == f.State.Day {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(t.SlotIn) > 0 {
		ok := false
		for _, s := range t.SlotIn {
			if story.Slot(s) == f.State.Slot {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	for _, qid := range t.CompletedQuestsInclude {
		if !contains(f.State.QuestState.CompletedQuests, qid) {
			return false
		}
	}
	return true
}

// ChoicesForResponse builds the client-facing visible-choice list with
// precomputed prerequisite gating.
func ChoicesForResponse(node *story.Node, st *story.State) []models.ChoiceView {
	views := make([]models.ChoiceView, 0, len(node.Choices))
	for _, c := range node.Choices {
		view := models.ChoiceView{ID: c.ChoiceID, Text: c.DisplayText, Available: true}
		if ok, reason := RequiresMet(st, c.Requires); !ok {
			view.Available = false
			view.LockedReason = &models.LockedReason{
				Code:    reason,
				Message: lockedMessage(reason),
			}
		}
		views = append(views, view)
	}
	return views
}

func lockedMessage(reason string) string {
	switch reason {
	case ReasonMinMoney:
		return "not enough money"
	case ReasonMinEnergy:
		return "not enough energy"
	case ReasonMinAffection:
		return "affection too low"
	case ReasonDayAtLeast:
		return "too early in the story"
	case ReasonSlotIn:
		return "not available at this time of day"
	}
	return fmt.Sprintf("requirement not met (%s)", reason)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
