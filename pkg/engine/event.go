package engine

import (
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// SelectEvent picks at most one eligible runtime event for this step.
// Eligibility: trigger matches, not exhausted by once_per_run, and past its
// cooldown. Among eligible events the highest weight wins; ties resolve to
// the earliest declared.
func SelectEvent(pack *story.Pack, st *story.State, facts *StepFacts) *story.Event {
	var chosen *story.Event
	for _, ev := range pack.Events {
		if ev.OncePerRun && contains(st.RunState.TriggeredEventIDs, ev.EventID) {
			continue
		}
		if ev.CooldownSteps > 0 {
			if last, fired := st.RunState.EventCooldowns[ev.EventID]; fired {
				if st.RunState.StepIndex-last < ev.CooldownSteps {
					continue
				}
			}
		}
		if !TriggerMatches(&ev.Trigger, facts) {
			continue
		}
		if chosen == nil || ev.Weight > chosen.Weight {
			chosen = ev
		}
	}
	return chosen
}

// ApplyEvent applies the chosen event's effects once and records the firing
// in the run state. Returns the matched_rules witness.
func ApplyEvent(ev *story.Event, st *story.State, facts *StepFacts) models.MatchedRule {
	ApplyEffects(st, ev.Effects, facts.Delta)
	if !contains(st.RunState.TriggeredEventIDs, ev.EventID) {
		st.RunState.TriggeredEventIDs = append(st.RunState.TriggeredEventIDs, ev.EventID)
	}
	st.RunState.EventCooldowns[ev.EventID] = st.RunState.StepIndex
	return models.MatchedRule{
		Type:          models.RuleRuntimeEvent,
		EventID:       ev.EventID,
		Title:         ev.Title,
		NarrationHint: ev.NarrationHint,
		Effects:       CompactDelta(ev.Effects),
	}
}
