package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/storyrun/pkg/story"
)

func eventFacts(st *story.State) *StepFacts {
	return &StepFacts{
		FromNodeID: "n1",
		ToNodeID:   "n1",
		ActionID:   "rest",
		State:      st,
		Delta:      map[string]int{},
	}
}

func TestSelectEvent(t *testing.T) {
	pack := &story.Pack{
		Events: []*story.Event{
			{EventID: "ev_rain", Title: "Sudden rain", Trigger: story.Trigger{ActionIDIs: "rest"}, Weight: 1},
			{EventID: "ev_friend", Title: "A friend drops by", Trigger: story.Trigger{ActionIDIs: "rest"}, Weight: 3},
			{EventID: "ev_exam", Title: "Pop quiz", Trigger: story.Trigger{ActionIDIs: "study"}, Weight: 10},
		},
	}
	st := story.DefaultInitialState()

	t.Run("highest weight among eligible wins", func(t *testing.T) {
		ev := SelectEvent(pack, st, eventFacts(st))
		require.NotNil(t, ev)
		assert.Equal(t, "ev_friend", ev.EventID)
	})

	t.Run("ties resolve to earliest declared", func(t *testing.T) {
		tied := &story.Pack{
			Events: []*story.Event{
				{EventID: "ev_first", Trigger: story.Trigger{ActionIDIs: "rest"}, Weight: 2},
				{EventID: "ev_second", Trigger: story.Trigger{ActionIDIs: "rest"}, Weight: 2},
			},
		}
		ev := SelectEvent(tied, st, eventFacts(st))
		require.NotNil(t, ev)
		assert.Equal(t, "ev_first", ev.EventID)
	})

	t.Run("no trigger match yields nil", func(t *testing.T) {
		facts := eventFacts(st)
		facts.ActionID = "work"
		assert.Nil(t, SelectEvent(pack, st, facts))
	})
}

func TestSelectEvent_OncePerRun(t *testing.T) {
	pack := &story.Pack{
		Events: []*story.Event{
			{EventID: "ev_once", Trigger: story.Trigger{ActionIDIs: "rest"}, OncePerRun: true},
		},
	}
	st := story.DefaultInitialState()

	facts := eventFacts(st)
	ev := SelectEvent(pack, st, facts)
	require.NotNil(t, ev)
	ApplyEvent(ev, st, facts)

	assert.Nil(t, SelectEvent(pack, st, eventFacts(st)))
}

func TestSelectEvent_Cooldown(t *testing.T) {
	pack := &story.Pack{
		Events: []*story.Event{
			{EventID: "ev_cool", Trigger: story.Trigger{ActionIDIs: "rest"}, CooldownSteps: 3},
		},
	}
	st := story.DefaultInitialState()
	st.RunState.StepIndex = 1

	facts := eventFacts(st)
	ev := SelectEvent(pack, st, facts)
	require.NotNil(t, ev)
	ApplyEvent(ev, st, facts)

	st.RunState.StepIndex = 3
	assert.Nil(t, SelectEvent(pack, st, eventFacts(st)), "still cooling down")

	st.RunState.StepIndex = 4
	assert.NotNil(t, SelectEvent(pack, st, eventFacts(st)), "cooldown elapsed")
}

func TestApplyEvent(t *testing.T) {
	ev := &story.Event{
		EventID:       "ev_rain",
		Title:         "Sudden rain",
		NarrationHint: "cold drizzle on the quad",
		Effects:       map[string]int{"energy": -5},
	}
	st := story.DefaultInitialState()
	st.RunState.StepIndex = 2
	facts := eventFacts(st)

	rule := ApplyEvent(ev, st, facts)

	assert.Equal(t, story.DefaultEnergy-5, st.Energy)
	assert.Equal(t, -5, facts.Delta["energy"])
	assert.Contains(t, st.RunState.TriggeredEventIDs, "ev_rain")
	assert.Equal(t, 2, st.RunState.EventCooldowns["ev_rain"])

	assert.Equal(t, "ev_rain", rule.EventID)
	assert.Equal(t, "cold drizzle on the quad", rule.NarrationHint)
	assert.Equal(t, map[string]int{"energy": -5}, rule.Effects)
}
