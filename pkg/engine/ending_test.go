package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/storyrun/pkg/story"
)

func endingFacts(st *story.State) *StepFacts {
	return &StepFacts{State: st, Delta: map[string]int{}}
}

func TestEvaluateEnding_DeclaredRules(t *testing.T) {
	pack := &story.Pack{
		Endings: []*story.Ending{
			{
				EndingID: "ed_burnout",
				Outcome:  story.OutcomeFail,
				Priority: 2,
				Trigger:  story.Trigger{StateAtLeast: map[string]int{"knowledge": 0}},
			},
			{
				EndingID: "ed_scholar",
				Title:    "Scholar",
				Outcome:  story.OutcomeNeutral,
				Priority: 1,
				Trigger:  story.Trigger{StateAtLeast: map[string]int{"knowledge": 50}},
				Epilogue: "The library keeps your name.",
			},
		},
	}

	t.Run("lowest priority among matches wins", func(t *testing.T) {
		st := story.DefaultInitialState()
		st.Knowledge = 60

		res := EvaluateEnding(pack, st, endingFacts(st))
		require.NotNil(t, res)
		assert.Equal(t, "ed_scholar", res.EndingID)
		assert.Equal(t, story.OutcomeNeutral, res.Outcome)
		assert.Equal(t, "The library keeps your name.", res.Epilogue)
	})

	t.Run("only matching rules considered", func(t *testing.T) {
		st := story.DefaultInitialState()

		res := EvaluateEnding(pack, st, endingFacts(st))
		require.NotNil(t, res)
		assert.Equal(t, "ed_burnout", res.EndingID)
	})

	t.Run("priority ties resolve to earliest declared", func(t *testing.T) {
		tied := &story.Pack{
			Endings: []*story.Ending{
				{EndingID: "ed_a", Outcome: story.OutcomeNeutral, Priority: 1},
				{EndingID: "ed_b", Outcome: story.OutcomeNeutral, Priority: 1},
			},
		}
		st := story.DefaultInitialState()
		res := EvaluateEnding(tied, st, endingFacts(st))
		require.NotNil(t, res)
		assert.Equal(t, "ed_a", res.EndingID)
	})
}

func TestEvaluateEnding_Timeout(t *testing.T) {
	pack := &story.Pack{
		RunConfig: story.RunConfig{MaxSteps: 10, MaxDays: 7, DefaultTimeoutOutcome: story.OutcomeFail},
	}

	t.Run("max steps reached", func(t *testing.T) {
		st := story.DefaultInitialState()
		st.RunState.StepIndex = 10

		res := EvaluateEnding(pack, st, endingFacts(st))
		require.NotNil(t, res)
		assert.Equal(t, story.TimeoutEndingID, res.EndingID)
		assert.Equal(t, story.OutcomeFail, res.Outcome)
	})

	t.Run("max days exceeded", func(t *testing.T) {
		st := story.DefaultInitialState()
		st.Day = 8

		res := EvaluateEnding(pack, st, endingFacts(st))
		require.NotNil(t, res)
		assert.Equal(t, story.TimeoutEndingID, res.EndingID)
	})

	t.Run("within bounds no ending", func(t *testing.T) {
		st := story.DefaultInitialState()
		st.RunState.StepIndex = 9
		st.Day = 7

		assert.Nil(t, EvaluateEnding(pack, st, endingFacts(st)))
	})

	t.Run("declared rule beats timeout", func(t *testing.T) {
		withRule := &story.Pack{
			Endings:   []*story.Ending{{EndingID: "ed_any", Outcome: story.OutcomeNeutral}},
			RunConfig: pack.RunConfig,
		}
		st := story.DefaultInitialState()
		st.RunState.StepIndex = 10

		res := EvaluateEnding(withRule, st, endingFacts(st))
		require.NotNil(t, res)
		assert.Equal(t, "ed_any", res.EndingID)
	})
}

func TestFreezeEnding(t *testing.T) {
	st := story.DefaultInitialState()
	st.RunState.StepIndex = 4

	FreezeEnding(st, &EndingResult{EndingID: "ed_scholar", Outcome: story.OutcomeNeutral})

	require.True(t, st.Ended())
	assert.Equal(t, "ed_scholar", *st.RunState.EndingID)
	assert.Equal(t, story.OutcomeNeutral, *st.RunState.EndingOutcome)
	assert.Equal(t, 4, *st.RunState.EndedAtStep)
}
