package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/storyrun/pkg/story"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

func TestRequiresMet(t *testing.T) {
	st := story.DefaultInitialState()
	st.Money = 30
	st.Energy = 10
	st.Day = 2
	st.Slot = story.SlotNight

	tests := []struct {
		name       string
		requires   *story.Requires
		wantOK     bool
		wantReason string
	}{
		{name: "nil requires always passes", requires: nil, wantOK: true},
		{name: "min money met", requires: &story.Requires{MinMoney: intPtr(30)}, wantOK: true},
		{name: "min money failed", requires: &story.Requires{MinMoney: intPtr(31)}, wantOK: false, wantReason: ReasonMinMoney},
		{name: "min energy failed", requires: &story.Requires{MinEnergy: intPtr(20)}, wantOK: false, wantReason: ReasonMinEnergy},
		{name: "min affection failed", requires: &story.Requires{MinAffection: intPtr(1)}, wantOK: false, wantReason: ReasonMinAffection},
		{name: "day at least failed", requires: &story.Requires{DayAtLeast: intPtr(3)}, wantOK: false, wantReason: ReasonDayAtLeast},
		{name: "slot in matched", requires: &story.Requires{SlotIn: []string{"night"}}, wantOK: true},
		{name: "slot in failed", requires: &story.Requires{SlotIn: []string{"morning", "afternoon"}}, wantOK: false, wantReason: ReasonSlotIn},
		{
			name:       "first failing constraint wins",
			requires:   &story.Requires{MinMoney: intPtr(100), MinEnergy: intPtr(100)},
			wantOK:     false,
			wantReason: ReasonMinMoney,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := RequiresMet(st, tt.requires)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestApplyEffects(t *testing.T) {
	st := story.DefaultInitialState()
	delta := map[string]int{}

	ApplyEffects(st, map[string]int{"energy": -10, "knowledge": 5}, delta)
	ApplyEffects(st, map[string]int{"energy": -5}, delta)

	assert.Equal(t, story.DefaultEnergy-15, st.Energy)
	assert.Equal(t, 5, st.Knowledge)
	assert.Equal(t, -15, delta["energy"])
	assert.Equal(t, 5, delta["knowledge"])
	assert.NotContains(t, delta, "money")
}

func TestCompactDelta(t *testing.T) {
	out := CompactDelta(map[string]int{"energy": -10, "money": 0, "knowledge": 5})
	assert.Equal(t, map[string]int{"energy": -10, "knowledge": 5}, out)
}

func TestTriggerMatches(t *testing.T) {
	st := story.DefaultInitialState()
	st.Day = 3
	st.Slot = story.SlotAfternoon
	st.Knowledge = 20
	st.QuestState.CompletedQuests = []string{"q_main"}

	facts := &StepFacts{
		FromNodeID:       "n_class",
		ToNodeID:         "n_hall",
		ExecutedChoiceID: "c_study",
		ActionID:         "study",
		FallbackUsed:     false,
		State:            st,
		Delta:            map[string]int{"knowledge": 5},
	}

	tests := []struct {
		name    string
		trigger story.Trigger
		want    bool
	}{
		{name: "empty trigger is a wildcard", trigger: story.Trigger{}, want: true},
		{name: "node match", trigger: story.Trigger{NodeIDIs: "n_class"}, want: true},
		{name: "node mismatch", trigger: story.Trigger{NodeIDIs: "n_gym"}, want: false},
		{name: "next node match", trigger: story.Trigger{NextNodeIDIs: "n_hall"}, want: true},
		{name: "choice match", trigger: story.Trigger{ExecutedChoiceIDIs: "c_study"}, want: true},
		{name: "action match", trigger: story.Trigger{ActionIDIs: "study"}, want: true},
		{name: "fallback predicate", trigger: story.Trigger{FallbackUsedIs: boolPtr(true)}, want: false},
		{name: "state threshold met", trigger: story.Trigger{StateAtLeast: map[string]int{"knowledge": 20}}, want: true},
		{name: "state threshold failed", trigger: story.Trigger{StateAtLeast: map[string]int{"knowledge": 21}}, want: false},
		{name: "delta threshold met", trigger: story.Trigger{StateDeltaAtLeast: map[string]int{"knowledge": 5}}, want: true},
		{name: "delta threshold failed", trigger: story.Trigger{StateDeltaAtLeast: map[string]int{"knowledge": 6}}, want: false},
		{name: "day in", trigger: story.Trigger{DayIn: []int{2, 3}}, want: true},
		{name: "day not in", trigger: story.Trigger{DayIn: []int{1}}, want: false},
		{name: "slot in", trigger: story.Trigger{SlotIn: []string{"afternoon"}}, want: true},
		{name: "completed quests include", trigger: story.Trigger{CompletedQuestsInclude: []string{"q_main"}}, want: true},
		{name: "completed quests missing", trigger: story.Trigger{CompletedQuestsInclude: []string{"q_side"}}, want: false},
		{
			name: "all provided keys must match",
			trigger: story.Trigger{
				NodeIDIs:   "n_class",
				ActionIDIs: "work",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TriggerMatches(&tt.trigger, facts))
		})
	}
}

func TestChoicesForResponse(t *testing.T) {
	st := story.DefaultInitialState()
	st.Money = 10

	node := &story.Node{
		NodeID: "n1",
		Choices: []*story.Choice{
			{ChoiceID: "c_free", DisplayText: "Walk"},
			{ChoiceID: "c_paid", DisplayText: "Dine out", Requires: &story.Requires{MinMoney: intPtr(40)}},
		},
	}

	views := ChoicesForResponse(node, st)
	require.Len(t, views, 2)

	assert.True(t, views[0].Available)
	assert.Nil(t, views[0].LockedReason)

	assert.False(t, views[1].Available)
	require.NotNil(t, views[1].LockedReason)
	assert.Equal(t, ReasonMinMoney, views[1].LockedReason.Code)
	assert.NotEmpty(t, views[1].LockedReason.Message)
}
