package story

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_AdvanceSlot(t *testing.T) {
	tests := []struct {
		name     string
		slot     Slot
		day      int
		wantSlot Slot
		wantDay  int
	}{
		{name: "morning to afternoon", slot: SlotMorning, day: 1, wantSlot: SlotAfternoon, wantDay: 1},
		{name: "afternoon to night", slot: SlotAfternoon, day: 1, wantSlot: SlotNight, wantDay: 1},
		{name: "night rolls into next day", slot: SlotNight, day: 1, wantSlot: SlotMorning, wantDay: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := DefaultInitialState()
			st.Slot = tt.slot
			st.Day = tt.day

			st.AdvanceSlot()

			assert.Equal(t, tt.wantSlot, st.Slot)
			assert.Equal(t, tt.wantDay, st.Day)
		})
	}
}

func TestState_Normalize(t *testing.T) {
	t.Run("fills missing sub-objects", func(t *testing.T) {
		st := &State{Day: 2, Slot: SlotNight}

		st.Normalize()

		assert.NotNil(t, st.NPCState)
		assert.NotNil(t, st.QuestState.ActiveQuests)
		assert.NotNil(t, st.QuestState.CompletedQuests)
		assert.NotNil(t, st.QuestState.Quests)
		assert.NotNil(t, st.QuestState.RecentEvents)
		assert.NotNil(t, st.RunState.TriggeredEventIDs)
		assert.NotNil(t, st.RunState.EventCooldowns)
	})

	t.Run("clamps malformed values", func(t *testing.T) {
		st := &State{Day: 0, Slot: Slot("noon")}
		st.RunState.StepIndex = -3
		st.RunState.FallbackCount = -1

		st.Normalize()

		assert.Equal(t, DefaultDay, st.Day)
		assert.Equal(t, SlotMorning, st.Slot)
		assert.Equal(t, 0, st.RunState.StepIndex)
		assert.Equal(t, 0, st.RunState.FallbackCount)
	})

	t.Run("keeps valid values untouched", func(t *testing.T) {
		st := DefaultInitialState()
		st.Day = 5
		st.Slot = SlotNight
		st.Energy = 17

		st.Normalize()

		assert.Equal(t, 5, st.Day)
		assert.Equal(t, SlotNight, st.Slot)
		assert.Equal(t, 17, st.Energy)
	})
}

func TestState_Clone(t *testing.T) {
	st := DefaultInitialState()
	st.NPCState["mira"] = &NPCState{Relation: map[string]int{"trust": 3}}
	st.QuestState.ActiveQuests = append(st.QuestState.ActiveQuests, "q1")

	clone := st.Clone()
	clone.Energy = 0
	clone.NPCState["mira"].Relation["trust"] = 99
	clone.QuestState.ActiveQuests[0] = "q2"

	assert.Equal(t, DefaultEnergy, st.Energy)
	assert.Equal(t, 3, st.NPCState["mira"].Relation["trust"])
	assert.Equal(t, "q1", st.QuestState.ActiveQuests[0])
}

func TestState_Axis(t *testing.T) {
	st := DefaultInitialState()
	st.Knowledge = 12

	assert.Equal(t, DefaultEnergy, st.Axis(AxisEnergy))
	assert.Equal(t, 12, st.Axis(AxisKnowledge))
	assert.Equal(t, 0, st.Axis("charisma"))

	st.AddAxis(AxisMoney, -20)
	assert.Equal(t, DefaultMoney-20, st.Money)

	// Unknown axes are ignored, not panicked on.
	st.AddAxis("charisma", 5)
	assert.Equal(t, 0, st.Axis("charisma"))
}

func TestState_Ended(t *testing.T) {
	st := DefaultInitialState()
	require.False(t, st.Ended())

	id := "ending_good"
	st.RunState.EndingID = &id
	assert.True(t, st.Ended())
}
