package engine

import (
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// ActivateQuests enters auto-activating quests into the active set on
// session creation and seeds their progression records.
func ActivateQuests(pack *story.Pack, st *story.State) {
	for _, q := range pack.Quests {
		if !q.AutoActivate {
			continue
		}
		activateQuest(q, st, 0)
	}
}

func activateQuest(q *story.Quest, st *story.State, atStep int) {
	qs := &st.QuestState
	if contains(qs.ActiveQuests, q.QuestID) || contains(qs.CompletedQuests, q.QuestID) {
		return
	}
	qs.ActiveQuests = append(qs.ActiveQuests, q.QuestID)
	progress := &story.QuestProgress{
		CurrentStageID: q.Stages[0].StageID,
		Stages:         map[string]*story.StageProgress{},
	}
	for _, s := range q.Stages {
		sp := &story.StageProgress{Milestones: map[string]*story.MilestoneProgress{}}
		for _, m := range s.Milestones {
			sp.Milestones[m.MilestoneID] = &story.MilestoneProgress{}
		}
		progress.Stages[s.StageID] = sp
	}
	qs.Quests[q.QuestID] = progress
	qs.RecentEvents = append(qs.RecentEvents, story.QuestProgressEvent{
		Type:    story.QuestEventStageActivated,
		QuestID: q.QuestID,
		StageID: q.Stages[0].StageID,
		AtStep:  atStep,
	})
}

// AdvanceQuests evaluates the current stage's milestones of every active
// quest against the step facts, applying milestone, stage and completion
// rewards exactly once. Only the current stage is evaluated, so later-stage
// triggers can never fire early.
//
// Rewards mutate both the state and the step delta; witnesses are returned
// for matched_rules and the narrator's impact sources.
func AdvanceQuests(pack *story.Pack, st *story.State, facts *StepFacts) []models.MatchedRule {
	var rules []models.MatchedRule
	step := st.RunState.StepIndex

	// Iterate over a copy: completion mutates active_quests.
	active := append([]string(nil), st.QuestState.ActiveQuests...)
	for _, questID := range active {
		quest := pack.QuestByID(questID)
		progress := st.QuestState.Quests[questID]
		if quest == nil || progress == nil {
			continue
		}

		stage := quest.Stage(progress.CurrentStageID)
		stageProgress := progress.Stages[progress.CurrentStageID]
		if stage == nil || stageProgress == nil || stageProgress.Done {
			continue
		}

		for _, m := range stage.Milestones {
			mp := stageProgress.Milestones[m.MilestoneID]
			if mp == nil || mp.Done {
				continue
			}
			if !TriggerMatches(&m.When, facts) {
				continue
			}
			at := step
			mp.Done = true
			mp.AtStep = &at
			ApplyEffects(st, m.Rewards, facts.Delta)
			st.QuestState.RecentEvents = append(st.QuestState.RecentEvents, story.QuestProgressEvent{
				Type:        story.QuestEventMilestoneCompleted,
				QuestID:     questID,
				StageID:     stage.StageID,
				MilestoneID: m.MilestoneID,
				AtStep:      step,
			})
			rules = append(rules, models.MatchedRule{
				Type:        models.RuleQuestProgress,
				QuestID:     questID,
				StageID:     stage.StageID,
				MilestoneID: m.MilestoneID,
				Effects:     CompactDelta(m.Rewards),
				Detail:      story.QuestEventMilestoneCompleted,
			})
		}

		if !allMilestonesDone(stage, stageProgress) {
			continue
		}

		// Stage completes: apply stage rewards once, advance to the next
		// declared stage or complete the quest.
		stageProgress.Done = true
		ApplyEffects(st, stage.StageRewards, facts.Delta)
		st.QuestState.RecentEvents = append(st.QuestState.RecentEvents, story.QuestProgressEvent{
			Type:    story.QuestEventStageCompleted,
			QuestID: questID,
			StageID: stage.StageID,
			AtStep:  step,
		})
		rules = append(rules, models.MatchedRule{
			Type:    models.RuleQuestProgress,
			QuestID: questID,
			StageID: stage.StageID,
			Effects: CompactDelta(stage.StageRewards),
			Detail:  story.QuestEventStageCompleted,
		})

		if next := nextStage(quest, stage.StageID); next != nil {
			progress.CurrentStageID = next.StageID
			st.QuestState.RecentEvents = append(st.QuestState.RecentEvents, story.QuestProgressEvent{
				Type:    story.QuestEventStageActivated,
				QuestID: questID,
				StageID: next.StageID,
				AtStep:  step,
			})
			continue
		}

		// Last stage done: quest completes.
		st.QuestState.ActiveQuests = remove(st.QuestState.ActiveQuests, questID)
		if !contains(st.QuestState.CompletedQuests, questID) {
			st.QuestState.CompletedQuests = append(st.QuestState.CompletedQuests, questID)
		}
		ApplyEffects(st, quest.CompletionRewards, facts.Delta)
		st.QuestState.RecentEvents = append(st.QuestState.RecentEvents, story.QuestProgressEvent{
			Type:    story.QuestEventQuestCompleted,
			QuestID: questID,
			AtStep:  step,
		})
		rules = append(rules, models.MatchedRule{
			Type:    models.RuleQuestProgress,
			QuestID: questID,
			Title:   quest.Title,
			Effects: CompactDelta(quest.CompletionRewards),
			Detail:  story.QuestEventQuestCompleted,
		})
	}
	return rules
}

func allMilestonesDone(stage *story.QuestStage, sp *story.StageProgress) bool {
	for _, m := range stage.Milestones {
		mp := sp.Milestones[m.MilestoneID]
		if mp == nil || !mp.Done {
			return false
		}
	}
	return true
}

func nextStage(q *story.Quest, afterStageID string) *story.QuestStage {
	for i, s := range q.Stages {
		if s.StageID == afterStageID && i+1 < len(q.Stages) {
			return q.Stages[i+1]
		}
	}
	return nil
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
