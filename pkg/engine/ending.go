package engine

import (
	"github.com/fableforge/storyrun/pkg/story"
)

// EndingResult is the outcome of ending evaluation for one step.
type EndingResult struct {
	EndingID string
	Outcome  string
	Title    string
	Epilogue string
}

// EvaluateEnding checks the declared ending rules in order and then the run
// bounds. The matching ending with the numerically lowest priority wins;
// ties resolve to the earliest declared. When no rule matches but
// max_steps/max_days is exceeded, a synthetic timeout ending is returned.
func EvaluateEnding(pack *story.Pack, st *story.State, facts *StepFacts) *EndingResult {
	var best *story.Ending
	for _, e := range pack.Endings {
		if !TriggerMatches(&e.Trigger, facts) {
			continue
		}
		if best == nil || e.Priority < best.Priority {
			best = e
		}
	}
	if best != nil {
		return &EndingResult{
			EndingID: best.EndingID,
			Outcome:  best.Outcome,
			Title:    best.Title,
			Epilogue: best.Epilogue,
		}
	}

	rc := pack.RunConfig
	stepsExceeded := rc.MaxSteps > 0 && st.RunState.StepIndex >= rc.MaxSteps
	daysExceeded := rc.MaxDays > 0 && st.Day > rc.MaxDays
	if stepsExceeded || daysExceeded {
		return &EndingResult{
			EndingID: story.TimeoutEndingID,
			Outcome:  rc.DefaultTimeoutOutcome,
			Epilogue: "",
		}
	}
	return nil
}

// FreezeEnding writes the ending into the run state. The session row status
// flip happens in the step transaction alongside this.
func FreezeEnding(st *story.State, res *EndingResult) {
	id := res.EndingID
	outcome := res.Outcome
	at := st.RunState.StepIndex
	st.RunState.EndingID = &id
	st.RunState.EndingOutcome = &outcome
	st.RunState.EndedAtStep = &at
}
