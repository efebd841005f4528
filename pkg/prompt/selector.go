package prompt

import (
	"github.com/fableforge/storyrun/pkg/story"
)

const selectorInstructions = `You map a player's free-form input to one of the listed choices.
Reply with strict JSON matching:
{"choice_id": string|null, "use_fallback": boolean, "confidence": number, "intent_id": string|null, "notes": string|null}
Rules:
- choice_id must be one of valid_choice_ids, or null with use_fallback=true.
- Never invent choice ids. Never pick a locked choice.
- confidence is your own estimate in [0,1]; use notes for "NO_MATCH" or "LOW_CONF" when you fall back.`

type selectorChoice struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Action string `json:"action_id"`
	Locked bool   `json:"locked"`
}

type selectorIntent struct {
	IntentID      string   `json:"intent_id"`
	Patterns      []string `json:"patterns"`
	AliasChoiceID string   `json:"alias_choice_id"`
}

type selectorState struct {
	StoryNodeID string `json:"story_node_id"`
	Day         int    `json:"day"`
	Slot        string `json:"slot"`
	Energy      int    `json:"energy"`
	Money       int    `json:"money"`
	Knowledge   int    `json:"knowledge"`
	Affection   int    `json:"affection"`
}

type selectorContext struct {
	PlayerInput    string           `json:"player_input"`
	ValidChoiceIDs []string         `json:"valid_choice_ids"`
	VisibleChoices []selectorChoice `json:"visible_choices"`
	Intents        []selectorIntent `json:"intents"`
	State          selectorState    `json:"state"`
}

// Selector renders the selection prompt for free-input resolution. locked
// maps choice ids whose prerequisites currently fail.
func Selector(node *story.Node, st *story.State, playerInput string, locked map[string]bool, maxChars int) (string, error) {
	sc := selectorContext{
		PlayerInput:    playerInput,
		ValidChoiceIDs: []string{},
		VisibleChoices: []selectorChoice{},
		Intents:        []selectorIntent{},
		State: selectorState{
			StoryNodeID: node.NodeID,
			Day:         st.Day,
			Slot:        string(st.Slot),
			Energy:      st.Energy,
			Money:       st.Money,
			Knowledge:   st.Knowledge,
			Affection:   st.Affection,
		},
	}
	for _, ch := range node.Choices {
		isLocked := locked[ch.ChoiceID]
		if !isLocked {
			sc.ValidChoiceIDs = append(sc.ValidChoiceIDs, ch.ChoiceID)
		}
		sc.VisibleChoices = append(sc.VisibleChoices, selectorChoice{
			ID:     ch.ChoiceID,
			Text:   ch.DisplayText,
			Action: ch.Action.ActionID,
			Locked: isLocked,
		})
	}
	for _, in := range node.Intents {
		sc.Intents = append(sc.Intents, selectorIntent{
			IntentID:      in.IntentID,
			Patterns:      in.Patterns,
			AliasChoiceID: in.AliasChoiceID,
		})
	}

	out, err := renderWithContext(selectorInstructions, sc)
	if err != nil {
		return "", err
	}
	if maxChars > 0 && len(out) > maxChars {
		// Player input is the only unbounded field; shrink it first.
		sc.PlayerInput = truncateRunes(sc.PlayerInput, 500)
		out, err = renderWithContext(selectorInstructions, sc)
		if err != nil {
			return "", err
		}
		if len(out) > maxChars {
			out = out[:maxChars]
		}
	}
	return out, nil
}
