package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// StubProvider is the deterministic in-process provider selected when
// ENV=test. It reads the structured context block of the rendered prompt
// and answers with schema-valid JSON, so end-to-end tests run without any
// network or API key.
type StubProvider struct{}

// NewStubProvider returns the test provider.
func NewStubProvider() *StubProvider { return &StubProvider{} }

// Name implements Provider.
func (p *StubProvider) Name() string { return "stub" }

// stubContext is the subset of the prompt context the stub cares about.
type stubContext struct {
	PlayerInput    string `json:"player_input"`
	VisibleChoices []struct {
		ID     string `json:"id"`
		Text   string `json:"text"`
		Locked bool   `json:"locked"`
	} `json:"visible_choices"`
	Intents []struct {
		IntentID      string   `json:"intent_id"`
		Patterns      []string `json:"patterns"`
		AliasChoiceID string   `json:"alias_choice_id"`
	} `json:"intents"`
	SelectionResolution struct {
		FallbackUsed bool `json:"fallback_used"`
	} `json:"selection_resolution"`
	RuntimeEvent *struct {
		Title string `json:"title"`
	} `json:"runtime_event"`
}

// Complete implements Provider.
func (p *StubProvider) Complete(ctx context.Context, req *Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	sc, err := parseStubContext(req.User)
	if err != nil {
		return "", fmt.Errorf("stub provider: %w", err)
	}
	switch req.Kind {
	case KindSelection:
		return p.selection(sc), nil
	case KindNarrative:
		return p.narrative(sc), nil
	default:
		return "", fmt.Errorf("stub provider: unknown request kind %q", req.Kind)
	}
}

func (p *StubProvider) selection(sc *stubContext) string {
	input := strings.ToLower(strings.TrimSpace(sc.PlayerInput))
	if input != "" {
		for _, in := range sc.Intents {
			for _, pattern := range in.Patterns {
				if pattern != "" && strings.Contains(input, strings.ToLower(pattern)) {
					return selectionJSON(in.AliasChoiceID, 0.9, &in.IntentID, nil)
				}
			}
		}
		for _, ch := range sc.VisibleChoices {
			if ch.Locked {
				continue
			}
			if strings.Contains(input, strings.ToLower(ch.ID)) || wordOverlap(input, ch.Text) {
				return selectionJSON(ch.ID, 0.9, nil, nil)
			}
		}
	}
	notes := "NO_MATCH"
	return selectionJSON("", 0.2, nil, &notes)
}

func (p *StubProvider) narrative(sc *stubContext) string {
	var b strings.Builder
	if sc.SelectionResolution.FallbackUsed {
		b.WriteString("That path stays closed for now. You take stock and settle on a steadier course.")
	} else {
		b.WriteString("You follow through on your decision. The moment folds neatly into the rhythm of the day.")
	}
	if sc.RuntimeEvent != nil && sc.RuntimeEvent.Title != "" {
		b.WriteString(" Something unexpected colors the scene: ")
		b.WriteString(sc.RuntimeEvent.Title)
		b.WriteString(".")
	}
	reply, _ := json.Marshal(map[string]string{"narrative_text": b.String()})
	return string(reply)
}

func selectionJSON(choiceID string, confidence float64, intentID, notes *string) string {
	out := map[string]any{
		"choice_id":    nil,
		"use_fallback": choiceID == "",
		"confidence":   confidence,
		"intent_id":    nil,
		"notes":        nil,
	}
	if choiceID != "" {
		out["choice_id"] = choiceID
	}
	if intentID != nil {
		out["intent_id"] = *intentID
	}
	if notes != nil {
		out["notes"] = *notes
	}
	raw, _ := json.Marshal(out)
	return string(raw)
}

// wordOverlap reports whether the input shares a word of three or more
// characters with the choice display text.
func wordOverlap(input, text string) bool {
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?:;\"'")
		if len(w) >= 3 && strings.Contains(input, w) {
			return true
		}
	}
	return false
}

// parseStubContext extracts the trailing "Context: {...}" JSON block from a
// rendered user prompt.
func parseStubContext(user string) (*stubContext, error) {
	i := strings.LastIndex(user, "Context: ")
	if i < 0 {
		return nil, fmt.Errorf("prompt has no context block")
	}
	doc, err := ExtractJSON(user[i:])
	if err != nil {
		return nil, err
	}
	var sc stubContext
	if err := json.Unmarshal([]byte(doc), &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}
