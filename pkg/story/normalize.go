package story

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Pack validation sentinels. The API layer maps these to the stable error
// codes RUNTIME_PACK_V10_REQUIRED and INVALID_STORY_START_NODE.
var (
	ErrPackFormat       = errors.New("story pack does not conform to the v1.0 runtime form")
	ErrInvalidStartNode = errors.New("story pack start node does not resolve")
)

// ParsePack decodes, normalizes and validates a raw pack_json blob into its
// v1.0 runtime form. All id cross-references are resolved here so the step
// pipeline never has to handle a dangling reference.
func ParsePack(raw []byte) (*Pack, error) {
	var p Pack
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPackFormat, err)
	}
	if err := p.normalize(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Pack) normalize() error {
	if p.PackFormat != PackFormatV1 {
		return fmt.Errorf("%w: pack_format %q", ErrPackFormat, p.PackFormat)
	}
	if p.StoryID == "" || p.Version == "" {
		return fmt.Errorf("%w: story_id and version are required", ErrPackFormat)
	}
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: pack has no nodes", ErrPackFormat)
	}
	if p.RunConfig.DefaultTimeoutOutcome == "" {
		p.RunConfig.DefaultTimeoutOutcome = OutcomeNeutral
	}
	if p.RunConfig.DefaultTimeoutOutcome != OutcomeNeutral && p.RunConfig.DefaultTimeoutOutcome != OutcomeFail {
		return fmt.Errorf("%w: default_timeout_outcome %q", ErrPackFormat, p.RunConfig.DefaultTimeoutOutcome)
	}

	if err := p.indexNodes(); err != nil {
		return err
	}
	if err := p.validateGraph(); err != nil {
		return err
	}
	if err := p.validateFallbacks(); err != nil {
		return err
	}
	if err := p.validateQuests(); err != nil {
		return err
	}
	if err := p.validateEvents(); err != nil {
		return err
	}
	return p.validateEndings()
}

func (p *Pack) indexNodes() error {
	p.nodesByID = make(map[string]*Node, len(p.Nodes))
	p.choicesByID = map[string]*choiceRef{}
	for _, n := range p.Nodes {
		if n.NodeID == "" {
			return fmt.Errorf("%w: node without node_id", ErrPackFormat)
		}
		if _, dup := p.nodesByID[n.NodeID]; dup {
			return fmt.Errorf("%w: duplicate node_id %q", ErrPackFormat, n.NodeID)
		}
		p.nodesByID[n.NodeID] = n

		for _, c := range n.Choices {
			if c.ChoiceID == "" {
				return fmt.Errorf("%w: node %q has a choice without choice_id", ErrPackFormat, n.NodeID)
			}
			if strings.HasPrefix(c.ChoiceID, ReservedIDPrefix) {
				return fmt.Errorf("%w: choice_id %q uses the reserved prefix", ErrPackFormat, c.ChoiceID)
			}
			if _, dup := p.choicesByID[c.ChoiceID]; dup {
				return fmt.Errorf("%w: duplicate choice_id %q", ErrPackFormat, c.ChoiceID)
			}
			if err := validateEffects(c.Effects); err != nil {
				return fmt.Errorf("%w: choice %q: %v", ErrPackFormat, c.ChoiceID, err)
			}
			p.choicesByID[c.ChoiceID] = &choiceRef{node: n, choice: c}
		}
	}
	return nil
}

func (p *Pack) validateGraph() error {
	start := p.nodesByID[p.StartNodeID]
	if start == nil {
		return fmt.Errorf("%w: start_node_id %q", ErrInvalidStartNode, p.StartNodeID)
	}

	for _, n := range p.Nodes {
		for _, c := range n.Choices {
			if p.nodesByID[c.NextNodeID] == nil {
				return fmt.Errorf("%w: choice %q next_node_id %q does not resolve", ErrPackFormat, c.ChoiceID, c.NextNodeID)
			}
		}
		for _, in := range n.Intents {
			if n.Choice(in.AliasChoiceID) == nil {
				return fmt.Errorf("%w: intent %q alias_choice_id %q is not a visible choice of node %q",
					ErrPackFormat, in.IntentID, in.AliasChoiceID, n.NodeID)
			}
		}
		if n.NodeFallbackChoiceID != "" && n.Choice(n.NodeFallbackChoiceID) == nil {
			return fmt.Errorf("%w: node %q node_fallback_choice_id %q is not visible on the node",
				ErrPackFormat, n.NodeID, n.NodeFallbackChoiceID)
		}
	}

	// Every node reachable from start must be an end node or carry choices.
	seen := map[string]bool{p.StartNodeID: true}
	queue := []*Node{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if !n.IsEnd && len(n.Choices) == 0 {
			return fmt.Errorf("%w: node %q is reachable, non-end and has no choices", ErrPackFormat, n.NodeID)
		}
		for _, c := range n.Choices {
			if next := p.nodesByID[c.NextNodeID]; !seen[next.NodeID] {
				seen[next.NodeID] = true
				queue = append(queue, next)
			}
		}
	}
	return nil
}

func (p *Pack) validateFallbacks() error {
	p.executorsByID = make(map[string]*FallbackBlock, len(p.FallbackExecutors))
	blocks := make([]*FallbackBlock, 0, len(p.FallbackExecutors)+len(p.Nodes)+1)
	for _, ex := range p.FallbackExecutors {
		if ex.ID == "" {
			return fmt.Errorf("%w: fallback executor without id", ErrPackFormat)
		}
		if _, dup := p.executorsByID[ex.ID]; dup {
			return fmt.Errorf("%w: duplicate fallback executor id %q", ErrPackFormat, ex.ID)
		}
		p.executorsByID[ex.ID] = ex
		blocks = append(blocks, ex)
	}
	if p.DefaultFallback != nil {
		blocks = append(blocks, p.DefaultFallback)
	}
	for _, n := range p.Nodes {
		if n.Fallback != nil {
			blocks = append(blocks, n.Fallback)
		}
	}
	for _, b := range blocks {
		switch b.NextNodeIDPolicy {
		case "", FallbackPolicyStay:
		case FallbackPolicyExplicitNext:
			if p.nodesByID[b.NextNodeID] == nil {
				return fmt.Errorf("%w: fallback %q next_node_id %q does not resolve", ErrPackFormat, b.ID, b.NextNodeID)
			}
		default:
			return fmt.Errorf("%w: fallback %q next_node_id_policy %q", ErrPackFormat, b.ID, b.NextNodeIDPolicy)
		}
		if err := validateEffects(b.Effects); err != nil {
			return fmt.Errorf("%w: fallback %q: %v", ErrPackFormat, b.ID, err)
		}
	}
	if p.GlobalFallbackChoiceID != "" && p.executorsByID[p.GlobalFallbackChoiceID] == nil {
		return fmt.Errorf("%w: global_fallback_choice_id %q has no executor", ErrPackFormat, p.GlobalFallbackChoiceID)
	}
	return nil
}

func (p *Pack) validateQuests() error {
	p.questsByID = make(map[string]*Quest, len(p.Quests))
	for _, q := range p.Quests {
		if q.QuestID == "" {
			return fmt.Errorf("%w: quest without quest_id", ErrPackFormat)
		}
		if _, dup := p.questsByID[q.QuestID]; dup {
			return fmt.Errorf("%w: duplicate quest_id %q", ErrPackFormat, q.QuestID)
		}
		p.questsByID[q.QuestID] = q

		if len(q.Stages) == 0 {
			return fmt.Errorf("%w: quest %q has no stages", ErrPackFormat, q.QuestID)
		}
		stageIDs := map[string]bool{}
		for _, s := range q.Stages {
			if s.StageID == "" || stageIDs[s.StageID] {
				return fmt.Errorf("%w: quest %q stage ids must be unique and non-empty", ErrPackFormat, q.QuestID)
			}
			stageIDs[s.StageID] = true
			if err := validateEffects(s.StageRewards); err != nil {
				return fmt.Errorf("%w: quest %q stage %q: %v", ErrPackFormat, q.QuestID, s.StageID, err)
			}
			milestoneIDs := map[string]bool{}
			for _, m := range s.Milestones {
				if m.MilestoneID == "" || milestoneIDs[m.MilestoneID] {
					return fmt.Errorf("%w: quest %q stage %q milestone ids must be unique and non-empty",
						ErrPackFormat, q.QuestID, s.StageID)
				}
				milestoneIDs[m.MilestoneID] = true
				if err := p.validateTriggerRefs(&m.When); err != nil {
					return fmt.Errorf("%w: quest %q milestone %q: %v", ErrPackFormat, q.QuestID, m.MilestoneID, err)
				}
				if err := validateEffects(m.Rewards); err != nil {
					return fmt.Errorf("%w: quest %q milestone %q: %v", ErrPackFormat, q.QuestID, m.MilestoneID, err)
				}
			}
		}
		if err := validateEffects(q.CompletionRewards); err != nil {
			return fmt.Errorf("%w: quest %q: %v", ErrPackFormat, q.QuestID, err)
		}
	}
	return nil
}

func (p *Pack) validateEvents() error {
	seen := map[string]bool{}
	for _, ev := range p.Events {
		if ev.EventID == "" || seen[ev.EventID] {
			return fmt.Errorf("%w: event ids must be unique and non-empty", ErrPackFormat)
		}
		seen[ev.EventID] = true
		if err := p.validateTriggerRefs(&ev.Trigger); err != nil {
			return fmt.Errorf("%w: event %q: %v", ErrPackFormat, ev.EventID, err)
		}
		if err := validateEffects(ev.Effects); err != nil {
			return fmt.Errorf("%w: event %q: %v", ErrPackFormat, ev.EventID, err)
		}
		if ev.CooldownSteps < 0 {
			return fmt.Errorf("%w: event %q cooldown_steps must be >= 0", ErrPackFormat, ev.EventID)
		}
	}
	return nil
}

func (p *Pack) validateEndings() error {
	seen := map[string]bool{}
	for _, e := range p.Endings {
		if e.EndingID == "" || seen[e.EndingID] {
			return fmt.Errorf("%w: ending ids must be unique and non-empty", ErrPackFormat)
		}
		if strings.HasPrefix(e.EndingID, ReservedIDPrefix) {
			return fmt.Errorf("%w: ending_id %q uses the reserved prefix", ErrPackFormat, e.EndingID)
		}
		seen[e.EndingID] = true
		if err := p.validateTriggerRefs(&e.Trigger); err != nil {
			return fmt.Errorf("%w: ending %q: %v", ErrPackFormat, e.EndingID, err)
		}
		for _, qid := range e.Trigger.CompletedQuestsInclude {
			if p.questsByID[qid] == nil {
				return fmt.Errorf("%w: ending %q references unknown quest %q", ErrPackFormat, e.EndingID, qid)
			}
		}
	}
	return nil
}

// validateTriggerRefs checks that node/choice references inside a trigger
// resolve. Axis names inside state thresholds are checked like effects.
func (p *Pack) validateTriggerRefs(t *Trigger) error {
	if t.NodeIDIs != "" && p.nodesByID[t.NodeIDIs] == nil {
		return fmt.Errorf("node_id_is %q does not resolve", t.NodeIDIs)
	}
	if t.NextNodeIDIs != "" && p.nodesByID[t.NextNodeIDIs] == nil {
		return fmt.Errorf("next_node_id_is %q does not resolve", t.NextNodeIDIs)
	}
	if t.ExecutedChoiceIDIs != "" {
		if _, ok := p.choicesByID[t.ExecutedChoiceIDIs]; !ok {
			return fmt.Errorf("executed_choice_id_is %q does not resolve", t.ExecutedChoiceIDIs)
		}
	}
	if err := validateAxisKeys(t.StateAtLeast); err != nil {
		return err
	}
	return validateAxisKeys(t.StateDeltaAtLeast)
}

func validateEffects(effects map[string]int) error {
	return validateAxisKeys(effects)
}

func validateAxisKeys(m map[string]int) error {
	for k := range m {
		if !isNumericAxis(k) {
			return fmt.Errorf("unknown numeric axis %q", k)
		}
	}
	return nil
}

func isNumericAxis(name string) bool {
	for _, a := range NumericAxes {
		if a == name {
			return true
		}
	}
	return false
}
