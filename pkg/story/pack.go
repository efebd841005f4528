package story

// PackFormatV1 is the runtime pack format this server consumes.
const PackFormatV1 = "v1.0"

// ReservedIDPrefix marks runtime-internal ids; author-authored ids must not
// use it.
const ReservedIDPrefix = "__"

// Synthetic ids emitted by the runtime itself.
const (
	FallbackChoiceID = "__fallback__"
	TimeoutEndingID  = "__timeout__"
)

// Pack is the normalized v1.0 story pack consumed by the runtime.
type Pack struct {
	PackFormat   string         `json:"pack_format"`
	StoryID      string         `json:"story_id"`
	Version      string         `json:"version"`
	Title        string         `json:"title"`
	StartNodeID  string         `json:"start_node_id"`
	InitialState map[string]any `json:"initial_state,omitempty"`

	Nodes []*Node `json:"nodes"`

	DefaultFallback        *FallbackBlock   `json:"default_fallback,omitempty"`
	FallbackExecutors      []*FallbackBlock `json:"fallback_executors,omitempty"`
	GlobalFallbackChoiceID string           `json:"global_fallback_choice_id,omitempty"`

	Quests  []*Quest  `json:"quests,omitempty"`
	Events  []*Event  `json:"events,omitempty"`
	Endings []*Ending `json:"endings,omitempty"`

	RunConfig RunConfig `json:"run_config"`

	nodesByID     map[string]*Node
	choicesByID   map[string]*choiceRef
	questsByID    map[string]*Quest
	executorsByID map[string]*FallbackBlock
}

type choiceRef struct {
	node   *Node
	choice *Choice
}

// Node is one scene in the story graph.
type Node struct {
	NodeID               string         `json:"node_id"`
	SceneBrief           string         `json:"scene_brief"`
	IsEnd                bool           `json:"is_end,omitempty"`
	Choices              []*Choice      `json:"choices,omitempty"`
	Intents              []*Intent      `json:"intents,omitempty"`
	NodeFallbackChoiceID string         `json:"node_fallback_choice_id,omitempty"`
	Fallback             *FallbackBlock `json:"fallback,omitempty"`
}

// Choice returns the visible choice with the given id, or nil.
func (n *Node) Choice(id string) *Choice {
	for _, c := range n.Choices {
		if c.ChoiceID == id {
			return c
		}
	}
	return nil
}

// Choice is one visible player action on a node.
type Choice struct {
	ChoiceID      string         `json:"choice_id"`
	DisplayText   string         `json:"display_text"`
	Action        Action         `json:"action"`
	Requires      *Requires      `json:"requires,omitempty"`
	Effects       map[string]int `json:"effects,omitempty"`
	NextNodeID    string         `json:"next_node_id"`
	IsKeyDecision bool           `json:"is_key_decision,omitempty"`
}

// Known action ids.
const (
	ActionStudy = "study"
	ActionWork  = "work"
	ActionRest  = "rest"
	ActionDate  = "date"
	ActionGift  = "gift"
)

// Action describes what a choice does in world terms.
type Action struct {
	ActionID string         `json:"action_id"`
	Params   map[string]any `json:"params,omitempty"`
}

// Intent maps free-form text patterns to one visible choice, consulted
// before the LLM selector.
type Intent struct {
	IntentID      string   `json:"intent_id"`
	AliasChoiceID string   `json:"alias_choice_id"`
	Patterns      []string `json:"patterns"`
}

// Requires is the enumerated prerequisite set on a choice or fallback.
type Requires struct {
	MinMoney     *int     `json:"min_money,omitempty"`
	MinEnergy    *int     `json:"min_energy,omitempty"`
	MinAffection *int     `json:"min_affection,omitempty"`
	DayAtLeast   *int     `json:"day_at_least,omitempty"`
	SlotIn       []string `json:"slot_in,omitempty"`
}

// Fallback next-node policies.
const (
	FallbackPolicyStay         = "stay"
	FallbackPolicyExplicitNext = "explicit_next"
)

// FallbackTextDefault keys the default entry in a fallback's text_variants.
const FallbackTextDefault = "DEFAULT"

// FallbackBlock is a declarative fallback: a node's fallback block, the
// pack's default_fallback, or an entry in fallback_executors.
type FallbackBlock struct {
	ID               string            `json:"id,omitempty"`
	Action           string            `json:"action,omitempty"`
	NextNodeIDPolicy string            `json:"next_node_id_policy,omitempty"`
	NextNodeID       string            `json:"next_node_id,omitempty"`
	Effects          map[string]int    `json:"effects,omitempty"`
	TextVariants     map[string]string `json:"text_variants,omitempty"`
	Prereq           *Requires         `json:"prereq,omitempty"`
}

// TextFor returns the narration text variant for a fallback reason, falling
// back to the DEFAULT variant.
func (f *FallbackBlock) TextFor(reason string) string {
	if f == nil {
		return ""
	}
	if t, ok := f.TextVariants[reason]; ok {
		return t
	}
	return f.TextVariants[FallbackTextDefault]
}

// Trigger is the shared predicate vocabulary for quest milestones, runtime
// events and endings. An omitted key is a wildcard; all provided keys must
// match.
type Trigger struct {
	NodeIDIs           string         `json:"node_id_is,omitempty"`
	NextNodeIDIs       string         `json:"next_node_id_is,omitempty"`
	ExecutedChoiceIDIs string         `json:"executed_choice_id_is,omitempty"`
	ActionIDIs         string         `json:"action_id_is,omitempty"`
	FallbackUsedIs     *bool          `json:"fallback_used_is,omitempty"`
	StateAtLeast       map[string]int `json:"state_at_least,omitempty"`
	StateDeltaAtLeast  map[string]int `json:"state_delta_at_least,omitempty"`

	// Events only.
	DayIn  []int    `json:"day_in,omitempty"`
	SlotIn []string `json:"slot_in,omitempty"`

	// Endings only.
	CompletedQuestsInclude []string `json:"completed_quests_include,omitempty"`
}

// Quest is a multi-stage goal with milestone-driven progression.
type Quest struct {
	QuestID           string         `json:"quest_id"`
	Title             string         `json:"title"`
	Line              string         `json:"line,omitempty"` // "main" or "side"
	AutoActivate      bool           `json:"auto_activate,omitempty"`
	Stages            []*QuestStage  `json:"stages"`
	CompletionRewards map[string]int `json:"completion_rewards,omitempty"`
}

// Stage returns the declared stage with the given id, or nil.
func (q *Quest) Stage(id string) *QuestStage {
	for _, s := range q.Stages {
		if s.StageID == id {
			return s
		}
	}
	return nil
}

// QuestStage is one stage of a quest; all its milestones must complete
// before the next stage activates.
type QuestStage struct {
	StageID      string         `json:"stage_id"`
	Title        string         `json:"title,omitempty"`
	Milestones   []*Milestone   `json:"milestones"`
	StageRewards map[string]int `json:"stage_rewards,omitempty"`
}

// Milestone is a one-shot trigger within a quest stage.
type Milestone struct {
	MilestoneID string         `json:"milestone_id"`
	When        Trigger        `json:"when"`
	Rewards     map[string]int `json:"rewards,omitempty"`
}

// Event is a runtime event fired by the event engine.
type Event struct {
	EventID       string         `json:"event_id"`
	Title         string         `json:"title"`
	NarrationHint string         `json:"narration_hint,omitempty"`
	Trigger       Trigger        `json:"trigger"`
	Effects       map[string]int `json:"effects,omitempty"`
	OncePerRun    bool           `json:"once_per_run,omitempty"`
	CooldownSteps int            `json:"cooldown_steps,omitempty"`
	Weight        int            `json:"weight,omitempty"`
}

// Ending outcomes.
const (
	OutcomeNeutral = "neutral"
	OutcomeFail    = "fail"
)

// Ending is a declared run ending.
type Ending struct {
	EndingID string  `json:"ending_id"`
	Title    string  `json:"title,omitempty"`
	Outcome  string  `json:"outcome"`
	Priority int     `json:"priority"`
	Trigger  Trigger `json:"trigger"`
	Epilogue string  `json:"epilogue,omitempty"`
}

// RunConfig bounds a run and sets the synthetic-timeout outcome.
type RunConfig struct {
	MaxDays               int    `json:"max_days,omitempty"`
	MaxSteps              int    `json:"max_steps,omitempty"`
	DefaultTimeoutOutcome string `json:"default_timeout_outcome,omitempty"`
}

// NodeByID returns the node with the given id, or nil.
func (p *Pack) NodeByID(id string) *Node {
	return p.nodesByID[id]
}

// ChoiceByID returns the pack-wide unique choice and its owning node.
func (p *Pack) ChoiceByID(id string) (*Node, *Choice) {
	ref, ok := p.choicesByID[id]
	if !ok {
		return nil, nil
	}
	return ref.node, ref.choice
}

// QuestByID returns the quest with the given id, or nil.
func (p *Pack) QuestByID(id string) *Quest {
	return p.questsByID[id]
}

// ExecutorByID returns the fallback executor with the given id, or nil.
func (p *Pack) ExecutorByID(id string) *FallbackBlock {
	return p.executorsByID[id]
}
