package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fableforge/storyrun/pkg/config"
	"github.com/fableforge/storyrun/pkg/engine"
	"github.com/fableforge/storyrun/pkg/events"
	"github.com/fableforge/storyrun/pkg/llm"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/prompt"
	"github.com/fableforge/storyrun/pkg/resolver"
	"github.com/fableforge/storyrun/pkg/story"
)

// Engine runs steps. It is the only component that writes Session or
// ActionLog rows.
type Engine struct {
	store     Store
	packs     PackLoader
	idem      IdempotencyStore
	resolver  *resolver.Resolver
	transport *llm.Transport
	cfg       *config.Settings
}

// New wires the step engine.
func New(store Store, packs PackLoader, idem IdempotencyStore, res *resolver.Resolver, transport *llm.Transport, cfg *config.Settings) *Engine {
	return &Engine{
		store:     store,
		packs:     packs,
		idem:      idem,
		resolver:  res,
		transport: transport,
		cfg:       cfg,
	}
}

// Step executes one player turn. With an idempotency key the two-phase
// guard wraps the transactional pipeline; without one the pipeline runs
// bare. The returned error is always a *StepError.
func (e *Engine) Step(ctx context.Context, req *models.StepRequest, emit events.Emitter) (*models.StepResponse, *StepError) {
	if serr := validateInput(req); serr != nil {
		return nil, serr
	}

	if req.IdempotencyKey == "" {
		return e.runStep(ctx, req, emit)
	}

	hash := RequestHash(req.ChoiceID, req.PlayerInput)
	stored, serr := e.beginIdempotent(ctx, req.SessionID, req.IdempotencyKey, hash)
	if serr != nil {
		return nil, serr
	}
	if stored != nil {
		return stored, nil
	}

	resp, stepErr := e.runStep(ctx, req, emit)
	e.finishIdempotent(ctx, req.SessionID, req.IdempotencyKey, resp, stepErr)
	return resp, stepErr
}

func validateInput(req *models.StepRequest) *StepError {
	if req.ChoiceID != "" && req.HasPlayerInput {
		return NewStepError(http.StatusUnprocessableEntity, CodeInputConflict,
			"provide exactly one of choice_id or player_input")
	}
	if req.ChoiceID == "" && !req.HasPlayerInput {
		return NewStepError(http.StatusUnprocessableEntity, CodeInputConflict,
			"provide exactly one of choice_id or player_input")
	}
	return nil
}

// runStep is the transactional core: everything from session load to
// the audit write happens in one database transaction, so a narrator
// failure leaves no trace.
func (e *Engine) runStep(ctx context.Context, req *models.StepRequest, emit events.Emitter) (*models.StepResponse, *StepError) {
	if e.cfg.LLMTotalDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.LLMTotalDeadline)
		defer cancel()
	}

	var resp *models.StepResponse
	var stepErr *StepError
	err := e.store.RunInStepTx(ctx, func(tx StepTx) error {
		resp, stepErr = e.stepInTx(ctx, tx, req, emit)
		if stepErr != nil {
			return stepErr
		}
		return nil
	})
	if stepErr != nil {
		return nil, stepErr
	}
	if err != nil {
		return nil, Internal(err)
	}
	return resp, nil
}

func (e *Engine) stepInTx(ctx context.Context, tx StepTx, req *models.StepRequest, emit events.Emitter) (*models.StepResponse, *StepError) {
	session, err := tx.SessionForUpdate(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, NewStepError(http.StatusNotFound, CodeSessionNotFound,
				"session %s not found", req.SessionID)
		}
		return nil, Internal(err)
	}
	if session.Status != models.SessionActive {
		return nil, NewStepError(http.StatusConflict, CodeSessionNotActive,
			"session %s is %s", session.ID, session.Status)
	}
	if session.StoryID == "" {
		return nil, NewStepError(http.StatusBadRequest, CodeStoryRequired,
			"session %s has no story", session.ID)
	}

	pack, serr := e.loadPack(ctx, session)
	if serr != nil {
		return nil, serr
	}

	node := pack.NodeByID(session.StoryNodeID)
	if node == nil {
		return nil, Internal(fmt.Errorf("session %s points at unknown node %q",
			session.ID, session.StoryNodeID))
	}

	state := session.State
	state.Normalize()
	stateBefore := state.Clone()

	out, rerr := e.resolver.Resolve(ctx, pack, node, state,
		&resolver.Request{ChoiceID: req.ChoiceID, PlayerInput: req.PlayerInput}, emit)
	if rerr != nil {
		return nil, Internal(rerr)
	}

	delta := map[string]int{}
	actionEffects, actionID, toNodeID := e.execute(pack, node, state, out, delta)
	session.StoryNodeID = toNodeID
	state.RunState.StepIndex++

	facts := &engine.StepFacts{
		FromNodeID:       node.NodeID,
		ToNodeID:         toNodeID,
		ExecutedChoiceID: out.ExecutedChoiceID,
		ActionID:         actionID,
		FallbackUsed:     out.FallbackUsed,
		State:            state,
		Delta:            delta,
	}

	questRulesStart := len(state.QuestState.RecentEvents)
	matched := engine.AdvanceQuests(pack, state, facts)
	questProgressed := len(state.QuestState.RecentEvents) > questRulesStart

	var firedEvent *story.Event
	eventEffects := map[string]int{}
	if ev := engine.SelectEvent(pack, state, facts); ev != nil {
		firedEvent = ev
		eventEffects = engine.CompactDelta(ev.Effects)
		matched = append(matched, engine.ApplyEvent(ev, state, facts))
	}

	ending := engine.EvaluateEnding(pack, state, facts)
	if ending != nil {
		engine.FreezeEnding(state, ending)
		session.Status = models.SessionEnded
		matched = append(matched, models.MatchedRule{
			Type:     models.RuleEnding,
			EndingID: ending.EndingID,
			Title:    ending.Title,
			Detail:   ending.Outcome,
		})
	}

	toNode := pack.NodeByID(toNodeID)
	if toNode == nil {
		return nil, Internal(fmt.Errorf("step landed on unknown node %q", toNodeID))
	}

	narrative, serr := e.narrate(ctx, out, req, node, toNode, stateBefore, state,
		delta, actionEffects, eventEffects, firedEvent, questProgressed, ending, pack, emit)
	if serr != nil {
		return nil, serr
	}

	log := e.buildActionLog(session, req, out, node, stateBefore, state, delta, matched)
	session.UpdatedAt = time.Now()
	if err := tx.UpdateSession(ctx, session); err != nil {
		return nil, Internal(err)
	}
	if err := tx.InsertActionLog(ctx, log); err != nil {
		return nil, Internal(err)
	}

	return e.buildResponse(session, out, toNode, state, narrative, ending), nil
}

func (e *Engine) loadPack(ctx context.Context, session *models.Session) (*story.Pack, *StepError) {
	pack, err := e.packs.LoadPack(ctx, session.StoryID, session.StoryVersion)
	switch {
	case err == nil:
		return pack, nil
	case errors.Is(err, models.ErrNotFound):
		return nil, NewStepError(http.StatusNotFound, CodeStoryNotFound,
			"story %s@%s not found", session.StoryID, session.StoryVersion)
	case errors.Is(err, story.ErrPackFormat):
		return nil, NewStepError(http.StatusBadRequest, CodePackV10Required,
			"story %s@%s: %v", session.StoryID, session.StoryVersion, err)
	case errors.Is(err, story.ErrInvalidStartNode):
		return nil, NewStepError(http.StatusBadRequest, CodeInvalidStartNode,
			"story %s@%s: %v", session.StoryID, session.StoryVersion, err)
	default:
		return nil, Internal(err)
	}
}

// execute applies the resolver's plan to the state and returns the action
// effects, the executed action id and the destination node id. Time moves
// one slot forward only when a real choice executes.
func (e *Engine) execute(pack *story.Pack, node *story.Node, state *story.State, out *resolver.Outcome, delta map[string]int) (map[string]int, string, string) {
	switch {
	case out.Choice != nil:
		engine.ApplyEffects(state, out.Choice.Effects, delta)
		state.AdvanceSlot()
		return engine.CompactDelta(out.Choice.Effects), out.Choice.Action.ActionID, out.Choice.NextNodeID

	case out.Block != nil:
		engine.ApplyEffects(state, out.Block.Effects, delta)
		to := node.NodeID
		if out.Block.NextNodeIDPolicy == story.FallbackPolicyExplicitNext && out.Block.NextNodeID != "" {
			to = out.Block.NextNodeID
		}
		return engine.CompactDelta(out.Block.Effects), out.Block.Action, to

	default: // degraded no-op
		state.RunState.FallbackCount++
		return map[string]int{}, "", node.NodeID
	}
}

func (e *Engine) narrate(ctx context.Context, out *resolver.Outcome, req *models.StepRequest,
	fromNode, toNode *story.Node, before, after *story.State, delta, actionEffects, eventEffects map[string]int,
	firedEvent *story.Event, questProgressed bool, ending *engine.EndingResult, pack *story.Pack, emit events.Emitter) (string, *StepError) {

	// Static narration path for declarative fallback rungs when the
	// narrator is disabled for fallbacks.
	if out.FallbackUsed && !e.cfg.StoryFallbackLLM && out.FallbackText != "" {
		return out.FallbackText, nil
	}

	in := e.narratorInput(out, req, fromNode, toNode, before, after, delta,
		actionEffects, eventEffects, firedEvent, questProgressed, ending, pack)
	user, err := prompt.Narrator(in, e.cfg.PromptPlayMaxChars)
	if err != nil {
		return "", Internal(err)
	}
	n, err := e.transport.Narrate(ctx, prompt.SystemJSONOnly, user,
		e.cfg.StoryNarrationLanguage, emit)
	if err != nil {
		var unavailable *llm.UnavailableError
		if errors.As(err, &unavailable) {
			return "", NewStepError(http.StatusServiceUnavailable, CodeLLMUnavailable,
				"narrator unavailable (%s)", unavailable.Kind)
		}
		return "", Internal(err)
	}
	return n.NarrativeText, nil
}

func (e *Engine) narratorInput(out *resolver.Outcome, req *models.StepRequest,
	fromNode, toNode *story.Node, before, after *story.State, delta, actionEffects, eventEffects map[string]int,
	firedEvent *story.Event, questProgressed bool, ending *engine.EndingResult, pack *story.Pack) *prompt.NarratorInput {

	inputMode := prompt.InputModeChoiceClick
	if req.ChoiceID == "" {
		inputMode = prompt.InputModeFreeInput
	}

	var label, selectedAction string
	if out.Choice != nil {
		label = out.Choice.DisplayText
		selectedAction = out.Choice.Action.ActionID
	} else if out.Block != nil {
		selectedAction = out.Block.Action
	}

	in := &prompt.NarratorInput{
		InputMode:      inputMode,
		PlayerInputRaw: req.PlayerInput,
		FromNode:       fromNode,
		ToNode:         toNode,
		Resolution: prompt.NarratorResolution{
			AttemptedChoiceID:   out.AttemptedChoiceID,
			ExecutedChoiceID:    out.ExecutedChoiceID,
			ResolvedChoiceID:    out.ResolvedChoiceID,
			SelectedChoiceLabel: label,
			SelectedActionID:    selectedAction,
			MappingConfidence:   out.MappingConfidence,
			FallbackUsed:        out.FallbackUsed,
			FallbackReason:      out.FallbackReason,
		},
		StateBefore:   before,
		StateAfter:    after,
		Delta:         delta,
		ActionEffects: actionEffects,
		EventEffects:  eventEffects,
		QuestSummary:  questSummary(pack, after),
		Nudge:         e.nudge(pack, after, questProgressed, firedEvent != nil),

		NudgeSuppressedByEvent: firedEvent != nil && len(after.QuestState.ActiveQuests) > 0,
	}
	if firedEvent != nil {
		in.Event = &prompt.NarratorEvent{
			EventID:       firedEvent.EventID,
			Title:         firedEvent.Title,
			NarrationHint: firedEvent.NarrationHint,
			Effects:       eventEffects,
		}
	}
	if ending != nil {
		in.Ending = prompt.NarratorEnding{
			RunEnded:       true,
			EndingID:       ending.EndingID,
			EndingOutcome:  ending.Outcome,
			EndingTitle:    ending.Title,
			EndingEpilogue: ending.Epilogue,
		}
	}
	return in
}

func questSummary(pack *story.Pack, st *story.State) prompt.NarratorQuestSummary {
	sum := prompt.NarratorQuestSummary{
		ActiveQuests: []prompt.ActiveQuestBrief{},
		RecentEvents: []string{},
	}
	for _, questID := range st.QuestState.ActiveQuests {
		quest := pack.QuestByID(questID)
		progress := st.QuestState.Quests[questID]
		if quest == nil || progress == nil {
			continue
		}
		brief := prompt.ActiveQuestBrief{
			QuestID: questID,
			Title:   quest.Title,
			Line:    quest.Line,
			StageID: progress.CurrentStageID,
		}
		if stage := quest.Stage(progress.CurrentStageID); stage != nil {
			brief.StageTitle = stage.Title
		}
		sum.ActiveQuests = append(sum.ActiveQuests, brief)
	}
	recent := st.QuestState.RecentEvents
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	for _, ev := range recent {
		title := ev.QuestID
		if q := pack.QuestByID(ev.QuestID); q != nil {
			title = q.Title
		}
		sum.RecentEvents = append(sum.RecentEvents, fmt.Sprintf("%s: %s", ev.Type, title))
	}
	return sum
}

// nudge decides whether the narrator may weave in a quest hint. Progress
// this step drives an event_driven nudge; otherwise a cadence nudge fires
// every third step. A fired runtime event suppresses hints either way.
func (e *Engine) nudge(pack *story.Pack, st *story.State, questProgressed, eventFired bool) prompt.NarratorNudge {
	if len(st.QuestState.ActiveQuests) == 0 || eventFired {
		return prompt.NarratorNudge{Enabled: false, Mode: prompt.NudgeOff}
	}
	mode := ""
	switch {
	case questProgressed:
		mode = prompt.NudgeEventDriven
	case st.RunState.StepIndex%3 == 0:
		mode = prompt.NudgeCadence
	default:
		return prompt.NarratorNudge{Enabled: false, Mode: prompt.NudgeOff}
	}
	n := prompt.NarratorNudge{Enabled: true, Mode: mode}
	for _, questID := range st.QuestState.ActiveQuests {
		quest := pack.QuestByID(questID)
		progress := st.QuestState.Quests[questID]
		if quest == nil || progress == nil {
			continue
		}
		hint := quest.Title
		if stage := quest.Stage(progress.CurrentStageID); stage != nil && stage.Title != "" {
			hint = stage.Title
		}
		if quest.Line == "main" && n.MainlineHint == "" {
			n.MainlineHint = hint
		} else if quest.Line != "main" && n.SidelineHint == "" {
			n.SidelineHint = hint
		}
	}
	return n
}

func (e *Engine) buildActionLog(session *models.Session, req *models.StepRequest, out *resolver.Outcome,
	fromNode *story.Node, before, after *story.State, delta map[string]int, matched []models.MatchedRule) *models.ActionLog {

	stateDelta := map[string]any{}
	for k, v := range engine.CompactDelta(delta) {
		stateDelta[k] = v
	}
	if before.Day != after.Day {
		stateDelta["day"] = after.Day - before.Day
	}
	if before.Slot != after.Slot {
		stateDelta["slot"] = string(after.Slot)
	}

	var reasons []string
	if out.FallbackReason != "" {
		reasons = append(reasons, out.FallbackReason)
	}
	reasons = append(reasons, out.Notes...)

	keyDecision := out.Choice != nil && out.Choice.IsKeyDecision

	var intentID string
	if out.IntentID != nil {
		intentID = *out.IntentID
	}

	return &models.ActionLog{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		StoryNodeID:      fromNode.NodeID,
		StoryChoiceID:    out.ExecutedChoiceID,
		PlayerInput:      req.PlayerInput,
		UserRawInput:     req.PlayerInput,
		ProposedAction:   proposedAction(req, out),
		FinalAction:      out.ExecutedChoiceID,
		FallbackUsed:     out.FallbackUsed,
		FallbackReasons:  reasons,
		ActionConfidence: out.MappingConfidence,
		KeyDecision:      keyDecision,
		Classification: models.Classification{
			SelectionSource: out.Source,
			LayerDebug:      out.Notes,
			IntentID:        intentID,
		},
		StateBefore:  before,
		StateAfter:   after.Clone(),
		StateDelta:   stateDelta,
		MatchedRules: matched,
		CreatedAt:    time.Now(),
	}
}

func proposedAction(req *models.StepRequest, out *resolver.Outcome) string {
	if req.ChoiceID != "" {
		return req.ChoiceID
	}
	if out.AttemptedChoiceID != "" {
		return out.AttemptedChoiceID
	}
	return out.ResolvedChoiceID
}

func (e *Engine) buildResponse(session *models.Session, out *resolver.Outcome, toNode *story.Node,
	st *story.State, narrative string, ending *engine.EndingResult) *models.StepResponse {

	resp := &models.StepResponse{
		NarrativeText:     narrative,
		StoryNodeID:       session.StoryNodeID,
		SessionStatus:     session.Status,
		RunEnded:          ending != nil,
		AttemptedChoiceID: out.AttemptedChoiceID,
		ExecutedChoiceID:  out.ExecutedChoiceID,
		ResolvedChoiceID:  out.ResolvedChoiceID,
		FallbackUsed:      out.FallbackUsed,
		FallbackReason:    out.FallbackReason,
		SelectionSource:   out.Source,
		MappingConfidence: out.MappingConfidence,
		StepIndex:         st.RunState.StepIndex,
		StateExcerpt:      models.ExcerptOf(st),
	}
	if ending != nil {
		resp.EndingID = ending.EndingID
		resp.EndingOutcome = ending.Outcome
		resp.EndingEpilogue = ending.Epilogue
	} else {
		resp.CurrentNode = &models.NodeView{
			NodeID:     toNode.NodeID,
			SceneBrief: toNode.SceneBrief,
			IsEnd:      toNode.IsEnd,
			Choices:    engine.ChoicesForResponse(toNode, st),
		}
	}
	return resp
}
