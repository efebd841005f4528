// Package resolver turns a step request (a clicked choice or free-form
// player input) into an execution plan: a real choice, a declarative
// fallback block, or a degraded no-op.
package resolver

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fableforge/storyrun/pkg/engine"
	"github.com/fableforge/storyrun/pkg/events"
	"github.com/fableforge/storyrun/pkg/llm"
	"github.com/fableforge/storyrun/pkg/prompt"
	"github.com/fableforge/storyrun/pkg/story"
)

// Selection sources.
const (
	SourceExplicit = "explicit"
	SourceRule     = "rule"
	SourceLLM      = "llm"
	SourceFallback = "fallback"
)

// Fallback reasons.
const (
	ReasonNoInput     = "NO_INPUT"
	ReasonBlocked     = "BLOCKED"
	ReasonFallback    = "FALLBACK"
	ReasonNoMatch     = "NO_MATCH"
	ReasonLowConf     = "LOW_CONF"
	ReasonInputPolicy = "INPUT_POLICY"
	ReasonPrereq      = "PREREQ_BLOCKED"
)

// Degraded-path markers recorded in the resolution notes.
const (
	MarkRerouteLimit  = "REROUTE_LIMIT_REACHED_DEGRADED"
	MarkReroutePrereq = "REROUTED_TARGET_PREREQ_BLOCKED_DEGRADED"
	MarkConfigInvalid = "FALLBACK_CONFIG_INVALID"
)

// Free input longer than this is rejected to the fallback tree instead of
// being shipped to the selector.
const maxPlayerInputLen = 2000

// Selector confidence below this routes to the fallback tree.
const lowConfidenceFloor = 0.5

// Request is the already-validated step input: exactly one of ChoiceID or
// PlayerInput is set.
type Request struct {
	ChoiceID    string
	PlayerInput string
}

// Outcome is the resolver's execution plan plus its audit trail.
type Outcome struct {
	AttemptedChoiceID string
	ExecutedChoiceID  string
	ResolvedChoiceID  string
	Source            string
	FallbackUsed      bool
	FallbackReason    string
	MappingConfidence *float64
	IntentID          *string
	Notes             []string

	// Exactly one of these describes what executes. NoOp is the degraded
	// last rung.
	Choice *story.Choice
	Block  *story.FallbackBlock
	NoOp   bool

	// Static narration variant for block rungs, keyed by reason.
	FallbackText string
}

// Resolver resolves step requests against the current node.
type Resolver struct {
	transport *llm.Transport
	maxChars  int
	locale    string
}

// New creates a Resolver sharing the process-wide LLM transport.
func New(transport *llm.Transport, promptMaxChars int, locale string) *Resolver {
	return &Resolver{transport: transport, maxChars: promptMaxChars, locale: locale}
}

// Resolve turns a step request into an execution plan: explicit choice ids,
// then rule mapping, then the LLM selector, then the fallback tree.
func (r *Resolver) Resolve(ctx context.Context, pack *story.Pack, node *story.Node, st *story.State, req *Request, emit events.Emitter) (*Outcome, error) {
	if req.ChoiceID != "" {
		return r.resolveChoiceID(pack, node, st, req.ChoiceID), nil
	}
	return r.resolvePlayerInput(ctx, pack, node, st, req.PlayerInput, emit)
}

func (r *Resolver) resolveChoiceID(pack *story.Pack, node *story.Node, st *story.State, choiceID string) *Outcome {
	ch := node.Choice(choiceID)
	if ch == nil {
		// Unknown or off-node ids degrade softly instead of erroring.
		out := r.fallbackTree(pack, node, st, ReasonFallback)
		out.AttemptedChoiceID = choiceID
		return out
	}
	if ok, _ := engine.RequiresMet(st, ch.Requires); !ok {
		out := r.fallbackTree(pack, node, st, ReasonBlocked)
		out.AttemptedChoiceID = choiceID
		return out
	}
	return &Outcome{
		AttemptedChoiceID: choiceID,
		ExecutedChoiceID:  choiceID,
		ResolvedChoiceID:  choiceID,
		Source:            SourceExplicit,
		Choice:            ch,
	}
}

func (r *Resolver) resolvePlayerInput(ctx context.Context, pack *story.Pack, node *story.Node, st *story.State, input string, emit events.Emitter) (*Outcome, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return r.fallbackTree(pack, node, st, ReasonNoInput), nil
	}
	if len(trimmed) > maxPlayerInputLen {
		return r.fallbackTree(pack, node, st, ReasonInputPolicy), nil
	}

	if out := r.ruleMap(node, st, trimmed); out != nil {
		return out, nil
	}
	return r.selectLLM(ctx, node, pack, st, trimmed, emit)
}

// ruleMap matches the input against the node's intent patterns. Exactly one
// winning intent whose alias choice passes its prerequisites resolves
// without a model call.
func (r *Resolver) ruleMap(node *story.Node, st *story.State, input string) *Outcome {
	norm := strings.ToLower(input)
	var winner *story.Intent
	for _, in := range node.Intents {
		for _, p := range in.Patterns {
			if p == "" || !strings.Contains(norm, strings.ToLower(p)) {
				continue
			}
			if winner != nil && winner.IntentID != in.IntentID {
				return nil // ambiguous, let the selector decide
			}
			winner = in
			break
		}
	}
	if winner == nil {
		return nil
	}
	ch := node.Choice(winner.AliasChoiceID)
	if ch == nil {
		return nil
	}
	if ok, _ := engine.RequiresMet(st, ch.Requires); !ok {
		return nil
	}
	intentID := winner.IntentID
	return &Outcome{
		ExecutedChoiceID: ch.ChoiceID,
		ResolvedChoiceID: ch.ChoiceID,
		Source:           SourceRule,
		IntentID:         &intentID,
		Choice:           ch,
	}
}

func (r *Resolver) selectLLM(ctx context.Context, node *story.Node, pack *story.Pack, st *story.State, input string, emit events.Emitter) (*Outcome, error) {
	locked := map[string]bool{}
	for _, ch := range node.Choices {
		if ok, _ := engine.RequiresMet(st, ch.Requires); !ok {
			locked[ch.ChoiceID] = true
		}
	}
	user, err := prompt.Selector(node, st, input, locked, r.maxChars)
	if err != nil {
		return nil, err
	}
	sel, err := r.transport.SelectChoice(ctx, prompt.SystemJSONOnly, user, r.locale, emit)
	if err != nil {
		// Selection is soft: an unavailable selector degrades to the
		// fallback tree; only the narrator is a hard dependency.
		slog.Warn("Selector call failed, degrading to fallback tree", "error", err)
		return r.fallbackTree(pack, node, st, ReasonFallback), nil
	}

	reason := ReasonFallback
	if sel.Notes != nil {
		switch strings.ToUpper(*sel.Notes) {
		case ReasonNoMatch:
			reason = ReasonNoMatch
		case ReasonLowConf:
			reason = ReasonLowConf
		}
	}
	if sel.UseFallback || sel.ChoiceID == nil {
		out := r.fallbackTree(pack, node, st, reason)
		out.MappingConfidence = &sel.Confidence
		out.IntentID = sel.IntentID
		return out, nil
	}
	if sel.Confidence < lowConfidenceFloor {
		out := r.fallbackTree(pack, node, st, ReasonLowConf)
		out.MappingConfidence = &sel.Confidence
		out.IntentID = sel.IntentID
		return out, nil
	}
	ch := node.Choice(*sel.ChoiceID)
	if ch == nil {
		out := r.fallbackTree(pack, node, st, ReasonNoMatch)
		out.MappingConfidence = &sel.Confidence
		return out, nil
	}
	if ok, _ := engine.RequiresMet(st, ch.Requires); !ok {
		out := r.fallbackTree(pack, node, st, ReasonBlocked)
		out.AttemptedChoiceID = ch.ChoiceID
		out.MappingConfidence = &sel.Confidence
		return out, nil
	}
	return &Outcome{
		ExecutedChoiceID:  ch.ChoiceID,
		ResolvedChoiceID:  ch.ChoiceID,
		Source:            SourceLLM,
		MappingConfidence: &sel.Confidence,
		IntentID:          sel.IntentID,
		Choice:            ch,
	}, nil
}

// fallbackTree walks the ordered rungs: node reroute choice, node fallback
// block, global fallback executor, degraded no-op. Each rung is tried once.
func (r *Resolver) fallbackTree(pack *story.Pack, node *story.Node, st *story.State, reason string) *Outcome {
	out := &Outcome{
		Source:         SourceFallback,
		FallbackUsed:   true,
		FallbackReason: reason,
	}
	hadAnyRung := false
	skipBlock := false

	if node.NodeFallbackChoiceID != "" {
		hadAnyRung = true
		target := node.Choice(node.NodeFallbackChoiceID)
		if target != nil {
			if ok, _ := engine.RequiresMet(st, target.Requires); ok {
				out.ExecutedChoiceID = target.ChoiceID
				out.ResolvedChoiceID = target.ChoiceID
				out.Choice = target
				return out
			}
		}
		// Reroute target blocked: no recursion, jump past the node block
		// straight to the global executor.
		out.Notes = append(out.Notes, MarkRerouteLimit)
		skipBlock = true
	}

	if !skipBlock {
		block := node.Fallback
		if block == nil {
			block = pack.DefaultFallback
		}
		if block != nil {
			hadAnyRung = true
			if ok, _ := engine.RequiresMet(st, block.Prereq); ok {
				out.ExecutedChoiceID = blockID(block)
				out.ResolvedChoiceID = blockID(block)
				out.Block = block
				out.FallbackText = block.TextFor(reason)
				return out
			}
		}
	}

	if pack.GlobalFallbackChoiceID != "" {
		hadAnyRung = true
		if exec := pack.ExecutorByID(pack.GlobalFallbackChoiceID); exec != nil {
			if ok, _ := engine.RequiresMet(st, exec.Prereq); ok {
				out.ExecutedChoiceID = blockID(exec)
				out.ResolvedChoiceID = blockID(exec)
				out.Block = exec
				out.FallbackText = exec.TextFor(reason)
				return out
			}
			out.Notes = append(out.Notes, MarkReroutePrereq)
		}
	}

	out.ExecutedChoiceID = story.FallbackChoiceID
	out.ResolvedChoiceID = story.FallbackChoiceID
	out.NoOp = true
	if !hadAnyRung {
		out.Notes = append(out.Notes, MarkConfigInvalid)
	}
	return out
}

func blockID(b *story.FallbackBlock) string {
	if b.ID != "" {
		return b.ID
	}
	return story.FallbackChoiceID
}
