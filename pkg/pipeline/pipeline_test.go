package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fableforge/storyrun/pkg/config"
	"github.com/fableforge/storyrun/pkg/events"
	"github.com/fableforge/storyrun/pkg/llm"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/resolver"
	"github.com/fableforge/storyrun/pkg/story"
)

// memStore buffers writes per transaction and applies them only when the
// transaction function succeeds, mirroring the SQL rollback contract.
type memStore struct {
	sessions map[string]*models.Session
	logs     []*models.ActionLog
}

func newMemStore(sessions ...*models.Session) *memStore {
	s := &memStore{sessions: map[string]*models.Session{}}
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
	}
	return s
}

func (s *memStore) RunInStepTx(ctx context.Context, fn func(tx StepTx) error) error {
	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}
	if tx.updated != nil {
		s.sessions[tx.updated.ID] = tx.updated
	}
	s.logs = append(s.logs, tx.logs...)
	return nil
}

type memTx struct {
	store   *memStore
	updated *models.Session
	logs    []*models.ActionLog
}

func (tx *memTx) SessionForUpdate(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, ok := tx.store.sessions[sessionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *sess
	cp.State = sess.State.Clone()
	return &cp, nil
}

func (tx *memTx) UpdateSession(ctx context.Context, session *models.Session) error {
	tx.updated = session
	return nil
}

func (tx *memTx) InsertActionLog(ctx context.Context, log *models.ActionLog) error {
	tx.logs = append(tx.logs, log)
	return nil
}

type memPacks struct {
	pack *story.Pack
	err  error
}

func (p *memPacks) LoadPack(ctx context.Context, storyID, version string) (*story.Pack, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.pack, nil
}

type memIdem struct {
	recs map[string]*models.IdempotencyRecord
}

func newMemIdem() *memIdem {
	return &memIdem{recs: map[string]*models.IdempotencyRecord{}}
}

func idemKey(sessionID, key string) string { return sessionID + "/" + key }

func (m *memIdem) Get(ctx context.Context, sessionID, key string) (*models.IdempotencyRecord, error) {
	rec, ok := m.recs[idemKey(sessionID, key)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memIdem) Insert(ctx context.Context, rec *models.IdempotencyRecord) error {
	k := idemKey(rec.SessionID, rec.IdempotencyKey)
	if _, ok := m.recs[k]; ok {
		return models.ErrAlreadyExists
	}
	m.recs[k] = rec
	return nil
}

func (m *memIdem) Update(ctx context.Context, rec *models.IdempotencyRecord) error {
	m.recs[idemKey(rec.SessionID, rec.IdempotencyKey)] = rec
	return nil
}

// fakeProvider answers every call with one fixed reply or error and keeps
// the rendered user prompts for inspection.
type fakeProvider struct {
	reply string
	err   error
	calls int
	users []string
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (string, error) {
	p.calls++
	p.users = append(p.users, req.User)
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

// promptContextOf decodes the trailing context JSON of a captured prompt.
func promptContextOf(t *testing.T, rendered string) map[string]any {
	t.Helper()
	i := strings.LastIndex(rendered, "Context: ")
	require.GreaterOrEqual(t, i, 0, "prompt must carry a context block")
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(rendered[i+len("Context: "):]), &out))
	return out
}

const validNarrative = `{"narrative_text":"The scene settles around you."}`

func stepSettings() *config.Settings {
	return &config.Settings{
		Env:                            config.EnvTest,
		LLMTimeout:                     time.Second,
		LLMTotalDeadline:               5 * time.Second,
		LLMMaxRetries:                  1,
		LLMBreakerWindow:               time.Minute,
		LLMBreakerFailThreshold:        10,
		LLMBreakerOpenFor:              30 * time.Second,
		StepIdempotencyTTL:             time.Hour,
		StepIdempotencyInProgressStale: 2 * time.Minute,
		PromptPlayMaxChars:             8000,
		StoryNarrationLanguage:         "en",
		StoryDefaultLocale:             "en",
	}
}

func playPack(t *testing.T, runConfig string) *story.Pack {
	t.Helper()
	pack, err := story.ParsePack([]byte(fmt.Sprintf(`{
		"pack_format": "v1.0",
		"story_id": "campus",
		"version": "1.0.0",
		"title": "Campus Days",
		"start_node_id": "n_dorm",
		"nodes": [
			{
				"node_id": "n_dorm",
				"scene_brief": "Morning at the dorm.",
				"choices": [
					{
						"choice_id": "c_study",
						"display_text": "Study",
						"action": {"action_id": "study"},
						"effects": {"knowledge": 5, "energy": -10},
						"next_node_id": "n_library"
					},
					{
						"choice_id": "c_splurge",
						"display_text": "Fancy dinner",
						"action": {"action_id": "date"},
						"requires": {"min_money": 1000},
						"next_node_id": "n_library"
					}
				],
				"fallback": {
					"id": "fb_dorm",
					"action": "rest",
					"next_node_id_policy": "stay",
					"effects": {"energy": -1},
					"text_variants": {"DEFAULT": "You drift through the morning."}
				}
			},
			{
				"node_id": "n_library",
				"scene_brief": "Rows of quiet desks.",
				"choices": [
					{
						"choice_id": "c_back",
						"display_text": "Head back",
						"action": {"action_id": "rest"},
						"next_node_id": "n_dorm"
					}
				]
			}
		],
		"run_config": %s
	}`, runConfig)))
	require.NoError(t, err)
	return pack
}

func activeSession(id string) *models.Session {
	now := time.Now()
	return &models.Session{
		ID:           id,
		Status:       models.SessionActive,
		StoryID:      "campus",
		StoryVersion: "1.0.0",
		StoryNodeID:  "n_dorm",
		State:        story.DefaultInitialState(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

type fixture struct {
	store    *memStore
	packs    *memPacks
	idem     *memIdem
	provider *fakeProvider
	engine   *Engine
}

func newFixture(t *testing.T, cfg *config.Settings, pack *story.Pack, sessions ...*models.Session) *fixture {
	t.Helper()
	f := &fixture{
		store:    newMemStore(sessions...),
		packs:    &memPacks{pack: pack},
		idem:     newMemIdem(),
		provider: &fakeProvider{reply: validNarrative},
	}
	transport, err := llm.NewTransportWithProvider(cfg, f.provider)
	require.NoError(t, err)
	res := resolver.New(transport, cfg.PromptPlayMaxChars, cfg.StoryDefaultLocale)
	f.engine = New(f.store, f.packs, f.idem, res, transport, cfg)
	return f
}

func TestStep_InputValidation(t *testing.T) {
	f := newFixture(t, stepSettings(), playPack(t, "{}"), activeSession("s1"))

	tests := []struct {
		name string
		req  *models.StepRequest
	}{
		{
			name: "both choice and input",
			req:  &models.StepRequest{SessionID: "s1", ChoiceID: "c_study", PlayerInput: "study", HasPlayerInput: true},
		},
		{
			name: "neither choice nor input",
			req:  &models.StepRequest{SessionID: "s1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, serr := f.engine.Step(context.Background(), tt.req, events.NopEmitter{})
			require.Nil(t, resp)
			require.NotNil(t, serr)
			assert.Equal(t, http.StatusUnprocessableEntity, serr.Status)
			assert.Equal(t, CodeInputConflict, serr.Code)
		})
	}
}

func TestStep_SessionGuards(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		f := newFixture(t, stepSettings(), playPack(t, "{}"))

		_, serr := f.engine.Step(context.Background(),
			&models.StepRequest{SessionID: "missing", ChoiceID: "c_study"}, events.NopEmitter{})

		require.NotNil(t, serr)
		assert.Equal(t, http.StatusNotFound, serr.Status)
		assert.Equal(t, CodeSessionNotFound, serr.Code)
	})

	t.Run("ended session", func(t *testing.T) {
		sess := activeSession("s1")
		sess.Status = models.SessionEnded
		f := newFixture(t, stepSettings(), playPack(t, "{}"), sess)

		_, serr := f.engine.Step(context.Background(),
			&models.StepRequest{SessionID: "s1", ChoiceID: "c_study"}, events.NopEmitter{})

		require.NotNil(t, serr)
		assert.Equal(t, http.StatusConflict, serr.Status)
		assert.Equal(t, CodeSessionNotActive, serr.Code)
	})
}

func TestStep_PackErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "story row missing",
			err:        models.ErrNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   CodeStoryNotFound,
		},
		{
			name:       "pack format rejected",
			err:        fmt.Errorf("bad pack: %w", story.ErrPackFormat),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodePackV10Required,
		},
		{
			name:       "start node unresolved",
			err:        fmt.Errorf("bad pack: %w", story.ErrInvalidStartNode),
			wantStatus: http.StatusBadRequest,
			wantCode:   CodeInvalidStartNode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, stepSettings(), nil, activeSession("s1"))
			f.packs.err = tt.err

			_, serr := f.engine.Step(context.Background(),
				&models.StepRequest{SessionID: "s1", ChoiceID: "c_study"}, events.NopEmitter{})

			require.NotNil(t, serr)
			assert.Equal(t, tt.wantStatus, serr.Status)
			assert.Equal(t, tt.wantCode, serr.Code)
		})
	}
}

func TestStep_ChoiceClick(t *testing.T) {
	f := newFixture(t, stepSettings(), playPack(t, "{}"), activeSession("s1"))

	resp, serr := f.engine.Step(context.Background(),
		&models.StepRequest{SessionID: "s1", ChoiceID: "c_study"}, events.NopEmitter{})
	require.Nil(t, serr)
	require.NotNil(t, resp)

	assert.Equal(t, "The scene settles around you.", resp.NarrativeText)
	assert.Equal(t, "n_library", resp.StoryNodeID)
	assert.Equal(t, "c_study", resp.ExecutedChoiceID)
	assert.Equal(t, resolver.SourceExplicit, resp.SelectionSource)
	assert.False(t, resp.FallbackUsed)
	assert.Equal(t, 1, resp.StepIndex)
	assert.False(t, resp.RunEnded)

	// Effects applied and the clock moved one slot.
	assert.Equal(t, story.DefaultKnowledge+5, resp.StateExcerpt.Knowledge)
	assert.Equal(t, story.DefaultEnergy-10, resp.StateExcerpt.Energy)
	assert.Equal(t, "afternoon", resp.StateExcerpt.Slot)
	assert.Equal(t, 1, resp.StateExcerpt.Day)

	require.NotNil(t, resp.CurrentNode)
	assert.Equal(t, "n_library", resp.CurrentNode.NodeID)
	require.Len(t, resp.CurrentNode.Choices, 1)
	assert.True(t, resp.CurrentNode.Choices[0].Available)

	// The session row committed.
	sess := f.store.sessions["s1"]
	assert.Equal(t, "n_library", sess.StoryNodeID)
	assert.Equal(t, models.SessionActive, sess.Status)
	assert.Equal(t, 1, sess.State.RunState.StepIndex)

	// One audit row with the pre-step node.
	require.Len(t, f.store.logs, 1)
	log := f.store.logs[0]
	assert.Equal(t, "n_dorm", log.StoryNodeID)
	assert.Equal(t, "c_study", log.StoryChoiceID)
	assert.Equal(t, resolver.SourceExplicit, log.Classification.SelectionSource)
	assert.Equal(t, 5, log.StateDelta["knowledge"])
	assert.Equal(t, "afternoon", log.StateDelta["slot"])

	// Exactly one narrator call, no selector call for a clicked choice.
	assert.Equal(t, 1, f.provider.calls)
}

func TestStep_StaticFallbackSkipsNarrator(t *testing.T) {
	cfg := stepSettings()
	cfg.StoryFallbackLLM = false
	f := newFixture(t, cfg, playPack(t, "{}"), activeSession("s1"))

	resp, serr := f.engine.Step(context.Background(),
		&models.StepRequest{SessionID: "s1", ChoiceID: "c_ghost"}, events.NopEmitter{})
	require.Nil(t, serr)

	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, resolver.ReasonFallback, resp.FallbackReason)
	assert.Equal(t, "fb_dorm", resp.ExecutedChoiceID)
	assert.Equal(t, "c_ghost", resp.AttemptedChoiceID)
	assert.Equal(t, "You drift through the morning.", resp.NarrativeText)
	assert.Equal(t, 0, f.provider.calls, "static fallback text must not call the narrator")

	// A stay-policy fallback holds position and does not advance the clock.
	assert.Equal(t, "n_dorm", resp.StoryNodeID)
	assert.Equal(t, "morning", resp.StateExcerpt.Slot)
	assert.Equal(t, story.DefaultEnergy-1, resp.StateExcerpt.Energy)
	assert.Equal(t, 1, resp.StepIndex)
}

func TestStep_BlockedChoiceFallsBack(t *testing.T) {
	cfg := stepSettings()
	cfg.StoryFallbackLLM = false
	f := newFixture(t, cfg, playPack(t, "{}"), activeSession("s1"))

	resp, serr := f.engine.Step(context.Background(),
		&models.StepRequest{SessionID: "s1", ChoiceID: "c_splurge"}, events.NopEmitter{})
	require.Nil(t, serr)

	assert.True(t, resp.FallbackUsed)
	assert.Equal(t, resolver.ReasonBlocked, resp.FallbackReason)
	assert.Equal(t, "c_splurge", resp.AttemptedChoiceID)
	assert.Equal(t, "fb_dorm", resp.ExecutedChoiceID)

	require.Len(t, f.store.logs, 1)
	assert.Contains(t, f.store.logs[0].FallbackReasons, resolver.ReasonBlocked)
}

func TestStep_EventSuppressesQuestNudgeInNarratorContext(t *testing.T) {
	pack, err := story.ParsePack([]byte(`{
		"pack_format": "v1.0",
		"story_id": "campus",
		"version": "1.0.0",
		"title": "Campus Days",
		"start_node_id": "n_dorm",
		"nodes": [
			{
				"node_id": "n_dorm",
				"scene_brief": "Morning at the dorm.",
				"choices": [
					{
						"choice_id": "c_study",
						"display_text": "Study",
						"action": {"action_id": "study"},
						"next_node_id": "n_library"
					}
				]
			},
			{
				"node_id": "n_library",
				"scene_brief": "Rows of quiet desks.",
				"choices": [
					{
						"choice_id": "c_back",
						"display_text": "Head back",
						"action": {"action_id": "rest"},
						"next_node_id": "n_dorm"
					}
				]
			}
		],
		"quests": [
			{
				"quest_id": "q_exam",
				"title": "Pass the midterm",
				"line": "main",
				"stages": [
					{
						"stage_id": "st_prep",
						"title": "Hit the books",
						"milestones": [
							{"milestone_id": "m_grind", "when": {"state_at_least": {"knowledge": 999}}}
						]
					}
				]
			}
		],
		"events": [
			{
				"event_id": "ev_rain",
				"title": "Sudden rain",
				"trigger": {"executed_choice_id_is": "c_study"}
			}
		]
	}`))
	require.NoError(t, err)

	sess := activeSession("s1")
	sess.State.QuestState.ActiveQuests = []string{"q_exam"}
	sess.State.QuestState.Quests = map[string]*story.QuestProgress{
		"q_exam": {CurrentStageID: "st_prep", Stages: map[string]*story.StageProgress{}},
	}
	f := newFixture(t, stepSettings(), pack, sess)

	_, serr := f.engine.Step(context.Background(),
		&models.StepRequest{SessionID: "s1", ChoiceID: "c_study"}, events.NopEmitter{})
	require.Nil(t, serr)

	// One narrator call; the fired event disables the nudge block and the
	// context says why, so the prose can still honor the active quest.
	require.Len(t, f.provider.users, 1)
	nctx := promptContextOf(t, f.provider.users[0])
	assert.Equal(t, true, nctx["event_present"])
	assert.Equal(t, true, nctx["quest_nudge_suppressed_by_event"])
	nudge := nctx["quest_nudge"].(map[string]any)
	assert.Equal(t, false, nudge["enabled"])
}

func TestStep_NarratorOutageCommitsNothing(t *testing.T) {
	f := newFixture(t, stepSettings(), playPack(t, "{}"), activeSession("s1"))
	f.provider.err = errors.New("connection refused")

	resp, serr := f.engine.Step(context.Background(),
		&models.StepRequest{SessionID: "s1", ChoiceID: "c_study"}, events.NopEmitter{})

	require.Nil(t, resp)
	require.NotNil(t, serr)
	assert.Equal(t, http.StatusServiceUnavailable, serr.Status)
	assert.Equal(t, CodeLLMUnavailable, serr.Code)

	// The transaction rolled back: no state change, no audit row.
	sess := f.store.sessions["s1"]
	assert.Equal(t, "n_dorm", sess.StoryNodeID)
	assert.Equal(t, 0, sess.State.RunState.StepIndex)
	assert.Equal(t, story.DefaultEnergy, sess.State.Energy)
	assert.Empty(t, f.store.logs)
}

func TestStep_TimeoutEndingFreezes(t *testing.T) {
	f := newFixture(t, stepSettings(), playPack(t, `{"max_steps": 1}`), activeSession("s1"))

	resp, serr := f.engine.Step(context.Background(),
		&models.StepRequest{SessionID: "s1", ChoiceID: "c_study"}, events.NopEmitter{})
	require.Nil(t, serr)

	assert.True(t, resp.RunEnded)
	assert.Equal(t, story.TimeoutEndingID, resp.EndingID)
	assert.Equal(t, story.OutcomeNeutral, resp.EndingOutcome)
	assert.Equal(t, models.SessionEnded, resp.SessionStatus)
	assert.Nil(t, resp.CurrentNode, "an ended run carries no playable node")

	sess := f.store.sessions["s1"]
	assert.Equal(t, models.SessionEnded, sess.Status)
	require.NotNil(t, sess.State.RunState.EndingID)
	assert.Equal(t, story.TimeoutEndingID, *sess.State.RunState.EndingID)
	require.NotNil(t, sess.State.RunState.EndedAtStep)
	assert.Equal(t, 1, *sess.State.RunState.EndedAtStep)

	require.Len(t, f.store.logs, 1)
	var endingRules int
	for _, r := range f.store.logs[0].MatchedRules {
		if r.Type == models.RuleEnding {
			endingRules++
		}
	}
	assert.Equal(t, 1, endingRules)
}
