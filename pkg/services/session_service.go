package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/engine"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// SessionService owns session lifecycle outside the step pipeline:
// creation, reads, manual snapshots, rollback and ending a run.
type SessionService struct {
	db      *sql.DB
	stories *StoryService
	replay  *ReplayService
}

// NewSessionService creates the session service.
func NewSessionService(client *database.Client, stories *StoryService, replay *ReplayService) *SessionService {
	return &SessionService{db: client.DB(), stories: stories, replay: replay}
}

// Create starts a session on a story: version resolution, pack validation,
// initial state construction and auto-quest activation.
func (s *SessionService) Create(ctx context.Context, storyID, version string) (*models.Session, error) {
	if storyID == "" {
		return nil, NewValidationError("story_id is required")
	}
	pinned, err := s.stories.ResolveVersion(ctx, storyID, version)
	if err != nil {
		return nil, err
	}
	pack, err := s.stories.LoadPack(ctx, storyID, pinned)
	if err != nil {
		return nil, err
	}

	st, err := story.BuildInitialState(pack.InitialState)
	if err != nil {
		return nil, fmt.Errorf("build initial state: %w", err)
	}
	engine.ActivateQuests(pack, st)

	session := &models.Session{
		ID:           uuid.NewString(),
		Status:       models.SessionActive,
		StoryID:      storyID,
		StoryVersion: pinned,
		StoryNodeID:  pack.StartNodeID,
		State:        st,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	stateJSON, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal initial state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, story_id, story_version, story_node_id, state_json, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		session.ID, string(session.Status), session.StoryID, session.StoryVersion,
		session.StoryNodeID, stateJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	slog.Info("Session created",
		"session_id", session.ID,
		"story_id", storyID,
		"story_version", pinned)
	return session, nil
}

// Get loads one session row.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, status, story_id, story_version, story_node_id, state_json, created_at, updated_at
		FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return session, err
}

// CurrentNodeView builds the client-facing node view for a session.
func (s *SessionService) CurrentNodeView(ctx context.Context, session *models.Session) (*models.NodeView, error) {
	pack, err := s.stories.LoadPack(ctx, session.StoryID, session.StoryVersion)
	if err != nil {
		return nil, err
	}
	node := pack.NodeByID(session.StoryNodeID)
	if node == nil {
		return nil, fmt.Errorf("session %s points at unknown node %q", session.ID, session.StoryNodeID)
	}
	return &models.NodeView{
		NodeID:     node.NodeID,
		SceneBrief: node.SceneBrief,
		IsEnd:      node.IsEnd,
		Choices:    engine.ChoicesForResponse(node, session.State),
	}, nil
}

// ActionLogs returns a session's audit rows in step order.
func (s *SessionService) ActionLogs(ctx context.Context, sessionID string) ([]*models.ActionLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, story_node_id, story_choice_id,
		       player_input, user_raw_input, proposed_action, final_action,
		       fallback_used, fallback_reasons, action_confidence, key_decision,
		       classification, state_before, state_after, state_delta,
		       matched_rules, created_at
		FROM action_logs
		WHERE session_id = $1
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load action logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.ActionLog
	for rows.Next() {
		log, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// Snapshot captures the session fields plus the current action-log id set.
func (s *SessionService) Snapshot(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM action_logs WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list action log ids: %w", err)
	}
	defer rows.Close()
	logIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan action log id: %w", err)
		}
		logIDs = append(logIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	snap := &models.SessionSnapshot{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StateBlob: models.SnapshotState{
			Status:       session.Status,
			StoryNodeID:  session.StoryNodeID,
			State:        session.State,
			ActionLogIDs: logIDs,
		},
		CreatedAt: time.Now(),
	}
	blob, err := json.Marshal(snap.StateBlob)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_snapshots (id, session_id, state_blob, created_at)
		VALUES ($1, $2, $3, $4)`,
		snap.ID, snap.SessionID, blob, snap.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	return snap, nil
}

// Rollback restores the session to a snapshot and prunes every action log
// written after it, in one transaction.
func (s *SessionService) Rollback(ctx context.Context, sessionID, snapshotID string) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rollback transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var blob []byte
	err = tx.QueryRowContext(ctx, `
		SELECT state_blob FROM session_snapshots
		WHERE id = $1 AND session_id = $2`, snapshotID, sessionID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("snapshot %s: %w", snapshotID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var state models.SnapshotState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	state.State.Normalize()

	stateJSON, err := json.Marshal(state.State)
	if err != nil {
		return nil, fmt.Errorf("marshal restored state: %w", err)
	}
	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, story_node_id = $3, state_json = $4, updated_at = $5
		WHERE id = $1`,
		sessionID, string(state.Status), state.StoryNodeID, stateJSON, now)
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	// Prune logs not captured by the snapshot.
	captured, err := json.Marshal(state.ActionLogIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal captured log ids: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		DELETE FROM action_logs
		WHERE session_id = $1
		  AND NOT (id IN (SELECT jsonb_array_elements_text($2::jsonb)))`,
		sessionID, captured)
	if err != nil {
		return nil, fmt.Errorf("prune action logs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rollback: %w", err)
	}

	slog.Info("Session rolled back", "session_id", sessionID, "snapshot_id", snapshotID)
	return s.Get(ctx, sessionID)
}

// End finishes a run manually, freezing the session and building its
// replay report.
func (s *SessionService) End(ctx context.Context, sessionID string) (*models.ReplayReport, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != models.SessionEnded {
		_, err = s.db.ExecContext(ctx, `
			UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`,
			sessionID, string(models.SessionEnded), time.Now())
		if err != nil {
			return nil, fmt.Errorf("end session: %w", err)
		}
		session.Status = models.SessionEnded
	}

	logs, err := s.ActionLogs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report := s.replay.Build(session, logs)
	if err := s.replay.Save(ctx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// scanActionLog decodes one audit row.
func scanActionLog(rows *sql.Rows) (*models.ActionLog, error) {
	var log models.ActionLog
	var reasons, classification, before, after, delta, rules []byte
	err := rows.Scan(&log.ID, &log.SessionID, &log.StoryNodeID, &log.StoryChoiceID,
		&log.PlayerInput, &log.UserRawInput, &log.ProposedAction, &log.FinalAction,
		&log.FallbackUsed, &reasons, &log.ActionConfidence, &log.KeyDecision,
		&classification, &before, &after, &delta, &rules, &log.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan action log: %w", err)
	}
	if err := json.Unmarshal(reasons, &log.FallbackReasons); err != nil {
		return nil, fmt.Errorf("decode fallback reasons: %w", err)
	}
	if err := json.Unmarshal(classification, &log.Classification); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}
	log.StateBefore = &story.State{}
	if err := json.Unmarshal(before, log.StateBefore); err != nil {
		return nil, fmt.Errorf("decode state before: %w", err)
	}
	log.StateAfter = &story.State{}
	if err := json.Unmarshal(after, log.StateAfter); err != nil {
		return nil, fmt.Errorf("decode state after: %w", err)
	}
	if err := json.Unmarshal(delta, &log.StateDelta); err != nil {
		return nil, fmt.Errorf("decode state delta: %w", err)
	}
	if err := json.Unmarshal(rules, &log.MatchedRules); err != nil {
		return nil, fmt.Errorf("decode matched rules: %w", err)
	}
	return &log, nil
}
