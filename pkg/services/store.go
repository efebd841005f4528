package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/pipeline"
	"github.com/fableforge/storyrun/pkg/story"
)

// StepStore is the SQL implementation of the pipeline's transactional
// persistence.
type StepStore struct {
	db *sql.DB
}

// NewStepStore creates the step store on the shared connection pool.
func NewStepStore(client *database.Client) *StepStore {
	return &StepStore{db: client.DB()}
}

var _ pipeline.Store = (*StepStore)(nil)

// RunInStepTx implements pipeline.Store.
func (s *StepStore) RunInStepTx(ctx context.Context, fn func(tx pipeline.StepTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin step transaction: %w", err)
	}
	if err := fn(&stepTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit step transaction: %w", err)
	}
	return nil
}

type stepTx struct {
	tx *sql.Tx
}

// SessionForUpdate loads the session row with a row lock, serializing
// concurrent steps on the same session.
func (t *stepTx) SessionForUpdate(ctx context.Context, sessionID string) (*models.Session, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, status, story_id, story_version, story_node_id, state_json, created_at, updated_at
		FROM sessions
		WHERE id = $1
		FOR UPDATE`, sessionID)
	return scanSession(row)
}

// UpdateSession writes the mutable session fields.
func (t *stepTx) UpdateSession(ctx context.Context, session *models.Session) error {
	stateJSON, err := json.Marshal(session.State)
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, story_node_id = $3, state_json = $4, updated_at = $5
		WHERE id = $1`,
		session.ID, string(session.Status), session.StoryNodeID, stateJSON, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update session %s: %w", session.ID, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("update session %s: %w", session.ID, models.ErrNotFound)
	}
	return err
}

// InsertActionLog appends the step audit row.
func (t *stepTx) InsertActionLog(ctx context.Context, log *models.ActionLog) error {
	reasons, err := json.Marshal(log.FallbackReasons)
	if err != nil {
		return fmt.Errorf("marshal fallback reasons: %w", err)
	}
	classification, err := json.Marshal(log.Classification)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	before, err := json.Marshal(log.StateBefore)
	if err != nil {
		return fmt.Errorf("marshal state before: %w", err)
	}
	after, err := json.Marshal(log.StateAfter)
	if err != nil {
		return fmt.Errorf("marshal state after: %w", err)
	}
	delta, err := json.Marshal(log.StateDelta)
	if err != nil {
		return fmt.Errorf("marshal state delta: %w", err)
	}
	rules, err := json.Marshal(log.MatchedRules)
	if err != nil {
		return fmt.Errorf("marshal matched rules: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO action_logs (
			id, session_id, story_node_id, story_choice_id,
			player_input, user_raw_input, proposed_action, final_action,
			fallback_used, fallback_reasons, action_confidence, key_decision,
			classification, state_before, state_after, state_delta,
			matched_rules, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		log.ID, log.SessionID, log.StoryNodeID, log.StoryChoiceID,
		log.PlayerInput, log.UserRawInput, log.ProposedAction, log.FinalAction,
		log.FallbackUsed, reasons, log.ActionConfidence, log.KeyDecision,
		classification, before, after, delta, rules, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action log: %w", err)
	}
	return nil
}

// scanSession decodes one session row from a query.
func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var status string
	var stateJSON []byte
	err := row.Scan(&s.ID, &status, &s.StoryID, &s.StoryVersion, &s.StoryNodeID,
		&stateJSON, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.Status = models.SessionStatus(status)
	st := &story.State{}
	if err := json.Unmarshal(stateJSON, st); err != nil {
		return nil, fmt.Errorf("decode session state: %w", err)
	}
	st.Normalize()
	s.State = st
	return &s, nil
}

// isUniqueViolation reports a PostgreSQL unique constraint failure.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
