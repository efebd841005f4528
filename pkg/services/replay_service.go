package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// ReplayService builds and stores post-run summaries from a session's
// audit trail.
type ReplayService struct {
	db *sql.DB
}

// NewReplayService creates the replay service.
func NewReplayService(client *database.Client) *ReplayService {
	return &ReplayService{db: client.DB()}
}

// Build assembles the replay report from the session and its action logs.
func (r *ReplayService) Build(session *models.Session, logs []*models.ActionLog) *models.ReplayReport {
	report := &models.ReplayReport{
		SessionID:       session.ID,
		StoryID:         session.StoryID,
		StoryVersion:    session.StoryVersion,
		Steps:           len(logs),
		KeyDecisions:    []models.KeyDecision{},
		CompletedQuests: append([]string{}, session.State.QuestState.CompletedQuests...),
		TriggeredEvents: append([]string{}, session.State.RunState.TriggeredEventIDs...),
		FinalState:      map[string]int{},
		CreatedAt:       time.Now(),
	}
	for _, axis := range story.NumericAxes {
		report.FinalState[axis] = session.State.Axis(axis)
	}
	report.FinalState["day"] = session.State.Day

	for i, log := range logs {
		if log.FallbackUsed {
			report.FallbackSteps++
		}
		if log.KeyDecision {
			report.KeyDecisions = append(report.KeyDecisions, models.KeyDecision{
				StepIndex: i + 1,
				ChoiceID:  log.StoryChoiceID,
				NodeID:    log.StoryNodeID,
			})
		}
	}

	if session.State.RunState.EndingID != nil {
		report.EndingID = *session.State.RunState.EndingID
	}
	if session.State.RunState.EndingOutcome != nil {
		report.EndingOutcome = *session.State.RunState.EndingOutcome
	}
	return report
}

// Save upserts the report; ending a session twice refreshes it.
func (r *ReplayService) Save(ctx context.Context, report *models.ReplayReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal replay report: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO replay_reports (session_id, report, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET report = $2, created_at = $3`,
		report.SessionID, raw, report.CreatedAt)
	if err != nil {
		return fmt.Errorf("save replay report: %w", err)
	}
	return nil
}

// Get loads a stored replay report.
func (r *ReplayService) Get(ctx context.Context, sessionID string) (*models.ReplayReport, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT report FROM replay_reports WHERE session_id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("replay report for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load replay report: %w", err)
	}
	var report models.ReplayReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decode replay report: %w", err)
	}
	return &report, nil
}
