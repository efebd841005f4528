package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/fableforge/storyrun/pkg/models"
)

// RequestHash is the canonical hash of a step request body, used to detect
// idempotency-key reuse with a different payload.
func RequestHash(choiceID, playerInput string) string {
	canonical, _ := json.Marshal(struct {
		ChoiceID    string `json:"choice_id"`
		PlayerInput string `json:"player_input"`
	}{ChoiceID: choiceID, PlayerInput: playerInput})
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// beginIdempotent claims the (session_id, key) row before the pipeline
// runs. It returns a stored response for a completed duplicate, a StepError
// for key conflicts, or neither when the caller should proceed.
func (e *Engine) beginIdempotent(ctx context.Context, sessionID, key, hash string) (*models.StepResponse, *StepError) {
	for attempt := 0; attempt < 2; attempt++ {
		rec, err := e.idem.Get(ctx, sessionID, key)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return nil, Internal(err)
		}

		if rec == nil || errors.Is(err, models.ErrNotFound) {
			fresh := &models.IdempotencyRecord{
				SessionID:      sessionID,
				IdempotencyKey: key,
				RequestHash:    hash,
				Status:         models.IdempotencyInProgress,
				CreatedAt:      time.Now(),
				UpdatedAt:      time.Now(),
				ExpiresAt:      time.Now().Add(e.cfg.StepIdempotencyTTL),
			}
			if err := e.idem.Insert(ctx, fresh); err != nil {
				if errors.Is(err, models.ErrAlreadyExists) {
					continue // lost the race, re-read once
				}
				return nil, Internal(err)
			}
			return nil, nil
		}

		if rec.RequestHash != hash {
			return nil, NewStepError(http.StatusConflict, CodeIdempotencyReused,
				"idempotency key was already used with a different request")
		}

		switch rec.Status {
		case models.IdempotencySucceeded:
			var resp models.StepResponse
			if err := json.Unmarshal(rec.ResponseJSON, &resp); err != nil {
				return nil, Internal(err)
			}
			return &resp, nil
		case models.IdempotencyInProgress:
			if time.Since(rec.UpdatedAt) < e.cfg.StepIdempotencyInProgressStale {
				return nil, NewStepError(http.StatusConflict, CodeRequestInProgress,
					"a step with this idempotency key is already running")
			}
			// Stale claim from a crashed worker: take it over.
			fallthrough
		case models.IdempotencyFailed:
			rec.Status = models.IdempotencyInProgress
			rec.UpdatedAt = time.Now()
			rec.ExpiresAt = time.Now().Add(e.cfg.StepIdempotencyTTL)
			rec.ErrorCode = ""
			if err := e.idem.Update(ctx, rec); err != nil {
				return nil, Internal(err)
			}
			return nil, nil
		default:
			return nil, Internal(errors.New("unknown idempotency status " + string(rec.Status)))
		}
	}
	return nil, NewStepError(http.StatusConflict, CodeRequestInProgress,
		"a step with this idempotency key is already running")
}

// finishIdempotent records the pipeline outcome on the claimed row. This
// write is outside the step transaction on purpose: a failed step must
// still flip the row to failed.
func (e *Engine) finishIdempotent(ctx context.Context, sessionID, key string, resp *models.StepResponse, stepErr *StepError) {
	rec, err := e.idem.Get(ctx, sessionID, key)
	if err != nil || rec == nil {
		slog.Error("Idempotency row vanished before completion",
			"session_id", sessionID, "error", err)
		return
	}
	rec.UpdatedAt = time.Now()
	if stepErr != nil {
		rec.Status = models.IdempotencyFailed
		rec.ErrorCode = stepErr.Code
	} else {
		raw, merr := json.Marshal(resp)
		if merr != nil {
			slog.Error("Marshal step response for idempotency", "error", merr)
			rec.Status = models.IdempotencyFailed
			rec.ErrorCode = CodeInternalError
		} else {
			rec.Status = models.IdempotencySucceeded
			rec.ResponseJSON = raw
		}
	}
	if err := e.idem.Update(ctx, rec); err != nil {
		slog.Error("Persist idempotency outcome failed",
			"session_id", sessionID, "status", string(rec.Status), "error", err)
	}
}
