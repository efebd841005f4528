package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/pipeline"
)

// IdempotencyService persists the two-phase step idempotency rows.
type IdempotencyService struct {
	db *sql.DB
}

// NewIdempotencyService creates the idempotency service.
func NewIdempotencyService(client *database.Client) *IdempotencyService {
	return &IdempotencyService{db: client.DB()}
}

var _ pipeline.IdempotencyStore = (*IdempotencyService)(nil)

// Get implements pipeline.IdempotencyStore.
func (s *IdempotencyService) Get(ctx context.Context, sessionID, key string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, idempotency_key, request_hash, status, response_json,
		       error_code, created_at, updated_at, expires_at
		FROM session_step_idempotency
		WHERE session_id = $1 AND idempotency_key = $2`,
		sessionID, key).Scan(
		&rec.SessionID, &rec.IdempotencyKey, &rec.RequestHash, &status,
		&rec.ResponseJSON, &rec.ErrorCode, &rec.CreatedAt, &rec.UpdatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load idempotency record: %w", err)
	}
	rec.Status = models.IdempotencyStatus(status)
	return &rec, nil
}

// Insert implements pipeline.IdempotencyStore. A concurrent duplicate
// surfaces as models.ErrAlreadyExists via the primary key.
func (s *IdempotencyService) Insert(ctx context.Context, rec *models.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_step_idempotency
			(session_id, idempotency_key, request_hash, status, response_json,
			 error_code, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.SessionID, rec.IdempotencyKey, rec.RequestHash, string(rec.Status),
		rec.ResponseJSON, rec.ErrorCode, rec.CreatedAt, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrAlreadyExists
		}
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// Update implements pipeline.IdempotencyStore.
func (s *IdempotencyService) Update(ctx context.Context, rec *models.IdempotencyRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE session_step_idempotency
		SET request_hash = $3, status = $4, response_json = $5, error_code = $6,
		    updated_at = $7, expires_at = $8
		WHERE session_id = $1 AND idempotency_key = $2`,
		rec.SessionID, rec.IdempotencyKey, rec.RequestHash, string(rec.Status),
		rec.ResponseJSON, rec.ErrorCode, rec.UpdatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update idempotency record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteExpired removes rows past their TTL. Safe to run from multiple
// pods.
func (s *IdempotencyService) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_step_idempotency WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Sweeper periodically purges expired idempotency rows so the table does
// not grow without bound.
type Sweeper struct {
	service  *IdempotencyService
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates the sweeper.
func NewSweeper(service *IdempotencyService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{service: service, interval: interval}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Idempotency sweeper started", "interval", s.interval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Idempotency sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.service.DeleteExpired(ctx)
	if err != nil {
		slog.Error("Idempotency sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Idempotency sweep removed expired rows", "count", n)
	}
}
