package pipeline

import (
	"context"

	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// Store is the transactional persistence surface the step pipeline needs.
// The SQL implementation lives in the services package; tests supply an
// in-memory one.
type Store interface {
	// RunInStepTx runs fn inside one database transaction. When fn returns
	// an error the transaction rolls back and nothing fn wrote survives.
	RunInStepTx(ctx context.Context, fn func(tx StepTx) error) error
}

// StepTx is the per-transaction handle. SessionForUpdate takes a row lock
// so two concurrent steps on one session serialize.
type StepTx interface {
	SessionForUpdate(ctx context.Context, sessionID string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
	InsertActionLog(ctx context.Context, log *models.ActionLog) error
}

// PackLoader resolves the normalized story pack pinned to a session.
type PackLoader interface {
	LoadPack(ctx context.Context, storyID, version string) (*story.Pack, error)
}

// IdempotencyStore persists the two-phase step idempotency rows. Get
// returns models.ErrNotFound when the row is absent; Insert returns
// models.ErrAlreadyExists when another writer won the race.
type IdempotencyStore interface {
	Get(ctx context.Context, sessionID, key string) (*models.IdempotencyRecord, error)
	Insert(ctx context.Context, rec *models.IdempotencyRecord) error
	Update(ctx context.Context, rec *models.IdempotencyRecord) error
}
