package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fableforge/storyrun/pkg/database"
	"github.com/fableforge/storyrun/pkg/models"
	"github.com/fableforge/storyrun/pkg/story"
)

// StoryService loads and publishes versioned story packs. Normalized packs
// are cached per (story_id, version); story rows are immutable once
// published, so the cache never invalidates.
type StoryService struct {
	db *sql.DB

	mu    sync.RWMutex
	cache map[string]*story.Pack
}

// NewStoryService creates the story service.
func NewStoryService(client *database.Client) *StoryService {
	return &StoryService{
		db:    client.DB(),
		cache: map[string]*story.Pack{},
	}
}

// Publish validates and stores a pack version, marking it published.
// Re-publishing an existing (story_id, version) is rejected.
func (s *StoryService) Publish(ctx context.Context, raw []byte) (*models.Story, error) {
	pack, err := story.ParsePack(raw)
	if err != nil {
		return nil, err
	}

	row := &models.Story{
		StoryID:     pack.StoryID,
		Version:     pack.Version,
		IsPublished: true,
		PackJSON:    raw,
		CreatedAt:   time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stories (story_id, version, is_published, pack_json, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		row.StoryID, row.Version, row.IsPublished, row.PackJSON, row.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("story %s@%s: %w", row.StoryID, row.Version, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("insert story: %w", err)
	}

	s.mu.Lock()
	s.cache[cacheKey(row.StoryID, row.Version)] = pack
	s.mu.Unlock()

	slog.Info("Story pack published", "story_id", row.StoryID, "version", row.Version)
	return row, nil
}

// ResolveVersion returns the version to pin for a new session: the given
// version verbatim, or the latest published version when empty.
func (s *StoryService) ResolveVersion(ctx context.Context, storyID, version string) (string, error) {
	if version != "" {
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT TRUE FROM stories WHERE story_id = $1 AND version = $2`,
			storyID, version).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("story %s@%s: %w", storyID, version, ErrNotFound)
		}
		if err != nil {
			return "", fmt.Errorf("resolve story version: %w", err)
		}
		return version, nil
	}

	var latest string
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM stories
		WHERE story_id = $1 AND is_published
		ORDER BY created_at DESC
		LIMIT 1`, storyID).Scan(&latest)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("story %s: %w", storyID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("resolve latest story version: %w", err)
	}
	return latest, nil
}

// LoadPack returns the normalized pack for (story_id, version), consulting
// the cache first. Implements the pipeline's PackLoader.
func (s *StoryService) LoadPack(ctx context.Context, storyID, version string) (*story.Pack, error) {
	key := cacheKey(storyID, version)
	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT pack_json FROM stories WHERE story_id = $1 AND version = $2`,
		storyID, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %s@%s: %w", storyID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load story pack: %w", err)
	}

	pack, err := story.ParsePack(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = pack
	s.mu.Unlock()
	return pack, nil
}

// Get returns the story row without its pack payload.
func (s *StoryService) Get(ctx context.Context, storyID, version string) (*models.Story, error) {
	var row models.Story
	err := s.db.QueryRowContext(ctx, `
		SELECT story_id, version, is_published, created_at
		FROM stories WHERE story_id = $1 AND version = $2`,
		storyID, version).Scan(&row.StoryID, &row.Version, &row.IsPublished, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("story %s@%s: %w", storyID, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load story: %w", err)
	}
	return &row, nil
}

func cacheKey(storyID, version string) string {
	return storyID + "@" + version
}
