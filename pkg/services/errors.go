// Package services implements the persistence-backed operations: stories,
// sessions, snapshots, idempotency records and replay reports.
package services

import (
	"errors"
	"fmt"

	"github.com/fableforge/storyrun/pkg/models"
)

// Sentinel errors shared by all services. The canonical values live in the
// models package so the pipeline can match them without importing this one.
var (
	ErrNotFound      = models.ErrNotFound
	ErrAlreadyExists = models.ErrAlreadyExists
)

// ValidationError reports invalid caller input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
