package models

import "errors"

// Storage sentinel errors shared by the services and pipeline layers.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)
