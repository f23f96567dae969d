// Package statestore persists runtime state snapshots so a runtime can be
// restored after a restart.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a checkpoint doesn't exist.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("state store is closed")
	// ErrInvalidName is returned for checkpoint names that are empty or
	// contain a path separator or traversal sequence.
	ErrInvalidName = errors.New("invalid checkpoint name")
)

// Checkpoint is a named snapshot of a runtime's agent states, keyed by
// AgentID string.
type Checkpoint struct {
	Name      string                     `json:"name"`
	CreatedAt time.Time                  `json:"created_at"`
	State     map[string]json.RawMessage `json:"state"`
}

// Store persists checkpoints. Implementations must be safe for concurrent use.
type Store interface {
	// Save creates or replaces the checkpoint with cp.Name.
	Save(ctx context.Context, cp *Checkpoint) error

	// Load returns the checkpoint called name, or ErrNotFound.
	Load(ctx context.Context, name string) (*Checkpoint, error)

	// Delete removes a checkpoint. Deleting a missing one is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names of stored checkpoints, sorted.
	List(ctx context.Context) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// ValidateName checks that name is usable as a checkpoint name in every
// backend.
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return ErrInvalidName
	}
	return nil
}

func validateCheckpoint(cp *Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	return ValidateName(cp.Name)
}
