// Package store persists experiment checkpoints. A checkpoint is a versioned
// Envelope addressed by a key; backends decide what a key means (a relative
// file path for FSStore, a row key for GormStore).
package store

import (
	"context"
	"errors"
)

// Store defines checkpoint persistence. Implementations must be safe for
// concurrent use.
//
// Error handling conventions:
//   - Return ErrNotFound (matchable with errors.Is) when a key doesn't exist
//   - Return ErrCorruptCheckpoint or ErrUnsupportedVersion when stored bytes
//     cannot be decoded
//   - Wrap everything else with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveCheckpoint writes env under key, replacing any existing checkpoint.
	// A reader never observes a partially written checkpoint.
	SaveCheckpoint(ctx context.Context, key string, env *Envelope) error

	// LoadCheckpoint reads and decodes the checkpoint stored under key.
	LoadCheckpoint(ctx context.Context, key string) (*Envelope, error)

	// ListCheckpoints returns metadata for every readable checkpoint,
	// ordered by key.
	ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint stored under key.
	DeleteCheckpoint(ctx context.Context, key string) error
}

// ErrInvalidKey is returned for keys a backend cannot address, such as an
// empty key or a path outside an FSStore's base directory.
var ErrInvalidKey = errors.New("invalid checkpoint key")

// ErrNotFound is returned when a requested checkpoint does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	if e.Key != "" {
		return "checkpoint not found: " + e.Key
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
