package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FSStore implements Store on the filesystem. Keys are slash-separated paths
// relative to the base directory, e.g. "demo.json" or "nightly/demo.json".
// Keys that would escape the base directory are rejected.
//
// Thread-safety: writes go through a unique temp file and an atomic rename,
// so no locks are needed.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a new filesystem-based store.
// The baseDir will be created if it doesn't exist.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string { return fs.baseDir }

// path resolves key inside the base directory.
func (fs *FSStore) path(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q must be a relative path inside the store", ErrInvalidKey, key)
	}
	return filepath.Join(fs.baseDir, rel), nil
}

// SaveCheckpoint atomically saves env under key.
// Uses temp file + rename pattern to ensure atomicity.
func (fs *FSStore) SaveCheckpoint(ctx context.Context, key string, env *Envelope) error {
	finalPath, err := fs.path(key)
	if err != nil {
		return err
	}
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), filepath.Base(finalPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tempPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "key", key, "path", finalPath, "bytes", len(data))
	return nil
}

// LoadCheckpoint reads the checkpoint stored under key.
func (fs *FSStore) LoadCheckpoint(ctx context.Context, key string) (*Envelope, error) {
	path, err := fs.path(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &NotFoundError{Key: key}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	env, err := Decode(data)
	if err != nil {
		return nil, err
	}

	slog.Debug("Checkpoint loaded", "key", key, "path", path)
	return env, nil
}

// ListCheckpoints returns metadata for every decodable *.json file under the
// base directory. Unreadable files are logged and skipped.
func (fs *FSStore) ListCheckpoints(ctx context.Context) ([]CheckpointInfo, error) {
	infos := []CheckpointInfo{}

	err := filepath.WalkDir(fs.baseDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		rel, err := filepath.Rel(fs.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("Failed to read checkpoint for listing", "key", key, "error", err)
			return nil
		}
		env, err := Decode(data)
		if err != nil {
			slog.Warn("Failed to decode checkpoint for listing", "key", key, "error", err)
			return nil
		}

		info := env.ToInfo(key)
		info.Size = int64(len(data))
		infos = append(infos, info)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to scan checkpoint directory: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the checkpoint file stored under key.
func (fs *FSStore) DeleteCheckpoint(ctx context.Context, key string) error {
	path, err := fs.path(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(path); errors.Is(err, os.ErrNotExist) {
		return &NotFoundError{Key: key}
	} else if err != nil {
		return fmt.Errorf("failed to remove checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint deleted", "key", key, "path", path)
	return nil
}
