// Package upload keeps submitted documents in a scoped directory for the
// lifetime of their task. The janitor sink deletes a task's blob once the
// task reaches a terminal state, so the area stays temporary.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgelab/agentforge/internal/task"
	"go.uber.org/zap"
)

// ErrTooLarge is returned when a document exceeds the configured size limit.
var ErrTooLarge = fmt.Errorf("document exceeds size limit")

// Store writes and removes task documents under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates the directory if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Dir returns the scoped directory.
func (s *Store) Dir() string { return s.dir }

// Save streams a document to disk under a task-scoped name and enforces the
// size limit while writing. limit <= 0 means unlimited.
func (s *Store) Save(taskID, filename string, r io.Reader, limit int64) (string, int64, error) {
	name := taskID + "_" + sanitize(filepath.Base(filename))
	path := filepath.Join(s.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("upload: create file: %w", err)
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("upload: write file: %w", err)
	}
	if limit > 0 && n > limit {
		os.Remove(path)
		return "", 0, ErrTooLarge
	}

	s.logger.Debug("document stored",
		zap.String("task", taskID),
		zap.String("path", path),
		zap.Int64("bytes", n))
	return path, n, nil
}

// Remove deletes a stored document. Paths outside the scoped directory are
// refused; a missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("upload: path %s outside store", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("upload: remove file: %w", err)
	}
	return nil
}

// sanitize keeps filenames shell- and path-safe.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" || strings.Trim(out, "._") == "" {
		return "document"
	}
	return out
}

// Janitor is a status sink that removes a task's document when the task
// reaches a terminal state.
type Janitor struct {
	store  *Store
	logger *zap.Logger
}

// NewJanitor creates the cleanup sink.
func NewJanitor(store *Store, logger *zap.Logger) *Janitor {
	return &Janitor{store: store, logger: logger}
}

func (j *Janitor) Name() string { return "upload-janitor" }

// OnTransition ignores everything except terminal transitions.
func (j *Janitor) OnTransition(ctx context.Context, v task.View) error {
	if !v.Status.Terminal() || v.DocumentPath == "" {
		return nil
	}
	if err := j.store.Remove(v.DocumentPath); err != nil {
		return err
	}
	j.logger.Debug("document cleaned up",
		zap.String("task", v.TaskID),
		zap.String("path", v.DocumentPath))
	return nil
}
