// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/book-engine/pkg/types"
)

const stateExt = ".yaml"

// FileStore keeps one YAML file per book in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "books/checkpoints"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(bookID string) string {
	return filepath.Join(s.dir, bookID+stateExt)
}

// Save writes the state to a temporary file and renames it into place, so
// a crash never leaves a truncated checkpoint.
func (s *FileStore) Save(_ context.Context, bookID string, state *types.BookBuildState) error {
	if err := ValidID(bookID); err != nil {
		return err
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state %s: %w", bookID, err)
	}

	tmp, err := os.CreateTemp(s.dir, bookID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint %s: %w", bookID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint %s: %w", bookID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(bookID)); err != nil {
		return fmt.Errorf("replacing checkpoint %s: %w", bookID, err)
	}
	return nil
}

// Load reads the state of bookID.
func (s *FileStore) Load(_ context.Context, bookID string) (*types.BookBuildState, error) {
	if err := ValidID(bookID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(bookID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", bookID, err)
	}
	var state types.BookBuildState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", bookID, err)
	}
	return &state, nil
}

// List returns the stored book IDs, sorted.
func (s *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), stateExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), stateExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Close() error { return nil }
