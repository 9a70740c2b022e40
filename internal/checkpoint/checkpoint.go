// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package checkpoint persists BookBuildState so an interrupted build can
// resume from its last terminal chapter.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pdiddy/book-engine/pkg/types"
)

var (
	// ErrNotFound is returned by Load for unknown book IDs.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrInvalidID is returned for book IDs that cannot name a file.
	ErrInvalidID = errors.New("invalid book id")
)

// Store saves and loads build states by book ID.
type Store interface {
	Save(ctx context.Context, bookID string, state *types.BookBuildState) error
	Load(ctx context.Context, bookID string) (*types.BookBuildState, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// New creates the store selected by cfg.Backend.
func New(ctx context.Context, cfg types.CheckpointConfig) (Store, error) {
	switch cfg.Backend {
	case types.CheckpointFile, "":
		return NewFileStore(cfg.Dir)
	case types.CheckpointRedis:
		return NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Backend)
	}
}

// ValidID rejects book IDs that are empty or could escape the directory
// they are joined to.
func ValidID(bookID string) error {
	if strings.TrimSpace(bookID) == "" || strings.ContainsAny(bookID, `/\`+"\x00") || strings.Contains(bookID, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, bookID)
	}
	return nil
}
