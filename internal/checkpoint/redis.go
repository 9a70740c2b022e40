// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdiddy/book-engine/pkg/types"
)

// RedisStore keeps each state as a JSON string and the book IDs in a set.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to url and checks the connection.
func NewRedisStore(ctx context.Context, url, prefix string) (*RedisStore, error) {
	if url == "" {
		url = "redis://localhost:6379"
	}
	if prefix == "" {
		prefix = "book-engine:"
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing Redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) key(bookID string) string { return s.prefix + "book:" + bookID }
func (s *RedisStore) indexKey() string         { return s.prefix + "books" }

// Save writes the state and indexes its ID in one transaction.
func (s *RedisStore) Save(ctx context.Context, bookID string, state *types.BookBuildState) error {
	if err := ValidID(bookID); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state %s: %w", bookID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(bookID), data, 0)
		p.SAdd(ctx, s.indexKey(), bookID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", bookID, err)
	}
	return nil
}

// Load reads the state of bookID.
func (s *RedisStore) Load(ctx context.Context, bookID string) (*types.BookBuildState, error) {
	if err := ValidID(bookID); err != nil {
		return nil, err
	}
	data, err := s.client.Get(ctx, s.key(bookID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, bookID)
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", bookID, err)
	}
	var state types.BookBuildState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing checkpoint %s: %w", bookID, err)
	}
	return &state, nil
}

// List returns the indexed book IDs, sorted.
func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
