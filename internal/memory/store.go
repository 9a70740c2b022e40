// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package memory persists text chunks with embeddings and answers
// similarity queries. Chunks are append-only: rows are inserted once and
// only removed by Clear.
package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/book-engine/internal/chunker"
	"github.com/pdiddy/book-engine/internal/embedding"
	"github.com/pdiddy/book-engine/pkg/types"
)

var (
	// ErrIngest reports input that cannot be ingested.
	ErrIngest = errors.New("ingest error")

	// ErrStoreUnavailable reports a database failure. Builds abort on it.
	ErrStoreUnavailable = errors.New("memory store unavailable")
)

// Store is a SQLite-backed vector store. Reads run concurrently; writes
// are serialized.
type Store struct {
	mu sync.RWMutex

	db          *sql.DB
	embedder    embedding.Embedder
	chunking    chunker.Options
	concurrency int
	entropy     io.Reader
	logger      *log.Logger

	filters sync.Map // expression -> *compiledFilter
}

// Open opens or creates the store at cfg.Path and creates the schema if
// it does not exist.
func Open(cfg types.MemoryConfig, embedder embedding.Embedder, logger *log.Logger) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory store requires an embedder")
	}
	if logger == nil {
		logger = log.Default()
	}
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating memory directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %v", ErrStoreUnavailable, err)
	}

	concurrency := cfg.EmbedConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		chunking: chunker.Options{
			TargetSize: cfg.ChunkTargetSize,
			MaxSize:    cfg.ChunkMaxSize,
			Overlap:    cfg.ChunkOverlap,
		},
		concurrency: concurrency,
		entropy:     ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		logger:      logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating schema: %v", ErrStoreUnavailable, err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			embedding BLOB NOT NULL,
			source_ref TEXT NOT NULL,
			chapter_index INTEGER NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source_ref)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_chapter ON chunks(chapter_index)`,
		`CREATE TRIGGER IF NOT EXISTS chunks_append_only BEFORE UPDATE ON chunks BEGIN
			SELECT RAISE(ABORT, 'chunks are append-only');
		END`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// Ingest splits text into chunks, embeds them, and stores them. It returns
// the id of the first chunk.
func (s *Store) Ingest(ctx context.Context, text, sourceRef string, chapterIndex int) (string, error) {
	ids, err := s.IngestChunks(ctx, text, sourceRef, chapterIndex)
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// IngestChunks is Ingest returning the id of every stored chunk, in order.
// Embeddings are computed concurrently before the write lock is taken.
func (s *Store) IngestChunks(ctx context.Context, text, sourceRef string, chapterIndex int) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", ErrIngest)
	}
	if strings.TrimSpace(sourceRef) == "" {
		return nil, fmt.Errorf("%w: missing source_ref", ErrIngest)
	}

	pieces := chunker.Chunk(text, s.chunking)
	vectors := make([]embedding.Vector, len(pieces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range pieces {
		g.Go(func() error {
			v, err := s.embedder.Embed(gctx, p)
			if err != nil {
				return fmt.Errorf("embedding chunk %d of %s: %w", i, sourceRef, err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.insert(ctx, pieces, vectors, sourceRef, chapterIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.logger.Debug("ingested", "source", sourceRef, "chapter", chapterIndex, "chunks", len(ids))
	return ids, nil
}

// insert writes all chunks of one ingest in a single transaction. The
// caller holds the write lock.
func (s *Store) insert(ctx context.Context, pieces []string, vectors []embedding.Vector, sourceRef string, chapterIndex int) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, text, embedding, source_ref, chapter_index, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	ids := make([]string, len(pieces))
	for i, p := range pieces {
		ids[i] = ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
		if _, err := stmt.ExecContext(ctx,
			ids[i], p, encodeVector(vectors[i]), sourceRef, chapterIndex, now.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("inserting chunk %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing: %w", err)
	}
	return ids, nil
}

// IngestDocuments ingests parsed documents as chapter-0 reference material.
// Metadata "source" becomes the source ref; "chapter" overrides the index.
func (s *Store) IngestDocuments(ctx context.Context, docs []types.Document) (int, error) {
	n := 0
	for i, d := range docs {
		ref := d.Metadata["source"]
		if ref == "" {
			ref = fmt.Sprintf("document:%d", i)
		}
		if h := d.Metadata["heading"]; h != "" {
			ref += "#" + types.Slug(h)
		}
		chapter := 0
		if c, err := strconv.Atoi(d.Metadata["chapter"]); err == nil {
			chapter = c
		}
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		ids, err := s.IngestChunks(ctx, d.Text, ref, chapter)
		if err != nil {
			return n, err
		}
		n += len(ids)
	}
	return n, nil
}

// Size returns the number of stored chunks.
func (s *Store) Size(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: counting chunks: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Clear removes every chunk. It is the only operation that deletes rows.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks`); err != nil {
		return fmt.Errorf("%w: clearing chunks: %v", ErrStoreUnavailable, err)
	}
	s.logger.Info("memory store cleared")
	return nil
}

// HasSource reports whether any chunk was ingested with sourceRef.
func (s *Store) HasSource(ctx context.Context, sourceRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM chunks WHERE source_ref = ?`, sourceRef,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: looking up source: %v", ErrStoreUnavailable, err)
	}
	return n > 0, nil
}

// Get returns one chunk by id.
func (s *Store) Get(ctx context.Context, id string) (types.MemoryChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		c       types.MemoryChunk
		blob    []byte
		created string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, id, text, embedding, source_ref, chapter_index, created_at FROM chunks WHERE id = ?`, id,
	).Scan(&c.Seq, &c.ID, &c.Text, &blob, &c.SourceRef, &c.ChapterIndex, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MemoryChunk{}, fmt.Errorf("chunk %s not found", id)
	}
	if err != nil {
		return types.MemoryChunk{}, fmt.Errorf("%w: reading chunk: %v", ErrStoreUnavailable, err)
	}
	c.Embedding = decodeVector(blob)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return c, nil
}

func encodeVector(v embedding.Vector) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte) embedding.Vector {
	v := make(embedding.Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
