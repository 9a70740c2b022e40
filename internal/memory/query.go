// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/pdiddy/book-engine/internal/embedding"
	"github.com/pdiddy/book-engine/pkg/types"
)

// ErrInvalidFilter reports a filter expression that does not compile.
var ErrInvalidFilter = errors.New("invalid filter")

// Filter restricts which chunks a query considers. Nil fields do not filter.
type Filter struct {
	MinChapter *int
	MaxChapter *int

	// SourcePrefix keeps chunks whose source_ref starts with the prefix.
	SourcePrefix string

	// Expr is a CEL boolean expression over chapter_index, source_ref and text,
	// e.g. `chapter_index >= 2 && !source_ref.startsWith("file:")`.
	Expr string
}

// Before returns a filter for chunks from chapters strictly before index.
// Imported documents (chapter 0) are included.
func Before(index int) *Filter {
	limit := index - 1
	return &Filter{MaxChapter: &limit}
}

// Query embeds text and returns up to topK chunks ranked by descending
// cosine similarity. Ties go to the higher chapter index, then to the more
// recently ingested chunk. An empty store yields an empty slice.
func (s *Store) Query(ctx context.Context, text string, topK int, filter *Filter) ([]types.RetrievalResult, error) {
	results := []types.RetrievalResult{}
	if topK <= 0 {
		return results, nil
	}

	var pred *compiledFilter
	if filter != nil && strings.TrimSpace(filter.Expr) != "" {
		var err error
		if pred, err = s.compile(filter.Expr); err != nil {
			return nil, err
		}
	}

	q, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	sqlText, args := buildQuery(filter)

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying chunks: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	type scored struct {
		types.RetrievalResult
		seq int64
	}
	var candidates []scored

	for rows.Next() {
		var (
			c    scored
			blob []byte
		)
		if err := rows.Scan(&c.seq, &c.ChunkID, &c.Text, &blob, &c.SourceRef, &c.ChapterIndex); err != nil {
			return nil, fmt.Errorf("%w: scanning chunk: %v", ErrStoreUnavailable, err)
		}
		if pred != nil {
			ok, err := pred.match(c.ChapterIndex, c.SourceRef, c.Text)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		c.Score = embedding.CosineSimilarity(q, decodeVector(blob))
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating chunks: %v", ErrStoreUnavailable, err)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.ChapterIndex != b.ChapterIndex {
			return a.ChapterIndex > b.ChapterIndex
		}
		return a.seq > b.seq
	})

	for i := 0; i < len(candidates) && i < topK; i++ {
		results = append(results, candidates[i].RetrievalResult)
	}
	return results, nil
}

func buildQuery(f *Filter) (string, []any) {
	var (
		qb   strings.Builder
		args []any
	)
	qb.WriteString(`SELECT seq, id, text, embedding, source_ref, chapter_index FROM chunks WHERE 1=1`)
	if f == nil {
		return qb.String(), nil
	}
	if f.MinChapter != nil {
		qb.WriteString(` AND chapter_index >= ?`)
		args = append(args, *f.MinChapter)
	}
	if f.MaxChapter != nil {
		qb.WriteString(` AND chapter_index <= ?`)
		args = append(args, *f.MaxChapter)
	}
	if f.SourcePrefix != "" {
		qb.WriteString(` AND substr(source_ref, 1, ?) = ?`)
		args = append(args, len(f.SourcePrefix), f.SourcePrefix)
	}
	return qb.String(), args
}

// compiledFilter is a CEL program evaluated per candidate chunk.
type compiledFilter struct {
	expr string
	prg  cel.Program
}

// compile builds and caches the CEL program for expr.
func (s *Store) compile(expr string) (*compiledFilter, error) {
	if cached, ok := s.filters.Load(expr); ok {
		return cached.(*compiledFilter), nil
	}

	env, err := cel.NewEnv(
		cel.Variable("chapter_index", cel.IntType),
		cel.Variable("source_ref", cel.StringType),
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("creating filter environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, expr, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidFilter, expr, err)
	}

	cf := &compiledFilter{expr: expr, prg: prg}
	s.filters.Store(expr, cf)
	return cf, nil
}

func (f *compiledFilter) match(chapterIndex int, sourceRef, text string) (bool, error) {
	out, _, err := f.prg.Eval(map[string]any{
		"chapter_index": int64(chapterIndex),
		"source_ref":    sourceRef,
		"text":          text,
	})
	if err != nil {
		return false, fmt.Errorf("%w: evaluating %q: %v", ErrInvalidFilter, f.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q does not evaluate to a bool", ErrInvalidFilter, f.expr)
	}
	return b, nil
}
