// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package tools

import (
	"context"

	"github.com/pdiddy/book-engine/internal/memory"
	"github.com/pdiddy/book-engine/pkg/types"
)

const defaultMemoryLimit = 5

// Searcher is the part of the memory store the tool needs.
type Searcher interface {
	Query(ctx context.Context, text string, topK int, filter *memory.Filter) ([]types.RetrievalResult, error)
}

// MemorySearch looks up earlier chapters and ingested sources.
type MemorySearch struct {
	store Searcher
}

// NewMemorySearch creates the memory_search tool.
func NewMemorySearch(store Searcher) *MemorySearch {
	return &MemorySearch{store: store}
}

func (m *MemorySearch) Name() string { return "memory_search" }

func (m *MemorySearch) Description() string {
	return "Search earlier chapters and reference material of this book."
}

func (m *MemorySearch) Run(ctx context.Context, req Request) ([]Item, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	results, err := m.store.Query(ctx, req.Query, limit, memory.Before(req.ChapterIndex))
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(results))
	for _, r := range results {
		items = append(items, Item{Text: r.Text, Source: r.SourceRef})
	}
	return items, nil
}
