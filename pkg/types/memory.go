// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// MemoryChunk is a bounded span of text stored with its embedding.
// Chunks are immutable once written.
type MemoryChunk struct {
	// ID is a ULID assigned at ingest time.
	ID string `json:"id" yaml:"id"`

	// Text is the chunk content.
	Text string `json:"text" yaml:"text"`

	// Embedding is the vector used for similarity search.
	Embedding []float32 `json:"embedding,omitempty" yaml:"embedding,omitempty"`

	// SourceRef identifies the document or chapter the chunk came from
	// (e.g. "chapter:03:the-long-dark", "file:notes/worldbuilding.md").
	SourceRef string `json:"source_ref" yaml:"source_ref"`

	// ChapterIndex is the chapter the chunk belongs to; imported documents use 0.
	ChapterIndex int `json:"chapter_index" yaml:"chapter_index"`

	// Seq is the insertion order within the store.
	Seq int64 `json:"seq" yaml:"seq"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// RetrievalResult is one ranked answer to a similarity query.
type RetrievalResult struct {
	ChunkID      string  `json:"chunk_id" yaml:"chunk_id"`
	Text         string  `json:"text" yaml:"text"`
	Score        float64 `json:"similarity_score" yaml:"similarity_score"`
	SourceRef    string  `json:"source_ref" yaml:"source_ref"`
	ChapterIndex int     `json:"chapter_index" yaml:"chapter_index"`
}

// Document is one parsed unit of an imported file.
type Document struct {
	Text string `json:"text" yaml:"text"`

	// Metadata carries at least "source"; "heading" and "page" when known.
	Metadata map[string]string `json:"metadata" yaml:"metadata"`
}
