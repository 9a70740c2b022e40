// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package chunker splits Markdown or plain text into bounded, overlapping
// chunks for the memory store.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultTargetSize = 800
	DefaultMaxSize    = 1200
	DefaultOverlap    = 120
)

// Options configures chunking behavior. Sizes are in bytes.
type Options struct {
	// TargetSize is the length small blocks are merged up to.
	TargetSize int

	// MaxSize bounds every returned chunk, overlap included.
	MaxSize int

	// Overlap is the length of the previous chunk's tail repeated at the
	// start of the next chunk.
	Overlap int
}

// DefaultOptions returns default chunking options.
func DefaultOptions() Options {
	return Options{
		TargetSize: DefaultTargetSize,
		MaxSize:    DefaultMaxSize,
		Overlap:    DefaultOverlap,
	}
}

// normalize fills zero values and keeps the overlap small enough that a
// chunk body still fits.
func (o Options) normalize() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.TargetSize <= 0 || o.TargetSize > o.MaxSize {
		o.TargetSize = min(DefaultTargetSize, o.MaxSize)
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap > o.MaxSize/4 {
		o.Overlap = o.MaxSize / 4
	}
	return o
}

// bodyLimit is the room left for new text once the overlap prefix is added.
func (o Options) bodyLimit() int {
	if o.Overlap == 0 {
		return o.MaxSize
	}
	return o.MaxSize - o.Overlap - 1
}

// Chunk splits text into chunks. Text that fits in MaxSize is returned as a
// single chunk. Blank input returns nil.
func Chunk(text string, opts Options) []string {
	opts = opts.normalize()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= opts.MaxSize {
		return []string{text}
	}

	limit := opts.bodyLimit()
	target := min(opts.TargetSize, limit)

	bodies := mergeBlocks(splitBlocks(text), target, limit)
	return addOverlap(bodies, opts.Overlap)
}

// splitBlocks splits text on heading lines and blank lines.
func splitBlocks(text string) []string {
	var blocks []string
	var current []string

	flush := func() {
		t := strings.TrimSpace(strings.Join(current, "\n"))
		if t != "" {
			blocks = append(blocks, t)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			flush()
		}
		if trimmed == "" {
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// mergeBlocks combines small blocks up to target and splits blocks above limit.
func mergeBlocks(blocks []string, target, limit int) []string {
	var out []string
	accum := ""

	flush := func() {
		if accum == "" {
			return
		}
		if len(accum) > limit {
			out = append(out, hardSplit(accum, target)...)
		} else {
			out = append(out, accum)
		}
		accum = ""
	}

	for _, b := range blocks {
		if accum == "" {
			accum = b
			continue
		}
		combined := accum + "\n\n" + b
		if len(combined) <= target {
			accum = combined
			continue
		}
		flush()
		accum = b
	}
	flush()
	return out
}

// hardSplit breaks text on word boundaries into pieces of at most size bytes.
// Words longer than size are cut on rune boundaries.
func hardSplit(text string, size int) []string {
	var out []string
	var b strings.Builder

	for _, word := range strings.Fields(text) {
		for len(word) > size {
			if b.Len() > 0 {
				out = append(out, b.String())
				b.Reset()
			}
			cut := runeBoundary(word, size)
			out = append(out, word[:cut])
			word = word[cut:]
		}
		if b.Len() > 0 && b.Len()+1+len(word) > size {
			out = append(out, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(word)
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

// runeBoundary returns the largest index <= n that starts a rune in s.
func runeBoundary(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	if n == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return n
}

// addOverlap prefixes every chunk after the first with the word-aligned tail
// of its predecessor.
func addOverlap(bodies []string, overlap int) []string {
	if overlap == 0 || len(bodies) < 2 {
		return bodies
	}
	out := make([]string, len(bodies))
	out[0] = bodies[0]
	for i := 1; i < len(bodies); i++ {
		tail := Tail(bodies[i-1], overlap)
		if tail == "" {
			out[i] = bodies[i]
			continue
		}
		out[i] = tail + " " + bodies[i]
	}
	return out
}

// Tail returns the last whole words of s that fit in n bytes.
func Tail(s string, n int) string {
	if len(s) <= n {
		return strings.TrimSpace(s)
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	t := s[start:]
	if i := strings.IndexAny(t, " \n\t"); i >= 0 && start > 0 && !isSpace(s[start-1]) {
		t = t[i+1:]
	}
	return strings.TrimSpace(t)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t'
}
