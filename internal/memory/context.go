// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pdiddy/book-engine/pkg/types"
)

// minExcerpt is the smallest remainder worth filling with a partial chunk.
const minExcerpt = 100

// Window is a bounded context window assembled from retrieval results.
type Window struct {
	Text string

	// Sources lists the source refs used, most relevant first, without duplicates.
	Sources []string

	// Used is the number of characters of chunk text packed.
	Used int
}

// PackContext greedily packs results, most relevant first, into budget
// characters. The first result that does not fit is excerpted when enough
// room remains; packing stops there.
func PackContext(results []types.RetrievalResult, budget int) Window {
	var (
		w    Window
		b    strings.Builder
		seen = map[string]bool{}
	)
	if budget <= 0 {
		return w
	}

	add := func(r types.RetrievalResult, text string) {
		fmt.Fprintf(&b, "[%s]\n%s\n\n", r.SourceRef, text)
		w.Used += len(text)
		if !seen[r.SourceRef] {
			seen[r.SourceRef] = true
			w.Sources = append(w.Sources, r.SourceRef)
		}
	}

	for _, r := range results {
		remaining := budget - w.Used
		if len(r.Text) <= remaining {
			add(r, r.Text)
			continue
		}
		if remaining >= minExcerpt {
			add(r, excerpt(r.Text, remaining))
		}
		break
	}

	w.Text = strings.TrimSpace(b.String())
	return w
}

// excerpt cuts text to at most n bytes on a word boundary, never inside a
// rune, and marks the cut.
func excerpt(text string, n int) string {
	const marker = "..."
	if n <= len(marker) {
		return ""
	}
	end := n - len(marker)
	for end > 0 && end < len(text) && !utf8.RuneStart(text[end]) {
		end--
	}
	cut := text[:min(end, len(text))]
	if i := strings.LastIndexAny(cut, " \n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + marker
}
