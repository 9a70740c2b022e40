// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/pdiddy/book-engine/internal/agent"
	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/pkg/types"
)

// outlineDoc is the JSON form requested from the outline role.
type outlineDoc struct {
	Chapters []types.OutlineEntry `json:"chapters"`
}

// numberedLine matches "1. Title - theme", "2) Title: theme", "Chapter 3: Title".
var numberedLine = regexp.MustCompile(`(?i)^\s*(?:chapter\s+)?\d+\s*[.):]\s*(.+)$`)

// parseOutline accepts the requested JSON or, failing that, a numbered list.
func parseOutline(text string) ([]types.OutlineEntry, error) {
	if doc, err := agent.ParseJSON[outlineDoc](text); err == nil && len(doc.Chapters) > 0 {
		return trimEntries(doc.Chapters), nil
	}

	var entries []types.OutlineEntry
	for _, line := range strings.Split(text, "\n") {
		m := numberedLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := strings.Trim(strings.TrimSpace(m[1]), "*_")
		entry := types.OutlineEntry{Title: body}
		for _, sep := range []string{" - ", ": ", " | "} {
			if title, theme, ok := strings.Cut(body, sep); ok {
				entry = types.OutlineEntry{Title: title, Theme: theme}
				break
			}
		}
		entries = append(entries, entry)
	}
	if len(entries) == 0 {
		return nil, errors.New("no chapters found in outline")
	}
	return trimEntries(entries), nil
}

func trimEntries(entries []types.OutlineEntry) []types.OutlineEntry {
	for i := range entries {
		entries[i].Title = strings.Trim(strings.TrimSpace(entries[i].Title), "*_\"")
		entries[i].Theme = strings.TrimSpace(entries[i].Theme)
	}
	return entries
}

func validateOutline(entries []types.OutlineEntry, want int) error {
	if len(entries) != want {
		return fmt.Errorf("outline has %d chapters, want %d", len(entries), want)
	}
	for i, e := range entries {
		if e.Title == "" {
			return fmt.Errorf("chapter %d has no title", i+1)
		}
	}
	return nil
}

// generateOutline asks the outline role for the chapter list, retrying
// unusable answers up to OutlineRetries times.
func (e *Engine) generateOutline(ctx context.Context, b *build) ([]types.OutlineEntry, error) {
	b.mu.Lock()
	pc := prompt.Context{
		BookTitle:    b.state.Title,
		BookTheme:    b.state.Theme,
		ChapterCount: b.state.ChapterCount,
		TargetWords:  b.state.TargetTotalWords,
	}
	b.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.OutlineRetries; attempt++ {
		if attempt > 1 {
			pc.Instructions = []string{fmt.Sprintf("The previous outline was unusable (%v). Return exactly %d chapters.", lastErr, pc.ChapterCount)}
		}
		out, err := e.deps.Agent.Run(ctx, types.RoleOutline, pc)
		if err == nil {
			var entries []types.OutlineEntry
			entries, err = parseOutline(out.Text)
			if err == nil {
				err = validateOutline(entries, pc.ChapterCount)
			}
			if err == nil {
				return entries, nil
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		b.emit(types.Event{
			Kind:    types.EventRetry,
			Role:    types.RoleOutline,
			Attempt: attempt,
			Message: err.Error(),
		})
		e.logger.Warn("outline attempt failed", "book", b.id, "attempt", attempt, "err", err)
	}
	return nil, fmt.Errorf("outline failed after %d attempts: %w", e.cfg.OutlineRetries, lastErr)
}

// budgets splits total across n chapters. The first and last chapters get
// weight times the share of the others; the rounding remainder goes to the
// last chapter.
func budgets(total, n int, weight float64) []int {
	if n <= 0 {
		return nil
	}
	if weight <= 0 {
		weight = 1
	}
	weights := make([]float64, n)
	sum := 0.0
	for i := range weights {
		weights[i] = 1
		if n > 1 && (i == 0 || i == n-1) {
			weights[i] = weight
		}
		sum += weights[i]
	}

	out := make([]int, n)
	assigned := 0
	for i, w := range weights {
		out[i] = int(float64(total) * w / sum)
		assigned += out[i]
	}
	out[n-1] += total - assigned
	return out
}

// createChapters builds PLANNED chapter records from the outline.
func createChapters(outline []types.OutlineEntry, total int, weight float64) []types.ChapterRecord {
	words := budgets(total, len(outline), weight)
	chapters := make([]types.ChapterRecord, len(outline))
	for i, entry := range outline {
		chapters[i] = types.ChapterRecord{
			Index:           i + 1,
			Title:           entry.Title,
			Theme:           entry.Theme,
			TargetWordCount: words[i],
			Status:          types.ChapterPlanned,
		}
	}
	return chapters
}
