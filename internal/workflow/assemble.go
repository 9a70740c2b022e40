// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/pdiddy/book-engine/pkg/types"
)

// Assemble returns the manuscript of bookID, assembling and exporting it
// the first time. A COMPLETE book returns its cached manuscript unchanged.
// A book whose chapters are all terminal but which is not yet COMPLETE goes
// through the word-count floor first, so it may still gain top-up chapters.
func (e *Engine) Assemble(ctx context.Context, bookID string) (string, error) {
	e.mu.Lock()
	b, ok := e.builds[bookID]
	e.mu.Unlock()
	if !ok {
		state, err := e.load(ctx, bookID)
		if err != nil {
			return "", err
		}
		b = e.newBuild(state)
	}

	b.mu.Lock()
	status, pending, text := b.state.Status, b.state.Pending(), b.state.Manuscript
	b.mu.Unlock()
	switch {
	case status == types.BuildComplete:
		return text, nil
	case len(pending) > 0:
		return "", fmt.Errorf("%w: chapters %v pending", ErrNotReady, pending)
	case status == types.BuildAborted:
		return "", fmt.Errorf("%w: build aborted", ErrNotReady)
	case status == types.BuildInitialized || status == types.BuildOutlining:
		return "", fmt.Errorf("%w: no outline yet", ErrNotReady)
	}

	if err := e.run(ctx, b); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Manuscript, nil
}

func (e *Engine) assemble(ctx context.Context, b *build) (string, error) {
	b.mu.Lock()
	if b.state.Status == types.BuildComplete {
		text := b.state.Manuscript
		b.mu.Unlock()
		return text, nil
	}
	if pending := b.state.Pending(); len(pending) > 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: chapters %v pending", ErrNotReady, pending)
	}
	if b.state.Status == types.BuildAborted {
		b.mu.Unlock()
		return "", fmt.Errorf("%w: build aborted", ErrNotReady)
	}
	b.mu.Unlock()

	b.setStatus(types.BuildAssembling)
	b.mu.Lock()
	text := compose(b.state)
	b.state.Manuscript = text
	b.mu.Unlock()
	b.setStatus(types.BuildComplete)
	e.checkpoint(ctx, b)

	e.export(ctx, b)
	e.logger.Info("book complete", "book", b.id, "words", types.WordCount(text))
	return text, nil
}

// export runs every exporter. A failed export is a warning; the book stays COMPLETE.
func (e *Engine) export(ctx context.Context, b *build) {
	if len(e.deps.Exporters) == 0 {
		return
	}
	b.mu.Lock()
	snapshot := cloneState(b.state)
	b.mu.Unlock()

	for _, x := range e.deps.Exporters {
		paths, err := x.Export(ctx, snapshot)
		if err != nil {
			b.emit(types.Event{Kind: types.EventWarning, Message: "export failed: " + err.Error()})
			e.logger.Warn("export failed", "book", b.id, "err", err)
			continue
		}
		b.emit(types.Event{
			Kind:    types.EventExported,
			Message: fmt.Sprintf("wrote %d files", len(paths)),
			Detail:  map[string]string{"files": strings.Join(paths, ",")},
		})
	}
	e.checkpoint(ctx, b)
}

// readingOrder returns the chapters that appear in the manuscript:
// supplementary introductions, the outline chapters, then any other
// supplementary chapters. Skipped and failed top-up chapters are left out.
func readingOrder(state *types.BookBuildState) []types.ChapterRecord {
	var intro, body, outro []types.ChapterRecord
	for _, ch := range state.Chapters {
		if ch.Status != types.ChapterFinalized && !ch.Placeholder {
			continue
		}
		switch {
		case !ch.Supplementary:
			body = append(body, ch)
		case ch.Title == "Introduction":
			intro = append(intro, ch)
		default:
			outro = append(outro, ch)
		}
	}
	return append(append(intro, body...), outro...)
}

func compose(state *types.BookBuildState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", state.Title)
	for n, ch := range readingOrder(state) {
		fmt.Fprintf(&sb, "## Chapter %d: %s\n\n", n+1, ch.Title)
		sb.WriteString(strings.TrimSpace(ch.Content))
		sb.WriteString("\n\n")
	}
	return sb.String()
}
