// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/pdiddy/book-engine/internal/coordinator"
	"github.com/pdiddy/book-engine/pkg/types"
)

// fatal carries a chapter outcome that must abort the whole build.
type fatal struct {
	reason string
	err    error
}

func (f *fatal) Error() string { return fmt.Sprintf("%s: %v", f.reason, f.err) }
func (f *fatal) Unwrap() error { return f.err }

// generate runs every pending chapter. With Parallelism 1 the chapters run
// strictly in order, so each one sees its predecessors in memory.
func (e *Engine) generate(ctx context.Context, b *build) error {
	b.mu.Lock()
	pending := b.state.Pending()
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for _, idx := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			return e.runChapter(ctx, b, idx, false)
		})
	}
	err := g.Wait()

	var f *fatal
	if errors.As(err, &f) {
		return e.abort(ctx, b, f.reason, f.err)
	}
	if err != nil {
		return e.abort(ctx, b, "chapter generation failed", err)
	}
	if ctx.Err() != nil {
		return e.cancelled(ctx, b)
	}
	return nil
}

// runChapter drives one chapter on a private copy, detached from
// cancellation so an in-flight chapter always reaches a terminal state,
// then writes the result back and checkpoints.
func (e *Engine) runChapter(ctx context.Context, b *build, idx int, topUp bool) error {
	b.mu.Lock()
	rec := b.state.Chapter(idx)
	if rec == nil {
		b.mu.Unlock()
		return fmt.Errorf("chapter %d not found", idx)
	}
	ch := cloneChapter(*rec)
	book := coordinator.Book{Title: b.state.Title, Theme: b.state.Theme, ChapterCount: b.state.ChapterCount}
	b.mu.Unlock()

	e.logger.Info("chapter started", "book", b.id, "chapter", idx, "title", ch.Title)
	err := b.coord.Run(context.WithoutCancel(ctx), book, &ch, b.emit)

	var chErr *coordinator.ChapterError
	switch {
	case err == nil:
		e.logger.Info("chapter finalized", "book", b.id, "chapter", idx, "words", ch.ActualWordCount)
	case errors.As(err, &chErr) && topUp:
		b.emit(types.Event{Kind: types.EventWarning, ChapterIndex: idx, Message: "top-up chapter failed: " + chErr.Error()})
	case errors.As(err, &chErr):
		if ferr := e.applyPolicy(b, &ch, chErr); ferr != nil {
			b.store(ch)
			e.checkpoint(ctx, b)
			return ferr
		}
	default:
		b.store(ch)
		return &fatal{reason: fmt.Sprintf("chapter %d could not run", idx), err: err}
	}

	b.store(ch)
	e.checkpoint(ctx, b)
	return nil
}

// store writes a chapter copy back into the build state.
func (b *build) store(ch types.ChapterRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec := b.state.Chapter(ch.Index); rec != nil {
		*rec = ch
	}
}

// applyPolicy handles a FAILED chapter per the configured failure policy.
func (e *Engine) applyPolicy(b *build, ch *types.ChapterRecord, chErr *coordinator.ChapterError) error {
	switch e.cfg.FailurePolicy {
	case types.PolicyAbort:
		return &fatal{reason: fmt.Sprintf("chapter %d failed", ch.Index), err: chErr}
	case types.PolicySkip:
		b.emit(types.Event{Kind: types.EventChapterSkipped, ChapterIndex: ch.Index, Message: "failed chapter omitted from the manuscript"})
		e.logger.Warn("chapter skipped", "book", b.id, "chapter", ch.Index, "err", chErr)
	default:
		ch.Placeholder = true
		ch.Content = placeholderText(*ch)
		b.emit(types.Event{Kind: types.EventPlaceholder, ChapterIndex: ch.Index, Message: "failed chapter replaced by a placeholder"})
		e.logger.Warn("chapter placeholder", "book", b.id, "chapter", ch.Index, "err", chErr)
	}
	return nil
}

func placeholderText(ch types.ChapterRecord) string {
	return fmt.Sprintf("[This chapter (%q) could not be generated and is a placeholder. Reason: %s]", ch.Title, ch.FailureReason)
}

// floor is the minimum acceptable total word count.
func (e *Engine) floor(target int) int {
	return int(math.Ceil(e.cfg.MinimumRatio*float64(target) - 1e-9))
}

// topUp appends supplementary chapters until the finalized words reach the
// floor or MaxTopUps attempts are spent.
func (e *Engine) topUp(ctx context.Context, b *build) error {
	if e.cfg.MinimumRatio <= 0 {
		return nil
	}
	for {
		b.mu.Lock()
		floor := e.floor(b.state.TargetTotalWords)
		have := b.state.FinalizedWords()
		attempts := b.state.TopUpAttempts
		b.mu.Unlock()

		if have >= floor {
			return nil
		}
		if attempts >= e.cfg.MaxTopUps {
			msg := fmt.Sprintf("book has %d words, below the floor of %d after %d top-ups", have, floor, attempts)
			b.mu.Lock()
			b.state.Warnings = append(b.state.Warnings, msg)
			b.mu.Unlock()
			b.emit(types.Event{Kind: types.EventBelowTarget, Message: msg})
			e.logger.Warn("below target", "book", b.id, "words", have, "floor", floor)
			return nil
		}
		if ctx.Err() != nil {
			return e.cancelled(ctx, b)
		}

		idx := b.addSupplementary(attempts+1, floor-have)
		b.emit(types.Event{
			Kind:         types.EventTopUp,
			ChapterIndex: idx,
			Attempt:      attempts + 1,
			Message:      fmt.Sprintf("adding %d words to reach %d", floor-have, floor),
		})
		e.logger.Info("top-up", "book", b.id, "attempt", attempts+1, "missing", floor-have)
		if err := e.runChapter(ctx, b, idx, true); err != nil {
			var f *fatal
			if errors.As(err, &f) {
				return e.abort(ctx, b, f.reason, f.err)
			}
			return err
		}
	}
}

// addSupplementary appends a PLANNED supplementary chapter and returns its
// index. Odd attempts expand the introduction, even ones the conclusion.
func (b *build) addSupplementary(attempt, words int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := 0
	for _, ch := range b.state.Chapters {
		idx = max(idx, ch.Index)
	}
	idx++

	title, theme := "Introduction", "an expanded introduction to "+b.state.Theme
	if attempt%2 == 0 {
		title, theme = "Conclusion", "an expanded conclusion on "+b.state.Theme
	}
	b.state.TopUpAttempts = attempt
	b.state.Chapters = append(b.state.Chapters, types.ChapterRecord{
		Index:           idx,
		Title:           title,
		Theme:           theme,
		TargetWordCount: words,
		Status:          types.ChapterPlanned,
		Supplementary:   true,
	})
	return idx
}
