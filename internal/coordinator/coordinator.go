// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package coordinator drives one chapter through research, writing, editing
// and the continuity check, then writes it back to the memory store.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/pdiddy/book-engine/internal/agent"
	"github.com/pdiddy/book-engine/internal/continuity"
	"github.com/pdiddy/book-engine/internal/memory"
	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/internal/provider"
	"github.com/pdiddy/book-engine/internal/telemetry"
	"github.com/pdiddy/book-engine/pkg/types"
)

// maxStoredPrompt is the longest rendered prompt kept on a task record.
const maxStoredPrompt = 4000

// Memory is the part of the memory store a chapter reads and writes.
type Memory interface {
	Query(ctx context.Context, text string, topK int, filter *memory.Filter) ([]types.RetrievalResult, error)
	IngestChunks(ctx context.Context, text, sourceRef string, chapterIndex int) ([]string, error)
}

// Extractor finds the entity mentions in a chapter.
type Extractor interface {
	Extract(ctx context.Context, chapterIndex int, chapterTitle, text string) ([]types.EntityMention, error)
}

// Emitter receives build-log events. The caller stamps IDs and times.
type Emitter func(types.Event)

// Book is the book-level information every prompt carries.
type Book struct {
	Title        string
	Theme        string
	ChapterCount int
}

// ChapterError reports a chapter that ended FAILED.
type ChapterError struct {
	Index int
	Step  types.ChapterStatus
	Err   error
}

func (e *ChapterError) Error() string {
	return fmt.Sprintf("chapter %d failed at %s: %v", e.Index, e.Step, e.Err)
}

func (e *ChapterError) Unwrap() error { return e.Err }

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Agent     agent.Agent
	Memory    Memory
	Tracker   *continuity.Tracker
	Extractor Extractor
	Logger    *log.Logger
	Telemetry *telemetry.Recorder
}

// Coordinator runs the per-chapter pipeline.
type Coordinator struct {
	agent     agent.Agent
	memory    Memory
	tracker   *continuity.Tracker
	extractor Extractor
	cfg       types.CoordinatorConfig
	logger    *log.Logger
	telemetry *telemetry.Recorder
}

// New creates a Coordinator.
func New(deps Deps, cfg types.CoordinatorConfig) *Coordinator {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if cfg.EditTolerance <= 0 {
		cfg.EditTolerance = 0.4
	}
	return &Coordinator{
		agent:     deps.Agent,
		memory:    deps.Memory,
		tracker:   deps.Tracker,
		extractor: deps.Extractor,
		cfg:       cfg,
		logger:    deps.Logger,
		telemetry: deps.Telemetry,
	}
}

// chapterRun carries the state of one Run call.
type chapterRun struct {
	c      *Coordinator
	book   Book
	ch     *types.ChapterRecord
	emit   Emitter
	window memory.Window
	facts  string
}

// Run drives ch from its current status to FINALIZED or FAILED, emitting one
// chapter_transition event per step. A returned *ChapterError means the
// chapter is FAILED and the build may continue. Any other error (memory
// store unavailable, cancellation) must stop the build.
func (c *Coordinator) Run(ctx context.Context, book Book, ch *types.ChapterRecord, emit Emitter) error {
	if ch.Status.Terminal() {
		return nil
	}
	if ch.Status == "" {
		ch.Status = types.ChapterPlanned
	}
	r := &chapterRun{c: c, book: book, ch: ch, emit: emit}
	if c.tracker != nil {
		defer func() {
			if ch.Status != types.ChapterFinalized {
				c.tracker.Discard(ch.Index)
			}
		}()
	}
	if err := r.loadContext(ctx); err != nil {
		return err
	}

	for !ch.Status.Terminal() {
		var err error
		step := ch.Status
		switch step {
		case types.ChapterPlanned:
			err = r.research(ctx)
		case types.ChapterResearched:
			err = r.write(ctx)
		case types.ChapterDrafted:
			err = r.edit(ctx)
		case types.ChapterEdited:
			err = r.checkContinuity(ctx)
		case types.ChapterContinuityChecked:
			err = r.finalize(ctx)
		default:
			err = fmt.Errorf("unknown chapter status %q", step)
		}
		if err != nil {
			return r.fail(step, err)
		}
	}
	c.telemetry.ChapterDone(ctx, string(ch.Status))
	return nil
}

// fail marks the chapter FAILED for task and embedding errors. Store errors
// and cancellation leave the chapter as is so a resume can retry it.
func (r *chapterRun) fail(step types.ChapterStatus, err error) error {
	if !errors.Is(err, agent.ErrAgentTaskFailed) && !errors.Is(err, provider.ErrTransient) {
		return err
	}
	r.ch.FailureReason = err.Error()
	r.transition(types.ChapterFailed)
	r.emit(types.Event{
		Kind:         types.EventChapterFailed,
		ChapterIndex: r.ch.Index,
		From:         string(step),
		Message:      err.Error(),
		Detail:       failureDetail(err),
	})
	r.c.logger.Error("chapter failed", "chapter", r.ch.Index, "step", step, "err", err)
	return &ChapterError{Index: r.ch.Index, Step: step, Err: err}
}

func failureDetail(err error) map[string]string {
	var te *agent.TaskError
	if !errors.As(err, &te) {
		return nil
	}
	return map[string]string{
		"role":     string(te.Role),
		"class":    te.Class,
		"attempts": fmt.Sprint(te.Attempts),
	}
}

func (r *chapterRun) transition(to types.ChapterStatus) {
	from := r.ch.Status
	r.ch.Status = to
	r.emit(types.Event{
		Kind:         types.EventChapterTransition,
		ChapterIndex: r.ch.Index,
		From:         string(from),
		To:           string(to),
		Message:      fmt.Sprintf("chapter %d: %s -> %s", r.ch.Index, from, to),
	})
}

func (r *chapterRun) warn(msg string) {
	r.emit(types.Event{Kind: types.EventWarning, ChapterIndex: r.ch.Index, Message: msg})
}

// loadContext builds the retrieval window from earlier chapters and sources
// and the entity summary. An unavailable store stops the build; an
// embedding failure only costs the chapter its retrieved context.
func (r *chapterRun) loadContext(ctx context.Context) error {
	query := strings.TrimSpace(r.ch.Title + " " + r.ch.Theme)
	results, err := r.c.memory.Query(ctx, query, r.c.cfg.TopK, memory.Before(r.ch.Index))
	switch {
	case errors.Is(err, memory.ErrStoreUnavailable):
		return fmt.Errorf("loading context for chapter %d: %w", r.ch.Index, err)
	case err != nil:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.c.logger.Warn("memory query failed, continuing without retrieved context", "chapter", r.ch.Index, "err", err)
		r.warn("memory query failed: " + err.Error())
	default:
		r.window = memory.PackContext(results, r.c.cfg.ContextBudget)
	}
	if r.c.tracker != nil {
		r.facts = r.c.tracker.SummarizeForContext(r.ch.Index, r.c.cfg.MaxEntities)
	}
	return nil
}

func (r *chapterRun) promptContext() prompt.Context {
	return prompt.Context{
		BookTitle:    r.book.Title,
		BookTheme:    r.book.Theme,
		ChapterCount: r.book.ChapterCount,
		ChapterIndex: r.ch.Index,
		ChapterTitle: r.ch.Title,
		ChapterTheme: r.ch.Theme,
		TargetWords:  r.ch.TargetWordCount,
		Memory:       r.window.Text,
		Continuity:   r.facts,
		Research:     r.ch.Research,
	}
}

// runTask runs one role call and records the task and its retries.
func (r *chapterRun) runTask(ctx context.Context, role types.AgentRole, pc prompt.Context) (string, error) {
	task := agent.NewTask(role, r.ch.Index)
	out, err := agent.RunTask(ctx, r.c.agent, &task, pc)
	if len(task.InputContext) > maxStoredPrompt {
		task.InputContext = ""
	}
	r.ch.Tasks = append(r.ch.Tasks, task)
	for _, rt := range out.Retries {
		r.emit(types.Event{
			Kind:         types.EventRetry,
			ChapterIndex: r.ch.Index,
			Role:         role,
			Attempt:      rt.Attempt,
			Message:      rt.Err,
			Detail:       map[string]string{"class": rt.Class, "delay": rt.Delay.String()},
		})
	}
	return out.Text, err
}

func (r *chapterRun) research(ctx context.Context) error {
	text, err := r.runTask(ctx, types.RoleResearch, r.promptContext())
	if err != nil {
		return err
	}
	r.ch.Research = text
	r.ch.Provenance = appendUnique(r.ch.Provenance, r.window.Sources...)
	r.transition(types.ChapterResearched)
	return nil
}

func (r *chapterRun) write(ctx context.Context) error {
	text, err := r.runTask(ctx, types.RoleWrite, r.promptContext())
	if err != nil {
		return err
	}
	r.ch.Content = text
	r.transition(types.ChapterDrafted)
	return nil
}

// edit asks for an edit of the draft. An edit whose length differs from the
// draft by more than EditTolerance is retried once, then the draft is kept.
func (r *chapterRun) edit(ctx context.Context) error {
	draft := r.ch.Content
	pc := r.promptContext()
	pc.Draft = draft

	for attempt := 1; attempt <= 2; attempt++ {
		edited, err := r.runTask(ctx, types.RoleEdit, pc)
		if err != nil {
			return err
		}
		if r.c.withinTolerance(draft, edited) {
			r.ch.Content = edited
			r.transition(types.ChapterEdited)
			return nil
		}
		r.c.logger.Warn("edit rejected", "chapter", r.ch.Index, "attempt", attempt,
			"draft_words", types.WordCount(draft), "edited_words", types.WordCount(edited))
		if attempt == 1 {
			pc.Instructions = append(pc.Instructions, fmt.Sprintf(
				"Your previous edit changed the length too much. Keep the chapter close to %d words.", types.WordCount(draft)))
		}
	}

	r.emit(types.Event{
		Kind:         types.EventEditRejected,
		ChapterIndex: r.ch.Index,
		Role:         types.RoleEdit,
		Message:      "edited length outside tolerance twice; keeping the draft",
	})
	r.transition(types.ChapterEdited)
	return nil
}

func (c *Coordinator) withinTolerance(draft, edited string) bool {
	d, e := types.WordCount(draft), types.WordCount(edited)
	if d == 0 {
		return e > 0
	}
	return math.Abs(float64(e-d))/float64(d) <= c.cfg.EditTolerance
}

// checkContinuity stages the chapter's entities. Conflicts get one
// corrective edit; those that remain are annotated on the chapter. Staged
// facts reach the registry only when the chapter is finalized.
func (r *chapterRun) checkContinuity(ctx context.Context) error {
	if r.c.tracker == nil || r.c.extractor == nil {
		r.transition(types.ChapterContinuityChecked)
		return nil
	}

	r.c.tracker.Discard(r.ch.Index)
	conflicts, err := r.recordEntities(ctx)
	if err != nil {
		return err
	}

	if len(conflicts) > 0 {
		for _, cf := range conflicts {
			r.emit(conflictEvent(types.EventContinuityConflict, cf))
		}

		pc := r.promptContext()
		pc.Draft = r.ch.Content
		for _, cf := range conflicts {
			pc.Instructions = append(pc.Instructions, fmt.Sprintf(
				"Reconcile %s's previously established %s: use %q, not %q.", cf.EntityName, cf.Field, cf.OldValue, cf.NewValue))
		}
		corrected, err := r.runTask(ctx, types.RoleEdit, pc)
		if err != nil {
			return err
		}
		if strings.TrimSpace(corrected) != "" {
			r.ch.Content = corrected
		}

		r.c.tracker.Discard(r.ch.Index)
		remaining, err := r.recordEntities(ctx)
		if err != nil {
			return err
		}
		r.ch.UnresolvedConflicts = remaining
		for _, cf := range remaining {
			r.emit(conflictEvent(types.EventContinuityUnresolved, cf))
			r.c.logger.Warn("continuity conflict unresolved", "chapter", r.ch.Index, "conflict", continuity.Describe(cf))
		}
	}

	r.transition(types.ChapterContinuityChecked)
	return nil
}

func (r *chapterRun) recordEntities(ctx context.Context) ([]types.ConflictReport, error) {
	mentions, err := r.c.extractor.Extract(ctx, r.ch.Index, r.ch.Title, r.ch.Content)
	if errors.Is(err, continuity.ErrUnparseable) {
		r.warn(err.Error())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.c.tracker.Stage(mentions, r.ch.Index), nil
}

func conflictEvent(kind types.EventKind, cf types.ConflictReport) types.Event {
	return types.Event{
		Kind:         kind,
		ChapterIndex: cf.ChapterIndex,
		Message:      continuity.Describe(cf),
		Detail: map[string]string{
			"entity":    cf.EntityName,
			"field":     cf.Field,
			"old_value": cf.OldValue,
			"new_value": cf.NewValue,
		},
	}
}

// finalize writes the chapter to the memory store so later chapters can
// retrieve it.
func (r *chapterRun) finalize(ctx context.Context) error {
	ref := r.ch.SourceRef()
	ids, err := r.c.memory.IngestChunks(ctx, r.ch.Content, ref, r.ch.Index)
	if err != nil {
		if errors.Is(err, memory.ErrStoreUnavailable) || ctx.Err() != nil {
			return fmt.Errorf("storing chapter %d: %w", r.ch.Index, err)
		}
		return fmt.Errorf("embedding chapter %d: %w", r.ch.Index, err)
	}
	if r.c.tracker != nil {
		r.c.tracker.Commit(r.ch.Index)
	}
	r.ch.ActualWordCount = types.WordCount(r.ch.Content)
	r.ch.Provenance = appendUnique(r.ch.Provenance, ref)
	r.c.logger.Info("chapter finalized", "chapter", r.ch.Index, "words", r.ch.ActualWordCount, "chunks", len(ids))
	r.transition(types.ChapterFinalized)
	return nil
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, existing := range list {
			if existing == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}
