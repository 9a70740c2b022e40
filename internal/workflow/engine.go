// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package workflow is the book-level state machine: outline, chapter
// generation through the coordinator, word-count top-ups, assembly and
// export, with a checkpoint after every chapter.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/pdiddy/book-engine/internal/agent"
	"github.com/pdiddy/book-engine/internal/checkpoint"
	"github.com/pdiddy/book-engine/internal/continuity"
	"github.com/pdiddy/book-engine/internal/coordinator"
	"github.com/pdiddy/book-engine/internal/telemetry"
	"github.com/pdiddy/book-engine/pkg/types"
)

// Memory is the part of the memory store the workflow needs.
type Memory interface {
	coordinator.Memory
	HasSource(ctx context.Context, sourceRef string) (bool, error)
}

// Exporter writes a completed book somewhere.
type Exporter interface {
	Export(ctx context.Context, state *types.BookBuildState) ([]string, error)
}

// Deps are the collaborators of an Engine. Agent and Memory are required.
type Deps struct {
	Agent       agent.Agent
	Memory      Memory
	Extractor   coordinator.Extractor
	Checkpoints checkpoint.Store
	Exporters   []Exporter
	Logger      *log.Logger
	Telemetry   *telemetry.Recorder

	// TrackerWindow is the continuity summary window of each build's tracker.
	TrackerWindow int
}

// BuildRequest describes a new book.
type BuildRequest struct {
	Title        string
	Theme        string
	TargetWords  int
	ChapterCount int

	// BookID is generated when empty.
	BookID string

	// Outline skips the outline call when set; its length must equal ChapterCount.
	Outline []types.OutlineEntry
}

// Engine runs book builds. It holds no global state; everything comes from Deps.
type Engine struct {
	deps     Deps
	cfg      types.WorkflowConfig
	coordCfg types.CoordinatorConfig
	logger   *log.Logger

	mu     sync.Mutex
	builds map[string]*build
}

// build is the single owner of one BookBuildState. Every mutation of state
// happens under mu.
type build struct {
	id      string
	mu      sync.Mutex
	state   *types.BookBuildState
	tracker *continuity.Tracker
	coord   *coordinator.Coordinator
	logger  *log.Logger
}

// New creates an Engine from the workflow and coordinator sections of cfg.
func New(deps Deps, cfg types.EngineConfig) *Engine {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	wf := cfg.Workflow
	if wf.OutlineRetries <= 0 {
		wf.OutlineRetries = 3
	}
	if wf.Parallelism <= 0 {
		wf.Parallelism = 1
	}
	if wf.FailurePolicy == "" {
		wf.FailurePolicy = types.PolicyPlaceholder
	}
	return &Engine{
		deps:     deps,
		cfg:      wf,
		coordCfg: cfg.Coordinator,
		logger:   deps.Logger,
		builds:   map[string]*build{},
	}
}

func (e *Engine) newBuild(state *types.BookBuildState) *build {
	b := &build{
		id:      state.BookID,
		state:   state,
		tracker: continuity.NewTracker(e.deps.TrackerWindow),
		logger:  e.logger,
	}
	b.tracker.Restore(state.Entities)
	b.coord = coordinator.New(coordinator.Deps{
		Agent:     e.deps.Agent,
		Memory:    e.deps.Memory,
		Tracker:   b.tracker,
		Extractor: e.deps.Extractor,
		Logger:    e.logger,
		Telemetry: e.deps.Telemetry,
	}, e.coordCfg)

	e.mu.Lock()
	e.builds[b.id] = b
	e.mu.Unlock()
	return b
}

// emit stamps and appends an event to the build log.
func (b *build) emit(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	b.mu.Lock()
	b.state.BuildLog = append(b.state.BuildLog, ev)
	b.mu.Unlock()
	b.logger.Debug("event", "book", b.id, "kind", ev.Kind, "chapter", ev.ChapterIndex, "msg", ev.Message)
}

// setStatus moves the build to status. The caller must not hold b.mu.
func (b *build) setStatus(status types.BuildStatus) {
	b.mu.Lock()
	from := b.state.Status
	b.state.Status = status
	b.mu.Unlock()
	if from == status {
		return
	}
	b.emit(types.Event{
		Kind:    types.EventBuildTransition,
		From:    string(from),
		To:      string(status),
		Message: fmt.Sprintf("build %s -> %s", from, status),
	})
	b.logger.Info("build status", "book", b.id, "from", from, "to", status)
}

func (b *build) status() types.BuildStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Status
}

// StartBuild creates a book and runs it to COMPLETE, ABORTED or a
// cancellation. The book ID is returned in every case once the build
// exists, so a cancelled build can be resumed.
func (e *Engine) StartBuild(ctx context.Context, req BuildRequest) (string, error) {
	if strings.TrimSpace(req.Title) == "" {
		return "", errors.New("book title is required")
	}
	if req.ChapterCount <= 0 || req.TargetWords <= 0 {
		return "", fmt.Errorf("chapter count and target words must be positive (got %d, %d)", req.ChapterCount, req.TargetWords)
	}
	if len(req.Outline) > 0 {
		if err := validateOutline(req.Outline, req.ChapterCount); err != nil {
			return "", err
		}
	}

	id := req.BookID
	if id == "" {
		id = ulid.Make().String()
	}
	if err := checkpoint.ValidID(id); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	state := &types.BookBuildState{
		BookID:           id,
		Title:            req.Title,
		Theme:            req.Theme,
		TargetTotalWords: req.TargetWords,
		ChapterCount:     req.ChapterCount,
		Outline:          slices.Clone(req.Outline),
		Chapters:         []types.ChapterRecord{},
		BuildLog:         []types.Event{},
		Status:           types.BuildInitialized,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	b := e.newBuild(state)
	e.logger.Info("build started", "book", id, "title", req.Title, "chapters", req.ChapterCount, "words", req.TargetWords)
	return id, e.run(ctx, b)
}

// ResumeBuild continues a checkpointed build. Finalized chapters are kept
// and re-ingested into memory if missing; every other chapter restarts
// at PLANNED.
func (e *Engine) ResumeBuild(ctx context.Context, bookID string) error {
	state, err := e.load(ctx, bookID)
	if err != nil {
		return err
	}
	if state.Status == types.BuildComplete {
		return nil
	}

	for i := range state.Chapters {
		ch := &state.Chapters[i]
		if ch.Status == types.ChapterFinalized {
			continue
		}
		*ch = types.ChapterRecord{
			Index:           ch.Index,
			Title:           ch.Title,
			Theme:           ch.Theme,
			TargetWordCount: ch.TargetWordCount,
			Status:          types.ChapterPlanned,
			Tasks:           ch.Tasks,
			Supplementary:   ch.Supplementary,
		}
	}
	switch {
	case len(state.Chapters) == 0:
		state.Status = types.BuildInitialized
	case state.Status == types.BuildAborted:
		state.Status = types.BuildGenerating
		state.AbortReason = ""
	}

	b := e.newBuild(state)
	if err := e.reingest(ctx, b); err != nil {
		return e.abort(ctx, b, "memory store unavailable on resume", err)
	}
	b.emit(types.Event{Kind: types.EventResumed, Message: fmt.Sprintf("resumed with %d pending chapters", len(state.Pending()))})
	e.logger.Info("build resumed", "book", bookID, "pending", len(state.Pending()))
	return e.run(ctx, b)
}

// reingest restores finalized chapters missing from the memory store.
func (e *Engine) reingest(ctx context.Context, b *build) error {
	for _, ch := range b.state.Chapters {
		if ch.Status != types.ChapterFinalized {
			continue
		}
		ok, err := e.deps.Memory.HasSource(ctx, ch.SourceRef())
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := e.deps.Memory.IngestChunks(ctx, ch.Content, ch.SourceRef(), ch.Index); err != nil {
			return err
		}
		e.logger.Info("re-ingested chapter", "book", b.id, "chapter", ch.Index)
	}
	return nil
}

// GetStatus returns a copy of the current state of bookID.
func (e *Engine) GetStatus(ctx context.Context, bookID string) (*types.BookBuildState, error) {
	e.mu.Lock()
	b, ok := e.builds[bookID]
	e.mu.Unlock()
	if ok {
		b.mu.Lock()
		defer b.mu.Unlock()
		return cloneState(b.state), nil
	}
	return e.load(ctx, bookID)
}

func (e *Engine) load(ctx context.Context, bookID string) (*types.BookBuildState, error) {
	if e.deps.Checkpoints == nil {
		return nil, fmt.Errorf("%w: %s", checkpoint.ErrNotFound, bookID)
	}
	return e.deps.Checkpoints.Load(ctx, bookID)
}

func cloneState(s *types.BookBuildState) *types.BookBuildState {
	c := *s
	c.Outline = slices.Clone(s.Outline)
	c.Chapters = slices.Clone(s.Chapters)
	for i := range c.Chapters {
		c.Chapters[i] = cloneChapter(c.Chapters[i])
	}
	c.BuildLog = slices.Clone(s.BuildLog)
	c.Entities = slices.Clone(s.Entities)
	c.Warnings = slices.Clone(s.Warnings)
	return &c
}

func cloneChapter(ch types.ChapterRecord) types.ChapterRecord {
	ch.Provenance = slices.Clone(ch.Provenance)
	ch.Tasks = slices.Clone(ch.Tasks)
	ch.UnresolvedConflicts = slices.Clone(ch.UnresolvedConflicts)
	return ch
}

// checkpoint persists the state with the current entity snapshot. A failed
// save is logged; the build continues.
func (e *Engine) checkpoint(ctx context.Context, b *build) {
	if e.deps.Checkpoints == nil {
		return
	}
	entities := b.tracker.Snapshot()
	b.mu.Lock()
	b.state.Entities = entities
	b.state.UpdatedAt = time.Now().UTC()
	snapshot := cloneState(b.state)
	b.mu.Unlock()

	if err := e.deps.Checkpoints.Save(context.WithoutCancel(ctx), b.id, snapshot); err != nil {
		e.logger.Error("checkpoint failed", "book", b.id, "err", err)
	}
}

// abort marks the build ABORTED, checkpoints it and returns a BuildError.
func (e *Engine) abort(ctx context.Context, b *build, reason string, err error) error {
	b.mu.Lock()
	b.state.AbortReason = reason
	b.mu.Unlock()
	b.setStatus(types.BuildAborted)
	msg := reason
	if err != nil {
		msg = fmt.Sprintf("%s: %v", reason, err)
	}
	b.emit(types.Event{Kind: types.EventAborted, Message: msg})
	e.logger.Error("build aborted", "book", b.id, "reason", reason, "err", err)
	e.checkpoint(ctx, b)
	return &BuildError{BookID: b.id, Reason: reason, Err: err}
}

// cancelled records a cancellation at a chapter boundary.
func (e *Engine) cancelled(ctx context.Context, b *build) error {
	b.emit(types.Event{Kind: types.EventCancelled, Message: "build cancelled; resumable"})
	e.logger.Warn("build cancelled", "book", b.id)
	e.checkpoint(ctx, b)
	return fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx))
}

// run drives the build from its current status.
func (e *Engine) run(ctx context.Context, b *build) error {
	if st := b.status(); st == types.BuildInitialized || st == types.BuildOutlining {
		if err := e.outline(ctx, b); err != nil {
			return err
		}
	}

	if b.status() == types.BuildGenerating {
		if err := e.generate(ctx, b); err != nil {
			return err
		}
		if err := e.topUp(ctx, b); err != nil {
			return err
		}
	}

	_, err := e.assemble(ctx, b)
	return err
}

// outline produces the chapter list and moves the build to GENERATING.
func (e *Engine) outline(ctx context.Context, b *build) error {
	b.setStatus(types.BuildOutlining)

	b.mu.Lock()
	entries := slices.Clone(b.state.Outline)
	b.mu.Unlock()

	if len(entries) == 0 {
		var err error
		entries, err = e.generateOutline(ctx, b)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, b)
			}
			return e.abort(ctx, b, "outline generation failed", err)
		}
	}

	b.mu.Lock()
	b.state.Outline = entries
	b.state.Chapters = createChapters(entries, b.state.TargetTotalWords, e.cfg.BookendWeight)
	b.mu.Unlock()

	b.setStatus(types.BuildGenerating)
	e.checkpoint(ctx, b)
	return nil
}
