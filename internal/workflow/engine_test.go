// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/book-engine/internal/agent"
	"github.com/pdiddy/book-engine/internal/checkpoint"
	"github.com/pdiddy/book-engine/internal/embedding"
	"github.com/pdiddy/book-engine/internal/memory"
	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/internal/provider"
	"github.com/pdiddy/book-engine/pkg/types"
)

type call struct {
	role types.AgentRole
	pc   prompt.Context
}

// mockAgent answers every role through handler and records the calls.
type mockAgent struct {
	mu      sync.Mutex
	handler func(role types.AgentRole, pc prompt.Context) (agent.Outcome, error)
	calls   []call
}

func (m *mockAgent) Run(_ context.Context, role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call{role, pc})
	m.mu.Unlock()
	return m.handler(role, pc)
}

func (m *mockAgent) count(role types.AgentRole, title string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.role == role && (title == "" || c.pc.ChapterTitle == title) {
			n++
		}
	}
	return n
}

func (m *mockAgent) last(role types.AgentRole) prompt.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.calls) - 1; i >= 0; i-- {
		if m.calls[i].role == role {
			return m.calls[i].pc
		}
	}
	return prompt.Context{}
}

var chapterNames = []string{"One", "Two", "Three", "Four", "Five", "Six"}

func jsonOutline(n int) string {
	doc := outlineDoc{}
	for i := range n {
		doc.Chapters = append(doc.Chapters, types.OutlineEntry{Title: chapterNames[i], Theme: "theme " + chapterNames[i]})
	}
	data, _ := json.Marshal(doc)
	return "Here is the outline:\n" + string(data)
}

func words(n int) string {
	return strings.TrimSpace(strings.Repeat("word ", n))
}

// bookAgent writes ratio times the requested words and edits by echoing the draft.
func bookAgent(ratio float64) func(types.AgentRole, prompt.Context) (agent.Outcome, error) {
	return func(role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
		switch role {
		case types.RoleOutline:
			return agent.Outcome{Text: jsonOutline(pc.ChapterCount), Attempts: 1}, nil
		case types.RoleWrite:
			return agent.Outcome{Text: words(int(ratio * float64(pc.TargetWords))), Attempts: 1}, nil
		case types.RoleEdit:
			return agent.Outcome{Text: pc.Draft, Attempts: 1}, nil
		default:
			return agent.Outcome{Text: fmt.Sprintf("%s notes for %s", role, pc.ChapterTitle), Attempts: 1}, nil
		}
	}
}

// recordingExporter counts exports and optionally fails.
type recordingExporter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingExporter) Export(_ context.Context, state *types.BookBuildState) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return []string{state.BookID + ".md"}, nil
}

type fixture struct {
	engine      *Engine
	agent       *mockAgent
	memory      *memory.Store
	checkpoints *checkpoint.FileStore
}

func testMemory(t *testing.T) *memory.Store {
	t.Helper()
	s, err := memory.Open(types.MemoryConfig{Path: filepath.Join(t.TempDir(), "memory.db")},
		embedding.NewHashEmbedder(64), log.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newFixture(t *testing.T, cfg types.EngineConfig, handler func(types.AgentRole, prompt.Context) (agent.Outcome, error), exporters ...Exporter) *fixture {
	t.Helper()
	cp, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	f := &fixture{agent: &mockAgent{handler: handler}, memory: testMemory(t), checkpoints: cp}
	f.engine = New(Deps{
		Agent:       f.agent,
		Memory:      f.memory,
		Checkpoints: cp,
		Exporters:   exporters,
		Logger:      log.New(io.Discard),
	}, cfg)
	return f
}

func transitions(state *types.BookBuildState, kind types.EventKind) []string {
	var out []string
	for _, ev := range state.EventsOf(kind) {
		out = append(out, ev.To)
	}
	return out
}

func TestStartBuild_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))

	id, err := f.engine.StartBuild(ctx, BuildRequest{Title: "T", Theme: "space exploration", TargetWords: 6000, ChapterCount: 3})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := f.engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildComplete, state.Status)
	require.Len(t, state.Chapters, 3)
	for _, ch := range state.Chapters {
		assert.Equal(t, types.ChapterFinalized, ch.Status, ch.Title)
		assert.Equal(t, 2000, ch.ActualWordCount)
		ok, err := f.memory.HasSource(ctx, ch.SourceRef())
		require.NoError(t, err)
		assert.True(t, ok, "chapter %d ingested", ch.Index)
	}
	assert.Len(t, state.EventsOf(types.EventChapterTransition), 15)
	assert.Equal(t, []string{"outlining", "generating", "assembling", "complete"},
		transitions(state, types.EventBuildTransition))
	assert.Empty(t, state.EventsOf(types.EventTopUp))

	assert.True(t, strings.HasPrefix(state.Manuscript, "# T\n\n## Chapter 1: One\n\n"))
	assert.Contains(t, state.Manuscript, "## Chapter 3: Three")
	assert.Equal(t, 6000+2+3*4, types.WordCount(state.Manuscript))

	saved, err := f.checkpoints.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildComplete, saved.Status)
	assert.Equal(t, state.Manuscript, saved.Manuscript)

	// The third chapter's research prompt sees only earlier chapters.
	pc := f.agent.last(types.RoleResearch)
	assert.Equal(t, "Three", pc.ChapterTitle)
	assert.NotContains(t, pc.Memory, "chapter:03")
}

// echoAgent answers "<role> output for <chapter title>" for every chapter role.
func echoAgent(role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
	if role == types.RoleOutline {
		return agent.Outcome{Text: jsonOutline(pc.ChapterCount), Attempts: 1}, nil
	}
	return agent.Outcome{Text: fmt.Sprintf("%s output for %s", role, pc.ChapterTitle), Attempts: 1}, nil
}

func TestStartBuild_EchoScenario(t *testing.T) {
	tests := []struct {
		name            string
		minimumRatio    float64
		wantChapters    int
		wantTransitions int
		wantTopUps      int
		wantBelow       int
	}{
		{"word-count floor disabled", 0, 3, 15, 0, 0},
		{"default floor tops up the short book", 0.9, 5, 25, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			cfg := types.DefaultEngineConfig()
			cfg.Workflow.MinimumRatio = tt.minimumRatio
			f := newFixture(t, cfg, echoAgent)

			id, err := f.engine.StartBuild(ctx, BuildRequest{Title: "T", Theme: "space exploration", TargetWords: 6000, ChapterCount: 3})
			require.NoError(t, err)
			state, err := f.engine.GetStatus(ctx, id)
			require.NoError(t, err)

			assert.Equal(t, types.BuildComplete, state.Status)
			require.Len(t, state.Chapters, tt.wantChapters)
			for _, ch := range state.Chapters {
				assert.Equal(t, types.ChapterFinalized, ch.Status, ch.Title)
				assert.Equal(t, "edit output for "+ch.Title, ch.Content)
			}
			assert.Len(t, state.EventsOf(types.EventChapterTransition), tt.wantTransitions)
			assert.Empty(t, state.EventsOf(types.EventRetry))
			assert.Len(t, state.EventsOf(types.EventTopUp), tt.wantTopUps)
			assert.Len(t, state.EventsOf(types.EventBelowTarget), tt.wantBelow)
			if tt.minimumRatio == 0 {
				assert.True(t, strings.HasPrefix(state.Manuscript, "# T\n\n## Chapter 1: One\n\nedit output for One\n\n"))
				assert.Contains(t, state.Manuscript, "## Chapter 3: Three\n\nedit output for Three")
			}
		})
	}
}

func TestStartBuild_Validation(t *testing.T) {
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))

	tests := []struct {
		name string
		req  BuildRequest
	}{
		{"no title", BuildRequest{TargetWords: 100, ChapterCount: 1}},
		{"no chapters", BuildRequest{Title: "T", TargetWords: 100}},
		{"no words", BuildRequest{Title: "T", ChapterCount: 2}},
		{"outline length", BuildRequest{Title: "T", TargetWords: 100, ChapterCount: 2, Outline: []types.OutlineEntry{{Title: "A"}}}},
		{"untitled outline chapter", BuildRequest{Title: "T", TargetWords: 100, ChapterCount: 1, Outline: []types.OutlineEntry{{Theme: "x"}}}},
		{"path in book id", BuildRequest{BookID: "../other", Title: "T", TargetWords: 100, ChapterCount: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.StartBuild(context.Background(), tt.req)
			assert.Error(t, err)
		})
	}
	assert.Zero(t, f.agent.count(types.RoleOutline, ""))
}

func TestStartBuild_SuppliedOutline(t *testing.T) {
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))

	id, err := f.engine.StartBuild(context.Background(), BuildRequest{
		BookID: "my-book", Title: "T", TargetWords: 900, ChapterCount: 2,
		Outline: []types.OutlineEntry{{Title: "Alpha", Theme: "a"}, {Title: "Beta", Theme: "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "my-book", id)
	assert.Zero(t, f.agent.count(types.RoleOutline, ""))

	state, err := f.engine.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []int{450, 450}, []int{state.Chapters[0].TargetWordCount, state.Chapters[1].TargetWordCount})
	assert.Equal(t, "Alpha", state.Chapters[0].Title)
}

func TestOutline_RetryThenSucceed(t *testing.T) {
	handler := bookAgent(1)
	outlines := 0
	f := newFixture(t, types.DefaultEngineConfig(), func(role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
		if role == types.RoleOutline {
			outlines++
			if outlines == 1 {
				return agent.Outcome{Text: jsonOutline(2)}, nil
			}
			return agent.Outcome{Text: "1. One - first\n2. Two - second\n3. Three - third"}, nil
		}
		return handler(role, pc)
	})

	id, err := f.engine.StartBuild(context.Background(), BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 3})
	require.NoError(t, err)

	state, err := f.engine.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildComplete, state.Status)
	assert.Equal(t, []types.OutlineEntry{{Title: "One", Theme: "first"}, {Title: "Two", Theme: "second"}, {Title: "Three", Theme: "third"}}, state.Outline)

	retries := state.EventsOf(types.EventRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, types.RoleOutline, retries[0].Role)
	assert.Contains(t, retries[0].Message, "outline has 2 chapters, want 3")
	require.Len(t, f.agent.last(types.RoleOutline).Instructions, 1)
}

func TestOutline_FailureAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, types.DefaultEngineConfig(), func(types.AgentRole, prompt.Context) (agent.Outcome, error) {
		return agent.Outcome{Text: "I would rather not."}, nil
	})

	id, err := f.engine.StartBuild(ctx, BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuildFatal)
	var be *BuildError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, id, be.BookID)
	assert.Equal(t, 3, f.agent.count(types.RoleOutline, ""))

	saved, err := f.checkpoints.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildAborted, saved.Status)
	assert.Equal(t, "outline generation failed", saved.AbortReason)
	assert.Len(t, saved.EventsOf(types.EventRetry), 3)
	assert.Len(t, saved.EventsOf(types.EventAborted), 1)
	assert.Empty(t, saved.Chapters)
}

func TestWordCountFloor(t *testing.T) {
	tests := []struct {
		name        string
		topUpRatio  float64
		wantTopUps  int
		wantBelow   int
		lastHeading string
	}{
		{"floor reached by one top-up", 1, 1, 0, "Three"},
		{"floor missed after max top-ups", 0.8, 2, 1, "Conclusion"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := bookAgent(0.8)
			extra := bookAgent(tt.topUpRatio)
			f := newFixture(t, types.DefaultEngineConfig(), func(role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
				if pc.ChapterTitle == "Introduction" || pc.ChapterTitle == "Conclusion" {
					return extra(role, pc)
				}
				return body(role, pc)
			})

			id, err := f.engine.StartBuild(context.Background(), BuildRequest{Title: "T", Theme: "oceans", TargetWords: 50000, ChapterCount: 3})
			require.NoError(t, err)
			state, err := f.engine.GetStatus(context.Background(), id)
			require.NoError(t, err)

			assert.Equal(t, types.BuildComplete, state.Status)
			assert.Len(t, state.EventsOf(types.EventTopUp), tt.wantTopUps)
			assert.Len(t, state.EventsOf(types.EventBelowTarget), tt.wantBelow)
			assert.Len(t, state.Warnings, tt.wantBelow)
			assert.Equal(t, tt.wantTopUps, state.TopUpAttempts)
			assert.Len(t, state.Chapters, 3+tt.wantTopUps)

			intro := state.Chapter(4)
			require.NotNil(t, intro)
			assert.True(t, intro.Supplementary)
			assert.Equal(t, "Introduction", intro.Title)

			assert.True(t, strings.HasPrefix(state.Manuscript, "# T\n\n## Chapter 1: Introduction\n\n"))
			headings := strings.Split(state.Manuscript, "## Chapter ")
			assert.Contains(t, headings[len(headings)-1], tt.lastHeading)
			if tt.wantBelow == 0 {
				assert.GreaterOrEqual(t, state.FinalizedWords(), 45000)
			} else {
				assert.Less(t, state.FinalizedWords(), 45000)
			}
		})
	}
}

func TestFailurePolicies(t *testing.T) {
	refused := &agent.TaskError{Role: types.RoleWrite, ChapterIndex: 2, Attempts: 1, Class: agent.ClassPermanent, Err: errors.New("content refused")}
	outline := []types.OutlineEntry{{Title: "One"}, {Title: "Two"}, {Title: "Three"}}

	tests := []struct {
		policy    types.FailurePolicy
		wantErr   bool
		wantState types.BuildStatus
		wantEvent types.EventKind
		headings  int
	}{
		{types.PolicyPlaceholder, false, types.BuildComplete, types.EventPlaceholder, 3},
		{types.PolicySkip, false, types.BuildComplete, types.EventChapterSkipped, 2},
		{types.PolicyAbort, true, types.BuildAborted, types.EventAborted, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			cfg := types.DefaultEngineConfig()
			cfg.Workflow.FailurePolicy = tt.policy
			cfg.Workflow.MinimumRatio = 0
			handler := bookAgent(1)
			f := newFixture(t, cfg, func(role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
				if role == types.RoleWrite && pc.ChapterTitle == "Two" {
					return agent.Outcome{Attempts: 1}, refused
				}
				return handler(role, pc)
			})

			id, err := f.engine.StartBuild(context.Background(), BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 3, Outline: outline})
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrBuildFatal)
				assert.ErrorIs(t, err, agent.ErrAgentTaskFailed)
			} else {
				require.NoError(t, err)
			}

			state, err := f.engine.GetStatus(context.Background(), id)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, state.Status)
			assert.Len(t, state.EventsOf(tt.wantEvent), 1)
			failed := state.EventsOf(types.EventChapterFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, 2, failed[0].ChapterIndex)

			two := state.Chapter(2)
			assert.Equal(t, types.ChapterFailed, two.Status)
			assert.Contains(t, two.FailureReason, "content refused")
			assert.Equal(t, tt.policy == types.PolicyPlaceholder, two.Placeholder)
			assert.Equal(t, tt.headings, strings.Count(state.Manuscript, "## Chapter "))
			if tt.policy == types.PolicyPlaceholder {
				assert.Contains(t, state.Manuscript, "## Chapter 2: Two\n\n[This chapter")
			}
		})
	}
}

func TestCancelAndResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := bookAgent(1)
	f := newFixture(t, types.DefaultEngineConfig(), func(role types.AgentRole, pc prompt.Context) (agent.Outcome, error) {
		if role == types.RoleWrite && pc.ChapterTitle == "One" {
			cancel()
		}
		return handler(role, pc)
	})

	id, err := f.engine.StartBuild(ctx, BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotEmpty(t, id)

	saved, err := f.checkpoints.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildGenerating, saved.Status)
	assert.Equal(t, types.ChapterFinalized, saved.Chapter(1).Status, "in-flight chapter completes")
	assert.Equal(t, []int{2, 3}, saved.Pending())
	assert.Len(t, saved.EventsOf(types.EventCancelled), 1)

	require.NoError(t, f.engine.ResumeBuild(context.Background(), id))
	state, err := f.engine.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildComplete, state.Status)
	assert.Len(t, state.EventsOf(types.EventResumed), 1)
	assert.Len(t, state.EventsOf(types.EventChapterTransition), 15)
	assert.Equal(t, 1, f.agent.count(types.RoleWrite, "One"), "finalized chapters are not regenerated")
	assert.Equal(t, 1, f.agent.count(types.RoleOutline, ""))
}

func TestResume_ReingestsAndRestarts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))
	now := time.Now().UTC()

	state := &types.BookBuildState{
		BookID: "01RESUME", Title: "T", Theme: "rivers", TargetTotalWords: 30, ChapterCount: 3,
		Outline: []types.OutlineEntry{{Title: "One"}, {Title: "Two"}, {Title: "Three"}},
		Chapters: []types.ChapterRecord{
			{Index: 1, Title: "One", TargetWordCount: 10, Status: types.ChapterFinalized, Content: words(10), ActualWordCount: 10},
			{Index: 2, Title: "Two", TargetWordCount: 10, Status: types.ChapterFailed, FailureReason: "boom", Placeholder: true, Content: "stub"},
			{Index: 3, Title: "Three", TargetWordCount: 10, Status: types.ChapterDrafted, Content: "half written"},
		},
		Status:      types.BuildAborted,
		AbortReason: "chapter 2 failed",
		Entities: []types.EntityRecord{{
			Name: "Aria", Type: types.EntityCharacter,
			Attributes:        map[string]string{"eye_color": "blue"},
			AttributeChapters: map[string]int{"eye_color": 1},
			Chapters:          []int{1}, FirstSeenChapter: 1, LastSeenChapter: 1,
		}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.checkpoints.Save(ctx, state.BookID, state))

	require.NoError(t, f.engine.ResumeBuild(ctx, state.BookID))

	ok, err := f.memory.HasSource(ctx, types.ChapterSourceRef(1, "One"))
	require.NoError(t, err)
	assert.True(t, ok, "finalized chapter re-ingested")

	got, err := f.engine.GetStatus(ctx, state.BookID)
	require.NoError(t, err)
	assert.Equal(t, types.BuildComplete, got.Status)
	assert.Empty(t, got.AbortReason)
	for _, ch := range got.Chapters {
		assert.Equal(t, types.ChapterFinalized, ch.Status, ch.Title)
		assert.False(t, ch.Placeholder)
	}
	assert.Zero(t, f.agent.count(types.RoleWrite, "One"))
	assert.Equal(t, 1, f.agent.count(types.RoleWrite, "Two"))
	assert.Equal(t, 1, f.agent.count(types.RoleWrite, "Three"))
	assert.Contains(t, f.agent.last(types.RoleWrite).Continuity, "Aria")

	// A complete book resumes as a no-op.
	require.NoError(t, f.engine.ResumeBuild(ctx, state.BookID))
	assert.Equal(t, 1, f.agent.count(types.RoleWrite, "Three"))
}

func TestAssemble_Idempotent(t *testing.T) {
	ctx := context.Background()
	good := &recordingExporter{}
	bad := &recordingExporter{err: errors.New("disk full")}
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1), good, bad)

	id, err := f.engine.StartBuild(ctx, BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 3})
	require.NoError(t, err)

	first, err := f.engine.Assemble(ctx, id)
	require.NoError(t, err)
	second, err := f.engine.Assemble(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, 1, bad.calls)

	state, err := f.engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, state.Manuscript)
	assert.Len(t, state.EventsOf(types.EventExported), 1)
	require.Len(t, state.EventsOf(types.EventWarning), 1)
	assert.Contains(t, state.EventsOf(types.EventWarning)[0].Message, "disk full")

	// A fresh engine assembles from the checkpoint and returns the same bytes.
	other := New(Deps{Agent: f.agent, Memory: f.memory, Checkpoints: f.checkpoints, Logger: log.New(io.Discard)}, types.DefaultEngineConfig())
	third, err := other.Assemble(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first, third)
}

func TestAssemble_NotReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))
	state := &types.BookBuildState{
		BookID: "01PENDING", Title: "T", ChapterCount: 1,
		Chapters: []types.ChapterRecord{{Index: 1, Title: "One", Status: types.ChapterResearched}},
		Status:   types.BuildGenerating,
	}
	require.NoError(t, f.checkpoints.Save(ctx, state.BookID, state))

	_, err := f.engine.Assemble(ctx, state.BookID)
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = f.engine.Assemble(ctx, "unknown")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))

	_, err := f.engine.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	id, err := f.engine.StartBuild(ctx, BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 2})
	require.NoError(t, err)

	got, err := f.engine.GetStatus(ctx, id)
	require.NoError(t, err)
	got.Chapters[0].Title = "changed"
	again, err := f.engine.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "One", again.Chapters[0].Title, "status is a copy")
}

func TestParallelGeneration(t *testing.T) {
	cfg := types.DefaultEngineConfig()
	cfg.Workflow.Parallelism = 3
	f := newFixture(t, cfg, bookAgent(1))

	id, err := f.engine.StartBuild(context.Background(), BuildRequest{Title: "T", TargetWords: 1000, ChapterCount: 5})
	require.NoError(t, err)

	state, err := f.engine.GetStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.BuildComplete, state.Status)
	assert.Len(t, state.EventsOf(types.EventChapterTransition), 25)
	ids := map[string]bool{}
	for _, ev := range state.BuildLog {
		assert.False(t, ids[ev.ID], "event ids are unique")
		ids[ev.ID] = true
	}
	for i, name := range chapterNames[:5] {
		assert.Contains(t, state.Manuscript, fmt.Sprintf("## Chapter %d: %s\n", i+1, name))
	}
}

// chapterExtractor returns fixed mentions per chapter index.
type chapterExtractor map[int][]types.EntityMention

func (c chapterExtractor) Extract(_ context.Context, chapterIndex int, _, _ string) ([]types.EntityMention, error) {
	return c[chapterIndex], nil
}

// flakyMemory fails every ingest of one chapter with a transient error.
type flakyMemory struct {
	*memory.Store
	failChapter int
}

func (m flakyMemory) IngestChunks(ctx context.Context, text, sourceRef string, chapterIndex int) ([]string, error) {
	if chapterIndex == m.failChapter {
		return nil, provider.Transient("embeddings", errors.New("429 too many requests"))
	}
	return m.Store.IngestChunks(ctx, text, sourceRef, chapterIndex)
}

func TestFailedChapter_EntitiesNotRecorded(t *testing.T) {
	ctx := context.Background()
	aria := func(eyes string) []types.EntityMention {
		return []types.EntityMention{{Name: "Aria", Type: types.EntityCharacter, Attributes: map[string]string{"eye_color": eyes}}}
	}
	cp, err := checkpoint.NewFileStore(t.TempDir())
	require.NoError(t, err)
	cfg := types.DefaultEngineConfig()
	cfg.Workflow.MinimumRatio = 0
	engine := New(Deps{
		Agent:       &mockAgent{handler: bookAgent(1)},
		Memory:      flakyMemory{Store: testMemory(t), failChapter: 1},
		Extractor:   chapterExtractor{1: aria("blue"), 2: aria("green"), 3: aria("green")},
		Checkpoints: cp,
		Logger:      log.New(io.Discard),
	}, cfg)

	id, err := engine.StartBuild(ctx, BuildRequest{Title: "T", TargetWords: 300, ChapterCount: 3})
	require.NoError(t, err)
	state, err := engine.GetStatus(ctx, id)
	require.NoError(t, err)

	one := state.Chapter(1)
	assert.Equal(t, types.ChapterFailed, one.Status)
	assert.True(t, one.Placeholder)
	for _, idx := range []int{2, 3} {
		ch := state.Chapter(idx)
		assert.Equal(t, types.ChapterFinalized, ch.Status)
		assert.Empty(t, ch.UnresolvedConflicts)
	}
	assert.Empty(t, state.EventsOf(types.EventContinuityConflict))

	saved, err := cp.Load(ctx, id)
	require.NoError(t, err)
	for _, s := range []*types.BookBuildState{state, saved} {
		require.Len(t, s.Entities, 1)
		assert.Equal(t, "green", s.Entities[0].Attributes["eye_color"])
		assert.Equal(t, []int{2, 3}, s.Entities[0].Chapters)
	}
}

func TestAssemble_FromCheckpointAppliesFloor(t *testing.T) {
	tests := []struct {
		name         string
		topUpsSpent  int
		wantChapters int
		wantTopUps   int
		wantBelow    int
	}{
		{"tops up before completing", 0, 2, 1, 0},
		{"warns when top-ups are spent", 2, 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, types.DefaultEngineConfig(), bookAgent(1))
			state := &types.BookBuildState{
				BookID: "01SHORT", Title: "T", Theme: "rivers", TargetTotalWords: 100, ChapterCount: 1,
				Outline: []types.OutlineEntry{{Title: "One"}},
				Chapters: []types.ChapterRecord{{
					Index: 1, Title: "One", TargetWordCount: 100,
					Status: types.ChapterFinalized, Content: words(40), ActualWordCount: 40,
				}},
				TopUpAttempts: tt.topUpsSpent,
				Status:        types.BuildGenerating,
			}
			require.NoError(t, f.checkpoints.Save(ctx, state.BookID, state))

			text, err := f.engine.Assemble(ctx, state.BookID)
			require.NoError(t, err)

			got, err := f.engine.GetStatus(ctx, state.BookID)
			require.NoError(t, err)
			assert.Equal(t, types.BuildComplete, got.Status)
			assert.Equal(t, text, got.Manuscript)
			assert.Len(t, got.Chapters, tt.wantChapters)
			assert.Len(t, got.EventsOf(types.EventTopUp), tt.wantTopUps)
			assert.Len(t, got.EventsOf(types.EventBelowTarget), tt.wantBelow)
			if tt.wantTopUps > 0 {
				assert.True(t, strings.HasPrefix(text, "# T\n\n## Chapter 1: Introduction\n\n"))
				assert.GreaterOrEqual(t, got.FinalizedWords(), 90)
			}
		})
	}
}
