// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package agent

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/book-engine/internal/memory"
	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/internal/provider"
	"github.com/pdiddy/book-engine/internal/tools"
	"github.com/pdiddy/book-engine/pkg/types"
)

// reply is one scripted model response.
type reply struct {
	text string
	err  error
}

// mockModel returns scripted replies in order, repeating the last one.
type mockModel struct {
	mu       sync.Mutex
	replies  []reply
	requests []provider.Request
}

func (m *mockModel) Generate(ctx context.Context, req provider.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := min(len(m.requests)-1, len(m.replies)-1)
	return m.replies[i].text, m.replies[i].err
}

func (m *mockModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func testConfig() types.RunnerConfig {
	return types.RunnerConfig{
		Retry: types.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
			MaxDelay:    5 * time.Millisecond,
		},
		MinOutputRatio: 0.5,
	}
}

func newTestRunner(m provider.LanguageModel, cfg types.RunnerConfig, opts ...Option) *Runner {
	opts = append([]Option{WithLogger(log.New(io.Discard))}, opts...)
	return NewRunner(m, cfg, opts...)
}

var (
	errRateLimited = provider.WithStatus("mock", 429, errors.New("slow down"))
	errBadRequest  = provider.WithStatus("mock", 400, errors.New("bad request"))
)

func TestRun_Success(t *testing.T) {
	m := &mockModel{replies: []reply{{text: "research notes about the moon"}}}
	r := newTestRunner(m, testConfig())

	out, err := r.Run(context.Background(), types.RoleResearch, prompt.Context{ChapterTitle: "Moon", ChapterIndex: 1})
	require.NoError(t, err)
	assert.Equal(t, "research notes about the moon", out.Text)
	assert.Equal(t, 1, out.Attempts)
	assert.Empty(t, out.Retries)
	require.Len(t, m.requests, 1)
	assert.True(t, strings.HasPrefix(m.requests[0].Prompt, "## Task: research\nChapter: Moon\n"))
	assert.NotEmpty(t, m.requests[0].System)
}

func TestRun_RetryCeiling(t *testing.T) {
	for _, attempts := range []int{1, 3, 5} {
		cfg := testConfig()
		cfg.Retry.MaxAttempts = attempts
		m := &mockModel{replies: []reply{{err: errRateLimited}}}
		r := newTestRunner(m, cfg)

		out, err := r.Run(context.Background(), types.RoleWrite, prompt.Context{ChapterIndex: 2})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAgentTaskFailed)
		assert.ErrorIs(t, err, provider.ErrTransient)
		assert.Equal(t, attempts, m.calls())
		assert.Equal(t, attempts, out.Attempts)
		assert.Len(t, out.Retries, attempts-1)

		var te *TaskError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, ClassTransient, te.Class)
		assert.Equal(t, 2, te.ChapterIndex)
	}
}

func TestRun_PermanentFailsImmediately(t *testing.T) {
	m := &mockModel{replies: []reply{{err: errBadRequest}}}
	r := newTestRunner(m, testConfig())

	out, err := r.Run(context.Background(), types.RoleEdit, prompt.Context{})
	assert.ErrorIs(t, err, ErrAgentTaskFailed)
	assert.ErrorIs(t, err, provider.ErrPermanent)
	assert.Equal(t, 1, m.calls())
	assert.Equal(t, 1, out.Attempts)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ClassPermanent, te.Class)
}

func TestRun_TransientThenSuccess(t *testing.T) {
	m := &mockModel{replies: []reply{
		{err: errRateLimited},
		{err: provider.Transient("mock", errors.New("503"))},
		{text: "done"},
	}}
	r := newTestRunner(m, testConfig())

	out, err := r.Run(context.Background(), types.RoleOutline, prompt.Context{})
	require.NoError(t, err)
	assert.Equal(t, "done", out.Text)
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, out.Retries, 2)
	assert.Equal(t, ClassTransient, out.Retries[0].Class)
	assert.Equal(t, time.Millisecond, out.Retries[0].Delay)
	assert.Equal(t, 2*time.Millisecond, out.Retries[1].Delay)
}

func TestRun_Validation(t *testing.T) {
	long := strings.Repeat("word ", 60)

	tests := []struct {
		name      string
		role      types.AgentRole
		replies   []reply
		wantCalls int
		wantErr   error
		wantText  string
	}{
		{
			name:      "blank then good",
			role:      types.RoleResearch,
			replies:   []reply{{text: "   "}, {text: "notes"}},
			wantCalls: 2,
			wantText:  "notes",
		},
		{
			name:      "short then long",
			role:      types.RoleWrite,
			replies:   []reply{{text: "too short"}, {text: long}},
			wantCalls: 2,
			wantText:  long,
		},
		{
			name:      "short twice",
			role:      types.RoleWrite,
			replies:   []reply{{text: "too short"}, {text: "still short"}},
			wantCalls: 2,
			wantErr:   ErrValidation,
		},
		{
			name:      "short research output is fine",
			role:      types.RoleResearch,
			replies:   []reply{{text: "brief"}},
			wantCalls: 1,
			wantText:  "brief",
		},
		{
			name:      "expand call gets its own transient budget",
			role:      types.RoleEdit,
			replies:   []reply{{text: ""}, {err: errRateLimited}, {text: long}},
			wantCalls: 3,
			wantText:  long,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &mockModel{replies: tt.replies}
			r := newTestRunner(m, testConfig())

			out, err := r.Run(context.Background(), tt.role, prompt.Context{TargetWords: 100})
			assert.Equal(t, tt.wantCalls, m.calls())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, ErrAgentTaskFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantText, out.Text)
			if tt.wantCalls > 1 {
				assert.Equal(t, ClassValidation, out.Retries[0].Class)
				assert.Contains(t, m.requests[1].Prompt, "Expand further")
			}
		})
	}
}

func TestRun_CallTimeoutIsTransient(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 5 * time.Millisecond
	cfg.Retry.MaxAttempts = 2
	slow := modelFunc(func(ctx context.Context, _ provider.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	r := newTestRunner(slow, cfg)

	out, err := r.Run(context.Background(), types.RoleWrite, prompt.Context{})
	assert.ErrorIs(t, err, ErrAgentTaskFailed)
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, 2, out.Attempts)
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &mockModel{replies: []reply{{text: "x"}}}
	r := newTestRunner(m, testConfig())

	_, err := r.Run(ctx, types.RoleWrite, prompt.Context{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrAgentTaskFailed)
	assert.Zero(t, m.calls())
}

func TestRun_Modifiers(t *testing.T) {
	mods, err := prompt.NewModifierSet(prompt.Modifier{Name: "tone", Position: prompt.Prefix, Text: "Be warm."})
	require.NoError(t, err)
	m := &mockModel{replies: []reply{{text: "ok"}}}
	r := newTestRunner(m, testConfig(), WithModifiers(mods))

	_, err = r.Run(context.Background(), types.RoleOutline, prompt.Context{})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(m.requests[0].Prompt, "Be warm.\n\n## Task: outline"))
}

type stubSearcher struct{}

func (stubSearcher) Query(context.Context, string, int, *memory.Filter) ([]types.RetrievalResult, error) {
	return []types.RetrievalResult{{Text: "Aria was born on Mars", SourceRef: "chapter:01:origins"}}, nil
}

type failingTool struct{}

func (failingTool) Name() string        { return "broken" }
func (failingTool) Description() string { return "always fails" }
func (failingTool) Run(context.Context, tools.Request) ([]tools.Item, error) {
	return nil, errors.New("offline")
}

func TestRun_ResearchUsesTools(t *testing.T) {
	reg, err := tools.NewRegistry(tools.NewMemorySearch(stubSearcher{}), failingTool{})
	require.NoError(t, err)
	m := &mockModel{replies: []reply{{text: "notes"}}}
	r := newTestRunner(m, testConfig(), WithTools(reg))

	_, err = r.Run(context.Background(), types.RoleResearch, prompt.Context{ChapterTitle: "Return", ChapterIndex: 2})
	require.NoError(t, err)
	assert.Contains(t, m.requests[0].Prompt, "From memory_search:\n- Aria was born on Mars (chapter:01:origins)")

	_, err = r.Run(context.Background(), types.RoleWrite, prompt.Context{ChapterTitle: "Return", ChapterIndex: 2})
	require.NoError(t, err)
	assert.NotContains(t, m.requests[1].Prompt, "From memory_search")
}

func TestBackoff(t *testing.T) {
	r := newTestRunner(&mockModel{}, types.RunnerConfig{Retry: types.RetryConfig{
		MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 3, MaxDelay: 10 * time.Second,
	}})
	assert.Equal(t, time.Second, r.backoff(1))
	assert.Equal(t, 3*time.Second, r.backoff(2))
	assert.Equal(t, 9*time.Second, r.backoff(3))
	assert.Equal(t, 10*time.Second, r.backoff(4))
}

func TestRunTask(t *testing.T) {
	m := &mockModel{replies: []reply{{text: "draft"}}}
	r := newTestRunner(m, testConfig())

	task := NewTask(types.RoleWrite, 1)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.NotEmpty(t, task.ID)

	_, err := RunTask(context.Background(), r, &task, prompt.Context{ChapterTitle: "One"})
	require.NoError(t, err)
	assert.Equal(t, types.TaskSucceeded, task.Status)
	assert.Equal(t, "draft", task.OutputText)
	assert.Equal(t, 1, task.AttemptCount)
	assert.True(t, task.Terminal())

	m.replies = []reply{{err: errBadRequest}}
	failed := types.AgentTask{Role: types.RoleEdit, ChapterIndex: 1}
	_, err = RunTask(context.Background(), r, &failed, prompt.Context{})
	require.Error(t, err)
	assert.Equal(t, types.TaskFailed, failed.Status)
	assert.NotEmpty(t, failed.ID)
	assert.NotEmpty(t, failed.Error)
}

type modelFunc func(ctx context.Context, req provider.Request) (string, error)

func (f modelFunc) Generate(ctx context.Context, req provider.Request) (string, error) {
	return f(ctx, req)
}
