// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package agent runs one role call against a language model with retry,
// rate limiting, timeouts and output validation. Roles differ only in the
// template and data they are given; there is one Agent capability.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/internal/provider"
	"github.com/pdiddy/book-engine/internal/telemetry"
	"github.com/pdiddy/book-engine/internal/tools"
	"github.com/pdiddy/book-engine/pkg/types"
)

// Agent is what the coordinator and workflow depend on.
type Agent interface {
	Run(ctx context.Context, role types.AgentRole, pc prompt.Context) (Outcome, error)
}

// Outcome is the result of a successful Run, and the partial record of a
// failed one.
type Outcome struct {
	Text     string
	Attempts int
	Retries  []RetryRecord

	// Prompt is the final rendered user prompt.
	Prompt string
}

// Runner implements Agent over a provider.LanguageModel.
type Runner struct {
	model       provider.LanguageModel
	cfg         types.RunnerConfig
	maxTokens   int
	temperature float64
	modifiers   *prompt.ModifierSet
	tools       *tools.Registry
	limiter     *rate.Limiter
	telemetry   *telemetry.Recorder
	logger      *log.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithModifiers applies mods to every rendered prompt.
func WithModifiers(mods *prompt.ModifierSet) Option {
	return func(r *Runner) { r.modifiers = mods }
}

// WithTools gives the research role a tool registry.
func WithTools(reg *tools.Registry) Option {
	return func(r *Runner) { r.tools = reg }
}

// WithTelemetry records spans and metrics.
func WithTelemetry(rec *telemetry.Recorder) Option {
	return func(r *Runner) { r.telemetry = rec }
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithGeneration sets max tokens and temperature for every request.
func WithGeneration(maxTokens int, temperature float64) Option {
	return func(r *Runner) {
		r.maxTokens = maxTokens
		r.temperature = temperature
	}
}

// NewRunner creates a Runner.
func NewRunner(model provider.LanguageModel, cfg types.RunnerConfig, opts ...Option) *Runner {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Multiplier <= 0 {
		cfg.Retry.Multiplier = 2
	}
	r := &Runner{model: model, cfg: cfg, maxTokens: 4096, temperature: 0.7, logger: log.Default()}
	if cfg.RequestsPerMinute > 0 {
		r.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run renders the role prompt and calls the model.
//
// Transient errors are retried up to MaxAttempts calls in total. Permanent
// errors fail at once. Output that is blank or shorter than MinOutputRatio of
// pc.TargetWords gets one more call asking the model to expand further.
func (r *Runner) Run(ctx context.Context, role types.AgentRole, pc prompt.Context) (Outcome, error) {
	ctx, end := r.telemetry.StartAgentCall(ctx, string(role), pc.ChapterIndex)
	out, err := r.run(ctx, role, pc)
	end(out.Attempts, err)
	return out, err
}

func (r *Runner) run(ctx context.Context, role types.AgentRole, pc prompt.Context) (Outcome, error) {
	var out Outcome
	fail := func(class string, err error) error {
		return &TaskError{Role: role, ChapterIndex: pc.ChapterIndex, Attempts: out.Attempts, Class: class, Err: err}
	}

	if role == types.RoleResearch && r.tools != nil {
		if found := r.research(ctx, pc); found != "" {
			pc.Research = strings.TrimSpace(pc.Research + "\n\n" + found)
		}
	}

	system, user, err := r.render(role, pc)
	if err != nil {
		return out, fail(ClassPermanent, err)
	}
	out.Prompt = user

	text, err := r.generate(ctx, role, system, user, &out)
	if err != nil {
		return out, r.callFailure(ctx, fail, err)
	}

	verr := r.validate(role, text, pc.TargetWords)
	if verr == nil {
		out.Text = text
		return out, nil
	}

	r.logger.Warn("output rejected, asking to expand", "role", role, "chapter", pc.ChapterIndex, "reason", verr)
	out.Retries = append(out.Retries, RetryRecord{Attempt: out.Attempts, Class: ClassValidation, Err: verr.Error()})

	pc.Instructions = append(slices.Clone(pc.Instructions), prompt.ExpandInstruction(types.WordCount(text), pc.TargetWords))
	system, user, err = r.render(role, pc)
	if err != nil {
		return out, fail(ClassPermanent, err)
	}
	out.Prompt = user

	text, err = r.generate(ctx, role, system, user, &out)
	if err != nil {
		return out, r.callFailure(ctx, fail, err)
	}
	if verr := r.validate(role, text, pc.TargetWords); verr != nil {
		return out, fail(ClassValidation, fmt.Errorf("%w: %v", ErrValidation, verr))
	}
	out.Text = text
	return out, nil
}

// callFailure converts a generate error. Cancellation of the caller's
// context is returned as is so callers can tell it from a failed task.
func (r *Runner) callFailure(ctx context.Context, fail func(string, error) error, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	if provider.IsPermanent(err) {
		return fail(ClassPermanent, err)
	}
	return fail(ClassTransient, err)
}

func (r *Runner) render(role types.AgentRole, pc prompt.Context) (string, string, error) {
	system, user, err := prompt.Render(role, pc)
	if err != nil {
		return "", "", err
	}
	return system, r.modifiers.Apply(role, user), nil
}

// generate calls the model until it succeeds, fails permanently, or the
// attempt ceiling is reached.
func (r *Runner) generate(ctx context.Context, role types.AgentRole, system, user string, out *Outcome) (string, error) {
	var lastErr error
	for n := 1; n <= r.cfg.Retry.MaxAttempts; n++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return "", err
			}
		}

		out.Attempts++
		text, err := r.call(ctx, system, user)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if provider.IsPermanent(err) {
			r.logger.Error("permanent provider error", "role", role, "attempt", n, "err", err)
			return "", err
		}

		lastErr = err
		if n == r.cfg.Retry.MaxAttempts {
			break
		}
		delay := r.backoff(n)
		out.Retries = append(out.Retries, RetryRecord{Attempt: n, Class: ClassTransient, Err: err.Error(), Delay: delay})
		r.telemetry.Retry(ctx, string(role))
		r.logger.Warn("transient provider error, retrying", "role", role, "attempt", n, "delay", delay, "err", err)

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", lastErr
}

// call makes one bounded request. A call that hits its own timeout is
// transient.
func (r *Runner) call(ctx context.Context, system, user string) (string, error) {
	callCtx := ctx
	if r.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.cfg.CallTimeout)
		defer cancel()
	}
	text, err := r.model.Generate(callCtx, provider.Request{
		System:      system,
		Prompt:      user,
		MaxTokens:   r.maxTokens,
		Temperature: r.temperature,
	})
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !provider.IsPermanent(err) {
		return "", provider.Transient("agent", fmt.Errorf("call timed out after %s: %w", r.cfg.CallTimeout, err))
	}
	return text, err
}

// backoff returns BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (r *Runner) backoff(n int) time.Duration {
	d := float64(r.cfg.Retry.BaseDelay) * math.Pow(r.cfg.Retry.Multiplier, float64(n-1))
	if r.cfg.Retry.MaxDelay > 0 && d > float64(r.cfg.Retry.MaxDelay) {
		return r.cfg.Retry.MaxDelay
	}
	return time.Duration(d)
}

func (r *Runner) validate(role types.AgentRole, text string, target int) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("empty output")
	}
	if r.cfg.MinOutputRatio <= 0 || target <= 0 {
		return nil
	}
	if role != types.RoleWrite && role != types.RoleEdit {
		return nil
	}
	want := int(math.Ceil(r.cfg.MinOutputRatio * float64(target)))
	if got := types.WordCount(text); got < want {
		return fmt.Errorf("output has %d words, want at least %d", got, want)
	}
	return nil
}

// research runs every registered tool. Tool failures are logged and skipped.
func (r *Runner) research(ctx context.Context, pc prompt.Context) string {
	req := tools.Request{
		Query:        strings.TrimSpace(pc.ChapterTitle + " " + pc.ChapterTheme),
		ChapterIndex: pc.ChapterIndex,
	}
	var parts []string
	for _, name := range r.tools.Names() {
		items, err := r.tools.Invoke(ctx, name, req)
		if err != nil {
			r.logger.Warn("research tool failed", "tool", name, "chapter", pc.ChapterIndex, "err", err)
			continue
		}
		if s := tools.Format(name, items); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// NewTask creates a pending task record.
func NewTask(role types.AgentRole, chapterIndex int) types.AgentTask {
	return types.AgentTask{
		ID:           uuid.NewString(),
		Role:         role,
		ChapterIndex: chapterIndex,
		Status:       types.TaskPending,
	}
}

// RunTask runs task through a, updating its status, attempt count and output.
func RunTask(ctx context.Context, a Agent, task *types.AgentTask, pc prompt.Context) (Outcome, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = types.TaskRunning

	out, err := a.Run(ctx, task.Role, pc)
	task.AttemptCount = out.Attempts
	task.InputContext = out.Prompt
	if err != nil {
		task.Status = types.TaskFailed
		task.Error = err.Error()
		return out, err
	}
	task.Status = types.TaskSucceeded
	task.OutputText = out.Text
	return out, nil
}
