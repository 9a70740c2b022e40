// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package provider adapts language-model APIs to a single Generate call and
// classifies their failures as transient or permanent.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pdiddy/book-engine/pkg/types"
)

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// LanguageModel generates text. The caller bounds the call with ctx.
// Implementations return errors wrapped by Classify.
type LanguageModel interface {
	Generate(ctx context.Context, req Request) (string, error)
}

var (
	// ErrTransient marks failures worth retrying: timeouts, rate limits, server errors.
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent marks failures that will not succeed on retry.
	ErrPermanent = errors.New("permanent provider error")
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       error
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Transient wraps err as a retryable failure.
func Transient(provider string, err error) error {
	return &Error{Provider: provider, Kind: ErrTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(provider string, err error) error {
	return &Error{Provider: provider, Kind: ErrPermanent, Err: err}
}

// KindForStatus maps an HTTP status code to ErrTransient or ErrPermanent.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusConflict,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= 500:
		return ErrTransient
	case code >= 400:
		return ErrPermanent
	default:
		return ErrTransient
	}
}

// Classify wraps a raw failure. Already classified errors pass through.
// Deadlines and network errors are transient; anything unrecognized is
// treated as transient so the retry policy decides.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return Transient(provider, err)
}

// WithStatus wraps err with the classification of an HTTP status code.
func WithStatus(provider string, code int, err error) error {
	return &Error{Provider: provider, Kind: KindForStatus(code), StatusCode: code, Err: err}
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	return true
}

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// New returns the LanguageModel for cfg.Provider.
func New(ctx context.Context, cfg types.ProviderConfig) (LanguageModel, error) {
	switch cfg.Provider {
	case types.ProviderOpenAI:
		return NewOpenAI(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case types.ProviderOllama:
		return NewOllama(cfg.Model, cfg.BaseURL), nil
	case types.ProviderAnthropic, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return NewAnthropic(cfg.APIKey, cfg.Model, cfg.BaseURL), nil
	case types.ProviderGemini:
		return NewGemini(ctx, cfg.APIKey, cfg.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}
