// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/liushuangls/go-anthropic/v2"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5-20250929"
	defaultAnthropicMaxTokens = 8192
)

// Anthropic calls the Claude Messages API.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// NewAnthropic creates a Claude adapter.
func NewAnthropic(apiKey, model, baseURL string) *Anthropic {
	if model == "" {
		model = defaultAnthropicModel
	}
	var opts []anthropic.ClientOption
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(apiKey, opts...), model: model}
}

// Generate sends one Messages request and concatenates the text blocks.
func (a *Anthropic) Generate(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	mr := anthropic.MessagesRequest{
		Model:  anthropic.Model(a.model),
		System: req.System,
		Messages: []anthropic.Message{
			{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(req.Prompt)},
			},
		},
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		mr.Temperature = &t
	}

	resp, err := a.client.CreateMessages(ctx, mr)
	if err != nil {
		return "", classifyAnthropic(err)
	}

	var b strings.Builder
	for _, c := range resp.Content {
		if c.Text != nil {
			b.WriteString(*c.Text)
		}
	}
	return b.String(), nil
}

// classifyAnthropic maps API error types to the provider taxonomy.
func classifyAnthropic(err error) error {
	var apiErr *anthropic.APIError
	if errors.As(err, &apiErr) {
		switch string(apiErr.Type) {
		case "rate_limit_error", "overloaded_error", "api_error", "timeout_error":
			return &Error{Provider: "anthropic", Kind: ErrTransient, Err: err}
		default:
			return &Error{Provider: "anthropic", Kind: ErrPermanent, Err: err}
		}
	}
	var reqErr *anthropic.RequestError
	if errors.As(err, &reqErr) && reqErr.StatusCode != 0 {
		return WithStatus("anthropic", reqErr.StatusCode, err)
	}
	return Classify("anthropic", err)
}
