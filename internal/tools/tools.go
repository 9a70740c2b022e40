// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package tools provides the lookups the research role can run before
// calling the model: the book's own memory and configured news feeds.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknownTool is returned by Invoke for unregistered names.
var ErrUnknownTool = errors.New("unknown tool")

// Request is the input of one tool invocation.
type Request struct {
	Query string

	// ChapterIndex is the chapter being researched; tools must not return
	// material from this chapter or later.
	ChapterIndex int

	// Limit caps the number of items returned. Zero means the tool default.
	Limit int
}

// Item is one piece of material found by a tool.
type Item struct {
	Title  string
	Text   string
	Source string
}

// Tool is a named lookup.
type Tool interface {
	Name() string
	Description() string
	Run(ctx context.Context, req Request) ([]Item, error)
}

// Registry holds tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[string]Tool{}}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds t. Names must be unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; ok {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, req Request) ([]Item, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	items, err := t.Run(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	return items, nil
}

// Format renders items as a research notes block.
func Format(tool string, items []Item) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From %s:\n", tool)
	for _, it := range items {
		b.WriteString("- ")
		if it.Title != "" {
			b.WriteString(it.Title + ": ")
		}
		b.WriteString(strings.TrimSpace(it.Text))
		if it.Source != "" {
			fmt.Fprintf(&b, " (%s)", it.Source)
		}
		b.WriteByte('\n')
	}
	return b.String()
}
