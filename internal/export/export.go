// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package export writes completed books to disk.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/book-engine/internal/checkpoint"
	"github.com/pdiddy/book-engine/pkg/types"
)

// ErrUnsupportedFormat is returned for formats whose layouts are not produced.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// buildLog is the JSON export of a build's events.
type buildLog struct {
	BookID   string        `json:"book_id"`
	Title    string        `json:"title"`
	Status   string        `json:"overall_status"`
	Words    int           `json:"words"`
	Warnings []string      `json:"warnings,omitempty"`
	Events   []types.Event `json:"events"`
}

// Manager writes the configured formats under OutputDir/<book_id>/.
type Manager struct {
	cfg    types.ExportConfig
	md     goldmark.Markdown
	logger *log.Logger
}

// NewManager creates a Manager. Markdown is the only format when none are configured.
func NewManager(cfg types.ExportConfig, logger *log.Logger) *Manager {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "books/output"
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []types.ExportFormat{types.FormatMarkdown}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		cfg:    cfg,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM, extension.Typographer)),
		logger: logger,
	}
}

// Export writes every configured format and returns the written paths.
// Formats that fail are reported together; the others are still written.
func (m *Manager) Export(ctx context.Context, state *types.BookBuildState) ([]string, error) {
	if state.Status != types.BuildComplete {
		return nil, fmt.Errorf("exporting %s: book is %s, not complete", state.BookID, state.Status)
	}
	if err := checkpoint.ValidID(state.BookID); err != nil {
		return nil, fmt.Errorf("exporting: %w", err)
	}
	dir := filepath.Join(m.cfg.OutputDir, state.BookID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var paths []string
	var errs []error
	for _, format := range m.cfg.Formats {
		if err := ctx.Err(); err != nil {
			return paths, err
		}
		path, err := m.write(dir, format, state)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", format, err))
			m.logger.Warn("export failed", "book", state.BookID, "format", format, "err", err)
			continue
		}
		m.logger.Info("exported", "book", state.BookID, "format", format, "path", path)
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}

func (m *Manager) write(dir string, format types.ExportFormat, state *types.BookBuildState) (string, error) {
	var (
		name string
		data []byte
		err  error
	)
	switch format {
	case types.FormatMarkdown:
		name, data = "manuscript.md", []byte(state.Manuscript)
	case types.FormatHTML:
		name = "manuscript.html"
		data, err = m.renderHTML(state)
	case types.FormatJSON:
		name = "build_log.json"
		data, err = json.MarshalIndent(buildLog{
			BookID:   state.BookID,
			Title:    state.Title,
			Status:   string(state.Status),
			Words:    state.FinalizedWords(),
			Warnings: state.Warnings,
			Events:   state.BuildLog,
		}, "", "  ")
	case types.FormatYAML:
		name = "state.yaml"
		data, err = yaml.Marshal(state)
	case types.FormatDOCX, types.FormatPDF, types.FormatEPUB:
		return "", ErrUnsupportedFormat
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

func (m *Manager) renderHTML(state *types.BookBuildState) ([]byte, error) {
	var body bytes.Buffer
	if err := m.md.Convert([]byte(state.Manuscript), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n",
		html.EscapeString(state.Title))
	out.Write(body.Bytes())
	out.WriteString("</body>\n</html>\n")
	return out.Bytes(), nil
}
