// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package ingest turns reference files into documents for the memory store.
// Markdown is split by headings, plain text by paragraph groups, HTML by
// its headings and paragraphs, and YAML files are read as book outlines.
package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/book-engine/pkg/types"
)

// ErrUnsupported is returned for file extensions Parse does not handle.
var ErrUnsupported = errors.New("unsupported file type")

// maxGroupChars bounds a paragraph group from a plain-text file.
const maxGroupChars = 2000

// Outline is the YAML form of a book plan.
type Outline struct {
	Title       string               `yaml:"title"`
	Theme       string               `yaml:"theme"`
	TargetWords int                  `yaml:"target_words"`
	Chapters    []types.OutlineEntry `yaml:"chapters"`
}

// Parse reads path and returns its documents. Every document carries the
// file name as its "source" metadata.
func Parse(path string) ([]types.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	source := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return parseMarkdown(string(data), source), nil
	case ".txt":
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		return parseText(string(data), source), nil
	case ".html", ".htm":
		return parseHTML(f, source)
	case ".yaml", ".yml":
		o, err := decodeOutline(f)
		if err != nil {
			return nil, fmt.Errorf("parsing outline %s: %w", path, err)
		}
		return outlineDocuments(o, source), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
}

// ReadOutline loads a YAML outline file.
func ReadOutline(path string) (Outline, error) {
	f, err := os.Open(path)
	if err != nil {
		return Outline{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	o, err := decodeOutline(f)
	if err != nil {
		return Outline{}, fmt.Errorf("parsing outline %s: %w", path, err)
	}
	return o, nil
}

func decodeOutline(r io.Reader) (Outline, error) {
	var o Outline
	if err := yaml.NewDecoder(r).Decode(&o); err != nil {
		return Outline{}, err
	}
	if len(o.Chapters) == 0 {
		return Outline{}, errors.New("outline has no chapters")
	}
	for i, ch := range o.Chapters {
		if strings.TrimSpace(ch.Title) == "" {
			return Outline{}, fmt.Errorf("chapter %d has no title", i+1)
		}
	}
	return o, nil
}

func outlineDocuments(o Outline, source string) []types.Document {
	docs := make([]types.Document, 0, len(o.Chapters))
	for i, ch := range o.Chapters {
		text := ch.Title
		if ch.Theme != "" {
			text += ": " + ch.Theme
		}
		docs = append(docs, types.Document{
			Text: text,
			Metadata: map[string]string{
				"source":          source,
				"heading":         ch.Title,
				"outline_chapter": strconv.Itoa(i + 1),
			},
		})
	}
	return docs
}

type section struct {
	heading string
	body    string
	page    int
}

// parseMarkdown splits content at #, ## and ### headings, following
// <!-- page N --> markers.
func parseMarkdown(content, source string) []types.Document {
	var sections []section
	heading := ""
	page := 0
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		if text != "" {
			sections = append(sections, section{heading: heading, body: text, page: page})
		}
		body = nil
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if p, ok := parsePageMarker(trimmed); ok {
			page = p
			continue
		}
		if h, ok := headingText(trimmed); ok {
			flush()
			heading = h
			continue
		}
		body = append(body, line)
	}
	flush()

	docs := make([]types.Document, 0, len(sections))
	for _, s := range sections {
		meta := map[string]string{"source": source}
		if s.heading != "" {
			meta["heading"] = s.heading
		}
		if s.page > 0 {
			meta["page"] = strconv.Itoa(s.page)
		}
		docs = append(docs, types.Document{Text: s.body, Metadata: meta})
	}
	return docs
}

func headingText(line string) (string, bool) {
	for _, prefix := range []string{"# ", "## ", "### "} {
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimLeft(line, "#")), true
		}
	}
	return "", false
}

// parsePageMarker reads the page number from "<!-- page 3 -->".
func parsePageMarker(line string) (int, bool) {
	inner, ok := strings.CutPrefix(line, "<!-- page ")
	if !ok {
		return 0, false
	}
	inner, ok = strings.CutSuffix(inner, " -->")
	if !ok {
		return 0, false
	}
	page, err := strconv.Atoi(strings.TrimSpace(inner))
	if err != nil {
		return 0, false
	}
	return page, true
}

// parseText groups blank-line separated paragraphs up to maxGroupChars.
func parseText(content, source string) []types.Document {
	var docs []types.Document
	var group []string
	size := 0

	flush := func() {
		if len(group) == 0 {
			return
		}
		docs = append(docs, types.Document{
			Text:     strings.Join(group, "\n\n"),
			Metadata: map[string]string{"source": source, "part": strconv.Itoa(len(docs) + 1)},
		})
		group, size = nil, 0
	}

	for _, para := range splitParagraphs(content) {
		if size > 0 && size+len(para) > maxGroupChars {
			flush()
		}
		group = append(group, para)
		size += len(para)
	}
	flush()
	return docs
}

func splitParagraphs(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	var out []string
	for _, p := range strings.Split(content, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseHTML keeps the title and the text under each h1-h3 heading.
func parseHTML(r io.Reader, source string) ([]types.Document, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parsing HTML %s: %w", source, err)
	}
	doc.Find("script, style, nav, footer").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	heading := title
	var body []string
	var docs []types.Document

	flush := func() {
		if len(body) == 0 {
			return
		}
		meta := map[string]string{"source": source}
		if heading != "" {
			meta["heading"] = heading
		}
		if title != "" {
			meta["title"] = title
		}
		docs = append(docs, types.Document{Text: strings.Join(body, "\n\n"), Metadata: meta})
		body = nil
	}

	doc.Find("body").Find("h1, h2, h3, p, li, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1", "h2", "h3":
			flush()
			heading = text
		default:
			body = append(body, text)
		}
	})
	flush()
	return docs, nil
}
