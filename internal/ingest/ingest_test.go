// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/book-engine/pkg/types"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParse_Markdown(t *testing.T) {
	path := writeFile(t, "notes.md", `Preface text.

# Rockets
<!-- page 2 -->
Chemical rockets burn fuel.

## Ion drives

Ion drives are slow but efficient.
<!-- page 3 -->
They run for years.

### Empty
`)
	docs, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, types.Document{Text: "Preface text.", Metadata: map[string]string{"source": "notes.md"}}, docs[0])
	assert.Equal(t, "Chemical rockets burn fuel.", docs[1].Text)
	assert.Equal(t, map[string]string{"source": "notes.md", "heading": "Rockets", "page": "2"}, docs[1].Metadata)
	assert.Equal(t, "Ion drives are slow but efficient.\nThey run for years.", docs[2].Text)
	assert.Equal(t, "Ion drives", docs[2].Metadata["heading"])
	assert.Equal(t, "3", docs[2].Metadata["page"], "page is the last marker seen before the section ends")
}

func TestParsePageMarker(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"<!-- page 7 -->", 7, true},
		{"<!-- page x -->", 0, false},
		{"<!-- page 7", 0, false},
		{"page 7", 0, false},
	}
	for _, tt := range tests {
		got, ok := parsePageMarker(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParse_Text(t *testing.T) {
	long := strings.Repeat("a", maxGroupChars-10)
	path := writeFile(t, "log.txt", "first paragraph\r\nstill first\r\n\r\nsecond\n\n\n\n"+long+"\n\nlast")

	docs, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "first paragraph\nstill first\n\nsecond", docs[0].Text)
	assert.Equal(t, map[string]string{"source": "log.txt", "part": "1"}, docs[0].Metadata)
	assert.Equal(t, long+"\n\nlast", docs[1].Text)
	assert.Equal(t, "2", docs[1].Metadata["part"])
}

func TestParse_HTML(t *testing.T) {
	path := writeFile(t, "page.html", `<html><head><title>Mars Guide</title><style>p{}</style></head>
<body>
<nav><p>menu</p></nav>
<p>Intro paragraph.</p>
<h2>Climate</h2>
<p>Cold   and
dry.</p>
<ul><li>Dust storms</li></ul>
<h2>Empty</h2>
<script>var x = 1;</script>
</body></html>`)

	docs, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Intro paragraph.", docs[0].Text)
	assert.Equal(t, "Mars Guide", docs[0].Metadata["heading"])
	assert.Equal(t, "Cold and dry.\n\nDust storms", docs[1].Text)
	assert.Equal(t, map[string]string{"source": "page.html", "heading": "Climate", "title": "Mars Guide"}, docs[1].Metadata)
}

func TestParse_Outline(t *testing.T) {
	path := writeFile(t, "book.yaml", `title: Voyagers
theme: space exploration
target_words: 6000
chapters:
  - title: Launch
    theme: leaving Earth
  - title: Orbit
`)
	docs, err := Parse(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "Launch: leaving Earth", docs[0].Text)
	assert.Equal(t, "Orbit", docs[1].Text)
	assert.Equal(t, "2", docs[1].Metadata["outline_chapter"])

	o, err := ReadOutline(path)
	require.NoError(t, err)
	assert.Equal(t, "Voyagers", o.Title)
	assert.Equal(t, 6000, o.TargetWords)
	assert.Equal(t, []types.OutlineEntry{{Title: "Launch", Theme: "leaving Earth"}, {Title: "Orbit"}}, o.Chapters)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(writeFile(t, "book.pdf", "%PDF"))
	assert.ErrorIs(t, err, ErrUnsupported)

	_, err = Parse(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)

	_, err = Parse(writeFile(t, "empty.yaml", "title: x\n"))
	assert.ErrorContains(t, err, "no chapters")

	_, err = ReadOutline(writeFile(t, "untitled.yaml", "chapters:\n  - theme: x\n"))
	assert.ErrorContains(t, err, "chapter 1 has no title")
}
