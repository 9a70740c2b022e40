// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/book-engine/pkg/types"
)

func TestParseOutline(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    []types.OutlineEntry
		wantErr bool
	}{
		{
			name: "json",
			text: `{"chapters":[{"title":"Launch","theme":"leaving Earth"},{"title":" Orbit ","theme":"weightless"}]}`,
			want: []types.OutlineEntry{{Title: "Launch", Theme: "leaving Earth"}, {Title: "Orbit", Theme: "weightless"}},
		},
		{
			name: "json in a fence",
			text: "Sure!\n```json\n{\"chapters\":[{\"title\":\"Launch\",\"theme\":\"t\"}]}\n```",
			want: []types.OutlineEntry{{Title: "Launch", Theme: "t"}},
		},
		{
			name: "numbered list with mixed separators",
			text: "Outline:\n1. Launch - leaving Earth\n2) **Orbit**: weightless\nChapter 3: Landing | touchdown\n",
			want: []types.OutlineEntry{
				{Title: "Launch", Theme: "leaving Earth"},
				{Title: "Orbit", Theme: "weightless"},
				{Title: "Landing", Theme: "touchdown"},
			},
		},
		{
			name: "numbered titles only",
			text: "1. Launch\n2. Orbit",
			want: []types.OutlineEntry{{Title: "Launch"}, {Title: "Orbit"}},
		},
		{
			name: "empty json falls back to list",
			text: "{\"chapters\":[]}\n1. Launch",
			want: []types.OutlineEntry{{Title: "Launch"}},
		},
		{name: "prose", text: "A book about space.", wantErr: true},
		{name: "empty", text: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOutline(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidateOutline(t *testing.T) {
	entries := []types.OutlineEntry{{Title: "A"}, {Title: "B"}}
	assert.NoError(t, validateOutline(entries, 2))
	assert.ErrorContains(t, validateOutline(entries, 3), "outline has 2 chapters, want 3")
	assert.ErrorContains(t, validateOutline([]types.OutlineEntry{{Title: "A"}, {Theme: "x"}}, 2), "chapter 2 has no title")
}

func TestBudgets(t *testing.T) {
	tests := []struct {
		name   string
		total  int
		n      int
		weight float64
		want   []int
	}{
		{"even split", 6000, 3, 1, []int{2000, 2000, 2000}},
		{"remainder to last", 1000, 3, 1, []int{333, 333, 334}},
		{"bookends weighted", 4000, 3, 1.5, []int{1500, 1000, 1500}},
		{"single chapter ignores weight", 900, 1, 2, []int{900}},
		{"zero weight treated as one", 100, 2, 0, []int{50, 50}},
		{"no chapters", 100, 0, 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := budgets(tt.total, tt.n, tt.weight)
			assert.Equal(t, tt.want, got)
			if tt.n > 0 {
				sum := 0
				for _, w := range got {
					sum += w
				}
				assert.Equal(t, tt.total, sum)
			}
		})
	}
}

func TestCreateChapters(t *testing.T) {
	chapters := createChapters([]types.OutlineEntry{{Title: "A", Theme: "a"}, {Title: "B", Theme: "b"}}, 100, 1)
	require.Len(t, chapters, 2)
	assert.Equal(t, types.ChapterRecord{Index: 1, Title: "A", Theme: "a", TargetWordCount: 50, Status: types.ChapterPlanned}, chapters[0])
	assert.Equal(t, 2, chapters[1].Index)
}

func TestReadingOrder(t *testing.T) {
	state := &types.BookBuildState{Title: "T", Chapters: []types.ChapterRecord{
		{Index: 1, Title: "A", Status: types.ChapterFinalized, Content: "a"},
		{Index: 2, Title: "B", Status: types.ChapterFailed, Placeholder: true, Content: "[stub]"},
		{Index: 3, Title: "C", Status: types.ChapterFailed},
		{Index: 4, Title: "Introduction", Status: types.ChapterFinalized, Supplementary: true, Content: "intro"},
		{Index: 5, Title: "Conclusion", Status: types.ChapterFinalized, Supplementary: true, Content: "outro"},
		{Index: 6, Title: "Introduction", Status: types.ChapterFailed, Supplementary: true},
	}}

	var titles []string
	for _, ch := range readingOrder(state) {
		titles = append(titles, ch.Title)
	}
	assert.Equal(t, []string{"Introduction", "A", "B", "Conclusion"}, titles)
	assert.Equal(t,
		"# T\n\n## Chapter 1: Introduction\n\nintro\n\n## Chapter 2: A\n\na\n\n## Chapter 3: B\n\n[stub]\n\n## Chapter 4: Conclusion\n\noutro\n\n",
		compose(state))
}
