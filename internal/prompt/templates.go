// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package prompt renders role prompts and applies composable modifiers.
// Every rendered prompt starts with a "## Task: <role>" header and a
// "Chapter: <title>" line so providers and mocks can identify the call.
package prompt

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/pdiddy/book-engine/pkg/types"
)

// Context is the data available to a role template.
type Context struct {
	BookTitle    string
	BookTheme    string
	ChapterCount int

	ChapterIndex int
	ChapterTitle string
	ChapterTheme string
	TargetWords  int

	// Memory is the packed retrieval context window.
	Memory string

	// Continuity is the entity summary for the chapter.
	Continuity string

	Research string
	Draft    string

	// Text is the passage under extraction.
	Text string

	// Schema is the JSON schema the extract role must follow.
	Schema string

	// Instructions are corrective notes appended by the coordinator
	// (continuity fixes, length corrections, "expand further").
	Instructions []string
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

var roleTemplates = map[types.AgentRole]*template.Template{
	types.RoleOutline: template.Must(template.New("outline").Funcs(funcs).Parse(`## Task: outline
Chapter: {{.ChapterTitle}}
Book: {{.BookTitle}}
Theme: {{.BookTheme}}

Plan a book of exactly {{.ChapterCount}} chapters, about {{.TargetWords}} words in total.
Respond with a JSON object: {"chapters": [{"title": "...", "theme": "one line"}]}.
Do not include any text outside the JSON object.
`)),

	types.RoleResearch: template.Must(template.New("research").Funcs(funcs).Parse(`## Task: research
Chapter: {{.ChapterTitle}}
Book: {{.BookTitle}} ({{.BookTheme}})
Chapter {{.ChapterIndex}} theme: {{.ChapterTheme}}

Collect the facts, prior events and open threads the writer needs for this chapter.
{{- if .Research}}

Findings from lookups:
{{.Research}}
{{- end}}
{{- if .Memory}}

Relevant material from earlier chapters and sources:
{{.Memory}}
{{- end}}
{{- if .Continuity}}

Established entities:
{{.Continuity}}
{{- end}}
`)),

	types.RoleWrite: template.Must(template.New("write").Funcs(funcs).Parse(`## Task: write
Chapter: {{.ChapterTitle}}
Book: {{.BookTitle}} ({{.BookTheme}})
Chapter {{.ChapterIndex}} theme: {{.ChapterTheme}}

Write the full chapter, about {{.TargetWords}} words. Stay consistent with the established entities.
{{- if .Research}}

Research notes:
{{.Research}}
{{- end}}
{{- if .Memory}}

Earlier material:
{{.Memory}}
{{- end}}
{{- if .Continuity}}

Established entities:
{{.Continuity}}
{{- end}}
`)),

	types.RoleEdit: template.Must(template.New("edit").Funcs(funcs).Parse(`## Task: edit
Chapter: {{.ChapterTitle}}
Book: {{.BookTitle}}

Edit the chapter for clarity and consistency. Preserve its meaning and keep it about {{.TargetWords}} words.
Return only the edited chapter.
{{- if .Continuity}}

Established entities:
{{.Continuity}}
{{- end}}

Chapter text:
{{.Draft}}
`)),

	types.RoleExtract: template.Must(template.New("extract").Funcs(funcs).Parse(`## Task: extract
Chapter: {{.ChapterTitle}}

List every recurring entity (character, location, plot thread, terminology) in the text
with its stable attributes. Mark "revision": true only when the text deliberately changes
an established fact. Respond with a JSON object matching this schema and nothing else:
{{.Schema}}

Text:
{{.Text}}
`)),
}

var systemPrompts = map[types.AgentRole]string{
	types.RoleOutline:  "You are a book architect who plans coherent long-form books.",
	types.RoleResearch: "You are a meticulous research assistant for a book author.",
	types.RoleWrite:    "You are a skilled author writing one chapter of a long book.",
	types.RoleEdit:     "You are a careful line editor.",
	types.RoleExtract:  "You extract structured continuity data from prose.",
}

// Render returns the system prompt and user prompt for role.
func Render(role types.AgentRole, pc Context) (system, user string, err error) {
	tmpl, ok := roleTemplates[role]
	if !ok {
		return "", "", fmt.Errorf("no template for role %q", role)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, pc); err != nil {
		return "", "", fmt.Errorf("rendering %s prompt: %w", role, err)
	}
	if len(pc.Instructions) > 0 {
		buf.WriteString("\nAdditional instructions:\n")
		for _, in := range pc.Instructions {
			fmt.Fprintf(&buf, "- %s\n", in)
		}
	}
	return systemPrompts[role], buf.String(), nil
}

// ExpandInstruction is appended when output fails length validation.
func ExpandInstruction(got, want int) string {
	return fmt.Sprintf("Your previous answer was too short (%d words). Expand further to about %d words with more detail and scene development.", got, want)
}
