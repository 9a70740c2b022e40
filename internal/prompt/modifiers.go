// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package prompt

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/pdiddy/book-engine/pkg/types"
)

// Position places a modifier before or after the rendered prompt.
type Position string

const (
	Prefix Position = "prefix"
	Suffix Position = "suffix"
)

// Modifier is a named text-injection rule.
type Modifier struct {
	Name     string            `toml:"name"`
	Text     string            `toml:"text"`
	Position Position          `toml:"position"`
	Roles    []types.AgentRole `toml:"roles"`
	Disabled bool              `toml:"disabled"`
}

// appliesTo reports whether the modifier targets role. No roles means all roles.
func (m Modifier) appliesTo(role types.AgentRole) bool {
	return !m.Disabled && (len(m.Roles) == 0 || slices.Contains(m.Roles, role))
}

// Builtins are ready-made toggles selectable by name.
var Builtins = map[string]Modifier{
	"concise": {Name: "concise", Position: Suffix, Roles: []types.AgentRole{types.RoleEdit},
		Text: "Prefer short sentences and cut redundant phrasing."},
	"vivid": {Name: "vivid", Position: Suffix, Roles: []types.AgentRole{types.RoleWrite},
		Text: "Use concrete sensory detail in every scene."},
	"formal": {Name: "formal", Position: Prefix, Roles: []types.AgentRole{types.RoleWrite, types.RoleEdit},
		Text: "Write in a formal, non-fiction register."},
	"dialogue": {Name: "dialogue", Position: Suffix, Roles: []types.AgentRole{types.RoleWrite},
		Text: "Carry the chapter through dialogue where possible."},
	"cite_sources": {Name: "cite_sources", Position: Suffix, Roles: []types.AgentRole{types.RoleResearch},
		Text: "Name the source reference for every fact you list."},
}

// ModifierSet is an ordered collection of modifiers applied deterministically:
// prefixes in insertion order, then the prompt, then suffixes in insertion order.
type ModifierSet struct {
	mu   sync.RWMutex
	mods []Modifier
}

// NewModifierSet creates a set from mods, rejecting duplicate names.
func NewModifierSet(mods ...Modifier) (*ModifierSet, error) {
	s := &ModifierSet{}
	for _, m := range mods {
		if err := s.Add(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add appends a modifier.
func (s *ModifierSet) Add(m Modifier) error {
	if m.Name == "" {
		return fmt.Errorf("modifier has no name")
	}
	switch m.Position {
	case "":
		m.Position = Suffix
	case Prefix, Suffix:
	default:
		return fmt.Errorf("modifier %q: invalid position %q", m.Name, m.Position)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mods {
		if existing.Name == m.Name {
			return fmt.Errorf("duplicate modifier %q", m.Name)
		}
	}
	s.mods = append(s.mods, m)
	return nil
}

// AddBuiltin appends a builtin modifier by name.
func (s *ModifierSet) AddBuiltin(name string) error {
	m, ok := Builtins[name]
	if !ok {
		return fmt.Errorf("unknown builtin modifier %q", name)
	}
	return s.Add(m)
}

// Toggle enables or disables a modifier. It reports whether the name exists.
func (s *ModifierSet) Toggle(name string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mods {
		if s.mods[i].Name == name {
			s.mods[i].Disabled = !enabled
			return true
		}
	}
	return false
}

// Names returns the enabled modifier names in order.
func (s *ModifierSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, m := range s.mods {
		if !m.Disabled {
			out = append(out, m.Name)
		}
	}
	return out
}

// Apply wraps prompt with the modifiers that target role. A nil set
// returns prompt unchanged.
func (s *ModifierSet) Apply(role types.AgentRole, prompt string) string {
	if s == nil {
		return prompt
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pre, post []string
	for _, m := range s.mods {
		if !m.appliesTo(role) {
			continue
		}
		if m.Position == Prefix {
			pre = append(pre, m.Text)
		} else {
			post = append(post, m.Text)
		}
	}
	if len(pre) == 0 && len(post) == 0 {
		return prompt
	}

	parts := append(pre, strings.TrimRight(prompt, "\n"))
	parts = append(parts, post...)
	return strings.Join(parts, "\n\n") + "\n"
}

// modifierFile is the TOML layout of a modifiers file:
//
//	builtins = ["vivid"]
//
//	[[modifier]]
//	name = "second_person"
//	position = "prefix"
//	roles = ["write"]
//	text = "Write in the second person."
type modifierFile struct {
	Builtins  []string   `toml:"builtins"`
	Modifiers []Modifier `toml:"modifier"`
}

// LoadModifiers reads a TOML modifiers file.
func LoadModifiers(path string) (*ModifierSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading modifiers %s: %w", path, err)
	}
	var f modifierFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing modifiers %s: %w", path, err)
	}

	s := &ModifierSet{}
	for _, name := range f.Builtins {
		if err := s.AddBuiltin(name); err != nil {
			return nil, err
		}
	}
	for _, m := range f.Modifiers {
		if err := s.Add(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}
