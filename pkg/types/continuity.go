// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// EntityType categorizes a recurring element of the book.
type EntityType string

const (
	EntityCharacter   EntityType = "character"
	EntityLocation    EntityType = "location"
	EntityPlotThread  EntityType = "plot_thread"
	EntityTerminology EntityType = "terminology"
	EntityOther       EntityType = "other"
)

// EntityMention is one entity as asserted by a chapter's text.
type EntityMention struct {
	Name       string            `json:"name" yaml:"name" jsonschema_description:"Canonical name of the entity"`
	Type       EntityType        `json:"type" yaml:"type" jsonschema:"enum=character,enum=location,enum=plot_thread,enum=terminology,enum=other"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty" jsonschema_description:"Stable facts such as eye_color or capital_city"`

	// Revision marks every attribute of this mention as an intended change.
	Revision bool `json:"revision,omitempty" yaml:"revision,omitempty" jsonschema_description:"True when the text deliberately changes an established fact"`

	// RevisedFields marks individual attributes as intended changes.
	RevisedFields []string `json:"revised_fields,omitempty" yaml:"revised_fields,omitempty"`
}

// IsRevised reports whether field may replace a previously recorded value.
func (m EntityMention) IsRevised(field string) bool {
	if m.Revision {
		return true
	}
	for _, f := range m.RevisedFields {
		if f == field {
			return true
		}
	}
	return false
}

// AttributeRevision records an explicit change to an established attribute.
type AttributeRevision struct {
	Field        string `json:"field" yaml:"field"`
	OldValue     string `json:"old_value" yaml:"old_value"`
	NewValue     string `json:"new_value" yaml:"new_value"`
	ChapterIndex int    `json:"chapter_index" yaml:"chapter_index"`
}

// EntityRecord is the continuity registry entry for one entity, keyed by name.
type EntityRecord struct {
	Name       string            `json:"entity_name" yaml:"entity_name"`
	Type       EntityType        `json:"entity_type" yaml:"entity_type"`
	Attributes map[string]string `json:"attributes" yaml:"attributes"`

	// AttributeChapters maps each attribute to the chapter that established its current value.
	AttributeChapters map[string]int `json:"attribute_chapters" yaml:"attribute_chapters"`

	// Chapters lists every chapter that mentioned the entity, ascending.
	Chapters []int `json:"chapters" yaml:"chapters"`

	FirstSeenChapter int `json:"first_seen_chapter" yaml:"first_seen_chapter"`
	LastSeenChapter  int `json:"last_seen_chapter" yaml:"last_seen_chapter"`

	Revisions []AttributeRevision `json:"revisions,omitempty" yaml:"revisions,omitempty"`
}

// ConflictReport describes an attribute that contradicts its recorded value.
type ConflictReport struct {
	EntityName   string `json:"entity_name" yaml:"entity_name"`
	Field        string `json:"field" yaml:"field"`
	OldValue     string `json:"old_value" yaml:"old_value"`
	NewValue     string `json:"new_value" yaml:"new_value"`
	ChapterIndex int    `json:"chapter_index" yaml:"chapter_index"`
}
