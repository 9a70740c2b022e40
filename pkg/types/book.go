// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// ChapterStatus tracks a chapter through the agent pipeline.
type ChapterStatus string

const (
	ChapterPlanned           ChapterStatus = "planned"
	ChapterResearched        ChapterStatus = "researched"
	ChapterDrafted           ChapterStatus = "drafted"
	ChapterEdited            ChapterStatus = "edited"
	ChapterContinuityChecked ChapterStatus = "continuity_checked"
	ChapterFinalized         ChapterStatus = "finalized"
	ChapterFailed            ChapterStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s ChapterStatus) Terminal() bool {
	return s == ChapterFinalized || s == ChapterFailed
}

// OutlineEntry is one planned chapter.
type OutlineEntry struct {
	Title string `json:"title" yaml:"title"`
	Theme string `json:"theme" yaml:"theme"`
}

// ChapterRecord is the build state of one chapter, keyed by Index.
type ChapterRecord struct {
	// Index is the 1-based position in the outline.
	Index int    `json:"index" yaml:"index"`
	Title string `json:"title" yaml:"title"`
	Theme string `json:"theme" yaml:"theme"`

	TargetWordCount int `json:"target_word_count" yaml:"target_word_count"`
	ActualWordCount int `json:"actual_word_count" yaml:"actual_word_count"`

	Status ChapterStatus `json:"status" yaml:"status"`

	// Content is the current text: the draft, then the edit, then the final chapter.
	Content string `json:"content,omitempty" yaml:"content,omitempty"`

	// Research is the output of the research role.
	Research string `json:"research,omitempty" yaml:"research,omitempty"`

	// Provenance lists the source refs that contributed to the chapter.
	Provenance []string `json:"provenance,omitempty" yaml:"provenance,omitempty"`

	Tasks []AgentTask `json:"tasks,omitempty" yaml:"tasks,omitempty"`

	// UnresolvedConflicts holds conflicts that survived the corrective pass.
	UnresolvedConflicts []ConflictReport `json:"unresolved_conflicts,omitempty" yaml:"unresolved_conflicts,omitempty"`

	// Supplementary marks chapters appended to reach the word-count floor.
	Supplementary bool `json:"supplementary,omitempty" yaml:"supplementary,omitempty"`

	// Placeholder marks a FAILED chapter whose content is a substitution stub.
	Placeholder bool `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`

	FailureReason string `json:"failure_reason,omitempty" yaml:"failure_reason,omitempty"`
}

// SourceRef returns the memory-store reference used when the chapter is ingested.
func (c ChapterRecord) SourceRef() string {
	return ChapterSourceRef(c.Index, c.Title)
}

// BuildStatus is the top-level state of a book build.
type BuildStatus string

const (
	BuildInitialized BuildStatus = "initialized"
	BuildOutlining   BuildStatus = "outlining"
	BuildGenerating  BuildStatus = "generating"
	BuildAssembling  BuildStatus = "assembling"
	BuildComplete    BuildStatus = "complete"
	BuildAborted     BuildStatus = "aborted"
)

// EventKind classifies a build-log entry.
type EventKind string

const (
	EventBuildTransition      EventKind = "build_transition"
	EventChapterTransition    EventKind = "chapter_transition"
	EventRetry                EventKind = "retry"
	EventContinuityConflict   EventKind = "continuity_conflict"
	EventContinuityUnresolved EventKind = "continuity_unresolved"
	EventEditRejected         EventKind = "edit_rejected"
	EventChapterFailed        EventKind = "chapter_failed"
	EventPlaceholder          EventKind = "placeholder"
	EventChapterSkipped       EventKind = "chapter_skipped"
	EventTopUp                EventKind = "topup"
	EventBelowTarget          EventKind = "below_target"
	EventCancelled            EventKind = "cancelled"
	EventAborted              EventKind = "aborted"
	EventResumed              EventKind = "resumed"
	EventWarning              EventKind = "warning"
	EventExported             EventKind = "exported"
)

// Event is one entry in the machine-readable build log.
type Event struct {
	ID           string            `json:"id" yaml:"id"`
	Time         time.Time         `json:"time" yaml:"time"`
	Kind         EventKind         `json:"kind" yaml:"kind"`
	ChapterIndex int               `json:"chapter_index,omitempty" yaml:"chapter_index,omitempty"`
	Role         AgentRole         `json:"role,omitempty" yaml:"role,omitempty"`
	Attempt      int               `json:"attempt,omitempty" yaml:"attempt,omitempty"`
	From         string            `json:"from,omitempty" yaml:"from,omitempty"`
	To           string            `json:"to,omitempty" yaml:"to,omitempty"`
	Message      string            `json:"message" yaml:"message"`
	Detail       map[string]string `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// BookBuildState is the root aggregate of one build. Chapters reference each
// other and entities by index and name only.
type BookBuildState struct {
	BookID           string `json:"book_id" yaml:"book_id"`
	Title            string `json:"title" yaml:"title"`
	Theme            string `json:"theme" yaml:"theme"`
	TargetTotalWords int    `json:"target_total_words" yaml:"target_total_words"`
	ChapterCount     int    `json:"chapter_count" yaml:"chapter_count"`

	// Outline is set before chapters are created; supplying it skips the outline agent call.
	Outline []OutlineEntry `json:"outline,omitempty" yaml:"outline,omitempty"`

	Chapters []ChapterRecord `json:"chapters" yaml:"chapters"`
	Status   BuildStatus     `json:"overall_status" yaml:"overall_status"`
	BuildLog []Event         `json:"build_log" yaml:"build_log"`

	// Entities is the continuity registry snapshot taken at the last checkpoint.
	Entities []EntityRecord `json:"entities,omitempty" yaml:"entities,omitempty"`

	// Manuscript caches the assembled text once the build is complete.
	Manuscript string `json:"manuscript,omitempty" yaml:"manuscript,omitempty"`

	AbortReason   string   `json:"abort_reason,omitempty" yaml:"abort_reason,omitempty"`
	Warnings      []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	TopUpAttempts int      `json:"top_up_attempts" yaml:"top_up_attempts"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// Chapter returns a pointer to the chapter with the given index, or nil.
func (b *BookBuildState) Chapter(index int) *ChapterRecord {
	for i := range b.Chapters {
		if b.Chapters[i].Index == index {
			return &b.Chapters[i]
		}
	}
	return nil
}

// FinalizedWords sums the word counts of finalized chapters.
func (b *BookBuildState) FinalizedWords() int {
	total := 0
	for _, c := range b.Chapters {
		if c.Status == ChapterFinalized {
			total += c.ActualWordCount
		}
	}
	return total
}

// Pending returns the indices of chapters that have not reached a terminal state.
func (b *BookBuildState) Pending() []int {
	var out []int
	for _, c := range b.Chapters {
		if !c.Status.Terminal() {
			out = append(out, c.Index)
		}
	}
	return out
}

// EventsOf returns the log entries of one kind, in order.
func (b *BookBuildState) EventsOf(kind EventKind) []Event {
	var out []Event
	for _, e := range b.BuildLog {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
