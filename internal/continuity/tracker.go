// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package continuity maintains the registry of recurring entities and
// detects contradictions between chapters. Conflicts are returned as data;
// a recorded value is never replaced unless the mention marks it revised.
package continuity

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/pdiddy/book-engine/pkg/types"
)

// DefaultWindow is the number of preceding chapters considered recent.
const DefaultWindow = 3

// Tracker is the continuity registry of one book. All writes go through a
// single mutex; reads return copies.
//
// Mentions of a chapter in progress are staged apart from the registry and
// only merged by Commit, so a chapter that fails leaves no facts behind.
type Tracker struct {
	mu       sync.RWMutex
	entities map[string]*types.EntityRecord
	staged   map[int][]types.EntityMention
	window   int
}

// NewTracker creates an empty tracker. window is the number of preceding
// chapters SummarizeForContext draws from (DefaultWindow when <= 0).
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		entities: map[string]*types.EntityRecord{},
		staged:   map[int][]types.EntityMention{},
		window:   window,
	}
}

// key normalizes an entity name for lookup.
func key(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

func sameValue(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// RecordMentions merges mentions from chapterIndex into the registry and
// returns one ConflictReport per contradicted attribute.
func (t *Tracker) RecordMentions(mentions []types.EntityMention, chapterIndex int) []types.ConflictReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return merge(t.entities, mentions, chapterIndex)
}

// Stage checks mentions from chapterIndex against the registry and the
// chapter's earlier staged mentions, then stages them. The registry itself
// is not changed until Commit.
func (t *Tracker) Stage(mentions []types.EntityMention, chapterIndex int) []types.ConflictReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	prior := t.staged[chapterIndex]
	scratch := map[string]*types.EntityRecord{}
	for _, m := range slices.Concat(prior, mentions) {
		k := key(m.Name)
		if _, ok := scratch[k]; ok {
			continue
		}
		if rec, ok := t.entities[k]; ok {
			c := clone(rec)
			scratch[k] = &c
		}
	}
	merge(scratch, prior, chapterIndex)
	conflicts := merge(scratch, mentions, chapterIndex)

	t.staged[chapterIndex] = slices.Concat(prior, mentions)
	return conflicts
}

// Commit merges the staged mentions of chapterIndex into the registry.
// Conflicts with chapters committed in the meantime keep the recorded value.
func (t *Tracker) Commit(chapterIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	merge(t.entities, t.staged[chapterIndex], chapterIndex)
	delete(t.staged, chapterIndex)
}

// Discard drops the staged mentions of chapterIndex.
func (t *Tracker) Discard(chapterIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.staged, chapterIndex)
}

func merge(entities map[string]*types.EntityRecord, mentions []types.EntityMention, chapterIndex int) []types.ConflictReport {
	var conflicts []types.ConflictReport
	for _, m := range mentions {
		k := key(m.Name)
		if k == "" {
			continue
		}
		rec, ok := entities[k]
		if !ok {
			entities[k] = newRecord(m, chapterIndex)
			continue
		}

		touch(rec, chapterIndex)
		if rec.Type == "" || rec.Type == types.EntityOther {
			if m.Type != "" {
				rec.Type = m.Type
			}
		}

		for _, field := range slices.Sorted(maps.Keys(m.Attributes)) {
			value := strings.TrimSpace(m.Attributes[field])
			if value == "" {
				continue
			}
			old, exists := rec.Attributes[field]
			switch {
			case !exists:
				rec.Attributes[field] = value
				rec.AttributeChapters[field] = chapterIndex
			case sameValue(old, value):
			case m.IsRevised(field):
				rec.Revisions = append(rec.Revisions, types.AttributeRevision{
					Field: field, OldValue: old, NewValue: value, ChapterIndex: chapterIndex,
				})
				rec.Attributes[field] = value
				rec.AttributeChapters[field] = chapterIndex
			default:
				conflicts = append(conflicts, types.ConflictReport{
					EntityName:   rec.Name,
					Field:        field,
					OldValue:     old,
					NewValue:     value,
					ChapterIndex: chapterIndex,
				})
			}
		}
	}
	return conflicts
}

func newRecord(m types.EntityMention, chapterIndex int) *types.EntityRecord {
	typ := m.Type
	if typ == "" {
		typ = types.EntityOther
	}
	rec := &types.EntityRecord{
		Name:              strings.Join(strings.Fields(m.Name), " "),
		Type:              typ,
		Attributes:        map[string]string{},
		AttributeChapters: map[string]int{},
		Chapters:          []int{chapterIndex},
		FirstSeenChapter:  chapterIndex,
		LastSeenChapter:   chapterIndex,
	}
	for field, value := range m.Attributes {
		if v := strings.TrimSpace(value); v != "" {
			rec.Attributes[field] = v
			rec.AttributeChapters[field] = chapterIndex
		}
	}
	return rec
}

// touch records a mention in chapterIndex. Chapters may be recorded out of
// order in parallel mode, so first/last are min/max.
func touch(rec *types.EntityRecord, chapterIndex int) {
	if i, found := slices.BinarySearch(rec.Chapters, chapterIndex); !found {
		rec.Chapters = slices.Insert(rec.Chapters, i, chapterIndex)
	}
	rec.FirstSeenChapter = min(rec.FirstSeenChapter, chapterIndex)
	rec.LastSeenChapter = max(rec.LastSeenChapter, chapterIndex)
}

// GetEntity returns a copy of the record for name.
func (t *Tracker) GetEntity(name string) (types.EntityRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.entities[key(name)]
	if !ok {
		return types.EntityRecord{}, false
	}
	return clone(rec), true
}

// Len returns the number of tracked entities.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entities)
}

// SummarizeForContext describes the entities mentioned in the chapters
// just before chapterIndex, most recently seen first, capped at
// maxEntities. Only facts established before chapterIndex are included.
func (t *Tracker) SummarizeForContext(chapterIndex, maxEntities int) string {
	if maxEntities <= 0 {
		return ""
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	type candidate struct {
		rec      *types.EntityRecord
		lastSeen int
		mentions int
	}
	var cands []candidate
	lo := chapterIndex - t.window
	for _, rec := range t.entities {
		last, n := -1, 0
		for _, ch := range rec.Chapters {
			if ch < chapterIndex {
				n++
				if ch >= lo {
					last = max(last, ch)
				}
			}
		}
		if last < 0 {
			continue
		}
		cands = append(cands, candidate{rec: rec, lastSeen: last, mentions: n})
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.lastSeen != b.lastSeen {
			return a.lastSeen > b.lastSeen
		}
		if a.mentions != b.mentions {
			return a.mentions > b.mentions
		}
		return a.rec.Name < b.rec.Name
	})
	if len(cands) > maxEntities {
		cands = cands[:maxEntities]
	}

	var b strings.Builder
	for _, c := range cands {
		fmt.Fprintf(&b, "- %s (%s)", c.rec.Name, c.rec.Type)
		var facts []string
		for _, field := range slices.Sorted(maps.Keys(c.rec.Attributes)) {
			if c.rec.AttributeChapters[field] < chapterIndex {
				facts = append(facts, fmt.Sprintf("%s: %s", field, c.rec.Attributes[field]))
			}
		}
		if len(facts) > 0 {
			b.WriteString(": " + strings.Join(facts, "; "))
		}
		fmt.Fprintf(&b, " [last seen in chapter %d]\n", c.lastSeen)
	}
	return strings.TrimSpace(b.String())
}

// Snapshot returns copies of all records sorted by name.
func (t *Tracker) Snapshot() []types.EntityRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.EntityRecord, 0, len(t.entities))
	for _, rec := range t.entities {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Restore replaces the registry with records, typically from a checkpoint.
// Staged mentions are dropped.
func (t *Tracker) Restore(records []types.EntityRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entities = make(map[string]*types.EntityRecord, len(records))
	t.staged = map[int][]types.EntityMention{}
	for i := range records {
		rec := clone(&records[i])
		if rec.Attributes == nil {
			rec.Attributes = map[string]string{}
		}
		if rec.AttributeChapters == nil {
			rec.AttributeChapters = map[string]int{}
		}
		t.entities[key(rec.Name)] = &rec
	}
}

func clone(rec *types.EntityRecord) types.EntityRecord {
	c := *rec
	c.Attributes = maps.Clone(rec.Attributes)
	c.AttributeChapters = maps.Clone(rec.AttributeChapters)
	c.Chapters = slices.Clone(rec.Chapters)
	c.Revisions = slices.Clone(rec.Revisions)
	return c
}

// ConflictError wraps conflict reports for logging. It is never fatal.
type ConflictError struct {
	Conflicts []types.ConflictReport
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = Describe(c)
	}
	return "continuity conflict: " + strings.Join(parts, "; ")
}

// Describe renders a conflict as a corrective instruction.
func Describe(c types.ConflictReport) string {
	return fmt.Sprintf("%s's %s was established as %q but chapter %d says %q",
		c.EntityName, c.Field, c.OldValue, c.ChapterIndex, c.NewValue)
}
