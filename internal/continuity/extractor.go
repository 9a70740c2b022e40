// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package continuity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/invopop/jsonschema"

	"github.com/pdiddy/book-engine/internal/agent"
	"github.com/pdiddy/book-engine/internal/prompt"
	"github.com/pdiddy/book-engine/pkg/types"
)

// ErrUnparseable is returned with no mentions when the extract role's output
// is not the requested JSON. Callers treat it as a warning.
var ErrUnparseable = errors.New("unparseable entity extraction")

// extraction is the JSON document the extract role returns.
type extraction struct {
	Entities []types.EntityMention `json:"entities" jsonschema_description:"Every recurring entity in the text"`
}

// Extractor asks the extract role for the entities a chapter asserts.
type Extractor struct {
	agent  agent.Agent
	schema string
	logger *log.Logger
}

// NewExtractor creates an Extractor. logger may be nil.
func NewExtractor(a agent.Agent, logger *log.Logger) *Extractor {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	schema, err := json.Marshal(reflector.Reflect(extraction{}))
	if err != nil {
		panic(err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Extractor{agent: a, schema: string(schema), logger: logger}
}

// Extract returns the mentions in text. Output that does not parse yields
// no mentions and ErrUnparseable.
func (e *Extractor) Extract(ctx context.Context, chapterIndex int, chapterTitle, text string) ([]types.EntityMention, error) {
	out, err := e.agent.Run(ctx, types.RoleExtract, prompt.Context{
		ChapterIndex: chapterIndex,
		ChapterTitle: chapterTitle,
		Text:         text,
		Schema:       e.schema,
	})
	if err != nil {
		return nil, err
	}

	parsed, err := agent.ParseJSON[extraction](out.Text)
	if err != nil {
		e.logger.Warn("entity extraction unparseable", "chapter", chapterIndex, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	mentions := parsed.Entities[:0]
	for _, m := range parsed.Entities {
		if strings.TrimSpace(m.Name) == "" {
			continue
		}
		mentions = append(mentions, m)
	}
	return mentions, nil
}
