// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mmcdole/gofeed"

	"github.com/pdiddy/book-engine/internal/httputil"
)

const defaultFeedLimit = 5

// FeedSearch matches query terms against the items of RSS/Atom feeds.
type FeedSearch struct {
	urls     []string
	client   *http.Client
	parser   *gofeed.Parser
	maxItems int
	logger   *log.Logger
}

// NewFeedSearch creates the feed_search tool over urls.
func NewFeedSearch(urls []string, maxItems int, logger *log.Logger) *FeedSearch {
	if maxItems <= 0 {
		maxItems = defaultFeedLimit
	}
	return &FeedSearch{
		urls:     urls,
		client:   &http.Client{Timeout: 30 * time.Second},
		parser:   gofeed.NewParser(),
		maxItems: maxItems,
		logger:   logger,
	}
}

func (f *FeedSearch) Name() string { return "feed_search" }

func (f *FeedSearch) Description() string {
	return "Search configured news and reference feeds for current material."
}

type scoredItem struct {
	item  Item
	score int
	when  time.Time
}

// Run fetches every feed and returns the items sharing the most terms with
// the query. A feed that fails is logged and skipped; Run fails only when
// every feed fails.
func (f *FeedSearch) Run(ctx context.Context, req Request) ([]Item, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = f.maxItems
	}
	terms := strings.Fields(strings.ToLower(req.Query))

	var found []scoredItem
	var lastErr error
	failed := 0
	for _, url := range f.urls {
		feed, err := f.fetch(ctx, url)
		if err != nil {
			failed++
			lastErr = err
			if f.logger != nil {
				f.logger.Warn("feed unavailable", "url", url, "err", err)
			}
			continue
		}
		for _, it := range feed.Items {
			text := it.Content
			if text == "" {
				text = it.Description
			}
			score := matchTerms(terms, it.Title+" "+text)
			if score == 0 {
				continue
			}
			s := scoredItem{item: Item{Title: it.Title, Text: text, Source: it.Link}, score: score}
			if it.PublishedParsed != nil {
				s.when = *it.PublishedParsed
			} else if it.UpdatedParsed != nil {
				s.when = *it.UpdatedParsed
			}
			found = append(found, s)
		}
	}
	if len(f.urls) > 0 && failed == len(f.urls) {
		return nil, lastErr
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].score != found[j].score {
			return found[i].score > found[j].score
		}
		return found[i].when.After(found[j].when)
	})
	if len(found) > limit {
		found = found[:limit]
	}
	items := make([]Item, len(found))
	for i, s := range found {
		items[i] = s.item
	}
	return items, nil
}

func (f *FeedSearch) fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httputil.DoWithRetry(ctx, f.client, req, 0)
	if err != nil {
		return nil, fmt.Errorf("fetching feed %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching feed %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading feed %s: %w", url, err)
	}
	feed, err := f.parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("parsing feed %s: %w", url, err)
	}
	return feed, nil
}

func matchTerms(terms []string, text string) int {
	text = strings.ToLower(text)
	n := 0
	for _, t := range terms {
		if len(t) > 2 && strings.Contains(text, t) {
			n++
		}
	}
	return n
}
