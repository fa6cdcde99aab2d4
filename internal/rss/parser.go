package rss

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

// ParsedFeed is the normalized result of parsing one feed document.
type ParsedFeed struct {
	Title       string
	SiteURL     string
	Description string
	Items       []model.NewArticle
}

// Parser turns a raw feed document into normalized entries.
type Parser interface {
	Parse(r io.Reader) (*ParsedFeed, error)
}

// GofeedParser parses RSS, Atom and JSON feeds with gofeed.
type GofeedParser struct{}

// Parse implements Parser. Entries without a guid or link are dropped since
// they have no natural key.
func (GofeedParser) Parse(r io.Reader) (*ParsedFeed, error) {
	// gofeed.Parser keeps per-parse state; one per call keeps workers independent.
	feed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return nil, err
	}
	out := &ParsedFeed{
		Title:       strings.TrimSpace(feed.Title),
		SiteURL:     feed.Link,
		Description: strings.TrimSpace(feed.Description),
		Items:       make([]model.NewArticle, 0, len(feed.Items)),
	}
	for _, item := range feed.Items {
		guid := strings.TrimSpace(item.GUID)
		if guid == "" {
			guid = strings.TrimSpace(item.Link)
		}
		if guid == "" {
			continue
		}
		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "Untitled"
		}
		content := item.Content
		if content == "" {
			content = item.Description
		}
		var published time.Time
		switch {
		case item.PublishedParsed != nil:
			published = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			published = *item.UpdatedParsed
		}
		var author string
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			author = item.Authors[0].Name
		}
		out.Items = append(out.Items, model.NewArticle{
			GUID:        guid,
			Title:       title,
			URL:         item.Link,
			Author:      author,
			Content:     content,
			ContentText: PlainText(content),
			PublishedAt: published,
		})
	}
	return out, nil
}

// limitRecent keeps the n most recent entries by published time. Document
// order breaks ties and undated entries count as oldest. n <= 0 keeps all.
func limitRecent(items []model.NewArticle, n int) []model.NewArticle {
	if n <= 0 || len(items) <= n {
		return items
	}
	sorted := make([]model.NewArticle, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].PublishedAt.After(sorted[j].PublishedAt)
	})
	return sorted[:n]
}
