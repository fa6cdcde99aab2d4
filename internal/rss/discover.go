package rss

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

// ErrNoFeedFound is returned by Discover when a page links no feed.
var ErrNoFeedFound = errors.New("no feed found")

var feedLinkTypes = map[string]bool{
	"application/rss+xml":   true,
	"application/atom+xml":  true,
	"application/feed+json": true,
}

// Discover resolves a user-supplied URL to a feed. The URL is first tried as
// a feed document; if that fails and the response is HTML, the page's
// <link> hints are followed. The first hint that parses wins.
func (f *Fetcher) Discover(ctx context.Context, rawURL string) (model.NewFeed, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NewFeed{}, &FetchError{Kind: Unreachable, URL: rawURL, Err: fmt.Errorf("invalid feed url %q", rawURL)}
	}

	body, resp, err := f.get(ctx, rawURL)
	if err != nil {
		return model.NewFeed{}, err
	}
	if parsed, perr := f.parser.Parse(bytes.NewReader(body)); perr == nil {
		return newFeedFrom(rawURL, parsed), nil
	}

	base := u
	if resp != nil && resp.Request != nil && resp.Request.URL != nil {
		base = resp.Request.URL
	}
	candidates, err := feedLinks(body, base)
	if err != nil || len(candidates) == 0 {
		return model.NewFeed{}, &FetchError{Kind: ParseFailure, URL: rawURL, Err: ErrNoFeedFound}
	}

	var lastErr error
	for _, candidate := range candidates {
		body, _, err := f.get(ctx, candidate)
		if err != nil {
			lastErr = err
			continue
		}
		parsed, err := f.parser.Parse(bytes.NewReader(body))
		if err != nil {
			lastErr = &FetchError{Kind: ParseFailure, URL: candidate, Err: err}
			continue
		}
		f.logger.Debug("discovered feed", "page", rawURL, "url", candidate)
		return newFeedFrom(candidate, parsed), nil
	}
	return model.NewFeed{}, lastErr
}

// feedLinks lists feed URLs advertised by an HTML page, rel="alternate"
// hints first, each resolved against base.
func feedLinks(page []byte, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	var alternate, other []string
	seen := make(map[string]bool)
	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		typ := strings.ToLower(strings.TrimSpace(s.AttrOr("type", "")))
		if !feedLinkTypes[typ] {
			return
		}
		ref, err := url.Parse(strings.TrimSpace(s.AttrOr("href", "")))
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		rels := strings.Fields(strings.ToLower(s.AttrOr("rel", "")))
		for _, rel := range rels {
			if rel == "alternate" {
				alternate = append(alternate, abs)
				return
			}
		}
		other = append(other, abs)
	})
	return append(alternate, other...), nil
}

func newFeedFrom(feedURL string, parsed *ParsedFeed) model.NewFeed {
	title := parsed.Title
	if title == "" {
		title = "Untitled Feed"
	}
	return model.NewFeed{
		Title:       title,
		URL:         feedURL,
		SiteURL:     parsed.SiteURL,
		Description: parsed.Description,
	}
}
