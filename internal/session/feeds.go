package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/opml"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

// AddResult is the outcome of subscribing to a feed.
type AddResult struct {
	Feed   model.Feed         `json:"feed"`
	Upsert model.UpsertResult `json:"upsert"`
	// FetchError is set when the feed was subscribed but its first fetch failed.
	FetchError string `json:"fetch_error,omitempty"`
}

// AddFeed discovers the feed behind url, subscribes to it and fetches its
// entries once. Subscribing to a URL twice returns database.ErrConflict.
func (s *Session) AddFeed(ctx context.Context, url string) (AddResult, error) {
	url = strings.TrimSpace(url)
	if err := s.ensureNotSubscribed(ctx, url); err != nil {
		return AddResult{}, err
	}

	nf, err := s.fetcher.Discover(ctx, url)
	if err != nil {
		return AddResult{}, fmt.Errorf("discover %s: %w", url, err)
	}
	if nf.URL != url {
		if err := s.ensureNotSubscribed(ctx, nf.URL); err != nil {
			return AddResult{}, err
		}
	}

	id, err := s.store.CreateFeed(ctx, nf)
	if err != nil {
		return AddResult{}, fmt.Errorf("add feed %s: %w", nf.URL, err)
	}
	feed := model.Feed{ID: id, Title: nf.Title, URL: nf.URL, SiteURL: nf.SiteURL, Description: nf.Description}
	s.logger.Info("feed added", "feed_id", id, "url", nf.URL, "title", nf.Title)

	res := AddResult{Feed: feed}
	parsed, err := s.fetcher.FetchFeed(ctx, feed, s.policy.PerFeedLimit)
	if err != nil {
		res.FetchError = err.Error()
		if uerr := s.store.UpdateFeedError(ctx, id, err.Error()); uerr != nil {
			s.logger.Warn("recording feed error failed", "feed_id", id, "error", uerr)
		}
		return res, nil
	}
	res.Upsert, err = s.store.UpsertArticles(ctx, id, parsed.Items)
	if err != nil {
		return res, fmt.Errorf("store feed %d: %w", id, err)
	}
	s.markFetched(ctx, feed, parsed)
	if updated, err := s.store.GetFeedByID(ctx, id); err == nil {
		res.Feed = *updated
	}
	return res, nil
}

func (s *Session) ensureNotSubscribed(ctx context.Context, url string) error {
	_, err := s.store.GetFeedByURL(ctx, url)
	switch {
	case err == nil:
		return fmt.Errorf("already subscribed to %s: %w", url, database.ErrConflict)
	case errors.Is(err, database.ErrNotFound):
		return nil
	default:
		return err
	}
}

// AddFeedOperation wraps AddFeed for the coordinator.
func (s *Session) AddFeedOperation(url string) task.Operation {
	return task.Operation{
		Kind: task.KindAddFeed,
		Name: "add " + url,
		Run: func(ctx context.Context, report func(task.Progress)) (any, error) {
			report(task.Progress{Done: 0, Total: 1, Message: "discovering " + url})
			res, err := s.AddFeed(ctx, url)
			if err != nil {
				return nil, err
			}
			report(task.Progress{Done: 1, Total: 1, Message: "added " + res.Feed.Title})
			return res, nil
		},
	}
}

// RemoveFeed unsubscribes a feed together with its articles, tombstones and
// summaries.
func (s *Session) RemoveFeed(ctx context.Context, feedID int64) error {
	if err := s.store.DeleteFeed(ctx, feedID); err != nil {
		return err
	}
	s.logger.Info("feed removed", "feed_id", feedID)
	return nil
}

// RenameFeed changes a feed's display title.
func (s *Session) RenameFeed(ctx context.Context, feedID int64, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	return s.store.UpdateFeedTitle(ctx, feedID, title)
}

// ImportReport summarizes an OPML import.
type ImportReport struct {
	Total   int      `json:"total"`
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// ImportOPML subscribes to every feed in an OPML document through the same
// discovery as AddFeed. Entries already subscribed, by their listed URL or
// by the URL discovery resolves them to, are skipped, as are repeats within
// the document. New feeds are fetched on the next refresh.
func (s *Session) ImportOPML(ctx context.Context, r io.Reader, progress func(task.Progress)) (ImportReport, error) {
	if progress == nil {
		progress = func(task.Progress) {}
	}
	entries, err := opml.Parse(r)
	if err != nil {
		return ImportReport{}, err
	}
	existing, err := s.store.GetAllFeeds(ctx)
	if err != nil {
		return ImportReport{}, err
	}
	seen := make(map[string]bool, len(existing)+len(entries))
	for _, f := range existing {
		seen[f.URL] = true
	}

	rep := ImportReport{Total: len(entries)}
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		added, err := s.importEntry(ctx, e, seen)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", e.URL, err))
			s.logger.Warn("opml import failed", "url", e.URL, "error", err)
		case added:
			rep.Added++
		default:
			rep.Skipped++
		}
		progress(task.Progress{Done: i + 1, Total: len(entries), Message: e.Title})
	}
	s.logger.Info("opml imported", "added", rep.Added, "skipped", rep.Skipped, "failed", rep.Failed)
	return rep, nil
}

// importEntry subscribes to one OPML entry. It reports false with a nil
// error when the feed is already subscribed.
func (s *Session) importEntry(ctx context.Context, e opml.FeedEntry, seen map[string]bool) (bool, error) {
	url := strings.TrimSpace(e.URL)
	if seen[url] {
		return false, nil
	}
	seen[url] = true

	nf, err := s.fetcher.Discover(ctx, url)
	if err != nil {
		return false, fmt.Errorf("discover: %w", err)
	}
	if nf.URL != url {
		if seen[nf.URL] {
			return false, nil
		}
		seen[nf.URL] = true
	}
	if nf.SiteURL == "" {
		nf.SiteURL = e.SiteURL
	}
	if nf.Description == "" {
		nf.Description = e.Description
	}

	id, created, err := s.store.GetOrCreateFeed(ctx, nf)
	if err != nil {
		return false, err
	}
	if created {
		s.logger.Info("feed added", "feed_id", id, "url", nf.URL, "title", nf.Title)
	}
	return created, nil
}

// ImportOperation wraps ImportOPML for the coordinator. data is the whole
// document so the caller's reader need not outlive the request.
func (s *Session) ImportOperation(data []byte) task.Operation {
	return task.Operation{
		Kind: task.KindImport,
		Name: "import opml",
		Run: func(ctx context.Context, report func(task.Progress)) (any, error) {
			rep, err := s.ImportOPML(ctx, bytes.NewReader(data), report)
			if err != nil {
				return nil, err
			}
			return rep, nil
		},
	}
}

// ExportOPML writes every subscription as OPML 2.0.
func (s *Session) ExportOPML(ctx context.Context, w io.Writer) (int, error) {
	feeds, err := s.store.GetAllFeeds(ctx)
	if err != nil {
		return 0, err
	}
	entries := make([]opml.FeedEntry, len(feeds))
	for i, f := range feeds {
		entries[i] = opml.FeedEntry{Title: f.Title, URL: f.URL, SiteURL: f.SiteURL, Description: f.Description}
	}
	data, err := opml.Export("SpeedyReader Feeds", entries)
	if err != nil {
		return 0, fmt.Errorf("export opml: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return 0, fmt.Errorf("write opml: %w", err)
	}
	return len(feeds), nil
}
