package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/metrics"
	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/rss"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

// FeedError describes one feed that could not be refreshed.
type FeedError struct {
	FeedID  int64  `json:"feed_id"`
	URL     string `json:"url"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Report summarizes a sync pass.
type Report struct {
	Feeds             int           `json:"feeds"`
	Succeeded         int           `json:"succeeded"`
	Cleared           int64         `json:"cleared"`
	Added             int           `json:"added"`
	Updated           int           `json:"updated"`
	Unchanged         int           `json:"unchanged"`
	TombstonedSkipped int           `json:"tombstoned_skipped"`
	Expired           int           `json:"expired"`
	Failed            int           `json:"failed"`
	Evicted           int64         `json:"evicted"`
	FeedErrors        []FeedError   `json:"feed_errors,omitempty"`
	Duration          time.Duration `json:"duration"`
}

func (r *Report) addUpsert(u model.UpsertResult) {
	r.Added += u.Inserted
	r.Updated += u.Updated
	r.Unchanged += u.Unchanged
	r.TombstonedSkipped += u.SkippedTombstoned
	r.Failed += u.Failed
}

// RunSync performs one refresh pass over every subscribed feed. Per-feed
// failures are recorded in the report; only a store failure or ctx
// cancellation returns an error, alongside the counts gathered so far.
func (s *Session) RunSync(ctx context.Context, p Policy, progress func(task.Progress)) (Report, error) {
	if progress == nil {
		progress = func(task.Progress) {}
	}
	start := s.now()
	var rep Report

	err := s.runSync(ctx, p, progress, &rep)
	rep.Duration = time.Since(start)

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordSync(status, rep.Duration.Seconds())
	metrics.RecordArticles("added", rep.Added)
	metrics.RecordArticles("updated", rep.Updated)
	metrics.RecordArticles("tombstoned", rep.TombstonedSkipped)
	metrics.RecordArticles("expired", rep.Expired)
	metrics.RecordArticles("failed", rep.Failed)
	metrics.RecordArticles("evicted", int(rep.Evicted))

	s.logger.Info("sync finished",
		"feeds", rep.Feeds,
		"succeeded", rep.Succeeded,
		"added", rep.Added,
		"updated", rep.Updated,
		"evicted", rep.Evicted,
		"feed_errors", len(rep.FeedErrors),
		"duration", rep.Duration,
		"error", err,
	)
	return rep, err
}

func (s *Session) runSync(ctx context.Context, p Policy, progress func(task.Progress), rep *Report) error {
	if p.ClearFirst {
		n, err := s.store.ClearAllArticles(ctx)
		if err != nil {
			return fmt.Errorf("clear articles: %w", err)
		}
		rep.Cleared = n
		s.logger.Info("cleared cached articles", "count", n)
	}

	feeds, err := s.store.GetAllFeeds(ctx)
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	rep.Feeds = len(feeds)
	total := len(feeds)
	progress(task.Progress{Done: 0, Total: total, Message: "fetching feeds"})

	results := s.fetcher.FetchAll(ctx, feeds, rss.FetchOptions{
		PerFeedLimit: p.PerFeedLimit,
		Concurrency:  p.Concurrency,
		OnResult: func(done, total int, res rss.FetchResult) {
			msg := "fetched " + res.URL
			if res.Err != nil {
				msg = "failed " + res.URL
			}
			progress(task.Progress{Done: done, Total: total, Message: msg})
		},
	})
	if err := ctx.Err(); err != nil {
		return err
	}

	var cutoff time.Time
	if p.Retention > 0 {
		cutoff = s.now().Add(-p.Retention)
	}
	for i, res := range results {
		if err := ctx.Err(); err != nil {
			return err
		}
		feed := feeds[i]
		if res.Err != nil {
			s.recordFeedError(ctx, rep, feed, res.Err)
			continue
		}

		items := make([]model.NewArticle, 0, len(res.Feed.Items))
		for _, item := range res.Feed.Items {
			if !cutoff.IsZero() && !item.PublishedAt.IsZero() && item.PublishedAt.Before(cutoff) {
				rep.Expired++
				continue
			}
			items = append(items, item)
		}

		up, err := s.store.UpsertArticles(ctx, feed.ID, items)
		if errors.Is(err, database.ErrNotFound) {
			// Unsubscribed while the fetch was in flight.
			s.logger.Info("feed removed during sync", "feed_id", feed.ID)
			continue
		}
		if err != nil {
			return fmt.Errorf("store feed %d: %w", feed.ID, err)
		}
		rep.addUpsert(up)
		rep.Succeeded++
		s.markFetched(ctx, feed, res.Feed)
	}

	progress(task.Progress{Done: total, Total: total, Message: "evicting old articles"})
	evicted, err := s.store.Evict(ctx, database.EvictPolicy{Retention: p.Retention, PerFeedCap: p.PerFeedCap})
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	rep.Evicted = evicted
	return nil
}

func (s *Session) recordFeedError(ctx context.Context, rep *Report, feed model.Feed, err error) {
	fe := FeedError{FeedID: feed.ID, URL: feed.URL, Kind: "unreachable", Message: err.Error()}
	var fetchErr *rss.FetchError
	if errors.As(err, &fetchErr) {
		fe.Kind = fetchErr.Kind.String()
	}
	rep.FeedErrors = append(rep.FeedErrors, fe)
	if err := s.store.UpdateFeedError(ctx, feed.ID, fe.Message); err != nil && !errors.Is(err, database.ErrNotFound) {
		s.logger.Warn("recording feed error failed", "feed_id", feed.ID, "error", err)
	}
}

// markFetched records a successful fetch: timestamp, cleared error, and the
// feed's own title when the subscription has none yet.
func (s *Session) markFetched(ctx context.Context, feed model.Feed, parsed *rss.ParsedFeed) {
	if err := s.store.UpdateFeedLastFetched(ctx, feed.ID, s.now()); err != nil {
		s.logger.Warn("updating last fetched failed", "feed_id", feed.ID, "error", err)
	}
	if feed.LastError != "" {
		if err := s.store.UpdateFeedError(ctx, feed.ID, ""); err != nil {
			s.logger.Warn("clearing feed error failed", "feed_id", feed.ID, "error", err)
		}
	}
	if parsed.Title != "" && (feed.Title == "" || feed.Title == feed.URL) {
		if err := s.store.UpdateFeedTitle(ctx, feed.ID, parsed.Title); err != nil {
			s.logger.Warn("updating feed title failed", "feed_id", feed.ID, "error", err)
		}
	}
}

// RefreshOperation wraps RunSync as a coordinator operation whose result is
// a Report.
func (s *Session) RefreshOperation(p Policy) task.Operation {
	return task.Operation{
		Kind: task.KindRefresh,
		Name: "refresh feeds",
		Run: func(ctx context.Context, report func(task.Progress)) (any, error) {
			rep, err := s.RunSync(ctx, p, report)
			if err != nil {
				return nil, err
			}
			return rep, nil
		},
	}
}

// SubmitRefresh schedules a refresh. It returns task.ErrAlreadyRunning
// while another refresh has not returned.
func (s *Session) SubmitRefresh(p Policy) (task.Handle, error) {
	return s.tasks.Submit(s.RefreshOperation(p))
}
