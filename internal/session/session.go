// Package session ties the cache store, the fetcher and the task
// coordinator together into the reader's user-facing operations.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/config"
	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/raindrop"
	"github.com/bryan-buckman/speedyreader/internal/rss"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

// Fetcher retrieves and parses feeds. *rss.Fetcher implements it.
type Fetcher interface {
	FetchAll(ctx context.Context, feeds []model.Feed, opts rss.FetchOptions) []rss.FetchResult
	FetchFeed(ctx context.Context, feed model.Feed, perFeedLimit int) (*rss.ParsedFeed, error)
	Discover(ctx context.Context, url string) (model.NewFeed, error)
}

// Summarizer produces article summaries. *summary.Client implements it.
type Summarizer interface {
	Summarize(ctx context.Context, title, body string) (string, error)
	ModelName() string
}

// Bookmarker saves links to a bookmarking service. *raindrop.Client
// implements it.
type Bookmarker interface {
	Save(ctx context.Context, b raindrop.Bookmark) (int64, error)
}

// Policy controls a sync pass and maintenance.
type Policy struct {
	// ClearFirst deletes every cached article before fetching.
	ClearFirst bool
	// PerFeedLimit keeps the N most recent entries of each fetched feed; 0 keeps all.
	PerFeedLimit int
	// Retention is the maximum article age; 0 disables it.
	Retention time.Duration
	// PerFeedCap bounds stored articles per feed; 0 disables it.
	PerFeedCap int
	// Concurrency bounds in-flight fetches.
	Concurrency int
	// TombstoneRetention is how long deletion markers survive; 0 keeps them forever.
	TombstoneRetention time.Duration
}

// PolicyFromConfig builds the default policy from configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		PerFeedLimit:       cfg.ArticlesPerFeed,
		Retention:          cfg.Retention(),
		PerFeedCap:         cfg.PerFeedCap,
		Concurrency:        cfg.FetchConcurrency,
		TombstoneRetention: cfg.TombstoneRetention(),
	}
}

// Session is the sync engine.
type Session struct {
	store      database.Store
	fetcher    Fetcher
	tasks      *task.Coordinator
	summarizer Summarizer
	bookmarker Bookmarker

	policy      Policy
	defaultTags []string
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Session.
type Option func(*Session)

// WithSummarizer enables summaries.
func WithSummarizer(s Summarizer) Option {
	return func(sess *Session) { sess.summarizer = s }
}

// WithBookmarker enables bookmarking.
func WithBookmarker(b Bookmarker) Option {
	return func(sess *Session) { sess.bookmarker = b }
}

// WithPolicy sets the default policy used by background refreshes.
func WithPolicy(p Policy) Option {
	return func(sess *Session) { sess.policy = p }
}

// WithDefaultTags sets the tags used when a bookmark request names none.
func WithDefaultTags(tags []string) Option {
	return func(sess *Session) { sess.defaultTags = tags }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sess *Session) { sess.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(sess *Session) { sess.now = now }
}

// New creates a session.
func New(store database.Store, fetcher Fetcher, tasks *task.Coordinator, opts ...Option) *Session {
	s := &Session{
		store:       store,
		fetcher:     fetcher,
		tasks:       tasks,
		policy:      Policy{Retention: 7 * 24 * time.Hour, Concurrency: rss.DefaultConcurrency},
		defaultTags: []string{"rss"},
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying cache store.
func (s *Session) Store() database.Store { return s.store }

// Tasks returns the task coordinator.
func (s *Session) Tasks() *task.Coordinator { return s.tasks }

// Policy returns the default policy.
func (s *Session) Policy() Policy { return s.policy }
