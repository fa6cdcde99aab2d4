// Package database provides storage backends for the feed reader's
// article cache.
package database

import (
	"context"
	"errors"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

var (
	// ErrNotFound is returned when a feed, article or summary does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write would violate a uniqueness rule.
	ErrConflict = errors.New("conflict")
	// ErrIO wraps failures of the underlying database.
	ErrIO = errors.New("storage failure")
	// ErrNothingToUndo is returned by Undo when no deletion is pending.
	ErrNothingToUndo = errors.New("nothing to undo")
)

// ArticleFilter narrows ListArticles. Zero values mean "no filter".
type ArticleFilter struct {
	FeedID      int64
	UnreadOnly  bool
	StarredOnly bool
	Since       time.Time
	Limit       int
}

// EvictPolicy configures Evict.
type EvictPolicy struct {
	// Retention is the maximum article age; zero disables age eviction.
	Retention time.Duration
	// PerFeedCap keeps only the N most recent articles per feed; zero
	// disables the cap.
	PerFeedCap int
}

// Store defines the interface for cache operations.
// SQLite and PostgreSQL both satisfy it through DB.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Feed operations
	CreateFeed(ctx context.Context, feed model.NewFeed) (int64, error)
	GetOrCreateFeed(ctx context.Context, feed model.NewFeed) (int64, bool, error)
	GetAllFeeds(ctx context.Context) ([]model.Feed, error)
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*model.Feed, error)
	UpdateFeedLastFetched(ctx context.Context, feedID int64, t time.Time) error
	UpdateFeedTitle(ctx context.Context, feedID int64, title string) error
	UpdateFeedError(ctx context.Context, feedID int64, errMsg string) error
	DeleteFeed(ctx context.Context, feedID int64) error

	// Article operations
	UpsertArticles(ctx context.Context, feedID int64, items []model.NewArticle) (model.UpsertResult, error)
	GetArticle(ctx context.Context, articleID int64) (*model.Article, error)
	ListArticles(ctx context.Context, filter ArticleFilter) ([]model.Article, error)
	MarkRead(ctx context.Context, articleID int64, read bool) error
	MarkAllRead(ctx context.Context, feedID int64) (int64, error)
	SetStarred(ctx context.Context, articleID int64, starred bool) error
	Evict(ctx context.Context, policy EvictPolicy) (int64, error)
	ClearAllArticles(ctx context.Context) (int64, error)
	Compact(ctx context.Context) error

	// Deletion and undo
	SoftDelete(ctx context.Context, articleID int64) (model.UndoSlot, error)
	Undo(ctx context.Context) (model.Article, error)
	PendingUndo() (model.UndoSlot, bool)
	IsTombstoned(ctx context.Context, feedID int64, guid string) (bool, error)
	PruneTombstones(ctx context.Context, horizon time.Duration) (int64, error)

	// Summary operations
	GetSummary(ctx context.Context, articleID int64) (*model.Summary, error)
	SaveSummary(ctx context.Context, articleID int64, content, modelName string) (*model.Summary, error)

	// Bookmark operations
	SaveBookmark(ctx context.Context, b model.Bookmark) error
	GetBookmark(ctx context.Context, articleID int64) (*model.Bookmark, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetRefreshInterval(ctx context.Context, fallback int) (int, error)
}
