// Package model defines shared data structures.
package model

import "time"

// Feed represents an RSS/Atom feed subscription.
type Feed struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	SiteURL     string    `json:"site_url,omitempty"`
	Description string    `json:"description,omitempty"`
	LastFetched time.Time `json:"last_fetched"` // zero until the first successful fetch
	LastError   string    `json:"last_error,omitempty"`
}

// NewFeed is a feed that has been discovered but not yet stored.
type NewFeed struct {
	Title       string
	URL         string
	SiteURL     string
	Description string
}

// Article represents a single stored entry from a feed.
type Article struct {
	ID          int64     `json:"id"`
	FeedID      int64     `json:"feed_id"`
	GUID        string    `json:"guid"`         // unique per feed; the natural key with FeedID
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Author      string    `json:"author,omitempty"`
	Content     string    `json:"content"`
	ContentText string    `json:"content_text"`
	PublishedAt time.Time `json:"published_at"` // zero when the source gave no date
	FetchedAt   time.Time `json:"fetched_at"`
	IsRead      bool      `json:"is_read"`
	IsStarred   bool      `json:"is_starred"`

	// FeedTitle is filled by listing queries only.
	FeedTitle string `json:"feed_title,omitempty"`
}

// SortTime is the timestamp used for retention and ordering: published
// time when known, otherwise the time the article was first fetched.
func (a Article) SortTime() time.Time {
	if a.PublishedAt.IsZero() {
		return a.FetchedAt
	}
	return a.PublishedAt
}

// NewArticle is a normalized entry produced by the feed parser.
type NewArticle struct {
	GUID        string
	Title       string
	URL         string
	Author      string
	Content     string
	ContentText string
	PublishedAt time.Time
}

// Tombstone marks an article the user deleted so fetches skip it.
type Tombstone struct {
	FeedID    int64     `json:"feed_id"`
	GUID      string    `json:"guid"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Summary is a cached generated summary of one article.
type Summary struct {
	ArticleID   int64     `json:"article_id"`
	Content     string    `json:"content"`
	Model       string    `json:"model"`
	GeneratedAt time.Time `json:"generated_at"`
}

// UndoSlot holds the snapshot of the most recently deleted article.
type UndoSlot struct {
	Article   Article   `json:"article"`
	Summary   *Summary  `json:"summary,omitempty"`
	Bookmark  *Bookmark `json:"bookmark,omitempty"`
	Tombstone Tombstone `json:"tombstone"`
}

// UpsertResult counts what happened to a batch of fetched entries.
type UpsertResult struct {
	Inserted          int `json:"inserted"`
	Updated           int `json:"updated"`
	Unchanged         int `json:"unchanged"`
	SkippedTombstoned int `json:"skipped_tombstoned"`
	Failed            int `json:"failed"`
}

// Bookmark records an article saved to the bookmarking service.
type Bookmark struct {
	ArticleID int64     `json:"article_id"`
	RemoteID  int64     `json:"remote_id"`
	Tags      []string  `json:"tags"`
	SavedAt   time.Time `json:"saved_at"`
}

// Settings key constants.
const (
	SettingRefreshInterval = "refresh_interval_minutes"
)
