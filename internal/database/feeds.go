package database

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

const (
	feedColumns       = "id, title, url, site_url, description, last_fetched, last_error"
	maxFeedErrorRunes = 200
)

// CreateFeed adds a new feed. Returns the ID.
func (db *DB) CreateFeed(ctx context.Context, feed model.NewFeed) (int64, error) {
	var id int64
	err := db.write(ctx, "create feed", func(tx *sql.Tx) error {
		var err error
		id, err = db.insertFeed(ctx, tx, feed)
		return err
	})
	return id, err
}

func (db *DB) insertFeed(ctx context.Context, tx *sql.Tx, feed model.NewFeed) (int64, error) {
	title := strings.TrimSpace(feed.Title)
	if title == "" {
		title = feed.URL
	}
	var id int64
	err := tx.QueryRowContext(ctx,
		db.q("INSERT INTO feeds (title, url, site_url, description) VALUES (?, ?, ?, ?) RETURNING id"),
		title, feed.URL, feed.SiteURL, feed.Description).Scan(&id)
	return id, err
}

// GetOrCreateFeed finds a feed by URL, or creates it.
func (db *DB) GetOrCreateFeed(ctx context.Context, feed model.NewFeed) (int64, bool, error) {
	var (
		id      int64
		created bool
	)
	err := db.write(ctx, "get or create feed", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, db.q("SELECT id FROM feeds WHERE url = ?"), feed.URL).Scan(&id)
		if err != sql.ErrNoRows {
			return err
		}
		id, err = db.insertFeed(ctx, tx, feed)
		created = err == nil
		return err
	})
	return id, created, err
}

// GetAllFeeds returns all feeds ordered by title.
func (db *DB) GetAllFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+feedColumns+" FROM feeds ORDER BY title, id")
	if err != nil {
		return nil, db.wrap("get feeds", err)
	}
	defer rows.Close()
	var feeds []model.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, db.wrap("get feeds", err)
		}
		feeds = append(feeds, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, db.wrap("get feeds", err)
	}
	return feeds, nil
}

// GetFeedByID returns one feed.
func (db *DB) GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	row := db.conn.QueryRowContext(ctx, db.q("SELECT "+feedColumns+" FROM feeds WHERE id = ?"), feedID)
	f, err := scanFeed(row)
	if err != nil {
		return nil, db.wrap("get feed", err)
	}
	return f, nil
}

// GetFeedByURL returns the feed subscribed at url.
func (db *DB) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	row := db.conn.QueryRowContext(ctx, db.q("SELECT "+feedColumns+" FROM feeds WHERE url = ?"), url)
	f, err := scanFeed(row)
	if err != nil {
		return nil, db.wrap("get feed by url", err)
	}
	return f, nil
}

// UpdateFeedLastFetched records a successful fetch and clears any previous error.
func (db *DB) UpdateFeedLastFetched(ctx context.Context, feedID int64, t time.Time) error {
	return db.updateFeed(ctx, "update last fetched",
		"UPDATE feeds SET last_fetched = ?, last_error = '' WHERE id = ?", toMillis(t), feedID)
}

// UpdateFeedTitle renames a feed.
func (db *DB) UpdateFeedTitle(ctx context.Context, feedID int64, title string) error {
	return db.updateFeed(ctx, "update feed title", "UPDATE feeds SET title = ? WHERE id = ?", title, feedID)
}

// UpdateFeedError records the last fetch error for display.
func (db *DB) UpdateFeedError(ctx context.Context, feedID int64, errMsg string) error {
	// Cut on a rune boundary; PostgreSQL rejects invalid UTF-8.
	if r := []rune(errMsg); len(r) > maxFeedErrorRunes {
		errMsg = string(r[:maxFeedErrorRunes])
	}
	return db.updateFeed(ctx, "update feed error", "UPDATE feeds SET last_error = ? WHERE id = ?", errMsg, feedID)
}

func (db *DB) updateFeed(ctx context.Context, op, query string, args ...any) error {
	return db.write(ctx, op, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.q(query), args...)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteFeed unsubscribes a feed. Articles, tombstones, summaries and
// bookmarks go with it through ON DELETE CASCADE.
func (db *DB) DeleteFeed(ctx context.Context, feedID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	err := db.writeLocked(ctx, "delete feed", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, db.q("DELETE FROM feeds WHERE id = ?"), feedID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err == nil && db.undo != nil && db.undo.Article.FeedID == feedID {
		db.undo = nil
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var (
		f           model.Feed
		lastFetched sql.NullInt64
	)
	if err := row.Scan(&f.ID, &f.Title, &f.URL, &f.SiteURL, &f.Description, &lastFetched, &f.LastError); err != nil {
		return nil, err
	}
	f.LastFetched = fromNullMillis(lastFetched)
	return &f, nil
}
