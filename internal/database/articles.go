package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

const articleColumns = "a.id, a.feed_id, a.guid, a.title, a.url, a.author, a.content, a.content_text, " +
	"a.published_at, a.fetched_at, a.is_read, a.is_starred, f.title"

const articleFrom = " FROM articles a JOIN feeds f ON f.id = a.feed_id"

// UpsertArticles reconciles fetched entries for one feed in a single
// transaction. Entries matching a tombstone are skipped. Existing rows only
// get their source fields rewritten, so read/starred state survives.
// A failing entry is rolled back to its savepoint and counted in Failed;
// the rest of the batch still commits.
func (db *DB) UpsertArticles(ctx context.Context, feedID int64, items []model.NewArticle) (model.UpsertResult, error) {
	var res model.UpsertResult
	if len(items) == 0 {
		return res, nil
	}
	err := db.write(ctx, "upsert articles", func(tx *sql.Tx) error {
		res = model.UpsertResult{}
		var exists int
		err := tx.QueryRowContext(ctx, db.q("SELECT 1 FROM feeds WHERE id = ?"), feedID).Scan(&exists)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("feed %d: %w", feedID, ErrNotFound)
			}
			return err
		}
		fetchedAt := toMillis(db.now())
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT upsert_item"); err != nil {
				return err
			}
			outcome, err := db.upsertOne(ctx, tx, feedID, item, fetchedAt)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT upsert_item"); rbErr != nil {
					return rbErr
				}
				res.Failed++
				continue
			}
			if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT upsert_item"); err != nil {
				return err
			}
			switch outcome {
			case outcomeInserted:
				res.Inserted++
			case outcomeUpdated:
				res.Updated++
			case outcomeUnchanged:
				res.Unchanged++
			case outcomeTombstoned:
				res.SkippedTombstoned++
			}
		}
		return nil
	})
	if err != nil {
		return model.UpsertResult{}, err
	}
	return res, nil
}

type upsertOutcome int

const (
	outcomeInserted upsertOutcome = iota
	outcomeUpdated
	outcomeUnchanged
	outcomeTombstoned
)

func (db *DB) upsertOne(ctx context.Context, tx *sql.Tx, feedID int64, item model.NewArticle, fetchedAt int64) (upsertOutcome, error) {
	guid := strings.TrimSpace(item.GUID)
	if guid == "" {
		return 0, fmt.Errorf("entry without guid")
	}
	var one int
	err := tx.QueryRowContext(ctx, db.q("SELECT 1 FROM tombstones WHERE feed_id = ? AND guid = ?"), feedID, guid).Scan(&one)
	switch {
	case err == nil:
		return outcomeTombstoned, nil
	case err != sql.ErrNoRows:
		return 0, err
	}

	var (
		id        int64
		cur       model.NewArticle
		published sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		db.q("SELECT id, title, url, author, content, content_text, published_at FROM articles WHERE feed_id = ? AND guid = ?"),
		feedID, guid).Scan(&id, &cur.Title, &cur.URL, &cur.Author, &cur.Content, &cur.ContentText, &published)
	if err == sql.ErrNoRows {
		_, err = tx.ExecContext(ctx, db.q(`
			INSERT INTO articles (feed_id, guid, title, url, author, content, content_text, published_at, fetched_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			feedID, guid, item.Title, item.URL, item.Author, item.Content, item.ContentText,
			nullMillis(item.PublishedAt), fetchedAt)
		if err != nil {
			return 0, err
		}
		return outcomeInserted, nil
	}
	if err != nil {
		return 0, err
	}

	next := nullMillis(item.PublishedAt)
	if cur.Title == item.Title && cur.URL == item.URL && cur.Author == item.Author &&
		cur.Content == item.Content && cur.ContentText == item.ContentText && published == next {
		return outcomeUnchanged, nil
	}
	_, err = tx.ExecContext(ctx, db.q(`
		UPDATE articles SET title = ?, url = ?, author = ?, content = ?, content_text = ?, published_at = ?
		WHERE id = ?`),
		item.Title, item.URL, item.Author, item.Content, item.ContentText, next, id)
	if err != nil {
		return 0, err
	}
	return outcomeUpdated, nil
}

// GetArticle returns one article with its feed title.
func (db *DB) GetArticle(ctx context.Context, articleID int64) (*model.Article, error) {
	row := db.conn.QueryRowContext(ctx, db.q("SELECT "+articleColumns+articleFrom+" WHERE a.id = ?"), articleID)
	a, err := scanArticle(row)
	if err != nil {
		return nil, db.wrap("get article", err)
	}
	return a, nil
}

// ListArticles returns articles newest first; undated articles sort after
// dated ones, by fetch time.
func (db *DB) ListArticles(ctx context.Context, filter ArticleFilter) ([]model.Article, error) {
	var (
		where []string
		args  []any
	)
	if filter.FeedID != 0 {
		where = append(where, "a.feed_id = ?")
		args = append(args, filter.FeedID)
	}
	if filter.UnreadOnly {
		where = append(where, "a.is_read = ?")
		args = append(args, false)
	}
	if filter.StarredOnly {
		where = append(where, "a.is_starred = ?")
		args = append(args, true)
	}
	if !filter.Since.IsZero() {
		where = append(where, "COALESCE(a.published_at, a.fetched_at) >= ?")
		args = append(args, toMillis(filter.Since))
	}
	query := "SELECT " + articleColumns + articleFrom
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.published_at IS NULL, a.published_at DESC, a.fetched_at DESC, a.id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, db.wrap("list articles", err)
	}
	defer rows.Close()
	var articles []model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, db.wrap("list articles", err)
		}
		articles = append(articles, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, db.wrap("list articles", err)
	}
	return articles, nil
}

// MarkRead sets the read flag of an article.
func (db *DB) MarkRead(ctx context.Context, articleID int64, read bool) error {
	return db.updateArticle(ctx, "mark read", "UPDATE articles SET is_read = ? WHERE id = ?", read, articleID)
}

// SetStarred sets the starred flag of an article.
func (db *DB) SetStarred(ctx context.Context, articleID int64, starred bool) error {
	return db.updateArticle(ctx, "set starred", "UPDATE articles SET is_starred = ? WHERE id = ?", starred, articleID)
}

func (db *DB) updateArticle(ctx context.Context, op, query string, args ...any) error {
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

// MarkAllRead marks every article of a feed read; feedID 0 means all feeds.
func (db *DB) MarkAllRead(ctx context.Context, feedID int64) (int64, error) {
	var n int64
	err := db.write(ctx, "mark all read", func(tx *sql.Tx) error {
		query := "UPDATE articles SET is_read = ? WHERE is_read = ?"
		args := []any{true, false}
		if feedID != 0 {
			query += " AND feed_id = ?"
			args = append(args, feedID)
		}
		res, err := tx.ExecContext(ctx, db.q(query), args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Evict deletes articles older than the retention window, then trims every
// feed to its PerFeedCap most recent articles. Both steps run in one
// transaction that ranks the rows as committed at that moment, so articles
// inserted earlier in the same sync pass are always part of the ranking.
func (db *DB) Evict(ctx context.Context, policy EvictPolicy) (int64, error) {
	var total int64
	err := db.write(ctx, "evict", func(tx *sql.Tx) error {
		total = 0
		if policy.Retention > 0 {
			cutoff := toMillis(db.now().Add(-policy.Retention))
			res, err := tx.ExecContext(ctx,
				db.q("DELETE FROM articles WHERE COALESCE(published_at, fetched_at) < ?"), cutoff)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if policy.PerFeedCap > 0 {
			res, err := tx.ExecContext(ctx, db.q(`
				DELETE FROM articles WHERE id IN (
					SELECT id FROM (
						SELECT id, ROW_NUMBER() OVER (
							PARTITION BY feed_id
							ORDER BY COALESCE(published_at, fetched_at) DESC, id DESC
						) AS rn
						FROM articles
					) ranked WHERE rn > ?
				)`), policy.PerFeedCap)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ClearAllArticles deletes every article and summary. Feeds and tombstones
// are kept so the next refresh does not bring deleted entries back.
func (db *DB) ClearAllArticles(ctx context.Context) (int64, error) {
	var n int64
	err := db.write(ctx, "clear articles", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM summaries"); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM articles")
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Compact reclaims space after bulk deletes. VACUUM cannot run inside a
// transaction, so it only takes the writer lock.
func (db *DB) Compact(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, stmt := range db.dialect.compact {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return db.wrap("compact", err)
		}
	}
	return nil
}

func scanArticle(row rowScanner) (*model.Article, error) {
	var (
		a         model.Article
		published sql.NullInt64
		fetched   int64
	)
	err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.URL, &a.Author, &a.Content, &a.ContentText,
		&published, &fetched, &a.IsRead, &a.IsStarred, &a.FeedTitle)
	if err != nil {
		return nil, err
	}
	a.PublishedAt = fromNullMillis(published)
	a.FetchedAt = fromMillis(fetched)
	return &a, nil
}
