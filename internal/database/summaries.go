package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getSummary(ctx context.Context, q querier, rebind func(string) string, articleID int64) (*model.Summary, error) {
	var (
		s         model.Summary
		generated int64
	)
	err := q.QueryRowContext(ctx,
		rebind("SELECT article_id, content, model, generated_at FROM summaries WHERE article_id = ?"),
		articleID).Scan(&s.ArticleID, &s.Content, &s.Model, &generated)
	if err != nil {
		return nil, err
	}
	s.GeneratedAt = fromMillis(generated)
	return &s, nil
}

// GetSummary returns the cached summary, or ErrNotFound when none was generated yet.
func (db *DB) GetSummary(ctx context.Context, articleID int64) (*model.Summary, error) {
	s, err := getSummary(ctx, db.conn, db.q, articleID)
	if err != nil {
		return nil, db.wrap("get summary", err)
	}
	return s, nil
}

// SaveSummary stores or replaces the summary of an article.
func (db *DB) SaveSummary(ctx context.Context, articleID int64, content, modelName string) (*model.Summary, error) {
	s := &model.Summary{ArticleID: articleID, Content: content, Model: modelName, GeneratedAt: db.now().UTC()}
	err := db.write(ctx, "save summary", func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, db.q("SELECT 1 FROM articles WHERE id = ?"), articleID).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("article %d: %w", articleID, ErrNotFound)
			}
			return err
		}
		_, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO summaries (article_id, content, model, generated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (article_id) DO UPDATE SET
				content = excluded.content,
				model = excluded.model,
				generated_at = excluded.generated_at`),
			articleID, content, modelName, toMillis(s.GeneratedAt))
		return err
	})
	if err != nil {
		return nil, err
	}
	// Millisecond precision, as stored.
	s.GeneratedAt = fromMillis(toMillis(s.GeneratedAt))
	return s, nil
}

// SaveBookmark records that an article was saved to the bookmark service.
func (db *DB) SaveBookmark(ctx context.Context, b model.Bookmark) error {
	if b.SavedAt.IsZero() {
		b.SavedAt = db.now()
	}
	return db.write(ctx, "save bookmark", func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, db.q("SELECT 1 FROM articles WHERE id = ?"), b.ArticleID).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("article %d: %w", b.ArticleID, ErrNotFound)
			}
			return err
		}
		return insertBookmark(ctx, tx, db.q, b)
	})
}

func getBookmark(ctx context.Context, q querier, rebind func(string) string, articleID int64) (*model.Bookmark, error) {
	var (
		b     model.Bookmark
		tags  string
		saved int64
	)
	err := q.QueryRowContext(ctx,
		rebind("SELECT article_id, remote_id, tags, saved_at FROM bookmarks WHERE article_id = ?"),
		articleID).Scan(&b.ArticleID, &b.RemoteID, &tags, &saved)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &b.Tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	b.SavedAt = fromMillis(saved)
	return &b, nil
}

func insertBookmark(ctx context.Context, tx *sql.Tx, rebind func(string) string, b model.Bookmark) error {
	tags, err := json.Marshal(b.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	_, err = tx.ExecContext(ctx, rebind(`
		INSERT INTO bookmarks (article_id, remote_id, tags, saved_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (article_id) DO UPDATE SET
			remote_id = excluded.remote_id,
			tags = excluded.tags,
			saved_at = excluded.saved_at`),
		b.ArticleID, b.RemoteID, string(tags), toMillis(b.SavedAt))
	return err
}

// GetBookmark returns the bookmark record of an article, or ErrNotFound.
func (db *DB) GetBookmark(ctx context.Context, articleID int64) (*model.Bookmark, error) {
	b, err := getBookmark(ctx, db.conn, db.q, articleID)
	if err != nil {
		return nil, db.wrap("get bookmark", err)
	}
	return b, nil
}
