package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

// SoftDelete removes an article, leaves a tombstone so fetches never bring it
// back, and keeps a full snapshot in the undo slot. The previous slot is
// overwritten. The article's summary and bookmark record are deleted with
// it and kept in the snapshot.
func (db *DB) SoftDelete(ctx context.Context, articleID int64) (model.UndoSlot, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var slot model.UndoSlot
	err := db.writeLocked(ctx, "soft delete", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, db.q("SELECT "+articleColumns+articleFrom+" WHERE a.id = ?"), articleID)
		a, err := scanArticle(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("article %d: %w", articleID, ErrNotFound)
			}
			return err
		}
		slot.Article = *a

		sum, err := getSummary(ctx, tx, db.q, articleID)
		switch {
		case err == nil:
			slot.Summary = sum
		case err != sql.ErrNoRows:
			return err
		}
		bm, err := getBookmark(ctx, tx, db.q, articleID)
		switch {
		case err == nil:
			slot.Bookmark = bm
		case err != sql.ErrNoRows:
			return err
		}

		slot.Tombstone = model.Tombstone{FeedID: a.FeedID, GUID: a.GUID, DeletedAt: db.now().UTC()}
		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO tombstones (feed_id, guid, deleted_at) VALUES (?, ?, ?)
			ON CONFLICT (feed_id, guid) DO UPDATE SET deleted_at = excluded.deleted_at`),
			a.FeedID, a.GUID, toMillis(slot.Tombstone.DeletedAt)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, db.q("DELETE FROM summaries WHERE article_id = ?"), articleID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, db.q("DELETE FROM bookmarks WHERE article_id = ?"), articleID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, db.q("DELETE FROM articles WHERE id = ?"), articleID)
		return err
	})
	if err != nil {
		return model.UndoSlot{}, err
	}
	db.undo = &slot
	return slot, nil
}

// Undo restores the last soft-deleted article: the tombstone is removed and
// the article comes back under its old id with its read/starred flags,
// summary and bookmark record. The slot is consumed only when the restore commits.
func (db *DB) Undo(ctx context.Context) (model.Article, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.undo == nil {
		return model.Article{}, fmt.Errorf("undo: %w", ErrNothingToUndo)
	}
	slot := *db.undo
	a := slot.Article
	err := db.writeLocked(ctx, "undo", func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, db.q("SELECT 1 FROM feeds WHERE id = ?"), a.FeedID).Scan(&one); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("feed %d: %w", a.FeedID, ErrNotFound)
			}
			return err
		}
		if _, err := tx.ExecContext(ctx, db.q("DELETE FROM tombstones WHERE feed_id = ? AND guid = ?"),
			slot.Tombstone.FeedID, slot.Tombstone.GUID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO articles (id, feed_id, guid, title, url, author, content, content_text,
				published_at, fetched_at, is_read, is_starred)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			a.ID, a.FeedID, a.GUID, a.Title, a.URL, a.Author, a.Content, a.ContentText,
			nullMillis(a.PublishedAt), toMillis(a.FetchedAt), a.IsRead, a.IsStarred); err != nil {
			return err
		}
		if s := slot.Summary; s != nil {
			if _, err := tx.ExecContext(ctx, db.q(
				"INSERT INTO summaries (article_id, content, model, generated_at) VALUES (?, ?, ?, ?)"),
				a.ID, s.Content, s.Model, toMillis(s.GeneratedAt)); err != nil {
				return err
			}
		}
		if b := slot.Bookmark; b != nil {
			if err := insertBookmark(ctx, tx, db.q, *b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The feed is gone; the snapshot can never be restored.
			db.undo = nil
		}
		return model.Article{}, err
	}
	db.undo = nil
	return a, nil
}

// PendingUndo reports the current undo slot without consuming it.
func (db *DB) PendingUndo() (model.UndoSlot, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.undo == nil {
		return model.UndoSlot{}, false
	}
	return *db.undo, true
}

// IsTombstoned reports whether (feedID, guid) is blocked from re-insertion.
func (db *DB) IsTombstoned(ctx context.Context, feedID int64, guid string) (bool, error) {
	var one int
	err := db.conn.QueryRowContext(ctx, db.q("SELECT 1 FROM tombstones WHERE feed_id = ? AND guid = ?"), feedID, guid).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, db.wrap("is tombstoned", err)
	}
	return true, nil
}

// PruneTombstones removes tombstones older than horizon. The tombstone of the
// pending undo slot is kept so undo stays possible.
func (db *DB) PruneTombstones(ctx context.Context, horizon time.Duration) (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int64
	err := db.writeLocked(ctx, "prune tombstones", func(tx *sql.Tx) error {
		query := "DELETE FROM tombstones WHERE deleted_at < ?"
		args := []any{toMillis(db.now().Add(-horizon))}
		if db.undo != nil {
			query += " AND NOT (feed_id = ? AND guid = ?)"
			args = append(args, db.undo.Tombstone.FeedID, db.undo.Tombstone.GUID)
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
