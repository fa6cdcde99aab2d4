package database

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// dialect captures the few places where SQLite and PostgreSQL differ.
// Queries are written with '?' placeholders and rebound per backend.
type dialect struct {
	name       string
	schema     string
	compact    []string
	numbered   bool // $1, $2 placeholders
	maxOpen    int
	uniqueViol func(error) bool
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var sqliteDialect = dialect{
	name: "SQLite",
	schema: `
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		site_url TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		last_fetched INTEGER,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		content_text TEXT NOT NULL DEFAULT '',
		published_at INTEGER,
		fetched_at INTEGER NOT NULL,
		is_read INTEGER NOT NULL DEFAULT 0,
		is_starred INTEGER NOT NULL DEFAULT 0,
		UNIQUE(feed_id, guid)
	);
	CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at);
	CREATE TABLE IF NOT EXISTS tombstones (
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		deleted_at INTEGER NOT NULL,
		PRIMARY KEY (feed_id, guid)
	);
	CREATE TABLE IF NOT EXISTS summaries (
		article_id INTEGER PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		generated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bookmarks (
		article_id INTEGER PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
		remote_id INTEGER NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		saved_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
	compact: []string{"VACUUM", "PRAGMA wal_checkpoint(TRUNCATE)"},
	// Writers are serialized by DB.mu; WAL lets the other connections read
	// while a write transaction is open.
	maxOpen:    4,
	uniqueViol: sqliteUniqueViolation,
}

var postgresDialect = dialect{
	name: "PostgreSQL",
	schema: `
	CREATE TABLE IF NOT EXISTS feeds (
		id BIGSERIAL PRIMARY KEY,
		title TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		site_url TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		last_fetched BIGINT,
		last_error TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS articles (
		id BIGSERIAL PRIMARY KEY,
		feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		content_text TEXT NOT NULL DEFAULT '',
		published_at BIGINT,
		fetched_at BIGINT NOT NULL,
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		is_starred BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE(feed_id, guid)
	);
	CREATE INDEX IF NOT EXISTS idx_articles_published ON articles(published_at);
	CREATE TABLE IF NOT EXISTS tombstones (
		feed_id BIGINT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		deleted_at BIGINT NOT NULL,
		PRIMARY KEY (feed_id, guid)
	);
	CREATE TABLE IF NOT EXISTS summaries (
		article_id BIGINT PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		generated_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS bookmarks (
		article_id BIGINT PRIMARY KEY REFERENCES articles(id) ON DELETE CASCADE,
		remote_id BIGINT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		saved_at BIGINT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
	compact:    []string{"VACUUM"},
	numbered:   true,
	maxOpen:    25,
	uniqueViol: postgresUniqueViolation,
}

func sqliteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func postgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
