package database

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

func newTestDB(t *testing.T, opts ...Option) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "feeds.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestFeed(t *testing.T, db *DB, url string) int64 {
	t.Helper()
	id, err := db.CreateFeed(context.Background(), model.NewFeed{Title: "Feed " + url, URL: url})
	require.NoError(t, err)
	return id
}

func entry(guid string, published time.Time) model.NewArticle {
	return model.NewArticle{
		GUID:        guid,
		Title:       "Title " + guid,
		URL:         "https://example.com/" + guid,
		Content:     "<p>" + guid + "</p>",
		ContentText: guid,
		PublishedAt: published,
	}
}

func TestUpsertArticles_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	now := time.Now()
	items := []model.NewArticle{entry("a", now), entry("b", now.Add(-time.Hour))}

	first, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Inserted)

	second, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)
	assert.Equal(t, model.UpsertResult{Unchanged: 2}, second)

	articles, err := db.ListArticles(ctx, ArticleFilter{FeedID: feedID})
	require.NoError(t, err)
	assert.Len(t, articles, 2)
}

func TestUpsertArticles_UpdatePreservesUserState(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	item := entry("a", time.Now())

	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{item})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, articles, 1)
	id := articles[0].ID
	require.NoError(t, db.MarkRead(ctx, id, true))
	require.NoError(t, db.SetStarred(ctx, id, true))

	item.Title = "Edited upstream"
	res, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{item})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err := db.GetArticle(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Edited upstream", got.Title)
	assert.True(t, got.IsRead)
	assert.True(t, got.IsStarred)
	assert.Equal(t, "Feed https://example.com/feed", got.FeedTitle)
}

func TestUpsertArticles_BadEntryIsolated(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")

	res, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{
		entry("a", time.Now()),
		{Title: "no guid"},
		entry("b", time.Now()),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Failed)
}

func TestUpsertArticles_UnknownFeed(t *testing.T) {
	db := newTestDB(t)
	_, err := db.UpsertArticles(context.Background(), 42, []model.NewArticle{entry("a", time.Now())})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDelete_TombstoneBlocksRefetch(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	items := []model.NewArticle{entry("a", time.Now()), entry("b", time.Now())}
	_, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)

	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	var target model.Article
	for _, a := range articles {
		if a.GUID == "a" {
			target = a
		}
	}
	require.NotZero(t, target.ID)

	slot, err := db.SoftDelete(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", slot.Tombstone.GUID)

	res, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedTombstoned)
	assert.Equal(t, 0, res.Inserted)

	_, err = db.GetArticle(ctx, target.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDelete_NotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.SoftDelete(context.Background(), 99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok := db.PendingUndo()
	assert.False(t, ok)
}

func TestUndo_RestoresPriorState(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("a", time.Now())})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	id := articles[0].ID
	require.NoError(t, db.MarkRead(ctx, id, true))
	require.NoError(t, db.SetStarred(ctx, id, true))
	_, err = db.SaveSummary(ctx, id, "• point", "test-model")
	require.NoError(t, err)

	_, err = db.SoftDelete(ctx, id)
	require.NoError(t, err)
	_, err = db.GetSummary(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound, "summary must go with the article")

	restored, err := db.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, restored.ID)

	got, err := db.GetArticle(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.IsRead)
	assert.True(t, got.IsStarred)
	tombstoned, err := db.IsTombstoned(ctx, feedID, "a")
	require.NoError(t, err)
	assert.False(t, tombstoned)
	sum, err := db.GetSummary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "• point", sum.Content)

	_, err = db.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestUndo_OnlyLastDeletion(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("a", time.Now()), entry("b", time.Now())})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, articles, 2)

	_, err = db.SoftDelete(ctx, articles[0].ID)
	require.NoError(t, err)
	_, err = db.SoftDelete(ctx, articles[1].ID)
	require.NoError(t, err)

	restored, err := db.Undo(ctx)
	require.NoError(t, err)
	assert.Equal(t, articles[1].ID, restored.ID)

	tombstoned, err := db.IsTombstoned(ctx, feedID, articles[0].GUID)
	require.NoError(t, err)
	assert.True(t, tombstoned)
}

func TestEvict_Retention(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{
		entry("1d", now.Add(-24*time.Hour)),
		entry("10d", now.Add(-10*24*time.Hour)),
		entry("40d", now.Add(-40*24*time.Hour)),
		entry("undated", time.Time{}),
	})
	require.NoError(t, err)

	n, err := db.Evict(ctx, EvictPolicy{Retention: 7 * 24 * time.Hour})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	var guids []string
	for _, a := range articles {
		guids = append(guids, a.GUID)
	}
	assert.Equal(t, []string{"1d", "undated"}, guids)
}

func TestEvict_PerFeedCap(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	db := newTestDB(t)
	feedA := newTestFeed(t, db, "https://a.example.com/feed")
	feedB := newTestFeed(t, db, "https://b.example.com/feed")

	var items []model.NewArticle
	for i := 0; i < 5; i++ {
		items = append(items, entry(fmt.Sprintf("e%d", i), now.Add(-time.Duration(i)*time.Hour)))
	}
	_, err := db.UpsertArticles(ctx, feedA, items)
	require.NoError(t, err)
	_, err = db.UpsertArticles(ctx, feedB, items[:2])
	require.NoError(t, err)

	n, err := db.Evict(ctx, EvictPolicy{PerFeedCap: 3})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	kept, err := db.ListArticles(ctx, ArticleFilter{FeedID: feedA})
	require.NoError(t, err)
	require.Len(t, kept, 3)
	assert.Equal(t, "e0", kept[0].GUID)
	assert.Equal(t, "e2", kept[2].GUID)

	other, err := db.ListArticles(ctx, ArticleFilter{FeedID: feedB})
	require.NoError(t, err)
	assert.Len(t, other, 2)
}

func TestClearAllArticles_KeepsFeedsAndTombstones(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	items := []model.NewArticle{entry("a", time.Now()), entry("b", time.Now())}
	_, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	_, err = db.SoftDelete(ctx, articles[0].ID)
	require.NoError(t, err)

	n, err := db.ClearAllArticles(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	feeds, err := db.GetAllFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, feeds, 1)

	res, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.SkippedTombstoned)
}

func TestCompact_NoLogicalChange(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("a", time.Now())})
	require.NoError(t, err)

	require.NoError(t, db.Compact(ctx))

	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	assert.Len(t, articles, 1)
}

func TestDeleteFeed_Cascades(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("a", time.Now()), entry("b", time.Now())})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	_, err = db.SaveSummary(ctx, articles[1].ID, "text", "m")
	require.NoError(t, err)
	_, err = db.SoftDelete(ctx, articles[0].ID)
	require.NoError(t, err)

	require.NoError(t, db.DeleteFeed(ctx, feedID))

	left, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	assert.Empty(t, left)
	_, err = db.GetSummary(ctx, articles[1].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	tombstoned, err := db.IsTombstoned(ctx, feedID, articles[0].GUID)
	require.NoError(t, err)
	assert.False(t, tombstoned)
	_, err = db.Undo(ctx)
	assert.ErrorIs(t, err, ErrNothingToUndo)

	assert.ErrorIs(t, db.DeleteFeed(ctx, feedID), ErrNotFound)
}

func TestCreateFeed_DuplicateURL(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	newTestFeed(t, db, "https://example.com/feed")

	_, err := db.CreateFeed(ctx, model.NewFeed{URL: "https://example.com/feed"})
	assert.ErrorIs(t, err, ErrConflict)

	id, created, err := db.GetOrCreateFeed(ctx, model.NewFeed{URL: "https://example.com/feed"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.NotZero(t, id)
}

func TestPruneTombstones(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	db := newTestDB(t, WithClock(func() time.Time { return clock }))
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("old", clock), entry("pending", clock)})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	byGUID := map[string]int64{}
	for _, a := range articles {
		byGUID[a.GUID] = a.ID
	}

	_, err = db.SoftDelete(ctx, byGUID["old"])
	require.NoError(t, err)
	clock = clock.Add(time.Hour)
	_, err = db.SoftDelete(ctx, byGUID["pending"])
	require.NoError(t, err)

	clock = clock.Add(100 * 24 * time.Hour)
	n, err := db.PruneTombstones(ctx, 90*24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "the undo slot's tombstone survives")

	tombstoned, err := db.IsTombstoned(ctx, feedID, "old")
	require.NoError(t, err)
	assert.False(t, tombstoned)
	tombstoned, err = db.IsTombstoned(ctx, feedID, "pending")
	require.NoError(t, err)
	assert.True(t, tombstoned)
}

func TestDeleteRacesEviction(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	var items []model.NewArticle
	for i := 0; i < 20; i++ {
		items = append(items, entry(fmt.Sprintf("e%02d", i), time.Now().Add(-time.Duration(i)*time.Minute)))
	}
	_, err := db.UpsertArticles(ctx, feedID, items)
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, a := range articles[:10] {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, _ = db.SoftDelete(ctx, id)
		}(a.ID)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := db.Evict(ctx, EvictPolicy{PerFeedCap: 5})
		assert.NoError(t, err)
	}()
	wg.Wait()

	left, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(left), 10)
	for _, a := range articles[:10] {
		_, err := db.GetArticle(ctx, a.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestSettings_RefreshInterval(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	mins, err := db.GetRefreshInterval(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 30, mins)

	require.NoError(t, db.SetSetting(ctx, model.SettingRefreshInterval, "5"))
	mins, err = db.GetRefreshInterval(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, 15, mins)
}

func TestBookmarks(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("a", time.Now())})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	id := articles[0].ID

	require.NoError(t, db.SaveBookmark(ctx, model.Bookmark{ArticleID: id, RemoteID: 7, Tags: []string{"rss", "go"}}))
	b, err := db.GetBookmark(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 7, b.RemoteID)
	assert.Equal(t, []string{"rss", "go"}, b.Tags)

	assert.ErrorIs(t, db.SaveBookmark(ctx, model.Bookmark{ArticleID: 999}), ErrNotFound)
}

func TestUndo_RestoresBookmark(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")
	_, err := db.UpsertArticles(ctx, feedID, []model.NewArticle{entry("a", time.Now())})
	require.NoError(t, err)
	articles, err := db.ListArticles(ctx, ArticleFilter{})
	require.NoError(t, err)
	id := articles[0].ID
	require.NoError(t, db.SaveBookmark(ctx, model.Bookmark{ArticleID: id, RemoteID: 42, Tags: []string{"rss"}}))

	slot, err := db.SoftDelete(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, slot.Bookmark)
	assert.EqualValues(t, 42, slot.Bookmark.RemoteID)
	_, err = db.GetBookmark(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Undo(ctx)
	require.NoError(t, err)
	b, err := db.GetBookmark(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 42, b.RemoteID)
	assert.Equal(t, []string{"rss"}, b.Tags)
}

func TestUpdateFeedError_TruncatesOnRuneBoundary(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	feedID := newTestFeed(t, db, "https://example.com/feed")

	// 199 ASCII bytes then two-byte runes: a byte cut at 200 would split one.
	msg := strings.Repeat("x", 199) + strings.Repeat("é", 10)
	require.NoError(t, db.UpdateFeedError(ctx, feedID, msg))

	f, err := db.GetFeedByID(ctx, feedID)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(f.LastError))
	assert.Equal(t, 200, utf8.RuneCountInString(f.LastError))
	assert.Equal(t, strings.Repeat("x", 199)+"é", f.LastError)
}

func TestRebind(t *testing.T) {
	got := postgresDialect.rebind("SELECT 1 FROM t WHERE a = ? AND b = ?")
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b = $2", got)
	assert.Equal(t, "a = ?", sqliteDialect.rebind("a = ?"))
}
