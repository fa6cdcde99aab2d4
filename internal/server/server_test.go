package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/rss"
	"github.com/bryan-buckman/speedyreader/internal/session"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// feedDoc builds an RSS document whose items were published in the last
// few hours.
func feedDoc(title string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?><rss version="2.0"><channel><title>%s</title><link>https://example.com/</link>`, title)
	now := time.Now()
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<item><guid>%s-%d</guid><title>Item %d</title><link>https://example.com/%d</link><description>Body %d</description><pubDate>%s</pubDate></item>`,
			title, i, i, i, i, now.Add(-time.Duration(i+1)*time.Hour).Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

type testEnv struct {
	api   http.Handler
	store *database.DB
	feeds *httptest.Server
	gate  chan struct{}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{gate: make(chan struct{})}

	mux := http.NewServeMux()
	mux.HandleFunc("/tech.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedDoc("Tech", 3))
	})
	mux.HandleFunc("/news.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedDoc("News", 2))
	})
	mux.HandleFunc("/news/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head><link rel="alternate" type="application/rss+xml" href="/news.xml"></head><body>News</body></html>`)
	})
	mux.HandleFunc("/slow.xml", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-env.gate:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedDoc("Slow", 1))
	})
	env.feeds = httptest.NewServer(mux)
	t.Cleanup(env.feeds.Close)

	store, err := database.New(filepath.Join(t.TempDir(), "feeds.db"))
	require.NoError(t, err)
	env.store = store

	tasks := task.NewCoordinator(2, quiet)
	fetcher := rss.NewFetcher(5*time.Second, rss.WithHostLimits(10, 0), rss.WithLogger(quiet))
	sess := session.New(store, fetcher, tasks,
		session.WithLogger(quiet),
		session.WithPolicy(session.Policy{Retention: 7 * 24 * time.Hour, Concurrency: 2}),
	)
	env.api = New(sess, nil, quiet).Handler()

	t.Cleanup(func() {
		select {
		case <-env.gate:
		default:
			close(env.gate)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tasks.Shutdown(ctx)
		store.Close()
	})
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	env.api.ServeHTTP(rec, req)
	return rec
}

func (env *testEnv) subscribe(t *testing.T, path string) int64 {
	t.Helper()
	id, err := env.store.CreateFeed(context.Background(), model.NewFeed{Title: path, URL: env.feeds.URL + path})
	require.NoError(t, err)
	return id
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

// waitTask polls a task until it reaches a terminal state.
func (env *testEnv) waitTask(t *testing.T, handle string) taskEvent {
	t.Helper()
	var last taskEvent
	require.Eventually(t, func() bool {
		rec := env.do(t, http.MethodGet, "/api/tasks/"+handle, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		last = decode[taskEvent](t, rec)
		return last.State == "done" || last.State == "failed" || last.State == "cancelled"
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestRefresh_AcceptedThenConflict(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "/slow.xml")

	rec := env.do(t, http.MethodPost, "/api/refresh", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := decode[map[string]string](t, rec)
	assert.Equal(t, "refresh", first["kind"])
	require.NotEmpty(t, first["task"])

	rec = env.do(t, http.MethodPost, "/api/refresh", map[string]bool{"clear_first": false})
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(env.gate)
	ev := env.waitTask(t, first["task"])
	assert.Equal(t, "done", ev.State)

	rec = env.do(t, http.MethodGet, "/api/articles", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Articles []model.Article `json:"articles"`
	}](t, rec)
	assert.Len(t, list.Articles, 1)

	// The slot is free again.
	rec = env.do(t, http.MethodPost, "/api/refresh", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTasks_UnknownAndCancel(t *testing.T) {
	env := newTestEnv(t)
	env.subscribe(t, "/slow.xml")

	rec := env.do(t, http.MethodGet, "/api/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/refresh", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h := decode[map[string]string](t, rec)["task"]

	rec = env.do(t, http.MethodDelete, "/api/tasks/"+h, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	ev := env.waitTask(t, h)
	assert.Equal(t, "cancelled", ev.State)

	rec = env.do(t, http.MethodDelete, "/api/tasks/"+h+"?forget=1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	// The record goes away once the refresh has actually returned.
	assert.Eventually(t, func() bool {
		return env.do(t, http.MethodGet, "/api/tasks/"+h, nil).Code == http.StatusNotFound
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFeeds_AddRenameRemove(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/feeds", map[string]string{"url": env.feeds.URL + "/tech.xml"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	ev := env.waitTask(t, decode[map[string]string](t, rec)["task"])
	require.Equal(t, "done", ev.State, ev.Error)

	rec = env.do(t, http.MethodGet, "/api/feeds", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	feeds := decode[struct {
		Feeds []model.Feed `json:"feeds"`
	}](t, rec).Feeds
	require.Len(t, feeds, 1)
	assert.Equal(t, "Tech", feeds[0].Title)
	id := feeds[0].ID

	// Subscribing twice fails inside the task.
	rec = env.do(t, http.MethodPost, "/api/feeds", map[string]string{"url": env.feeds.URL + "/tech.xml"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	ev = env.waitTask(t, decode[map[string]string](t, rec)["task"])
	assert.Equal(t, "failed", ev.State)

	rec = env.do(t, http.MethodPatch, fmt.Sprintf("/api/feeds/%d", id), map[string]string{"title": "Renamed"})
	assert.Equal(t, http.StatusOK, rec.Code)
	feed, err := env.store.GetFeedByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", feed.Title)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/feeds/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/feeds/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/feeds", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/feeds/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestArticles_DeleteAndUndo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	feedID := env.subscribe(t, "/tech.xml")
	_, err := env.store.UpsertArticles(ctx, feedID, []model.NewArticle{
		{GUID: "a", Title: "A", URL: "https://example.com/a", PublishedAt: time.Now().Add(-time.Hour)},
		{GUID: "b", Title: "B", URL: "https://example.com/b", PublishedAt: time.Now().Add(-2 * time.Hour)},
	})
	require.NoError(t, err)

	articles, err := env.store.ListArticles(ctx, database.ArticleFilter{})
	require.NoError(t, err)
	require.Len(t, articles, 2)
	id := articles[0].ID

	rec := env.do(t, http.MethodPost, "/api/undo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/articles/%d/read", id), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/api/articles?unread=1", nil)
	unread := decode[struct {
		Articles []model.Article `json:"articles"`
	}](t, rec).Articles
	assert.Len(t, unread, 1)

	rec = env.do(t, http.MethodGet, "/api/undo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, fmt.Sprintf("/api/articles/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/undo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[model.UndoSlot](t, rec)
	assert.Equal(t, id, pending.Article.ID)
	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/articles/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/undo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	restored := decode[model.Article](t, rec)
	assert.Equal(t, "a", restored.GUID)
	assert.True(t, restored.IsRead)

	rec = env.do(t, http.MethodPost, "/api/undo", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSummary_NotConfigured(t *testing.T) {
	env := newTestEnv(t)
	feedID := env.subscribe(t, "/tech.xml")
	_, err := env.store.UpsertArticles(context.Background(), feedID, []model.NewArticle{
		{GUID: "a", Title: "A", URL: "https://example.com/a", PublishedAt: time.Now()},
	})
	require.NoError(t, err)
	articles, err := env.store.ListArticles(context.Background(), database.ArticleFilter{})
	require.NoError(t, err)
	id := articles[0].ID

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/articles/%d/summary", id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodPost, fmt.Sprintf("/api/articles/%d/summary", id), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ev := env.waitTask(t, decode[map[string]string](t, rec)["task"])
	assert.Equal(t, "failed", ev.State)
	assert.Contains(t, ev.Error, "API key")
}

func TestOPML_ImportExport(t *testing.T) {
	env := newTestEnv(t)
	doc := fmt.Sprintf(`<?xml version="1.0"?><opml version="2.0"><head><title>x</title></head><body>
<outline text="Folder"><outline text="Tech" type="rss" xmlUrl="%[1]s/tech.xml"/></outline>
<outline text="News homepage" type="rss" xmlUrl="%[1]s/news/"/>
<outline text="News" type="rss" xmlUrl="%[1]s/news.xml"/>
<outline text="Gone" type="rss" xmlUrl="%[1]s/gone.xml"/></body></opml>`, env.feeds.URL)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("opml", "feeds.opml")
	require.NoError(t, err)
	_, err = part.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/import-opml", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.api.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ev := env.waitTask(t, decode[map[string]string](t, rec)["task"])
	require.Equal(t, "done", ev.State, ev.Error)

	feeds, err := env.store.GetAllFeeds(context.Background())
	require.NoError(t, err)
	urls := make([]string, len(feeds))
	for i, f := range feeds {
		urls[i] = f.URL
	}
	assert.ElementsMatch(t, []string{env.feeds.URL + "/tech.xml", env.feeds.URL + "/news.xml"}, urls)

	rec = env.do(t, http.MethodGet, "/api/export-opml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), env.feeds.URL+"/tech.xml")
	assert.Contains(t, rec.Body.String(), env.feeds.URL+"/news.xml")
	assert.NotContains(t, rec.Body.String(), env.feeds.URL+"/news/\"")

	rec = env.do(t, http.MethodPost, "/api/import-opml", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettings_ClampInterval(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 30, decode[map[string]any](t, rec)["refresh_interval_minutes"])

	rec = env.do(t, http.MethodPost, "/api/settings", map[string]int{"refresh_interval_minutes": 5})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/settings", nil)
	assert.EqualValues(t, 15, decode[map[string]any](t, rec)["refresh_interval_minutes"])
}

func TestCleanupAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/cleanup", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	ev := env.waitTask(t, decode[map[string]string](t, rec)["task"])
	assert.Equal(t, "done", ev.State, ev.Error)

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "speedyreader_tasks_in_flight")
}
