package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/speedyreader/internal/model"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// rssDoc builds an RSS 2.0 document with n items. Item i is published i
// hours after base, so the last item is the newest.
func rssDoc(title string, n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?><rss version="2.0"><channel><title>%s</title><link>https://example.com/</link><description>test feed</description>`, title)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<item><guid>item-%d</guid><title>Item %d</title><link>https://example.com/%d</link><description>&lt;p&gt;Body %d&lt;/p&gt;</description><pubDate>%s</pubDate></item>`,
			i, i, i, i, base.Add(time.Duration(i)*time.Hour).Format(time.RFC1123Z))
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

func serveString(body, contentType string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", contentType)
		fmt.Fprint(w, body)
	}))
}

func newTestFetcher(timeout time.Duration) *Fetcher {
	return NewFetcher(timeout, WithHostLimits(10, 0))
}

func TestFetchFeed_KeepsMostRecent(t *testing.T) {
	srv := serveString(rssDoc("Fifty", 50), "application/rss+xml")
	defer srv.Close()

	f := newTestFetcher(5 * time.Second)
	parsed, err := f.FetchFeed(context.Background(), model.Feed{ID: 1, URL: srv.URL}, 10)
	require.NoError(t, err)

	assert.Equal(t, "Fifty", parsed.Title)
	require.Len(t, parsed.Items, 10)
	for i, item := range parsed.Items {
		assert.Equal(t, fmt.Sprintf("item-%d", 49-i), item.GUID)
	}
	assert.Equal(t, "Body 49", parsed.Items[0].ContentText)
}

func TestFetchFeed_NoLimitKeepsAll(t *testing.T) {
	srv := serveString(rssDoc("All", 12), "application/rss+xml")
	defer srv.Close()

	parsed, err := newTestFetcher(5*time.Second).FetchFeed(context.Background(), model.Feed{URL: srv.URL}, 0)
	require.NoError(t, err)
	assert.Len(t, parsed.Items, 12)
}

func TestFetchAll_IsolatesFailures(t *testing.T) {
	ok := serveString(rssDoc("Good", 3), "application/rss+xml")
	defer ok.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	garbage := serveString("this is not a feed", "text/plain")
	defer garbage.Close()

	feeds := []model.Feed{
		{ID: 1, URL: ok.URL},
		{ID: 2, URL: slow.URL},
		{ID: 3, URL: broken.URL},
		{ID: 4, URL: garbage.URL},
	}

	var calls atomic.Int32
	f := newTestFetcher(200 * time.Millisecond)
	results := f.FetchAll(context.Background(), feeds, FetchOptions{
		Concurrency: 2,
		OnResult:    func(done, total int, _ FetchResult) { calls.Add(1); assert.Equal(t, 4, total) },
	})

	require.Len(t, results, 4)
	for i, res := range results {
		assert.Equal(t, feeds[i].ID, res.FeedID, "results keep input order")
	}
	assert.EqualValues(t, 4, calls.Load())

	require.NoError(t, results[0].Err)
	assert.Len(t, results[0].Feed.Items, 3)

	assert.True(t, IsKind(results[1].Err, Timeout), "got %v", results[1].Err)
	assert.Nil(t, results[1].Feed)

	require.Error(t, results[2].Err)
	assert.True(t, IsKind(results[2].Err, Unreachable))
	var fe *FetchError
	require.ErrorAs(t, results[2].Err, &fe)
	assert.Equal(t, http.StatusInternalServerError, fe.StatusCode)

	assert.True(t, IsKind(results[3].Err, ParseFailure), "got %v", results[3].Err)
}

func TestFetchAll_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		inFlight.Add(-1)
		fmt.Fprint(w, rssDoc("Same host", 1))
	}))
	defer srv.Close()

	feeds := make([]model.Feed, 8)
	for i := range feeds {
		feeds[i] = model.Feed{ID: int64(i + 1), URL: fmt.Sprintf("%s/feed/%d", srv.URL, i)}
	}
	results := newTestFetcher(5*time.Second).FetchAll(context.Background(), feeds, FetchOptions{Concurrency: 3})
	for _, res := range results {
		require.NoError(t, res.Err)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestFetchAll_CancelledContext(t *testing.T) {
	srv := serveString(rssDoc("Never", 1), "application/rss+xml")
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := newTestFetcher(time.Second).FetchAll(ctx, []model.Feed{{ID: 1, URL: srv.URL}}, FetchOptions{})
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestFetchAll_Empty(t *testing.T) {
	assert.Empty(t, newTestFetcher(time.Second).FetchAll(context.Background(), nil, FetchOptions{}))
}

func TestLimitRecent(t *testing.T) {
	items := []model.NewArticle{
		{GUID: "undated"},
		{GUID: "old", PublishedAt: base},
		{GUID: "tie-a", PublishedAt: base.Add(time.Hour)},
		{GUID: "tie-b", PublishedAt: base.Add(time.Hour)},
		{GUID: "new", PublishedAt: base.Add(2 * time.Hour)},
	}

	got := limitRecent(items, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"new", "tie-a", "tie-b"}, guids(got))

	got = limitRecent(items, 4)
	assert.Equal(t, []string{"new", "tie-a", "tie-b", "old"}, guids(got))
	assert.Equal(t, "undated", items[0].GUID, "input is not reordered")

	assert.Len(t, limitRecent(items, 0), 5)
}

func guids(items []model.NewArticle) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.GUID
	}
	return out
}
