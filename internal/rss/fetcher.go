// Package rss provides feed fetching, parsing and discovery.
package rss

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/metrics"
	"github.com/bryan-buckman/speedyreader/internal/model"
)

// Defaults for the fetcher.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultConcurrency = 5
	DefaultUserAgent   = "speedy-reader/1.0"

	// maxBodyBytes caps a single feed document.
	maxBodyBytes = 16 << 20
)

// Fetcher handles RSS feed fetching.
type Fetcher struct {
	client    *http.Client
	parser    Parser
	timeout   time.Duration
	userAgent string
	limiter   *hostLimiter
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithParser replaces the feed-format parser.
func WithParser(p Parser) Option {
	return func(f *Fetcher) { f.parser = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithHostLimits overrides per-host politeness; interval 0 disables spacing.
func WithHostLimits(perHost int, interval time.Duration) Option {
	return func(f *Fetcher) { f.limiter = newHostLimiter(perHost, interval) }
}

// NewFetcher creates a fetcher with a per-request timeout.
func NewFetcher(timeout time.Duration, opts ...Option) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	f := &Fetcher{
		client:    &http.Client{},
		parser:    GofeedParser{},
		timeout:   timeout,
		userAgent: DefaultUserAgent,
		limiter:   newHostLimiter(MaxConcurrencyPerHost, DelayBetweenHostRequests),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchResult holds the result of fetching a single feed.
type FetchResult struct {
	FeedID int64
	URL    string
	Feed   *ParsedFeed // nil on error
	Err    error       // *FetchError on failure
}

// FetchOptions configures FetchAll.
type FetchOptions struct {
	// PerFeedLimit keeps only the N most recent entries per feed; 0 keeps all.
	PerFeedLimit int
	// Concurrency bounds in-flight fetches; 0 means DefaultConcurrency.
	Concurrency int
	// OnResult, if set, is called from worker goroutines as each feed finishes.
	OnResult func(done, total int, res FetchResult)
}

// FetchFeed fetches and parses a single feed.
func (f *Fetcher) FetchFeed(ctx context.Context, feed model.Feed, perFeedLimit int) (*ParsedFeed, error) {
	body, _, err := f.get(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	parsed, err := f.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &FetchError{Kind: ParseFailure, URL: feed.URL, Err: err}
	}
	parsed.Items = limitRecent(parsed.Items, perFeedLimit)
	return parsed, nil
}

// FetchAll fetches every feed with at most opts.Concurrency requests in
// flight. One feed failing never affects the others; results come back in
// the order of feeds.
func (f *Fetcher) FetchAll(ctx context.Context, feeds []model.Feed, opts FetchOptions) []FetchResult {
	results := make([]FetchResult, len(feeds))
	if len(feeds) == 0 {
		return results
	}
	workers := opts.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(feeds) {
		workers = len(feeds)
	}
	f.logger.Info("fetching feeds", "feeds", len(feeds), "concurrency", workers)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		done int
	)
	jobs := make(chan int)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				feed := feeds[i]
				res := FetchResult{FeedID: feed.ID, URL: feed.URL}
				if err := ctx.Err(); err != nil {
					res.Err = classify(feed.URL, err)
				} else {
					res.Feed, res.Err = f.FetchFeed(ctx, feed, opts.PerFeedLimit)
				}
				if res.Err != nil {
					fe := classify(feed.URL, res.Err)
					res.Err = fe
					metrics.RecordFetchError(fe.Kind.String())
					f.logger.Warn("feed fetch failed", "feed_id", feed.ID, "url", feed.URL, "kind", fe.Kind.String(), "error", fe.Err)
				}
				results[i] = res

				mu.Lock()
				done++
				n := done
				if opts.OnResult != nil {
					opts.OnResult(n, len(feeds), res)
				}
				mu.Unlock()
			}
		}()
	}

	for i := range feeds {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// get retrieves a document with the per-request timeout and host limits.
// The returned response has its body consumed; callers use it for headers
// and the post-redirect request URL.
func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, *http.Response, error) {
	release, err := f.limiter.acquire(ctx, hostOf(rawURL))
	if err != nil {
		return nil, nil, classify(rawURL, err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, &FetchError{Kind: Unreachable, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/html;q=0.8, */*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, classify(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp, &FetchError{
			Kind:       Unreachable,
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp, classify(rawURL, err)
	}
	return body, resp, nil
}
