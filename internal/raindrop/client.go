// Package raindrop saves bookmarks to Raindrop.io.
package raindrop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	DefaultBaseURL = "https://api.raindrop.io/rest/v1"
	// NewsCollection is the collection bookmarks are filed under when present.
	NewsCollection = "News Links"
)

// ErrNoToken is returned when bookmarking is requested without a token.
var ErrNoToken = errors.New("raindrop: no access token configured")

// Bookmark is a link to save.
type Bookmark struct {
	Link    string
	Title   string
	Excerpt string
	Note    string
	Tags    []string
}

// Client talks to the Raindrop REST API.
type Client struct {
	Token   string
	BaseURL string
	HTTP    *http.Client

	mu           sync.Mutex
	collectionID int64
	looked       bool
}

// NewClient creates a client with a 30s timeout.
func NewClient(token string) *Client {
	return &Client{
		Token:   token,
		BaseURL: DefaultBaseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// newsCollectionID finds the "News Links" collection. A failed lookup is
// not an error: the bookmark then lands in the default collection. A
// successful lookup is cached.
func (c *Client) newsCollectionID(ctx context.Context) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.looked {
		return c.collectionID
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return 0
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var out struct {
		Items []struct {
			ID    int64  `json:"_id"`
			Title string `json:"title"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0
	}
	c.looked = true
	for _, col := range out.Items {
		if col.Title == NewsCollection {
			c.collectionID = col.ID
			break
		}
	}
	return c.collectionID
}

// Save creates a bookmark and returns its remote id.
func (c *Client) Save(ctx context.Context, b Bookmark) (int64, error) {
	if c.Token == "" {
		return 0, ErrNoToken
	}
	tags := b.Tags
	if tags == nil {
		tags = []string{}
	}
	body := map[string]any{
		"link":        b.Link,
		"pleaseParse": map[string]any{},
		"tags":        tags,
	}
	if b.Title != "" {
		body["title"] = b.Title
	}
	if b.Excerpt != "" {
		body["excerpt"] = b.Excerpt
	}
	if b.Note != "" {
		body["note"] = b.Note
	}
	if id := c.newsCollectionID(ctx); id != 0 {
		body["collection"] = map[string]int64{"$id": id}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/raindrop", body)
	if err != nil {
		return 0, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("raindrop request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("raindrop API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}
	var out struct {
		Item *struct {
			ID int64 `json:"_id"`
		} `json:"item"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if out.Item == nil {
		return 0, errors.New("raindrop API returned no item")
	}
	return out.Item.ID, nil
}
