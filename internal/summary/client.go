// Package summary generates bullet-point article summaries through the
// Anthropic Messages API.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://api.anthropic.com"
	DefaultModel   = "claude-sonnet-4-20250514"
	apiVersion     = "2023-06-01"
	maxInputRunes  = 10000
	maxTokens      = 1024
)

const systemPrompt = `Summarize this article as 3-5 bullet points.
Output ONLY the bullet points - no introductions, conclusions, or commentary.
Start each line with "• " and state one key fact or finding.
Never write phrases like "Here are the key points" or "In summary" - just the bullets.`

// ErrNoAPIKey is returned when summarization is requested without a key.
var ErrNoAPIKey = errors.New("summary: no API key configured")

// Client calls the Messages API.
type Client struct {
	APIKey  string
	Model   string
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger
}

// NewClient creates a client with the default endpoint and a 60s timeout.
func NewClient(apiKey, model string, logger *slog.Logger) *Client {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: DefaultBaseURL,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		Logger:  logger,
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// ModelName reports the model recorded with generated summaries.
func (c *Client) ModelName() string {
	return c.Model
}

// Summarize returns a summary of the article. Input beyond 10000 characters
// is dropped.
func (c *Client) Summarize(ctx context.Context, title, body string) (string, error) {
	if c.APIKey == "" {
		return "", ErrNoAPIKey
	}
	start := time.Now()

	payload, err := json.Marshal(messagesRequest{
		Model:     c.Model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []message{{
			Role:    "user",
			Content: fmt.Sprintf("Please summarize the following article:\n\nTitle: %s\n\nContent:\n%s", title, truncate(body, maxInputRunes)),
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("x-api-key", c.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("content-type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("summary request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.Logger.Error("summary request rejected", "status", resp.StatusCode, "duration", time.Since(start))
		return "", fmt.Errorf("summary API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(text)))
	}

	var out messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var parts []string
	for _, block := range out.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	c.Logger.Debug("summary generated", "model", c.Model, "duration", time.Since(start))
	return strings.Join(parts, "\n"), nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
