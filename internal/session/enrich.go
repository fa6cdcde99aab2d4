package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/model"
	"github.com/bryan-buckman/speedyreader/internal/raindrop"
	"github.com/bryan-buckman/speedyreader/internal/summary"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

const excerptRunes = 500

// Summarize returns the article's summary, generating and caching it when
// absent or when regenerate is set.
func (s *Session) Summarize(ctx context.Context, articleID int64, regenerate bool) (*model.Summary, error) {
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if !regenerate {
		existing, err := s.store.GetSummary(ctx, articleID)
		switch {
		case err == nil:
			return existing, nil
		case !errors.Is(err, database.ErrNotFound):
			return nil, err
		}
	}
	if s.summarizer == nil {
		return nil, summary.ErrNoAPIKey
	}

	body := article.ContentText
	if body == "" {
		body = article.Content
	}
	if body == "" {
		body = article.Title
	}
	text, err := s.summarizer.Summarize(ctx, article.Title, body)
	if err != nil {
		return nil, fmt.Errorf("summarize article %d: %w", articleID, err)
	}
	// The article may have been soft-deleted while the request was out;
	// SaveSummary then reports ErrNotFound.
	sum, err := s.store.SaveSummary(ctx, articleID, text, s.summarizer.ModelName())
	if err != nil {
		return nil, err
	}
	s.logger.Info("summary generated", "article_id", articleID, "model", sum.Model)
	return sum, nil
}

// SummarizeOperation wraps Summarize for the coordinator.
func (s *Session) SummarizeOperation(articleID int64, regenerate bool) task.Operation {
	return task.Operation{
		Kind: task.KindSummarize,
		Name: "summarize " + strconv.FormatInt(articleID, 10),
		Run: func(ctx context.Context, _ func(task.Progress)) (any, error) {
			return s.Summarize(ctx, articleID, regenerate)
		},
	}
}

// Bookmark saves the article to the bookmarking service with its cached
// summary as the note. Empty tags mean the configured defaults.
func (s *Session) Bookmark(ctx context.Context, articleID int64, tags []string) (*model.Bookmark, error) {
	if s.bookmarker == nil {
		return nil, raindrop.ErrNoToken
	}
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		tags = append([]string(nil), s.defaultTags...)
	}

	var note string
	if sum, err := s.store.GetSummary(ctx, articleID); err == nil {
		note = sum.Content
	} else if !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	remoteID, err := s.bookmarker.Save(ctx, raindrop.Bookmark{
		Link:    article.URL,
		Title:   article.Title,
		Excerpt: firstRunes(article.ContentText, excerptRunes),
		Note:    note,
		Tags:    tags,
	})
	if err != nil {
		return nil, fmt.Errorf("bookmark article %d: %w", articleID, err)
	}

	b := model.Bookmark{ArticleID: articleID, RemoteID: remoteID, Tags: tags, SavedAt: s.now()}
	if err := s.store.SaveBookmark(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("article bookmarked", "article_id", articleID, "remote_id", remoteID)
	return &b, nil
}

// BookmarkOperation wraps Bookmark for the coordinator.
func (s *Session) BookmarkOperation(articleID int64, tags []string) task.Operation {
	return task.Operation{
		Kind: task.KindBookmark,
		Name: "bookmark " + strconv.FormatInt(articleID, 10),
		Run: func(ctx context.Context, _ func(task.Progress)) (any, error) {
			return s.Bookmark(ctx, articleID, tags)
		},
	}
}

func firstRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
