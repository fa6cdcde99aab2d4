package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/database"
	"github.com/bryan-buckman/speedyreader/internal/raindrop"
	"github.com/bryan-buckman/speedyreader/internal/rss"
	"github.com/bryan-buckman/speedyreader/internal/session"
	"github.com/bryan-buckman/speedyreader/internal/summary"
	"github.com/bryan-buckman/speedyreader/internal/task"
)

const (
	taskWorkers  = 4
	pollInterval = 100 * time.Millisecond
	closeTimeout = 30 * time.Second
)

// app holds the wired components for one command invocation.
type app struct {
	store database.Store
	tasks *task.Coordinator
	sess  *session.Session
}

func openStore() (database.Store, error) {
	if cfg.DatabaseURL != "" {
		return database.NewPostgres(cfg.DatabaseURL)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return database.New(cfg.DBPath)
}

func openApp() (*app, error) {
	store, err := openStore()
	if err != nil {
		return nil, fmt.Errorf("opening cache: %w", err)
	}
	log.Debug("cache opened", "backend", store.DatabaseType())

	fetcher := rss.NewFetcher(cfg.FetchTimeout(), rss.WithLogger(log))
	tasks := task.NewCoordinator(taskWorkers, log)

	opts := []session.Option{
		session.WithLogger(log),
		session.WithPolicy(session.PolicyFromConfig(cfg)),
		session.WithDefaultTags(cfg.DefaultTags),
	}
	if cfg.ClaudeAPIKey != "" {
		opts = append(opts, session.WithSummarizer(summary.NewClient(cfg.ClaudeAPIKey, cfg.ClaudeModel, log)))
	}
	if cfg.RaindropToken != "" {
		opts = append(opts, session.WithBookmarker(raindrop.NewClient(cfg.RaindropToken)))
	}

	return &app{store: store, tasks: tasks, sess: session.New(store, fetcher, tasks, opts...)}, nil
}

// close stops the coordinator and closes the cache. With maintain set it
// first prunes and compacts the cache.
func (a *app) close(maintain bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	if err := a.tasks.Shutdown(ctx); err != nil {
		log.Warn("task shutdown incomplete", "error", err)
	}
	if maintain {
		if _, err := a.sess.Maintain(ctx, a.sess.Policy()); err != nil {
			log.Warn("maintenance on close failed", "error", err)
		}
	}
	return a.store.Close()
}

// watch polls a task until it finishes, printing progress lines to out.
// Cancelling ctx cancels the task.
func (a *app) watch(ctx context.Context, h task.Handle, out io.Writer) (task.Event, error) {
	defer func() { _ = a.tasks.Forget(h) }()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ev, err := a.tasks.Poll(h)
		if err != nil {
			return task.Event{}, err
		}
		switch {
		case ev.State == task.StateProgress:
			printProgress(out, ev.Progress)
			continue
		case ev.State.Terminal():
			return ev, nil
		}

		select {
		case <-ctx.Done():
			_ = a.tasks.Cancel(h)
		case <-ticker.C:
		}
	}
}

// run submits op and watches it; a failed or cancelled task becomes an error.
func (a *app) run(ctx context.Context, op task.Operation, out io.Writer) (any, error) {
	h, err := a.tasks.Submit(op)
	if err != nil {
		return nil, err
	}
	ev, err := a.watch(ctx, h, out)
	if err != nil {
		return nil, err
	}
	switch ev.State {
	case task.StateFailed:
		return nil, ev.Err
	case task.StateCancelled:
		return nil, fmt.Errorf("%s: cancelled", op.Name)
	}
	return ev.Result, nil
}

func printProgress(out io.Writer, p task.Progress) {
	if p.Total > 0 {
		fmt.Fprintf(out, "[%d/%d] %s\n", p.Done, p.Total, p.Message)
		return
	}
	fmt.Fprintln(out, p.Message)
}
