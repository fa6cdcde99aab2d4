package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bryan-buckman/speedyreader/internal/task"
)

// Poller runs background refreshes through the task coordinator.
type Poller struct {
	session  *Session
	fallback int
	unit     time.Duration

	mu       sync.Mutex
	stopped  bool
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller. fallbackMinutes is used when the
// store has no refresh interval setting.
func NewPoller(s *Session, fallbackMinutes int) *Poller {
	return &Poller{
		session:  s,
		fallback: fallbackMinutes,
		unit:     time.Minute,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop. The first refresh is submitted at once.
// Start after Stop is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	log := p.session.logger

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval, err := p.session.store.GetRefreshInterval(ctx, p.fallback)
			if err != nil {
				log.Warn("poller: reading refresh interval failed", "error", err)
			}
			log.Info("poller: refreshing feeds", "interval_minutes", interval)
			p.refresh(ctx)

			select {
			case <-p.stopChan:
				return
			case <-time.After(time.Duration(interval) * p.unit):
			}
		}
	}()
}

// refresh submits one refresh and waits for it, so handles never pile up
// in the coordinator.
func (p *Poller) refresh(ctx context.Context) {
	log := p.session.logger
	h, err := p.session.SubmitRefresh(p.session.policy)
	if errors.Is(err, task.ErrAlreadyRunning) {
		log.Info("poller: refresh already running, skipping")
		return
	}
	if err != nil {
		log.Error("poller: submitting refresh failed", "error", err)
		return
	}
	defer func() { _ = p.session.tasks.Forget(h) }()

	ev, err := p.session.tasks.Wait(ctx, h)
	if err != nil {
		return
	}
	switch ev.State {
	case task.StateDone:
		if rep, ok := ev.Result.(Report); ok {
			log.Info("poller: refresh finished", "added", rep.Added, "feeds", rep.Feeds, "feed_errors", len(rep.FeedErrors))
		}
	case task.StateFailed:
		log.Error("poller: refresh failed", "error", ev.Err)
	}
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopChan)
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
