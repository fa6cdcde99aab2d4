// Package task runs long operations off the caller's goroutine and lets an
// interactive loop observe them by polling.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/bryan-buckman/speedyreader/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned when a refresh is submitted while another
	// one has not returned yet.
	ErrAlreadyRunning = errors.New("refresh already running")
	// ErrUnknownHandle is returned for handles that were never issued or
	// have been forgotten.
	ErrUnknownHandle = errors.New("unknown task handle")
)

const (
	// DefaultWorkers bounds how many operations run at once.
	DefaultWorkers = 4
	// DefaultRetention is how long a finished operation stays pollable
	// before it is dropped without an explicit Forget.
	DefaultRetention = 10 * time.Minute
)

// Kind names a class of operation.
type Kind string

const (
	KindRefresh     Kind = "refresh"
	KindAddFeed     Kind = "add_feed"
	KindImport      Kind = "import"
	KindSummarize   Kind = "summarize"
	KindBookmark    Kind = "bookmark"
	KindMaintenance Kind = "maintenance"
)

// Handle identifies a submitted operation.
type Handle string

// Progress is an intermediate report from a running operation.
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// State is the kind of event returned by Poll.
type State int

const (
	// StatePending means the operation is queued for a worker.
	StatePending State = iota
	// StateRunning means it is running and has no unread progress.
	StateRunning
	// StateProgress carries the next unread Progress.
	StateProgress
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateProgress:
		return "progress"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further events follow.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

// Event is one observation of an operation.
type Event struct {
	State    State
	Progress Progress
	Result   any
	Err      error
}

// Operation is a unit of background work. Run must honor ctx; report may
// be called any number of times from Run's goroutine.
type Operation struct {
	Kind Kind
	Name string
	Run  func(ctx context.Context, report func(Progress)) (any, error)
}

type entry struct {
	kind   Kind
	name   string
	cancel context.CancelFunc

	started   bool
	queue     []Progress
	terminal  *Event
	cancelled bool
	forget    bool
	finished  time.Time
	done      chan struct{} // closed once Run has returned
}

// Coordinator schedules operations on a bounded pool and buffers their
// events until polled.
type Coordinator struct {
	logger    *slog.Logger
	sem       *semaphore.Weighted
	retention time.Duration
	now       func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu          sync.Mutex
	tasks       map[Handle]*entry
	refreshBusy bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetention sets how long finished operations are kept for polling.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

// WithClock overrides the time source used for retention.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a coordinator running at most workers operations
// at once.
func NewCoordinator(workers int, logger *slog.Logger, opts ...Option) *Coordinator {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	c := &Coordinator{
		logger:    logger,
		sem:       semaphore.NewWeighted(int64(workers)),
		retention: DefaultRetention,
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
		tasks:     make(map[Handle]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sweepLocked drops operations that finished more than the retention ago.
func (c *Coordinator) sweepLocked() {
	cutoff := c.now().Add(-c.retention)
	for h, e := range c.tasks {
		select {
		case <-e.done:
			if e.finished.Before(cutoff) {
				delete(c.tasks, h)
			}
		default:
		}
	}
}

// Submit schedules op and returns immediately.
func (c *Coordinator) Submit(op Operation) (Handle, error) {
	if op.Run == nil {
		return "", fmt.Errorf("submit %s: operation has no Run func", op.Kind)
	}

	c.mu.Lock()
	if err := c.ctx.Err(); err != nil {
		c.mu.Unlock()
		return "", fmt.Errorf("submit %s: coordinator stopped", op.Kind)
	}
	if op.Kind == KindRefresh {
		if c.refreshBusy {
			c.mu.Unlock()
			return "", ErrAlreadyRunning
		}
		c.refreshBusy = true
	}
	c.sweepLocked()
	h := Handle(uuid.NewString())
	ctx, cancel := context.WithCancel(c.ctx)
	e := &entry{kind: op.Kind, name: op.Name, cancel: cancel, done: make(chan struct{})}
	c.tasks[h] = e
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(ctx, h, e, op)
	return h, nil
}

func (c *Coordinator) run(ctx context.Context, h Handle, e *entry, op Operation) {
	defer c.wg.Done()
	log := c.logger.With("task", string(h), "kind", string(op.Kind))

	var (
		result any
		err    error
	)
	if err = c.sem.Acquire(ctx, 1); err == nil {
		c.mu.Lock()
		e.started = true
		c.mu.Unlock()

		metrics.TaskStarted(string(op.Kind))
		start := time.Now()
		result, err = c.invoke(ctx, e, op)
		metrics.TaskFinished(string(op.Kind))
		c.sem.Release(1)
		log.Debug("task finished", "name", op.Name, "duration", time.Since(start), "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if op.Kind == KindRefresh {
		c.refreshBusy = false
	}
	switch {
	case e.cancelled:
		// Cancel already set the terminal event.
	case err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()):
		e.terminal = &Event{State: StateCancelled, Err: err}
	case err != nil:
		log.Warn("task failed", "name", op.Name, "error", err)
		e.terminal = &Event{State: StateFailed, Err: err}
	default:
		e.terminal = &Event{State: StateDone, Result: result}
	}
	e.cancel()
	e.finished = c.now()
	close(e.done)
	if e.forget {
		delete(c.tasks, h)
	}
}

// invoke calls op.Run, turning a panic into an error.
func (c *Coordinator) invoke(ctx context.Context, e *entry, op Operation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", op.Kind, r)
		}
	}()
	report := func(p Progress) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if e.cancelled || e.terminal != nil {
			return
		}
		e.queue = append(e.queue, p)
	}
	return op.Run(ctx, report)
}

// Poll returns the next event for h without blocking. Progress events are
// returned one per call in the order they were reported; the terminal
// event is returned after all of them and on every later call until the
// operation is forgotten or its retention has passed.
func (c *Coordinator) Poll(h Handle) (Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	e, ok := c.tasks[h]
	if !ok {
		return Event{}, ErrUnknownHandle
	}
	if e.cancelled {
		return *e.terminal, nil
	}
	if len(e.queue) > 0 {
		p := e.queue[0]
		e.queue = e.queue[1:]
		return Event{State: StateProgress, Progress: p}, nil
	}
	if e.terminal != nil {
		return *e.terminal, nil
	}
	if e.started {
		return Event{State: StateRunning}, nil
	}
	return Event{State: StatePending}, nil
}

// Cancel asks the operation to stop. Unread progress and any later result
// are discarded and Poll reports StateCancelled. Cancelling a finished
// operation is a no-op.
func (c *Coordinator) Cancel(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tasks[h]
	if !ok {
		return ErrUnknownHandle
	}
	c.cancelLocked(h, e)
	return nil
}

func (c *Coordinator) cancelLocked(h Handle, e *entry) {
	if e.terminal != nil || e.cancelled {
		return
	}
	e.cancelled = true
	e.queue = nil
	e.terminal = &Event{State: StateCancelled, Err: context.Canceled}
	e.cancel()
	c.logger.Info("task cancelled", "task", string(h), "kind", string(e.kind), "name", e.name)
}

// Forget drops the record of h. A still-running operation is cancelled and
// its record is dropped once it returns.
func (c *Coordinator) Forget(h Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.tasks[h]
	if !ok {
		return ErrUnknownHandle
	}
	select {
	case <-e.done:
		delete(c.tasks, h)
		return nil
	default:
	}
	e.forget = true
	c.cancelLocked(h, e)
	return nil
}

// Wait blocks until the operation has returned and yields its terminal
// event. Unread progress is skipped.
func (c *Coordinator) Wait(ctx context.Context, h Handle) (Event, error) {
	c.mu.Lock()
	e, ok := c.tasks[h]
	c.mu.Unlock()
	if !ok {
		return Event{}, ErrUnknownHandle
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return *e.terminal, nil
}

// Running reports whether an operation of kind is in flight.
func (c *Coordinator) Running(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == KindRefresh {
		return c.refreshBusy
	}
	for _, e := range c.tasks {
		if e.kind != kind {
			continue
		}
		select {
		case <-e.done:
		default:
			return true
		}
	}
	return false
}

// Shutdown cancels every operation and waits for them to return or for ctx
// to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.stop()
	c.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
