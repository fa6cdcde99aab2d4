package rss

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Politeness defaults per host.
const (
	// MaxConcurrencyPerHost limits parallel requests to any single host.
	MaxConcurrencyPerHost = 2
	// DelayBetweenHostRequests is the minimum delay between requests to the same host.
	DelayBetweenHostRequests = 500 * time.Millisecond
)

// hostLimiter keeps the fetcher from hammering one host when many feeds
// live on it: a small semaphore bounds parallelism and a token bucket
// spaces request starts.
type hostLimiter struct {
	mu       sync.Mutex
	perHost  int
	interval time.Duration
	sems     map[string]chan struct{}
	limiters map[string]*rate.Limiter
}

func newHostLimiter(perHost int, interval time.Duration) *hostLimiter {
	if perHost <= 0 {
		perHost = MaxConcurrencyPerHost
	}
	return &hostLimiter{
		perHost:  perHost,
		interval: interval,
		sems:     make(map[string]chan struct{}),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (h *hostLimiter) slot(host string) (chan struct{}, *rate.Limiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sem, ok := h.sems[host]
	if !ok {
		sem = make(chan struct{}, h.perHost)
		h.sems[host] = sem
	}
	lim, ok := h.limiters[host]
	if !ok {
		every := rate.Inf
		if h.interval > 0 {
			every = rate.Every(h.interval)
		}
		lim = rate.NewLimiter(every, 1)
		h.limiters[host] = lim
	}
	return sem, lim
}

// acquire blocks until a request to host may start. The returned func
// releases the slot.
func (h *hostLimiter) acquire(ctx context.Context, host string) (func(), error) {
	sem, lim := h.slot(host)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := lim.Wait(ctx); err != nil {
		<-sem
		return nil, err
	}
	return func() { <-sem }, nil
}

// hostOf gets the host from a URL.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
