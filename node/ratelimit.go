package node

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// forwardLimiter hands out one token bucket per client address. Buckets of
// idle clients expire from the cache.
type forwardLimiter struct {
	limit   rate.Limit
	burst   int
	maxWait time.Duration

	mu      sync.Mutex
	clients *cache.Cache
}

func newForwardLimiter(perSecond float64, burst int, maxWait time.Duration, idleTTL time.Duration) *forwardLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &forwardLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		maxWait: maxWait,
		clients: cache.New(idleTTL, idleTTL/2),
	}
}

func (l *forwardLimiter) limiterFor(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, found := l.clients.Get(client); found {
		// Touch so an active client keeps its bucket.
		l.clients.SetDefault(client, v)
		return v.(*rate.Limiter)
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.clients.SetDefault(client, lim)
	return lim
}

// Wait blocks until client may forward, ctx ends, or maxWait passes.
func (l *forwardLimiter) Wait(ctx context.Context, remote string) error {
	if l.maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.maxWait)
		defer cancel()
	}
	return l.limiterFor(clientKey(remote)).Wait(ctx)
}

func (l *forwardLimiter) Len() int { return l.clients.ItemCount() }

func clientKey(remote string) string {
	if a, ok := remoteAddr(remote); ok {
		return a.String()
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}
