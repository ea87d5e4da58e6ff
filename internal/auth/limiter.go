package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter throttles login attempts per client key.
type Limiter struct {
	mu      sync.Mutex
	r       rate.Limit
	burst   int
	clients map[string]*client
	now     func() time.Time
}

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// idleAfter is how long an unused client entry is kept.
const idleAfter = 10 * time.Minute

// NewLimiter allows perSecond attempts per key with the given burst.
func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{
		r:       rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

// Allow reports whether key may attempt a login now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, c := range l.clients {
		if now.Sub(c.lastSeen) > idleAfter {
			delete(l.clients, k)
		}
	}
	c, ok := l.clients[key]
	if !ok {
		c = &client{lim: rate.NewLimiter(l.r, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.lim.AllowN(now, 1)
}
