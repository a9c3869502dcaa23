package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LoginLimiter applies a supplementary token-bucket limit to the login route on top of the sliding-window Limiter,
// smoothing bursts with a per-visitor-IP token bucket.
type LoginLimiter struct {
	mu       sync.Mutex
	visitors map[string]*loginVisitor
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
}

type loginVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLoginLimiter allows r login attempts per second per IP with burst capacity b.
func NewLoginLimiter(r rate.Limit, b int) *LoginLimiter {
	return &LoginLimiter{
		visitors: make(map[string]*loginVisitor),
		rate:     r,
		burst:    b,
		cleanup:  3 * time.Minute,
	}
}

// Allow reports whether a login attempt from ip is within the token-bucket limit.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	v, ok := l.visitors[ip]
	if !ok {
		v = &loginVisitor{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.Allow()
}

// Run periodically evicts visitors that have been idle longer than the cleanup interval.
func (l *LoginLimiter) Run(done <-chan struct{}) {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if time.Since(v.lastSeen) > l.cleanup {
					delete(l.visitors, ip)
				}
			}
			l.mu.Unlock()
		case <-done:
			return
		}
	}
}
