package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fernvale/orderflow/internal/platform/auth"
)

type rateLimiter interface {
	Allow(key string) bool
}

// windowLimiter admits at most limit calls per key in each fixed window.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]callWindow
	sweepAt time.Time
}

type callWindow struct {
	calls   int
	resetAt time.Time
}

func newSimpleRateLimiter(limit int, window time.Duration, now func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		now:     now,
		windows: make(map[string]callWindow),
	}
}

func (l *windowLimiter) Allow(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.sweepAt = now.Add(l.window)
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		l.windows[key] = callWindow{calls: 1, resetAt: now.Add(l.window)}
		return true
	}
	if w.calls >= l.limit {
		return false
	}
	w.calls++
	l.windows[key] = w
	return true
}

// callerKey prefers the signed-in uid and falls back to the client address.
func callerKey(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return "uid:" + identity.UID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
