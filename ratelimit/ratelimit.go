// Package ratelimit implements the rendezvous accept-rate guard: a
// per-remote-IP attempt counter backed by go-cache, generalized from the
// teacher's controller/server.go WAF block (ipCache, 30s/1min window,
// 200-request threshold) into a reusable type. spec.md is silent on abuse
// handling; this is a supplementary feature exercising a teacher
// dependency rather than dropping it.
package ratelimit

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Guard rejects a remote address once it has made more than maxAttempts
// connection attempts within the configured window. The window starts at
// an address's first counted attempt; later attempts do not extend it.
type Guard struct {
	attempts    *cache.Cache
	maxAttempts int
}

// New builds a Guard with the given window and per-window cap.
func New(window time.Duration, maxAttempts int) *Guard {
	return &Guard{
		attempts:    cache.New(window, 2*window),
		maxAttempts: maxAttempts,
	}
}

// Allow records one attempt from addr and reports whether the caller
// should proceed. addr is typically the remote IP without port.
func (g *Guard) Allow(addr string) bool {
	count, found := g.attempts.Get(addr)
	if found && count.(int) >= g.maxAttempts {
		return false
	}
	if found {
		_ = g.attempts.Increment(addr, 1)
	} else {
		g.attempts.Set(addr, 1, cache.DefaultExpiration)
	}
	return true
}
