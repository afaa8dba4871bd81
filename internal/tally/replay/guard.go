// Package replay rejects pings whose nonce was already used within the
// freshness window.
//
// Pings older than the window are rejected by the timestamp check before they
// reach the guard, so a nonce only has to be remembered for as long as its
// ping could still be considered fresh. Expired entries are treated as absent
// and are periodically swept.
package replay

import (
	"context"
	"sync"
	"time"
)

// Guard is a nonce registry with a fixed retention window. It is safe for
// concurrent use.
type Guard struct {
	mu       sync.Mutex
	windowMs int64
	seen     map[string]int64 // nonce -> first seen, unix millis
}

// New creates a guard that remembers nonces for window.
func New(window time.Duration) *Guard {
	return &Guard{
		windowMs: window.Milliseconds(),
		seen:     make(map[string]int64),
	}
}

// Accept records nonce and reports whether it is fresh. A nonce seen within
// the window is rejected. The check and the insert happen under one lock, so
// of two concurrent calls with the same nonce exactly one succeeds.
func (g *Guard) Accept(nonce string, nowMs int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if first, ok := g.seen[nonce]; ok && nowMs-first <= g.windowMs {
		return false
	}

	g.seen[nonce] = nowMs

	return true
}

// Sweep drops every entry older than the window and returns how many were
// removed.
func (g *Guard) Sweep(nowMs int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for nonce, first := range g.seen {
		if nowMs-first > g.windowMs {
			delete(g.seen, nonce)
			removed++
		}
	}

	return removed
}

// Len returns the number of remembered nonces.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.seen)
}

// Run sweeps every interval until ctx is cancelled. onSweep, if not nil,
// receives the number of removed and remaining entries after each pass.
func (g *Guard) Run(ctx context.Context, interval time.Duration, onSweep func(removed, remaining int)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			removed := g.Sweep(now.UnixMilli())
			if onSweep != nil {
				onSweep(removed, g.Len())
			}
		}
	}
}
