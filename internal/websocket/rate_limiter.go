package websocket

import (
	"sync"
	"time"
)

// RateLimiter caps inbound frames per session in fixed one-minute windows.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	clients   map[string]*clientLimit
}

type clientLimit struct {
	messageCount int
	windowStart  time.Time
}

// NewRateLimiter returns nil when perMinute is zero, which disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		perMinute: perMinute,
		clients:   make(map[string]*clientLimit),
	}
}

// Allow reports whether sessionID may send another frame. A nil limiter
// allows everything.
func (rl *RateLimiter) Allow(sessionID string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	limit, exists := rl.clients[sessionID]
	if !exists || now.Sub(limit.windowStart) >= time.Minute {
		rl.clients[sessionID] = &clientLimit{messageCount: 1, windowStart: now}
		return true
	}

	if limit.messageCount >= rl.perMinute {
		return false
	}

	limit.messageCount++
	return true
}

// Forget drops the state for a closed session.
func (rl *RateLimiter) Forget(sessionID string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.clients, sessionID)
}

// Cleanup removes entries idle for more than five windows.
func (rl *RateLimiter) Cleanup() {
	if rl == nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for id, limit := range rl.clients {
		if now.Sub(limit.windowStart) > 5*time.Minute {
			delete(rl.clients, id)
		}
	}
}

// Len reports how many sessions are tracked.
func (rl *RateLimiter) Len() int {
	if rl == nil {
		return 0
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}
