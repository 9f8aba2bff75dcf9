package net

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"

	"github.com/lcx/tilesync/codec"
)

// ErrRateLimited is returned when a client exceeds its token bucket.
var ErrRateLimited = errors.New("client rate limited")

// DispatcherRecvLimiter keeps one token bucket per client. A client over its budget has
// its messages dropped instead of stalling its connection reader. Inputs are exempt: the
// session input queue bounds them and the prediction relies on every one being applied.
type DispatcherRecvLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// NewTokenRecvLimiter creates a limiter granting limit tokens per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	return &DispatcherRecvLimiter{
		limit:    rate.Limit(limit),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow takes one token for clientID.
func (l *DispatcherRecvLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[clientID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Reload changes the budget of every existing and future client.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = rate.Limit(limit)
	l.burst = burst
	for _, lim := range l.limiters {
		lim.SetLimit(l.limit)
		lim.SetBurst(burst)
	}
}

// Forget drops the bucket of a disconnected client.
func (l *DispatcherRecvLimiter) Forget(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

func (l *DispatcherRecvLimiter) recvLimiterFilter(d *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if d.Msg.Type() != codec.TypeInput && !l.Allow(d.ClientID) {
		return ErrRateLimited
	}
	return f(d)
}
