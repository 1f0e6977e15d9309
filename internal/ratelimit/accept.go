// Package ratelimit throttles how fast new reverse-tunnel sockets are
// accepted, both globally and per remote IP, to keep a single misbehaving
// dialer from exhausting the bounded port pool or socket caps.
package ratelimit

import (
	"net"
	"sync"

	"golang.org/x/time/rate"
)

const (
	defaultGlobalRate = 50
	defaultPerIPRate  = 5
	burstFactor       = 1
)

// AcceptLimiter gates inbound connection acceptance.
type AcceptLimiter struct {
	global *rate.Limiter

	mu     sync.Mutex
	perIP  map[string]*rate.Limiter
	ipRate int
}

// NewAcceptLimiter builds a limiter with the given connections/sec rates.
// A rate <= 0 falls back to the package default.
func NewAcceptLimiter(globalRate, perIPRate int) *AcceptLimiter {
	if globalRate <= 0 {
		globalRate = defaultGlobalRate
	}
	if perIPRate <= 0 {
		perIPRate = defaultPerIPRate
	}
	return &AcceptLimiter{
		global: rate.NewLimiter(rate.Limit(globalRate), globalRate*burstFactor),
		perIP:  make(map[string]*rate.Limiter),
		ipRate: perIPRate,
	}
}

// Allow reports whether a new connection from remoteAddr may be accepted
// right now. It never blocks.
func (l *AcceptLimiter) Allow(remoteAddr string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.limiterFor(hostOf(remoteAddr)).Allow()
}

func (l *AcceptLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.perIP[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.ipRate), l.ipRate*burstFactor)
		l.perIP[ip] = lim
	}
	return lim
}

// Cleanup drops all per-IP limiter state, bounding memory growth across
// the lifetime of a long-running process. Call it periodically.
func (l *AcceptLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.perIP = make(map[string]*rate.Limiter)
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
