// Package ratelimit provides a per-key gate over golang.org/x/time/rate's
// token-bucket Limiter as a documented no-op hook: every Allow call
// advances the key's limiter, but with Enforce off its verdict never
// rejects a call. No package in this build calls the Gate; the HTTP
// layer applies no rate limit. spec.md's rate-limiting Non-goal defers
// enforcement to a later phase.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config parameterizes the per-key limiter the Gate creates lazily on
// first observation.
type Config struct {
	// RequestsPerSecond is the sustained rate each key's bucket refills at.
	RequestsPerSecond float64

	// Burst is the bucket size, i.e. how many requests a key may burst
	// before being throttled to RequestsPerSecond.
	Burst int

	// Enforce gates whether Allow's verdict is honored by callers. It
	// defaults to false: the Gate always reports allowed=true while
	// still advancing every limiter's internal state, so flipping this
	// on later changes behavior without needing new wiring.
	Enforce bool
}

// DefaultConfig returns a permissive, per-user limiter configuration
// with enforcement left off.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40, Enforce: false}
}

// Gate tracks one token-bucket Limiter per key (typically a user ID),
// matching the teacher's lazy-per-tenant-resource pattern used
// elsewhere in this codebase (e.g. internal/workerspace's per-(user,
// project) Space).
type Gate struct {
	cfg Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New builds a Gate.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

func (g *Gate) limiterFor(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)
		g.limiters[key] = l
	}
	return l
}

// Allow advances key's limiter and reports whether the call is
// allowed. While cfg.Enforce is false (the shipped default) this
// always returns true regardless of the limiter's own verdict, per
// this package's doc comment.
func (g *Gate) Allow(key string) bool {
	allowed := g.limiterFor(key).Allow()
	if !g.cfg.Enforce {
		return true
	}
	return allowed
}

// Count reports how many distinct keys currently have a limiter.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}
