// Package ratelimit guards the dataset refresh triggers with a token bucket
// per client address.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/transit-web/internal/httpmw"
)

// Config sizes the limiter. Zero fields take the defaults below.
type Config struct {
	// PerSecond is the refill rate, Burst the bucket size: {0.1, 3} allows
	// three triggers at once, then one every ten seconds.
	PerSecond float64
	Burst     int

	// IdleTTL is how long a quiet client keeps its bucket.
	IdleTTL time.Duration

	// MaxClients caps tracked clients. While full, unknown clients are
	// refused and known ones are unaffected. Negative disables the cap.
	MaxClients int
}

const (
	defaultPerSecond  = 0.1
	defaultBurst      = 3
	defaultIdleTTL    = 5 * time.Minute
	defaultMaxClients = 1024
)

// Hooks observe refusals. They run outside the limiter lock.
type Hooks struct {
	// Limited runs on every refused request; first is true for the first
	// refusal since the client's bucket was created.
	Limited func(ip string, first bool)
	// Full runs when the client map fills, and again only after eviction
	// has made room.
	Full func()
}

type verdict int

const (
	admitted verdict = iota
	limited
	firstLimited
	full
)

type bucket struct {
	tokens   *rate.Limiter
	lastSeen time.Time
	warned   bool
}

// Limiter holds one bucket per client with background eviction.
type Limiter struct {
	cfg   Config
	hooks Hooks

	mu      sync.Mutex
	clients map[string]*bucket
	isFull  bool
}

// New starts a limiter; its eviction loop stops with ctx.
func New(ctx context.Context, cfg Config, hooks Hooks) *Limiter {
	if cfg.PerSecond == 0 {
		cfg.PerSecond = defaultPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.MaxClients == 0 {
		cfg.MaxClients = defaultMaxClients
	}
	l := &Limiter{cfg: cfg, hooks: hooks, clients: make(map[string]*bucket)}
	go l.evictLoop(ctx)
	return l
}

func (l *Limiter) admit(ip string, now time.Time) verdict {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[ip]
	if !ok {
		if l.cfg.MaxClients > 0 && len(l.clients) >= l.cfg.MaxClients {
			if l.isFull {
				return limited
			}
			l.isFull = true
			return full
		}
		b = &bucket{tokens: rate.NewLimiter(rate.Limit(l.cfg.PerSecond), l.cfg.Burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	if b.tokens.AllowN(now, 1) {
		return admitted
	}
	if !b.warned {
		b.warned = true
		return firstLimited
	}
	return limited
}

// allow applies admit and runs the hooks for a refusal.
func (l *Limiter) allow(ip string) bool {
	v := l.admit(ip, time.Now())
	if v == admitted {
		return true
	}
	if v == full && l.hooks.Full != nil {
		l.hooks.Full()
	}
	if l.hooks.Limited != nil {
		l.hooks.Limited(ip, v == firstLimited)
	}
	return false
}

func (l *Limiter) evictLoop(ctx context.Context) {
	t := time.NewTicker(l.cfg.IdleTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.evict(now)
		}
	}
}

func (l *Limiter) evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > l.cfg.IdleTTL {
			delete(l.clients, ip)
		}
	}
	if len(l.clients) < l.cfg.MaxClients {
		l.isFull = false
	}
}

// retryAfter is the whole seconds until the next token
func (l *Limiter) retryAfter() string {
	ps := l.cfg.PerSecond
	if ps <= 0 || math.IsInf(ps, 1) {
		return "60"
	}
	return strconv.Itoa(int(math.Ceil(1 / ps)))
}

// Middleware refuses requests over the client's budget with 429 and the
// admin error envelope. The client address comes from httpmw.ClientIP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", l.retryAfter())
			w.WriteHeader(http.StatusTooManyRequests)
			// no detail about limits or refill timing
			_, _ = w.Write([]byte(`{"status":"error","message":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
