package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limit is the configured quota for one agent: MaxRequests per Window.
type Limit struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// Decision is the outcome of a TryAcquire call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the bucket will be fully replenished.
	ResetAt time.Time
	// RetryAfter is how long until the next token is available. Zero when
	// the request was allowed.
	RetryAfter time.Duration
}

// bucket is the token state for a single agent.
type bucket struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	limit Limit
}

// Limiter implements a token-bucket rate limiter keyed by agent name. Each
// agent's bucket holds at most MaxRequests tokens and refills continuously at
// MaxRequests per Window. Buckets are independent; there is no global lock.
type Limiter struct {
	buckets sync.Map // string -> *bucket
	def     Limit
	now     func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window for any
// agent that has not been configured explicitly.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		def: Limit{MaxRequests: defaultRate, Window: window},
		now: time.Now,
	}
}

// Default returns the limit applied to unconfigured agents.
func (l *Limiter) Default() Limit {
	return l.def
}

// Configure sets the limit for agent. Reconfiguring an existing agent keeps
// its current token level, clamped to the new capacity.
func (l *Limiter) Configure(agent string, maxRequests int, window time.Duration) {
	lim := Limit{MaxRequests: maxRequests, Window: window}
	if lim.MaxRequests <= 0 || lim.Window <= 0 {
		lim = l.def
	}

	b := l.getBucket(agent, lim)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.limit == lim {
		return
	}
	now := l.now()
	b.lim.SetLimitAt(now, refillRate(lim))
	b.lim.SetBurstAt(now, lim.MaxRequests)
	b.limit = lim
}

// LimitFor returns the effective limit for agent.
func (l *Limiter) LimitFor(agent string) Limit {
	if v, ok := l.buckets.Load(agent); ok {
		b := v.(*bucket)
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.limit
	}
	return l.def
}

// TryAcquire consumes one token for agent if one is available. It never
// blocks.
func (l *Limiter) TryAcquire(agent string) Decision {
	b := l.getBucket(agent, l.def)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	allowed := b.lim.AllowN(now, 1)
	return b.decision(now, allowed)
}

// Status returns the current rate-limit state for agent without consuming a
// token.
func (l *Limiter) Status(agent string) Decision {
	b := l.getBucket(agent, l.def)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	return b.decision(now, b.lim.TokensAt(now) >= 1)
}

// getBucket returns the bucket for agent, creating one with lim if it does
// not exist.
func (l *Limiter) getBucket(agent string, lim Limit) *bucket {
	if v, ok := l.buckets.Load(agent); ok {
		return v.(*bucket)
	}
	b := &bucket{
		lim:   rate.NewLimiter(refillRate(lim), lim.MaxRequests),
		limit: lim,
	}
	v, _ := l.buckets.LoadOrStore(agent, b)
	return v.(*bucket)
}

// decision builds a Decision from the bucket state at now. Must be called
// with b.mu held.
func (b *bucket) decision(now time.Time, allowed bool) Decision {
	tokens := b.lim.TokensAt(now)
	if tokens < 0 {
		tokens = 0
	}
	d := Decision{
		Allowed:   allowed,
		Limit:     b.limit.MaxRequests,
		Remaining: int(math.Floor(tokens)),
		ResetAt:   now,
	}

	perToken := b.limit.Window / time.Duration(max(b.limit.MaxRequests, 1))
	if deficit := float64(b.limit.MaxRequests) - tokens; deficit > 0 {
		d.ResetAt = now.Add(time.Duration(deficit * float64(perToken)))
	}
	if !allowed && tokens < 1 {
		d.RetryAfter = time.Duration((1 - tokens) * float64(perToken))
	}
	return d
}

// refillRate converts a Limit into a token refill rate.
func refillRate(lim Limit) rate.Limit {
	if lim.MaxRequests <= 0 || lim.Window <= 0 {
		return 0
	}
	return rate.Limit(float64(lim.MaxRequests) / lim.Window.Seconds())
}
