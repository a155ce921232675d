// Package breaker implements a per-agent circuit breaker. After a run of
// consecutive failures an agent's circuit opens and calls fail fast until a
// cool-down passes; then a few trial calls decide whether it closes again.
package breaker

import (
	"sync"
	"time"
)

// State is the position of a circuit.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Zero disables the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// ResetTimeout is how long an open circuit rejects calls.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	// HalfOpenSuccesses is the number of trial successes that close a
	// half-open circuit.
	HalfOpenSuccesses int `yaml:"half_open_successes"`
}

// DefaultConfig returns the standard thresholds: 5 failures, 60s cool-down,
// 3 trial successes.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, ResetTimeout: time.Minute, HalfOpenSuccesses: 3}
}

// Status is a snapshot of one agent's circuit.
type Status struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
}

type circuit struct {
	mu sync.Mutex
	Status
}

// Breaker tracks one circuit per agent.
type Breaker struct {
	cfg      Config
	circuits sync.Map // string -> *circuit
	now      func() time.Time
}

// New creates a Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

func (b *Breaker) get(agent string) *circuit {
	if v, ok := b.circuits.Load(agent); ok {
		return v.(*circuit)
	}
	v, _ := b.circuits.LoadOrStore(agent, &circuit{Status: Status{State: Closed}})
	return v.(*circuit)
}

// Allow reports whether a call to agent may proceed. When it may not, the
// returned duration is how long until the circuit admits a trial call.
func (b *Breaker) Allow(agent string) (bool, time.Duration) {
	if b.cfg.FailureThreshold <= 0 {
		return true, 0
	}
	c := b.get(agent)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State != Open {
		return true, 0
	}
	elapsed := b.now().Sub(c.LastFailureAt)
	if elapsed >= b.cfg.ResetTimeout {
		c.State = HalfOpen
		c.Successes = 0
		return true, 0
	}
	return false, b.cfg.ResetTimeout - elapsed
}

// Success records a successful call.
func (b *Breaker) Success(agent string) {
	if b.cfg.FailureThreshold <= 0 {
		return
	}
	c := b.get(agent)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State == HalfOpen {
		c.Successes++
		if c.Successes < b.cfg.HalfOpenSuccesses {
			return
		}
		c.State = Closed
	}
	c.Failures = 0
	c.Successes = 0
}

// Failure records a failed call. A failure during a half-open trial reopens
// the circuit immediately.
func (b *Breaker) Failure(agent string) {
	if b.cfg.FailureThreshold <= 0 {
		return
	}
	c := b.get(agent)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Failures++
	c.LastFailureAt = b.now()
	if c.State == HalfOpen || c.Failures >= b.cfg.FailureThreshold {
		c.State = Open
		c.Successes = 0
	}
}

// Status returns the circuit snapshot for agent.
func (b *Breaker) Status(agent string) Status {
	v, ok := b.circuits.Load(agent)
	if !ok {
		return Status{State: Closed}
	}
	c := v.(*circuit)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status
}

// Reset forgets all state for agent.
func (b *Breaker) Reset(agent string) {
	b.circuits.Delete(agent)
}
