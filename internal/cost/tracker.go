package cost

import (
	"sync"
	"time"
)

// DefaultMaxHistory bounds the number of entries a Tracker retains.
const DefaultMaxHistory = 1000

// Entry is the cost of one upstream call.
type Entry struct {
	Agent     string    `json:"agent,omitempty"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model,omitempty"`
	AmountUSD float64   `json:"amount_usd"`
	Timestamp time.Time `json:"timestamp"`
}

// Totals aggregates a set of entries.
type Totals struct {
	Total      float64            `json:"total"`
	Count      int                `json:"count"`
	ByProvider map[string]float64 `json:"by_provider"`
	ByAgent    map[string]float64 `json:"by_agent"`
}

// Average returns Total/Count, or 0 when there are no entries.
func (t Totals) Average() float64 {
	if t.Count == 0 {
		return 0
	}
	return t.Total / float64(t.Count)
}

// Tracker keeps a bounded, timestamped history of call costs. It does no
// pricing of its own; callers pass amounts already computed. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	entries []Entry // circular once len == max
	head    int     // index of the oldest entry when full
	max     int
	now     func() time.Time
}

// NewTracker creates a Tracker retaining at most maxHistory entries.
func NewTracker(maxHistory int) *Tracker {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	return &Tracker{max: maxHistory, now: time.Now}
}

// RecordCost records amountUSD against provider at the current time.
func (t *Tracker) RecordCost(provider string, amountUSD float64) {
	t.Record(Entry{Provider: provider, AmountUSD: amountUSD})
}

// Record appends e, evicting the oldest entry when the history is full. A
// zero Timestamp is set to now.
func (t *Tracker) Record(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = t.now()
	}
	if len(t.entries) < t.max {
		t.entries = append(t.entries, e)
		return
	}
	t.entries[t.head] = e
	t.head = (t.head + 1) % t.max
}

// GetTotalCosts aggregates entries from the last window. A non-positive
// window covers the whole retained history.
func (t *Tracker) GetTotalCosts(window time.Duration) Totals {
	var since time.Time
	if window > 0 {
		since = t.now().Add(-window)
	}
	return t.aggregate(func(e Entry) bool { return !e.Timestamp.Before(since) })
}

// GetAverageCost returns the mean cost per recorded call, or 0 when nothing
// has been recorded.
func (t *Tracker) GetAverageCost() float64 {
	return t.GetTotalCosts(0).Average()
}

// CostPerHour returns the cost recorded for agent during the last hour. An
// empty agent covers every agent.
func (t *Tracker) CostPerHour(agent string) float64 {
	since := t.now().Add(-time.Hour)
	totals := t.aggregate(func(e Entry) bool {
		return (agent == "" || e.Agent == agent) && !e.Timestamp.Before(since)
	})
	return totals.Total
}

// Len returns the number of retained entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) aggregate(keep func(Entry) bool) Totals {
	t.mu.Lock()
	defer t.mu.Unlock()

	totals := Totals{
		ByProvider: make(map[string]float64),
		ByAgent:    make(map[string]float64),
	}
	for _, e := range t.entries {
		if !keep(e) {
			continue
		}
		totals.Total += e.AmountUSD
		totals.Count++
		totals.ByProvider[e.Provider] += e.AmountUSD
		if e.Agent != "" {
			totals.ByAgent[e.Agent] += e.AmountUSD
		}
	}
	return totals
}
