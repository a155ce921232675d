// Package alert raises threshold alerts from agent metrics and health
// results. At most one unresolved alert exists per agent and alert type.
package alert

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/agentrt/internal/health"
	"github.com/alecgard/agentrt/internal/monitor"
)

// Type is the condition an alert reports on.
type Type string

const (
	TypeError       Type = "error"
	TypePerformance Type = "performance"
	TypeCost        Type = "cost"
	TypeHealth      Type = "health"
)

// Severity orders alerts by urgency.
type Severity string

const (
	Critical Severity = "critical"
	Warning  Severity = "warning"
	Info     Severity = "info"
)

func (s Severity) rank() int {
	switch s {
	case Critical:
		return 2
	case Warning:
		return 1
	}
	return 0
}

// DefaultMaxResolved bounds the history of resolved alerts.
const DefaultMaxResolved = 100

// ErrNotFound is returned when resolving an alert id that is not active.
var ErrNotFound = errors.New("alert not found")

// Alert is a raised condition.
type Alert struct {
	ID         string     `json:"id"`
	Agent      string     `json:"agent"`
	Type       Type       `json:"type"`
	Severity   Severity   `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Thresholds are the warning levels. A value above a threshold raises a
// warning; above Escalation times the threshold it is critical.
type Thresholds struct {
	ErrorRate   float64       `yaml:"error_rate"`
	AvgLatency  time.Duration `yaml:"avg_latency"`
	CostPerHour float64       `yaml:"cost_per_hour"`
	Escalation  float64       `yaml:"escalation"`
	// MinCalls is the number of calls in the window before error and
	// latency rules apply.
	MinCalls int `yaml:"min_calls"`
}

// DefaultThresholds returns 10% errors, 5s average latency, and $1/hour.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:   0.10,
		AvgLatency:  5 * time.Second,
		CostPerHour: 1.00,
		Escalation:  2,
		MinCalls:    5,
	}
}

// Snapshot is the input to CheckAlerts for one agent.
type Snapshot struct {
	Metrics     monitor.AgentMetrics
	CostPerHour float64
}

type key struct {
	agent string
	typ   Type
}

// Manager evaluates thresholds and owns the alert lifecycle.
type Manager struct {
	mu         sync.Mutex
	thresholds Thresholds
	active     map[key]*Alert
	resolved   []Alert
	maxHistory int
	now        func() time.Time
	newID      func() string
	onRaise    func(Alert)
}

// NewManager creates a Manager with the given thresholds.
func NewManager(t Thresholds) *Manager {
	if t.Escalation <= 1 {
		t.Escalation = 2
	}
	return &Manager{
		thresholds: t,
		active:     make(map[key]*Alert),
		maxHistory: DefaultMaxResolved,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// OnRaise registers fn to be called for every newly raised alert.
func (m *Manager) OnRaise(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRaise = fn
}

// Thresholds returns the configured thresholds.
func (m *Manager) Thresholds() Thresholds {
	return m.thresholds
}

// CheckAlerts evaluates snap for agent and returns the alerts newly raised by
// this call. Conditions that already have an unresolved alert are
// suppressed, though their severity may be raised in place.
func (m *Manager) CheckAlerts(agent string, snap Snapshot) []Alert {
	t := m.thresholds
	var raised []Alert

	if snap.Metrics.TotalCalls >= t.MinCalls {
		if a, ok := m.evaluate(agent, TypeError, snap.Metrics.ErrorRate, t.ErrorRate,
			"error rate %.1f%% exceeds %.1f%%", 100*snap.Metrics.ErrorRate, 100*t.ErrorRate); ok {
			raised = append(raised, a)
		}
		avg := snap.Metrics.AverageDurationMs
		limit := float64(t.AvgLatency.Milliseconds())
		if a, ok := m.evaluate(agent, TypePerformance, avg, limit,
			"average latency %.0fms exceeds %.0fms", avg, limit); ok {
			raised = append(raised, a)
		}
	}
	if a, ok := m.evaluate(agent, TypeCost, snap.CostPerHour, t.CostPerHour,
		"cost $%.2f/hour exceeds $%.2f/hour", snap.CostPerHour, t.CostPerHour); ok {
		raised = append(raised, a)
	}
	return raised
}

// CheckHealth raises a health alert for a degraded or unhealthy probe
// result. Unhealthy is critical, degraded is a warning.
func (m *Manager) CheckHealth(r health.Result) (Alert, bool) {
	var sev Severity
	switch r.Status {
	case health.Unhealthy:
		sev = Critical
	case health.Degraded:
		sev = Warning
	default:
		return Alert{}, false
	}
	msg := fmt.Sprintf("health check reported %s", r.Status)
	if r.Error != "" {
		msg += ": " + r.Error
	}
	return m.raise(r.Agent, TypeHealth, sev, msg, float64(r.ResponseTimeMs), 0)
}

// evaluate compares value against threshold and raises an alert when it is
// exceeded. A non-positive threshold disables the rule.
func (m *Manager) evaluate(agent string, typ Type, value, threshold float64, format string, args ...any) (Alert, bool) {
	if threshold <= 0 || value <= threshold {
		return Alert{}, false
	}
	sev := Warning
	if value > threshold*m.thresholds.Escalation {
		sev = Critical
	}
	return m.raise(agent, typ, sev, fmt.Sprintf(format, args...), value, threshold)
}

func (m *Manager) raise(agent string, typ Type, sev Severity, msg string, value, threshold float64) (Alert, bool) {
	m.mu.Lock()
	k := key{agent: agent, typ: typ}
	if existing, ok := m.active[k]; ok {
		if sev.rank() > existing.Severity.rank() {
			existing.Severity = sev
			existing.Message = msg
			existing.Value = value
			slog.Warn("alert escalated", "agent", agent, "type", typ, "severity", sev)
		}
		m.mu.Unlock()
		return Alert{}, false
	}

	a := &Alert{
		ID:        m.newID(),
		Agent:     agent,
		Type:      typ,
		Severity:  sev,
		Message:   msg,
		Value:     value,
		Threshold: threshold,
		Timestamp: m.now(),
	}
	m.active[k] = a
	onRaise := m.onRaise
	m.mu.Unlock()

	slog.Warn("alert raised", "id", a.ID, "agent", agent, "type", typ, "severity", sev, "message", msg)
	if onRaise != nil {
		onRaise(*a)
	}
	return *a, true
}

// ResolveAlert marks the active alert with id as resolved. Resolving is the
// only way an alert leaves the active set.
func (m *Manager) ResolveAlert(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, a := range m.active {
		if a.ID != id {
			continue
		}
		now := m.now()
		a.Resolved = true
		a.ResolvedAt = &now
		delete(m.active, k)

		m.resolved = append(m.resolved, *a)
		if len(m.resolved) > m.maxHistory {
			m.resolved = m.resolved[len(m.resolved)-m.maxHistory:]
		}
		return nil
	}
	return ErrNotFound
}

// GetActiveAlerts returns unresolved alerts, most severe first, then newest
// first.
func (m *Manager) GetActiveAlerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	sortAlerts(out)
	return out
}

// GetAlertsByAgent returns the active and resolved alerts for agent, newest
// first.
func (m *Manager) GetAlertsByAgent(agent string) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Alert
	for _, a := range m.active {
		if a.Agent == agent {
			out = append(out, *a)
		}
	}
	for _, a := range m.resolved {
		if a.Agent == agent {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

func sortAlerts(alerts []Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		ri, rj := alerts[i].Severity.rank(), alerts[j].Severity.rank()
		if ri != rj {
			return ri > rj
		}
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}
