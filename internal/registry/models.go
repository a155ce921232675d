package registry

import (
	"encoding/json"
	"sort"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Registration describes an agent handed to the registry.
type Registration struct {
	Name        string
	Description string
	Agent       agent.Agent
	// Provider names the upstream model provider that backs the agent, used
	// for cost estimation when the agent does not report one itself.
	Provider string
	Model    string
	// InputSchema is an optional JSON Schema the input must satisfy.
	InputSchema json.RawMessage
	// Backends are alternative implementations keyed by provider name. The
	// runtime dispatches to one of them when the agent's settings select a
	// provider other than Provider.
	Backends map[string]agent.Agent
	// Probe is the minimal input sent by the health checker. Defaults to {}.
	Probe json.RawMessage
	// ProbeContext is the call context sent with Probe, for agents whose
	// prompt or endpoint needs context fields to render.
	ProbeContext agent.CallContext
}

// Entry is a registered agent.
type Entry struct {
	Name        string
	Description string
	Agent       agent.Agent
	Provider    string
	Model       string
	Probe        json.RawMessage
	ProbeContext agent.CallContext
	backends     map[string]agent.Agent
	schema       *jsonschema.Schema
}

// Backend returns the implementation serving provider. An empty provider or
// the entry's own provider selects Agent.
func (e *Entry) Backend(provider string) (agent.Agent, bool) {
	if provider == "" || provider == e.Provider {
		return e.Agent, true
	}
	a, ok := e.backends[provider]
	return a, ok
}

// Providers returns the providers the entry can dispatch to, primary first.
func (e *Entry) Providers() []string {
	out := []string{e.Provider}
	for p := range e.backends {
		if p != e.Provider {
			out = append(out, p)
		}
	}
	sort.Strings(out[1:])
	return out
}

// Info is the public, serializable view of an Entry.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	HasSchema   bool   `json:"has_schema"`
}

// Workflow is an ordered composition of agent invocations with explicit data
// wiring between steps.
type Workflow struct {
	Name        string
	Description string
	Steps       []Step
}

// Step is one invocation inside a Workflow. Wire builds the step's input from
// the workflow state; a nil Wire feeds the previous step's output (or the
// workflow input for the first step).
//
// Consecutive steps sharing a non-empty Group run concurrently. Every step of
// a group sees the state as it was before the group started.
type Step struct {
	Name  string
	Agent string
	Wire  WireFunc
	Group string
}

// WireFunc derives a step input from the state accumulated so far.
type WireFunc func(State) (json.RawMessage, error)

// State is the data visible to a step's WireFunc.
type State struct {
	Input    json.RawMessage
	Previous json.RawMessage
	Outputs  map[string]json.RawMessage
}

// WorkflowInfo is the public view of a Workflow.
type WorkflowInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}
