package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/alecgard/agentrt/internal/agent"
)

// Validation errors returned by the Registry.
var (
	ErrNameRequired     = errors.New("name is required")
	ErrNameInvalid      = errors.New("agent name must not contain ':'")
	ErrAgentRequired    = errors.New("agent implementation is required")
	ErrDuplicate        = errors.New("name is already registered")
	ErrStepsRequired    = errors.New("workflow must have at least one step")
	ErrUnknownStepAgent = errors.New("workflow step references an unregistered agent")
	ErrInvalidInput     = errors.New("input does not match the agent's schema")
	ErrNilBackend       = errors.New("backend implementation is nil")
	ErrDuplicateStep    = errors.New("workflow step name is used twice")
)

var defaultProbe = json.RawMessage(`{}`)

// Registry maps agent names to implementations and workflow names to their
// definitions. One Registry belongs to one runtime instance.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Entry
	workflows map[string]*Workflow
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents:    make(map[string]*Entry),
		workflows: make(map[string]*Workflow),
	}
}

// Register validates r and adds it to the registry.
func (s *Registry) Register(r Registration) error {
	if r.Name == "" {
		return ErrNameRequired
	}
	// Cache keys are scoped by "name:", so a colon would let one agent's
	// invalidation reach another's entries.
	if strings.Contains(r.Name, ":") {
		return fmt.Errorf("agent %s: %w", r.Name, ErrNameInvalid)
	}
	if r.Agent == nil {
		return ErrAgentRequired
	}

	e := &Entry{
		Name:        r.Name,
		Description: r.Description,
		Agent:       r.Agent,
		Provider:    r.Provider,
		Model:       r.Model,
		Probe:        r.Probe,
		ProbeContext: r.ProbeContext,
	}
	if len(r.Backends) > 0 {
		e.backends = make(map[string]agent.Agent, len(r.Backends))
		for provider, a := range r.Backends {
			if a == nil {
				return fmt.Errorf("agent %s backend %s: %w", r.Name, provider, ErrNilBackend)
			}
			e.backends[provider] = a
		}
	}
	if len(e.Probe) == 0 {
		e.Probe = defaultProbe
	}
	if len(r.InputSchema) > 0 {
		sch, err := compileSchema(r.Name, r.InputSchema)
		if err != nil {
			return fmt.Errorf("compiling input schema for %s: %w", r.Name, err)
		}
		e.schema = sch
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[r.Name]; ok {
		return fmt.Errorf("agent %s: %w", r.Name, ErrDuplicate)
	}
	s.agents[r.Name] = e
	return nil
}

// Lookup returns the entry registered under name.
func (s *Registry) Lookup(name string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[name]
	return e, ok
}

// Names returns the registered agent names in sorted order.
func (s *Registry) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.agents))
	for name := range s.agents {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// List returns the public view of every registered agent, sorted by name.
func (s *Registry) List() []Info {
	names := s.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		e, ok := s.Lookup(name)
		if !ok {
			continue
		}
		out = append(out, Info{
			Name:        e.Name,
			Description: e.Description,
			Provider:    e.Provider,
			Model:       e.Model,
			HasSchema:   e.schema != nil,
		})
	}
	return out
}

// ValidateInput checks input against the entry's schema, if any.
func (e *Entry) ValidateInput(input json.RawMessage) error {
	if e.schema == nil {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(input))
	if err != nil {
		return fmt.Errorf("%w: decoding input: %v", ErrInvalidInput, err)
	}
	if err := e.schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// RegisterWorkflow validates w and adds it to the registry. Every step must
// reference an agent that is already registered.
func (s *Registry) RegisterWorkflow(w Workflow) error {
	if w.Name == "" {
		return ErrNameRequired
	}
	if len(w.Steps) == 0 {
		return ErrStepsRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.Name]; ok {
		return fmt.Errorf("workflow %s: %w", w.Name, ErrDuplicate)
	}
	steps := make([]Step, len(w.Steps))
	names := make(map[string]bool, len(w.Steps))
	for i, st := range w.Steps {
		if _, ok := s.agents[st.Agent]; !ok {
			return fmt.Errorf("workflow %s step %d (%s): %w", w.Name, i, st.Agent, ErrUnknownStepAgent)
		}
		if st.Name == "" {
			st.Name = fmt.Sprintf("%d_%s", i+1, st.Agent)
		}
		if names[st.Name] {
			return fmt.Errorf("workflow %s step %s: %w", w.Name, st.Name, ErrDuplicateStep)
		}
		names[st.Name] = true
		steps[i] = st
	}
	w.Steps = steps
	s.workflows[w.Name] = &w
	return nil
}

// Workflow returns the workflow registered under name.
func (s *Registry) Workflow(name string) (*Workflow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[name]
	return w, ok
}

// Workflows returns the public view of every registered workflow.
func (s *Registry) Workflows() []WorkflowInfo {
	s.mu.RLock()
	out := make([]WorkflowInfo, 0, len(s.workflows))
	for _, w := range s.workflows {
		info := WorkflowInfo{Name: w.Name, Description: w.Description}
		for _, st := range w.Steps {
			info.Steps = append(info.Steps, st.Name)
		}
		out = append(out, info)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}
