package registry

import (
	"encoding/json"
	"fmt"
)

// FromPrevious feeds the previous step's output, or the workflow input for the
// first step. It is the default wiring.
func FromPrevious(s State) (json.RawMessage, error) {
	if s.Previous != nil {
		return s.Previous, nil
	}
	return s.Input, nil
}

// FromInput feeds the original workflow input regardless of earlier steps.
func FromInput(s State) (json.RawMessage, error) {
	return s.Input, nil
}

// Combine builds an object holding the workflow input under "input" and the
// named step outputs under their step names.
func Combine(steps ...string) WireFunc {
	return func(s State) (json.RawMessage, error) {
		obj := make(map[string]json.RawMessage, len(steps)+1)
		obj["input"] = s.Input
		for _, name := range steps {
			out, ok := s.Outputs[name]
			if !ok {
				return nil, fmt.Errorf("step %q has not produced output", name)
			}
			obj[name] = out
		}
		return json.Marshal(obj)
	}
}
