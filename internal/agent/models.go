package agent

import (
	"context"
	"encoding/json"
)

// Agent is a named AI-backed capability. Implementations must be safe to call
// concurrently and must tolerate being retried with the same input.
type Agent interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Func adapts an ordinary function to the Agent interface.
type Func func(ctx context.Context, req Request) (*Response, error)

// Call implements Agent.
func (f Func) Call(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// Request is what the runtime hands to an agent for a single attempt.
type Request struct {
	Input   json.RawMessage `json:"input"`
	Context CallContext     `json:"context"`
	// Model overrides the agent's configured model when set. The runtime sets
	// it from the agent's effective settings.
	Model string `json:"model,omitempty"`
}

// CallContext carries the known optional fields a caller may attach to a
// call. Agents may read any of it, so it is part of the cache fingerprint.
type CallContext struct {
	UserID              string            `json:"user_id,omitempty" yaml:"user_id"`
	SessionID           string            `json:"session_id,omitempty" yaml:"session_id"`
	ScenarioID          string            `json:"scenario_id,omitempty" yaml:"scenario_id"`
	TurnNumber          int               `json:"turn_number,omitempty" yaml:"turn_number"`
	ConversationHistory []Turn            `json:"conversation_history,omitempty" yaml:"conversation_history"`
	Metadata            map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

// IsZero reports whether no field of c is set.
func (c CallContext) IsZero() bool {
	return c.UserID == "" && c.SessionID == "" && c.ScenarioID == "" && c.TurnNumber == 0 &&
		len(c.ConversationHistory) == 0 && len(c.Metadata) == 0
}

// Turn is one message of a roleplay conversation.
type Turn struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Response is the result of a successful agent call.
type Response struct {
	Output   json.RawMessage `json:"output"`
	Provider string          `json:"provider,omitempty"`
	Model    string          `json:"model,omitempty"`
	Usage    *Usage          `json:"usage,omitempty"`
}

// Usage reports the tokens consumed by an upstream model call, when the agent
// knows them.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}
