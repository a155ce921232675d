package anthropic

import (
	"context"
	"errors"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/segmentio/encoding/json"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textReply(text string) *sdk.Message {
	return &sdk.Message{
		Model:   "claude-3-5-sonnet-20241022",
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:   sdk.Usage{InputTokens: 12, OutputTokens: 7},
	}
}

func newTestAgent(t *testing.T, stub *stubMessagesClient) *Agent {
	t.Helper()
	a, err := New(stub, Options{Model: "claude-3-5-sonnet-20241022", SystemPrompt: "Score the transcript."})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewValidates(t *testing.T) {
	if _, err := New(nil, Options{Model: "m"}); err == nil {
		t.Error("expected error for nil client")
	}
	if _, err := New(&stubMessagesClient{}, Options{}); err == nil {
		t.Error("expected error for missing model")
	}
	if _, err := NewClient(""); err == nil {
		t.Error("expected error for missing api key")
	}
}

func TestCallJSONReply(t *testing.T) {
	stub := &stubMessagesClient{resp: textReply(`{"score": 80}`)}
	a := newTestAgent(t, stub)

	resp, err := a.Call(context.Background(), agent.Request{Input: json.RawMessage(`{"transcript":"hi"}`)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Output) != `{"score": 80}` {
		t.Errorf("output = %s", resp.Output)
	}
	if resp.Provider != ProviderName || resp.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("provider/model = %s/%s", resp.Provider, resp.Model)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	p := stub.lastParams
	if p.MaxTokens != DefaultMaxTokens {
		t.Errorf("max tokens = %d", p.MaxTokens)
	}
	if len(p.System) != 1 || p.System[0].Text != "Score the transcript." {
		t.Errorf("system = %+v", p.System)
	}
	if len(p.Messages) != 1 || p.Messages[0].Role != sdk.MessageParamRoleUser {
		t.Fatalf("messages = %+v", p.Messages)
	}
}

func TestCallTextReplyIsQuoted(t *testing.T) {
	stub := &stubMessagesClient{resp: textReply("Hello there")}
	a := newTestAgent(t, stub)

	resp, err := a.Call(context.Background(), agent.Request{Input: json.RawMessage(`"Say hello"`)})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if string(resp.Output) != `"Hello there"` {
		t.Errorf("output = %s", resp.Output)
	}
}

func TestCallIncludesConversationHistory(t *testing.T) {
	stub := &stubMessagesClient{resp: textReply(`"ok"`)}
	a := newTestAgent(t, stub)

	_, err := a.Call(context.Background(), agent.Request{
		Input: json.RawMessage(`"and now?"`),
		Context: agent.CallContext{ConversationHistory: []agent.Turn{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		}},
	})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	msgs := stub.lastParams.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3", len(msgs))
	}
	if msgs[1].Role != sdk.MessageParamRoleAssistant {
		t.Errorf("second message role = %s", msgs[1].Role)
	}

	_, err = a.Call(context.Background(), agent.Request{
		Input:   json.RawMessage(`"x"`),
		Context: agent.CallContext{ConversationHistory: []agent.Turn{{Role: "narrator", Content: "..."}}},
	})
	if agenterr.Classify(err) != agenterr.Terminal {
		t.Errorf("unknown role: kind = %s, want terminal", agenterr.Classify(err))
	}
}

func TestCallModelOverride(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: `"ok"`}}}}
	a := newTestAgent(t, stub)

	resp, err := a.Call(context.Background(), agent.Request{Input: json.RawMessage(`"x"`), Model: "claude-3-5-haiku-20241022"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := string(stub.lastParams.Model); got != "claude-3-5-haiku-20241022" {
		t.Errorf("request model = %s", got)
	}
	if resp.Model != "claude-3-5-haiku-20241022" {
		t.Errorf("response model = %s", resp.Model)
	}
}

func TestCallRendersSystemPrompt(t *testing.T) {
	stub := &stubMessagesClient{resp: textReply(`"ok"`)}
	a, err := New(stub, Options{Model: "claude-3-5-sonnet-20241022", SystemPrompt: "Play the buyer in scenario {scenario_id}."})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := a.Call(context.Background(), agent.Request{
		Input:   json.RawMessage(`"hello"`),
		Context: agent.CallContext{ScenarioID: "cold-call"},
	}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := stub.lastParams.System[0].Text; got != "Play the buyer in scenario cold-call." {
		t.Errorf("system = %q", got)
	}

	stub.lastParams = sdk.MessageNewParams{}
	_, err = a.Call(context.Background(), agent.Request{Input: json.RawMessage(`"hello"`)})
	if agenterr.Classify(err) != agenterr.Terminal {
		t.Errorf("missing prompt variable: kind = %s, want terminal", agenterr.Classify(err))
	}
	if len(stub.lastParams.Messages) != 0 {
		t.Error("provider should not be called when the prompt cannot be rendered")
	}
}

func TestCallClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		status int
		want   agenterr.Kind
	}{
		{status: 429, want: agenterr.Transient},
		{status: 529, want: agenterr.Transient},
		{status: 500, want: agenterr.Transient},
		{status: 400, want: agenterr.Terminal},
		{status: 401, want: agenterr.Terminal},
	}
	for _, tt := range tests {
		stub := &stubMessagesClient{err: &sdk.Error{StatusCode: tt.status}}
		a := newTestAgent(t, stub)
		_, err := a.Call(context.Background(), agent.Request{Input: json.RawMessage(`{}`)})
		if got := agenterr.Classify(err); got != tt.want {
			t.Errorf("status %d: kind = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestCallPassesThroughContextErrors(t *testing.T) {
	stub := &stubMessagesClient{err: context.DeadlineExceeded}
	a := newTestAgent(t, stub)

	_, err := a.Call(context.Background(), agent.Request{Input: json.RawMessage(`{}`)})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want wrapped deadline", err)
	}
}
