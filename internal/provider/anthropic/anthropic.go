// Package anthropic serves agents from the Anthropic Claude Messages API. An
// Agent sends its configured system prompt plus the call input and returns
// the model's reply as JSON.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/segmentio/encoding/json"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
)

// ProviderName is the provider label used in call records and pricing.
const ProviderName = "claude"

// DefaultMaxTokens caps replies when an agent does not configure a limit.
const DefaultMaxTokens = 1024

// MessagesClient is the subset of the SDK used here. *sdk.MessageService
// satisfies it.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures one Claude-backed agent.
type Options struct {
	Model        string
	SystemPrompt string
	MaxTokens    int64
	Temperature  float64
}

// Agent implements agent.Agent on top of Claude Messages.
type Agent struct {
	msg  MessagesClient
	opts Options
}

// New creates an Agent that calls msg with opts.
func New(msg MessagesClient, opts Options) (*Agent, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	return &Agent{msg: msg, opts: opts}, nil
}

// NewClient returns the SDK messages service for apiKey. The SDK's own retry
// loop is disabled; the runtime owns retries.
func NewClient(apiKey string) (MessagesClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey), option.WithMaxRetries(0))
	return &c.Messages, nil
}

// Call implements agent.Agent.
func (a *Agent) Call(ctx context.Context, req agent.Request) (*agent.Response, error) {
	params, err := a.params(req)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.Terminal, "", err)
	}
	msg, err := a.msg.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if msg == nil {
		return nil, agenterr.Wrap(agenterr.Terminal, "", errors.New("anthropic: response message is nil"))
	}

	out, err := encodeReply(msg)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.Terminal, "", err)
	}
	model := string(msg.Model)
	if model == "" {
		model = a.model(req)
	}
	return &agent.Response{
		Output:   out,
		Provider: ProviderName,
		Model:    model,
		Usage: &agent.Usage{
			InputTokens:  msg.Usage.InputTokens,
			OutputTokens: msg.Usage.OutputTokens,
		},
	}, nil
}

func (a *Agent) model(req agent.Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.opts.Model
}

func (a *Agent) params(req agent.Request) (sdk.MessageNewParams, error) {
	msgs := make([]sdk.MessageParam, 0, len(req.Context.ConversationHistory)+1)
	for _, t := range req.Context.ConversationHistory {
		if t.Content == "" {
			continue
		}
		switch t.Role {
		case "user":
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(t.Content)))
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(t.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported conversation role %q", t.Role)
		}
	}
	msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(inputText(req.Input))))

	p := sdk.MessageNewParams{
		Model:     sdk.Model(a.model(req)),
		MaxTokens: a.opts.MaxTokens,
		Messages:  msgs,
	}
	system, err := agent.RenderPrompt(a.opts.SystemPrompt, req.Context)
	if err != nil {
		return sdk.MessageNewParams{}, fmt.Errorf("anthropic: %w", err)
	}
	if system != "" {
		p.System = []sdk.TextBlockParam{{Text: system}}
	}
	if a.opts.Temperature > 0 {
		p.Temperature = sdk.Float(a.opts.Temperature)
	}
	return p, nil
}

// inputText renders the call input as the user message. A JSON string is
// sent as its text; anything else is sent as JSON.
func inputText(in json.RawMessage) string {
	var s string
	if err := json.Unmarshal(in, &s); err == nil {
		return s
	}
	return string(in)
}

// encodeReply joins the text blocks of msg. A reply that is itself JSON is
// returned as-is, otherwise it is returned as a JSON string.
func encodeReply(msg *sdk.Message) (json.RawMessage, error) {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(text)
}

// classify turns an SDK error into a runtime error carrying the upstream
// status, so throttling and server errors are retried and bad requests are
// not.
func classify(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return &agenterr.StatusError{
			StatusCode: apiErr.StatusCode,
			Message:    http.StatusText(apiErr.StatusCode),
		}
	}
	return fmt.Errorf("anthropic messages.new: %w", err)
}
