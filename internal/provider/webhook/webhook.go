// Package webhook serves agents implemented by an external HTTP service. Each
// call POSTs the request as JSON to the agent's endpoint and returns the JSON
// body of a 2xx reply as the agent output.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
)

// ProviderName is the provider label used in call records and pricing.
const ProviderName = "http"

// DefaultMaxResponseBytes bounds the reply body read from an endpoint.
const DefaultMaxResponseBytes = 4 << 20

// Reply headers an endpoint may set to report what it used.
const (
	HeaderModel        = "X-Agent-Model"
	HeaderInputTokens  = "X-Agent-Input-Tokens"
	HeaderOutputTokens = "X-Agent-Output-Tokens"
)

// Auth types for credential injection.
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthHeader = "header"
	AuthQuery  = "query"
)

// Auth describes how credentials are attached to upstream requests.
type Auth struct {
	Type       string `yaml:"type"`
	Key        string `yaml:"key"`
	HeaderName string `yaml:"header_name"`
	ParamName  string `yaml:"param_name"`
}

// Validate reports whether a is usable.
func (a Auth) Validate() error {
	switch a.Type {
	case "", AuthNone:
		return nil
	case AuthBearer, AuthQuery:
	case AuthHeader:
		if a.HeaderName == "" {
			return errors.New("header auth needs header_name")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	if a.Key == "" {
		return fmt.Errorf("%s auth needs a key", a.Type)
	}
	return nil
}

// Options configures one HTTP-backed agent.
type Options struct {
	// Endpoint may contain {placeholders} filled from the call context, for
	// example https://agents.internal/sessions/{session_id}/reply.
	Endpoint string
	// Model labels call records when neither the endpoint nor the request
	// names one.
	Model            string
	Auth             Auth
	Headers          map[string]string
	MaxResponseBytes int64
}

// Agent implements agent.Agent by calling an HTTP endpoint.
type Agent struct {
	client *http.Client
	opts   Options
}

// New creates an Agent. A nil client uses a client without its own timeout;
// the runtime bounds each attempt through the context.
func New(client *http.Client, opts Options) (*Agent, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if !strings.HasPrefix(opts.Endpoint, "http://") && !strings.HasPrefix(opts.Endpoint, "https://") {
		return nil, fmt.Errorf("endpoint %q must be an http or https URL", opts.Endpoint)
	}
	if err := opts.Auth.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxResponseBytes <= 0 {
		opts.MaxResponseBytes = DefaultMaxResponseBytes
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Agent{client: client, opts: opts}, nil
}

// Call implements agent.Agent.
func (a *Agent) Call(ctx context.Context, req agent.Request) (*agent.Response, error) {
	outReq, err := a.newRequest(ctx, req)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.Terminal, "", err)
	}

	resp, err := a.client.Do(outReq)
	if err != nil {
		return nil, classifyUpstreamError(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.opts.MaxResponseBytes+1))
	if err != nil {
		return nil, classifyUpstreamError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &agenterr.StatusError{
			StatusCode: resp.StatusCode,
			Message:    agenterr.Sanitize(string(body)),
		}
	}
	if int64(len(body)) > a.opts.MaxResponseBytes {
		return nil, agenterr.Wrap(agenterr.Terminal, "", fmt.Errorf("webhook: reply exceeds %d bytes", a.opts.MaxResponseBytes))
	}
	if !json.Valid(body) {
		return nil, agenterr.Wrap(agenterr.Terminal, "", errors.New("webhook: reply is not valid JSON"))
	}

	model := resp.Header.Get(HeaderModel)
	if model == "" {
		model = req.Model
	}
	if model == "" {
		model = a.opts.Model
	}
	return &agent.Response{
		Output:   json.RawMessage(body),
		Provider: ProviderName,
		Model:    model,
		Usage:    usageFromHeaders(resp.Header),
	}, nil
}

func (a *Agent) newRequest(ctx context.Context, req agent.Request) (*http.Request, error) {
	endpoint, err := agent.RenderURL(a.opts.Endpoint, req.Context)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolving endpoint: %w", err)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: encoding request: %w", err)
	}

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("webhook: building request: %w", err)
	}
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Header.Set("Accept", "application/json")
	for k, v := range a.opts.Headers {
		outReq.Header.Set(k, v)
	}

	switch a.opts.Auth.Type {
	case AuthBearer:
		outReq.Header.Set("Authorization", "Bearer "+a.opts.Auth.Key)
	case AuthHeader:
		outReq.Header.Set(a.opts.Auth.HeaderName, a.opts.Auth.Key)
	case AuthQuery:
		name := a.opts.Auth.ParamName
		if name == "" {
			name = "api_key"
		}
		q := outReq.URL.Query()
		q.Set(name, a.opts.Auth.Key)
		outReq.URL.RawQuery = q.Encode()
	}
	return outReq, nil
}

// usageFromHeaders returns nil unless the endpoint reported both counts.
func usageFromHeaders(h http.Header) *agent.Usage {
	in, err1 := strconv.ParseInt(h.Get(HeaderInputTokens), 10, 64)
	out, err2 := strconv.ParseInt(h.Get(HeaderOutputTokens), 10, 64)
	if err1 != nil || err2 != nil || in < 0 || out < 0 {
		return nil
	}
	return &agent.Usage{InputTokens: in, OutputTokens: out}
}

// classifyUpstreamError maps a transport failure onto the runtime's kinds.
// Context errors are returned as is so the retry controller can tell an
// attempt deadline from caller cancellation.
func classifyUpstreamError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return agenterr.Wrap(agenterr.Timeout, "", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return agenterr.Wrap(agenterr.Terminal, "", err)
		}
		return agenterr.Wrap(agenterr.Transient, "", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return agenterr.Wrap(agenterr.Timeout, "", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return agenterr.Wrap(agenterr.Transient, "", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return agenterr.Wrap(agenterr.Transient, "", err)
	}
	return agenterr.Wrap(agenterr.Terminal, "", err)
}
