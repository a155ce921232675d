package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/breaker"
	"github.com/alecgard/agentrt/internal/cache"
	"github.com/alecgard/agentrt/internal/metering"
	"github.com/alecgard/agentrt/internal/ratelimit"
	"github.com/alecgard/agentrt/internal/registry"
)

// countingAgent counts calls and delegates to fn.
type countingAgent struct {
	calls atomic.Int64
	fn    func(ctx context.Context, req agent.Request, n int64) (*agent.Response, error)
}

func (a *countingAgent) Call(ctx context.Context, req agent.Request) (*agent.Response, error) {
	n := a.calls.Add(1)
	return a.fn(ctx, req, n)
}

func echoAgent() *countingAgent {
	return &countingAgent{fn: func(_ context.Context, req agent.Request, _ int64) (*agent.Response, error) {
		return &agent.Response{Output: req.Input}, nil
	}}
}

// recordingArchive collects archived records.
type recordingArchive struct {
	mu   sync.Mutex
	recs []metering.CallRecord
}

func (a *recordingArchive) Record(rec metering.CallRecord) {
	a.mu.Lock()
	a.recs = append(a.recs, rec)
	a.mu.Unlock()
}

func (a *recordingArchive) all() []metering.CallRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]metering.CallRecord(nil), a.recs...)
}

func testSettings() AgentSettings {
	s := DefaultAgentSettings()
	s.Retry.BaseDelay = time.Millisecond
	s.Retry.MaxDelay = 5 * time.Millisecond
	s.Timeout = time.Second
	return s
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestOrchestrator(t *testing.T, d Deps, regs ...registry.Registration) (*Orchestrator, *recordingArchive) {
	t.Helper()
	if d.Registry == nil {
		d.Registry = registry.New()
	}
	for _, r := range regs {
		if err := d.Registry.Register(r); err != nil {
			t.Fatalf("registering %s: %v", r.Name, err)
		}
	}
	if d.Settings.Default.unset() {
		d.Settings.Default = testSettings()
	}
	arch := &recordingArchive{}
	d.Archive = arch
	o := New(d)
	o.sleep = noSleep
	return o, arch
}

func TestExecuteScoringScenario(t *testing.T) {
	scoring := &countingAgent{fn: func(_ context.Context, _ agent.Request, _ int64) (*agent.Response, error) {
		return &agent.Response{
			Output: json.RawMessage(`{"score":80}`),
			Usage:  &agent.Usage{InputTokens: 1000, OutputTokens: 1000},
		}, nil
	}}
	o, arch := newTestOrchestrator(t, Deps{}, registry.Registration{
		Name: "scoring", Agent: scoring, Provider: "claude", Model: "claude-3-5-sonnet-20241022",
	})

	input := json.RawMessage(`{"transcript":"hello","rubric":"tone"}`)
	first := o.Execute(context.Background(), "scoring", input, agent.CallContext{UserID: "u1"})
	if !first.Success || first.CacheHit {
		t.Fatalf("first call: success=%v cacheHit=%v", first.Success, first.CacheHit)
	}
	if string(first.Data) != `{"score":80}` {
		t.Errorf("data = %s", first.Data)
	}
	if first.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", first.Attempts)
	}

	// Same input and context with keys reordered is a cache hit.
	second := o.Execute(context.Background(), "scoring", json.RawMessage(`{"rubric":"tone","transcript":"hello"}`), agent.CallContext{UserID: "u1"})
	if !second.Success || !second.CacheHit {
		t.Fatalf("second call: success=%v cacheHit=%v", second.Success, second.CacheHit)
	}
	if got := scoring.calls.Load(); got != 1 {
		t.Errorf("agent called %d times, want 1", got)
	}

	m := o.GetAgentMetrics("scoring", 0)
	if m.TotalCalls != 2 || m.SuccessfulCalls != 2 {
		t.Errorf("metrics total=%d success=%d, want 2/2", m.TotalCalls, m.SuccessfulCalls)
	}
	if m.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %v, want 0.5", m.CacheHitRate)
	}

	totals := o.GetTotalCosts(0)
	if totals.Count != 1 {
		t.Fatalf("cost entries = %d, want 1", totals.Count)
	}
	if want := 0.018; totals.Total < want-1e-9 || totals.Total > want+1e-9 {
		t.Errorf("total cost = %v, want %v", totals.Total, want)
	}

	recs := arch.all()
	if len(recs) != 2 {
		t.Fatalf("archived %d records, want 2", len(recs))
	}
	if recs[0].Provider != "claude" || recs[0].CostUSD == 0 {
		t.Errorf("first record = %+v", recs[0])
	}
	if !recs[1].CacheHit || recs[1].CostUSD != 0 {
		t.Errorf("second record = %+v", recs[1])
	}
}

func TestCacheKeyIncludesCallContext(t *testing.T) {
	roleplay := &countingAgent{fn: func(_ context.Context, req agent.Request, _ int64) (*agent.Response, error) {
		out, _ := json.Marshal(map[string]int{"turns_seen": len(req.Context.ConversationHistory)})
		return &agent.Response{Output: out}, nil
	}}
	o, _ := newTestOrchestrator(t, Deps{}, registry.Registration{Name: "roleplay", Agent: roleplay})

	input := json.RawMessage(`{"message":"what does it cost?"}`)
	short := agent.CallContext{SessionID: "s-1", ConversationHistory: []agent.Turn{{Role: "user", Content: "hi"}}}
	long := agent.CallContext{SessionID: "s-1", ConversationHistory: []agent.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "tell me about the plan"},
	}}

	first := o.Execute(context.Background(), "roleplay", input, short)
	second := o.Execute(context.Background(), "roleplay", input, long)
	if !first.Success || !second.Success {
		t.Fatalf("calls failed: %+v %+v", first.Error, second.Error)
	}
	if second.CacheHit {
		t.Fatal("a different conversation history must not hit the cache")
	}
	if string(first.Data) != `{"turns_seen":1}` || string(second.Data) != `{"turns_seen":3}` {
		t.Errorf("replies = %s, %s", first.Data, second.Data)
	}
	if got := roleplay.calls.Load(); got != 2 {
		t.Errorf("agent called %d times, want 2", got)
	}

	again := o.Execute(context.Background(), "roleplay", input, long)
	if !again.CacheHit || string(again.Data) != `{"turns_seen":3}` {
		t.Errorf("repeat call: hit=%v data=%s", again.CacheHit, again.Data)
	}
}

func TestExecuteUnknownAgent(t *testing.T) {
	o, arch := newTestOrchestrator(t, Deps{})

	res := o.Execute(context.Background(), "missing", json.RawMessage(`{}`), agent.CallContext{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != agenterr.UnknownAgent {
		t.Errorf("kind = %s, want %s", res.Error.Kind, agenterr.UnknownAgent)
	}
	recs := arch.all()
	if len(recs) != 1 || recs[0].Error != string(agenterr.UnknownAgent) {
		t.Errorf("records = %+v", recs)
	}
}

func TestCallReturnsTypedError(t *testing.T) {
	o, _ := newTestOrchestrator(t, Deps{})

	_, err := o.Call(context.Background(), "missing", nil, agent.CallContext{})
	var ae *agenterr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *agenterr.Error, got %T", err)
	}
	if ae.Kind != agenterr.UnknownAgent || ae.Agent != "missing" {
		t.Errorf("error = %+v", ae)
	}
}

func TestExecuteRateLimitBoundary(t *testing.T) {
	st := testSettings()
	st.CacheTTL = 0
	st.RateLimit = ratelimit.Limit{MaxRequests: 3, Window: time.Hour}
	a := echoAgent()
	o, _ := newTestOrchestrator(t, Deps{Settings: Settings{Agents: map[string]AgentSettings{"scoring": st}}},
		registry.Registration{Name: "scoring", Agent: a})

	for i := 0; i < 3; i++ {
		if res := o.Execute(context.Background(), "scoring", json.RawMessage(`{}`), agent.CallContext{}); !res.Success {
			t.Fatalf("call %d failed: %+v", i+1, res.Error)
		}
	}
	res := o.Execute(context.Background(), "scoring", json.RawMessage(`{}`), agent.CallContext{})
	if res.Success {
		t.Fatal("4th call should be rate limited")
	}
	if res.Error.Kind != agenterr.RateLimited {
		t.Errorf("kind = %s, want rate_limited", res.Error.Kind)
	}
	if res.Error.RetryAfterMs <= 0 {
		t.Errorf("retry after = %d, want > 0", res.Error.RetryAfterMs)
	}
	if res.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", res.Attempts)
	}
	if got := a.calls.Load(); got != 3 {
		t.Errorf("agent called %d times, want 3", got)
	}
	if m := o.GetAgentMetrics("scoring", 0); m.TotalCalls != 4 || m.FailedCalls != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestCacheHitBypassesRateLimit(t *testing.T) {
	st := testSettings()
	st.RateLimit = ratelimit.Limit{MaxRequests: 1, Window: time.Hour}
	o, _ := newTestOrchestrator(t, Deps{Settings: Settings{Agents: map[string]AgentSettings{"scoring": st}}},
		registry.Registration{Name: "scoring", Agent: echoAgent()})

	for i := 0; i < 5; i++ {
		res := o.Execute(context.Background(), "scoring", json.RawMessage(`{"q":1}`), agent.CallContext{})
		if !res.Success {
			t.Fatalf("call %d failed: %+v", i+1, res.Error)
		}
	}
}

func TestExecuteRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int64
		status       int
		maxRetries   int
		wantSuccess  bool
		wantKind     agenterr.Kind
		wantAttempts int
	}{
		{name: "recovers after transient failures", failures: 2, status: 503, maxRetries: 3, wantSuccess: true, wantAttempts: 3},
		{name: "exhausts retries", failures: 100, status: 503, maxRetries: 2, wantKind: agenterr.RetriesExhausted, wantAttempts: 3},
		{name: "terminal is not retried", failures: 100, status: 400, maxRetries: 3, wantKind: agenterr.Terminal, wantAttempts: 1},
		{name: "throttling is retried", failures: 1, status: 429, maxRetries: 1, wantSuccess: true, wantAttempts: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &countingAgent{fn: func(_ context.Context, _ agent.Request, n int64) (*agent.Response, error) {
				if n <= tt.failures {
					return nil, &agenterr.StatusError{StatusCode: tt.status, Message: "upstream said no"}
				}
				return &agent.Response{Output: json.RawMessage(`"ok"`)}, nil
			}}
			st := testSettings()
			st.Retry.MaxRetries = tt.maxRetries
			o, arch := newTestOrchestrator(t, Deps{Settings: Settings{Default: st}},
				registry.Registration{Name: "flaky", Agent: a})

			res := o.Execute(context.Background(), "flaky", json.RawMessage(`{}`), agent.CallContext{})
			if res.Success != tt.wantSuccess {
				t.Fatalf("success = %v, want %v (%+v)", res.Success, tt.wantSuccess, res.Error)
			}
			if !tt.wantSuccess && res.Error.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", res.Error.Kind, tt.wantKind)
			}
			if res.Attempts != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", res.Attempts, tt.wantAttempts)
			}
			recs := arch.all()
			if len(recs) != 1 {
				t.Fatalf("records = %d, want exactly 1", len(recs))
			}
			if recs[0].Attempts != tt.wantAttempts {
				t.Errorf("record attempts = %d, want %d", recs[0].Attempts, tt.wantAttempts)
			}
		})
	}
}

func TestExecuteAttemptTimeout(t *testing.T) {
	a := &countingAgent{fn: func(ctx context.Context, _ agent.Request, _ int64) (*agent.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	st := testSettings()
	st.Timeout = 10 * time.Millisecond
	st.Retry.MaxRetries = 1
	o, _ := newTestOrchestrator(t, Deps{Settings: Settings{Default: st}},
		registry.Registration{Name: "slow", Agent: a})

	_, err := o.Call(context.Background(), "slow", json.RawMessage(`{}`), agent.CallContext{})
	if agenterr.Classify(err) != agenterr.RetriesExhausted {
		t.Fatalf("kind = %s, want retries_exhausted", agenterr.Classify(err))
	}
	var ae *agenterr.Error
	if !errors.As(errors.Unwrap(err), &ae) || ae.Kind != agenterr.Timeout {
		t.Errorf("last error should be a timeout, got %v", errors.Unwrap(err))
	}
	if got := a.calls.Load(); got != 2 {
		t.Errorf("agent called %d times, want 2", got)
	}
}

func TestExecuteCancelledContext(t *testing.T) {
	a := echoAgent()
	o, arch := newTestOrchestrator(t, Deps{}, registry.Registration{Name: "echo", Agent: a})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := o.Execute(ctx, "echo", json.RawMessage(`{}`), agent.CallContext{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if a.calls.Load() != 0 {
		t.Error("agent should not be called with a cancelled context")
	}
	if len(arch.all()) != 1 {
		t.Error("cancelled call should still be recorded")
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	a := &countingAgent{fn: func(context.Context, agent.Request, int64) (*agent.Response, error) {
		panic("boom")
	}}
	o, _ := newTestOrchestrator(t, Deps{}, registry.Registration{Name: "panicky", Agent: a})

	res := o.Execute(context.Background(), "panicky", json.RawMessage(`{}`), agent.CallContext{})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Error.Kind != agenterr.Terminal {
		t.Errorf("kind = %s, want terminal", res.Error.Kind)
	}
	if a.calls.Load() != 1 {
		t.Errorf("panicking agent should not be retried, called %d times", a.calls.Load())
	}
}

func TestExecuteAttemptDeadlineIgnoredByAgent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	a := &countingAgent{fn: func(context.Context, agent.Request, int64) (*agent.Response, error) {
		<-release
		return &agent.Response{Output: json.RawMessage(`"late"`)}, nil
	}}
	st := testSettings()
	st.Timeout = 20 * time.Millisecond
	st.Retry.MaxRetries = 0
	o, arch := newTestOrchestrator(t, Deps{Settings: Settings{Default: st}},
		registry.Registration{Name: "stuck", Agent: a})

	start := time.Now()
	res := o.Execute(context.Background(), "stuck", json.RawMessage(`{}`), agent.CallContext{})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("call took %s, want it bounded by the attempt timeout", elapsed)
	}
	if res.Success || res.Error.Kind != agenterr.RetriesExhausted {
		t.Fatalf("result = %+v, want retries_exhausted", res)
	}
	if len(arch.all()) != 1 {
		t.Error("timed out call should be recorded once")
	}
}

// panickingCache fails every operation by panicking.
type panickingCache struct{}

func (panickingCache) Get(context.Context, string) (json.RawMessage, bool) { panic("cache get") }
func (panickingCache) Set(context.Context, string, json.RawMessage, time.Duration) {
	panic("cache set")
}
func (panickingCache) Delete(context.Context, string) {}
func (panickingCache) InvalidatePrefix(context.Context, string) int { return 0 }
func (panickingCache) Stats() cache.Stats { return cache.Stats{} }

// panickingObserver panics on every notification.
type panickingObserver struct{}

func (panickingObserver) CallStarted(string) { panic("observer start") }
func (panickingObserver) CallFinished(metering.CallRecord) { panic("observer finish") }

func TestExecuteSurvivesPanickingCollaborators(t *testing.T) {
	a := echoAgent()
	o, arch := newTestOrchestrator(t, Deps{Cache: panickingCache{}, Observer: panickingObserver{}},
		registry.Registration{Name: "echo", Agent: a})

	res := o.Execute(context.Background(), "echo", json.RawMessage(`{}`), agent.CallContext{})
	if res.Success || res.Error.Kind != agenterr.Terminal {
		t.Fatalf("result = %+v, want terminal failure", res)
	}
	if recs := arch.all(); len(recs) != 1 || recs[0].Success {
		t.Errorf("records = %+v, want one failed record", recs)
	}

	// A panicking sink does not stop the call or the other sinks.
	o2, arch2 := newTestOrchestrator(t, Deps{Observer: panickingObserver{}},
		registry.Registration{Name: "echo", Agent: echoAgent()})
	if res := o2.Execute(context.Background(), "echo", json.RawMessage(`{}`), agent.CallContext{}); !res.Success {
		t.Fatalf("call with panicking observer failed: %+v", res.Error)
	}
	if len(arch2.all()) != 1 {
		t.Error("archive should still see the call")
	}
	if m := o2.GetAgentMetrics("echo", 0); m.TotalCalls != 1 {
		t.Errorf("monitor saw %d calls, want 1", m.TotalCalls)
	}
}

func TestExecuteValidatesInput(t *testing.T) {
	a := echoAgent()
	o, _ := newTestOrchestrator(t, Deps{}, registry.Registration{
		Name:        "scoring",
		Agent:       a,
		InputSchema: json.RawMessage(`{"type":"object","required":["transcript"]}`),
	})

	res := o.Execute(context.Background(), "scoring", json.RawMessage(`{"rubric":"x"}`), agent.CallContext{})
	if res.Success || res.Error.Kind != agenterr.Terminal || !res.Error.InvalidInput {
		t.Fatalf("result = %+v", res)
	}
	if a.calls.Load() != 0 {
		t.Error("agent should not be called with invalid input")
	}

	if res := o.Execute(context.Background(), "scoring", json.RawMessage(`{"transcript":"hi"}`), agent.CallContext{}); !res.Success {
		t.Fatalf("valid input failed: %+v", res.Error)
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	a := &countingAgent{fn: func(context.Context, agent.Request, int64) (*agent.Response, error) {
		return nil, &agenterr.StatusError{StatusCode: 502, Message: "bad gateway"}
	}}
	st := testSettings()
	st.Retry.MaxRetries = 0
	o, _ := newTestOrchestrator(t, Deps{
		Settings: Settings{Default: st},
		Breaker:  breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour, HalfOpenSuccesses: 1}),
	}, registry.Registration{Name: "down", Agent: a})

	for i := 0; i < 2; i++ {
		o.Execute(context.Background(), "down", json.RawMessage(`{}`), agent.CallContext{})
	}
	res := o.Execute(context.Background(), "down", json.RawMessage(`{}`), agent.CallContext{})
	if res.Error == nil || res.Error.Kind != agenterr.CircuitOpen {
		t.Fatalf("result = %+v, want circuit_open", res)
	}
	if res.Error.RetryAfterMs <= 0 {
		t.Error("circuit open should report a retry after")
	}
	if got := a.calls.Load(); got != 2 {
		t.Errorf("agent called %d times, want 2", got)
	}
	if s := o.CircuitStatus("down"); s.State != breaker.Open {
		t.Errorf("state = %s, want open", s.State)
	}
}

func TestTerminalFailuresDoNotOpenCircuit(t *testing.T) {
	a := &countingAgent{fn: func(context.Context, agent.Request, int64) (*agent.Response, error) {
		return nil, &agenterr.StatusError{StatusCode: 400, Message: "bad request"}
	}}
	o, _ := newTestOrchestrator(t, Deps{
		Breaker: breaker.New(breaker.Config{FailureThreshold: 2, ResetTimeout: time.Hour}),
	}, registry.Registration{Name: "strict", Agent: a})

	for i := 0; i < 5; i++ {
		o.Execute(context.Background(), "strict", json.RawMessage(`{}`), agent.CallContext{})
	}
	if s := o.CircuitStatus("strict"); s.State != breaker.Closed {
		t.Errorf("state = %s, want closed", s.State)
	}
}

func TestCostEstimatedWithoutUsage(t *testing.T) {
	a := &countingAgent{fn: func(context.Context, agent.Request, int64) (*agent.Response, error) {
		return &agent.Response{Output: json.RawMessage(`"ok"`)}, nil
	}}
	o, arch := newTestOrchestrator(t, Deps{}, registry.Registration{
		Name: "cheap", Agent: a, Provider: "gemini", Model: "gemini-pro",
	})

	o.Execute(context.Background(), "cheap", json.RawMessage(`{"text":"four"}`), agent.CallContext{})
	recs := arch.all()
	if len(recs) != 1 || recs[0].CostUSD <= 0 {
		t.Fatalf("records = %+v, want one with positive cost", recs)
	}
	if o.GetTotalCosts(0).ByProvider["gemini"] <= 0 {
		t.Error("cost not attributed to provider")
	}
}

func TestFailedCallsAreNotCached(t *testing.T) {
	a := &countingAgent{fn: func(_ context.Context, _ agent.Request, n int64) (*agent.Response, error) {
		if n == 1 {
			return nil, &agenterr.StatusError{StatusCode: 400, Message: "nope"}
		}
		return &agent.Response{Output: json.RawMessage(`1`)}, nil
	}}
	o, _ := newTestOrchestrator(t, Deps{}, registry.Registration{Name: "a", Agent: a})

	if res := o.Execute(context.Background(), "a", json.RawMessage(`{}`), agent.CallContext{}); res.Success {
		t.Fatal("first call should fail")
	}
	res := o.Execute(context.Background(), "a", json.RawMessage(`{}`), agent.CallContext{})
	if !res.Success || res.CacheHit {
		t.Fatalf("second call = %+v, want uncached success", res)
	}
}

func TestConcurrentExecuteRecordsEveryCall(t *testing.T) {
	st := testSettings()
	st.RateLimit = ratelimit.Limit{MaxRequests: 1000, Window: time.Minute}
	o, arch := newTestOrchestrator(t, Deps{Settings: Settings{Default: st}},
		registry.Registration{Name: "echo", Agent: echoAgent()})

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input, _ := json.Marshal(map[string]int{"i": i % 8})
			o.Execute(context.Background(), "echo", input, agent.CallContext{})
		}(i)
	}
	wg.Wait()

	if got := len(arch.all()); got != n {
		t.Errorf("archived %d records, want %d", got, n)
	}
	m := o.GetAgentMetrics("echo", 0)
	if m.TotalCalls != n || m.SuccessfulCalls+m.FailedCalls != m.TotalCalls {
		t.Errorf("metrics = %+v", m)
	}
}
