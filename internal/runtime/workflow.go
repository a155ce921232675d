package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alecgard/agentrt/internal/agent"
	"github.com/alecgard/agentrt/internal/agenterr"
	"github.com/alecgard/agentrt/internal/registry"
)

// StepResult is the outcome of one workflow step.
type StepResult struct {
	Step       string          `json:"step"`
	Agent      string          `json:"agent"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	CacheHit   bool            `json:"cache_hit"`
	Attempts   int             `json:"attempts"`
	DurationMs int64           `json:"duration_ms"`
}

// WorkflowResult is the outcome of OrchestrateWorkflow. On failure Steps
// holds every step that ran, including the failed one, and Output is the
// last successful step's output.
type WorkflowResult struct {
	Workflow   string          `json:"workflow"`
	Success    bool            `json:"success"`
	Output     json.RawMessage `json:"output,omitempty"`
	Steps      []StepResult    `json:"steps"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	FailedStep string          `json:"failed_step,omitempty"`
}

// OrchestrateWorkflow runs the named workflow's steps in order, each as an
// ordinary agent call with its own call record. Consecutive steps sharing a
// group run concurrently against the state from before the group. It stops
// after the first step or group that fails. Cancelling ctx aborts the running
// steps and any backoff wait.
func (o *Orchestrator) OrchestrateWorkflow(ctx context.Context, workflowName string, input json.RawMessage, cc agent.CallContext) WorkflowResult {
	res := WorkflowResult{Workflow: workflowName}

	wf, ok := o.reg.Workflow(workflowName)
	if !ok {
		res.Error = Info(agenterr.New(agenterr.UnknownAgent, workflowName, "workflow is not registered"))
		return res
	}

	state := registry.State{Input: input, Outputs: make(map[string]json.RawMessage, len(wf.Steps))}
	for _, batch := range batches(wf.Steps) {
		if err := ctx.Err(); err != nil {
			return res.fail(batch[0].Name, agenterr.Wrap(agenterr.Classify(err), batch[0].Agent, err))
		}

		runs := make([]stepRun, len(batch))
		if len(batch) == 1 {
			runs[0] = o.runStep(ctx, workflowName, batch[0], state, cc)
		} else {
			var g errgroup.Group
			for i, step := range batch {
				g.Go(func() error {
					runs[i] = o.runStep(ctx, workflowName, step, state, cc)
					return nil
				})
			}
			_ = g.Wait()
		}

		var failed *stepRun
		for i := range runs {
			r := &runs[i]
			if r.called {
				res.Steps = append(res.Steps, r.result)
			}
			if r.err != nil {
				if failed == nil {
					failed = r
				}
				continue
			}
			state.Outputs[r.result.Step] = r.result.Output
			res.Output = r.result.Output
		}
		if failed != nil {
			res.FailedStep = failed.result.Step
			res.Error = Info(failed.err)
			return res
		}
		state.Previous = runs[len(runs)-1].result.Output
	}

	res.Success = true
	return res
}

// stepRun is one step's outcome. called is false when the step failed before
// its agent was invoked.
type stepRun struct {
	result StepResult
	err    error
	called bool
}

func (o *Orchestrator) runStep(ctx context.Context, workflowName string, step registry.Step, state registry.State, cc agent.CallContext) stepRun {
	run := stepRun{result: StepResult{Step: step.Name, Agent: step.Agent}}

	stepInput, err := wireInput(step, state)
	if err != nil {
		run.err = agenterr.Wrap(agenterr.Terminal, step.Agent, fmt.Errorf("wiring input for step %s: %w", step.Name, err))
		return run
	}

	out, err := o.call(ctx, step.Agent, workflowName, stepInput, cc)
	run.called = true
	run.err = err
	run.result = StepResult{
		Step:       step.Name,
		Agent:      step.Agent,
		Success:    err == nil,
		Output:     out.data,
		Error:      Info(err),
		CacheHit:   out.cacheHit,
		Attempts:   out.attempts,
		DurationMs: out.durationMs,
	}
	return run
}

// wireInput builds a step's input, turning a panicking WireFunc into an
// error.
func wireInput(step registry.Step, state registry.State) (in json.RawMessage, err error) {
	wire := step.Wire
	if wire == nil {
		wire = registry.FromPrevious
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("workflow wiring panicked", "step", step.Name, "panic", p)
			in, err = nil, fmt.Errorf("wiring panicked: %v", p)
		}
	}()
	return wire(state)
}

// batches splits steps into runs of consecutive steps sharing a group. A
// step without a group is a batch of its own.
func batches(steps []registry.Step) [][]registry.Step {
	var out [][]registry.Step
	for i := 0; i < len(steps); {
		j := i + 1
		if g := steps[i].Group; g != "" {
			for j < len(steps) && steps[j].Group == g {
				j++
			}
		}
		out = append(out, steps[i:j])
		i = j
	}
	return out
}

// fail records a failure that happened before the step's agent was called.
func (r WorkflowResult) fail(step string, err error) WorkflowResult {
	r.FailedStep = step
	r.Error = Info(err)
	return r
}
