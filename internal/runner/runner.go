// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package runner executes steps. It claims a step under the run's
// advisory lock, enforces the policy envelope, dispatches to a tool
// handler under a timeout, persists the result, and finalises the run
// when no steps remain.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nofx/nofx/internal/log"
	"github.com/nofx/nofx/internal/store"
	"github.com/nofx/nofx/internal/tool"
)

// DefaultStepTimeout bounds one handler execution.
const DefaultStepTimeout = 300 * time.Second

var tracer = otel.Tracer("nofx/runner")

// StepFailedError reports a handler failure or timeout that the queue
// may retry. The step's failure is already persisted; the error exists
// so the delivery goes back through the queue's retry policy.
type StepFailedError struct {
	StepID string
	Cause  string
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.StepID, e.Cause)
}

// Runner drives step execution against a store and a tool registry.
type Runner struct {
	store    store.Store
	registry *tool.Registry
	logger   *slog.Logger
	trace    *log.Tracer
	timeout  time.Duration
}

// Option configures the runner.
type Option func(*Runner)

// WithStepTimeout overrides the per-step handler deadline.
func WithStepTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithTraceLog attaches the refreshable trace logger.
func WithTraceLog(t *log.Tracer) Option {
	return func(r *Runner) { r.trace = t }
}

// New creates a runner.
func New(st store.Store, registry *tool.Registry, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		store:    st,
		registry: registry,
		logger:   logger,
		timeout:  DefaultStepTimeout,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.trace == nil {
		r.trace = log.NewTracer(r.logger, func() bool { return false })
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// policy is the envelope attached under inputs._policy.
type policy struct {
	toolsAllowed  []string
	envAllowed    []string
	secretsScope  string
	hasToolsList  bool
}

func parsePolicy(inputs map[string]any) policy {
	var p policy
	raw, ok := inputs[store.PolicyKey].(map[string]any)
	if !ok {
		return p
	}
	if tools, ok := raw["tools_allowed"].([]any); ok {
		p.hasToolsList = true
		for _, t := range tools {
			if s, ok := t.(string); ok {
				p.toolsAllowed = append(p.toolsAllowed, s)
			}
		}
	}
	if envs, ok := raw["env_allowed"].([]any); ok {
		for _, e := range envs {
			if s, ok := e.(string); ok {
				p.envAllowed = append(p.envAllowed, s)
			}
		}
	}
	p.secretsScope, _ = raw["secrets_scope"].(string)
	return p
}

func (p policy) allows(toolName string) bool {
	if !p.hasToolsList {
		return true
	}
	for _, t := range p.toolsAllowed {
		if strings.EqualFold(t, toolName) {
			return true
		}
	}
	return false
}

// env builds the handler environment from the allow list.
func (p policy) env() map[string]string {
	if len(p.envAllowed) == 0 {
		return nil
	}
	out := make(map[string]string, len(p.envAllowed))
	for _, name := range p.envAllowed {
		if v, ok := os.LookupEnv(name); ok {
			out[name] = v
		}
	}
	return out
}

// RunStep executes one step to a terminal state. Calling it on an
// already-terminal step is a no-op.
func (r *Runner) RunStep(ctx context.Context, runID, stepID string) error {
	ctx = log.WithStep(ctx, runID, stepID)
	ctx, span := tracer.Start(ctx, "runner.runStep")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("step.id", stepID),
	)
	defer span.End()

	return r.store.RunAtomically(ctx, runID, func(ctx context.Context) error {
		return r.runStepLocked(ctx, runID, stepID)
	})
}

func (r *Runner) runStepLocked(ctx context.Context, runID, stepID string) error {
	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return fmt.Errorf("loading step %s: %w", stepID, err)
	}
	if step.RunID != runID {
		return fmt.Errorf("step %s does not belong to run %s", stepID, runID)
	}
	if step.Status.Terminal() {
		r.logger.DebugContext(ctx, "step already terminal, skipping",
			"status", string(step.Status))
		return nil
	}

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run %s: %w", runID, err)
	}

	pol := parsePolicy(step.Inputs)
	if !pol.allows(step.Tool) {
		return r.denyPolicy(ctx, run, step, pol)
	}

	if run.Status == store.RunStatusQueued {
		run.Status = store.RunStatusRunning
		if err := r.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("starting run: %w", err)
		}
		if _, err := r.store.RecordEvent(ctx, runID, store.EventRunStarted, nil, ""); err != nil {
			return fmt.Errorf("recording run.started: %w", err)
		}
	}

	now := time.Now().UTC()
	step.Status = store.StepStatusRunning
	step.StartedAt = &now
	if err := r.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("marking step running: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, runID, store.EventStepStarted,
		map[string]any{"tool": step.Tool, "name": step.Name}, stepID); err != nil {
		return fmt.Errorf("recording step.started: %w", err)
	}
	r.trace.Trace(ctx, "step.started", slog.String("tool", step.Tool))

	handler, ok := r.registry.Get(step.Tool)
	if !ok {
		return r.failStep(ctx, run, step, map[string]any{
			"error": "no handler",
			"tool":  step.Tool,
		}, "no handler registered for tool")
	}
	if err := tool.Validate(handler, step.Inputs); err != nil {
		return r.failStep(ctx, run, step, map[string]any{
			"error": err.Error(),
			"tool":  step.Tool,
		}, "input validation failed")
	}

	res, execErr := r.execute(ctx, handler, run, step, pol)
	if errors.Is(execErr, context.DeadlineExceeded) {
		if err := r.markStepTimedOut(ctx, run, step); err != nil {
			return err
		}
		return &StepFailedError{StepID: step.ID, Cause: "timeout"}
	}
	if execErr != nil {
		if err := r.failStep(ctx, run, step, map[string]any{"error": execErr.Error()}, "handler failed"); err != nil {
			return err
		}
		return &StepFailedError{StepID: step.ID, Cause: execErr.Error()}
	}
	return r.succeedStep(ctx, run, step, res)
}

// execute runs the handler under the step timeout. The handler
// goroutine may outlive a timeout; its result is discarded.
func (r *Runner) execute(ctx context.Context, handler tool.Handler, run *store.Run, step *store.Step, pol policy) (*tool.Result, error) {
	hctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rc := &tool.RunContext{
		Run:    run,
		Logger: r.logger,
		Env:    pol.env(),
	}

	type outcome struct {
		res *tool.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := handler.Run(hctx, step, rc)
		done <- outcome{res, err}
	}()

	select {
	case <-hctx.Done():
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, hctx.Err()
	case out := <-done:
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return out.res, out.err
	}
}

func (r *Runner) denyPolicy(ctx context.Context, run *store.Run, step *store.Step, pol policy) error {
	now := time.Now().UTC()
	step.Status = store.StepStatusFailed
	step.EndedAt = &now
	step.Outputs = map[string]any{
		"error":        "policy: tool not allowed",
		"tool":         step.Tool,
		"toolsAllowed": pol.toolsAllowed,
	}
	if err := r.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("failing step on policy denial: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, run.ID, store.EventStepPolicyDenied,
		map[string]any{"tool": step.Tool, "toolsAllowed": pol.toolsAllowed}, step.ID); err != nil {
		return fmt.Errorf("recording step.policy_denied: %w", err)
	}
	r.logger.WarnContext(ctx, "step denied by policy envelope", "tool", step.Tool)
	stepsFailed.WithLabelValues(step.Tool, "policy_denied").Inc()
	return r.finalizeRun(ctx, run)
}

func (r *Runner) failStep(ctx context.Context, run *store.Run, step *store.Step, outputs map[string]any, reason string) error {
	now := time.Now().UTC()
	step.Status = store.StepStatusFailed
	step.EndedAt = &now
	step.Outputs = outputs
	if err := r.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("failing step: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, run.ID, store.EventStepFailed, outputs, step.ID); err != nil {
		return fmt.Errorf("recording step.failed: %w", err)
	}
	r.logger.ErrorContext(ctx, "step failed", "reason", reason, "tool", step.Tool)
	stepsFailed.WithLabelValues(step.Tool, "error").Inc()
	return r.finalizeRun(ctx, run)
}

// markStepTimedOut treats a handler deadline as a step failure and
// fails the run.
func (r *Runner) markStepTimedOut(ctx context.Context, run *store.Run, step *store.Step) error {
	now := time.Now().UTC()
	timeoutMs := r.timeout.Milliseconds()

	step.Status = store.StepStatusTimedOut
	step.EndedAt = &now
	outputs := coerceOutputs(step.Outputs)
	outputs["error"] = "timeout"
	outputs["timeoutMs"] = timeoutMs
	step.Outputs = outputs

	if err := r.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("marking step timed out: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, run.ID, store.EventStepTimeout,
		map[string]any{"stepId": step.ID, "timeoutMs": timeoutMs}, step.ID); err != nil {
		return fmt.Errorf("recording step.timeout: %w", err)
	}
	r.logger.ErrorContext(ctx, "step timed out",
		"tool", step.Tool, log.Duration("timeout", timeoutMs))
	stepsFailed.WithLabelValues(step.Tool, "timeout").Inc()

	return r.failRun(ctx, run)
}

func (r *Runner) succeedStep(ctx context.Context, run *store.Run, step *store.Step, res *tool.Result) error {
	now := time.Now().UTC()
	step.Status = store.StepStatusSucceeded
	step.EndedAt = &now
	if res != nil {
		step.Outputs = coerceOutputs(res.Outputs)
	}
	if err := r.store.UpdateStep(ctx, step); err != nil {
		return fmt.Errorf("marking step succeeded: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, run.ID, store.EventStepSucceeded,
		map[string]any{"tool": step.Tool, "name": step.Name}, step.ID); err != nil {
		return fmt.Errorf("recording step.succeeded: %w", err)
	}
	r.trace.Trace(ctx, "step.succeeded", slog.String("tool", step.Tool))
	stepsSucceeded.WithLabelValues(step.Tool).Inc()
	if step.StartedAt != nil {
		stepDuration.WithLabelValues(step.Tool).Observe(now.Sub(*step.StartedAt).Seconds())
	}

	if res != nil {
		if err := r.persistSideEffects(ctx, run, step, res); err != nil {
			return err
		}
	}
	return r.finalizeRun(ctx, run)
}

func (r *Runner) persistSideEffects(ctx context.Context, run *store.Run, step *store.Step, res *tool.Result) error {
	for _, spec := range res.Artifacts {
		artifact := &store.Artifact{
			RunID:  run.ID,
			StepID: step.ID,
			Name:   spec.Name,
			Kind:   spec.Kind,
			Path:   spec.Path,
			Data:   spec.Data,
		}
		if err := r.store.AddArtifact(ctx, artifact); err != nil {
			return fmt.Errorf("persisting artifact %s: %w", spec.Name, err)
		}
		if _, err := r.store.RecordEvent(ctx, run.ID, store.EventArtifactAdded,
			map[string]any{"name": spec.Name, "kind": spec.Kind}, step.ID); err != nil {
			return fmt.Errorf("recording artifact.added: %w", err)
		}
	}

	for _, spec := range res.Gates {
		gate, err := r.store.CreateOrGetGate(ctx, run.ID, spec.Type)
		if err != nil {
			return fmt.Errorf("creating gate %s: %w", spec.Type, err)
		}
		if gate.Status != spec.Status {
			gate.Status = spec.Status
			gate.UpdatedAt = time.Now().UTC()
			if err := r.store.UpdateGate(ctx, gate); err != nil {
				return fmt.Errorf("updating gate %s: %w", spec.Type, err)
			}
		}
		if _, err := r.store.RecordEvent(ctx, run.ID, store.EventGateUpdated,
			map[string]any{"gateType": spec.Type, "status": string(spec.Status)}, step.ID); err != nil {
			return fmt.Errorf("recording gate.updated: %w", err)
		}
	}
	return nil
}

// finalizeRun transitions the run to a terminal state once no step
// remains pending, queued, or running.
func (r *Runner) finalizeRun(ctx context.Context, run *store.Run) error {
	steps, err := r.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("listing steps for finalisation: %w", err)
	}
	for _, s := range steps {
		if s.Status == store.StepStatusFailed || s.Status == store.StepStatusTimedOut {
			return r.failRun(ctx, run)
		}
	}

	remaining, err := r.store.CountRemainingSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("counting remaining steps: %w", err)
	}
	if remaining > 0 {
		return nil
	}

	if run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = store.RunStatusSucceeded
	run.EndedAt = &now
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("marking run succeeded: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, run.ID, store.EventRunSucceeded, nil, ""); err != nil {
		return fmt.Errorf("recording run.succeeded: %w", err)
	}
	r.logger.InfoContext(ctx, "run succeeded")
	runsCompleted.WithLabelValues("succeeded").Inc()
	return nil
}

func (r *Runner) failRun(ctx context.Context, run *store.Run) error {
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	run.Status = store.RunStatusFailed
	run.EndedAt = &now
	if err := r.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("marking run failed: %w", err)
	}
	if _, err := r.store.RecordEvent(ctx, run.ID, store.EventRunFailed, nil, ""); err != nil {
		return fmt.Errorf("recording run.failed: %w", err)
	}
	r.logger.ErrorContext(ctx, "run failed")
	runsCompleted.WithLabelValues("failed").Inc()
	return nil
}

// coerceOutputs shapes handler outputs for persistence. Maps pass
// through; anything else is wrapped as {"value": v}; nil becomes an
// empty map.
func coerceOutputs(v any) map[string]any {
	switch out := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		if out == nil {
			return map[string]any{}
		}
		return out
	default:
		return map[string]any{"value": v}
	}
}
