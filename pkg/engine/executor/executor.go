// Package executor runs deployment plans against a gateway.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidthor/chainctl/pkg/engine/expression"
	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/gateway"
	"github.com/davidthor/chainctl/pkg/ledger"
	"github.com/davidthor/chainctl/pkg/plan"
)

// DefaultPacing is the minimum interval between two executed steps.
const DefaultPacing = 5 * time.Second

// ExecutionResult contains the results of an execution.
type ExecutionResult struct {
	Success  bool
	Duration time.Duration
	Executed int
	Skipped  int

	// FailedStep is the id of the step that aborted the run.
	FailedStep string

	// Ledger holds every outcome known at the end of the run, including
	// seeded ones. On failure it holds only confirmed successes.
	Ledger *ledger.Ledger

	StepResults []*StepResult
}

// StepResult contains the result of a single step.
type StepResult struct {
	StepID    string
	Kind      plan.StepKind
	Component string
	Status    Status
	Attempts  int
	Duration  time.Duration
	Outcome   ledger.Outcome
	Error     error
}

// Status is the state of a step within a run.
type Status string

const (
	StatusStarted   Status = "started"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Event is a progress notification emitted while a plan executes.
type Event struct {
	StepID    string
	Kind      plan.StepKind
	Component string
	Status    Status
	Attempt   int
	Outcome   ledger.Outcome
	Err       error
}

// Checkpointer persists the ledger after each recorded outcome.
type Checkpointer interface {
	Checkpoint(ctx context.Context, l *ledger.Ledger) error
}

// CheckpointFunc adapts a function to the Checkpointer interface.
type CheckpointFunc func(ctx context.Context, l *ledger.Ledger) error

func (f CheckpointFunc) Checkpoint(ctx context.Context, l *ledger.Ledger) error {
	return f(ctx, l)
}

// RetryPolicy controls repetition of gateway calls that failed before
// anything was submitted. Attempts counts the first call.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Options configures the executor.
type Options struct {
	// Pacing is the minimum wait between two executed steps. Skipped steps
	// do not wait.
	Pacing time.Duration

	Retry RetryPolicy

	// OnEvent receives progress notifications. It is called synchronously.
	OnEvent func(Event)

	Checkpointer Checkpointer

	Logger *slog.Logger

	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultOptions returns default executor options.
func DefaultOptions() Options {
	return Options{
		Pacing: DefaultPacing,
		Retry:  RetryPolicy{Attempts: 1},
	}
}

// Executor walks a plan in order, one step at a time.
type Executor struct {
	gateway  gateway.Gateway
	resolver *expression.Resolver
	options  Options
	logger   *slog.Logger
}

// NewExecutor creates a new executor.
func NewExecutor(gw gateway.Gateway, options Options) *Executor {
	if options.Pacing < 0 {
		options.Pacing = 0
	}
	if options.Retry.Attempts < 1 {
		options.Retry.Attempts = 1
	}
	if options.Sleep == nil {
		options.Sleep = sleepContext
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		gateway:  gw,
		resolver: expression.NewResolver(),
		options:  options,
		logger:   logger,
	}
}

// Execute runs every step of p that has no outcome in l. It stops at the
// first failure and returns the result together with the error; the result
// is never nil.
func (e *Executor) Execute(ctx context.Context, p *plan.Plan, l *ledger.Ledger) (*ExecutionResult, error) {
	startTime := time.Now()
	if l == nil {
		l = ledger.New()
	}

	result := &ExecutionResult{Success: true, Ledger: l}
	defer func() {
		result.Duration = time.Since(startTime)
	}()

	executedAny := false
	for _, s := range p.Steps() {
		component := p.ComponentOf(s.ID)

		if l.Has(s.ID) {
			outcome, _ := l.Get(s.ID)
			result.Skipped++
			result.StepResults = append(result.StepResults, &StepResult{
				StepID: s.ID, Kind: s.Kind, Component: component, Status: StatusSkipped, Outcome: outcome,
			})
			e.emit(Event{StepID: s.ID, Kind: s.Kind, Component: component, Status: StatusSkipped, Outcome: outcome})
			e.logger.Debug("step already satisfied", "step", s.ID, "component", component, "address", outcome.Address)
			continue
		}

		if executedAny && e.options.Pacing > 0 {
			e.logger.Debug("pacing before next step", "step", s.ID, "wait", e.options.Pacing)
			if err := e.options.Sleep(ctx, e.options.Pacing); err != nil {
				return e.interrupted(result, s.ID, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return e.interrupted(result, s.ID, err)
		}

		stepResult := &StepResult{StepID: s.ID, Kind: s.Kind, Component: component}
		result.StepResults = append(result.StepResults, stepResult)

		stepStart := time.Now()
		e.emit(Event{StepID: s.ID, Kind: s.Kind, Component: component, Status: StatusStarted, Attempt: 1})
		e.logger.Info("executing step", "step", s.ID, "kind", string(s.Kind), "component", component)

		outcome, attempts, err := e.executeStep(ctx, s, component, l)
		stepResult.Attempts = attempts
		stepResult.Duration = time.Since(stepStart)

		if err == nil {
			err = l.Record(outcome)
		}
		if err != nil {
			return e.fail(result, stepResult, err)
		}
		outcome, _ = l.Get(s.ID)
		stepResult.Outcome = outcome
		stepResult.Status = StatusCompleted
		result.Executed++
		executedAny = true

		if e.options.Checkpointer != nil {
			if err := e.options.Checkpointer.Checkpoint(context.WithoutCancel(ctx), l); err != nil {
				return e.fail(result, stepResult, errors.Wrap(errors.ErrCodeBackend,
					fmt.Sprintf("failed to persist outcome of step %q", s.ID), err).
					WithDetail(errors.DetailStepID, s.ID))
			}
		}

		e.emit(Event{StepID: s.ID, Kind: s.Kind, Component: component, Status: StatusCompleted, Attempt: attempts, Outcome: outcome})
		e.logger.Info("step completed",
			"step", s.ID,
			"component", component,
			"address", outcome.Address,
			"tx", outcome.TxHash,
			"duration", stepResult.Duration.Round(time.Millisecond),
		)
	}

	return result, nil
}

func (e *Executor) executeStep(ctx context.Context, s plan.Step, component string, l *ledger.Ledger) (ledger.Outcome, int, error) {
	outcome := ledger.Outcome{StepID: s.ID, Kind: string(s.Kind), Component: component}

	switch s.Kind {
	case plan.KindAttach:
		outcome.Address = s.Address
		return outcome, 1, nil

	case plan.KindCreate:
		args, err := e.resolver.ResolveArgs(s, l)
		if err != nil {
			return outcome, 0, err
		}
		receipt, attempts, err := e.withRetry(ctx, s, component, func() (gateway.Receipt, error) {
			return e.gateway.CreateInstance(ctx, component, args)
		})
		if err != nil {
			return outcome, attempts, errors.OperationFailed(s.ID, string(s.Kind), component, err)
		}
		if receipt.Address == "" {
			return outcome, attempts, errors.OperationFailed(s.ID, string(s.Kind), component,
				fmt.Errorf("gateway %s returned no address", e.gateway.Name()))
		}
		outcome.Address = receipt.Address
		outcome.TxHash = receipt.TxHash
		outcome.Block = receipt.Block
		return outcome, attempts, nil

	case plan.KindConfigure:
		target, err := e.resolver.ResolveTarget(s, l)
		if err != nil {
			return outcome, 0, err
		}
		args, err := e.resolver.ResolveArgs(s, l)
		if err != nil {
			return outcome, 0, err
		}
		receipt, attempts, err := e.withRetry(ctx, s, component, func() (gateway.Receipt, error) {
			return e.gateway.Invoke(ctx, gateway.Target{Address: target, Component: component}, s.Method, args)
		})
		if err != nil {
			return outcome, attempts, errors.OperationFailed(s.ID, string(s.Kind), component, err)
		}
		outcome.TxHash = receipt.TxHash
		outcome.Block = receipt.Block
		return outcome, attempts, nil
	}

	return outcome, 0, errors.InvalidPlan(s.ID, fmt.Sprintf("unknown step kind %q", s.Kind))
}

func (e *Executor) withRetry(ctx context.Context, s plan.Step, component string, call func() (gateway.Receipt, error)) (gateway.Receipt, int, error) {
	attempt := 1
	for {
		receipt, err := call()
		if err == nil {
			return receipt, attempt, nil
		}
		if !gateway.IsTransient(err) || attempt >= e.options.Retry.Attempts || ctx.Err() != nil {
			return receipt, attempt, err
		}

		e.logger.Warn("retrying step after transient failure",
			"step", s.ID, "attempt", attempt, "error", err)
		attempt++
		e.emit(Event{StepID: s.ID, Kind: s.Kind, Component: component, Status: StatusRetrying, Attempt: attempt, Err: err})

		if e.options.Retry.Backoff > 0 {
			if serr := e.options.Sleep(ctx, e.options.Retry.Backoff); serr != nil {
				return receipt, attempt - 1, err
			}
		}
	}
}

func (e *Executor) fail(result *ExecutionResult, stepResult *StepResult, err error) (*ExecutionResult, error) {
	stepResult.Status = StatusFailed
	stepResult.Error = err
	result.Success = false
	result.FailedStep = stepResult.StepID

	e.emit(Event{StepID: stepResult.StepID, Kind: stepResult.Kind, Component: stepResult.Component, Status: StatusFailed, Attempt: stepResult.Attempts, Err: err})
	e.logger.Error("step failed", "step", stepResult.StepID, "component", stepResult.Component, "error", err)
	return result, err
}

func (e *Executor) interrupted(result *ExecutionResult, stepID string, err error) (*ExecutionResult, error) {
	result.Success = false
	e.logger.Warn("execution interrupted", "next_step", stepID, "error", err)
	return result, fmt.Errorf("execution interrupted before step %q: %w", stepID, err)
}

func (e *Executor) emit(ev Event) {
	if e.options.OnEvent != nil {
		e.options.OnEvent(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
