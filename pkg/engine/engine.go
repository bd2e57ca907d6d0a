// Package engine provides the core orchestration for chainctl deployments.
package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidthor/chainctl/pkg/engine/executor"
	"github.com/davidthor/chainctl/pkg/engine/planner"
	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/gateway"
	"github.com/davidthor/chainctl/pkg/ledger"
	"github.com/davidthor/chainctl/pkg/plan"
	"github.com/davidthor/chainctl/pkg/state"
	"github.com/davidthor/chainctl/pkg/state/backend"
	"github.com/davidthor/chainctl/pkg/state/types"
)

// Engine orchestrates deployment runs against persisted state.
type Engine struct {
	stateManager state.Manager
	gateway      gateway.Gateway
	planner      *planner.Planner
	logger       *slog.Logger
	now          func() time.Time
}

// NewEngine creates a new deployment engine. gw may be nil for engines that
// only preview.
func NewEngine(stateManager state.Manager, gw gateway.Gateway, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		stateManager: stateManager,
		gateway:      gw,
		planner:      planner.NewPlanner(),
		logger:       logger,
		now:          time.Now,
	}
}

// DeployOptions configures a deployment operation.
type DeployOptions struct {
	// Network the deployment targets
	Network string

	// Deployment name; defaults to the plan name
	Deployment string

	Plan *plan.Plan

	// Seeds maps step ids to addresses of instances that already exist.
	Seeds map[string]string

	// Fresh ignores any persisted ledger for the deployment.
	Fresh bool

	// Who is recorded as the lock holder
	Who string

	// Executor configures pacing, retry and progress events. Its
	// Checkpointer is replaced by the engine's.
	Executor executor.Options
}

// DeployResult contains the results of a deployment.
type DeployResult struct {
	Success   bool
	Preview   *planner.Preview
	Execution *executor.ExecutionResult
	State     *types.LedgerState
	Duration  time.Duration
}

// run holds the loaded state of one deployment.
type run struct {
	state     *types.LedgerState
	ledger    *ledger.Ledger
	persisted map[string]types.OutcomeState
}

// Deploy executes the plan, resuming from the persisted ledger. The returned
// result is non-nil whenever execution started, including on failure.
func (e *Engine) Deploy(ctx context.Context, opts DeployOptions) (*DeployResult, error) {
	startTime := e.now()

	if e.gateway == nil {
		return nil, fmt.Errorf("engine has no gateway configured")
	}
	if err := e.normalize(&opts); err != nil {
		return nil, err
	}

	lock, err := e.stateManager.Lock(ctx, state.LockScope{
		Network:    opts.Network,
		Deployment: opts.Deployment,
		Operation:  "apply",
		Who:        opts.Who,
	})
	if err != nil {
		return nil, lockError(err)
	}
	defer func() {
		if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			e.logger.Warn("failed to release state lock", "lock", lock.ID(), "error", uerr)
		}
	}()

	r, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}

	result := &DeployResult{
		Preview: e.planner.Plan(opts.Plan, r.ledger),
		State:   r.state,
	}

	r.state.Plan = opts.Plan.Name()
	r.state.Gateway = e.gateway.Name()
	r.state.RunID = uuid.New().String()
	r.state.Status = types.DeploymentStatusProvisioning
	r.state.StatusReason = ""
	r.state.FailedStep = ""
	if err := e.save(ctx, r, r.ledger); err != nil {
		return nil, err
	}

	e.logger.Info("starting deployment",
		"network", opts.Network,
		"deployment", opts.Deployment,
		"run", r.state.RunID,
		"pending", result.Preview.Pending(),
		"skipped", result.Preview.Skipped,
	)

	execOpts := opts.Executor
	execOpts.Checkpointer = executor.CheckpointFunc(func(ctx context.Context, l *ledger.Ledger) error {
		return e.save(ctx, r, l)
	})
	if execOpts.Logger == nil {
		execOpts.Logger = e.logger
	}

	execResult, execErr := executor.NewExecutor(e.gateway, execOpts).Execute(ctx, opts.Plan, r.ledger)
	result.Execution = execResult
	result.Success = execErr == nil && execResult.Success

	if result.Success {
		r.state.Status = types.DeploymentStatusReady
	} else {
		r.state.Status = types.DeploymentStatusFailed
		r.state.FailedStep = execResult.FailedStep
		if execErr != nil {
			r.state.StatusReason = execErr.Error()
		}
	}

	// Final status is persisted even when the run was cancelled.
	if err := e.save(context.WithoutCancel(ctx), r, execResult.Ledger); err != nil {
		if execErr != nil {
			e.logger.Error("failed to persist final deployment status", "error", err)
		} else {
			execErr = err
			result.Success = false
		}
	}

	result.Duration = e.now().Sub(startTime)
	e.logger.Info("deployment finished",
		"deployment", opts.Deployment,
		"status", string(r.state.Status),
		"executed", execResult.Executed,
		"skipped", execResult.Skipped,
		"duration", result.Duration.Round(time.Millisecond),
	)
	return result, execErr
}

// Preview loads the deployment's ledger and seeds exactly as Deploy would and
// returns which steps a run would execute. It does not lock or write state.
func (e *Engine) Preview(ctx context.Context, opts DeployOptions) (*planner.Preview, error) {
	if err := e.normalize(&opts); err != nil {
		return nil, err
	}
	r, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return e.planner.Plan(opts.Plan, r.ledger), nil
}

func (e *Engine) normalize(opts *DeployOptions) error {
	if opts.Plan == nil {
		return errors.New(errors.ErrCodeValidation, "no plan given")
	}
	if opts.Network == "" {
		return errors.New(errors.ErrCodeValidation, "no network given")
	}
	if opts.Deployment == "" {
		opts.Deployment = opts.Plan.Name()
	}
	if opts.Deployment == "" {
		return errors.New(errors.ErrCodeValidation, "no deployment name given and the plan is unnamed")
	}
	return nil
}

// load reads the persisted ledger (unless Fresh) and applies operator seeds.
func (e *Engine) load(ctx context.Context, opts DeployOptions) (*run, error) {
	r := &run{
		ledger:    ledger.New(),
		persisted: map[string]types.OutcomeState{},
	}

	existing, err := e.stateManager.GetLedger(ctx, opts.Network, opts.Deployment)
	switch {
	case err == nil:
		r.state = existing
	case stderrors.Is(err, backend.ErrNotFound):
	default:
		return nil, errors.Wrap(errors.ErrCodeBackend,
			fmt.Sprintf("failed to read ledger for %s on %s", opts.Deployment, opts.Network), err)
	}

	if r.state == nil || opts.Fresh {
		now := e.now().UTC()
		r.state = &types.LedgerState{
			Deployment: opts.Deployment,
			Network:    opts.Network,
			Status:     types.DeploymentStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	for _, o := range r.state.Outcomes {
		if err := checkPersisted(opts.Plan, o); err != nil {
			return nil, err
		}
		if err := r.ledger.Seed(fromState(o)); err != nil {
			return nil, err
		}
		r.persisted[o.StepID] = o
	}

	if err := e.applySeeds(opts, r); err != nil {
		return nil, err
	}
	return r, nil
}

func checkPersisted(p *plan.Plan, o types.OutcomeState) error {
	details := map[string]interface{}{errors.DetailStepID: o.StepID}
	if _, ok := p.Step(o.StepID); !ok {
		return errors.ValidationError(
			fmt.Sprintf("persisted ledger records step %q which is not part of plan %q", o.StepID, p.Name()), details)
	}
	if want := p.ComponentOf(o.StepID); o.Component != want {
		return errors.ValidationError(
			fmt.Sprintf("persisted ledger records step %q as %s but the plan declares %s", o.StepID, o.Component, want), details)
	}
	return nil
}

// applySeeds records operator-supplied addresses in plan order.
func (e *Engine) applySeeds(opts DeployOptions, r *run) error {
	ids := make([]string, 0, len(opts.Seeds))
	for id := range opts.Seeds {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return opts.Plan.Index(ids[i]) < opts.Plan.Index(ids[j])
	})

	for _, id := range ids {
		address := opts.Seeds[id]
		details := map[string]interface{}{errors.DetailStepID: id}

		s, ok := opts.Plan.Step(id)
		if !ok {
			return errors.ValidationError(fmt.Sprintf("seed names unknown step %q", id), details)
		}
		if !s.Kind.ProducesAddress() {
			return errors.ValidationError(fmt.Sprintf("seed for step %q: %s steps have no address", id, s.Kind), details)
		}
		if address == "" {
			return errors.ValidationError(fmt.Sprintf("seed for step %q has no address", id), details)
		}
		if e.gateway != nil {
			if err := e.gateway.ValidateAddress(address); err != nil {
				return errors.ValidationError(fmt.Sprintf("seed for step %q: %v", id, err), details)
			}
		}

		if prev, ok := r.ledger.Get(id); ok && prev.Address == address {
			continue
		}
		err := r.ledger.Seed(ledger.Outcome{
			StepID:    id,
			Kind:      string(plan.KindAttach),
			Component: opts.Plan.ComponentOf(id),
			Address:   address,
		})
		if err != nil {
			return err
		}
		e.logger.Debug("seeded step", "step", id, "address", address)
	}
	return nil
}

// save writes l into the run's ledger state.
func (e *Engine) save(ctx context.Context, r *run, l *ledger.Ledger) error {
	outcomes := l.Outcomes()
	r.state.Outcomes = make([]types.OutcomeState, 0, len(outcomes))
	for _, o := range outcomes {
		if p, ok := r.persisted[o.StepID]; ok {
			r.state.Outcomes = append(r.state.Outcomes, p)
			continue
		}
		r.state.Outcomes = append(r.state.Outcomes, toState(o))
	}
	r.state.UpdatedAt = e.now().UTC()

	if err := e.stateManager.SaveLedger(ctx, r.state); err != nil {
		return errors.BackendError(e.stateManager.Backend().Type(), "save ledger", err)
	}
	return nil
}

func lockError(err error) error {
	var le *backend.LockError
	if stderrors.As(err, &le) {
		return errors.StateLocked(errors.LockInfo{
			ID:        le.Info.ID,
			Path:      le.Info.Path,
			Who:       le.Info.Who,
			Operation: le.Info.Operation,
			Created:   le.Info.Created,
		})
	}
	return errors.Wrap(errors.ErrCodeBackend, "failed to lock deployment state", err)
}

func toState(o ledger.Outcome) types.OutcomeState {
	return types.OutcomeState{
		StepID:     o.StepID,
		Kind:       o.Kind,
		Component:  o.Component,
		Address:    o.Address,
		TxHash:     o.TxHash,
		Block:      o.Block,
		Seeded:     o.Seeded,
		RecordedAt: o.Recorded,
	}
}

func fromState(o types.OutcomeState) ledger.Outcome {
	return ledger.Outcome{
		StepID:    o.StepID,
		Kind:      o.Kind,
		Component: o.Component,
		Address:   o.Address,
		TxHash:    o.TxHash,
		Block:     o.Block,
		Recorded:  o.RecordedAt,
	}
}
