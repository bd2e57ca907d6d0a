package engine

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/chainctl/pkg/engine/executor"
	"github.com/davidthor/chainctl/pkg/engine/planner"
	"github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/gateway/memory"
	"github.com/davidthor/chainctl/pkg/plan"
	"github.com/davidthor/chainctl/pkg/state"
	"github.com/davidthor/chainctl/pkg/state/backend/local"
	"github.com/davidthor/chainctl/pkg/state/types"
)

const (
	testNetwork  = "mumbai"
	seedRegistry = "0x812CD0fdBddA06748DAd23Fa0614b1A13920dC96"
)

// recordingManager counts the outcomes written by every SaveLedger call.
type recordingManager struct {
	state.Manager
	saves  []int
	failAt int
}

func (m *recordingManager) SaveLedger(ctx context.Context, s *types.LedgerState) error {
	m.saves = append(m.saves, len(s.Outcomes))
	if m.failAt > 0 && len(m.saves) == m.failAt {
		return stderrors.New("disk full")
	}
	return m.Manager.SaveLedger(ctx, s)
}

func newTestManager(t *testing.T) state.Manager {
	t.Helper()
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)
	return state.NewManager(b)
}

func newGateway() *memory.Gateway {
	return memory.New(common.HexToAddress("0x00000000000000000000000000000000000000d0"), nil)
}

func badgePlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.New("badges", []plan.Step{
		plan.Create("registry", "BadgeRegistry"),
		plan.Create("factory", "EntityFactory", plan.Ref("registry")),
		plan.Configure("set-factory", "registry", "setEntityFactory", plan.Ref("factory")),
	})
	require.NoError(t, err)
	return p
}

func deployOptions(p *plan.Plan) DeployOptions {
	return DeployOptions{
		Network:  testNetwork,
		Plan:     p,
		Who:      "ops",
		Executor: executor.Options{Pacing: 0},
	}
}

func TestNewEngine(t *testing.T) {
	e := NewEngine(newTestManager(t), newGateway(), nil)
	require.NotNil(t, e)
	assert.NotNil(t, e.logger)
	assert.NotNil(t, e.planner)
}

func TestDeploy_Fresh(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)
	gw := newGateway()

	result, err := NewEngine(sm, gw, nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Execution.Executed)
	assert.Equal(t, 2, result.Preview.ToCreate)
	assert.Equal(t, 1, result.Preview.ToConfigure)

	persisted, err := sm.GetLedger(ctx, testNetwork, "badges")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusReady, persisted.Status)
	assert.Equal(t, "badges", persisted.Plan)
	assert.Equal(t, "memory", persisted.Gateway)
	assert.NotEmpty(t, persisted.RunID)
	require.Len(t, persisted.Outcomes, 3)
	assert.Equal(t, gw.AddressAt(0), persisted.Outcomes[0].Address)
	assert.Equal(t, gw.AddressAt(1), persisted.Outcomes[1].Address)
	assert.Equal(t, "BadgeRegistry", persisted.Outcomes[2].Component)
	assert.NotEmpty(t, persisted.Outcomes[2].TxHash)

	// The lock is released once the run ends.
	lock, err := sm.Lock(ctx, state.LockScope{Network: testNetwork, Deployment: "badges"})
	require.NoError(t, err)
	require.NoError(t, lock.Unlock(ctx))
}

func TestDeploy_ResumeAfterFailure(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)

	first := newGateway()
	first.FailCreate("EntityFactory", stderrors.New("out of gas"))

	result, err := NewEngine(sm, first, nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeOperationFailed))
	require.NotNil(t, result)
	assert.False(t, result.Success)

	persisted, err := sm.GetLedger(ctx, testNetwork, "badges")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusFailed, persisted.Status)
	assert.Equal(t, "factory", persisted.FailedStep)
	assert.Contains(t, persisted.StatusReason, "out of gas")
	require.Len(t, persisted.Outcomes, 1)
	registry := persisted.Outcomes[0].Address

	second := newGateway()
	result, err = NewEngine(sm, second, nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Execution.Skipped)
	assert.Equal(t, 2, result.Execution.Executed)

	calls := second.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "EntityFactory", calls[0].Component)
	assert.Equal(t, []interface{}{registry}, calls[0].Args)
	assert.Equal(t, "setEntityFactory", calls[1].Method)
	assert.Equal(t, registry, calls[1].Address)

	persisted, err = sm.GetLedger(ctx, testNetwork, "badges")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusReady, persisted.Status)
	assert.Empty(t, persisted.FailedStep)
	require.Len(t, persisted.Outcomes, 3)
	assert.Equal(t, registry, persisted.Outcomes[0].Address)
	assert.False(t, persisted.Outcomes[0].Seeded, "resumed outcomes keep their original form")
}

func TestDeploy_Seeds(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)
	gw := newGateway()

	opts := deployOptions(badgePlan(t))
	opts.Seeds = map[string]string{"registry": seedRegistry}

	result, err := NewEngine(sm, gw, nil).Deploy(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Execution.Skipped)

	calls := gw.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []interface{}{seedRegistry}, calls[0].Args)
	assert.Equal(t, seedRegistry, calls[1].Address)

	persisted, err := sm.GetLedger(ctx, testNetwork, "badges")
	require.NoError(t, err)
	seeded := persisted.Outcomes[0]
	assert.Equal(t, "registry", seeded.StepID)
	assert.Equal(t, string(plan.KindAttach), seeded.Kind)
	assert.Equal(t, "BadgeRegistry", seeded.Component)
	assert.True(t, seeded.Seeded)

	// Re-seeding the same address on a later run is accepted.
	_, err = NewEngine(sm, newGateway(), nil).Deploy(ctx, opts)
	assert.NoError(t, err)
}

func TestDeploy_SeedErrors(t *testing.T) {
	tests := []struct {
		name  string
		seeds map[string]string
	}{
		{"unknown step", map[string]string{"oracle": seedRegistry}},
		{"configure step", map[string]string{"set-factory": seedRegistry}},
		{"empty address", map[string]string{"registry": ""}},
		{"malformed address", map[string]string{"registry": "not-an-address"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newGateway()
			opts := deployOptions(badgePlan(t))
			opts.Seeds = tt.seeds

			_, err := NewEngine(newTestManager(t), gw, nil).Deploy(context.Background(), opts)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation), "got %v", err)
			assert.Empty(t, gw.Calls())
		})
	}
}

func TestDeploy_SeedConflictsWithLedger(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)

	_, err := NewEngine(sm, newGateway(), nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.NoError(t, err)

	opts := deployOptions(badgePlan(t))
	opts.Seeds = map[string]string{"registry": seedRegistry}
	_, err = NewEngine(sm, newGateway(), nil).Deploy(ctx, opts)
	assert.True(t, errors.Is(err, errors.ErrCodeDuplicateOutcome), "got %v", err)
}

func TestDeploy_PersistedLedgerMustMatchPlan(t *testing.T) {
	tests := []struct {
		name    string
		outcome types.OutcomeState
	}{
		{"component changed", types.OutcomeState{StepID: "registry", Kind: "create", Component: "LegacyRegistry", Address: seedRegistry}},
		{"step removed", types.OutcomeState{StepID: "oracle", Kind: "create", Component: "BadgeRecoveryOracle", Address: seedRegistry}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			sm := newTestManager(t)
			require.NoError(t, sm.SaveLedger(ctx, &types.LedgerState{
				Network:    testNetwork,
				Deployment: "badges",
				Status:     types.DeploymentStatusFailed,
				Outcomes:   []types.OutcomeState{tt.outcome},
			}))

			gw := newGateway()
			_, err := NewEngine(sm, gw, nil).Deploy(ctx, deployOptions(badgePlan(t)))
			assert.True(t, errors.Is(err, errors.ErrCodeValidation), "got %v", err)
			assert.Empty(t, gw.Calls())

			opts := deployOptions(badgePlan(t))
			opts.Fresh = true
			result, err := NewEngine(sm, gw, nil).Deploy(ctx, opts)
			require.NoError(t, err)
			assert.Equal(t, 3, result.Execution.Executed)
		})
	}
}

func TestDeploy_Locked(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)

	lock, err := sm.Lock(ctx, state.LockScope{Network: testNetwork, Deployment: "badges", Operation: "apply", Who: "alice"})
	require.NoError(t, err)
	defer lock.Unlock(ctx)

	gw := newGateway()
	_, err = NewEngine(sm, gw, nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeLocked))
	assert.Contains(t, err.Error(), "alice")
	assert.Empty(t, gw.Calls())
}

func TestDeploy_CheckpointsEachOutcome(t *testing.T) {
	sm := &recordingManager{Manager: newTestManager(t)}

	_, err := NewEngine(sm, newGateway(), nil).Deploy(context.Background(), deployOptions(badgePlan(t)))
	require.NoError(t, err)

	// provisioning, one checkpoint per step, final status
	assert.Equal(t, []int{0, 1, 2, 3, 3}, sm.saves)
}

func TestDeploy_CheckpointFailureStopsRun(t *testing.T) {
	sm := &recordingManager{Manager: newTestManager(t), failAt: 2}
	gw := newGateway()

	result, err := NewEngine(sm, gw, nil).Deploy(context.Background(), deployOptions(badgePlan(t)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeBackend), "got %v", err)
	assert.Equal(t, "registry", result.Execution.FailedStep)
	assert.Len(t, gw.Calls(), 1)
}

func TestDeploy_Cancelled(t *testing.T) {
	sm := newTestManager(t)
	gw := newGateway()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewEngine(sm, gw, nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, result.Success)
	assert.Empty(t, gw.Calls())

	persisted, err := sm.GetLedger(context.Background(), testNetwork, "badges")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusFailed, persisted.Status)
	assert.Contains(t, persisted.StatusReason, "interrupted")
}

func TestDeploy_Pacing(t *testing.T) {
	var waits []time.Duration
	opts := deployOptions(badgePlan(t))
	opts.Executor.Pacing = 5 * time.Second
	opts.Executor.Sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	_, err := NewEngine(newTestManager(t), newGateway(), nil).Deploy(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, waits)
}

func TestDeploy_Validation(t *testing.T) {
	e := NewEngine(newTestManager(t), newGateway(), nil)

	_, err := e.Deploy(context.Background(), DeployOptions{Network: testNetwork})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = e.Deploy(context.Background(), DeployOptions{Plan: badgePlan(t)})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	_, err = NewEngine(newTestManager(t), nil, nil).Deploy(context.Background(), deployOptions(badgePlan(t)))
	assert.Error(t, err)
}

func TestDeploy_NamedDeployment(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)

	opts := deployOptions(badgePlan(t))
	opts.Deployment = "badges-v2"
	_, err := NewEngine(sm, newGateway(), nil).Deploy(ctx, opts)
	require.NoError(t, err)

	refs, err := sm.ListDeployments(ctx, testNetwork)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "badges-v2", refs[0].Name)
}

func TestPreview(t *testing.T) {
	ctx := context.Background()
	sm := newTestManager(t)

	gw := newGateway()
	gw.FailInvoke("setEntityFactory", stderrors.New("reverted"))
	_, err := NewEngine(sm, gw, nil).Deploy(ctx, deployOptions(badgePlan(t)))
	require.Error(t, err)

	before, err := sm.GetLedger(ctx, testNetwork, "badges")
	require.NoError(t, err)

	preview, err := NewEngine(sm, nil, nil).Preview(ctx, deployOptions(badgePlan(t)))
	require.NoError(t, err)
	assert.Equal(t, 2, preview.Skipped)
	assert.Equal(t, 1, preview.Pending())
	require.Len(t, preview.Changes, 3)
	assert.Equal(t, planner.ActionSkip, preview.Changes[0].Action)
	assert.Equal(t, planner.ActionConfigure, preview.Changes[2].Action)

	after, err := sm.GetLedger(ctx, testNetwork, "badges")
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

func TestPreview_WithSeeds(t *testing.T) {
	opts := deployOptions(badgePlan(t))
	opts.Seeds = map[string]string{"registry": seedRegistry}

	preview, err := NewEngine(newTestManager(t), newGateway(), nil).Preview(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, preview.Skipped)
	assert.Equal(t, 1, preview.ToCreate)
	assert.True(t, preview.Changes[0].Existing.Seeded)
}
