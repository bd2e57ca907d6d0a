package executor

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chainerrors "github.com/davidthor/chainctl/pkg/errors"
	"github.com/davidthor/chainctl/pkg/gateway"
	"github.com/davidthor/chainctl/pkg/ledger"
	"github.com/davidthor/chainctl/pkg/plan"
)

type call struct {
	op        string
	component string
	target    string
	method    string
	args      []interface{}
}

// fakeGateway hands out addresses in order and records every call.
type fakeGateway struct {
	addresses []string
	next      int
	calls     []call
	createErr map[string][]error
	invokeErr map[string]error
}

func newFakeGateway(addresses ...string) *fakeGateway {
	return &fakeGateway{
		addresses: addresses,
		createErr: make(map[string][]error),
		invokeErr: make(map[string]error),
	}
}

func (f *fakeGateway) Name() string { return "fake" }

func (f *fakeGateway) CreateInstance(ctx context.Context, component string, args []interface{}) (gateway.Receipt, error) {
	f.calls = append(f.calls, call{op: "create", component: component, args: args})
	if errs := f.createErr[component]; len(errs) > 0 {
		err := errs[0]
		f.createErr[component] = errs[1:]
		return gateway.Receipt{}, err
	}
	if f.next >= len(f.addresses) {
		return gateway.Receipt{}, fmt.Errorf("no address left")
	}
	addr := f.addresses[f.next]
	f.next++
	return gateway.Receipt{Address: addr, TxHash: "tx-" + addr}, nil
}

func (f *fakeGateway) Invoke(ctx context.Context, target gateway.Target, method string, args []interface{}) (gateway.Receipt, error) {
	f.calls = append(f.calls, call{op: "invoke", component: target.Component, target: target.Address, method: method, args: args})
	if err, ok := f.invokeErr[method]; ok {
		return gateway.Receipt{}, err
	}
	return gateway.Receipt{TxHash: "tx-" + method}, nil
}

func (f *fakeGateway) ValidateAddress(address string) error { return nil }

type fakeSleeper struct {
	waits []time.Duration
	err   error
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return s.err
}

func registryPlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.New("badges", []plan.Step{
		plan.Create("registry", "Registry"),
		plan.Create("factory", "Factory", plan.Ref("registry")),
		plan.Configure("set-factory", "registry", "setFactory", plan.Ref("factory")),
	})
	require.NoError(t, err)
	return p
}

func newTestExecutor(gw gateway.Gateway, sleeper *fakeSleeper, mutate ...func(*Options)) *Executor {
	opts := DefaultOptions()
	opts.Sleep = sleeper.Sleep
	for _, m := range mutate {
		m(&opts)
	}
	return NewExecutor(gw, opts)
}

func TestExecute_FreshDeployment(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	sleeper := &fakeSleeper{}

	result, err := newTestExecutor(gw, sleeper).Execute(context.Background(), registryPlan(t), ledger.New())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Executed)
	assert.Equal(t, 0, result.Skipped)

	require.Len(t, gw.calls, 3)
	assert.Equal(t, call{op: "create", component: "Registry", args: []interface{}{}}, gw.calls[0])
	assert.Equal(t, call{op: "create", component: "Factory", args: []interface{}{"0xA"}}, gw.calls[1])
	assert.Equal(t, call{op: "invoke", component: "Registry", target: "0xA", method: "setFactory", args: []interface{}{"0xB"}}, gw.calls[2])

	l := result.Ledger
	assert.Equal(t, 3, l.Len())
	addr, _ := l.Address("registry")
	assert.Equal(t, "0xA", addr)
	addr, _ = l.Address("factory")
	assert.Equal(t, "0xB", addr)
	ack, ok := l.Get("set-factory")
	require.True(t, ok)
	assert.Equal(t, "tx-setFactory", ack.TxHash)
	assert.Equal(t, "Registry", ack.Component)

	// Two waits: between step 1 and 2, and between 2 and 3. None after the last step.
	assert.Equal(t, []time.Duration{DefaultPacing, DefaultPacing}, sleeper.waits)
}

func TestExecute_FailureAtSecondStep(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	cause := errors.New("execution reverted: out of gas")
	gw.createErr["Factory"] = []error{cause}

	result, err := newTestExecutor(gw, &fakeSleeper{}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.Error(t, err)

	assert.True(t, chainerrors.Is(err, chainerrors.ErrCodeOperationFailed))
	assert.ErrorIs(t, err, cause)
	e, ok := chainerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "factory", e.Detail(chainerrors.DetailStepID))
	assert.Equal(t, "Factory", e.Detail(chainerrors.DetailComponent))
	assert.Equal(t, "create", e.Detail(chainerrors.DetailStepKind))

	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "factory", result.FailedStep)
	assert.Equal(t, 1, result.Ledger.Len())
	assert.True(t, result.Ledger.Has("registry"))
	assert.False(t, result.Ledger.Has("factory"))

	// The configure step is never attempted.
	for _, c := range gw.calls {
		assert.NotEqual(t, "invoke", c.op)
	}
	last := result.StepResults[len(result.StepResults)-1]
	assert.Equal(t, StatusFailed, last.Status)
	assert.ErrorIs(t, last.Error, cause)
}

func TestExecute_ResumeWithSeededRegistry(t *testing.T) {
	gw := newFakeGateway("0xB2")
	l := ledger.New()
	require.NoError(t, l.Seed(ledger.Outcome{StepID: "registry", Kind: "create", Component: "Registry", Address: "0xA2"}))

	sleeper := &fakeSleeper{}
	result, err := newTestExecutor(gw, sleeper).Execute(context.Background(), registryPlan(t), l)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Executed)
	assert.Equal(t, 1, result.Skipped)
	require.Len(t, gw.calls, 2)
	assert.Equal(t, "Factory", gw.calls[0].component)
	assert.Equal(t, []interface{}{"0xA2"}, gw.calls[0].args)
	assert.Equal(t, "0xA2", gw.calls[1].target)
	assert.Equal(t, []interface{}{"0xB2"}, gw.calls[1].args)

	// Only one wait: the skipped step incurs none.
	assert.Len(t, sleeper.waits, 1)
}

func TestExecute_FullySeededPlan(t *testing.T) {
	gw := newFakeGateway()
	l := ledger.New()
	require.NoError(t, l.Seed(ledger.Outcome{StepID: "registry", Address: "0xA"}))
	require.NoError(t, l.Seed(ledger.Outcome{StepID: "factory", Address: "0xB"}))
	require.NoError(t, l.Seed(ledger.Outcome{StepID: "set-factory", TxHash: "0xtx"}))

	sleeper := &fakeSleeper{}
	result, err := newTestExecutor(gw, sleeper).Execute(context.Background(), registryPlan(t), l)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.Skipped)
	assert.Empty(t, gw.calls)
	assert.Empty(t, sleeper.waits)
}

func TestExecute_EmptyPlan(t *testing.T) {
	p, err := plan.New("empty", nil)
	require.NoError(t, err)

	result, err := newTestExecutor(newFakeGateway(), &fakeSleeper{}).Execute(context.Background(), p, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.Ledger.Len())
}

func TestExecute_AttachMakesNoGatewayCall(t *testing.T) {
	p, err := plan.New("certify", []plan.Step{
		plan.Attach("registry", "BadgeRegistry", "0x812CD0fdBddA06748DAd23Fa0614b1A13920dC96"),
		plan.Configure("certify", "registry", "setCertifiedRegistry(address,bool)",
			plan.Literal("0x59C98aA670497D5795Eccc154015d2a7Ce76b8dd"), plan.Literal(true)),
	})
	require.NoError(t, err)

	gw := newFakeGateway()
	result, err := newTestExecutor(gw, &fakeSleeper{}).Execute(context.Background(), p, ledger.New())
	require.NoError(t, err)

	addr, _ := result.Ledger.Address("registry")
	assert.Equal(t, "0x812CD0fdBddA06748DAd23Fa0614b1A13920dC96", addr)
	require.Len(t, gw.calls, 1)
	assert.Equal(t, "invoke", gw.calls[0].op)
	assert.Equal(t, "BadgeRegistry", gw.calls[0].component)
	assert.Equal(t, []interface{}{"0x59C98aA670497D5795Eccc154015d2a7Ce76b8dd", true}, gw.calls[0].args)
}

func TestExecute_UnresolvedDependencyIsFatal(t *testing.T) {
	gw := newFakeGateway("0xB")
	l := ledger.New()
	// A seeded outcome without an address cannot satisfy a reference.
	require.NoError(t, l.Seed(ledger.Outcome{StepID: "registry"}))

	result, err := newTestExecutor(gw, &fakeSleeper{}, func(o *Options) {
		o.Retry = RetryPolicy{Attempts: 3}
	}).Execute(context.Background(), registryPlan(t), l)

	require.Error(t, err)
	assert.True(t, chainerrors.Is(err, chainerrors.ErrCodeUnresolvedDependency))
	assert.Equal(t, "factory", result.FailedStep)
	assert.Empty(t, gw.calls)
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	gw.createErr["Factory"] = []error{gateway.Transient(errors.New("connection refused"))}

	sleeper := &fakeSleeper{}
	var events []Event
	result, err := newTestExecutor(gw, sleeper, func(o *Options) {
		o.Retry = RetryPolicy{Attempts: 2, Backoff: time.Second}
		o.OnEvent = func(e Event) { events = append(events, e) }
	}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.StepResults[1].Attempts)
	assert.Equal(t, []time.Duration{DefaultPacing, time.Second, DefaultPacing}, sleeper.waits)

	var retried bool
	for _, e := range events {
		if e.Status == StatusRetrying {
			retried = true
			assert.Equal(t, "factory", e.StepID)
			assert.Equal(t, 2, e.Attempt)
		}
	}
	assert.True(t, retried)
}

func TestExecute_DoesNotRetryByDefault(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	gw.createErr["Registry"] = []error{gateway.Transient(errors.New("connection refused"))}

	_, err := newTestExecutor(gw, &fakeSleeper{}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.Error(t, err)
	assert.Len(t, gw.calls, 1)
}

func TestExecute_DoesNotRetrySubmittedFailures(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	gw.invokeErr["setFactory"] = errors.New("transaction reverted")

	result, err := newTestExecutor(gw, &fakeSleeper{}, func(o *Options) {
		o.Retry = RetryPolicy{Attempts: 5}
	}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.Error(t, err)

	assert.Len(t, gw.calls, 3)
	assert.Equal(t, "set-factory", result.FailedStep)
	assert.Equal(t, 2, result.Ledger.Len())
}

func TestExecute_EventsInOrder(t *testing.T) {
	l := ledger.New()
	require.NoError(t, l.Seed(ledger.Outcome{StepID: "registry", Address: "0xA"}))

	var got []string
	_, err := newTestExecutor(newFakeGateway("0xB"), &fakeSleeper{}, func(o *Options) {
		o.OnEvent = func(e Event) { got = append(got, e.StepID+":"+string(e.Status)) }
	}).Execute(context.Background(), registryPlan(t), l)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"registry:skipped",
		"factory:started",
		"factory:completed",
		"set-factory:started",
		"set-factory:completed",
	}, got)
}

func TestExecute_CheckpointAfterEachRecord(t *testing.T) {
	var sizes []int
	cp := CheckpointFunc(func(ctx context.Context, l *ledger.Ledger) error {
		sizes = append(sizes, l.Len())
		return nil
	})

	_, err := newTestExecutor(newFakeGateway("0xA", "0xB"), &fakeSleeper{}, func(o *Options) {
		o.Checkpointer = cp
	}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, sizes)
}

func TestExecute_CheckpointFailureAborts(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	cp := CheckpointFunc(func(ctx context.Context, l *ledger.Ledger) error {
		return errors.New("bucket unavailable")
	})

	result, err := newTestExecutor(gw, &fakeSleeper{}, func(o *Options) {
		o.Checkpointer = cp
	}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.Error(t, err)

	assert.True(t, chainerrors.Is(err, chainerrors.ErrCodeBackend))
	assert.Len(t, gw.calls, 1)
	// The confirmed outcome stays in the returned ledger.
	assert.True(t, result.Ledger.Has("registry"))
}

func TestExecute_CancelDuringPacing(t *testing.T) {
	gw := newFakeGateway("0xA", "0xB")
	sleeper := &fakeSleeper{err: context.Canceled}

	result, err := newTestExecutor(gw, sleeper).Execute(context.Background(), registryPlan(t), ledger.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, result.Success)
	assert.Equal(t, 1, result.Ledger.Len())
	assert.Len(t, gw.calls, 1)
}

func TestExecute_ZeroPacing(t *testing.T) {
	sleeper := &fakeSleeper{}
	_, err := newTestExecutor(newFakeGateway("0xA", "0xB"), sleeper, func(o *Options) {
		o.Pacing = 0
	}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.NoError(t, err)
	assert.Empty(t, sleeper.waits)
}

func TestExecute_RealSleepHonoursPacing(t *testing.T) {
	opts := DefaultOptions()
	opts.Pacing = 20 * time.Millisecond

	start := time.Now()
	_, err := NewExecutor(newFakeGateway("0xA", "0xB"), opts).Execute(context.Background(), registryPlan(t), ledger.New())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestExecute_MissingAddressFromGateway(t *testing.T) {
	gw := newFakeGateway("")
	_, err := newTestExecutor(gw, &fakeSleeper{}).Execute(context.Background(), registryPlan(t), ledger.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "returned no address")
}
