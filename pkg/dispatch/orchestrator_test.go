package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zen-systems/taskroute/pkg/adapter"
	"github.com/zen-systems/taskroute/pkg/complexity"
	"github.com/zen-systems/taskroute/pkg/kv"
	"github.com/zen-systems/taskroute/pkg/ledger"
	"github.com/zen-systems/taskroute/pkg/registry"
	"github.com/zen-systems/taskroute/pkg/selector"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const extremeTask = "design a distributed caching system with LRU eviction and write-through persistence, then benchmark it"

type fixture struct {
	o   *Orchestrator
	reg *registry.Registry
	led *ledger.Ledger
}

func setup(t *testing.T, led *ledger.Ledger, opts []Option, adapters ...adapter.Adapter) fixture {
	t.Helper()
	if led == nil {
		led = ledger.New()
	}
	reg := registry.New()
	for _, a := range adapters {
		require.NoError(t, reg.Register(context.Background(), a))
	}
	cfg := selector.DefaultConfig()
	cfg.Seed = 7
	sel, err := selector.New(cfg, led)
	require.NoError(t, err)
	return fixture{
		o:   New(complexity.Default(), reg, sel, led, opts...),
		reg: reg,
		led: led,
	}
}

// preferred scores well on simple tasks; plain is its runner-up.
func twoModels() *adapter.MockAdapter {
	return adapter.NewMockAdapter("mock",
		adapter.ModelDescriptor{Name: "preferred", Size: adapter.SizeSmall, Capabilities: []string{"general", "fast", "efficient", "lightweight"}},
		adapter.ModelDescriptor{Name: "plain", Size: adapter.SizeSmall, Capabilities: []string{"general"}},
	)
}

func unreachable(model string) error {
	return adapter.NewError(adapter.KindUnreachable, "mock", model, errors.New("connection refused"))
}

func TestSubmitSucceeds(t *testing.T) {
	f := setup(t, nil, nil, adapter.NewMockAdapter(""))

	res, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{MaxFallbacks: 1})
	require.NoError(t, err)

	assert.NotEmpty(t, res.ID)
	assert.Equal(t, complexity.Simple, res.Tier)
	assert.Equal(t, "mock/mock-1", res.Model.ID)
	assert.Equal(t, "mock/mock-1", res.Response.ModelID)
	assert.Contains(t, res.Response.Text, "hello")
	assert.Equal(t, []State{StateClassifying, StateSelecting, StateActivating, StateGenerating, StateSucceeded}, res.States)
	require.Len(t, res.Attempts, 1)
	assert.True(t, res.Attempts[0].Success)

	samples := f.led.Samples("mock/mock-1")
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Success)
	assert.NotNil(t, samples[0].TokenEfficiency)

	m, ok := f.reg.Model("mock/mock-1")
	require.True(t, ok)
	assert.Equal(t, adapter.StatusReady, m.Status)

	res, err = f.o.Submit(context.Background(), complexity.Task{Text: "hello again"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, []State{StateClassifying, StateSelecting, StateGenerating, StateSucceeded}, res.States, "ready models skip activation")
}

func TestTimeoutThenFallback(t *testing.T) {
	mock := twoModels().Script("preferred", adapter.MockStep{Delay: 2 * time.Second})
	f := setup(t, nil, nil, mock)

	res, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{
		Timeout:      100 * time.Millisecond,
		MaxFallbacks: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, "mock/plain", res.Model.ID)
	assert.Equal(t, []State{
		StateClassifying, StateSelecting, StateActivating, StateGenerating, StateRetrying,
		StateSelecting, StateActivating, StateGenerating, StateSucceeded,
	}, res.States)
	require.Len(t, res.Attempts, 2)
	assert.Equal(t, adapter.KindTimeout, res.Attempts[0].Kind)
	assert.True(t, res.Attempts[1].Success)

	failed := f.led.Samples("mock/preferred")
	require.Len(t, failed, 1)
	assert.False(t, failed[0].Success)
	assert.Equal(t, adapter.KindTimeout, failed[0].ErrorKind)
	ok := f.led.Samples("mock/plain")
	require.Len(t, ok, 1)
	assert.True(t, ok[0].Success)

	m, _ := f.reg.Model("mock/preferred")
	assert.NotEqual(t, adapter.StatusUnreachable, m.Status, "timeouts do not remove a model")
}

func TestUnreachableOnlyPool(t *testing.T) {
	f := setup(t, nil, nil, adapter.NewMockAdapter(""))
	require.NoError(t, f.reg.SetStatus("mock/mock-1", adapter.StatusUnreachable))

	_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{MaxFallbacks: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEligibleCandidates)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindNoEligibleCandidates, derr.Kind)
	assert.Empty(t, derr.Attempts)
	assert.Equal(t, []State{StateClassifying, StateSelecting, StateFailed}, derr.States)
	assert.Zero(t, f.led.Len("mock/mock-1"))
}

func TestAllFallbacksExhausted(t *testing.T) {
	mock := twoModels().
		Script("preferred", adapter.MockStep{Err: unreachable("preferred")}).
		Script("plain", adapter.MockStep{Err: unreachable("plain")})
	f := setup(t, nil, nil, mock)

	_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{MaxFallbacks: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFallbacksExhausted)
	assert.Contains(t, err.Error(), "mock/preferred")
	assert.Contains(t, err.Error(), "mock/plain")

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindAllFallbacksExhausted, derr.Kind)
	require.Len(t, derr.Attempts, 2)
	assert.Equal(t, StateFailed, derr.States[len(derr.States)-1])

	for _, id := range []string{"mock/preferred", "mock/plain"} {
		m, _ := f.reg.Model(id)
		assert.Equal(t, adapter.StatusUnreachable, m.Status)
		require.Len(t, f.led.Samples(id), 1)
		assert.Equal(t, adapter.KindUnreachable, f.led.Samples(id)[0].ErrorKind)
	}
}

func TestFallbackBound(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"zero fallbacks", Options{MaxFallbacks: 0}},
		{"fallback disabled", Options{MaxFallbacks: 3, DisableFallback: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := twoModels().Script("preferred", adapter.MockStep{Err: unreachable("preferred")})
			f := setup(t, nil, nil, mock)

			_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, tt.opts)
			var derr *DispatchError
			require.ErrorAs(t, err, &derr)
			assert.Len(t, derr.Attempts, 1)
			assert.Zero(t, mock.Calls("plain"))
		})
	}
}

func TestInvalidOptions(t *testing.T) {
	f := setup(t, nil, nil, adapter.NewMockAdapter(""))
	for _, opts := range []Options{
		{MaxFallbacks: -1},
		{MaxFallbacks: MaxFallbacksLimit + 1},
		{Timeout: -time.Second},
	} {
		_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, opts)
		assert.ErrorIs(t, err, ErrInvalidOptions)
	}
}

func TestAuthErrorNotRetriedOnSameModel(t *testing.T) {
	mock := twoModels().Script("preferred",
		adapter.MockStep{Err: adapter.StatusError("mock", "preferred", 401, errors.New("bad key"))},
		adapter.MockStep{Text: "recovered"},
	)
	f := setup(t, nil, nil, mock)

	res, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{MaxFallbacks: 3})
	require.NoError(t, err)
	assert.Equal(t, "mock/plain", res.Model.ID)
	assert.Equal(t, 1, mock.Calls("preferred"))
	assert.Equal(t, adapter.KindAuth, res.Attempts[0].Kind)

	m, _ := f.reg.Model("mock/preferred")
	assert.Equal(t, adapter.StatusReady, m.Status, "auth failures leave health untouched")

	res, err = f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{MaxFallbacks: 3})
	require.NoError(t, err)
	assert.Contains(t, []string{"mock/preferred", "mock/plain"}, res.Model.ID)
}

func TestActivationFailure(t *testing.T) {
	mock := twoModels().FailActivation("preferred", unreachable("preferred"))
	f := setup(t, nil, nil, mock)

	res, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{MaxFallbacks: 1})
	require.NoError(t, err)
	assert.Equal(t, "mock/plain", res.Model.ID)
	assert.Zero(t, mock.Calls("preferred"))

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, StateActivating, res.Attempts[0].Phase)
	assert.Equal(t, adapter.KindUnreachable, res.Attempts[0].Kind)

	m, _ := f.reg.Model("mock/preferred")
	assert.Equal(t, adapter.StatusUnreachable, m.Status)
	require.Len(t, f.led.Samples("mock/preferred"), 1)
}

func TestParentCancellationStopsFallback(t *testing.T) {
	mock := twoModels().Script("preferred", adapter.MockStep{Delay: 2 * time.Second})
	f := setup(t, nil, nil, mock)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(50*time.Millisecond, cancel)
	defer timer.Stop()

	_, err := f.o.Submit(ctx, complexity.Task{Text: "hello"}, Options{MaxFallbacks: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrAllFallbacksExhausted)

	var derr *DispatchError
	require.ErrorAs(t, err, &derr)
	require.Len(t, derr.Attempts, 1)
	assert.Equal(t, adapter.KindTimeout, derr.Attempts[0].Kind)
	assert.Zero(t, mock.Calls("plain"))

	samples := f.led.Samples("mock/preferred")
	require.Len(t, samples, 1)
	assert.Equal(t, adapter.KindTimeout, samples[0].ErrorKind)
}

func TestStreamFallsBackToGenerate(t *testing.T) {
	mock := adapter.NewMockAdapter("").Script("mock-1", adapter.MockStep{Text: "one two three"})
	f := setup(t, nil, nil, mock)

	var chunks []string
	res, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{
		Sink: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one two three"}, chunks)
	assert.Equal(t, "one two three", res.Response.Text)
}

func TestStream(t *testing.T) {
	mock := adapter.NewMockAdapter("").WithStreaming().Script("mock-1", adapter.MockStep{Text: "one two three"})
	f := setup(t, nil, nil, mock)

	var chunks []string
	res, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{
		Sink: func(s string) error {
			chunks = append(chunks, s)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one ", "two ", "three"}, chunks)
	assert.Equal(t, "one two three", res.Response.Text)
	assert.Equal(t, "mock/mock-1", res.Response.ModelID)
}

func TestSinkErrorEndsSubmission(t *testing.T) {
	mock := twoModels()
	f := setup(t, nil, nil, mock)
	closed := errors.New("client went away")

	_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{
		MaxFallbacks: 3,
		Sink:         func(string) error { return closed },
	})
	assert.ErrorIs(t, err, closed)
	assert.Zero(t, mock.Calls("plain"))
	assert.Zero(t, f.led.Len("mock/preferred"), "sink failures are not the model's fault")

	m, _ := f.reg.Model("mock/preferred")
	assert.Equal(t, adapter.StatusReady, m.Status)
}

type gatedAdapter struct {
	*adapter.MockAdapter
	entered chan struct{}
	release chan struct{}
	count   atomic.Int32
}

func (g *gatedAdapter) Activate(ctx context.Context, _ adapter.ModelDescriptor) error {
	if g.count.Add(1) == 1 {
		close(g.entered)
	}
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestConcurrentActivationDeduplicated(t *testing.T) {
	g := &gatedAdapter{
		MockAdapter: adapter.NewMockAdapter(""),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	f := setup(t, nil, nil, g)
	model, ok := f.reg.Model("mock/mock-1")
	require.True(t, ok)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.o.activate(context.Background(), g, model)
		}()
	}

	<-g.entered
	time.Sleep(50 * time.Millisecond)
	close(g.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), g.count.Load())
}

func TestUsageIncrementsPerDispatch(t *testing.T) {
	f := setup(t, nil, nil, adapter.NewMockAdapter(""))
	for i := 0; i < 3; i++ {
		_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{})
		require.NoError(t, err)
	}
	assert.Equal(t, int64(3), f.led.Usage("mock/mock-1"))
}

func TestIncompatiblePoolFallsBackToHealthy(t *testing.T) {
	mock := adapter.NewMockAdapter("mock", adapter.ModelDescriptor{Name: "tiny", Size: adapter.SizeSmall, Capabilities: []string{"fast"}})
	f := setup(t, nil, nil, mock)

	res, err := f.o.Submit(context.Background(), complexity.Task{Text: extremeTask}, Options{})
	require.NoError(t, err)
	assert.Equal(t, complexity.Extreme, res.Tier)
	assert.Equal(t, "mock/tiny", res.Model.ID)
	assert.True(t, strings.HasPrefix(res.Response.Text, "mock response:"))
}

func TestFeedback(t *testing.T) {
	f := setup(t, nil, nil, adapter.NewMockAdapter(""))
	require.NoError(t, f.o.Feedback(context.Background(), "mock/mock-1", complexity.Simple, 0.9))

	agg := f.led.Aggregate("mock/mock-1", complexity.Simple)
	require.NotNil(t, agg.AvgSatisfaction)
	assert.InDelta(t, 0.9, *agg.AvgSatisfaction, 1e-9)

	assert.ErrorIs(t, f.o.Feedback(context.Background(), "mock/mock-1", complexity.Simple, 2), ledger.ErrInvalidFeedback)
}

type brokenStore struct{ kv.Store }

func (brokenStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestFlushFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	led := ledger.New(ledger.WithStore(brokenStore{kv.NewMemory()}))
	f := setup(t, led, []Option{WithLogger(zap.New(core))}, adapter.NewMockAdapter(""))

	_, err := f.o.Submit(context.Background(), complexity.Task{Text: "hello"}, Options{})
	require.NoError(t, err, "persistence failures never fail a submission")
	assert.Equal(t, 1, logs.FilterMessage("ledger flush failed").Len())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, validTransition("", StateClassifying))
	assert.True(t, validTransition(StateRetrying, StateSelecting))
	assert.False(t, validTransition(StateSucceeded, StateSelecting))
	assert.False(t, validTransition(StateClassifying, StateGenerating))
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRetrying.Terminal())
}
