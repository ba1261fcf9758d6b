package signin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/purchases"
	"github.com/fyrsmithlabs/gatherd/internal/transform"
)

// fakeCaller scripts connector responses: a number of transient
// failures, then pending polls, then the terminal status and data.
type fakeCaller struct {
	mu            sync.Mutex
	transientErrs int
	pendingPolls  int
	dataPayload   map[string]any
	calls         []string
}

func (f *fakeCaller) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)

	switch name {
	case "poll_signin", "check_signin":
		if f.transientErrs > 0 {
			f.transientErrs--
			return nil, errors.New("transport hiccup")
		}
		if f.pendingPolls > 0 {
			f.pendingPolls--
			return structured(map[string]any{"status": "RUNNING"}), nil
		}
		if name == "check_signin" {
			return structured(map[string]any{"status": "SUCCESS"}), nil
		}
		return structured(map[string]any{"status": "FINISHED"}), nil
	default:
		return structured(f.dataPayload), nil
	}
}

func structured(m map[string]any) *mcp.CallToolResult {
	return &mcp.CallToolResult{StructuredContent: m}
}

// recordingEmitter captures event names in emission order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(ctx context.Context, event string, props map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEmitter) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func testBrand() brand.Config {
	return brand.Config{
		BrandID:   "amazon",
		BrandName: "Amazon",
		Tools:     []string{"amazon_get_purchase_history"},
		DataTransform: transform.Schema{
			FieldMappings: []transform.FieldMapping{
				{OutputKey: "order_id", SourcePath: "id"},
				{OutputKey: "order_total", SourcePath: "total"},
			},
		},
	}
}

func testConfig(caller *fakeCaller, emitter analytics.Emitter, variant Variant) Config {
	return Config{
		Brand: testBrand(),
		Initiator: InitiatorFunc(func(ctx context.Context, b brand.Config) (Descriptor, error) {
			return Descriptor{
				Variant:   variant,
				LinkID:    "lnk-1",
				SigninURL: "https://connector.example/signin/lnk-1",
			}, nil
		}),
		Caller:        caller,
		Engine:        transform.NewEngine(zap.NewNop()),
		Analytics:     emitter,
		PollInterval:  time.Millisecond,
		ResourceDelay: time.Millisecond,
		MaxBackoff:    5 * time.Millisecond,
		MaxWait:       5 * time.Second,
	}
}

func TestFlow_Run_Completes(t *testing.T) {
	caller := &fakeCaller{
		pendingPolls: 2,
		dataPayload: map[string]any{
			"extract_result": []any{
				map[string]any{"id": "ord-1", "total": "19.99"},
			},
		},
	}
	emitter := &recordingEmitter{}
	cfg := testConfig(caller, emitter, VariantHosted)

	var gotBrand string
	var gotOrders []purchases.PurchaseHistory
	cfg.OnData = func(brandName string, orders []purchases.PurchaseHistory) {
		gotBrand = brandName
		gotOrders = orders
	}

	flow, err := NewFlow(cfg)
	require.NoError(t, err)

	orders, err := flow.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ord-1", orders[0].OrderID)
	assert.Equal(t, "Amazon", orders[0].Brand)

	state := flow.State()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 2, state.Polls)
	assert.False(t, flow.Busy())

	assert.Equal(t, "Amazon", gotBrand)
	assert.Equal(t, orders, gotOrders)

	assert.Equal(t, []string{
		analytics.EventConnectionAttempt,
		analytics.EventConnectionSuccessful,
		analytics.EventBrandConnected,
		analytics.EventDataRetrievedSuccessful,
	}, emitter.names())
}

func TestFlow_Run_InitiationDataCompletesWithoutPolling(t *testing.T) {
	// A warm session returns the records straight from initiation; the
	// flow must not poll a sign-in link that was never issued.
	caller := &fakeCaller{}
	emitter := &recordingEmitter{}
	cfg := testConfig(caller, emitter, VariantForm)
	cfg.Initiator = InitiatorFunc(func(ctx context.Context, b brand.Config) (Descriptor, error) {
		return Descriptor{
			Variant: VariantForm,
			Content: []any{
				map[string]any{"id": "ord-1", "total": "19.99"},
			},
		}, nil
	})
	cfg.MaxWait = 50 * time.Millisecond

	flow, err := NewFlow(cfg)
	require.NoError(t, err)

	orders, err := flow.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "ord-1", orders[0].OrderID)

	state := flow.State()
	assert.Equal(t, PhaseCompleted, state.Phase)
	assert.Equal(t, 0, state.Polls)
	assert.Empty(t, caller.calls)

	assert.Equal(t, []string{
		analytics.EventConnectionAttempt,
		analytics.EventConnectionSuccessful,
		analytics.EventBrandConnected,
		analytics.EventDataRetrievedSuccessful,
	}, emitter.names())
}

func TestFlow_Run_ResourceVariantChecksSignin(t *testing.T) {
	caller := &fakeCaller{
		dataPayload: map[string]any{"extract_result": []any{}},
	}
	flow, err := NewFlow(testConfig(caller, analytics.NopEmitter{}, VariantResource))
	require.NoError(t, err)

	_, err = flow.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, flow.State().Phase)
	assert.Contains(t, caller.calls, "check_signin")
	assert.NotContains(t, caller.calls, "poll_signin")
}

func TestFlow_Run_SwallowsTransientPollErrors(t *testing.T) {
	caller := &fakeCaller{
		transientErrs: 2,
		pendingPolls:  1,
		dataPayload:   map[string]any{"extract_result": []any{}},
	}
	emitter := &recordingEmitter{}
	flow, err := NewFlow(testConfig(caller, emitter, VariantHosted))
	require.NoError(t, err)

	_, err = flow.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseCompleted, flow.State().Phase)
	assert.NotContains(t, emitter.names(), analytics.EventConnectionFailed)
}

func TestFlow_Run_InitiationFailure(t *testing.T) {
	emitter := &recordingEmitter{}
	cfg := testConfig(&fakeCaller{}, emitter, VariantHosted)
	cfg.Initiator = InitiatorFunc(func(ctx context.Context, b brand.Config) (Descriptor, error) {
		return Descriptor{}, errors.New("connector unreachable")
	})

	flow, err := NewFlow(cfg)
	require.NoError(t, err)

	_, err = flow.Run(context.Background())
	require.Error(t, err)

	state := flow.State()
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, "could not reach Amazon", state.Reason)
	assert.Equal(t, []string{
		analytics.EventConnectionAttempt,
		analytics.EventConnectionFailed,
	}, emitter.names())
}

func TestFlow_Run_PollTimeout(t *testing.T) {
	caller := &fakeCaller{pendingPolls: 1 << 30}
	emitter := &recordingEmitter{}
	cfg := testConfig(caller, emitter, VariantHosted)
	cfg.PollInterval = 2 * time.Millisecond
	cfg.MaxWait = 30 * time.Millisecond

	flow, err := NewFlow(cfg)
	require.NoError(t, err)

	_, err = flow.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollTimeout)

	state := flow.State()
	assert.Equal(t, PhaseFailed, state.Phase)
	assert.Equal(t, "sign-in timed out", state.Reason)
	assert.Contains(t, emitter.names(), analytics.EventConnectionFailed)
}

func TestFlow_Run_Cancelled(t *testing.T) {
	caller := &fakeCaller{pendingPolls: 1 << 30}
	cfg := testConfig(caller, analytics.NopEmitter{}, VariantHosted)
	cfg.PollInterval = 2 * time.Millisecond

	flow, err := NewFlow(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, runErr := flow.Run(ctx)
		done <- runErr
	}()

	require.Eventually(t, flow.Busy, time.Second, time.Millisecond)
	cancel()

	select {
	case runErr := <-done:
		assert.ErrorIs(t, runErr, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	// Cancellation discards the attempt without reaching a terminal
	// phase.
	assert.False(t, flow.Busy())
	assert.False(t, flow.State().Phase.Terminal())
}

func TestFlow_Run_SecondRunIsBusy(t *testing.T) {
	caller := &fakeCaller{pendingPolls: 1 << 30}
	cfg := testConfig(caller, analytics.NopEmitter{}, VariantHosted)
	cfg.PollInterval = 2 * time.Millisecond

	flow, err := NewFlow(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go flow.Run(ctx)

	require.Eventually(t, flow.Busy, time.Second, time.Millisecond)
	_, err = flow.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
}

func TestNewFlow_Validation(t *testing.T) {
	base := testConfig(&fakeCaller{}, analytics.NopEmitter{}, VariantHosted)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"invalid brand", func(c *Config) { c.Brand = brand.Config{} }},
		{"missing initiator", func(c *Config) { c.Initiator = nil }},
		{"missing caller", func(c *Config) { c.Caller = nil }},
		{"missing engine", func(c *Config) { c.Engine = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			_, err := NewFlow(cfg)
			assert.Error(t, err)
		})
	}
}
