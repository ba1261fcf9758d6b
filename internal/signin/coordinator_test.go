package signin

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/gatherd/internal/analytics"
	"github.com/fyrsmithlabs/gatherd/internal/brand"
	"github.com/fyrsmithlabs/gatherd/internal/purchases"
)

func testCoordinator(t *testing.T, caller *fakeCaller) (*Coordinator, *atomic.Int32) {
	t.Helper()

	var builds atomic.Int32
	coord := NewCoordinator(func(b brand.Config) (*Flow, error) {
		builds.Add(1)
		cfg := testConfig(caller, analytics.NopEmitter{}, VariantHosted)
		cfg.Brand = b
		return NewFlow(cfg)
	})
	return coord, &builds
}

func TestCoordinator_Open_RunsToCompletion(t *testing.T) {
	caller := &fakeCaller{
		dataPayload: map[string]any{
			"extract_result": []any{map[string]any{"id": "ord-1"}},
		},
	}
	coord, builds := testCoordinator(t, caller)

	done := make(chan []purchases.PurchaseHistory, 1)
	flow, started, err := coord.Open(context.Background(), testBrand(), func(orders []purchases.PurchaseHistory, runErr error) {
		require.NoError(t, runErr)
		done <- orders
	})
	require.NoError(t, err)
	require.True(t, started)
	require.NotNil(t, flow)

	select {
	case orders := <-done:
		require.Len(t, orders, 1)
		assert.Equal(t, "ord-1", orders[0].OrderID)
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not finish")
	}
	assert.Equal(t, int32(1), builds.Load())
	assert.False(t, coord.Busy())
}

func TestCoordinator_Open_SameBrandJoinsInFlightAttempt(t *testing.T) {
	caller := &fakeCaller{pendingPolls: 1 << 30}
	coord, builds := testCoordinator(t, caller)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, started, err := coord.Open(ctx, testBrand(), nil)
	require.NoError(t, err)
	require.True(t, started)
	require.Eventually(t, coord.Busy, time.Second, time.Millisecond)

	second, started, err := coord.Open(ctx, testBrand(), nil)
	require.NoError(t, err)
	assert.False(t, started, "re-opening the busy brand must not re-initiate")
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), builds.Load())
}

func TestCoordinator_Open_BrandSwitchResetsAttemptState(t *testing.T) {
	caller := &fakeCaller{
		dataPayload: map[string]any{"extract_result": []any{}},
	}
	coord, builds := testCoordinator(t, caller)

	open := func(b brand.Config) {
		t.Helper()
		done := make(chan struct{})
		_, started, err := coord.Open(context.Background(), b, func([]purchases.PurchaseHistory, error) {
			close(done)
		})
		require.NoError(t, err)
		require.True(t, started)
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("attempt did not finish")
		}
	}

	amazon := testBrand()
	wayfair := testBrand()
	wayfair.BrandID = "wayfair"
	wayfair.BrandName = "Wayfair"

	open(amazon)
	open(wayfair)
	// Coming back after a different brand starts a fresh attempt.
	open(amazon)
	assert.Equal(t, int32(3), builds.Load())

	// Re-opening the last brand reuses its flow.
	open(amazon)
	assert.Equal(t, int32(3), builds.Load())

	flow, ok := coord.Flow("wayfair")
	require.True(t, ok)
	assert.NotNil(t, flow)
}

func TestCoordinator_Open_BuilderError(t *testing.T) {
	coord := NewCoordinator(func(b brand.Config) (*Flow, error) {
		return nil, assert.AnError
	})

	_, started, err := coord.Open(context.Background(), testBrand(), nil)
	require.Error(t, err)
	assert.False(t, started)
	assert.ErrorIs(t, err, assert.AnError)
}
