package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepOnce_CancelsOnlyExpired(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := inventory.NewMemoryLedger(testProducts()...)
	store := orders.NewMemoryStore(ledger, clock)
	coord := NewCoordinator(store, ledger, nil, nil)
	sw := NewSweeper(store, coord, SweeperConfig{Batch: 10, Concurrency: 4}, clock, nil)
	ctx := context.Background()

	short1, err := store.Create(ctx, []inventory.Line{{ProductID: "p2", Qty: 1}}, time.Minute)
	require.NoError(t, err)
	short2, err := store.Create(ctx, []inventory.Line{{ProductID: "p2", Qty: 2}}, time.Minute)
	require.NoError(t, err)
	long, err := store.Create(ctx, []inventory.Line{{ProductID: "p2", Qty: 3}}, 10*time.Minute)
	require.NoError(t, err)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Minute)
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{short1.ID, short2.ID} {
		o, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, orders.StatusCancelled, o.Status)
		assert.Equal(t, ReasonExpired, o.CancellationReason)
	}
	o, err := store.Get(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPending, o.Status)
	stock, _ := ledger.Stock("p2")
	assert.Equal(t, 7, stock)

	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds nothing left")
}

func TestSweepOnce_RespectsBatch(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := inventory.NewMemoryLedger(testProducts()...)
	store := orders.NewMemoryStore(ledger, clock)
	sw := NewSweeper(store, NewCoordinator(store, ledger, nil, nil), SweeperConfig{Batch: 2}, clock, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, []inventory.Line{{ProductID: "p2", Qty: 1}}, time.Minute)
		require.NoError(t, err)
	}
	clock.Advance(time.Hour)

	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := store.ListExpired(ctx, clock.Now(), 100)
	require.NoError(t, err)
	assert.Len(t, left, 3)
}

func TestSweepOnce_SkipsOrdersAlreadyConfirmed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	ledger := inventory.NewMemoryLedger(testProducts()...)
	store := orders.NewMemoryStore(ledger, clock)
	coord := NewCoordinator(store, ledger, nil, nil)
	sw := NewSweeper(store, coord, SweeperConfig{}, clock, nil)
	ctx := context.Background()
	o, err := store.Create(ctx, []inventory.Line{{ProductID: "p1", Qty: 1}}, time.Minute)
	require.NoError(t, err)
	_, err = coord.Confirm(ctx, o.ID)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	n, err := sw.SweepOnce(ctx)

	require.NoError(t, err)
	assert.Zero(t, n)
	stock, _ := ledger.Stock("p1")
	assert.Equal(t, 1, stock)
}
