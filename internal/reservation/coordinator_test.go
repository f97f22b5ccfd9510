package reservation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type coordFixture struct {
	clock  *clockwork.FakeClock
	ledger *inventory.MemoryLedger
	count  *countingLedger
	store  *orders.MemoryStore
	timers *Timers
	coord  *Coordinator
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	ledger := inventory.NewMemoryLedger(testProducts()...)
	count := newCountingLedger(ledger)
	store := orders.NewMemoryStore(ledger, clock)
	timers := NewTimers(clock, nil)
	return &coordFixture{
		clock:  clock,
		ledger: ledger,
		count:  count,
		store:  store,
		timers: timers,
		coord:  NewCoordinator(store, count, timers, nil),
	}
}

func (f *coordFixture) create(t *testing.T, lines ...inventory.Line) *orders.Order {
	t.Helper()
	o, err := f.store.Create(context.Background(), lines, 15*time.Minute)
	require.NoError(t, err)
	return o
}

func (f *coordFixture) stock(t *testing.T, id string) int {
	t.Helper()
	n, ok := f.ledger.Stock(id)
	require.True(t, ok)
	return n
}

func TestCancel_ReleasesStock(t *testing.T) {
	f := newCoordFixture(t)
	o := f.create(t, inventory.Line{ProductID: "p1", Qty: 2}, inventory.Line{ProductID: "p2", Qty: 3})
	require.Equal(t, 0, f.stock(t, "p1"))

	res, err := f.coord.Cancel(context.Background(), o.ID, "user")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	require.NotNil(t, res.Order)
	assert.Equal(t, orders.StatusCancelled, res.Order.Status)
	assert.Equal(t, orders.PaymentCancelled, res.Order.PaymentStatus)
	assert.Equal(t, "user", res.Order.CancellationReason)
	assert.NotNil(t, res.Order.CancelledAt)
	assert.Empty(t, res.Unreleased)
	assert.Equal(t, 2, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))
}

func TestCancel_ExactlyOnceUnderContention(t *testing.T) {
	f := newCoordFixture(t)
	o := f.create(t, inventory.Line{ProductID: "p1", Qty: 2}, inventory.Line{ProductID: "p2", Qty: 4})
	f.timers.Start(o.ID, o.ExpiresAt, func(string) {})

	const callers = 32
	outcomes := make([]Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.coord.Cancel(context.Background(), o.ID, "race")
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, oc := range outcomes {
		switch oc {
		case OutcomeCancelled:
			winners++
		case OutcomeAlreadyTerminal:
		default:
			t.Fatalf("unexpected outcome %q", oc)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, f.count.Releases(o.ID))
	assert.Equal(t, 2, f.ledger.Credits(o.ID))
	assert.Equal(t, 2, f.stock(t, "p1"))
	assert.Equal(t, 10, f.stock(t, "p2"))
	assert.False(t, f.timers.Active(o.ID))
}

func TestCancel_NotFound(t *testing.T) {
	f := newCoordFixture(t)

	res, err := f.coord.Cancel(context.Background(), "does-not-exist", "user")

	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
	assert.Nil(t, res.Order)
	assert.Zero(t, f.count.Releases("does-not-exist"))
}

func TestCancel_AfterConfirmLeavesStock(t *testing.T) {
	f := newCoordFixture(t)
	o := f.create(t, inventory.Line{ProductID: "p1", Qty: 1})

	res, err := f.coord.Confirm(context.Background(), o.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeConfirmed, res.Outcome)
	assert.Equal(t, orders.PaymentPaid, res.Order.PaymentStatus)
	assert.NotNil(t, res.Order.ConfirmedAt)

	res, err = f.coord.Cancel(context.Background(), o.ID, "user")

	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, res.Outcome)
	assert.Equal(t, orders.StatusConfirmed, res.Order.Status)
	assert.Equal(t, 1, f.stock(t, "p1"))
	assert.Zero(t, f.count.Releases(o.ID))
}

func TestConfirm_AfterCancel(t *testing.T) {
	f := newCoordFixture(t)
	o := f.create(t, inventory.Line{ProductID: "p1", Qty: 1})
	_, err := f.coord.Cancel(context.Background(), o.ID, "user")
	require.NoError(t, err)

	res, err := f.coord.Confirm(context.Background(), o.ID)

	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyTerminal, res.Outcome)
	assert.Equal(t, orders.StatusCancelled, res.Order.Status)
}

func TestConfirm_NotFound(t *testing.T) {
	f := newCoordFixture(t)

	res, err := f.coord.Confirm(context.Background(), "nope")

	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, res.Outcome)
}

func TestCancel_PartialReleaseStillCancels(t *testing.T) {
	f := newCoordFixture(t)
	o := f.create(t, inventory.Line{ProductID: "p1", Qty: 1}, inventory.Line{ProductID: "p2", Qty: 2})
	f.ledger.Delete("p1")

	res, err := f.coord.Cancel(context.Background(), o.ID, "user")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, orders.StatusCancelled, res.Order.Status)
	require.Len(t, res.Unreleased, 1)
	assert.Equal(t, "p1", res.Unreleased[0].ProductID)
	assert.ErrorIs(t, res.Unreleased[0].Err, inventory.ErrProductNotFound)
	assert.Equal(t, 10, f.stock(t, "p2"))
}

func TestCancel_CallerContextCancelledAfterWin(t *testing.T) {
	f := newCoordFixture(t)
	o := f.create(t, inventory.Line{ProductID: "p2", Qty: 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.coord.Cancel(ctx, o.ID, "user")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, 10, f.stock(t, "p2"))
}

func TestStockRoundTrip(t *testing.T) {
	f := newCoordFixture(t)
	before := map[string]int{"p1": f.stock(t, "p1"), "p2": f.stock(t, "p2")}

	for i := 0; i < 5; i++ {
		o := f.create(t, inventory.Line{ProductID: "p1", Qty: 1}, inventory.Line{ProductID: "p2", Qty: 2})
		_, err := f.coord.Cancel(context.Background(), o.ID, "user")
		require.NoError(t, err)
		// a second cancel must not credit again
		_, err = f.coord.Cancel(context.Background(), o.ID, "user")
		require.NoError(t, err)
	}

	assert.Equal(t, before["p1"], f.stock(t, "p1"))
	assert.Equal(t, before["p2"], f.stock(t, "p2"))
}
