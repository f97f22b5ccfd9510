package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger() *MemoryLedger {
	return NewMemoryLedger(
		Product{ID: "p1", Name: "Mug", PriceCents: 1500, Stock: 2},
		Product{ID: "p2", Name: "Tote", PriceCents: 2500, Stock: 5},
	)
}

func stockOf(t *testing.T, l *MemoryLedger, id string) int {
	t.Helper()
	s, ok := l.Stock(id)
	require.True(t, ok)
	return s
}

// ============================================
// Reserve
// ============================================

func TestMemoryLedger_Reserve_Success(t *testing.T) {
	l := newTestLedger()

	got, err := l.Reserve(context.Background(), "o1", []Line{{ProductID: "p1", Qty: 2}, {ProductID: "p2", Qty: 1}})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, Reserved{ProductID: "p1", Name: "Mug", UnitPriceCents: 1500, Qty: 2}, got[0])
	assert.Equal(t, "p2", got[1].ProductID)
	assert.Equal(t, 0, stockOf(t, l, "p1"))
	assert.Equal(t, 4, stockOf(t, l, "p2"))
}

func TestMemoryLedger_Reserve_AllOrNothing(t *testing.T) {
	l := newTestLedger()

	_, err := l.Reserve(context.Background(), "o1", []Line{{ProductID: "p2", Qty: 1}, {ProductID: "p1", Qty: 3}})

	assert.ErrorIs(t, err, ErrInsufficientStock)
	var ise *InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, "p1", ise.ProductID)
	assert.Equal(t, 3, ise.Requested)
	assert.Equal(t, 2, ise.Available)
	assert.Equal(t, 5, stockOf(t, l, "p2"), "earlier line must not stay decremented")
}

func TestMemoryLedger_Reserve_UnknownProduct(t *testing.T) {
	l := newTestLedger()

	_, err := l.Reserve(context.Background(), "o1", []Line{{ProductID: "nope", Qty: 1}})

	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestMemoryLedger_Reserve_MergesDuplicateLines(t *testing.T) {
	l := newTestLedger()

	got, err := l.Reserve(context.Background(), "o1", []Line{{ProductID: "p2", Qty: 1}, {ProductID: "p2", Qty: 2}})

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].Qty)
	assert.Equal(t, 2, stockOf(t, l, "p2"))
}

func TestMemoryLedger_Reserve_NoOversellUnderConcurrency(t *testing.T) {
	l := NewMemoryLedger(Product{ID: "p1", Stock: 10})
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := l.Reserve(context.Background(), string(rune('a'+i)), []Line{{ProductID: "p1", Qty: 1}}); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, 0, stockOf(t, l, "p1"))
}

// ============================================
// Release / Commit
// ============================================

func TestMemoryLedger_Release_RoundTrip(t *testing.T) {
	l := newTestLedger()
	lines := []Line{{ProductID: "p1", Qty: 2}, {ProductID: "p2", Qty: 3}}
	_, err := l.Reserve(context.Background(), "o1", lines)
	require.NoError(t, err)

	require.NoError(t, l.Release(context.Background(), "o1", lines))

	assert.Equal(t, 2, stockOf(t, l, "p1"))
	assert.Equal(t, 5, stockOf(t, l, "p2"))
	assert.Equal(t, 2, l.Credits("o1"))
}

func TestMemoryLedger_Release_DuplicateDoesNotDoubleCredit(t *testing.T) {
	l := newTestLedger()
	lines := []Line{{ProductID: "p1", Qty: 2}}
	_, _ = l.Reserve(context.Background(), "o1", lines)

	require.NoError(t, l.Release(context.Background(), "o1", lines))
	require.NoError(t, l.Release(context.Background(), "o1", lines))

	assert.Equal(t, 2, stockOf(t, l, "p1"))
	assert.Equal(t, 1, l.Credits("o1"))
}

func TestMemoryLedger_Release_WithoutReservation(t *testing.T) {
	l := newTestLedger()

	err := l.Release(context.Background(), "o1", []Line{{ProductID: "p1", Qty: 1}})

	assert.ErrorIs(t, err, ErrNotReserved)
	assert.Equal(t, 2, stockOf(t, l, "p1"))
}

func TestMemoryLedger_Release_PartialFailureKeepsGoing(t *testing.T) {
	l := newTestLedger()
	lines := []Line{{ProductID: "p1", Qty: 1}, {ProductID: "p2", Qty: 2}}
	_, _ = l.Reserve(context.Background(), "o1", lines)
	l.Delete("p1")

	err := l.Release(context.Background(), "o1", lines)

	var pfe *PartialFailureError
	require.True(t, errors.As(err, &pfe))
	require.Len(t, pfe.Failures, 1)
	assert.Equal(t, "p1", pfe.Failures[0].ProductID)
	assert.ErrorIs(t, err, ErrProductNotFound)
	assert.Equal(t, 5, stockOf(t, l, "p2"))
}

func TestMemoryLedger_Commit_BlocksRelease(t *testing.T) {
	l := newTestLedger()
	lines := []Line{{ProductID: "p1", Qty: 2}}
	_, _ = l.Reserve(context.Background(), "o1", lines)

	require.NoError(t, l.Commit(context.Background(), "o1"))
	err := l.Release(context.Background(), "o1", lines)

	assert.ErrorIs(t, err, ErrNotReserved)
	assert.Equal(t, 0, stockOf(t, l, "p1"))
}

func TestNormalize(t *testing.T) {
	_, err := Normalize(nil)
	assert.ErrorIs(t, err, ErrNoLines)

	_, err = Normalize([]Line{{ProductID: "p1", Qty: 0}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	got, err := Normalize([]Line{{ProductID: "b", Qty: 1}, {ProductID: "a", Qty: 1}, {ProductID: "b", Qty: 2}})
	require.NoError(t, err)
	assert.Equal(t, []Line{{ProductID: "b", Qty: 3}, {ProductID: "a", Qty: 1}}, got)
}
