package orders

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRepo connects to TEST_POSTGRES_DSN or skips.
func newTestRepo(t *testing.T) (*Repo, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := postgres.Connect(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.Migrate(ctx, pool))
	return NewRepo(pool, nil), pool
}

func seedProduct(t *testing.T, pool *pgxpool.Pool, stock int) string {
	t.Helper()
	id := "test-" + uuid.NewString()
	_, err := pool.Exec(context.Background(),
		`INSERT INTO products(id, name, price_cents, stock) VALUES ($1, 'Test', 1000, $2)`, id, stock)
	require.NoError(t, err)
	return id
}

func productStock(t *testing.T, pool *pgxpool.Pool, id string) int {
	t.Helper()
	var s int
	require.NoError(t, pool.QueryRow(context.Background(), `SELECT stock FROM products WHERE id = $1`, id).Scan(&s))
	return s
}

func TestRepo_CreateCancelRoundTrip(t *testing.T) {
	repo, pool := newTestRepo(t)
	ctx := context.Background()
	pid := seedProduct(t, pool, 2)

	o, err := repo.Create(ctx, []inventory.Line{{ProductID: pid, Qty: 2}}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, productStock(t, pool, pid))

	_, err = repo.Create(ctx, []inventory.Line{{ProductID: pid, Qty: 1}}, time.Minute)
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	won, err := repo.TransitionTo(ctx, o.ID, StatusPending, StatusCancelled, "user")
	require.NoError(t, err)
	require.True(t, won)
	again, err := repo.TransitionTo(ctx, o.ID, StatusPending, StatusCancelled, "user")
	require.NoError(t, err)
	assert.False(t, again)

	ledger := inventory.NewPGLedger(pool)
	require.NoError(t, ledger.Release(ctx, o.ID, o.Lines()))
	require.NoError(t, ledger.Release(ctx, o.ID, o.Lines()))
	assert.Equal(t, 2, productStock(t, pool, pid))

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, PaymentCancelled, got.PaymentStatus)
	assert.Equal(t, "user", got.CancellationReason)
	assert.Equal(t, o.Items, got.Items)
}

func TestRepo_NoOversell(t *testing.T) {
	repo, pool := newTestRepo(t)
	pid := seedProduct(t, pool, 5)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Create(context.Background(), []inventory.Line{{ProductID: pid, Qty: 1}}, time.Minute); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, 0, productStock(t, pool, pid))
}

func TestRepo_TransitionTo_NotFound(t *testing.T) {
	repo, _ := newTestRepo(t)

	_, err := repo.TransitionTo(context.Background(), "does-not-exist", StatusPending, StatusCancelled, "x")

	assert.ErrorIs(t, err, ErrNotFound)
}
