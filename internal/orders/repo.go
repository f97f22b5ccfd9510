package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/postgres"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jonboulle/clockwork"
)

// Repo is the Postgres Store. Stock lives in the same database so order
// insert and reservation share one transaction.
type Repo struct {
	DB    postgres.DBTX
	Clock clockwork.Clock
}

func NewRepo(db postgres.DBTX, clock clockwork.Clock) *Repo {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Repo{DB: db, Clock: clock}
}

const orderColumns = `id, status, payment_status, items, total_cents, expires_at, created_at, updated_at,
	confirmed_at, cancelled_at, COALESCE(cancellation_reason, '')`

func (r *Repo) Create(ctx context.Context, lines []inventory.Line, expiresIn time.Duration) (*Order, error) {
	if expiresIn <= 0 {
		return nil, ErrInvalidExpiry
	}
	tx, err := r.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.NewString()
	reserved, err := inventory.NewPGLedger(tx).Reserve(ctx, id, lines)
	if err != nil {
		return nil, err
	}

	now := r.Clock.Now().UTC()
	items, total := itemsFrom(reserved)
	o := &Order{
		ID:            id,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		Items:         items,
		TotalCents:    total,
		ExpiresAt:     now.Add(expiresIn),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	raw, err := json.Marshal(o.Items)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO orders(id, status, payment_status, items, total_cents, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		o.ID, string(o.Status), string(o.PaymentStatus), raw, o.TotalCents, o.ExpiresAt, now); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

// TransitionTo is a single conditional UPDATE; the row lock serializes
// concurrent callers and only one sees a row affected.
func (r *Repo) TransitionTo(ctx context.Context, id string, from, to Status, reason string) (bool, error) {
	if !CanTransition(from, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	now := r.Clock.Now().UTC()
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET
			status = $3,
			updated_at = $4,
			payment_status = CASE $3 WHEN 'cancelled' THEN 'cancelled' WHEN 'confirmed' THEN 'paid' ELSE payment_status END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN $4 ELSE cancelled_at END,
			cancellation_reason = CASE WHEN $3 = 'cancelled' THEN NULLIF($5, '') ELSE cancellation_reason END,
			confirmed_at = CASE WHEN $3 = 'confirmed' THEN $4 ELSE confirmed_at END
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), now, reason)
	if err != nil {
		return false, err
	}
	if ct.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

func (r *Repo) ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id FROM orders
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *Repo) ListPending(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.DB.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE status = 'pending' ORDER BY expires_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                     Order
		status, paymentStatus string
		raw                   []byte
	)
	if err := row.Scan(&o.ID, &status, &paymentStatus, &raw, &o.TotalCents, &o.ExpiresAt, &o.CreatedAt, &o.UpdatedAt,
		&o.ConfirmedAt, &o.CancelledAt, &o.CancellationReason); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	o.PaymentStatus = PaymentStatus(paymentStatus)
	if err := json.Unmarshal(raw, &o.Items); err != nil {
		return nil, fmt.Errorf("decode items of %s: %w", o.ID, err)
	}
	return &o, nil
}
