package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/order-reservations/internal/postgres"
	"github.com/jackc/pgx/v5"
)

// PGLedger keeps stock in products.stock and one row per (order, product) in
// reservations. The reservation row is the release marker: it moves
// RESERVED -> RELEASED (or COMMITTED) exactly once.
type PGLedger struct{ DB postgres.DBTX }

func NewPGLedger(db postgres.DBTX) *PGLedger { return &PGLedger{DB: db} }

// Reserve runs a conditional decrement per product inside one transaction
// (a savepoint when DB is already a pgx.Tx). Any shortfall rolls back all lines.
func (l *PGLedger) Reserve(ctx context.Context, orderID string, lines []Line) ([]Reserved, error) {
	lines, err := Normalize(lines)
	if err != nil {
		return nil, err
	}
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]Reserved, len(lines))
	for _, i := range lockOrder(lines) {
		ln := lines[i]
		r := Reserved{ProductID: ln.ProductID, Qty: ln.Qty}
		err := tx.QueryRow(ctx, `
			UPDATE products SET stock = stock - $2, updated_at = now()
			WHERE id = $1 AND stock >= $2
			RETURNING name, price_cents`, ln.ProductID, ln.Qty).Scan(&r.Name, &r.UnitPriceCents)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shortfall(ctx, tx, ln)
		}
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", ln.ProductID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(order_id, product_id, qty, status)
			VALUES ($1, $2, $3, 'RESERVED')`, orderID, ln.ProductID, ln.Qty); err != nil {
			return nil, fmt.Errorf("record reservation %s: %w", ln.ProductID, err)
		}
		out[i] = r
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// shortfall tells a missing product apart from one with too little stock.
func shortfall(ctx context.Context, tx pgx.Tx, ln Line) error {
	var stock int
	err := tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, ln.ProductID).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrProductNotFound, ln.ProductID)
	}
	if err != nil {
		return err
	}
	return &InsufficientStockError{ProductID: ln.ProductID, Requested: ln.Qty, Available: stock}
}

func (l *PGLedger) Release(ctx context.Context, orderID string, lines []Line) error {
	var failures []ItemFailure
	for _, ln := range lines {
		if err := l.releaseOne(ctx, orderID, ln.ProductID); err != nil {
			failures = append(failures, ItemFailure{ProductID: ln.ProductID, Qty: ln.Qty, Err: err})
		}
	}
	if len(failures) > 0 {
		return &PartialFailureError{OrderID: orderID, Failures: failures}
	}
	return nil
}

// releaseOne flips the marker and credits stock in one transaction, so a
// failed credit leaves the marker RESERVED for an out-of-band retry.
func (l *PGLedger) releaseOne(ctx context.Context, orderID, productID string) error {
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var qty int
	err = tx.QueryRow(ctx, `
		UPDATE reservations SET status = 'RELEASED', released_at = now()
		WHERE order_id = $1 AND product_id = $2 AND status = 'RESERVED'
		RETURNING qty`, orderID, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE order_id = $1 AND product_id = $2`,
			orderID, productID).Scan(&status)
		switch {
		case err == nil && status == "RELEASED":
			return nil // duplicate release, already credited
		case err == nil, errors.Is(err, pgx.ErrNoRows):
			return ErrNotReserved
		default:
			return err
		}
	}
	if err != nil {
		return err
	}

	ct, err := tx.Exec(ctx, `UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return ErrProductNotFound
	}
	return tx.Commit(ctx)
}

func (l *PGLedger) Commit(ctx context.Context, orderID string) error {
	_, err := l.DB.Exec(ctx, `UPDATE reservations SET status = 'COMMITTED' WHERE order_id = $1 AND status = 'RESERVED'`, orderID)
	return err
}
