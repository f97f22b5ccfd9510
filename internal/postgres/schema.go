package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
	id          TEXT PRIMARY KEY,
	name        TEXT        NOT NULL,
	price_cents BIGINT      NOT NULL DEFAULT 0,
	stock       INTEGER     NOT NULL CHECK (stock >= 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS orders (
	id                  TEXT PRIMARY KEY,
	status              TEXT        NOT NULL,
	payment_status      TEXT        NOT NULL,
	items               JSONB       NOT NULL,
	total_cents         BIGINT      NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	updated_at          TIMESTAMPTZ NOT NULL,
	confirmed_at        TIMESTAMPTZ,
	cancelled_at        TIMESTAMPTZ,
	cancellation_reason TEXT
);

-- sweep: status = 'pending' AND expires_at < now
CREATE INDEX IF NOT EXISTS idx_orders_pending_expiry ON orders (expires_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS reservations (
	order_id    TEXT        NOT NULL,
	product_id  TEXT        NOT NULL,
	qty         INTEGER     NOT NULL CHECK (qty > 0),
	status      TEXT        NOT NULL, -- RESERVED | COMMITTED | RELEASED
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	released_at TIMESTAMPTZ,
	PRIMARY KEY (order_id, product_id)
);
`

// Migrate creates the tables the reservation core depends on. It is idempotent.
func Migrate(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
