package orders

import (
	"context"
	"errors"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrInvalidExpiry     = errors.New("reservation window must be positive")
)

// Store is the system of record for orders. Status only changes through
// TransitionTo, a compare-and-set on the current status.
type Store interface {
	// Create reserves stock for lines and inserts a pending order in one unit
	// of work. When the reservation fails no order exists.
	Create(ctx context.Context, lines []inventory.Line, expiresIn time.Duration) (*Order, error)
	// TransitionTo moves id from -> to only if its status is still from.
	// Exactly one of any number of concurrent callers observes true.
	TransitionTo(ctx context.Context, id string, from, to Status, reason string) (bool, error)
	Get(ctx context.Context, id string) (*Order, error)
	// ListExpired returns pending orders whose window closed before now, oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]string, error)
	// ListPending returns pending orders by expiry. A limit <= 0 yields none.
	ListPending(ctx context.Context, limit int) ([]*Order, error)
}
