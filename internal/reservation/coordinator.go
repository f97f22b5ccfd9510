// Package reservation owns the lifecycle of a pending order: the local
// expiry timers, the single cancellation funnel, status watching and the
// expiry sweep.
package reservation

import (
	"context"
	"errors"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomeCancelled       Outcome = "cancelled"
	OutcomeConfirmed       Outcome = "confirmed"
	OutcomeAlreadyTerminal Outcome = "already_terminal"
	OutcomeNotFound        Outcome = "not_found"
)

// Cancellation reasons used by the built-in triggers.
const (
	ReasonExpired       = "expired"
	ReasonPaymentFailed = "payment_failed"
)

type timerStopper interface {
	Stop(orderID string)
}

// Result is what a cancel or confirm call produced. Order is the state
// after the call when the order exists. Unreleased lists items whose stock
// could not be credited back.
type Result struct {
	Outcome    Outcome
	Order      *orders.Order
	Unreleased []inventory.ItemFailure
}

// Coordinator is the only code path that releases reserved stock. Every
// trigger (timer, buyer, admin, sweep, payment failure) calls Cancel; only
// the caller that wins the pending -> cancelled transition touches the ledger.
type Coordinator struct {
	store  orders.Store
	ledger inventory.Ledger
	timers timerStopper
	log    *zap.Logger
}

func NewCoordinator(store orders.Store, ledger inventory.Ledger, timers timerStopper, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{store: store, ledger: ledger, timers: timers, log: log}
}

func (c *Coordinator) Cancel(ctx context.Context, orderID, reason string) (Result, error) {
	won, err := c.store.TransitionTo(ctx, orderID, orders.StatusPending, orders.StatusCancelled, reason)
	if errors.Is(err, orders.ErrNotFound) {
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return Result{}, err
	}
	c.stopTimer(orderID)
	// the transition has committed; finish even if the caller goes away
	ctx = context.WithoutCancel(ctx)

	// The outcome is already decided by the transition; a failed re-read
	// only costs the snapshot.
	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		c.log.Error("read order after cancel", zap.String("order_id", orderID), zap.Bool("won", won), zap.Error(err))
		if won {
			// items unknown, so nothing is released here; the marker rows stay RESERVED
			return Result{Outcome: OutcomeCancelled}, nil
		}
		return Result{Outcome: OutcomeAlreadyTerminal}, nil
	}
	if !won {
		c.log.Debug("cancel lost to earlier transition",
			zap.String("order_id", orderID), zap.String("status", string(o.Status)), zap.String("reason", reason))
		return Result{Outcome: OutcomeAlreadyTerminal, Order: o}, nil
	}

	res := Result{Outcome: OutcomeCancelled, Order: o}
	if err := c.ledger.Release(ctx, orderID, o.Lines()); err != nil {
		var pfe *inventory.PartialFailureError
		if !errors.As(err, &pfe) {
			pfe = &inventory.PartialFailureError{OrderID: orderID}
			for _, ln := range o.Lines() {
				pfe.Failures = append(pfe.Failures, inventory.ItemFailure{ProductID: ln.ProductID, Qty: ln.Qty, Err: err})
			}
		}
		for _, f := range pfe.Failures {
			c.log.Error("stock release failed",
				zap.String("order_id", orderID), zap.String("product_id", f.ProductID),
				zap.Int("qty", f.Qty), zap.Error(f.Err))
		}
		res.Unreleased = pfe.Failures
	}
	c.log.Info("order cancelled", zap.String("order_id", orderID), zap.String("reason", reason))
	return res, nil
}

// Confirm makes the reservation permanent. No release can follow it.
func (c *Coordinator) Confirm(ctx context.Context, orderID string) (Result, error) {
	won, err := c.store.TransitionTo(ctx, orderID, orders.StatusPending, orders.StatusConfirmed, "")
	if errors.Is(err, orders.ErrNotFound) {
		return Result{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return Result{}, err
	}
	c.stopTimer(orderID)
	ctx = context.WithoutCancel(ctx)

	if won {
		if err := c.ledger.Commit(ctx, orderID); err != nil {
			c.log.Error("commit reservation failed", zap.String("order_id", orderID), zap.Error(err))
		}
	}
	outcome := OutcomeConfirmed
	if !won {
		outcome = OutcomeAlreadyTerminal
	}
	o, err := c.store.Get(ctx, orderID)
	if err != nil {
		c.log.Error("read order after confirm", zap.String("order_id", orderID), zap.Error(err))
		return Result{Outcome: outcome}, nil
	}
	if !won {
		return Result{Outcome: outcome, Order: o}, nil
	}
	c.log.Info("order confirmed", zap.String("order_id", orderID))
	return Result{Outcome: OutcomeConfirmed, Order: o}, nil
}

func (c *Coordinator) stopTimer(orderID string) {
	if c.timers != nil {
		c.timers.Stop(orderID)
	}
}
