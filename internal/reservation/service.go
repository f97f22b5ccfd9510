package reservation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ariefcatur/order-reservations/internal/inventory"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrStatusChanged means the order moved while an admin advance was in flight.
var ErrStatusChanged = errors.New("order status changed concurrently")

const (
	expireTimeout  = 10 * time.Second
	resumeLimit    = 10000
	bulkParallel   = 8
	defaultWindow  = 15 * time.Minute
	defaultMaxSpan = time.Hour
)

// StatusCache is a read-through cache of order snapshots. It is never
// consulted for decisions, only for serving reads.
type StatusCache interface {
	Get(ctx context.Context, id string) (*orders.Order, bool, error)
	Put(ctx context.Context, o *orders.Order) error
	Invalidate(ctx context.Context, id string) error
}

type Publisher interface {
	Publish(ctx context.Context, env orders.Envelope) error
}

type Options struct {
	DefaultReservation time.Duration
	MaxReservation     time.Duration
	ServiceName        string
	Cache              StatusCache
	Publisher          Publisher
	Clock              clockwork.Clock
	Log                *zap.Logger
}

// Service is what the storefront and admin console call.
type Service struct {
	store   orders.Store
	coord   *Coordinator
	timers  *Timers
	watcher *Watcher
	opts    Options
	log     *zap.Logger
}

func NewService(store orders.Store, ledger inventory.Ledger, opts Options) *Service {
	if opts.DefaultReservation <= 0 {
		opts.DefaultReservation = defaultWindow
	}
	if opts.MaxReservation <= 0 {
		opts.MaxReservation = defaultMaxSpan
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	timers := NewTimers(opts.Clock, opts.Log.Named("timers"))
	return &Service{
		store:   store,
		coord:   NewCoordinator(store, ledger, timers, opts.Log.Named("coordinator")),
		timers:  timers,
		watcher: NewWatcher(store, timers, opts.Clock, opts.Log.Named("watcher")),
		opts:    opts,
		log:     opts.Log,
	}
}

func (s *Service) Timers() *Timers { return s.timers }

// window applies the default for non-positive values and clamps to the maximum.
func (s *Service) window(d time.Duration) time.Duration {
	if d <= 0 {
		return s.opts.DefaultReservation
	}
	if d > s.opts.MaxReservation {
		return s.opts.MaxReservation
	}
	return d
}

// maxWindowSeconds is the largest whole-second count a time.Duration holds.
const maxWindowSeconds = int64(math.MaxInt64 / int64(time.Second))

// WindowSeconds converts a caller-supplied second count to a duration,
// saturating instead of wrapping so huge values still hit the maximum clamp.
func WindowSeconds(secs int64) time.Duration {
	switch {
	case secs <= 0:
		return 0
	case secs > maxWindowSeconds:
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}

// CreateOrder reserves stock and opens a pending order with a local expiry timer.
func (s *Service) CreateOrder(ctx context.Context, lines []inventory.Line, reservation time.Duration) (*orders.Order, error) {
	o, err := s.store.Create(ctx, lines, s.window(reservation))
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, o)
	s.publish(ctx, orders.EventOrderCreated, o.ID, orders.OrderCreatedPayload{
		OrderID: o.ID, Items: o.Items, TotalCents: o.TotalCents, ExpiresAt: o.ExpiresAt,
	})
	s.timers.Start(o.ID, o.ExpiresAt, s.expire)
	return o, nil
}

func (s *Service) expire(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
	defer cancel()
	if _, err := s.CancelOrder(ctx, orderID, ReasonExpired); err != nil {
		s.log.Error("expire order", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) CancelOrder(ctx context.Context, orderID, reason string) (Result, error) {
	res, err := s.coord.Cancel(ctx, orderID, reason)
	if err != nil {
		return res, err
	}
	if res.Order != nil {
		s.cachePut(ctx, res.Order)
	}
	if res.Outcome == OutcomeCancelled {
		p := orders.OrderCancelledPayload{OrderID: orderID, Reason: reason}
		if res.Order != nil && res.Order.CancelledAt != nil {
			p.CancelledAt = *res.Order.CancelledAt
		}
		for _, f := range res.Unreleased {
			p.UnreleasedItems = append(p.UnreleasedItems, f.ProductID)
		}
		s.publish(ctx, orders.EventOrderCancelled, orderID, p)
	}
	return res, nil
}

func (s *Service) ConfirmOrder(ctx context.Context, orderID string) (Result, error) {
	res, err := s.coord.Confirm(ctx, orderID)
	if err != nil {
		return res, err
	}
	if res.Order != nil {
		s.cachePut(ctx, res.Order)
	}
	if res.Outcome == OutcomeConfirmed && res.Order != nil {
		p := orders.OrderConfirmedPayload{OrderID: orderID, TotalCents: res.Order.TotalCents}
		if res.Order.ConfirmedAt != nil {
			p.ConfirmedAt = *res.Order.ConfirmedAt
		}
		s.publish(ctx, orders.EventOrderConfirmed, orderID, p)
	}
	return res, nil
}

// GetOrderStatus serves from the cache when it can. Returns orders.ErrNotFound for unknown ids.
func (s *Service) GetOrderStatus(ctx context.Context, orderID string) (*orders.Order, error) {
	if s.opts.Cache != nil {
		o, ok, err := s.opts.Cache.Get(ctx, orderID)
		if err != nil {
			s.log.Warn("status cache get", zap.String("order_id", orderID), zap.Error(err))
		}
		if ok {
			return o, nil
		}
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, o)
	return o, nil
}

// WatchOrder streams status changes from the store, ending on the first terminal status.
func (s *Service) WatchOrder(ctx context.Context, orderID string, interval time.Duration) (<-chan *orders.Order, error) {
	return s.watcher.Watch(ctx, orderID, interval)
}

// AdvanceOrder moves an order along the fulfilment path. Cancel and confirm
// are routed through the coordinator.
func (s *Service) AdvanceOrder(ctx context.Context, orderID string, to orders.Status) (*orders.Order, error) {
	switch to {
	case orders.StatusCancelled, orders.StatusConfirmed:
		var (
			res Result
			err error
		)
		if to == orders.StatusCancelled {
			res, err = s.CancelOrder(ctx, orderID, "admin")
		} else {
			res, err = s.ConfirmOrder(ctx, orderID)
		}
		switch {
		case err != nil:
			return nil, err
		case res.Outcome == OutcomeNotFound:
			return nil, orders.ErrNotFound
		case res.Outcome == OutcomeAlreadyTerminal:
			return res.Order, ErrStatusChanged
		}
		return res.Order, nil
	}

	cur, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !orders.CanTransition(cur.Status, to) {
		return cur, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, cur.Status, to)
	}
	won, err := s.store.TransitionTo(ctx, orderID, cur.Status, to, "")
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, ErrStatusChanged
	}
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.cachePut(ctx, o)
	s.publish(ctx, orders.EventOrderStatusChanged, orderID, orders.OrderStatusChangedPayload{
		OrderID: orderID, From: cur.Status, To: to,
	})
	return o, nil
}

type BulkResult struct {
	OrderID string  `json:"order_id"`
	Outcome Outcome `json:"outcome"`
	Error   string  `json:"error,omitempty"`
}

// CancelMany runs each id through CancelOrder independently; results keep input order.
func (s *Service) CancelMany(ctx context.Context, ids []string, reason string) []BulkResult {
	out := make([]BulkResult, len(ids))
	var g errgroup.Group
	g.SetLimit(bulkParallel)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := s.CancelOrder(ctx, id, reason)
			out[i] = BulkResult{OrderID: id, Outcome: res.Outcome}
			if err != nil {
				out[i].Error = err.Error()
			}
			return nil
		})
	}
	// failures are recorded per id in out, so Wait always returns nil
	_ = g.Wait()
	return out
}

// ResumeTimers re-arms local timers for pending orders after a restart.
// Orders already past their window are cancelled during the call.
func (s *Service) ResumeTimers(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, resumeLimit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range pending {
		if s.timers.Start(o.ID, o.ExpiresAt, s.expire) {
			n++
		}
	}
	return n, nil
}

func (s *Service) cachePut(ctx context.Context, o *orders.Order) {
	if s.opts.Cache == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := s.opts.Cache.Put(ctx, o); err != nil {
		s.log.Warn("status cache put", zap.String("order_id", o.ID), zap.Error(err))
		// drop the old snapshot rather than keep serving it
		if err := s.opts.Cache.Invalidate(ctx, o.ID); err != nil {
			s.log.Warn("status cache invalidate", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// publish is fire-and-log; the outcome is already decided.
func (s *Service) publish(ctx context.Context, eventType, orderID string, payload any) {
	if s.opts.Publisher == nil {
		return
	}
	env, err := orders.NewEnvelope(eventType, s.opts.ServiceName, orderID, payload)
	if err != nil {
		s.log.Error("build event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.opts.Publisher.Publish(context.WithoutCancel(ctx), env); err != nil {
		s.log.Warn("publish event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}
