package reservation

import (
	"context"
	"time"

	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type StatusReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

// Watcher re-reads authoritative order state so an observer notices a
// cancellation made elsewhere (admin, other tab, sweep, payment failure).
type Watcher struct {
	reader StatusReader
	timers timerStopper
	clock  clockwork.Clock
	log    *zap.Logger
}

func NewWatcher(reader StatusReader, timers timerStopper, clock clockwork.Clock, log *zap.Logger) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{reader: reader, timers: timers, clock: clock, log: log}
}

// Watch emits the current snapshot, then every status change. The channel
// closes after the first terminal status or when ctx ends. An unknown order
// fails before any polling starts.
func (w *Watcher) Watch(ctx context.Context, orderID string, interval time.Duration) (<-chan *orders.Order, error) {
	first, err := w.reader.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = time.Second
	}
	out := make(chan *orders.Order, 1)
	go w.loop(ctx, first, interval, out)
	return out, nil
}

func (w *Watcher) loop(ctx context.Context, last *orders.Order, interval time.Duration, out chan<- *orders.Order) {
	defer close(out)
	if !w.emit(ctx, last, out) {
		return
	}

	ticker := w.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
		o, err := w.reader.Get(ctx, last.ID)
		if err != nil {
			if ctx.Err() == nil {
				w.log.Warn("poll order status", zap.String("order_id", last.ID), zap.Error(err))
			}
			continue
		}
		if o.Status == last.Status {
			continue
		}
		last = o
		if !w.emit(ctx, o, out) {
			return
		}
	}
}

// emit sends o and reports whether watching should continue.
func (w *Watcher) emit(ctx context.Context, o *orders.Order, out chan<- *orders.Order) bool {
	if o.Status.Terminal() && w.timers != nil {
		w.timers.Stop(o.ID)
	}
	select {
	case out <- o:
	case <-ctx.Done():
		return false
	}
	return !o.Status.Terminal()
}

// Poll blocks until the order leaves pending, then calls onTerminal once
// with the status it saw. It returns ctx.Err() if ctx ends first.
func (w *Watcher) Poll(ctx context.Context, orderID string, interval time.Duration, onTerminal func(orders.Status)) error {
	ch, err := w.Watch(ctx, orderID, interval)
	if err != nil {
		return err
	}
	var last *orders.Order
	for o := range ch {
		last = o
	}
	if last == nil || !last.Status.Terminal() {
		return ctx.Err()
	}
	onTerminal(last.Status)
	return nil
}
