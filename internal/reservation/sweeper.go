package reservation

import (
	"context"
	"time"

	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type canceller interface {
	Cancel(ctx context.Context, orderID, reason string) (Result, error)
}

type SweeperConfig struct {
	Interval    time.Duration
	Batch       int
	Concurrency int
}

// Sweeper cancels pending orders whose window closed, whether or not any
// process still holds a timer for them. It goes through the same Cancel as
// every other trigger, so it needs no coordination with them.
type Sweeper struct {
	store  orders.Store
	cancel canceller
	cfg    SweeperConfig
	clock  clockwork.Clock
	log    *zap.Logger
}

func NewSweeper(store orders.Store, c canceller, cfg SweeperConfig, clock clockwork.Clock, log *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{store: store, cancel: c, cfg: cfg, clock: clock, log: log}
}

// Run sweeps once immediately and then every Interval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// SweepOnce cancels up to Batch expired orders and returns how many this
// call actually cancelled. Orders another actor got to first are skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpired(ctx, s.clock.Now(), s.cfg.Batch)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	results := make([]Outcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			res, err := s.cancel.Cancel(gctx, id, ReasonExpired)
			if err != nil {
				// one bad order must not stop the rest of the batch
				s.log.Warn("sweep cancel", zap.String("order_id", id), zap.Error(err))
				return nil
			}
			results[i] = res.Outcome
			return nil
		})
	}
	// per-order failures are logged above, so Wait always returns nil
	_ = g.Wait()

	n := 0
	for _, o := range results {
		if o == OutcomeCancelled {
			n++
		}
	}
	s.log.Info("sweep done", zap.Int("expired", len(ids)), zap.Int("cancelled", n))
	return n, nil
}
