package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/order-reservations/internal/config"
	"github.com/ariefcatur/order-reservations/internal/inventory"
	kafkax "github.com/ariefcatur/order-reservations/internal/kafka"
	"github.com/ariefcatur/order-reservations/internal/logging"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/ariefcatur/order-reservations/internal/payments"
	"github.com/ariefcatur/order-reservations/internal/postgres"
	"github.com/ariefcatur/order-reservations/internal/redisx"
	"github.com/ariefcatur/order-reservations/internal/reservation"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// The worker owns authoritative expiry (the sweep) and applies payment
// outcomes. It never arms local timers.
func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.ServiceName+"-worker", cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		// not fatal; the client reconnects on later calls
		log.Warn("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log.Named("producer"))
	prod.Start()
	defer prod.WaitClosed()
	defer prod.Close()

	store := orders.NewRepo(db, nil)
	svc := reservation.NewService(store, inventory.NewPGLedger(db), reservation.Options{
		DefaultReservation: cfg.DefaultReservation,
		MaxReservation:     cfg.MaxReservation,
		ServiceName:        cfg.ServiceName + "-worker",
		Cache:              redisx.NewStatusCache(rdb, redisx.TTLStatusCache),
		Publisher:          prod,
		Log:                log,
	})

	sweeper := reservation.NewSweeper(store, svc, reservation.SweeperConfig{
		Interval:    cfg.SweepInterval,
		Batch:       cfg.SweepBatch,
		Concurrency: cfg.SweepConcurrency,
	}, nil, log.Named("sweeper"))

	handler := &payments.Handler{
		Orders: svc,
		Dedup:  redisx.NewDedup(rdb, "payments"),
		Log:    log.Named("payments"),
	}
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentsGroup, payments.Topics, cfg.PaymentsWorkers, log.Named("consumer"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval), zap.Int("batch", cfg.SweepBatch))
		return sweeper.Run(gctx)
	})
	g.Go(func() error {
		log.Info("payments consumer started",
			zap.String("group", cfg.PaymentsGroup), zap.Strings("topics", payments.Topics), zap.Int("workers", cfg.PaymentsWorkers))
		return cons.Start(gctx, handler.HandleMessage)
	})
	err = g.Wait()
	log.Info("shutting down worker...")
	return err
}
