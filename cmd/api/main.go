package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/order-reservations/internal/config"
	"github.com/ariefcatur/order-reservations/internal/httpx"
	"github.com/ariefcatur/order-reservations/internal/inventory"
	kafkax "github.com/ariefcatur/order-reservations/internal/kafka"
	"github.com/ariefcatur/order-reservations/internal/logging"
	"github.com/ariefcatur/order-reservations/internal/orders"
	"github.com/ariefcatur/order-reservations/internal/postgres"
	"github.com/ariefcatur/order-reservations/internal/redisx"
	"github.com/ariefcatur/order-reservations/internal/reservation"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logging.New(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		return err
	}

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()
	if err := redisx.Ping(ctx, rdb); err != nil {
		// not fatal; the client reconnects on later calls
		log.Warn("redis unreachable", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	// Kafka producer
	prod := kafkax.NewProducer(cfg.KafkaBrokers, 1024, log.Named("producer"))
	prod.Start()
	defer prod.WaitClosed()
	defer prod.Close()

	svc := reservation.NewService(orders.NewRepo(db, nil), inventory.NewPGLedger(db), reservation.Options{
		DefaultReservation: cfg.DefaultReservation,
		MaxReservation:     cfg.MaxReservation,
		ServiceName:        cfg.ServiceName,
		Cache:              redisx.NewStatusCache(rdb, redisx.TTLStatusCache),
		Publisher:          prod,
		Log:                log,
	})
	defer svc.Timers().StopAll()

	n, err := svc.ResumeTimers(ctx)
	if err != nil {
		log.Warn("resume timers", zap.Error(err))
	}
	log.Info("reservation timers armed", zap.Int("count", n))

	router := httpx.NewRouter(log.Named("http"))
	oh := &httpx.OrdersHandler{Service: svc, WatchInterval: cfg.WatchInterval, Log: log.Named("http")}
	oh.Register(router)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	srv.RegisterOnShutdown(oh.CloseStreams)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
