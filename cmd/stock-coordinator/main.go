package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mozammilrja/stock-coordinator-go/internal/auth"
	"github.com/mozammilrja/stock-coordinator-go/internal/bus"
	"github.com/mozammilrja/stock-coordinator-go/internal/config"
	"github.com/mozammilrja/stock-coordinator-go/internal/db"
	"github.com/mozammilrja/stock-coordinator-go/internal/events"
	"github.com/mozammilrja/stock-coordinator-go/internal/fanout"
	httpapi "github.com/mozammilrja/stock-coordinator-go/internal/http"
	"github.com/mozammilrja/stock-coordinator-go/internal/inventory"
)

const serviceName = "stock-coordinator"

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- stores ---
	var ledger inventory.LedgerStore
	var reservations inventory.ReservationStore

	switch cfg.LedgerBackend {
	case "memory":
		mem := inventory.NewMemoryStore()
		ledger, reservations = mem, mem
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis connect", zap.Error(err))
		}
		defer client.Close()
		ledger = inventory.NewRedisLedger(client)

		pool := mustPostgres(ctx, cfg, logger)
		defer pool.Close()
		reservations = inventory.NewPostgresStore(pool)
	default:
		pool := mustPostgres(ctx, cfg, logger)
		defer pool.Close()
		store := inventory.NewPostgresStore(pool)
		ledger, reservations = store, store
	}

	// --- event bus ---
	conn, err := bus.Dial(cfg.AMQPURL)
	if err != nil {
		logger.Fatal("amqp connect", zap.Error(err))
	}
	defer conn.Close()

	eventBus, err := bus.NewAMQPBus(conn, serviceName, logger)
	if err != nil {
		logger.Fatal("amqp channel", zap.Error(err))
	}
	defer eventBus.Close()

	// --- reservation manager + order consumers ---
	manager := inventory.NewManager(ledger, reservations, eventBus, logger)

	subscriptions := []struct {
		pattern string
		queue   string
		handler bus.Handler
	}{
		{events.TopicOrderCreated, serviceName + ".order.created", inventory.OrderCreatedHandler(manager, logger)},
		{events.TopicOrderCompleted, serviceName + ".order.completed", inventory.OrderCompletedHandler(manager, logger)},
		{events.TopicOrderCancelled, serviceName + ".order.cancelled", inventory.OrderCancelledHandler(manager, logger)},
		{events.TopicProductCreated, serviceName + ".product.created", inventory.ProductCreatedHandler(manager, logger)},
	}
	for _, sub := range subscriptions {
		err := eventBus.Subscribe(ctx, sub.pattern, sub.handler, bus.SubscribeOptions{
			Queue:   sub.queue,
			Durable: true,
		})
		if err != nil {
			logger.Fatal("subscribe", zap.String("pattern", sub.pattern), zap.Error(err))
		}
	}

	// --- expiry sweeper ---
	sweeper := inventory.NewSweeper(manager, logger, inventory.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatch,
	})
	go sweeper.Run(ctx)

	// --- fan-out broadcaster ---
	broadcaster := fanout.NewBroadcaster(logger)
	err = eventBus.Subscribe(ctx, events.TopicAll, broadcaster.HandleEvent, bus.SubscribeOptions{
		Queue:   cfg.BroadcastQueue,
		Durable: true,
	})
	if err != nil {
		logger.Fatal("subscribe broadcast", zap.Error(err))
	}

	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	session := fanout.NewSessionServer(broadcaster, verifier, logger, fanout.DefaultSessionConfig())
	stream := fanout.NewStreamServer(broadcaster, verifier, logger, fanout.StreamConfig{
		Heartbeat:   cfg.StreamHeartbeat,
		StaleAfter:  cfg.StreamStaleAfter,
		RetryMillis: cfg.StreamRetryMs,
	})

	// --- HTTP ---
	h := httpapi.NewHandler(manager, logger)
	router := httpapi.NewRouter(h, session, stream)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// --- graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("fatal error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpServer.Shutdown(shutdownCtx)
	broadcaster.CloseAll()
	cancel()

	logger.Info("shutdown complete")
}

func mustPostgres(ctx context.Context, cfg config.Config, logger *zap.Logger) *pgxpool.Pool {
	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseDSN, logger); err != nil {
			logger.Fatal("db migrate", zap.Error(err))
		}
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	return pool
}
