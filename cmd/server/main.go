package main

import (
	"context"
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"github.com/sokodrop/payments/internal/adapter/gateway"
	"github.com/sokodrop/payments/internal/adapter/handler"
	"github.com/sokodrop/payments/internal/adapter/storage"
	"github.com/sokodrop/payments/internal/config"
	"github.com/sokodrop/payments/internal/core/service"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize MySQL
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatalf("failed to open mysql: %v", err)
	}
	db.SetMaxOpenConns(50)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping mysql: %v", err)
	}
	logger.Info("connected to mysql")

	// Initialize Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}
	logger.Info("connected to redis")

	// Initialize adapters
	ledger := storage.NewMySQLAdapter(db)
	cache := storage.NewRedisAdapter(rdb)
	gw := gateway.NewDarajaClient(gateway.Options{
		BaseURL:        cfg.GatewayBaseURL,
		ConsumerKey:    cfg.GatewayConsumerKey,
		ConsumerSecret: cfg.GatewayConsumerSecret,
		ShortCode:      cfg.GatewayShortCode,
		Passkey:        cfg.GatewayPasskey,
		CallbackURL:    cfg.GatewayCallbackURL,
		Timeout:        cfg.GatewayTimeout,
	}, cache, logger)

	// Initialize reconciler
	rec := service.NewReconciler(ledger, gw, cache, service.Config{
		Split: service.SplitConfig{
			DriverPayEnabled: cfg.DriverPayEnabled,
			DriverPayAmount:  cfg.DriverPayAmount,
			RoundEpsilon:     cfg.FeeRoundEpsilon,
		},
		NotifyTopic: cfg.NotifyTopic,
	}, logger, cfg.CallbackQueueSize)

	// Supervised error channel for background work
	errs := make(chan error, 64)
	go func() {
		for err := range errs {
			logger.Error("background task error", "err", err)
		}
	}()

	// Start finalize worker pool draining the callback queue
	var wg sync.WaitGroup
	for i := 0; i < cfg.CallbackWorkers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			finalizeLoop(id, rec, logger)
		}(i)
	}
	logger.Info("started finalize workers", "count", cfg.CallbackWorkers)

	// Start sweep job
	sweeper := service.NewSweeper(ledger, gw, rec, logger, cfg.SweepInterval, cfg.SweepWindow)
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		sweeper.Run(ctx, errs)
	}()
	logger.Info("started sweep job", "interval", cfg.SweepInterval, "window", cfg.SweepWindow)

	// Initialize HTTP server
	router := gin.New()
	router.Use(gin.Recovery())
	handler.NewHTTPHandler(rec, logger).Register(router)

	httpServer := &http.Server{
		Addr:    cfg.HTTPPort,
		Handler: router,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	// Stop HTTP server first so no new signals arrive
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	logger.Info("HTTP server stopped")

	// Stop sweep, drain the queue, wait for in-flight finalizes
	cancel()
	sweepWG.Wait()
	rec.Close()
	wg.Wait()
	close(errs)
	logger.Info("workers stopped")

	// Close connections
	rdb.Close()
	db.Close()
	logger.Info("connections closed")
}

// finalizeLoop drains the callback queue: normalize, then feed the
// reconciler. Malformed payloads are logged and dropped here; the
// gateway was already acknowledged by the handler. Uses a fresh
// context per signal so queued work still drains during shutdown.
func finalizeLoop(id int, rec *service.Reconciler, logger *slog.Logger) {
	for rs := range rec.Signals() {
		sig, err := service.Normalize(rs.Payload, rs.Source)
		if err != nil {
			logger.Warn("worker dropping malformed signal", "worker", id, "source", rs.Source, "err", err)
			continue
		}

		opCtx, opCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := rec.FinalizePayment(opCtx, sig); err != nil {
			logger.Error("worker finalize failed",
				"worker", id, "order_id", sig.OrderID, "checkout_ref", sig.CheckoutRef, "err", err)
		}
		opCancel()
	}
}
