// Command dispatcherd runs the order dispatcher and its HTTP daemon in a
// single process (SPEC_FULL.md §2.1): unlike the teacher's split
// api-server/worker binaries coordinating through Redis Streams, the work
// queue here is in-process, so there is exactly one process to run.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/netops/dispatcherd/internal/config"
	"github.com/netops/dispatcherd/internal/daemon/httpd"
	"github.com/netops/dispatcherd/internal/dispatcher"
	"github.com/netops/dispatcherd/internal/events"
	"github.com/netops/dispatcherd/internal/logger"
	"github.com/netops/dispatcherd/internal/orderdb"
	"github.com/netops/dispatcherd/internal/service"
	"github.com/netops/dispatcherd/internal/workqueue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting dispatcherd...")

	db, err := orderdb.NewSQLite(cfg.Dispatcher.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open order database")
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close order database")
		}
	}()

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if open, err := db.CloseOpenOrders(startupCtx); err != nil {
		log.Error().Err(err).Msg("Failed to inspect open orders at startup")
	} else if len(open) > 0 {
		log.Warn().Int("count", len(open)).Msg("orders left open from a prior run")
	}
	startupCancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	pingCancel()
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis client")
		}
	}()

	mirror := events.NewRedisMirror(redisClient)
	defer func() {
		if err := mirror.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close event mirror")
		}
	}()

	loggerFactory := logger.NewOrderLogFactory(cfg.Dispatcher.LogDir)
	disp := dispatcher.New(db, cfg.Dispatcher.MaxConcurrentPerQueue, loggerFactory)
	disp.SetMirror(mirror)

	fleetQueue := workqueue.New("fleet", cfg.Dispatcher.MaxConcurrentPerQueue, workqueue.NewGoroutineFactory(nil))
	disp.RegisterQueue(fleetQueue)
	disp.RegisterService("fleetconfig", service.NewFleetConfigPush(disp, service.DummyDriver{}, "fleet"))

	d := httpd.New(cfg, disp, db, mirror)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reapDone := make(chan struct{})
	go runReaper(ctx, db, cfg.Dispatcher.ReapInterval, cfg.Dispatcher.ReapMaxAge, reapDone)

	runErr := make(chan error, 1)
	go func() { runErr <- d.Run(ctx) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("Shutting down dispatcherd...")
	case err := <-runErr:
		if err != nil {
			log.Error().Err(err).Msg("httpd daemon stopped unexpectedly")
		}
	}

	cancel()
	<-reapDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("httpd daemon shutdown error")
	}

	log.Info().Msg("dispatcherd stopped")
}

// runReaper periodically force-closes orders that have sat open longer
// than maxAge (SPEC_FULL.md §3.1's ReapStaleOrders), until ctx is canceled.
func runReaper(ctx context.Context, db orderdb.OrderDatabase, interval, maxAge time.Duration, done chan<- struct{}) {
	defer close(done)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			n, err := db.ReapStaleOrders(reapCtx, maxAge)
			cancel()
			if err != nil {
				logger.Error().Err(err).Msg("failed to reap stale orders")
				continue
			}
			if n > 0 {
				logger.Warn().Int("count", n).Msg("reaped stale orders")
			}
		}
	}
}
