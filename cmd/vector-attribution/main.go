package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/httpserver"
	"github.com/radiusdt/vector-attribution/internal/ingest"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/middleware"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use logger yet
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting Vector Attribution",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics("vector_attribution", prometheus.DefaultRegisterer)
	}

	deps := &httpserver.Dependencies{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
	}

	// Initialize PostgreSQL
	if cfg.Database.Enabled {
		db, err := database.NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			logger.Warn("PostgreSQL not available, using in-memory storage", zap.Error(err))
		} else {
			defer db.Close()
			if cfg.Database.Migrate {
				if err := db.Migrate(ctx); err != nil {
					logger.Fatal("failed to migrate PostgreSQL", zap.Error(err))
				}
			}
			deps.DB = db
		}
	}

	// Initialize Redis
	if cfg.Redis.Enabled {
		redis, err := database.NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			logger.Warn("Redis not available, rollups stay in the primary store", zap.Error(err))
		} else {
			defer redis.Close()
			deps.Redis = redis
		}
	}

	// Initialize ClickHouse
	if cfg.ClickHouse.Enabled {
		ch, err := database.NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			logger.Fatal("failed to connect to ClickHouse", zap.Error(err))
		}
		defer ch.Close()
		if err := ch.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate ClickHouse", zap.Error(err))
		}
		deps.ClickHouse = ch
	}

	server, err := httpserver.NewServer(deps)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	defer server.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	var wg sync.WaitGroup

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Start Kafka ingress
	if cfg.Kafka.Enabled {
		consumer, err := ingest.NewKafkaConsumer(cfg.Kafka, server.Dispatcher(), logger)
		if err != nil {
			logger.Fatal("failed to create kafka consumer", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil {
				logger.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	}

	// Export connection pool stats
	if deps.DB != nil && m != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					stat := deps.DB.Pool.Stat()
					m.UpdateDBStats(int(stat.IdleConns()), int(stat.AcquiredConns()), int(stat.TotalConns()))
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background workers before the stores close
	cancel()
	wg.Wait()

	logger.Info("server stopped")
}
