// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main provides a production-ready websock server deployment
// with metrics, health checks, per-IP limits and static file serving.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/absmach/websock/pkg/deflate"
	"github.com/absmach/websock/pkg/health"
	"github.com/absmach/websock/pkg/metrics"
	"github.com/absmach/websock/pkg/server/httpfile"
	"github.com/absmach/websock/pkg/server/ws"
	"github.com/absmach/websock/pkg/websocket"
)

// Config holds the application configuration.
type Config struct {
	// Endpoint
	Address  string `env:"ADDRESS"   envDefault:":9001"`
	HTTPRoot string `env:"HTTP_ROOT" envDefault:"."`

	// Observability
	MetricsPort int    `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"  envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`

	// Resource Limits
	MaxConnectionsPerIP int `env:"MAX_CONNECTIONS_PER_IP" envDefault:"64"`
	MaxGoroutines       int `env:"MAX_GOROUTINES"         envDefault:"50000"`

	// Transport
	EnableDeflate bool          `env:"ENABLE_DEFLATE" envDefault:"true"`
	PingInterval  time.Duration `env:"PING_INTERVAL"  envDefault:"30s"`
	IdleTimeout   time.Duration `env:"IDLE_TIMEOUT"   envDefault:"300s"`

	// Shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	cfg := Config{}
	if err := godotenv.Load(); err != nil {
		// .env file is optional
	}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting websock in production mode",
		slog.String("address", cfg.Address),
		slog.Int("max_connections_per_ip", cfg.MaxConnectionsPerIP))

	m := metrics.New("websock")

	// Every frame on the wire feeds the byte counters.
	websocket.SetTrafficTrackerCallback(func(size int, incoming bool) {
		direction := "outbound"
		if incoming {
			direction = "inbound"
		}
		m.BytesTotal.WithLabelValues(direction).Add(float64(size))
	})

	healthChecker := health.NewChecker()
	healthChecker.Register("goroutines", func(ctx context.Context) error {
		count := runtime.NumGoroutine()
		if count > cfg.MaxGoroutines {
			return fmt.Errorf("too many goroutines: %d > %d", count, cfg.MaxGoroutines)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	files := httpfile.New(httpfile.Config{
		Root:       cfg.HTTPRoot,
		EnableGzip: true,
		Logger:     logger,
	})

	serverCfg := ws.Config{
		Address:             cfg.Address,
		MaxConnectionsPerIP: cfg.MaxConnectionsPerIP,
		ShutdownTimeout:     cfg.ShutdownTimeout,
		HTTPHandler:         files.HandlerFunc(),
		Logger:              logger,
		ConnOptions: websocket.Options{
			PingInterval: cfg.PingInterval,
			IdleTimeout:  cfg.IdleTimeout,
			Logger:       logger,
		},
	}
	if cfg.EnableDeflate {
		serverCfg.Deflate = deflate.DefaultOptions()
	}

	handler := newInstrumentedHandler(logger, m)
	server := ws.New(serverCfg, handler)

	healthChecker.Register("clients", func(ctx context.Context) error {
		m.ActiveConnections.WithLabelValues("server").Set(float64(server.ClientCount()))
		return nil
	})

	g.Go(func() error {
		return server.Listen(ctx)
	})
	g.Go(func() error {
		return startMetricsServer(ctx, cfg.MetricsPort, logger)
	})
	g.Go(func() error {
		return startHealthServer(ctx, cfg.HealthPort, healthChecker, logger)
	})
	g.Go(func() error {
		return stopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil && err != http.ErrServerClosed {
		logger.Error(fmt.Sprintf("websock service terminated with error: %s", err))
	} else {
		logger.Info("websock service stopped")
	}
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func startMetricsServer(ctx context.Context, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server started", slog.Int("port", port))
	return srv.ListenAndServe()
}

func startHealthServer(ctx context.Context, port int, checker *health.Checker, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HTTPHandler())
	mux.HandleFunc("/live", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("health server started", slog.Int("port", port))
	return srv.ListenAndServe()
}

func stopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("received signal, shutting down", slog.String("signal", s.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
